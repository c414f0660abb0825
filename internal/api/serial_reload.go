package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/ispflash/internal/db"
	"github.com/banshee-data/ispflash/internal/httputil"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/serialmux"
)

var (
	// ErrNoSession is returned while no port is open, for example after a
	// reload failed to open the new port.
	ErrNoSession = errors.New("no active session")

	// ErrProfileNotFound is returned by Reload for an unknown profile id.
	ErrProfileNotFound = errors.New("serial profile not found")
)

// Lease is one open port and the session running over it.
type Lease struct {
	Session *isp.Session
	Mux     serialmux.SerialMuxInterface

	// Lost is closed when the port stops responding. May be nil.
	Lost <-chan struct{}

	// Close ends the session and releases the port.
	Close func()
}

// SessionOpener opens path with opts and starts a session over it. It is
// injected so serve can supply real ports or the simulator and tests can
// count opens.
type SessionOpener func(path string, opts serialmux.PortOptions) (*Lease, error)

// SerialConfigSnapshot describes the port the active session runs over.
type SerialConfigSnapshot struct {
	ProfileID int                   `json:"profile_id,omitempty"`
	Name      string                `json:"name,omitempty"`
	PortPath  string                `json:"port_path"`
	Source    string                `json:"source"`
	Options   serialmux.PortOptions `json:"options"`
}

// SerialReloadResult is returned to API clients when a reload request is
// processed.
type SerialReloadResult struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Config  *SerialConfigSnapshot `json:"config,omitempty"`
}

// SessionManager holds the session serve runs and swaps it for a new one
// when a stored serial profile is applied. API handlers and the serial debug
// routes go through the manager so they follow the swap.
//
// Reload refuses to swap while an operation is running. Close is for
// shutdown only.
type SessionManager struct {
	mu       sync.RWMutex
	current  *Lease
	retire   chan struct{}
	snapshot SerialConfigSnapshot
	closed   bool

	db   *db.DB
	open SessionOpener

	reloadMu sync.Mutex

	lost     chan struct{}
	lostOnce sync.Once
}

// NewSessionManager starts managing initial, which may be nil when no port
// could be opened yet.
func NewSessionManager(database *db.DB, initial *Lease, snapshot SerialConfigSnapshot, open SessionOpener) *SessionManager {
	m := &SessionManager{
		db:   database,
		open: open,
		lost: make(chan struct{}),
	}
	m.install(initial, snapshot)
	return m
}

// install makes l current and watches it for port loss until it is
// replaced.
func (m *SessionManager) install(l *Lease, snap SerialConfigSnapshot) {
	retire := make(chan struct{})
	m.mu.Lock()
	m.current = l
	m.snapshot = snap
	m.retire = retire
	m.mu.Unlock()

	if l == nil || l.Lost == nil {
		return
	}
	go func() {
		select {
		case <-l.Lost:
			m.lostOnce.Do(func() { close(m.lost) })
		case <-retire:
		}
	}()
}

// detach clears the current lease and returns it for closing.
func (m *SessionManager) detach() *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.current
	m.current = nil
	if m.retire != nil {
		close(m.retire)
		m.retire = nil
	}
	return l
}

// Current returns the active lease, or nil.
func (m *SessionManager) Current() *Lease {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *SessionManager) session() *isp.Session {
	if l := m.Current(); l != nil {
		return l.Session
	}
	return nil
}

func (m *SessionManager) serialMux() serialmux.SerialMuxInterface {
	if l := m.Current(); l != nil {
		return l.Mux
	}
	return nil
}

// Snapshot returns a copy of the active configuration.
func (m *SessionManager) Snapshot() SerialConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Lost is closed when the active port stops responding. Ports closed by a
// reload do not count.
func (m *SessionManager) Lost() <-chan struct{} {
	return m.lost
}

// Status reports the active session, or an idle status when there is none.
func (m *SessionManager) Status() isp.Status {
	if s := m.session(); s != nil {
		return s.Status()
	}
	return isp.Status{}
}

// ExecuteCmd runs a control exchange on the active session.
func (m *SessionManager) ExecuteCmd(ctx context.Context, req []byte, expectedLen int, timeout time.Duration) ([]byte, isp.Result, error) {
	s := m.session()
	if s == nil {
		return nil, isp.ResultFailed, ErrNoSession
	}
	return s.ExecuteCmd(ctx, req, expectedLen, timeout)
}

// LastError returns the active session's last failure cause.
func (m *SessionManager) LastError() error {
	if s := m.session(); s != nil {
		return s.LastError()
	}
	return nil
}

// Write queues raw bytes on the active port.
func (m *SessionManager) Write(p []byte) error {
	mux := m.serialMux()
	if mux == nil {
		return ErrNoSession
	}
	return mux.Write(p)
}

// Tap taps the active port. The channel closes when that port is closed,
// including by a reload.
func (m *SessionManager) Tap() (string, <-chan []byte) {
	mux := m.serialMux()
	if mux == nil {
		ch := make(chan []byte)
		close(ch)
		return "", ch
	}
	return mux.Tap()
}

func (m *SessionManager) Untap(id string) {
	if mux := m.serialMux(); mux != nil {
		mux.Untap(id)
	}
}

// Stats returns the active port's counters.
func (m *SessionManager) Stats() serialmux.Stats {
	if mux := m.serialMux(); mux != nil {
		return mux.Stats()
	}
	return serialmux.Stats{}
}

// AttachAdminRoutes mounts the serial debug routes through the manager.
func (m *SessionManager) AttachAdminRoutes(mux *http.ServeMux) {
	serialmux.AttachAdminRoutesForMux(mux, m)
}

// Close ends the active session and releases its port.
func (m *SessionManager) Close() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if l := m.detach(); l != nil && l.Close != nil {
		l.Close()
	}
	return nil
}

// Reload applies the stored serial profile id. The current port is closed
// before the new one is opened since a port cannot be opened twice; if the
// open fails the manager is left without a session until the next reload.
func (m *SessionManager) Reload(ctx context.Context, profileID int) (*SerialReloadResult, error) {
	if m.open == nil {
		return nil, errors.New("session opener not configured")
	}
	if m.db == nil {
		return nil, errors.New("database not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.New("session manager is closed")
	}

	p, err := m.db.GetSerialProfile(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load serial profile: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrProfileNotFound, profileID)
	}
	opts, err := p.Options().Normalise()
	if err != nil {
		return nil, fmt.Errorf("invalid serial profile: %w", err)
	}
	snap := SerialConfigSnapshot{
		ProfileID: p.ID,
		Name:      p.Name,
		PortPath:  p.PortPath,
		Source:    "profile",
		Options:   opts,
	}

	cur := m.Snapshot()
	if m.Current() != nil && cur.PortPath == p.PortPath && cur.Options.Equal(opts) {
		return &SerialReloadResult{
			Success: true,
			Message: fmt.Sprintf("Serial profile %q already active", p.Name),
			Config:  &snap,
		}, nil
	}
	if m.Status().Busy {
		return nil, fmt.Errorf("cannot reload: %w", isp.ErrBusy)
	}

	if old := m.detach(); old != nil && old.Close != nil {
		monitoring.Logf("🔌 closing %s before reload", cur.PortPath)
		old.Close()
	}

	l, err := m.open(p.PortPath, opts)
	if err != nil {
		m.install(nil, SerialConfigSnapshot{})
		return nil, fmt.Errorf("failed to open serial port %s: %w", p.PortPath, err)
	}
	m.install(l, snap)
	monitoring.Logf("🔌 reloaded serial profile %q on %s (%s)", p.Name, p.PortPath, opts)

	return &SerialReloadResult{
		Success: true,
		Message: fmt.Sprintf("Reloaded serial profile %q", p.Name),
		Config:  &snap,
	}, nil
}

// Reloader swaps the served session onto a stored serial profile.
type Reloader interface {
	Reload(ctx context.Context, profileID int) (*SerialReloadResult, error)
	Snapshot() SerialConfigSnapshot
}

// SerialReloadRequest is the body of POST /api/serial/reload.
type SerialReloadRequest struct {
	ProfileID int `json:"profile_id"`
}

// handleSerialActive handles GET /api/serial/active
func (s *Server) handleSerialActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	rl, ok := s.session.(Reloader)
	if !ok {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "serial reload is not available")
		return
	}
	httputil.WriteJSONOK(w, rl.Snapshot())
}

// handleSerialReload handles POST /api/serial/reload
func (s *Server) handleSerialReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	rl, ok := s.session.(Reloader)
	if !ok {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "serial reload is not available")
		return
	}
	var req SerialReloadRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.ProfileID <= 0 {
		httputil.BadRequest(w, "profile_id is required")
		return
	}

	res, err := rl.Reload(r.Context(), req.ProfileID)
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, res)
	case errors.Is(err, ErrProfileNotFound):
		httputil.NotFound(w, "profile not found")
	case errors.Is(err, isp.ErrBusy):
		httputil.WriteJSONError(w, http.StatusConflict, "session is busy with another operation")
	default:
		monitoring.Logf("api: serial reload: %v", err)
		httputil.WriteJSON(w, http.StatusInternalServerError, SerialReloadResult{Message: err.Error()})
	}
}
