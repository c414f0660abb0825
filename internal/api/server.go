// Package api serves session status, control commands, transfer history and
// serial profiles as JSON under /api/.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/ispflash/internal/db"
	"github.com/banshee-data/ispflash/internal/httputil"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/serialmux"
	"github.com/banshee-data/ispflash/internal/units"
	"github.com/banshee-data/ispflash/internal/version"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// StatusSource is the part of isp.Session the API reads. A source that also
// implements Commander or Reloader enables /api/command and the
// /api/serial/reload routes.
type StatusSource interface {
	Status() isp.Status
}

type Server struct {
	session   StatusSource
	db        *db.DB
	listPorts func() ([]string, error)
}

// NewServer returns a server over session and database. Either may be nil:
// the endpoints that need them then answer 503.
func NewServer(session StatusSource, database *db.DB) *Server {
	return &Server{
		session:   session,
		db:        database,
		listPorts: serialmux.ListPorts,
	}
}

// SetPortLister replaces serial port enumeration.
func (s *Server) SetPortLister(f func() ([]string, error)) {
	s.listPorts = f
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/transfers", s.listTransfers)
	mux.HandleFunc("/api/transfers/", s.showTransfer)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/serial_profiles", s.handleSerialProfilesOrCreate)
	mux.HandleFunc("/api/serial_profiles/", s.handleSerialProfileByID)
	mux.HandleFunc("/api/serial/devices", s.handleSerialDevices)
	mux.HandleFunc("/api/serial/active", s.handleSerialActive)
	mux.HandleFunc("/api/serial/reload", s.handleSerialReload)
	mux.HandleFunc("/api/command", s.handleCommand)
	return mux
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Session *isp.Status  `json:"session"`
	Version version.Info `json:"version"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := StatusResponse{Version: version.Get()}
	if s.session != nil {
		st := s.session.Status()
		resp.Session = &st
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

// requireDB answers 503 when the server has no history database.
func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "transfer history is disabled")
		return false
	}
	return true
}

const maxTransferLimit = 1000

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireDB(w) {
		return
	}

	q := r.URL.Query()
	kind := q.Get("kind")
	if kind != "" && kind != isp.KindBulk && kind != isp.KindControl {
		httputil.BadRequest(w, "kind must be bulk or control")
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTransferLimit {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	tz := q.Get("timezone")
	if tz != "" && !units.IsTimezoneValid(tz) {
		httputil.BadRequest(w, "invalid timezone")
		return
	}

	recs, err := s.db.RecentTransfers(kind, limit)
	if err != nil {
		monitoring.Logf("api: list transfers: %v", err)
		httputil.InternalServerError(w, "failed to fetch transfers")
		return
	}
	if recs == nil {
		recs = []isp.TransferRecord{}
	}
	if tz != "" {
		for i := range recs {
			t, err := units.ConvertTime(recs[i].Started, tz)
			if err != nil {
				monitoring.Logf("api: convert transfer time: %v", err)
				httputil.InternalServerError(w, "failed to convert timezone")
				return
			}
			recs[i].Started = t
		}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) showTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireDB(w) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transfers/"), "/")
	if id == "" {
		httputil.BadRequest(w, "missing transfer id")
		return
	}
	rec, err := s.db.Transfer(id)
	if err != nil {
		monitoring.Logf("api: get transfer %s: %v", id, err)
		httputil.InternalServerError(w, "failed to fetch transfer")
		return
	}
	if rec == nil {
		httputil.NotFound(w, "transfer not found")
		return
	}
	httputil.WriteJSONOK(w, rec)
}

// parseSince accepts a lookback duration ("24h") or an RFC 3339 time.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}

// StatsResponse is the body of GET /api/stats. Mean, StdDev and P95 are the
// throughput figures converted to Units.
type StatsResponse struct {
	db.TransferStats
	Units  string  `json:"units"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P95    float64 `json:"p95"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireDB(w) {
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		httputil.BadRequest(w, "since must be a duration like 24h or an RFC 3339 time")
		return
	}
	unit := r.URL.Query().Get("units")
	if unit == "" {
		unit = units.BPS
	}
	if !units.IsValid(unit) {
		httputil.BadRequest(w, "units must be one of: "+units.GetValidUnitsString())
		return
	}
	st, err := s.db.Stats(since)
	if err != nil {
		monitoring.Logf("api: stats: %v", err)
		httputil.InternalServerError(w, "failed to compute stats")
		return
	}
	httputil.WriteJSONOK(w, StatsResponse{
		TransferStats: st,
		Units:         unit,
		Mean:          units.ConvertRate(st.MeanBps, unit),
		StdDev:        units.ConvertRate(st.StdDevBps, unit),
		P95:           units.ConvertRate(st.P95Bps, unit),
	})
}
