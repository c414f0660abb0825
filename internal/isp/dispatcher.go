package isp

import (
	"fmt"
	"sync"

	"github.com/banshee-data/ispflash/internal/monitoring"
)

// Handler consumes inbound frames for the opcodes it declares.
type Handler interface {
	// Opcodes lists the inbound first bytes this handler owns.
	Opcodes() []byte

	// HandleFrame processes one decoded payload. payload[0] is one of Opcodes.
	HandleFrame(payload []byte)
}

// Starter is a Handler that can also begin a locally requested transfer.
type Starter interface {
	Handler

	// StartOpcode is the request command byte that opens a transfer.
	StartOpcode() byte

	// Start opens a transfer from a locally built request.
	Start(payload []byte) error
}

// Dispatcher routes decoded frames through a lookup table keyed by the
// frame's first byte. Inbound frames and local requests use separate tables
// so a stray packet from the peer can never open a transfer.
type Dispatcher struct {
	mu       sync.RWMutex
	inbound  map[byte]Handler
	starters map[byte]Starter
	dropped  int
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		inbound:  make(map[byte]Handler),
		starters: make(map[byte]Starter),
	}
}

// Register routes every opcode h declares to h. If h is a Starter its start
// opcode is routed for local requests too.
func (d *Dispatcher) Register(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range h.Opcodes() {
		if _, ok := d.inbound[op]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, OpcodeName(op))
		}
	}
	if s, ok := h.(Starter); ok {
		if _, dup := d.starters[s.StartOpcode()]; dup {
			return fmt.Errorf("%w: start %s", ErrDuplicateRoute, OpcodeName(s.StartOpcode()))
		}
		d.starters[s.StartOpcode()] = s
	}
	for _, op := range h.Opcodes() {
		d.inbound[op] = h
	}
	return nil
}

// Dispatch hands an inbound payload to the handler that owns its first byte.
// It reports whether a handler took it; unmatched frames are dropped.
func (d *Dispatcher) Dispatch(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	d.mu.RLock()
	h, ok := d.inbound[payload[0]]
	if !ok {
		d.mu.RUnlock()
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		monitoring.Debugf("isp: dropping unrouted %s", OpcodeName(payload[0]))
		return false
	}
	d.mu.RUnlock()
	h.HandleFrame(payload)
	return true
}

// Start hands a locally built request to the engine that opens transfers
// for its command byte.
func (d *Dispatcher) Start(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}
	d.mu.RLock()
	s, ok := d.starters[payload[0]]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStarter, OpcodeName(payload[0]))
	}
	return s.Start(payload)
}

// Dropped returns the number of unrouted frames seen.
func (d *Dispatcher) Dropped() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}
