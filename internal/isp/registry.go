package isp

import (
	"fmt"
	"reflect"
	"sync"
)

// ChunkRequest is what the transmit engine knows when it asks a handler for
// the bytes of one chunk.
type ChunkRequest struct {
	// Handshake is the peer's rx-mode-ack payload after the opcode.
	Handshake []byte

	// Offset is the position of this chunk within the whole transfer.
	Offset int

	// Size is the negotiated chunk size.
	Size int
}

// SubcommandHandler is the device-specific collaborator behind one
// subcommand id.
type SubcommandHandler interface {
	// Produce returns the bytes to transmit for one chunk. An empty slice is
	// a legitimate zero-length payload; an error fails the transfer.
	Produce(req ChunkRequest) ([]byte, error)

	// Consume takes a fully assembled receive buffer. A nil error reports
	// success.
	Consume(buf []byte) error

	// Params builds the device-specific bytes appended to a request for cmd.
	Params(cmd byte) []byte
}

// HandlerFuncs adapts plain functions to SubcommandHandler. Nil fields
// behave as: Produce fails, Consume succeeds, Params is empty.
type HandlerFuncs struct {
	ProduceFunc func(req ChunkRequest) ([]byte, error)
	ConsumeFunc func(buf []byte) error
	ParamsFunc  func(cmd byte) []byte
}

func (h *HandlerFuncs) Produce(req ChunkRequest) ([]byte, error) {
	if h.ProduceFunc == nil {
		return nil, fmt.Errorf("produce not supported")
	}
	return h.ProduceFunc(req)
}

func (h *HandlerFuncs) Consume(buf []byte) error {
	if h.ConsumeFunc == nil {
		return nil
	}
	return h.ConsumeFunc(buf)
}

func (h *HandlerFuncs) Params(cmd byte) []byte {
	if h.ParamsFunc == nil {
		return nil
	}
	return h.ParamsFunc(cmd)
}

// Registry maps subcommand ids to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[byte]SubcommandHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[byte]SubcommandHandler)}
}

// Register maps sub to h. Registering the handler already mapped is a no-op
// and reports false; any other handler replaces the mapping.
func (r *Registry) Register(sub byte, h SubcommandHandler) bool {
	if h == nil {
		panic("isp: nil subcommand handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handlers[sub]; ok && sameHandler(cur, h) {
		return false
	}
	r.handlers[sub] = h
	return true
}

// Unregister removes the mapping for sub.
func (r *Registry) Unregister(sub byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, sub)
}

// Lookup returns the handler for sub.
func (r *Registry) Lookup(sub byte) (SubcommandHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[sub]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownSubcommand, sub)
	}
	return h, nil
}

// Subcommands returns the registered ids.
func (r *Registry) Subcommands() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]byte, 0, len(r.handlers))
	for sub := range r.handlers {
		subs = append(subs, sub)
	}
	return subs
}

// BuildRequest lays out a bulk request [cmd][sub][size:4][params] using the
// handler's parameter layout for cmd.
func (r *Registry) BuildRequest(cmd, sub byte, size uint32) ([]byte, error) {
	h, err := r.Lookup(sub)
	if err != nil {
		return nil, err
	}
	return buildRequest(cmd, sub, size, h.Params(cmd)), nil
}

// BuildCommand lays out a control request [0x52][sub][params].
func (r *Registry) BuildCommand(sub byte) ([]byte, error) {
	h, err := r.Lookup(sub)
	if err != nil {
		return nil, err
	}
	return append([]byte{CmdControl, sub}, h.Params(CmdControl)...), nil
}

// sameHandler compares handlers without panicking on uncomparable dynamic
// types.
func sameHandler(a, b SubcommandHandler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// produce calls the handler, converting a panic into a HandlerError.
func produce(h SubcommandHandler, sub byte, req ChunkRequest) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Subcommand: sub, Op: "produce", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	data, err = h.Produce(req)
	if err != nil {
		return nil, &HandlerError{Subcommand: sub, Op: "produce", Err: err}
	}
	return data, nil
}

// consume calls the handler, converting a panic into a HandlerError.
func consume(h SubcommandHandler, sub byte, buf []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Subcommand: sub, Op: "consume", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h.Consume(buf); err != nil {
		return &HandlerError{Subcommand: sub, Op: "consume", Err: err}
	}
	return nil
}
