// Package filexfer binds an ISP subcommand to a local file: transmit chunks
// are read from it and received buffers are written to it.
package filexfer

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/banshee-data/ispflash/internal/fsutil"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
)

// ErrShortImage is returned when a chunk reaches past the end of the file.
var ErrShortImage = errors.New("chunk past end of image")

// Handler implements isp.SubcommandHandler over one file.
type Handler struct {
	fs   fsutil.FileSystem
	path string

	mu     sync.Mutex
	image  []byte
	params map[byte][]byte
}

// New returns a handler for path. A nil fs means the real filesystem.
func New(fs fsutil.FileSystem, path string) *Handler {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Handler{fs: fs, path: path, params: make(map[byte][]byte)}
}

// Path returns the file the handler reads and writes.
func (h *Handler) Path() string { return h.path }

// SetParams sets the request parameter bytes sent with cmd.
func (h *Handler) SetParams(cmd byte, params []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.params[cmd] = bytes.Clone(params)
}

// Size returns the length of the file, the total to declare for a write.
func (h *Handler) Size() (int, error) {
	info, err := h.fs.Stat(h.path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", h.path)
	}
	return int(info.Size()), nil
}

// Produce returns the bytes of one chunk. The file is read when the first
// chunk of a transfer is requested, so edits between transfers are seen.
func (h *Handler) Produce(req isp.ChunkRequest) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if req.Offset == 0 || h.image == nil {
		data, err := h.fs.ReadFile(h.path)
		if err != nil {
			return nil, err
		}
		h.image = data
	}
	end := req.Offset + req.Size
	if req.Offset < 0 || end > len(h.image) {
		return nil, fmt.Errorf("%w: %d+%d of %d bytes in %s", ErrShortImage, req.Offset, req.Size, len(h.image), h.path)
	}
	return bytes.Clone(h.image[req.Offset:end]), nil
}

// Consume writes buf to the file. It writes a sibling .partial file first and
// renames it into place so a failed write never leaves a truncated image.
func (h *Handler) Consume(buf []byte) error {
	if dir := filepath.Dir(h.path); dir != "." {
		if err := h.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := h.path + ".partial"
	if err := h.fs.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	if err := h.fs.Rename(tmp, h.path); err != nil {
		h.fs.Remove(tmp)
		return err
	}
	monitoring.Logf("filexfer: wrote %d bytes to %s", len(buf), h.path)
	return nil
}

// Params returns the bytes set with SetParams for cmd.
func (h *Handler) Params(cmd byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.params[cmd])
}
