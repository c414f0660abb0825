package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Monitor sets a short read timeout on such ports so the read loop notices
// Close without waiting for the next byte.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// Prober is implemented by ports that can check the device handle is still
// usable without reading or writing payload bytes. Watch uses it.
type Prober interface {
	Probe() error
}

// PortFactory opens serial ports. The CLI takes one so tests and dev mode
// can swap in loopback ports.
type PortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}
