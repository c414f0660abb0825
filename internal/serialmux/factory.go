package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// portReadTimeout bounds each blocking Read so the monitor loop can observe
// Close promptly.
const portReadTimeout = 100 * time.Millisecond

// Port is a go.bug.st/serial port with a liveness probe.
type Port struct {
	serial.Port
	Path string
}

// Probe queries the modem status lines. It fails once the device has been
// unplugged even if no read or write is pending.
func (p *Port) Probe() error {
	_, err := p.GetModemStatusBits()
	return err
}

// OpenPort opens the serial device at path.
func OpenPort(path string, opts PortOptions) (*Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	sp, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := sp.SetReadTimeout(portReadTimeout); err != nil {
		sp.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return &Port{Port: sp, Path: path}, nil
}

// ListPorts returns the serial devices the OS reports.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// RealPortFactory opens hardware ports with OpenPort.
type RealPortFactory struct{}

func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	return OpenPort(path, opts)
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[*Port], error) {
	port, err := OpenPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
