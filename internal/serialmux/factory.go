package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// RealPortFactory opens hardware ports through go.bug.st/serial.
type RealPortFactory struct{}

// Open opens path, applies the read timeout and drops anything the kernel
// buffered before we attached, so the first read starts near a live frame.
func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	opts, err := opts.Normalise()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return configurePort(path, port, opts)
}

// configurePort applies the read timeout and discards stale input on ports
// that support them. The port is closed if either step fails.
func configurePort(path string, port SerialPorter, opts PortOptions) (SerialPorter, error) {
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
	}
	if ir, ok := port.(InputResetter); ok {
		if err := ir.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to reset input buffer on %s: %w", path, err)
		}
	}
	return port, nil
}
