package modem

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

const defaultSerialReadTimeout = 300 * time.Millisecond

// Port is an open serial line. Read returns 0, nil when its read timeout elapses.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a port by name.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens name at baud with a short read timeout so reads can observe cancellation.
func OpenSerial(name string, baud int) (Port, error) {
	if name == "" {
		return nil, errors.New("serial port is empty")
	}
	if baud <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", baud)
	}

	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}

	return port, nil
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}
