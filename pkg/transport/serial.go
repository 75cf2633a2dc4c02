package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens a serial device in 8N1 mode. The returned port already
// satisfies Stream.
func OpenSerial(path string, baud int) (Stream, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnectionFailed, path, err)
	}
	return port, nil
}
