package so_tracker

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

const defaultBaudrate = 1000000

// SerialPort is the subset of serial.Port the bus needs. Tests substitute an in-memory port.
type SerialPort interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port by path.
type PortOpener func(path string, baudrate int) (SerialPort, error)

// OpenSerialPort opens an 8N1 port at the given baudrate.
func OpenSerialPort(path string, baudrate int) (SerialPort, error) {
	if baudrate == 0 {
		baudrate = defaultBaudrate
	}
	mode := &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", path)
	}
	return port, nil
}
