package transport

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

type SerialConfig struct {
	Port     string `toml:"port" yaml:"port"`
	BaudRate int    `toml:"baud_rate" yaml:"baud_rate"`
}

// SerialConn adapts a serial port to link.Conn. A read deadline becomes the
// port's read timeout; an expired timeout surfaces as a (0, nil) read.
type SerialConn struct {
	port serial.Port
}

func OpenSerial(cfg SerialConfig) (*SerialConn, error) {
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial %s", cfg.Port)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "flush serial %s", cfg.Port)
	}
	return &SerialConn{port: port}, nil
}

func (c *SerialConn) Read(p []byte) (int, error) {
	return c.port.Read(p)
}

func (c *SerialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *SerialConn) Close() error {
	return c.port.Close()
}

func (c *SerialConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return c.port.SetReadTimeout(serial.NoTimeout)
	}
	wait := time.Until(t)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return c.port.SetReadTimeout(wait)
}

// SerialPorts lists the ports the OS currently exposes.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	return ports, nil
}
