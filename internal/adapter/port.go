// Package adapter owns the USB-CAN serial device and its line
// protocol: one ASCII command per line, command echoed by the device,
// asynchronous lines carrying received CAN frames.
package adapter

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// chunkTimeout is the per-read select granularity on the port.
const chunkTimeout = 500 * time.Microsecond

func openPort(name string, baud int) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: chunkTimeout}
	return serial.OpenPort(cfg)
}
