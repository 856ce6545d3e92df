// Package uartio abstracts the physical UART connecting the decoder to its
// transmitter/host, so the dispatcher can be driven by a real serial port in
// production and by an in-memory pipe in tests.
package uartio

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the minimal surface the dispatcher needs from a UART connection.
// tarm/serial.Port and net.Pipe's net.Conn both satisfy it.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open configures and opens the physical UART at 115200 8N1 (or the given
// baud) the way the external UART-bringup collaborator would on real
// hardware; here it is a thin wrapper over tarm/serial.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
