package pwm

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const maestroSetTarget = 0x84

// Maestro drives a Pololu Maestro servo controller using the compact
// serial protocol
type Maestro struct {
	mu   sync.Mutex
	port io.WriteCloser
}

// OpenMaestro opens the controller's command port
func OpenMaestro(portName string, baud int) (*Maestro, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return NewMaestro(port), nil
}

// NewMaestro wraps an already opened port
func NewMaestro(port io.WriteCloser) *Maestro {
	return &Maestro{port: port}
}

// SetPulse sends a Set Target command. Targets are in quarter microseconds.
func (m *Maestro) SetPulse(channel int, width time.Duration) error {
	if channel < 0 || channel > 23 {
		return fmt.Errorf("channel %d out of range", channel)
	}
	target := int(width / (250 * time.Nanosecond))
	if target < 0 || target > 0x3FFF {
		return fmt.Errorf("pulse width %v out of range", width)
	}

	cmd := []byte{maestroSetTarget, byte(channel), byte(target & 0x7F), byte((target >> 7) & 0x7F)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.port.Write(cmd); err != nil {
		return fmt.Errorf("failed to write maestro command: %w", err)
	}
	return nil
}

// Close closes the serial port
func (m *Maestro) Close() error {
	return m.port.Close()
}
