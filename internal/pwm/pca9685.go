package pwm

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// PCA9685 registers and mode bits
const (
	regMode1    = 0x00
	regMode2    = 0x01
	regLED0     = 0x06
	regPrescale = 0xFE

	mode1Restart = 0x80
	mode1AI      = 0x20
	mode1Sleep   = 0x10
	mode2OutDrv  = 0x04

	pcaChannels    = 16
	pcaOscillator  = 25_000_000
	pcaResolution  = 4096
	pcaWakeupDelay = 500 * time.Microsecond
)

// PCA9685 drives the 16-channel 12-bit PWM controller over I2C
type PCA9685 struct {
	dev    *i2c.Dev
	closer io.Closer
	period time.Duration

	mu sync.Mutex
}

// NewPCA9685 configures the chip for the given output frequency in Hz
func NewPCA9685(bus i2c.Bus, addr uint16, freq float64) (*PCA9685, error) {
	prescale, err := prescaleFor(freq)
	if err != nil {
		return nil, err
	}

	p := &PCA9685{
		dev:    &i2c.Dev{Bus: bus, Addr: addr},
		period: time.Duration(float64(time.Second) / freq),
	}

	// Prescale can only be written while the oscillator sleeps.
	steps := [][]byte{
		{regMode1, mode1Sleep},
		{regPrescale, prescale},
		{regMode2, mode2OutDrv},
		{regMode1, mode1AI},
	}
	for _, w := range steps {
		if err := p.dev.Tx(w, nil); err != nil {
			return nil, fmt.Errorf("failed to initialize PCA9685: %w", err)
		}
	}
	time.Sleep(pcaWakeupDelay)
	if err := p.dev.Tx([]byte{regMode1, mode1Restart | mode1AI}, nil); err != nil {
		return nil, fmt.Errorf("failed to restart PCA9685: %w", err)
	}

	return p, nil
}

// prescaleFor returns round(osc / (4096 * freq)) - 1
func prescaleFor(freq float64) (byte, error) {
	if freq <= 0 {
		return 0, fmt.Errorf("invalid PWM frequency: %v", freq)
	}
	v := math.Round(pcaOscillator/(pcaResolution*freq)) - 1
	if v < 3 || v > 255 {
		return 0, fmt.Errorf("PWM frequency %vHz out of range", freq)
	}
	return byte(v), nil
}

// SetPulse writes the ON/OFF counters of one channel
func (p *PCA9685) SetPulse(channel int, width time.Duration) error {
	if channel < 0 || channel >= pcaChannels {
		return fmt.Errorf("channel %d out of range", channel)
	}

	off := int(math.Round(float64(width) / float64(p.period) * pcaResolution))
	if off < 0 {
		off = 0
	} else if off > pcaResolution-1 {
		off = pcaResolution - 1
	}

	reg := byte(regLED0 + 4*channel)
	buf := []byte{reg, 0, 0, byte(off), byte(off >> 8)}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev.Tx(buf, nil)
}

// Period returns the PWM period derived from the configured frequency
func (p *PCA9685) Period() time.Duration {
	return p.period
}

// Close puts the chip to sleep and closes the bus if it was opened by Open
func (p *PCA9685) Close() error {
	p.mu.Lock()
	err := p.dev.Tx([]byte{regMode1, mode1Sleep}, nil)
	p.mu.Unlock()

	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
