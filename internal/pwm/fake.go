package pwm

import (
	"sync"
	"time"
)

// Pulse is one recorded SetPulse call
type Pulse struct {
	Channel int
	Width   time.Duration
}

// Fake records pulses in memory. It is used in dev mode and by tests.
type Fake struct {
	mu      sync.Mutex
	history []Pulse
	last    map[int]time.Duration
	err     error
	closed  bool
}

// NewFake returns an empty recorder
func NewFake() *Fake {
	return &Fake{last: make(map[int]time.Duration)}
}

// SetPulse records the call, or returns the injected error
func (f *Fake) SetPulse(channel int, width time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.history = append(f.history, Pulse{Channel: channel, Width: width})
	f.last[channel] = width
	return nil
}

// FailWith makes every following SetPulse return err; nil clears it
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Last returns the most recent width written to a channel
func (f *Fake) Last(channel int) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.last[channel]
	return w, ok
}

// History returns a copy of all recorded pulses
func (f *Fake) History() []Pulse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Pulse, len(f.history))
	copy(out, f.history)
	return out
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close marks the recorder closed
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
