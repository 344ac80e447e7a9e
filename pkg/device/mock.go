package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/faiface/beep"
)

// MockContext is an in-memory output context. Audio only advances when Drain
// is called or the clock started by StartClock ticks.
type MockContext struct {
	mu     sync.Mutex
	rate   beep.SampleRate
	mixer  beep.Mixer
	state  State
	played int

	// ResumeErr, when set, makes Resume fail.
	ResumeErr error
}

// NewMockContext creates a running mock context.
func NewMockContext(rate int) *MockContext {
	return &MockContext{rate: beep.SampleRate(rate)}
}

// MockFactory returns a Factory producing mock contexts. Every created
// context is passed to observe, if set.
func MockFactory(observe func(*MockContext)) Factory {
	return func(cfg Config) (OutputContext, error) {
		m := NewMockContext(cfg.SampleRate)
		if observe != nil {
			observe(m)
		}
		return m, nil
	}
}

// State implements OutputContext.
func (m *MockContext) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Resume implements OutputContext.
func (m *MockContext) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ResumeErr != nil {
		return m.ResumeErr
	}
	if m.state == StateClosed {
		return ErrNotRunning
	}
	m.state = StateRunning
	return nil
}

// Suspend implements OutputContext.
func (m *MockContext) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return ErrNotRunning
	}
	m.state = StateSuspended
	return nil
}

// Close implements OutputContext.
func (m *MockContext) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateClosed
	m.mixer.Clear()
	return nil
}

// SampleRate implements OutputContext.
func (m *MockContext) SampleRate() beep.SampleRate {
	return m.rate
}

// Play implements OutputContext.
func (m *MockContext) Play(s beep.Streamer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return ErrNotRunning
	}
	m.mixer.Add(s)
	return nil
}

// Locked implements OutputContext.
func (m *MockContext) Locked(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// Active implements OutputContext.
func (m *MockContext) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixer.Len()
}

// Played returns how many samples have been pulled through the mixer.
func (m *MockContext) Played() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.played
}

// Drain pulls n samples through the mixer, as the hardware would. Nothing
// advances while suspended.
func (m *MockContext) Drain(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return
	}
	buf := make([][2]float64, 512)
	for n > 0 {
		chunk := buf
		if n < len(chunk) {
			chunk = chunk[:n]
		}
		m.mixer.Stream(chunk)
		m.played += len(chunk)
		n -= len(chunk)
	}
}

// DrainAll pulls samples until no streamer is left or limit samples have
// been consumed.
func (m *MockContext) DrainAll(limit int) error {
	for drained := 0; drained < limit; drained += 512 {
		if m.Active() == 0 {
			return nil
		}
		m.Drain(512)
	}
	if m.Active() > 0 {
		return errors.New("device: mock still playing after drain limit")
	}
	return nil
}

// StartClock drains the mixer in real time until ctx is done or the context
// is closed.
func (m *MockContext) StartClock(ctx context.Context, tick time.Duration) {
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if m.State() == StateClosed {
					return
				}
				m.Drain(m.rate.N(tick))
			}
		}
	}()
}
