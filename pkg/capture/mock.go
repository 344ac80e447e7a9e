package capture

import (
	"math"
	"sync"
	"time"
)

// MockInput is an in-memory microphone. Tests push frames with Feed; with
// Interval set it generates a tone on its own until stopped.
type MockInput struct {
	rate int

	// StartErr, when set, makes Start fail.
	StartErr error

	// Interval enables the generator: one block every Interval.
	Interval time.Duration

	// BlockSize is the generator block length in samples.
	BlockSize int

	// Tone is the generator frequency in Hz. Zero generates silence.
	Tone float64

	mu      sync.Mutex
	onData  func([]float32)
	started bool
	stopped bool
	stopCh  chan struct{}
	phase   float64
}

// NewMockInput creates a mock input at the given native rate.
func NewMockInput(rate int) *MockInput {
	return &MockInput{rate: rate, BlockSize: 4096}
}

// MockInputFactory returns a factory that hands out in. err, when set, is
// returned instead, simulating a device that cannot be opened.
func MockInputFactory(in *MockInput, err error) InputFactory {
	return func(Config) (Input, error) {
		if err != nil {
			return nil, err
		}
		return in, nil
	}
}

// Start implements Input.
func (m *MockInput) Start(onData func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StartErr != nil {
		return m.StartErr
	}
	m.onData = onData
	m.started = true
	m.stopped = false

	if m.Interval > 0 {
		m.stopCh = make(chan struct{})
		go m.generate(m.stopCh)
	}
	return nil
}

// Stop implements Input.
func (m *MockInput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.onData = nil
	m.stopped = true
	return nil
}

// SampleRate implements Input.
func (m *MockInput) SampleRate() int {
	return m.rate
}

// Name implements Input.
func (m *MockInput) Name() string {
	return "mock"
}

// Feed delivers one block as the driver would. It reports whether a handler
// was attached.
func (m *MockInput) Feed(samples []float32) bool {
	m.mu.Lock()
	fn := m.onData
	m.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// Started reports whether Start has been called.
func (m *MockInput) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Stopped reports whether the device was released.
func (m *MockInput) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *MockInput) generate(stop <-chan struct{}) {
	t := time.NewTicker(m.Interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.Feed(m.block())
		}
	}
}

func (m *MockInput) block() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float32, m.BlockSize)
	if m.Tone == 0 {
		return out
	}
	step := 2 * math.Pi * m.Tone / float64(m.rate)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(m.phase))
		m.phase += step
	}
	m.phase = math.Mod(m.phase, 2*math.Pi)
	return out
}
