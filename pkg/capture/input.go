package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/voicelink/pkg/audioio"
)

// Input is a microphone delivering float32 mono frames at its native rate.
type Input interface {
	// Start begins delivering frames to onData. onData runs on the driver's
	// callback thread and must not block.
	Start(onData func(samples []float32)) error

	// Stop halts delivery and releases the device. Safe to call twice.
	// It must not be called from inside onData.
	Stop() error

	// SampleRate is the native rate of delivered frames.
	SampleRate() int

	// Name identifies the device for logs.
	Name() string
}

// InputFactory opens an input device.
type InputFactory func(cfg Config) (Input, error)

// Config holds configuration for the capture pipeline and its devices.
type Config struct {
	// TargetRate is the wire sample rate.
	TargetRate int

	// NativeRate requests a device rate. Zero uses the device default.
	NativeRate int

	// BlockSize is the number of native frames per hardware callback.
	BlockSize int

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TargetRate: audioio.TargetSampleRate,
		BlockSize:  audioio.CaptureBlockSize,
		Logger:     slog.Default(),
	}
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Config)

// WithTargetRate sets the wire sample rate.
func WithTargetRate(rate int) Option {
	return func(c *Config) {
		c.TargetRate = rate
	}
}

// WithNativeRate requests a device sample rate.
func WithNativeRate(rate int) Option {
	return func(c *Config) {
		c.NativeRate = rate
	}
}

// WithBlockSize sets the callback block size.
func WithBlockSize(n int) Option {
	return func(c *Config) {
		c.BlockSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// NativeAvailable reports whether the malgo backend was compiled in.
func NativeAvailable() bool {
	return nativeAvailable
}

// NewInputFactory returns the input factory for a backend.
// BackendAuto picks malgo when available and the mock otherwise.
func NewInputFactory(backend audioio.Backend) (InputFactory, error) {
	if backend == audioio.BackendAuto {
		if nativeAvailable {
			backend = audioio.BackendNative
		} else {
			backend = audioio.BackendMock
		}
	}

	switch backend {
	case audioio.BackendNative:
		return NewMalgoInput, nil
	case audioio.BackendMock:
		return func(cfg Config) (Input, error) {
			rate := cfg.NativeRate
			if rate == 0 {
				rate = 48000
			}
			in := NewMockInput(rate)
			in.Tone = 220
			in.Interval = time.Duration(cfg.BlockSize) * time.Second / time.Duration(rate)
			in.BlockSize = cfg.BlockSize
			return in, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}
