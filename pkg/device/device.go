// Package device owns the single audio output context.
//
// The context is created lazily and can be suspended by the platform or by an
// idle timer. Manager.Ensure is the one gate every capture or playback
// operation passes through: it hands back a running context or an error, never
// a half-initialised one.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/faiface/beep"

	"github.com/teslashibe/voicelink/pkg/audioio"
)

// State is the lifecycle state of an output context.
type State int

const (
	StateRunning State = iota
	StateSuspended
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sentinel errors for the device package.
var (
	// ErrUnavailable indicates no running output context could be obtained.
	ErrUnavailable = errors.New("device: output context unavailable")

	// ErrNotRunning indicates an operation on a suspended or closed context.
	ErrNotRunning = errors.New("device: output context not running")

	// ErrUnsupported indicates the native backend was not compiled in.
	ErrUnsupported = errors.New("device: native audio output not supported in this build")
)

// OutputContext is the hardware audio output. All streamers share one mixer.
type OutputContext interface {
	// State returns the current lifecycle state.
	State() State

	// Resume restarts a suspended context.
	Resume(ctx context.Context) error

	// Suspend silences the context without releasing it.
	Suspend() error

	// Close releases the context. A closed context cannot be resumed.
	Close() error

	// SampleRate is the rate streamers must produce.
	SampleRate() beep.SampleRate

	// Play adds a streamer to the output mix.
	Play(s beep.Streamer) error

	// Locked runs fn while the audio thread is held, so streamer state can be
	// changed without racing the mixer.
	Locked(fn func())

	// Active returns the number of streamers still playing.
	Active() int
}

// Config holds configuration for output contexts and the Manager.
type Config struct {
	// SampleRate is the output rate. Zero selects audioio.TargetSampleRate.
	SampleRate int

	// BufferDuration is the hardware buffer length.
	BufferDuration time.Duration

	// IdleSuspend suspends the context after this long without an Ensure
	// call and with nothing playing. Zero disables it.
	IdleSuspend time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:     audioio.TargetSampleRate,
		BufferDuration: 100 * time.Millisecond,
		Logger:         slog.Default(),
	}
}

// Option is a functional option for configuring a Manager.
type Option func(*Config)

// WithSampleRate sets the output sample rate.
func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

// WithBufferDuration sets the hardware buffer length.
func WithBufferDuration(d time.Duration) Option {
	return func(c *Config) {
		c.BufferDuration = d
	}
}

// WithIdleSuspend enables idle auto-suspend.
func WithIdleSuspend(d time.Duration) Option {
	return func(c *Config) {
		c.IdleSuspend = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
