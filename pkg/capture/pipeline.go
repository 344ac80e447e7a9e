// Package capture turns live microphone frames into wire-format PCM.
//
// The Pipeline owns the input device for the length of one recording session.
// Each hardware tick is decimated to the target rate, quantized to PCM16 and
// handed to a sink; the pipeline never touches network or session state.
//
// The recording flag is an atomic read by the driver callback on every tick,
// so a Stop is honoured on the very next block regardless of which goroutine
// issued it.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/voicelink/pkg/audioio"
	"github.com/teslashibe/voicelink/pkg/device"
)

// OutputGate yields a running output context. *device.Manager satisfies it.
type OutputGate interface {
	Ensure(ctx context.Context) (device.OutputContext, error)
}

// Pipeline is a single-session microphone capture pipeline.
type Pipeline struct {
	cfg     Config
	gate    OutputGate
	factory InputFactory
	logger  *slog.Logger

	// recording is the authoritative live flag read from the driver thread.
	recording atomic.Bool
	session   atomic.Uint64
	inTick    atomic.Int32

	mu    sync.Mutex
	input Input

	// releasing tracks device releases handed off from the driver thread.
	releasing sync.WaitGroup

	cbMu    sync.RWMutex
	onLevel func(rms float64)
	onError func(err error)

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// New creates a Pipeline. gate is consulted before every Start.
func New(gate OutputGate, factory InputFactory, opts ...Option) *Pipeline {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		gate:    gate,
		factory: factory,
		logger:  cfg.Logger.With("component", "capture"),
	}
}

// OnLevel registers a callback receiving the RMS level of each frame sent.
// It runs on the driver thread.
func (p *Pipeline) OnLevel(fn func(rms float64)) {
	p.cbMu.Lock()
	p.onLevel = fn
	p.cbMu.Unlock()
}

// OnError registers a callback for failures that stopped capture on their
// own. It runs on its own goroutine.
func (p *Pipeline) OnError(fn func(err error)) {
	p.cbMu.Lock()
	p.onError = fn
	p.cbMu.Unlock()
}

// IsRecording reports the live recording flag.
func (p *Pipeline) IsRecording() bool {
	return p.recording.Load()
}

// FramesSent returns the number of frames handed to sinks.
func (p *Pipeline) FramesSent() uint64 {
	return p.frames.Load()
}

// BytesSent returns the number of PCM bytes handed to sinks.
func (p *Pipeline) BytesSent() uint64 {
	return p.bytes.Load()
}

// Start opens the microphone and begins forwarding PCM16 frames to sink.
// It fails with ErrAlreadyRecording during an active session, with an error
// wrapping device.ErrUnavailable when no output context can be obtained, and
// with a *DeviceError when the microphone cannot be opened.
func (p *Pipeline) Start(ctx context.Context, sink func(pcm []byte)) error {
	if p.recording.Load() {
		return ErrAlreadyRecording
	}

	if _, err := p.gate.Ensure(ctx); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recording.Load() {
		return ErrAlreadyRecording
	}

	// A previous session that stopped itself may not have been released yet.
	if p.input != nil {
		p.releaseLocked()
	}
	p.releasing.Wait()

	in, err := p.factory(p.cfg)
	if err != nil {
		err = classify("", err)
		p.logger.Warn("microphone unavailable", "error", err)
		return err
	}

	session := p.session.Add(1)
	p.input = in
	p.recording.Store(true)

	err = in.Start(func(samples []float32) {
		p.tick(session, in.SampleRate(), samples, sink)
	})
	if err != nil {
		p.recording.Store(false)
		p.input = nil
		in.Stop()
		err = classify(in.Name(), err)
		p.logger.Warn("microphone start failed", "device", in.Name(), "error", err)
		return err
	}

	p.logger.Info("capture started",
		"device", in.Name(),
		"native_rate", in.SampleRate(),
		"target_rate", p.cfg.TargetRate,
	)
	return nil
}

// Stop ends the session and releases the device. It may be called from any
// goroutine, including from within a sink; double stop is a no-op.
func (p *Pipeline) Stop() error {
	return p.stop(false)
}

// stop ends the session. fromDriver marks a call made on the driver thread,
// which must not wait for its own device to stop.
func (p *Pipeline) stop(fromDriver bool) error {
	p.recording.Store(false)

	p.mu.Lock()
	in := p.input
	p.input = nil
	p.mu.Unlock()

	if in == nil {
		return nil
	}

	p.logger.Info("capture stopped", "frames", p.frames.Load())

	// A driver cannot be stopped from inside its own callback. A sink that
	// calls Stop is only seen as an active tick; the next Start waits for
	// the handed-off release either way.
	if fromDriver || p.inTick.Load() > 0 {
		p.releasing.Add(1)
		go func() {
			defer p.releasing.Done()
			p.release(in)
		}()
		return nil
	}
	return p.release(in)
}

func (p *Pipeline) release(in Input) error {
	if err := in.Stop(); err != nil {
		p.logger.Warn("device release failed", "device", in.Name(), "error", err)
		return fmt.Errorf("capture: release %s: %w", in.Name(), err)
	}
	return nil
}

func (p *Pipeline) releaseLocked() {
	in := p.input
	p.input = nil
	p.release(in)
}

// tick processes one hardware block. It runs on the driver thread.
func (p *Pipeline) tick(session uint64, nativeRate int, samples []float32, sink func([]byte)) {
	if !p.live(session) {
		return
	}

	p.inTick.Add(1)
	defer p.inTick.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.fail(session, fmt.Errorf("%w: %v", ErrProcessing, r))
		}
	}()

	resampled := audioio.Resample(samples, nativeRate, p.cfg.TargetRate)
	pcm := audioio.FloatToPCM16(resampled)
	if len(pcm) == 0 {
		return
	}

	if !p.live(session) {
		return
	}
	sink(pcm)

	p.frames.Add(1)
	p.bytes.Add(uint64(len(pcm)))

	p.cbMu.RLock()
	onLevel := p.onLevel
	p.cbMu.RUnlock()
	if onLevel != nil {
		onLevel(audioio.CalculateRMS(pcm))
	}
}

func (p *Pipeline) live(session uint64) bool {
	return p.recording.Load() && p.session.Load() == session
}

// fail stops the session from inside the driver callback.
func (p *Pipeline) fail(session uint64, err error) {
	if !p.live(session) {
		return
	}
	p.logger.Error("capture tick failed, stopping", "error", err)
	p.stop(true)

	p.cbMu.RLock()
	onError := p.onError
	p.cbMu.RUnlock()
	if onError != nil {
		go onError(err)
	}
}
