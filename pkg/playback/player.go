// Package playback plays one complete response buffer at a time.
//
// The raw PCM is wrapped in a WAV header and decoded with beep's generic WAV
// decoder, resampled to the output rate when needed, and mixed into the
// output context as a single controllable source.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"

	"github.com/teslashibe/voicelink/pkg/audioio"
	"github.com/teslashibe/voicelink/pkg/device"
)

// Sentinel errors for the playback package.
var (
	// ErrAlreadyPlaying indicates Play was called while a source is active.
	ErrAlreadyPlaying = errors.New("playback: already playing")

	// ErrEmptyBuffer indicates Play was called with no audio.
	ErrEmptyBuffer = errors.New("playback: empty buffer")

	// ErrDecode indicates the synthesized container could not be decoded.
	ErrDecode = errors.New("playback: decode failed")

	// ErrStopped indicates Stop was called before the source started.
	ErrStopped = errors.New("playback: stopped before start")

	// ErrClosed indicates the player has been torn down.
	ErrClosed = errors.New("playback: player closed")
)

// OutputGate yields a running output context. *device.Manager satisfies it.
type OutputGate interface {
	Ensure(ctx context.Context) (device.OutputContext, error)
}

// Player drives at most one output source.
type Player struct {
	gate   OutputGate
	format audioio.Format
	logger *slog.Logger

	mu      sync.Mutex
	playing bool
	closed  bool
	gen     uint64
	ctrl    *beep.Ctrl
	src     beep.StreamSeekCloser
	out     device.OutputContext
	onEnd   func()

	plays atomic.Uint64
}

// Option is a functional option for configuring a Player.
type Option func(*Player)

// WithSampleRate sets the rate of buffers passed to Play.
func WithSampleRate(rate int) Option {
	return func(p *Player) {
		p.format = audioio.WireFormat(rate)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) {
		p.logger = l
	}
}

// New creates a Player. Buffers are PCM16 mono at audioio.TargetSampleRate
// unless WithSampleRate says otherwise.
func New(gate OutputGate, opts ...Option) *Player {
	p := &Player{
		gate:   gate,
		format: audioio.WireFormat(audioio.TargetSampleRate),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "playback")
	return p
}

// OnEnd registers the natural-completion callback. It is not called when
// playback is stopped. It runs on its own goroutine.
func (p *Player) OnEnd(fn func()) {
	p.mu.Lock()
	p.onEnd = fn
	p.mu.Unlock()
}

// IsPlaying reports whether a source is active.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Plays returns how many buffers have started playing.
func (p *Player) Plays() uint64 {
	return p.plays.Load()
}

// Play starts playing pcm. It rejects empty buffers and concurrent calls
// outright; it never queues.
func (p *Player) Play(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return ErrEmptyBuffer
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.playing {
		p.mu.Unlock()
		return ErrAlreadyPlaying
	}
	p.playing = true
	p.gen++
	gen := p.gen
	stale, staleSrc, staleOut := p.ctrl, p.src, p.out
	p.ctrl, p.src, p.out = nil, nil, nil
	p.mu.Unlock()

	// Anything left over from a previous buffer is silenced first.
	silence(staleOut, stale, staleSrc)

	out, err := p.gate.Ensure(ctx)
	if err != nil {
		p.abort(gen)
		return fmt.Errorf("playback: %w", err)
	}

	src, format, err := wav.Decode(bytes.NewReader(audioio.EncodeWAV(pcm, p.format)))
	if err != nil {
		p.abort(gen)
		p.logger.Error("decode failed", "bytes", len(pcm), "error", err)
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var s beep.Streamer = src
	if format.SampleRate != out.SampleRate() {
		s = beep.Resample(4, format.SampleRate, out.SampleRate(), src)
	}
	ctrl := &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() {
		// Runs with the audio thread held.
		go p.finished(gen)
	}))}

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		src.Close()
		return ErrStopped
	}
	p.ctrl, p.src, p.out = ctrl, src, out
	p.mu.Unlock()

	if err := out.Play(ctrl); err != nil {
		p.abort(gen)
		return fmt.Errorf("playback: %w", err)
	}

	p.plays.Add(1)
	p.logger.Info("playback started",
		"bytes", len(pcm),
		"duration", p.format.Duration(len(pcm)),
		"output_rate", int(out.SampleRate()),
	)
	return nil
}

// Stop halts the current source immediately. It is a no-op when idle, and
// the playing flag is false afterwards in every case.
func (p *Player) Stop() error {
	p.mu.Lock()
	was := p.playing
	p.playing = false
	p.gen++
	ctrl, src, out := p.ctrl, p.src, p.out
	p.ctrl, p.src, p.out = nil, nil, nil
	p.mu.Unlock()

	silence(out, ctrl, src)
	if was {
		p.logger.Info("playback stopped")
	}
	return nil
}

// Close force-stops playback and rejects further Play calls.
func (p *Player) Close() error {
	p.Stop()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Player) finished(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	src := p.src
	p.ctrl, p.src, p.out = nil, nil, nil
	fn := p.onEnd
	p.mu.Unlock()

	if src != nil {
		src.Close()
	}
	p.logger.Debug("playback finished")

	if fn != nil {
		fn()
	}
}

func (p *Player) abort(gen uint64) {
	p.mu.Lock()
	if gen == p.gen {
		p.playing = false
	}
	p.mu.Unlock()
}

// silence detaches a source from the mixer. A Ctrl without a streamer is
// drained and the mixer drops it on its next pass.
func silence(out device.OutputContext, ctrl *beep.Ctrl, src beep.StreamSeekCloser) {
	if ctrl != nil && out != nil {
		out.Locked(func() {
			ctrl.Streamer = nil
		})
	}
	if src != nil {
		src.Close()
	}
}
