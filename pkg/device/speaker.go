//go:build cgo

package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// nativeAvailable reports whether the speaker backend was compiled in.
const nativeAvailable = true

// speakerContext drives the system speaker through beep. The speaker package
// is process-global, so at most one speakerContext is open at a time; the
// Manager guarantees that.
type speakerContext struct {
	rate  beep.SampleRate
	mixer *beep.Mixer
	root  *beep.Ctrl

	mu    sync.Mutex
	state State
}

// NewSpeaker initialises the system speaker and returns a running context.
func NewSpeaker(cfg Config) (OutputContext, error) {
	rate := beep.SampleRate(cfg.SampleRate)
	if err := speaker.Init(rate, rate.N(cfg.BufferDuration)); err != nil {
		return nil, fmt.Errorf("speaker init: %w", err)
	}

	mixer := &beep.Mixer{}
	root := &beep.Ctrl{Streamer: mixer}
	speaker.Play(root)

	return &speakerContext{
		rate:  rate,
		mixer: mixer,
		root:  root,
	}, nil
}

func (s *speakerContext) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *speakerContext) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	speaker.Lock()
	s.root.Paused = false
	speaker.Unlock()
	s.state = StateRunning
	return nil
}

func (s *speakerContext) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrNotRunning
	}
	speaker.Lock()
	s.root.Paused = true
	speaker.Unlock()
	s.state = StateSuspended
	return nil
}

func (s *speakerContext) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	speaker.Clear()
	speaker.Close()
	return nil
}

func (s *speakerContext) SampleRate() beep.SampleRate {
	return s.rate
}

func (s *speakerContext) Play(st beep.Streamer) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	speaker.Lock()
	s.mixer.Add(st)
	speaker.Unlock()
	return nil
}

func (s *speakerContext) Locked(fn func()) {
	speaker.Lock()
	defer speaker.Unlock()
	fn()
}

func (s *speakerContext) Active() int {
	speaker.Lock()
	defer speaker.Unlock()
	return s.mixer.Len()
}
