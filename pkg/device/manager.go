package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory creates a new, running output context.
type Factory func(cfg Config) (OutputContext, error)

// Manager lazily owns the single output context.
type Manager struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	out     OutputContext
	idle    *time.Timer
	created int
}

// NewManager creates a Manager. No context is created until Ensure.
func NewManager(factory Factory, opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger.With("component", "device"),
	}
}

// Ensure returns a running output context. It creates the context on first
// use, recreates it after it was closed and resumes it when suspended. On any
// failure the broken instance is closed and discarded and an error wrapping
// ErrUnavailable is returned.
func (m *Manager) Ensure(ctx context.Context) (OutputContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out != nil && m.out.State() == StateClosed {
		m.logger.Info("output context was closed, recreating")
		m.out = nil
	}

	if m.out == nil {
		out, err := m.factory(m.cfg)
		if err != nil {
			m.logger.Error("output context init failed", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		m.out = out
		m.created++
		m.logger.Debug("output context created", "sample_rate", int(out.SampleRate()))
	}

	if m.out.State() == StateSuspended {
		if err := m.out.Resume(ctx); err != nil {
			m.discardLocked()
			m.logger.Error("output context resume failed", "error", err)
			return nil, fmt.Errorf("%w: resume: %v", ErrUnavailable, err)
		}
		m.logger.Debug("output context resumed")
	}

	if s := m.out.State(); s != StateRunning {
		m.discardLocked()
		return nil, fmt.Errorf("%w: context %s after resume", ErrUnavailable, s)
	}

	m.armIdleLocked()
	return m.out, nil
}

// Current returns the context without creating or resuming it. It may be nil.
func (m *Manager) Current() OutputContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out
}

// Created returns how many contexts have been created.
func (m *Manager) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Suspend suspends the current context, if any.
func (m *Manager) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out == nil || m.out.State() != StateRunning {
		return nil
	}
	return m.out.Suspend()
}

// Close releases the current context. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	if m.out == nil {
		return nil
	}
	err := m.out.Close()
	m.out = nil
	return err
}

func (m *Manager) discardLocked() {
	if m.out != nil {
		if err := m.out.Close(); err != nil {
			m.logger.Debug("close of broken context failed", "error", err)
		}
		m.out = nil
	}
}

func (m *Manager) armIdleLocked() {
	if m.cfg.IdleSuspend <= 0 {
		return
	}
	if m.idle != nil {
		m.idle.Stop()
	}
	out := m.out
	m.idle = time.AfterFunc(m.cfg.IdleSuspend, func() { m.idleSuspend(out) })
}

func (m *Manager) idleSuspend(out OutputContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out != out || out.State() != StateRunning {
		return
	}
	if out.Active() > 0 {
		m.armIdleLocked()
		return
	}
	if err := out.Suspend(); err != nil {
		m.logger.Warn("idle suspend failed", "error", err)
		return
	}
	m.logger.Debug("output context suspended after idle period")
}
