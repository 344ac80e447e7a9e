package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Config holds configuration for a Channel.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is sent with every handshake.
	Header http.Header

	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// PingInterval is the keepalive period. Zero disables keepalive and read
	// deadlines.
	PingInterval time.Duration

	// Reconnect is the initial reconnect policy.
	Reconnect ReconnectPolicy

	// Dialer overrides the WebSocket dialer.
	Dialer Dialer

	// Scheduler overrides how reconnects are scheduled.
	Scheduler Scheduler

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		Reconnect:        DefaultReconnectPolicy(),
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("transport: invalid URL %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("transport: URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport: handshake timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("transport: write timeout must be positive")
	}
	if c.Reconnect.MaxRetries < 0 || c.Reconnect.BaseDelay < 0 {
		return fmt.Errorf("transport: invalid reconnect policy %+v", c.Reconnect)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Option is a functional option for configuring a Channel.
type Option func(*Config)

// WithHeader sets handshake headers.
func WithHeader(h http.Header) Option {
	return func(c *Config) {
		c.Header = h
	}
}

// WithHandshakeTimeout sets the dial timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithWriteTimeout sets the per-frame write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithReconnect sets the reconnect budget and base delay.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Config) {
		c.Reconnect = ReconnectPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithScheduler overrides reconnect scheduling.
func WithScheduler(s Scheduler) Option {
	return func(c *Config) {
		c.Scheduler = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
