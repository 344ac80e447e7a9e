package loopback

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/voicelink/pkg/audioio"
)

// Reply is one scripted response turn.
type Reply struct {
	// Text is streamed as deltas and repeated as the final transcript.
	Text string

	// Chunks are sent as binary frames in order.
	Chunks [][]byte
}

// Script builds the reply for one user utterance. Returning an error sends a
// protocol error frame instead of a turn.
type Script func(utterance []byte) (Reply, error)

// Config holds configuration for the loopback server.
type Config struct {
	// SilenceGap ends an utterance when no audio arrives for this long.
	SilenceGap time.Duration

	// ChunkSize is the binary frame size used by Echo.
	ChunkSize int

	// ChunkInterval paces outbound chunks. Zero sends them back to back.
	ChunkInterval time.Duration

	// Script produces replies. Defaults to Echo.
	Script Script

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config that echoes each utterance back in 100ms
// chunks.
func DefaultConfig() Config {
	chunk := audioio.WireFormat(0).ByteRate() / 10
	return Config{
		SilenceGap: 700 * time.Millisecond,
		ChunkSize:  chunk,
		Script:     Echo(chunk),
		Logger:     slog.Default(),
	}
}

// Option is a functional option for configuring the server.
type Option func(*Config)

// WithSilenceGap sets the end-of-utterance gap.
func WithSilenceGap(d time.Duration) Option {
	return func(c *Config) {
		c.SilenceGap = d
	}
}

// WithChunkInterval sets the pacing between outbound chunks.
func WithChunkInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ChunkInterval = d
	}
}

// WithScript sets the reply script.
func WithScript(s Script) Option {
	return func(c *Config) {
		c.Script = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SilenceGap <= 0 {
		return fmt.Errorf("loopback: silence gap must be positive, got %v", c.SilenceGap)
	}
	if c.Script == nil {
		return errors.New("loopback: script is required")
	}
	return nil
}

// Echo replies with the utterance itself, split into chunks of size bytes.
func Echo(size int) Script {
	return func(utterance []byte) (Reply, error) {
		d := audioio.WireFormat(0).Duration(len(utterance))
		return Reply{
			Text:   fmt.Sprintf("I heard %.1f seconds of audio.", d.Seconds()),
			Chunks: Split(utterance, size),
		}, nil
	}
}

// Fixed always replies with the same turn.
func Fixed(r Reply) Script {
	return func([]byte) (Reply, error) {
		return r, nil
	}
}

// Split cuts b into consecutive chunks of at most size bytes.
func Split(b []byte, size int) [][]byte {
	if size <= 0 {
		size = len(b)
	}
	var out [][]byte
	for len(b) > 0 {
		n := min(size, len(b))
		out = append(out, b[:n:n])
		b = b[n:]
	}
	return out
}
