// Package config provides environment-driven configuration for voicelink commands.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/teslashibe/voicelink/pkg/audioio"
)

// Defaults used when the environment does not say otherwise.
const (
	DefaultWSURL         = "ws://localhost:8080/ws/session"
	DefaultSampleRate    = audioio.TargetSampleRate
	DefaultDashboardPort = "8090"
	DefaultAudioBackend  = "auto"
	DefaultLogLevel      = "info"
)

// Environment variable names.
const (
	EnvWSURL         = "VOICELINK_WS_URL"
	EnvSampleRate    = "VOICELINK_SAMPLE_RATE"
	EnvDashboardPort = "VOICELINK_DASHBOARD_PORT"
	EnvAudioBackend  = "VOICELINK_AUDIO_BACKEND"
	EnvLogLevel      = "VOICELINK_LOG_LEVEL"
)

// Config is the resolved client configuration.
type Config struct {
	// WSURL is the backend WebSocket endpoint.
	WSURL string

	// SampleRate is shared by capture, playback and WAV synthesis.
	// All three must agree or audio plays at the wrong pitch.
	SampleRate int

	// DashboardPort is the local dashboard listen port. Empty disables it.
	DashboardPort string

	// AudioBackend selects the hardware backend: auto, native or mock.
	AudioBackend string

	// LogLevel is passed to the logger.
	LogLevel string
}

// Default returns a Config populated with defaults only.
func Default() Config {
	return Config{
		WSURL:         DefaultWSURL,
		SampleRate:    DefaultSampleRate,
		DashboardPort: DefaultDashboardPort,
		AudioBackend:  DefaultAudioBackend,
		LogLevel:      DefaultLogLevel,
	}
}

// Load reads an optional .env file (missing files are ignored) and then
// resolves the configuration from the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv resolves the configuration from environment variables.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.WSURL = Env(EnvWSURL, cfg.WSURL)
	cfg.DashboardPort = Env(EnvDashboardPort, cfg.DashboardPort)
	cfg.AudioBackend = strings.ToLower(Env(EnvAudioBackend, cfg.AudioBackend))
	cfg.LogLevel = Env(EnvLogLevel, cfg.LogLevel)

	rate, err := EnvInt(EnvSampleRate, cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate = rate

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.WSURL)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", EnvWSURL, c.WSURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s %q: scheme must be ws or wss", EnvWSURL, c.WSURL)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if _, err := audioio.ParseBackend(c.AudioBackend); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvAudioBackend, err)
	}
	return nil
}

// Env returns the value of key, or def when it is unset or blank.
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer value of key, or def when it is unset.
func EnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
