// Package audioio holds the wire audio format shared by capture, playback and
// container synthesis, plus the sample conversions between them.
//
// The wire format is fixed: signed 16-bit little-endian linear PCM, mono, at
// TargetSampleRate. Hardware delivers float32 frames at its native rate; the
// helpers here decimate and quantize them into that format.
package audioio

import (
	"fmt"
	"time"
)

const (
	// TargetSampleRate is the rate the backend expects. Capture, playback and
	// the WAV header must all agree on it.
	TargetSampleRate = 24000

	// Channels is the channel count of the wire format (mono).
	Channels = 1

	// BytesPerSample is the width of one wire sample (PCM16).
	BytesPerSample = 2

	// CaptureBlockSize is the number of native samples per hardware callback.
	CaptureBlockSize = 4096
)

// Backend identifies an audio hardware backend.
type Backend string

const (
	// BackendAuto selects the native backend when it was compiled in and
	// falls back to the mock otherwise.
	BackendAuto Backend = "auto"

	// BackendNative uses malgo for capture and the beep speaker for output.
	BackendNative Backend = "native"

	// BackendMock uses in-memory devices. Used for tests and headless runs.
	BackendMock Backend = "mock"
)

// ParseBackend validates a backend name. An empty name selects BackendAuto.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(name); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendNative, BackendMock:
		return b, nil
	default:
		return "", fmt.Errorf("unknown audio backend %q (want auto, native or mock)", name)
	}
}

// Format describes a linear PCM stream.
type Format struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int `json:"sample_rate"`

	// Channels is the number of audio channels.
	Channels int `json:"channels"`

	// BytesPerSample is the sample width in bytes.
	BytesPerSample int `json:"bytes_per_sample"`
}

// WireFormat returns the format exchanged with the backend at the given rate.
// A zero rate selects TargetSampleRate.
func WireFormat(sampleRate int) Format {
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	return Format{
		SampleRate:     sampleRate,
		Channels:       Channels,
		BytesPerSample: BytesPerSample,
	}
}

// Validate checks that the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.BytesPerSample <= 0 {
		return fmt.Errorf("bytes_per_sample must be positive, got %d", f.BytesPerSample)
	}
	return nil
}

// ByteRate returns the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BytesPerSample
}

// BlockAlign returns the number of bytes per sample frame.
func (f Format) BlockAlign() int {
	return f.Channels * f.BytesPerSample
}

// Duration returns how long n bytes of audio in this format last.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
