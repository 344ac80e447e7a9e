package device

import (
	"context"
	"fmt"
	"time"

	"github.com/teslashibe/voicelink/pkg/audioio"
)

// NativeAvailable reports whether the speaker backend was compiled in.
func NativeAvailable() bool {
	return nativeAvailable
}

// NewFactory returns the output context factory for a backend.
// BackendAuto picks the speaker when available and the mock otherwise.
func NewFactory(backend audioio.Backend) (Factory, error) {
	if backend == audioio.BackendAuto {
		backend = detectBestBackend()
	}

	switch backend {
	case audioio.BackendNative:
		return NewSpeaker, nil
	case audioio.BackendMock:
		return MockFactory(func(m *MockContext) {
			m.StartClock(context.Background(), mockClockTick)
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// mockClockTick is how often a headless mock context consumes audio.
const mockClockTick = 20 * time.Millisecond

func detectBestBackend() audioio.Backend {
	if nativeAvailable {
		return audioio.BackendNative
	}
	return audioio.BackendMock
}
