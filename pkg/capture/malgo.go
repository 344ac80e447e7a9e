//go:build cgo

package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

const nativeAvailable = true

// malgoInput captures from the default microphone through miniaudio.
type malgoInput struct {
	actx *malgo.AllocatedContext
	dev  *malgo.Device
	rate int

	// onData is set before the device starts and read only by the driver.
	onData func([]float32)

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewMalgoInput opens the default capture device as float32 mono.
func NewMalgoInput(cfg Config) (Input, error) {
	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	actx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, classify("malgo", fmt.Errorf("init context: %w", err))
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.NativeRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.BlockSize)

	in := &malgoInput{actx: actx}
	dev, err := malgo.InitDevice(actx.Context, devCfg, malgo.DeviceCallbacks{
		Data: in.frames,
	})
	if err != nil {
		actx.Uninit()
		actx.Free()
		return nil, classify("malgo", fmt.Errorf("init device: %w", err))
	}

	in.dev = dev
	in.rate = int(dev.SampleRate())
	return in, nil
}

func (m *malgoInput) frames(_, input []byte, frameCount uint32) {
	fn := m.onData
	if fn == nil {
		return
	}

	n := int(frameCount)
	if limit := len(input) / 4; n > limit {
		n = limit
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	fn(samples)
}

func (m *malgoInput) Start(onData func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &DeviceError{Kind: ErrDeviceFailed, Device: m.Name(), Cause: fmt.Errorf("device released")}
	}
	if m.started {
		return nil
	}

	m.onData = onData
	if err := m.dev.Start(); err != nil {
		return classify(m.Name(), fmt.Errorf("start device: %w", err))
	}
	m.started = true
	return nil
}

func (m *malgoInput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.started {
		err = m.dev.Stop()
	}
	m.dev.Uninit()
	m.actx.Uninit()
	m.actx.Free()
	return err
}

func (m *malgoInput) SampleRate() int {
	return m.rate
}

func (m *malgoInput) Name() string {
	return "malgo:default"
}
