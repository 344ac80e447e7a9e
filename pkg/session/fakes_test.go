package session

import (
	"context"
	"sync"

	"github.com/teslashibe/voicelink/pkg/protocol"
	"github.com/teslashibe/voicelink/pkg/transport"
)

type fakeTransport struct {
	mu         sync.Mutex
	onFrame    func(transport.Frame)
	onState    func(transport.State)
	onClose    func(*transport.CloseError)
	sent       [][]byte
	connects   int
	connectErr error
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()

	f.onState(transport.StateConnecting)
	if err != nil {
		f.onClose(&transport.CloseError{Code: 1006, Reason: err.Error(), Cause: err})
		f.onState(transport.StateReconnecting)
		return err
	}
	f.onState(transport.StateConnected)
	return nil
}

func (f *fakeTransport) Disconnect(code int, reason string) {
	f.onClose(&transport.CloseError{Code: code, Reason: reason, Clean: true})
	f.onState(transport.StateDisconnected)
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnFrame(fn func(transport.Frame))       { f.onFrame = fn }
func (f *fakeTransport) OnStateChange(fn func(transport.State)) { f.onState = fn }
func (f *fakeTransport) OnClose(fn func(*transport.CloseError)) { f.onClose = fn }

func (f *fakeTransport) sentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) text(m *protocol.Message) {
	b, _ := m.Bytes()
	f.onFrame(transport.Frame{Type: transport.FrameText, Data: b})
}

func (f *fakeTransport) raw(s string) {
	f.onFrame(transport.Frame{Type: transport.FrameText, Data: []byte(s)})
}

func (f *fakeTransport) binary(b []byte) {
	f.onFrame(transport.Frame{Type: transport.FrameBinary, Data: b})
}

func (f *fakeTransport) lose(code int, reason string) {
	f.onClose(&transport.CloseError{Code: code, Reason: reason})
	f.onState(transport.StateReconnecting)
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	sink      func([]byte)
	starts    int
	stops     int
	startErr  error
	onError   func(error)
}

func (f *fakeRecorder) Start(_ context.Context, sink func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.recording = true
	f.sink = sink
	f.starts++
	return nil
}

func (f *fakeRecorder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording {
		f.stops++
	}
	f.recording = false
	return nil
}

func (f *fakeRecorder) IsRecording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeRecorder) OnError(fn func(error)) { f.onError = fn }

// feed pushes a frame through the sink, as the capture pipeline would.
func (f *fakeRecorder) feed(pcm []byte) {
	f.mu.Lock()
	sink, live := f.sink, f.recording
	f.mu.Unlock()
	if live {
		sink(pcm)
	}
}

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	buffers [][]byte
	stops   int
	playErr error
	onEnd   func()
}

func (f *fakePlayer) Play(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	if f.playing {
		return errAlreadyPlaying
	}
	f.playing = true
	f.buffers = append(f.buffers, pcm)
	return nil
}

func (f *fakePlayer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.stops++
	}
	f.playing = false
	return nil
}

func (f *fakePlayer) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakePlayer) OnEnd(fn func()) { f.onEnd = fn }

// finish simulates natural completion.
func (f *fakePlayer) finish() {
	f.mu.Lock()
	f.playing = false
	f.mu.Unlock()
	f.onEnd()
}

func (f *fakePlayer) plays() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.buffers...)
}
