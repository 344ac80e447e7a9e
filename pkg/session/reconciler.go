// Package session reconciles the duplex stream from the speech backend into
// conversational turns.
//
// The Reconciler is the only owner of session state. Transport frames, user
// commands and playback completion are serialised under one lock, so the
// state machine behaves like a single event loop. At most one of recording
// and playback is active at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/voicelink/pkg/audioio"
	"github.com/teslashibe/voicelink/pkg/protocol"
	"github.com/teslashibe/voicelink/pkg/transport"
)

// Sentinel errors for the session package.
var (
	// ErrNotConnected indicates the command needs an open connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAINotReady indicates the backend has not announced AIConnected.
	ErrAINotReady = errors.New("session: AI not ready")

	// ErrAlreadyListening indicates a recording session is active.
	ErrAlreadyListening = errors.New("session: already listening")

	// ErrNoResponse indicates no completed response audio is available.
	ErrNoResponse = errors.New("session: no response audio")

	// ErrPlaybackActive indicates the response is still playing.
	ErrPlaybackActive = errors.New("session: response is still playing")
)

// Transport is the duplex channel. *transport.Channel satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(code int, reason string)
	SendBinary(data []byte) error
	OnFrame(fn func(transport.Frame))
	OnStateChange(fn func(transport.State))
	OnClose(fn func(*transport.CloseError))
}

// Recorder is the capture pipeline. *capture.Pipeline satisfies it.
type Recorder interface {
	Start(ctx context.Context, sink func(pcm []byte)) error
	Stop() error
	IsRecording() bool
}

// Player is the playback pipeline. *playback.Player satisfies it.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
	Stop() error
	IsPlaying() bool
	OnEnd(fn func())
}

// Snapshot is a consistent view of the session for display.
type Snapshot struct {
	State       State  `json:"state"`
	Status      string `json:"status"`
	AIReady     bool   `json:"ai_ready"`
	Utterance   string `json:"utterance,omitempty"`
	HasResponse bool   `json:"has_response"`
	Messages    int    `json:"messages"`
}

// Download is the completed-response artifact offered to the user.
type Download struct {
	Name string
	Data []byte
}

// Reconciler is the turn state machine.
type Reconciler struct {
	transport Transport
	recorder  Recorder
	player    Player
	logger    *slog.Logger
	format    audioio.Format
	now       func() time.Time
	ctx       context.Context

	mu           sync.Mutex
	state        State
	status       string
	aiReady      bool
	responseOpen bool
	acc          Accumulator
	utterance    strings.Builder
	lastResponse []byte

	messages MessageLog
	recorded atomic.Int64

	lmu       sync.RWMutex
	listeners []func(Snapshot)
}

// Option is a functional option for configuring a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithSampleRate sets the rate used for the download artifact.
func WithSampleRate(rate int) Option {
	return func(r *Reconciler) {
		r.format = audioio.WireFormat(rate)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a Reconciler and registers it as the transport's frame consumer
// and the player's completion handler.
func New(t Transport, rec Recorder, p Player, opts ...Option) *Reconciler {
	r := &Reconciler{
		transport: t,
		recorder:  rec,
		player:    p,
		logger:    slog.Default(),
		format:    audioio.WireFormat(audioio.TargetSampleRate),
		now:       time.Now,
		ctx:       context.Background(),
		status:    "Disconnected",
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "session")

	t.OnFrame(r.HandleFrame)
	t.OnStateChange(r.handleTransportState)
	t.OnClose(r.handleClose)
	p.OnEnd(r.handlePlaybackEnd)

	if src, ok := rec.(interface{ OnError(func(error)) }); ok {
		src.OnError(r.handleCaptureError)
	}
	return r
}

// OnChange registers a listener called after every state or status change.
func (r *Reconciler) OnChange(fn func(Snapshot)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns the current view of the session.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Messages returns the conversation log in order.
func (r *Reconciler) Messages() []Message {
	return r.messages.All()
}

// Connect opens the transport. It is a no-op while connecting or connected.
// A manual connect starts a new conversation log.
func (r *Reconciler) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateConnecting || r.state.online() {
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	r.aiReady = false
	r.status = "Connecting..."
	r.messages.clear()
	r.mu.Unlock()
	r.notify()

	// The transport reports the outcome through its callbacks.
	return r.transport.Connect(ctx)
}

// Disconnect stops capture and playback and closes the transport cleanly.
func (r *Reconciler) Disconnect() {
	r.mu.Lock()
	r.haltLocked()
	r.mu.Unlock()

	r.transport.Disconnect(websocket.CloseNormalClosure, "client disconnect")

	r.mu.Lock()
	r.state = StateIdle
	r.aiReady = false
	r.status = "Disconnected"
	r.mu.Unlock()
	r.notify()
}

// StartRecording begins a recording session, stopping any playback first.
func (r *Reconciler) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	switch {
	case r.state == StateListening:
		return ErrAlreadyListening
	case !r.state.online():
		return ErrNotConnected
	case !r.aiReady:
		return ErrAINotReady
	}

	if r.state == StateSpeaking {
		r.player.Stop()
		r.state = StateReady
	}

	r.recorded.Store(0)
	if err := r.recorder.Start(ctx, r.sendAudio); err != nil {
		r.logger.Warn("recording failed to start", "error", err)
		r.status = err.Error()
		return err
	}

	r.state = StateListening
	r.status = "Listening..."
	r.logger.Info("recording started")
	return nil
}

// StopRecording ends the recording session. It is a no-op when not
// listening.
func (r *Reconciler) StopRecording() error {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	if r.state != StateListening {
		r.recorder.Stop()
		return nil
	}

	r.finishRecordingLocked()
	r.state = StateReady
	r.status = "Processing..."
	return nil
}

// StopPlayback halts the current response.
func (r *Reconciler) StopPlayback() error {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	r.player.Stop()
	if r.state == StateSpeaking {
		r.state = StateReady
		r.status = "Playback stopped"
	}
	return nil
}

// Download returns the last completed response wrapped in a WAV container.
func (r *Reconciler) Download() (Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lastResponse) == 0 {
		return Download{}, ErrNoResponse
	}
	if r.state == StateSpeaking {
		return Download{}, ErrPlaybackActive
	}
	return Download{
		Name: fmt.Sprintf("response_%d.wav", r.now().UnixMilli()),
		Data: audioio.EncodeWAV(r.lastResponse, r.format),
	}, nil
}

// Close disconnects and releases the session.
func (r *Reconciler) Close() error {
	r.Disconnect()
	return nil
}

// HandleFrame consumes one inbound frame. Frames must be passed in arrival
// order.
func (r *Reconciler) HandleFrame(f transport.Frame) {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	if !r.state.online() {
		r.logger.Debug("dropping frame while offline", "state", r.state, "bytes", len(f.Data))
		return
	}

	if f.Type == transport.FrameBinary {
		if !r.responseOpen {
			r.logger.Warn("dropping audio chunk outside a response", "bytes", len(f.Data))
			return
		}
		r.acc.Append(f.Data)
		return
	}

	msg, err := protocol.ParseMessage(f.Data)
	if errors.Is(err, protocol.ErrUnknownType) {
		r.logger.Debug("ignoring message", "error", err)
		return
	}
	if err != nil {
		r.logger.Warn("bad message from server", "error", err)
		r.status = "Received a malformed message from the server"
		r.closeResponseLocked()
		if r.state == StateThinking {
			r.state = StateReady
		}
		return
	}

	switch msg.Type {
	case protocol.TypeEvent:
		r.handleEventLocked(msg)
	case protocol.TypeTextDelta:
		r.utterance.WriteString(msg.Text)
	case protocol.TypeError:
		r.handleServerErrorLocked(msg.Message)
	}
}

func (r *Reconciler) handleEventLocked(msg *protocol.Message) {
	switch msg.Name {
	case protocol.EventAIConnected:
		r.aiReady = true
		if r.state == StateConnected {
			r.state = StateReady
		}
		r.status = "AI ready"
		r.logger.Info("AI connected")

	case protocol.EventAIResponseStart:
		r.acc.Reset()
		r.utterance.Reset()
		r.responseOpen = true
		switch r.state {
		case StateSpeaking:
			r.player.Stop()
		case StateListening:
			r.finishRecordingLocked()
		}
		r.state = StateThinking
		r.status = "AI is thinking..."

	case protocol.EventAIResponseEnd:
		r.finishResponseLocked(msg.FinalText)

	default:
		r.logger.Debug("ignoring event", "name", msg.Name)
	}
}

func (r *Reconciler) finishResponseLocked(finalText string) {
	text := finalText
	if text == "" {
		text = r.utterance.String()
	}
	if text == "" {
		text = AudioOnlyText
	}

	buf := r.acc.Concat()
	r.utterance.Reset()
	r.responseOpen = false

	r.messages.Append(NewMessage(SenderAI, text, buf, r.now()))
	r.logger.Info("response complete", "text_len", len(text), "audio_bytes", len(buf))

	if len(buf) == 0 {
		if r.state != StateListening {
			r.state = StateReady
			r.status = "AI ready"
		}
		return
	}

	r.lastResponse = buf
	if r.state == StateListening {
		r.finishRecordingLocked()
	}

	if err := r.player.Play(r.ctx, buf); err != nil {
		r.logger.Error("playback failed", "error", err)
		r.state = StateReady
		r.status = fmt.Sprintf("Playback failed: %v", err)
		return
	}
	r.state = StateSpeaking
	r.status = "AI is speaking..."
}

func (r *Reconciler) handleServerErrorLocked(text string) {
	r.logger.Warn("server error", "message", text)

	r.haltLocked()
	r.closeResponseLocked()
	r.messages.Append(NewMessage(SenderSystem, text, nil, r.now()))

	if r.aiReady {
		r.state = StateReady
	} else if r.state.online() {
		r.state = StateConnected
	}
	r.status = "Server error: " + text
}

func (r *Reconciler) handleTransportState(s transport.State) {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	switch s {
	case transport.StateConnecting:
		if r.state == StateIdle {
			r.state = StateConnecting
			r.status = "Connecting..."
		} else if r.state == StateErrored {
			r.status = "Reconnecting..."
		}
	case transport.StateConnected:
		r.state = StateConnected
		r.aiReady = false
		r.status = "Connected, waiting for AI..."
	case transport.StateReconnecting:
		r.status = "Connection lost, retrying..."
	case transport.StateFailed:
		r.state = StateErrored
		r.aiReady = false
		r.status = "Connection failed, press connect to retry"
	case transport.StateDisconnected:
		r.state = StateIdle
		r.aiReady = false
		r.status = "Disconnected"
	}
}

func (r *Reconciler) handleClose(ce *transport.CloseError) {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	r.haltLocked()
	r.closeResponseLocked()
	r.aiReady = false

	if ce.Clean {
		r.state = StateIdle
		r.status = "Disconnected"
		return
	}
	r.state = StateErrored
	r.status = fmt.Sprintf("Connection error (%d): %s", ce.Code, ce.Reason)
}

func (r *Reconciler) handlePlaybackEnd() {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	if r.state == StateSpeaking {
		r.state = StateReady
		r.status = "AI ready"
	}
}

func (r *Reconciler) handleCaptureError(err error) {
	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	if r.state == StateListening {
		r.finishRecordingLocked()
		r.state = StateReady
	}
	r.status = err.Error()
}

// sendAudio is the capture sink. It runs on the driver thread and never
// takes the session lock.
func (r *Reconciler) sendAudio(pcm []byte) {
	r.recorded.Add(int64(len(pcm)))
	r.transport.SendBinary(pcm)
}

// finishRecordingLocked stops capture and logs the user's turn.
func (r *Reconciler) finishRecordingLocked() {
	r.recorder.Stop()

	n := r.recorded.Swap(0)
	msg := NewMessage(SenderUser, VoiceMessageText, nil, r.now())
	msg.AudioBytes = int(n)
	r.messages.Append(msg)
	r.logger.Info("recording stopped", "bytes", n)
}

// haltLocked force-stops capture and playback.
func (r *Reconciler) haltLocked() {
	if r.state == StateListening || r.recorder.IsRecording() {
		r.recorder.Stop()
	}
	r.player.Stop()
}

func (r *Reconciler) closeResponseLocked() {
	r.acc.Reset()
	r.utterance.Reset()
	r.responseOpen = false
}

func (r *Reconciler) snapshotLocked() Snapshot {
	return Snapshot{
		State:       r.state,
		Status:      r.status,
		AIReady:     r.aiReady,
		Utterance:   r.utterance.String(),
		HasResponse: len(r.lastResponse) > 0,
		Messages:    r.messages.Len(),
	}
}

func (r *Reconciler) notify() {
	r.lmu.RLock()
	listeners := r.listeners
	r.lmu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	snap := r.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}
}
