package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/voicelink/pkg/audioio"
	"github.com/teslashibe/voicelink/pkg/protocol"
	"github.com/teslashibe/voicelink/pkg/transport"
)

var errAlreadyPlaying = errors.New("fake: already playing")

type harness struct {
	t   *testing.T
	tr  *fakeTransport
	rec *fakeRecorder
	pl  *fakePlayer
	r   *Reconciler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		tr:  &fakeTransport{},
		rec: &fakeRecorder{},
		pl:  &fakePlayer{},
	}
	h.r = New(h.tr, h.rec, h.pl, opts...)
	return h
}

// ready connects and announces the AI.
func (h *harness) ready() {
	h.t.Helper()
	if err := h.r.Connect(context.Background()); err != nil {
		h.t.Fatalf("Connect() error = %v", err)
	}
	h.tr.text(protocol.NewEvent(protocol.EventAIConnected))
	h.expect(StateReady)
}

func (h *harness) expect(want State) {
	h.t.Helper()
	if got := h.r.State(); got != want {
		h.t.Fatalf("state = %v, want %v (status %q)", got, want, h.r.Snapshot().Status)
	}
}

// respond runs one full turn.
func (h *harness) respond(finalText string, chunks ...[]byte) {
	h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
	for _, c := range chunks {
		h.tr.binary(c)
	}
	h.tr.text(protocol.NewResponseEnd(finalText))
}

// checkExclusive asserts capture and playback are never both active.
func (h *harness) checkExclusive() {
	h.t.Helper()
	if h.rec.IsRecording() && h.pl.IsPlaying() {
		h.t.Fatal("recording and playback are both active")
	}
	s := h.r.State()
	if s == StateListening && h.pl.IsPlaying() {
		h.t.Fatal("listening while playback is active")
	}
	if s == StateSpeaking && h.rec.IsRecording() {
		h.t.Fatal("speaking while capture is active")
	}
}

func aiMessages(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Sender == SenderAI {
			out = append(out, m)
		}
	}
	return out
}

func TestReconciler_ConnectLifecycle(t *testing.T) {
	h := newHarness(t)
	h.expect(StateIdle)

	if err := h.r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.expect(StateConnected)
	if h.r.Snapshot().AIReady {
		t.Error("AI should not be ready before AIConnected")
	}

	h.r.Connect(context.Background())
	if h.tr.connects != 1 {
		t.Errorf("Connect should be idempotent, transport dialed %d times", h.tr.connects)
	}

	h.tr.text(protocol.NewEvent(protocol.EventAIConnected))
	h.expect(StateReady)

	h.r.Disconnect()
	h.expect(StateIdle)
}

func TestReconciler_ChunkOrderPreserved(t *testing.T) {
	for n := 0; n <= 12; n++ {
		h := newHarness(t)
		h.ready()

		var chunks [][]byte
		var want []byte
		for i := 0; i < n; i++ {
			c := bytes.Repeat([]byte{byte(i + 1)}, 7*i+1)
			chunks = append(chunks, c)
			want = append(want, c...)
		}
		h.respond("", chunks...)

		plays := h.pl.plays()
		if n == 0 {
			if len(plays) != 0 {
				t.Fatalf("n=0: playback invoked %d times", len(plays))
			}
			continue
		}
		if len(plays) != 1 {
			t.Fatalf("n=%d: playback invoked %d times, want 1", n, len(plays))
		}
		if !bytes.Equal(plays[0], want) {
			t.Fatalf("n=%d: playback buffer differs from arrival-order concatenation", n)
		}
	}
}

func TestReconciler_ResponsePlaysAndCompletes(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
	h.expect(StateThinking)

	h.tr.binary(make([]byte, 100))
	h.tr.binary(make([]byte, 200))
	h.tr.text(protocol.NewResponseEnd("hello"))
	h.expect(StateSpeaking)

	ai := aiMessages(h.r.Messages())
	if len(ai) != 1 || ai[0].Text != "hello" || ai[0].AudioBytes != 300 {
		t.Fatalf("AI messages = %+v", ai)
	}
	if plays := h.pl.plays(); len(plays) != 1 || len(plays[0]) != 300 {
		t.Fatalf("plays = %d", len(plays))
	}

	h.pl.finish()
	h.expect(StateReady)
}

func TestReconciler_NoAudioTurn(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.respond("")

	h.expect(StateReady)
	if len(h.pl.plays()) != 0 {
		t.Error("playback must not be invoked for a turn without audio")
	}
	ai := aiMessages(h.r.Messages())
	if len(ai) != 1 || ai[0].Text != AudioOnlyText {
		t.Fatalf("AI messages = %+v, want one %q", ai, AudioOnlyText)
	}
	if ai[0].ID == "" || ai[0].Timestamp.IsZero() {
		t.Error("message should carry an ID and timestamp")
	}
}

func TestReconciler_TextFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		final  string
		want   string
	}{
		{"final text wins", []string{"he", "llo"}, "Hello!", "Hello!"},
		{"streamed text", []string{"he", "llo"}, "", "hello"},
		{"placeholder", nil, "", AudioOnlyText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ready()

			h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
			for _, d := range tt.deltas {
				h.tr.text(protocol.NewTextDelta(d))
			}
			if len(tt.deltas) > 0 && h.r.Snapshot().Utterance != strings.Join(tt.deltas, "") {
				t.Errorf("Utterance = %q", h.r.Snapshot().Utterance)
			}
			h.tr.text(protocol.NewResponseEnd(tt.final))

			ai := aiMessages(h.r.Messages())
			if len(ai) != 1 || ai[0].Text != tt.want {
				t.Fatalf("AI messages = %+v, want text %q", ai, tt.want)
			}
		})
	}
}

func TestReconciler_ResponseStartResetsTurn(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
	h.tr.text(protocol.NewTextDelta("stale"))
	h.tr.binary([]byte{9, 9, 9})

	h.respond("", []byte{1, 2})

	plays := h.pl.plays()
	if len(plays) != 1 || !bytes.Equal(plays[0], []byte{1, 2}) {
		t.Fatalf("plays = %v, want only the second turn's audio", plays)
	}
	ai := aiMessages(h.r.Messages())
	if ai[0].Text != AudioOnlyText {
		t.Errorf("text = %q, stale deltas should be discarded", ai[0].Text)
	}
}

func TestReconciler_ResponseStartInterruptsPlayback(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.respond("one", []byte{1, 1})
	h.expect(StateSpeaking)

	h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
	h.expect(StateThinking)
	if h.pl.IsPlaying() {
		t.Error("playback should be stopped by a new response")
	}
}

func TestReconciler_OneActiveSession(t *testing.T) {
	h := newHarness(t)
	h.ready()

	// Speaking -> Listening stops playback first.
	h.respond("a", []byte{1, 2, 3, 4})
	h.expect(StateSpeaking)
	h.checkExclusive()

	if err := h.r.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.expect(StateListening)
	h.checkExclusive()
	if h.pl.stops != 1 {
		t.Errorf("player stops = %d, want 1", h.pl.stops)
	}

	// Listening -> Speaking stops capture first.
	h.respond("b", []byte{5, 6})
	h.expect(StateSpeaking)
	h.checkExclusive()
	if h.rec.IsRecording() {
		t.Error("capture should be stopped before playback starts")
	}

	// Late playback completion after a new recording must not leave Listening.
	if err := h.r.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.pl.finish()
	h.expect(StateListening)
	h.checkExclusive()
}

func TestReconciler_StartRecordingPreconditions(t *testing.T) {
	h := newHarness(t)

	if err := h.r.StartRecording(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("offline StartRecording() error = %v, want ErrNotConnected", err)
	}

	h.r.Connect(context.Background())
	if err := h.r.StartRecording(context.Background()); !errors.Is(err, ErrAINotReady) {
		t.Errorf("StartRecording() before AIConnected error = %v, want ErrAINotReady", err)
	}

	h.tr.text(protocol.NewEvent(protocol.EventAIConnected))
	if err := h.r.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := h.r.StartRecording(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second StartRecording() error = %v, want ErrAlreadyListening", err)
	}
	if h.rec.starts != 1 {
		t.Errorf("recorder started %d times, want 1", h.rec.starts)
	}
}

func TestReconciler_RecordingStreamsAndLogsUserTurn(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.r.StartRecording(context.Background())
	for i := 0; i < 3; i++ {
		h.rec.feed(make([]byte, 480))
	}
	if n := h.tr.sentFrames(); n != 3 {
		t.Fatalf("sent %d frames, want 3", n)
	}

	if err := h.r.StopRecording(); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	h.expect(StateReady)
	if h.rec.IsRecording() {
		t.Error("recorder should be stopped")
	}

	msgs := h.r.Messages()
	if len(msgs) != 1 || msgs[0].Sender != SenderUser || msgs[0].Text != VoiceMessageText {
		t.Fatalf("messages = %+v, want one user message", msgs)
	}
	if msgs[0].AudioBytes != 1440 {
		t.Errorf("AudioBytes = %d, want 1440", msgs[0].AudioBytes)
	}

	// Stopping again is harmless.
	if err := h.r.StopRecording(); err != nil {
		t.Errorf("second StopRecording() error = %v", err)
	}
	if len(h.r.Messages()) != 1 {
		t.Error("a second stop must not log another message")
	}
}

func TestReconciler_RecorderFailure(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.rec.startErr = errors.New("capture: microphone access denied")

	err := h.r.StartRecording(context.Background())
	if err == nil {
		t.Fatal("StartRecording() should fail")
	}
	h.expect(StateReady)
	if got := h.r.Snapshot().Status; !strings.Contains(got, "denied") {
		t.Errorf("status = %q, want the device error", got)
	}
}

func TestReconciler_CaptureErrorWhileListening(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.r.StartRecording(context.Background())

	h.rec.Stop()
	h.rec.onError(errors.New("capture: processing failed"))

	h.expect(StateReady)
	if got := h.r.Snapshot().Status; got != "capture: processing failed" {
		t.Errorf("status = %q", got)
	}
}

func TestReconciler_UncleanCloseIsSticky(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.r.StartRecording(context.Background())

	h.tr.lose(1006, "network reset")
	h.expect(StateErrored)
	if h.rec.IsRecording() {
		t.Error("capture should be force-stopped")
	}
	if !strings.Contains(h.r.Snapshot().Status, "retrying") {
		t.Errorf("status = %q", h.r.Snapshot().Status)
	}

	// Frames arriving late do not clear the error.
	h.tr.raw(`{"type":"textDelta","text":"x"}`)
	h.expect(StateErrored)

	if err := h.r.StartRecording(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartRecording() while errored = %v, want ErrNotConnected", err)
	}

	// Reconnect clears it.
	h.tr.onState(transport.StateConnected)
	h.expect(StateConnected)
	h.tr.text(protocol.NewEvent(protocol.EventAIConnected))
	h.expect(StateReady)
}

func TestReconciler_UncleanCloseStopsPlayback(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.respond("", []byte{1, 2})

	h.tr.lose(1011, "crash")
	h.expect(StateErrored)
	if h.pl.IsPlaying() {
		t.Error("playback should be force-stopped")
	}
}

func TestReconciler_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.connectErr = errors.New("connection refused")

	if err := h.r.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should return the dial error")
	}
	h.expect(StateErrored)
}

func TestReconciler_ServerErrorFrame(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.r.StartRecording(context.Background())

	h.tr.text(protocol.NewError("quota exceeded"))

	h.expect(StateReady)
	if h.rec.IsRecording() || h.pl.IsPlaying() {
		t.Error("capture and playback should be stopped on a server error")
	}
	if got := h.r.Snapshot().Status; got != "Server error: quota exceeded" {
		t.Errorf("status = %q", got)
	}

	var system []Message
	for _, m := range h.r.Messages() {
		if m.Sender == SenderSystem {
			system = append(system, m)
		}
	}
	if len(system) != 1 || system[0].Text != "quota exceeded" {
		t.Errorf("system messages = %+v", system)
	}
}

func TestReconciler_MalformedFrameResetsToReady(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
	h.tr.binary([]byte{1})
	h.tr.raw(`{"type":`)

	h.expect(StateReady)
	if !strings.Contains(h.r.Snapshot().Status, "malformed") {
		t.Errorf("status = %q", h.r.Snapshot().Status)
	}

	// The broken turn is discarded; a stray end produces no audio.
	h.tr.text(protocol.NewResponseEnd(""))
	if len(h.pl.plays()) != 0 {
		t.Error("discarded chunks must not be played")
	}
}

func TestReconciler_ChunkOutsideResponseDropped(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.tr.binary([]byte{7, 7})
	h.respond("", []byte{1})

	if plays := h.pl.plays(); len(plays) != 1 || !bytes.Equal(plays[0], []byte{1}) {
		t.Fatalf("plays = %v", plays)
	}
}

func TestReconciler_UnknownTypeKeepsTurn(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.tr.text(protocol.NewEvent(protocol.EventAIResponseStart))
	h.tr.binary(bytes.Repeat([]byte{1}, 100))
	h.tr.raw(`{"type":"ping"}`)
	h.tr.binary(bytes.Repeat([]byte{2}, 200))
	h.tr.text(protocol.NewResponseEnd("hello"))

	h.expect(StateSpeaking)
	plays := h.pl.plays()
	if len(plays) != 1 || len(plays[0]) != 300 {
		t.Fatalf("plays = %d buffers, want one of 300 bytes", len(plays))
	}
	if plays[0][99] != 1 || plays[0][100] != 2 {
		t.Error("chunks out of order")
	}
}

func TestReconciler_FramesAfterDisconnectIgnored(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.r.Disconnect()
	h.expect(StateIdle)

	h.respond("late", make([]byte, 64))
	h.tr.text(protocol.NewEvent(protocol.EventAIConnected))

	h.expect(StateIdle)
	if n := len(h.pl.plays()); n != 0 {
		t.Errorf("plays = %d, want 0", n)
	}
	if n := len(aiMessages(h.r.Messages())); n != 0 {
		t.Errorf("AI messages = %d, want 0", n)
	}

	if err := h.r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if h.tr.connects != 2 {
		t.Errorf("transport connects = %d, want 2", h.tr.connects)
	}
	h.expect(StateConnected)
}

func TestReconciler_FramesWhileErroredIgnored(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.tr.lose(1006, "network reset")
	h.expect(StateErrored)

	h.respond("late", []byte{1, 2})

	h.expect(StateErrored)
	if n := len(h.pl.plays()); n != 0 {
		t.Errorf("plays = %d, want 0", n)
	}
}

func TestReconciler_PlaybackFailure(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.pl.playErr = errors.New("playback: decode failed")

	h.respond("x", []byte{1, 2})

	h.expect(StateReady)
	if !strings.Contains(h.r.Snapshot().Status, "decode failed") {
		t.Errorf("status = %q", h.r.Snapshot().Status)
	}
}

func TestReconciler_StopPlayback(t *testing.T) {
	h := newHarness(t)
	h.ready()

	if err := h.r.StopPlayback(); err != nil {
		t.Fatalf("StopPlayback() when idle error = %v", err)
	}

	h.respond("x", []byte{1, 2})
	h.r.StopPlayback()
	h.expect(StateReady)
	if h.pl.IsPlaying() {
		t.Error("player should be stopped")
	}
}

func TestReconciler_Download(t *testing.T) {
	clock := time.UnixMilli(1700000000123)
	h := newHarness(t, WithClock(func() time.Time { return clock }))
	h.ready()

	if _, err := h.r.Download(); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Download() error = %v, want ErrNoResponse", err)
	}

	h.respond("x", make([]byte, 100), make([]byte, 200))
	if _, err := h.r.Download(); !errors.Is(err, ErrPlaybackActive) {
		t.Fatalf("Download() while speaking error = %v, want ErrPlaybackActive", err)
	}

	h.pl.finish()
	d, err := h.r.Download()
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if d.Name != "response_1700000000123.wav" {
		t.Errorf("Name = %q", d.Name)
	}
	if len(d.Data) != audioio.WAVHeaderSize+300 {
		t.Errorf("len(Data) = %d, want %d", len(d.Data), audioio.WAVHeaderSize+300)
	}
	info, err := audioio.ParseWAVHeader(d.Data)
	if err != nil || info.DataLen != 300 || info.Format.SampleRate != audioio.TargetSampleRate {
		t.Errorf("header = %+v, %v", info, err)
	}
	if !h.r.Snapshot().HasResponse {
		t.Error("HasResponse should be true")
	}
}

func TestReconciler_ManualConnectStartsNewLog(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.respond("")
	if len(h.r.Messages()) != 1 {
		t.Fatal("expected one message")
	}

	h.r.Disconnect()
	h.ready()
	if n := len(h.r.Messages()); n != 0 {
		t.Errorf("messages after reconnect = %d, want 0", n)
	}
}

func TestReconciler_OnChange(t *testing.T) {
	h := newHarness(t)

	var (
		mu   sync.Mutex
		seen []State
	)
	h.r.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})

	h.ready()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != StateReady {
		t.Errorf("listener saw %v, want to end at ready", seen)
	}
}
