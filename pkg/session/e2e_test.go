package session_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/voicelink/pkg/capture"
	"github.com/teslashibe/voicelink/pkg/device"
	"github.com/teslashibe/voicelink/pkg/loopback"
	"github.com/teslashibe/voicelink/pkg/playback"
	"github.com/teslashibe/voicelink/pkg/session"
	"github.com/teslashibe/voicelink/pkg/transport"
)

// spyPlayer records every buffer handed to the real player.
type spyPlayer struct {
	*playback.Player

	mu      sync.Mutex
	buffers [][]byte
}

func (s *spyPlayer) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	s.buffers = append(s.buffers, pcm)
	s.mu.Unlock()
	return s.Player.Play(ctx, pcm)
}

func (s *spyPlayer) plays() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.buffers...)
}

type rig struct {
	server *loopback.Server
	r      *session.Reconciler
	mic    *capture.MockInput
	player *spyPlayer

	mu     sync.Mutex
	out    *device.MockContext
	states []session.State
}

func newRig(t *testing.T, reply loopback.Reply) *rig {
	t.Helper()

	srv, err := loopback.New(
		loopback.WithSilenceGap(80*time.Millisecond),
		loopback.WithScript(loopback.Fixed(reply)),
	)
	if err != nil {
		t.Fatalf("loopback.New() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	app := srv.App()
	go srv.Serve(app, ln)
	t.Cleanup(func() { app.Shutdown() })

	ch, err := transport.New("ws://"+ln.Addr().String()+"/ws/session",
		transport.WithReconnect(5, 50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}

	g := &rig{server: srv, mic: capture.NewMockInput(48000)}
	mgr := device.NewManager(device.MockFactory(func(m *device.MockContext) {
		g.mu.Lock()
		g.out = m
		g.mu.Unlock()
	}))
	rec := capture.New(mgr, capture.MockInputFactory(g.mic, nil))
	g.player = &spyPlayer{Player: playback.New(mgr)}

	g.r = session.New(ch, rec, g.player)
	g.r.OnChange(func(s session.Snapshot) {
		g.mu.Lock()
		g.states = append(g.states, s.State)
		g.mu.Unlock()
	})
	t.Cleanup(func() {
		g.r.Close()
		ch.Close()
		mgr.Close()
	})
	return g
}

func (g *rig) output() *device.MockContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out
}

func (g *rig) saw(s session.State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, st := range g.states {
		if st == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, r *session.Reconciler, want session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, state is %v (status %q)", want, r.State(), r.Snapshot().Status)
}

func TestEndToEnd_Turn(t *testing.T) {
	g := newRig(t, loopback.Reply{
		Text:   "hello",
		Chunks: [][]byte{make([]byte, 100), make([]byte, 200)},
	})

	if err := g.r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, g.r, session.StateReady)

	if err := g.r.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if !g.mic.Feed(make([]float32, 4800)) {
			t.Fatal("microphone not started")
		}
	}
	if err := g.r.StopRecording(); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}

	waitFor(t, g.r, session.StateSpeaking)

	plays := g.player.plays()
	if len(plays) != 1 || len(plays[0]) != 300 {
		t.Fatalf("playback invoked with %d buffers, want one 300-byte buffer", len(plays))
	}

	var ai []session.Message
	for _, m := range g.r.Messages() {
		if m.Sender == session.SenderAI {
			ai = append(ai, m)
		}
	}
	if len(ai) != 1 || ai[0].Text != "hello" {
		t.Fatalf("AI messages = %+v, want one with text hello", ai)
	}

	if err := g.output().DrainAll(48000); err != nil {
		t.Fatalf("DrainAll() error = %v", err)
	}
	waitFor(t, g.r, session.StateReady)

	if got := g.server.FramesReceived(); got != 3 {
		t.Errorf("server received %d frames, want 3", got)
	}
	if got := g.server.BytesReceived(); got != 3*2400*2 {
		t.Errorf("server received %d bytes, want %d", got, 3*2400*2)
	}
}

func TestEndToEnd_ReconnectAfterServerDrop(t *testing.T) {
	g := newRig(t, loopback.Reply{Text: "unused"})

	g.r.Connect(context.Background())
	waitFor(t, g.r, session.StateReady)

	g.server.Drop(1011, "restarting")

	deadline := time.Now().Add(5 * time.Second)
	for !g.saw(session.StateErrored) {
		if time.Now().After(deadline) {
			t.Fatal("an unclean close should pass through errored")
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, g.r, session.StateReady)
	if !g.r.Snapshot().AIReady {
		t.Error("AI should be ready again after reconnect")
	}
}
