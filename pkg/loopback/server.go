// Package loopback provides a local speech-backend peer that speaks the
// voicelink wire protocol. It announces AIConnected, collects inbound PCM and
// answers each utterance with a scripted turn once the caller goes quiet.
package loopback

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/voicelink/pkg/protocol"
)

// Server is the loopback peer.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]*peer

	framesReceived atomic.Uint64
	bytesReceived  atomic.Uint64
	turns          atomic.Uint64
}

// peer is one connected client. Writes are serialised by mu.
type peer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, data)
}

func (p *peer) write(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(kind, data)
}

// frame is one inbound message handed from the reader goroutine.
type frame struct {
	kind int
	data []byte
}

// New creates a loopback server.
func New(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "loopback"),
		peers:  make(map[string]*peer),
	}, nil
}

// RegisterRoutes registers the session endpoint on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/session", websocket.New(s.handleSession))
}

// App returns a Fiber app with the routes registered behind middleware.
func (s *Server) App(middleware ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "voicelink loopback",
		DisableStartupMessage: true,
	})
	for _, m := range middleware {
		app.Use(m)
	}
	s.RegisterRoutes(app)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"peers":           s.PeerCount(),
			"frames_received": s.FramesReceived(),
			"turns":           s.Turns(),
		})
	})
	return app
}

// Serve runs an app on ln until it is shut down.
func (s *Server) Serve(app *fiber.App, ln net.Listener) error {
	s.logger.Info("loopback listening", "addr", ln.Addr().String())
	return app.Listener(ln)
}

// FramesReceived returns the number of binary frames received.
func (s *Server) FramesReceived() uint64 {
	return s.framesReceived.Load()
}

// BytesReceived returns the number of audio bytes received.
func (s *Server) BytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// Turns returns the number of replies sent.
func (s *Server) Turns() uint64 {
	return s.turns.Load()
}

// PeerCount returns the number of connected clients.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Drop closes every client connection with the given close code.
func (s *Server) Drop(code int, reason string) {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		p.conn.Close()
	}
}

// Announce sends an error frame to every client.
func (s *Server) Announce(message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		p.send(protocol.NewError(message))
	}
}

func (s *Server) handleSession(c *websocket.Conn) {
	p := &peer{id: uuid.NewString(), conn: c}

	s.mu.Lock()
	s.peers[p.id] = p
	count := len(s.peers)
	s.mu.Unlock()
	s.logger.Info("peer connected", "peer", p.id, "total", count)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()
		s.logger.Info("peer disconnected", "peer", p.id)
	}()

	if err := p.send(protocol.NewEvent(protocol.EventAIConnected)); err != nil {
		return
	}

	inbound := make(chan frame, 64)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(inbound)
		for {
			kind, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			select {
			case inbound <- frame{kind: kind, data: data}:
			case <-done:
				return
			}
		}
	}()

	s.converse(p, inbound)
}

// converse collects audio until the silence gap elapses, then replies.
func (s *Server) converse(p *peer, inbound <-chan frame) {
	var utterance []byte
	gap := time.NewTimer(s.cfg.SilenceGap)
	gap.Stop()
	defer gap.Stop()

	for {
		select {
		case f, ok := <-inbound:
			if !ok {
				return
			}
			if f.kind != websocket.BinaryMessage {
				s.logger.Debug("ignoring text frame", "peer", p.id, "bytes", len(f.data))
				continue
			}
			s.framesReceived.Add(1)
			s.bytesReceived.Add(uint64(len(f.data)))
			utterance = append(utterance, f.data...)
			gap.Reset(s.cfg.SilenceGap)

		case <-gap.C:
			if len(utterance) == 0 {
				continue
			}
			if err := s.reply(p, utterance); err != nil {
				s.logger.Warn("reply failed", "peer", p.id, "error", err)
				return
			}
			utterance = nil
		}
	}
}

func (s *Server) reply(p *peer, utterance []byte) error {
	r, err := s.cfg.Script(utterance)
	if err != nil {
		return p.send(protocol.NewError(err.Error()))
	}

	s.logger.Info("replying", "peer", p.id, "heard", len(utterance), "chunks", len(r.Chunks))
	if err := p.send(protocol.NewEvent(protocol.EventAIResponseStart)); err != nil {
		return err
	}
	for _, word := range deltas(r.Text) {
		if err := p.send(protocol.NewTextDelta(word)); err != nil {
			return err
		}
	}
	for _, chunk := range r.Chunks {
		if err := p.write(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		if s.cfg.ChunkInterval > 0 {
			time.Sleep(s.cfg.ChunkInterval)
		}
	}
	if err := p.send(protocol.NewResponseEnd(r.Text)); err != nil {
		return err
	}
	s.turns.Add(1)
	return nil
}

// deltas splits text into word-sized increments that concatenate back to
// the original.
func deltas(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
