// Package web provides the voicelink dashboard: a small JSON API that drives
// the session and a live status feed over WebSocket.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/voicelink/pkg/hub"
	"github.com/teslashibe/voicelink/pkg/session"
)

// Controller is the session surface the dashboard drives.
// *session.Reconciler satisfies it.
type Controller interface {
	Snapshot() session.Snapshot
	Messages() []session.Message
	OnChange(fn func(session.Snapshot))
	Connect(ctx context.Context) error
	Disconnect()
	StartRecording(ctx context.Context) error
	StopRecording() error
	StopPlayback() error
	Download() (session.Download, error)
}

// Server is the web dashboard server.
type Server struct {
	app       *fiber.App
	port      string
	ctrl      Controller
	logger    *slog.Logger
	statusHub *hub.Hub

	mu        sync.Mutex
	published int
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStaticDir serves a dashboard UI from dir.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		if dir != "" {
			s.app.Static("/", dir)
		}
	}
}

// NewServer creates a dashboard for ctrl. Every session change is pushed to
// /ws/status subscribers as a "status" event, and each new conversation entry
// as a "message" event.
func NewServer(ctrl Controller, port string, opts ...Option) *Server {
	s := &Server{
		port:   port,
		ctrl:   ctrl,
		logger: slog.Default(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "voicelink dashboard",
		DisableStartupMessage: true,
	})
	s.app.Use(cors.New())

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.statusHub = hub.New("status", s.logger)

	api := s.app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/messages", s.handleMessages)
	api.Post("/connect", s.handleConnect)
	api.Post("/disconnect", s.handleDisconnect)
	api.Post("/record/start", s.handleRecordStart)
	api.Post("/record/stop", s.handleRecordStop)
	api.Post("/playback/stop", s.handlePlaybackStop)
	api.Get("/response.wav", s.handleDownload)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/status", websocket.New(s.handleStatusWS))

	ctrl.OnChange(s.publish)
	s.publish(ctrl.Snapshot())
	return s
}

// publish pushes the snapshot and any messages appended since the last one.
func (s *Server) publish(snap session.Snapshot) {
	s.statusHub.Publish("status", snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.published
	s.published = snap.Messages
	if snap.Messages <= from {
		return
	}

	msgs := s.ctrl.Messages()
	to := min(snap.Messages, len(msgs))
	for i := from; i < to; i++ {
		s.statusHub.Publish("message", msgs[i])
	}
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// StatusHub returns the hub feeding /ws/status.
func (s *Server) StatusHub() *hub.Hub {
	return s.statusHub
}

// Start runs the status hub and serves on the configured port until ctx is
// done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("web: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the dashboard on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.statusHub.Run(ctx)
	go func() {
		<-ctx.Done()
		s.app.Shutdown()
	}()

	s.logger.Info("dashboard listening", "url", "http://"+ln.Addr().String())
	return s.app.Listener(ln)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Error("web server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the web server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
