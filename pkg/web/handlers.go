package web

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/voicelink/pkg/capture"
	"github.com/teslashibe/voicelink/pkg/device"
	"github.com/teslashibe/voicelink/pkg/session"
)

// statusCode maps session and device errors to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNoResponse):
		return fiber.StatusNotFound
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAINotReady),
		errors.Is(err, session.ErrAlreadyListening),
		errors.Is(err, session.ErrPlaybackActive):
		return fiber.StatusConflict
	case capture.IsPermissionDenied(err):
		return fiber.StatusForbidden
	case capture.IsNoDevice(err), capture.IsUnsupported(err),
		errors.Is(err, device.ErrUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := statusCode(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) ok(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Snapshot())
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Snapshot())
}

func (s *Server) handleMessages(c *fiber.Ctx) error {
	msgs := s.ctrl.Messages()
	return c.JSON(fiber.Map{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) handleConnect(c *fiber.Ctx) error {
	if err := s.ctrl.Connect(c.UserContext()); err != nil {
		return s.fail(c, err)
	}
	return s.ok(c)
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	s.ctrl.Disconnect()
	return s.ok(c)
}

func (s *Server) handleRecordStart(c *fiber.Ctx) error {
	if err := s.ctrl.StartRecording(c.UserContext()); err != nil {
		return s.fail(c, err)
	}
	return s.ok(c)
}

func (s *Server) handleRecordStop(c *fiber.Ctx) error {
	if err := s.ctrl.StopRecording(); err != nil {
		return s.fail(c, err)
	}
	return s.ok(c)
}

func (s *Server) handlePlaybackStop(c *fiber.Ctx) error {
	if err := s.ctrl.StopPlayback(); err != nil {
		return s.fail(c, err)
	}
	return s.ok(c)
}

// handleDownload serves the last completed response as a WAV attachment.
func (s *Server) handleDownload(c *fiber.Ctx) error {
	d, err := s.ctrl.Download()
	if err != nil {
		return s.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "audio/wav")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", d.Name))
	return c.Send(d.Data)
}

// handleStatusWS streams session snapshots until the client goes away.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	s.statusHub.Serve(c)
}
