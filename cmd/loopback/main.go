// loopback: local speech-backend stand-in for voicelink development.
// Announces AIConnected, and after each utterance replies with the caller's
// own audio and a short transcript.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/voicelink/internal/config"
	"github.com/teslashibe/voicelink/internal/log"
	"github.com/teslashibe/voicelink/pkg/loopback"
)

var (
	port     = flag.Int("port", 8080, "HTTP server port")
	gap      = flag.Duration("gap", 700*time.Millisecond, "Silence that ends an utterance")
	interval = flag.Duration("interval", 0, "Delay between reply chunks")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := config.Env(config.EnvLogLevel, config.DefaultLogLevel)
	if *debug {
		level = "debug"
	}
	log.Init(level)

	srv, err := loopback.New(
		loopback.WithSilenceGap(*gap),
		loopback.WithChunkInterval(*interval),
		loopback.WithLogger(log.L()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopback: %v\n", err)
		os.Exit(1)
	}

	middleware := []fiber.Handler{recover.New()}
	if *debug {
		middleware = append(middleware, logger.New())
	}
	app := srv.App(middleware...)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopback: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("🔁 voicelink loopback")
	fmt.Printf("   WebSocket: ws://localhost:%d/ws/session\n", *port)
	fmt.Printf("   Health:    http://localhost:%d/healthz\n", *port)
	fmt.Println()

	go func() {
		if err := srv.Serve(app, ln); err != nil {
			log.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down", "turns", srv.Turns(), "frames_received", srv.FramesReceived())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
