// voicelink: push-to-talk voice client for a streaming speech backend.
// Streams microphone audio over WebSocket and plays each reply as it
// completes. Space toggles recording; a local dashboard mirrors the session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/teslashibe/voicelink/internal/config"
	"github.com/teslashibe/voicelink/internal/log"
	"github.com/teslashibe/voicelink/pkg/audioio"
	"github.com/teslashibe/voicelink/pkg/capture"
	"github.com/teslashibe/voicelink/pkg/device"
	"github.com/teslashibe/voicelink/pkg/playback"
	"github.com/teslashibe/voicelink/pkg/session"
	"github.com/teslashibe/voicelink/pkg/transport"
	"github.com/teslashibe/voicelink/pkg/web"
)

var (
	version = "0.1.0"
	wsURL   = flag.String("url", "", "Backend WebSocket URL (overrides "+config.EnvWSURL+")")
	port    = flag.String("port", "", "Dashboard port, \"off\" to disable (overrides "+config.EnvDashboardPort+")")
	backend = flag.String("backend", "", "Audio backend: auto, native or mock (overrides "+config.EnvAudioBackend+")")
	envFile = flag.String("env", ".env", "Optional env file")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel)
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	fmt.Println()
	fmt.Println("🎙️  voicelink v" + version)
	fmt.Printf("   Backend:   %s\n", cfg.WSURL)
	if cfg.DashboardPort != "" {
		fmt.Printf("   Dashboard: http://localhost:%s\n", cfg.DashboardPort)
		app.dashboard.StartAsync(ctx)
	}
	fmt.Println()

	if err := app.session.Connect(ctx); err != nil {
		// The transport keeps retrying on its own.
		logger.Warn("initial connect failed", "error", err)
	}

	return app.keys(ctx)
}

func loadConfig() (config.Config, error) {
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *backend != "" {
		cfg.AudioBackend = strings.ToLower(*backend)
	}
	switch *port {
	case "":
	case "off":
		cfg.DashboardPort = ""
	default:
		cfg.DashboardPort = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

// client holds the wired components.
type client struct {
	output    *device.Manager
	recorder  *capture.Pipeline
	player    *playback.Player
	channel   *transport.Channel
	session   *session.Reconciler
	dashboard *web.Server
	out       io.Writer
}

func build(cfg config.Config, logger *slog.Logger) (*client, error) {
	be, err := audioio.ParseBackend(cfg.AudioBackend)
	if err != nil {
		return nil, err
	}
	outputs, err := device.NewFactory(be)
	if err != nil {
		return nil, err
	}
	inputs, err := capture.NewInputFactory(be)
	if err != nil {
		return nil, err
	}

	c := &client{out: os.Stdout}
	c.output = device.NewManager(outputs,
		device.WithSampleRate(cfg.SampleRate),
		device.WithIdleSuspend(30*time.Second),
		device.WithLogger(logger),
	)
	c.recorder = capture.New(c.output, inputs,
		capture.WithTargetRate(cfg.SampleRate),
		capture.WithLogger(logger),
	)
	c.player = playback.New(c.output,
		playback.WithSampleRate(cfg.SampleRate),
		playback.WithLogger(logger),
	)

	c.channel, err = transport.New(cfg.WSURL, transport.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	c.session = session.New(c.channel, c.recorder, c.player,
		session.WithLogger(logger),
		session.WithSampleRate(cfg.SampleRate),
	)
	c.session.OnChange(c.printStatus())

	c.recorder.OnLevel(func(rms float64) {
		logger.Debug("mic level", "rms", fmt.Sprintf("%.4f", rms))
	})

	if cfg.DashboardPort != "" {
		c.dashboard = web.NewServer(c.session, cfg.DashboardPort, web.WithLogger(logger))
	}
	return c, nil
}

func (c *client) close() {
	c.session.Close()
	c.player.Close()
	c.channel.Close()
	c.output.Close()

	st := c.channel.Stats()
	fmt.Fprintf(c.out, "\r\n👋 Sent %d frames (%d bytes), received %d frames\r\n",
		st.FramesSent, st.BytesSent, st.FramesReceived)
}

// printStatus prints a line whenever the state or status text changes.
func (c *client) printStatus() func(session.Snapshot) {
	var (
		mu   sync.Mutex
		last session.Snapshot
	)
	return func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.State == last.State && s.Status == last.Status {
			return
		}
		last = s
		fmt.Fprintf(c.out, "\r[%s] %s\r\n", s.State, s.Status)
	}
}

// keys runs the push-to-talk loop until ctx is done or the user quits.
func (c *client) keys(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return c.lines(ctx)
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		return c.lines(ctx)
	}
	defer term.Restore(fd, old)

	fmt.Fprint(c.out, "space: talk/stop   s: stop playback   d: save reply   q: quit\r\n")

	keys := make(chan byte)
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				close(keys)
				return
			}
			keys <- buf[0]
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			switch k {
			case ' ':
				c.toggle(ctx)
			case 's':
				c.session.StopPlayback()
			case 'd':
				c.save()
			case 'q', 3: // 3 is Ctrl-C in raw mode
				return nil
			}
		}
	}
}

// lines is the fallback when stdin is not a terminal: Enter toggles
// recording and the other commands are typed as words.
func (c *client) lines(ctx context.Context) error {
	fmt.Fprintln(c.out, "enter: talk/stop   stop: stop playback   save: save reply   quit: quit")

	input := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			input <- strings.TrimSpace(sc.Text())
		}
		close(input)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-input:
			if !ok {
				<-ctx.Done()
				return nil
			}
			switch line {
			case "":
				c.toggle(ctx)
			case "s", "stop":
				c.session.StopPlayback()
			case "d", "save":
				c.save()
			case "q", "quit":
				return nil
			}
		}
	}
}

func (c *client) toggle(ctx context.Context) {
	if c.session.State() == session.StateListening {
		c.session.StopRecording()
		return
	}
	if err := c.session.StartRecording(ctx); err != nil {
		fmt.Fprintf(c.out, "\r⚠️  %v\r\n", err)
	}
}

func (c *client) save() {
	d, err := c.session.Download()
	if err != nil {
		fmt.Fprintf(c.out, "\r⚠️  %v\r\n", err)
		return
	}
	if err := os.WriteFile(d.Name, d.Data, 0o644); err != nil {
		fmt.Fprintf(c.out, "\r⚠️  save failed: %v\r\n", err)
		return
	}
	fmt.Fprintf(c.out, "\r💾 Saved %s (%d bytes)\r\n", d.Name, len(d.Data))
}
