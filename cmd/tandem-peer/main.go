// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tandem/coordinator"
	"github.com/bureau-foundation/tandem/lib/config"
	"github.com/bureau-foundation/tandem/lib/process"
	"github.com/bureau-foundation/tandem/lib/version"
	signaling "github.com/bureau-foundation/tandem/signal"
	"github.com/bureau-foundation/tandem/transport"
)

// shutdownTimeout bounds how long HTTP servers get to drain on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("tandem-peer", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $TANDEM_CONFIG)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("tandem-peer")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting tandem-peer",
		"version", version.Info(),
		"environment", cfg.Environment,
		"role", cfg.Coordinator.Role,
	)
	return serve(ctx, cfg, logger)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tandem-peer runs one side of a two-peer stream session.

Usage:
  tandem-peer [flags]

Examples:
  # Listen for the other peer, using $TANDEM_CONFIG
  tandem-peer

  # Dial the other peer with an explicit config
  tandem-peer --config dialer.yaml --verbose

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// serve runs the peer until ctx is done, the remote peer closes the
// session, or the signaling channel fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	role, err := coordinator.ParseRole(cfg.Coordinator.Role)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := coordinator.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		serveHTTP(ctx, group, &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}, logger)
		logger.Info("serving metrics", "address", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	}

	channel, err := openSignaling(ctx, group, cfg, logger)
	if err != nil {
		cancel()
		return errors.Join(err, group.Wait())
	}

	adaptor := transport.NewAdaptor(transport.Config{
		ICE:           transport.NewICEConfig(iceServers(cfg.ICE.Servers)),
		GatherTimeout: cfg.GatherTimeout(),
		Logger:        logger.With("component", "transport"),
	})

	// Sends outlive ctx so the closed notification still reaches the
	// peer during shutdown.
	session, err := coordinator.New(coordinator.Config{
		Adaptor:         adaptor,
		Send:            signaling.Sender(context.WithoutCancel(ctx), channel, logger),
		Role:            role,
		ExchangeTimeout: cfg.ExchangeTimeout(),
		Logger:          logger.With("component", "coordinator"),
		Metrics:         metrics,
	})
	if err != nil {
		channel.Close()
		return err
	}
	session.Subscribe(func(event coordinator.Event) {
		logEvent(logger, event)
		if event.Type == coordinator.EventClosed {
			cancel()
		}
	})

	group.Go(func() error {
		return pumpSignaling(ctx, cancel, channel, session.Write, logger)
	})
	group.Go(func() error {
		<-ctx.Done()
		session.Close(map[string]string{"reason": "shutdown"})
		if err := channel.Close(); err != nil {
			logger.Debug("closing signaling channel", "error", err)
		}
		return nil
	})

	session.Open()

	if cfg.Media.Audio {
		if err := addSilentAudio(ctx, group, session, logger); err != nil {
			cancel()
			return errors.Join(err, group.Wait())
		}
	}

	return group.Wait()
}

// pumpSignaling feeds the channel into write until it ends, then calls
// stop. The session cannot outlive its signaling channel, including
// when the peer hangs up cleanly without sending closed.
func pumpSignaling(ctx context.Context, stop context.CancelFunc, channel signaling.Channel, write func(string), logger *slog.Logger) error {
	defer stop()
	err := signaling.Pump(ctx, channel, write)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("signaling: %w", err)
	}
	if ctx.Err() == nil {
		logger.Info("signaling channel closed by peer")
	}
	return nil
}

// openSignaling dials the peer or waits for it to connect, depending
// on which of signaling.connect and signaling.listen is set.
func openSignaling(ctx context.Context, group *errgroup.Group, cfg *config.Config, logger *slog.Logger) (signaling.Channel, error) {
	if cfg.Signaling.Connect != "" {
		logger.Info("dialing peer", "url", cfg.Signaling.Connect)
		channel, err := signaling.Dial(ctx, cfg.Signaling.Connect, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", cfg.Signaling.Connect, err)
		}
		return channel, nil
	}

	listener := signaling.NewListener(logger.With("component", "signaling"))
	mux := http.NewServeMux()
	mux.Handle(cfg.Signaling.Path, listener)
	serveHTTP(ctx, group, &http.Server{Addr: cfg.Signaling.Listen, Handler: mux}, logger)
	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	logger.Info("waiting for peer", "address", cfg.Signaling.Listen, "path", cfg.Signaling.Path)
	channel, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accepting peer: %w", err)
	}
	// One session per process: later peers are turned away.
	listener.Close()
	return channel, nil
}

// serveHTTP runs server in group and shuts it down when ctx is done.
func serveHTTP(ctx context.Context, group *errgroup.Group, server *http.Server, logger *slog.Logger) {
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", server.Addr, err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "address", server.Addr, "error", err)
		}
		return nil
	})
}

// addSilentAudio adds a stream carrying one Opus track of silence.
func addSilentAudio(ctx context.Context, group *errgroup.Group, session *coordinator.Coordinator, logger *slog.Logger) error {
	streamID := coordinator.NewStreamID()
	track, err := transport.NewAudioTrack("audio", streamID)
	if err != nil {
		return fmt.Errorf("creating audio track: %w", err)
	}
	stream := transport.NewLocalStream(streamID, track)

	group.Go(func() error {
		if err := transport.WriteSilence(ctx, track); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("writing audio: %w", err)
		}
		return nil
	})

	operation := session.AddStream(stream, map[string]string{"kind": "audio"})
	group.Go(func() error {
		if err := operation.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Warn("audio stream rejected", "stream", streamID, "error", err)
			}
			return nil
		}
		logger.Info("audio stream added", "stream", streamID)
		return nil
	})
	return nil
}

func iceServers(servers []config.ICEServer) []transport.ICEServer {
	converted := make([]transport.ICEServer, 0, len(servers))
	for _, server := range servers {
		converted = append(converted, transport.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return converted
}

func logEvent(logger *slog.Logger, event coordinator.Event) {
	attributes := []any{"event", event.Type.String()}
	if event.StreamID != "" {
		attributes = append(attributes, "stream", event.StreamID)
	}
	if len(event.Meta) > 0 {
		attributes = append(attributes, "meta", string(event.Meta))
	}
	if event.Type == coordinator.EventClosed {
		attributes = append(attributes, "remote", event.Remote)
	}
	if len(event.Reason) > 0 {
		attributes = append(attributes, "reason", string(event.Reason))
	}
	logger.Info("session event", attributes...)
}
