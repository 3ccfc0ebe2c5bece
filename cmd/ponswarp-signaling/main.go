package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/DeclanJeon/ponswarp-signaling/internal/config"
	"github.com/DeclanJeon/ponswarp-signaling/internal/httpserver"
	"github.com/DeclanJeon/ponswarp-signaling/internal/metrics"
	"github.com/DeclanJeon/ponswarp-signaling/internal/rooms"
	"github.com/DeclanJeon/ponswarp-signaling/internal/signaling"
	"github.com/DeclanJeon/ponswarp-signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting ponswarp-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_room_size", cfg.MaxRoomSize,
		"room_timeout", cfg.RoomTimeout,
		"room_sweep_interval", cfg.RoomSweepInterval,
		"turn_enabled", cfg.Turn.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	registry := rooms.NewRegistry(cfg.MaxRoomSize, m, nil)

	var turnGen *turnrest.Generator
	if cfg.Turn.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.Turn.SharedSecret,
			TTLSeconds:     cfg.Turn.CredentialTTL,
			UsernamePrefix: cfg.Turn.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN credentials", "err", err)
			os.Exit(2)
		}
	}
	turnServers := turnrest.ServerSet{
		Host:          cfg.Turn.ServerHost,
		EnableUDP:     cfg.Turn.EnableUDP,
		EnableTCP:     cfg.Turn.EnableTCP,
		EnableTLS:     cfg.Turn.EnableTLS,
		UDPPort:       cfg.Turn.UDPPort,
		TCPPort:       cfg.Turn.TCPPort,
		TLSPort:       cfg.Turn.TLSPort,
		FallbackHosts: cfg.Turn.FallbackHosts,
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime))

	router := signaling.NewRouter(logger, registry, m, turnGen, turnServers, nil)
	ws := signaling.NewServer(signaling.Config{
		IdleTimeout:       cfg.WSIdleTimeout,
		PingInterval:      cfg.WSPingInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: int64(cfg.MaxMessagesPerSecond),
		SendQueueBytes:    cfg.SendQueueBytes,
	}, registry, router, m, srv.CheckWSOrigin, logger)

	srv.Mux().Handle("GET /ws", ws)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		runRoomJanitor(registry, cfg.RoomTimeout, cfg.RoomSweepInterval, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		stopRoomJanitor()
		<-janitorDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopRoomJanitor()
	<-janitorDone

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

var janitorQuit = make(chan struct{})

func stopRoomJanitor() {
	select {
	case <-janitorQuit:
	default:
		close(janitorQuit)
	}
}

// runRoomJanitor periodically deletes rooms older than maxAge. Members of a
// swept room are not notified; their next operation observes the room as gone.
func runRoomJanitor(registry *rooms.Registry, maxAge, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-janitorQuit:
			return
		case <-ticker.C:
			if swept := registry.SweepStale(maxAge); swept > 0 {
				logger.Info("swept stale rooms", "count", swept, "max_age", maxAge)
			}
		}
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
