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

	"github.com/joho/godotenv"

	"github.com/tabcast/signaling-server/internal/config"
	"github.com/tabcast/signaling-server/internal/httpserver"
	"github.com/tabcast/signaling-server/internal/metrics"
	"github.com/tabcast/signaling-server/internal/room"
	"github.com/tabcast/signaling-server/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is fine; explicit env vars and flags always win.
	_ = godotenv.Load()

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

	logger.Info("starting signaling-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"cors_origin", cfg.CORSOrigin,
		"max_viewers_per_room", cfg.MaxViewersPerRoom,
		"sweep_interval", cfg.SweepInterval,
		"room_idle_threshold", cfg.RoomIdleThreshold,
		"heartbeat_timeout", cfg.HeartbeatTimeout,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)

	m := metrics.New()
	registry := room.NewRegistry(nil)
	m.RegisterActiveRooms(func() float64 { return float64(registry.Len()) })

	sweeper := room.NewSweeper(registry, cfg.SweepInterval, cfg.RoomIdleThreshold)
	sweeper.OnSweep = func(removed int) {
		m.RoomsSwept.Add(float64(removed))
		logger.Info("idle rooms swept", "removed", removed)
	}
	sweeper.Start()
	defer sweeper.Stop()

	sig := signaling.NewServer(signaling.Config{
		Registry: registry,
		Metrics:  m,
		Logger:   logger,

		MaxViewersPerRoom: cfg.MaxViewersPerRoom,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,

		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		AllowedOrigin:        cfg.CORSOrigin,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", m.Handler())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
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
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
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
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
