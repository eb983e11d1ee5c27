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

	"github.com/peerdrop/relay/internal/config"
	"github.com/peerdrop/relay/internal/httpserver"
	"github.com/peerdrop/relay/internal/metrics"
	"github.com/peerdrop/relay/internal/relay"
	"github.com/peerdrop/relay/internal/rtcconfig"
	"github.com/peerdrop/relay/internal/signaling"
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

	rtcBuilder, err := rtcconfig.NewBuilder(rtcconfig.Options{
		ICEServers:     cfg.ICEServers,
		STUNServer:     cfg.STUNServer,
		TURNMode:       cfg.TURNMode,
		TURNServer:     cfg.TURNServer,
		TURNUsername:   cfg.TURNUsername,
		TURNCredential: cfg.TURNCredential,
		TURNSecret:     cfg.TURNSecret,
		TURNTTL:        cfg.TURNTTL,
	})
	if err != nil {
		logger.Error("failed to configure ice servers", "err", err)
		os.Exit(2)
	}

	logger.Info("starting peerdrop-relay",
		"listen_addr", cfg.ListenAddr(),
		"behind_proxy", cfg.BehindProxy,
		"max_clients", cfg.MaxClients,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"client_idle_timeout", cfg.ClientIdleTimeout,
		"allowed_origins", len(cfg.AllowedOrigins),
		"turn_mode", cfg.TURNMode,
		"turn_server_set", cfg.TURNServer != "",
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg.ListenAddr(), logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	mgr := relay.NewManager(relay.Config{
		MaxClients:          cfg.MaxClients,
		ClientIdleTimeout:   cfg.ClientIdleTimeout,
		BrokenSweepInterval: cfg.BrokenSweepInterval,
		PingInterval:        cfg.PingInterval,
		IdleSweepInterval:   cfg.IdleSweepInterval,
		WelcomeMaxSize:      cfg.MaxMessageBytes,
		NoticeText:          cfg.NoticeText,
		NoticeURL:           cfg.NoticeURL,
	}, logger, m, nil, rtcBuilder)

	sig := signaling.NewServer(signaling.Options{
		Manager:              mgr,
		Logger:               logger,
		Metrics:              m,
		BehindProxy:          cfg.BehindProxy,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		AllowedOrigins:       cfg.AllowedOrigins,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", m.Handler())

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go mgr.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
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
	stopSweeps()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
