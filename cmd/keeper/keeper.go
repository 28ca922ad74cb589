package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/CZERTAINLY/Keeper/internal/artifact"
	"github.com/CZERTAINLY/Keeper/internal/log"
	"github.com/CZERTAINLY/Keeper/internal/metrics"
	"github.com/CZERTAINLY/Keeper/internal/service"
	"github.com/CZERTAINLY/Keeper/internal/smoke"
)

const (
	defaultIterations = smoke.DefaultIterations
	shutdownTimeout   = 5 * time.Second
)

var (
	flagSmoke       bool
	flagIterations  int
	flagMetricsAddr string
)

func doRun(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("keeper",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	m := metrics.New()
	addr := config.Service.MetricsAddr
	if flagMetricsAddr != "" {
		addr = flagMetricsAddr
	}
	srv := serveMetrics(ctx, addr, m)

	sup := service.NewSupervisor(ctx, config, service.WithMetrics(m))

	var wg sync.WaitGroup
	sup.SetListener(service.ListenerFunc(func(client *redis.Client) {
		// the listener runs on the log consumer, keep it short
		wg.Go(func() {
			useClient(ctx, client)
		})
	}))
	sup.Start()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "keeper stopping")
			sup.Close()
			wg.Wait()
			return shutdownMetrics(ctx, srv)
		case <-hup:
			slog.InfoContext(ctx, "SIGHUP received: restarting redis")
			sup.Restart()
		}
	}
}

func doPrepare(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("keeper",
		slog.String("cmd", "prepare"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	sup := service.NewSupervisor(ctx, config)
	sup.Prepare()
	// Close runs after the prepare command
	sup.Close()

	if !artifact.New(config.Artifacts.Source, config.Artifacts.Dir).Exists() {
		return fmt.Errorf("artifact directory %s not prepared", config.Artifacts.Dir)
	}
	slog.InfoContext(ctx, "artifacts ready", "dir", config.Artifacts.Dir)
	return nil
}

// useClient checks the connection and optionally runs the stream benchmark.
// The client is closed afterwards, a restarted redis hands out a new one.
func useClient(ctx context.Context, client *redis.Client) {
	defer func() {
		_ = client.Close()
	}()

	addr := client.Options().Addr
	if err := client.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "redis ping failed", "addr", addr, "error", err)
		return
	}
	slog.InfoContext(ctx, "redis client available", "addr", addr)

	if !flagSmoke {
		return
	}
	// smoke.Run logs the report
	if _, err := smoke.Run(ctx, client, flagIterations); err != nil {
		slog.ErrorContext(ctx, "smoke test failed", "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping metrics server: %w", err)
	}
	return nil
}
