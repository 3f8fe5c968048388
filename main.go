package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/wildboar/smtpgate/internal/broker"
	"github.com/wildboar/smtpgate/internal/traceutil"
)

const applicationName = "smtpgate"

func main() {
	// load config as first thing
	cfg, err := loadConfig()
	if err != nil {
		slog.Default().Error("error loading config", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.versionInfo {
		fmt.Printf("%s %s\n", applicationName, version.Info())
		return
	}

	slog.Debug("config loaded", slog.String("version", version.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		slog.Error("error running smtpgate", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	logger := slog.Default()

	closeTracing, err := traceutil.Init(ctx, traceutil.Config{
		ServiceName: applicationName,
		Role:        "gateway",
	})
	if err != nil {
		return fmt.Errorf("could not initialize tracing: %w", err)
	}
	defer func() {
		if err := closeTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("could not flush traces", slog.Any("error", err))
		}
	}()

	m := newMetrics(reg)

	metricsSrv, err := handleMetrics(ctx, cfg.metricsListen, reg, gatherer)
	if err != nil {
		return fmt.Errorf("could not start metrics server: %w", err)
	}
	defer metricsSrv.Stop()

	conn, err := broker.Dial(cfg.queueURL())
	if err != nil {
		return err
	}
	defer conn.Close()

	gw, err := newGateway(ctx, cfg, m, func() (broker.Channel, error) {
		return conn.Channel()
	})
	if err != nil {
		return err
	}
	defer gw.close()

	if cfg.rateLimitEnabled {
		rl := newRateLimiter(cfg.rateLimitConnectionsPerMinute, cfg.rateLimitBurst)
		rl.start(ctx)

		gw.server.ConnectionChecker = connectionChecker(cfg.allowedNets, rl, m)
	} else if len(cfg.allowedNets) > 0 {
		gw.server.ConnectionChecker = connectionChecker(cfg.allowedNets, nil, m)
	}

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", cfg.listenAddr())
	if err != nil {
		return fmt.Errorf("could not listen on address %q: %w", cfg.listenAddr(), err)
	}

	return gw.serve(ctx, ln)
}
