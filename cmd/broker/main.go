package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/taskbroker/internal/audit"
	"github.com/basket/taskbroker/internal/broker"
	"github.com/basket/taskbroker/internal/config"
	"github.com/basket/taskbroker/internal/httpapi"
	otelPkg "github.com/basket/taskbroker/internal/otel"
	"github.com/basket/taskbroker/internal/queue"
	"github.com/basket/taskbroker/internal/reaper"
	"github.com/basket/taskbroker/internal/retention"
	"github.com/basket/taskbroker/internal/store"
	"github.com/basket/taskbroker/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	st, err := store.Open(cfg.StoreURL, cfg.StoreDeadline)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		fatalStartup(logger, "E_STORE_PING", err)
	}
	logger.Info("startup phase", "phase", "store_connected")

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	repo := broker.NewRepository(st, cfg.StreamTrimThreshold, logger, otelProvider.Tracer, metrics)
	q := queue.NewQueue(st, repo, cfg.LeaseMS, logger, otelProvider.Tracer, metrics)
	validator, err := broker.NewInputValidator()
	if err != nil {
		fatalStartup(logger, "E_VALIDATOR_INIT", err)
	}

	reclaimed, err := q.RequeueLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "reclaimed_leases", reclaimed)

	lr := reaper.New(q, cfg.LeaseMS, logger)
	lr.Start(ctx)
	defer lr.Stop()

	retentionSched, err := retention.New(retention.Config{
		Repo:     repo,
		Store:    st,
		Logger:   logger,
		CronExpr: cfg.RetentionCronExpr,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	if retentionSched != nil {
		retentionSched.Start(ctx)
		defer retentionSched.Stop()
	}

	if cfg.InternalToken == "" {
		logger.Warn("INTERNAL_TOKEN is unset; internal worker endpoints are unauthenticated (development only)")
	}

	srv := httpapi.New(httpapi.Config{
		Repo:                 repo,
		Queue:                q,
		Validator:            validator,
		Logger:               logger,
		InternalToken:        cfg.InternalToken,
		SessionCookieName:    cfg.SessionCookieName,
		QueueBlockSeconds:    cfg.QueueBlockSeconds,
		WorkerMaxConcurrency: cfg.WorkerMaxConcurrency,
		Tracer:               otelProvider.Tracer,
		Metrics:              metrics,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("broker listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("broker server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.startup", "fatal", "", "", fmt.Sprintf("%s: %s", reasonCode, message))

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"broker","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
