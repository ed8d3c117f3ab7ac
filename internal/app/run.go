package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Run starts the application and blocks until a shutdown signal is
// received.
func (a *App) Run(ctx context.Context) error {
	if err := a.metricsServer.Start(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- a.consumer.Run(ctx)
	}()

	go a.sweepOutcomes(ctx)

	logrus.Info("application started successfully")

	select {
	case <-ctx.Done():
		logrus.Info("shutdown signal received")
	case err := <-consumerDone:
		if err != nil {
			logrus.Errorf("kafka consumer stopped: %v", err)
		}
	}

	return a.Shutdown(context.Background())
}

// sweepOutcomes periodically resolves intervention records whose
// follow-up window elapsed without the trigger clearing.
func (a *App) sweepOutcomes(ctx context.Context) {
	interval := a.pipelineConfig.Intervention.SweepInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.orchestrator.ResolveOutcomes(ctx, time.Now()); err != nil {
				logrus.Warnf("outcome sweep failed: %v", err)
			}
		}
	}
}

// Shutdown gracefully shuts down all application components in reverse
// dependency order: stop ingest, drain the workers and in-flight
// dispatches, then close connections and flush telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	logrus.Info("shutting down application...")

	if err := a.consumer.Close(); err != nil {
		logrus.Errorf("kafka consumer close error: %v", err)
	}

	a.pool.Stop()
	a.orchestrator.Drain()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("metrics server shutdown error: %v", err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			logrus.Errorf("Redis close error: %v", err)
		}
	}

	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(shutdownCtx); err != nil {
			logrus.Errorf("telemetry shutdown error: %v", err)
		}
	}

	logrus.Info("application shutdown complete")
	return nil
}
