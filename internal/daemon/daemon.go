// Package daemon drives the controller at the configured cadence.
// Ticks run from a single goroutine, so they can never overlap; the loop
// blocks until its context is cancelled.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/autouam/autouam/internal/config"
	"github.com/autouam/autouam/internal/controller"
)

// Daemon owns the periodic check loop.
type Daemon struct {
	ctrl   *controller.Controller
	cfg    *config.Config
	logger *zap.Logger
}

// New creates a Daemon around an already-constructed controller.
func New(ctrl *controller.Controller, cfg *config.Config, logger *zap.Logger) *Daemon {
	return &Daemon{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes ticks at the configured interval until ctx is cancelled.
// The first tick runs immediately. Each tick gets its own timeout so a slow
// remote call cannot push the loop past its cadence indefinitely.
func (d *Daemon) Run(ctx context.Context) {
	interval := d.cfg.Monitoring.CheckInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("Control loop running", zap.Duration("check_interval", interval))

	d.tick(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Control loop stopped")
			return
		case <-ticker.C:
			d.tick(ctx, interval)
		}
	}
}

func (d *Daemon) tick(ctx context.Context, timeout time.Duration) {
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := d.ctrl.CheckAndAct(tickCtx)
	switch {
	case result.Err != nil:
		d.logger.Warn("Tick failed",
			zap.String("reason", result.Reason),
			zap.Error(result.Err))
	case result.Action != controller.ActionNone:
		d.logger.Info("Tick completed",
			zap.String("action", result.Action.String()),
			zap.String("reason", result.Reason),
			zap.Float64("normalized_load", result.NormalizedLoad))
	default:
		d.logger.Debug("Tick completed",
			zap.String("reason", result.Reason),
			zap.Float64("normalized_load", result.NormalizedLoad))
	}
}
