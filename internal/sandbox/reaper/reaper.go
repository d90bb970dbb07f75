// Package reaper reclaims idle sandbox capacity. Running sandboxes idle past
// the idle timeout are paused; paused sandboxes past the hibernation limit
// are terminated.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/common/config"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events"
	"github.com/codepod-dev/codepod/internal/events/bus"
	"github.com/codepod-dev/codepod/internal/sandbox/lifecycle"
	"github.com/codepod-dev/codepod/internal/sandbox/store"
)

// Reaper periodically sweeps sandbox records and drives idle ones down the
// lifecycle. A failure on one sandbox never stops the sweep.
type Reaper struct {
	store          store.Store
	manager        *lifecycle.Manager
	bus            bus.EventBus
	logger         *logger.Logger
	interval       time.Duration
	idleTimeout    time.Duration
	maxHibernation time.Duration
}

// New creates a reaper from config thresholds.
func New(st store.Store, m *lifecycle.Manager, eventBus bus.EventBus, cfg config.ReaperConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		store:          st,
		manager:        m,
		bus:            eventBus,
		logger:         log,
		interval:       cfg.Interval(),
		idleTimeout:    cfg.IdleTimeout(),
		maxHibernation: cfg.MaxHibernation(),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("idle_timeout", r.idleTimeout),
		zap.Duration("max_hibernation", r.maxHibernation))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := r.TriggerCleanup(ctx); err != nil {
				r.logger.WithError(err).Error("reaper sweep failed")
			}
		}
	}
}

// TriggerCleanup runs one sweep immediately and returns how many sandboxes
// were paused and terminated.
func (r *Reaper) TriggerCleanup(ctx context.Context) (paused, terminated int, err error) {
	now := time.Now().UTC()

	idle, err := r.store.ListByStateOlderThan(ctx, store.StateRunning, now.Add(-r.idleTimeout))
	if err != nil {
		return 0, 0, err
	}
	for _, sb := range idle {
		if err := r.manager.Pause(ctx, sb.ID); err != nil {
			r.logger.WithSandboxID(sb.ID).WithError(err).Warn("failed to pause idle sandbox")
			continue
		}
		paused++
	}

	expired, err := r.store.ListByStateOlderThan(ctx, store.StatePaused, now.Add(-r.maxHibernation))
	if err != nil {
		return paused, 0, err
	}
	for _, sb := range expired {
		if err := r.manager.Terminate(ctx, sb.ID); err != nil {
			r.logger.WithSandboxID(sb.ID).WithError(err).Warn("failed to terminate hibernated sandbox")
			continue
		}
		terminated++
	}

	if paused > 0 || terminated > 0 {
		r.logger.Info("reaper sweep complete",
			zap.Int("paused", paused),
			zap.Int("terminated", terminated))
		event := bus.NewEvent(events.TypeReaperSweep, events.Source, map[string]any{
			"paused":     paused,
			"terminated": terminated,
		})
		if pubErr := r.bus.Publish(ctx, events.SubjectReaperSweep, event); pubErr != nil {
			r.logger.WithError(pubErr).Warn("failed to publish sweep event")
		}
	}

	return paused, terminated, nil
}
