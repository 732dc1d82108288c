// Package reaper stops runs and containers whose users have gone idle.
// Idle age comes from the activity tracker's monotonic timestamps, so a
// wall-clock jump never reaps a busy user.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/workspace/activity"
)

// RunStopper stops a user's managed run without ensuring the container.
type RunStopper interface {
	StopRunForIdle(ctx context.Context, userID int64) (bool, error)
}

// ContainerStopper stops a user's container when it is running.
type ContainerStopper interface {
	StopContainerForIdle(ctx context.Context, userID int64) (bool, error)
}

// Reaper periodically sweeps the activity tracker and applies the two
// idle thresholds. A threshold of zero disables that action.
type Reaper struct {
	cfg        config.IdleConfig
	tracker    *activity.Tracker
	runs       RunStopper
	containers ContainerStopper
	logger     *logger.Logger
}

// New creates a reaper.
func New(cfg config.IdleConfig, tracker *activity.Tracker, runs RunStopper, containers ContainerStopper, log *logger.Logger) *Reaper {
	return &Reaper{
		cfg:        cfg,
		tracker:    tracker,
		runs:       runs,
		containers: containers,
		logger:     log,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	interval := time.Duration(r.cfg.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Idle reaper started",
		zap.Duration("interval", interval),
		zap.Duration("stop_run_after", r.cfg.StopRunAfter()),
		zap.Duration("stop_container_after", r.cfg.StopContainerAfter()),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Idle reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep applies the idle thresholds to every tracked user once. All
// per-user failures are logged and swallowed; one wedged user must not
// shield the rest from reaping.
func (r *Reaper) Sweep(ctx context.Context) {
	stopRunAfter := r.cfg.StopRunAfter()
	stopContainerAfter := r.cfg.StopContainerAfter()
	if stopRunAfter == 0 && stopContainerAfter == 0 {
		return
	}

	for userID, idle := range r.tracker.Snapshot() {
		if stopRunAfter != 0 && idle >= stopRunAfter {
			stopped, err := r.runs.StopRunForIdle(ctx, userID)
			if err != nil {
				r.logger.Warn("Idle run stop failed",
					zap.Int64("user_id", userID), zap.Error(err))
			} else if stopped {
				r.logger.Info("Stopped idle run",
					zap.Int64("user_id", userID),
					zap.Duration("idle", idle),
				)
			}
		}

		if stopContainerAfter != 0 && idle >= stopContainerAfter {
			stopped, err := r.containers.StopContainerForIdle(ctx, userID)
			if err != nil {
				r.logger.Warn("Idle container stop failed",
					zap.Int64("user_id", userID), zap.Error(err))
				continue
			}
			if stopped {
				r.logger.Info("Stopped idle container",
					zap.Int64("user_id", userID),
					zap.Duration("idle", idle),
				)
			}
			// Once the container is down there is nothing left to reap
			// for this user until they come back.
			r.tracker.Forget(userID)
		}
	}
}
