// Package heartbeat periodically announces this agent node on the event
// bus so the control plane can track which nodes are alive.
package heartbeat

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/events/bus"
	"github.com/wsforge/wsforge/internal/workspace/activity"
)

// Interval between heartbeats.
const Interval = 30 * time.Second

// Reporter publishes agent.heartbeat events.
type Reporter struct {
	bus     bus.EventBus
	tracker *activity.Tracker
	logger  *logger.Logger
	node    string
}

// New creates a reporter. The node name defaults to the hostname.
func New(eventBus bus.EventBus, tracker *activity.Tracker, log *logger.Logger) *Reporter {
	node, err := os.Hostname()
	if err != nil {
		node = "unknown"
	}
	return &Reporter{
		bus:     eventBus,
		tracker: tracker,
		logger:  log,
		node:    node,
	}
}

// Start publishes heartbeats until the context is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	event := bus.NewEvent("agent.heartbeat", "workspace-agent", map[string]interface{}{
		"node":         r.node,
		"trackedUsers": r.tracker.Count(),
	})
	if err := r.bus.Publish(ctx, bus.SubjectHeartbeat, event); err != nil {
		r.logger.Warn("Heartbeat publish failed", zap.Error(err))
	}
}
