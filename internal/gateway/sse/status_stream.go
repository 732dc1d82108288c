// Package sse streams run status to clients over Server-Sent Events.
package sse

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/workspace/activity"
	"github.com/wsforge/wsforge/internal/workspace/run"
)

// Loop cadence. The tick is fixed-delay: a slow probe stretches the
// interval instead of piling ticks up behind it.
const (
	tickDelay         = 2 * time.Second
	keepAliveInterval = 25 * time.Second
	touchInterval     = 30 * time.Second
)

// StatusSource produces the run status for a user. *run.Observer
// satisfies it.
type StatusSource interface {
	Observe(ctx context.Context, userID int64) (*run.Status, error)
}

// StatusStreamer serves the SSE status endpoint.
type StatusStreamer struct {
	observer StatusSource
	tracker  *activity.Tracker
	logger   *logger.Logger
}

// NewStatusStreamer creates a streamer.
func NewStatusStreamer(observer StatusSource, tracker *activity.Tracker, log *logger.Logger) *StatusStreamer {
	return &StatusStreamer{observer: observer, tracker: tracker, logger: log}
}

// Stream handles one SSE connection. Status events are hash-gated: a
// tick only emits when the observed status changed since the last one.
func (s *StatusStreamer) Stream(c *gin.Context, userID int64) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	s.tracker.Touch(userID)
	s.logger.Debug("SSE status stream opened", zap.Int64("user_id", userID))

	ctx := c.Request.Context()
	var lastHash [32]byte
	lastSend := time.Now()
	lastTouch := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE status stream closed", zap.Int64("user_id", userID))
			return
		case <-time.After(tickDelay):
		}

		if time.Since(lastTouch) >= touchInterval {
			s.tracker.Touch(userID)
			lastTouch = time.Now()
		}

		status, err := s.observer.Observe(ctx, userID)
		if err != nil {
			s.logger.Warn("SSE status probe failed",
				zap.Int64("user_id", userID), zap.Error(err))
			writeEvent(c, "error", map[string]string{"message": "status unavailable"})
			return
		}

		payload, err := json.Marshal(status)
		if err != nil {
			s.logger.Error("SSE status marshal failed", zap.Error(err))
			return
		}

		hash := sha256.Sum256(payload)
		if hash != lastHash {
			if !writeRaw(c, "event: status\ndata: "+string(payload)+"\n\n") {
				return
			}
			lastHash = hash
			lastSend = time.Now()
			continue
		}

		if time.Since(lastSend) >= keepAliveInterval {
			// Comment line, invisible to the EventSource API.
			if !writeRaw(c, ": keep-alive\n\n") {
				return
			}
			lastSend = time.Now()
		}
	}
}

func writeEvent(c *gin.Context, event string, data interface{}) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return writeRaw(c, fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}

func writeRaw(c *gin.Context, chunk string) bool {
	if _, err := c.Writer.WriteString(chunk); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
