package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/workspace/activity"
	"github.com/wsforge/wsforge/internal/workspace/run"
)

type fakeSource struct {
	status *run.Status
	err    error
}

func (f *fakeSource) Observe(ctx context.Context, userID int64) (*run.Status, error) {
	return f.status, f.err
}

func streamOnce(t *testing.T, source StatusSource, timeout time.Duration) (*httptest.ResponseRecorder, *activity.Tracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tracker := activity.NewTracker()
	streamer := NewStatusStreamer(source, tracker, logger.Default())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c.Request = httptest.NewRequest(http.MethodGet, "/runs/stream", nil).WithContext(ctx)

	streamer.Stream(c, 7)
	return w, tracker
}

func TestStreamEmitsStatusOnce(t *testing.T) {
	source := &fakeSource{status: &run.Status{State: run.StateRunning, AppID: 9}}
	w, tracker := streamOnce(t, source, 2500*time.Millisecond)

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}

	body := w.Body.String()
	if strings.Count(body, "event: status") != 1 {
		t.Errorf("want exactly one status event for an unchanged status:\n%s", body)
	}
	if !strings.Contains(body, `"state":"RUNNING"`) {
		t.Errorf("status payload missing:\n%s", body)
	}

	if _, known := tracker.IdleFor(7); !known {
		t.Error("stream did not touch the activity tracker")
	}
}

func TestStreamErrorEventAndClose(t *testing.T) {
	source := &fakeSource{err: errors.New("meta unreadable")}
	w, _ := streamOnce(t, source, 10*time.Second)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("want an error event before closing:\n%s", body)
	}
	if strings.Contains(body, "event: status") {
		t.Errorf("status emitted despite the probe error:\n%s", body)
	}
}
