package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/workspace/activity"
	"github.com/wsforge/wsforge/internal/workspace/meta"
)

type lookupFixture struct {
	handler *Handler
	tracker *activity.Tracker
	port    int
}

func newLookupFixture(t *testing.T, preview config.PreviewConfig) *lookupFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := meta.NewStore(config.WorkspaceConfig{
		Root:            t.TempDir(),
		ContainerPrefix: "ws-user-",
		ContainerPort:   5173,
		PortBase:        43200,
		PortScan:        100,
	}, logger.Default())
	m, err := store.Ensure(7, "node:20-bookworm-slim")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	tracker := activity.NewTracker()
	handler := NewHandler(nil, nil, nil, nil, tracker, store, preview, logger.Default())
	return &lookupFixture{handler: handler, tracker: tracker, port: m.HostPort}
}

func (f *lookupFixture) lookup(target, remoteAddr, headerToken string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	c.Request.RemoteAddr = remoteAddr
	if headerToken != "" {
		c.Request.Header.Set(HeaderGatewayToken, headerToken)
	}
	f.handler.LookupPort(c)
	c.Writer.WriteHeaderNow()
	return w
}

func TestLookupPortHeaderToken(t *testing.T) {
	f := newLookupFixture(t, config.PreviewConfig{GatewayToken: "gw-secret"})

	w := f.lookup(PortLookupPath+"?userId=7", "10.0.0.5:40000", "gw-secret")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get(HeaderPort); got != strconv.Itoa(f.port) {
		t.Errorf("%s = %q, want %d", HeaderPort, got, f.port)
	}
	if _, known := f.tracker.IdleFor(7); !known {
		t.Error("lookup did not count as activity")
	}
}

func TestLookupPortQueryToken(t *testing.T) {
	f := newLookupFixture(t, config.PreviewConfig{GatewayToken: "gw-secret"})

	w := f.lookup(PortLookupPath+"?userId=7&token=gw-secret", "10.0.0.5:40000", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want the query token accepted", w.Code)
	}
}

func TestLookupPortBadToken(t *testing.T) {
	f := newLookupFixture(t, config.PreviewConfig{GatewayToken: "gw-secret"})

	if w := f.lookup(PortLookupPath+"?userId=7", "10.0.0.5:40000", "wrong"); w.Code != http.StatusForbidden {
		t.Errorf("header status = %d, want 403", w.Code)
	}
	if w := f.lookup(PortLookupPath+"?userId=7&token=wrong", "10.0.0.5:40000", ""); w.Code != http.StatusForbidden {
		t.Errorf("query status = %d, want 403", w.Code)
	}
}

func TestLookupPortLoopbackWithoutToken(t *testing.T) {
	f := newLookupFixture(t, config.PreviewConfig{GatewayToken: "gw-secret"})

	if w := f.lookup(PortLookupPath+"?userId=7", "127.0.0.1:40000", ""); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want loopback to pass without a token", w.Code)
	}
}

func TestLookupPortUnknownUser(t *testing.T) {
	f := newLookupFixture(t, config.PreviewConfig{})

	if w := f.lookup(PortLookupPath+"?userId=99", "127.0.0.1:40000", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unknown user", w.Code)
	}
}

func TestLookupPortBadUserID(t *testing.T) {
	f := newLookupFixture(t, config.PreviewConfig{})

	if w := f.lookup(PortLookupPath+"?userId=abc", "127.0.0.1:40000", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
