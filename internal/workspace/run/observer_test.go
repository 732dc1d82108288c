package run

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/execx"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/engine/docker"
	"github.com/wsforge/wsforge/internal/workspace/meta"
)

type observerFixture struct {
	observer *Observer
	runtime  *fakeRuntime
	paths    Paths
}

func newObserverFixture(t *testing.T) *observerFixture {
	t.Helper()
	wcfg := config.WorkspaceConfig{
		Root:            t.TempDir(),
		Image:           "node:20-bookworm-slim",
		ContainerPrefix: "ws-user-",
		ContainerPort:   5173,
		PortBase:        43000,
		PortScan:        100,
	}
	rcfg := config.RunConfig{StartTimeoutSec: 120, LogKeepPerType: 3}
	preview := config.PreviewConfig{BaseURL: "https://preview.example.com", PathPrefix: "/ws"}
	rt := &fakeRuntime{status: docker.StatusRunning}
	store := meta.NewStore(wcfg, logger.Default())
	return &observerFixture{
		observer: NewObserver(wcfg, rcfg, preview, rt, store, logger.Default()),
		runtime:  rt,
		paths:    Paths{UserDir: store.UserDir(7)},
	}
}

func (f *observerFixture) seedMeta(t *testing.T, m *Meta) {
	t.Helper()
	if err := WriteMeta(f.paths, m, 0, true); err != nil {
		t.Fatal(err)
	}
}

func TestObserveNoMeta(t *testing.T) {
	f := newObserverFixture(t)

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateIdle {
		t.Errorf("state = %s, want IDLE", st.State)
	}
	if len(f.runtime.scripts) != 0 {
		t.Error("idle observation must not probe the container")
	}
}

func TestObserveEngineUnreachable(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, StartedAt: time.Now().Unix()})
	f.runtime.statusErr = errors.New("dial unix: connection refused")

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateUnknown {
		t.Errorf("state = %s, want UNKNOWN", st.State)
	}
	if st.Message == "" {
		t.Error("message empty")
	}
}

func TestObserveContainerDown(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, StartedAt: time.Now().Unix()})
	f.runtime.status = "EXITED"

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateDead {
		t.Errorf("state = %s, want DEAD", st.State)
	}
	if !strings.Contains(st.Message, "exited") {
		t.Errorf("message = %q, want the container status", st.Message)
	}
}

func TestObserveNullPid(t *testing.T) {
	tests := []struct {
		name string
		meta Meta
		want State
	}{
		{"dev starting", Meta{AppID: 9, Type: TaskDev, StartedAt: time.Now().Unix()}, StateStarting},
		{"build in flight", Meta{AppID: 9, Type: TaskBuild, StartedAt: time.Now().Unix()}, StateBuilding},
		{"install in flight", Meta{AppID: 9, Type: TaskInstall, StartedAt: time.Now().Unix()}, StateInstalling},
		{"build finished clean", Meta{AppID: 9, Type: TaskBuild, StartedAt: time.Now().Unix(), ExitCode: intp(0)}, StateSuccess},
		{"build finished dirty", Meta{AppID: 9, Type: TaskBuild, StartedAt: time.Now().Unix(), ExitCode: intp(1)}, StateFailed},
		{"start timeout", Meta{AppID: 9, Type: TaskDev, StartedAt: time.Now().Add(-10 * time.Minute).Unix()}, StateDead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newObserverFixture(t)
			f.seedMeta(t, &tt.meta)

			st, err := f.observer.Observe(context.Background(), 7)
			if err != nil {
				t.Fatalf("Observe: %v", err)
			}
			if st.State != tt.want {
				t.Errorf("state = %s, want %s", st.State, tt.want)
			}
			if len(f.runtime.scripts) != 0 {
				t.Error("null-pid observation must not probe")
			}
		})
	}
}

func TestObserveFinite(t *testing.T) {
	tests := []struct {
		name     string
		probe    string
		exitCode *int
		want     State
	}{
		{"still building", "alive", nil, StateBuilding},
		{"finished clean", "dead", intp(0), StateSuccess},
		{"finished dirty", "dead", intp(2), StateFailed},
		{"vanished", "dead", nil, StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newObserverFixture(t)
			f.seedMeta(t, &Meta{
				AppID:     9,
				Type:      TaskBuild,
				PID:       int64p(4242),
				StartedAt: time.Now().Unix(),
				ExitCode:  tt.exitCode,
			})
			f.runtime.execFn = func(script string) execx.Result {
				return execx.Result{Output: tt.probe + "\n"}
			}

			st, err := f.observer.Observe(context.Background(), 7)
			if err != nil {
				t.Fatalf("Observe: %v", err)
			}
			if st.State != tt.want {
				t.Errorf("state = %s, want %s", st.State, tt.want)
			}
		})
	}
}

func TestObserveLongRunning(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, PID: int64p(4242), StartedAt: time.Now().Unix()})
	f.runtime.execFn = func(script string) execx.Result {
		return execx.Result{Output: "alive=1 port=1 lpgid=4242\n"}
	}

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateRunning {
		t.Errorf("state = %s, want RUNNING", st.State)
	}
	if st.PreviewURL != "https://preview.example.com/ws/7/" {
		t.Errorf("previewUrl = %q", st.PreviewURL)
	}
	if st.Message != "" {
		t.Errorf("message = %q, want none for the owning pgid", st.Message)
	}
}

func TestObserveLongListenerInLauncherGroup(t *testing.T) {
	// The dev server often listens from the detached launcher's process
	// group rather than from the recorded child pid. That is the run's
	// own group, not a stale holder.
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, PID: int64p(30180), StartedAt: time.Now().Unix()})
	if err := os.MkdirAll(f.paths.RunDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.paths.PidFile(), []byte("30178\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.runtime.execFn = func(script string) execx.Result {
		return execx.Result{Output: "alive=1 port=1 lpgid=30178\n"}
	}

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateRunning {
		t.Errorf("state = %s, want RUNNING", st.State)
	}
	if st.Message != "" {
		t.Errorf("message = %q, want none when the holder is the launcher group", st.Message)
	}
}

func TestObserveLongStaleListener(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, PID: int64p(4242), StartedAt: time.Now().Unix()})
	f.runtime.execFn = func(script string) execx.Result {
		return execx.Result{Output: "alive=1 port=1 lpgid=9999\n"}
	}

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateRunning {
		t.Errorf("state = %s, want RUNNING", st.State)
	}
	if !strings.Contains(st.Message, "9999") {
		t.Errorf("message = %q, want the stale pgid", st.Message)
	}
}

func TestObserveLongStillStarting(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, PID: int64p(4242), StartedAt: time.Now().Unix()})
	f.runtime.execFn = func(script string) execx.Result {
		return execx.Result{Output: "alive=1 port=0 lpgid=0\n"}
	}

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateStarting {
		t.Errorf("state = %s, want STARTING", st.State)
	}
	if st.PreviewURL != "" {
		t.Error("previewUrl set before the port opened")
	}
}

func TestObserveLongDead(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{
		AppID:     9,
		Type:      TaskDev,
		PID:       int64p(4242),
		StartedAt: time.Now().Unix(),
		ExitCode:  intp(137),
	})
	f.runtime.execFn = func(script string) execx.Result {
		return execx.Result{Output: "alive=0 port=0 lpgid=0\n"}
	}

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.State != StateDead {
		t.Errorf("state = %s, want DEAD", st.State)
	}
	if !strings.Contains(st.Message, "137") {
		t.Errorf("message = %q, want the exit code", st.Message)
	}
}

func TestObserveLogPathFallback(t *testing.T) {
	f := newObserverFixture(t)
	f.seedMeta(t, &Meta{AppID: 9, Type: TaskDev, StartedAt: time.Now().Unix()})

	st, err := f.observer.Observe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.LogPath != ContainerRunDir+"/"+LegacyDevLog {
		t.Errorf("logPath = %q, want the legacy fallback", st.LogPath)
	}
}

func TestParseLongProbe(t *testing.T) {
	tests := []struct {
		line  string
		alive bool
		port  bool
		lpgid int64
	}{
		{"alive=1 port=1 lpgid=4242", true, true, 4242},
		{"alive=1 port=0 lpgid=0", true, false, 0},
		{"alive=0 port=0 lpgid=0", false, false, 0},
		{"", false, false, 0},
		{"garbage", false, false, 0},
	}
	for _, tt := range tests {
		alive, port, lpgid := parseLongProbe(tt.line)
		if alive != tt.alive || port != tt.port || lpgid != tt.lpgid {
			t.Errorf("parseLongProbe(%q) = (%v, %v, %d), want (%v, %v, %d)",
				tt.line, alive, port, lpgid, tt.alive, tt.port, tt.lpgid)
		}
	}
}

func TestPreviewURL(t *testing.T) {
	tests := []struct {
		base   string
		prefix string
		want   string
	}{
		{"https://preview.example.com", "/ws", "https://preview.example.com/ws/7/"},
		{"https://preview.example.com/", "ws/", "https://preview.example.com/ws/7/"},
		{"http://localhost:8080", "", "http://localhost:8080/7/"},
	}
	for _, tt := range tests {
		cfg := config.PreviewConfig{BaseURL: tt.base, PathPrefix: tt.prefix}
		if got := PreviewURL(cfg, 7); got != tt.want {
			t.Errorf("PreviewURL(%q, %q) = %q, want %q", tt.base, tt.prefix, got, tt.want)
		}
	}
}
