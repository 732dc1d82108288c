package run

import (
	"os"
	"path/filepath"
	"testing"
)

func touchLog(t *testing.T, p Paths, name string) {
	t.Helper()
	if err := os.MkdirAll(p.RunDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.RunDir(), name), []byte("log"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func logExists(p Paths, name string) bool {
	_, err := os.Stat(filepath.Join(p.RunDir(), name))
	return err == nil
}

func TestPruneLogsKeepsNewestPerKind(t *testing.T) {
	p := testPaths(t)
	touchLog(t, p, "run-dev-1-100.log")
	touchLog(t, p, "run-dev-1-200.log")
	touchLog(t, p, "run-dev-2-300.log")
	touchLog(t, p, "run-build-1-100.log")
	touchLog(t, p, "run-build-1-200.log")

	removed := PruneLogs(p, 2)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if logExists(p, "run-dev-1-100.log") {
		t.Error("oldest dev log survived")
	}
	if !logExists(p, "run-dev-1-200.log") || !logExists(p, "run-dev-2-300.log") {
		t.Error("newest dev logs deleted")
	}
	if !logExists(p, "run-build-1-100.log") || !logExists(p, "run-build-1-200.log") {
		t.Error("build logs deleted despite being within the keep count")
	}
}

func TestPruneLogsIgnoresForeignFiles(t *testing.T) {
	p := testPaths(t)
	touchLog(t, p, "run-dev-1-100.log")
	touchLog(t, p, "dev.log")
	touchLog(t, p, "managed-start.sh")
	touchLog(t, p, "current.json")

	PruneLogs(p, 1)
	if !logExists(p, "dev.log") || !logExists(p, "managed-start.sh") || !logExists(p, "current.json") {
		t.Error("retention touched files outside the log name pattern")
	}
}

func TestPruneLogsForApp(t *testing.T) {
	p := testPaths(t)
	touchLog(t, p, "run-dev-7-100.log")
	touchLog(t, p, "run-build-7-200.log")
	touchLog(t, p, "run-dev-8-300.log")

	removed := PruneLogsForApp(p, 7)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if !logExists(p, "run-dev-8-300.log") {
		t.Error("other app's log deleted")
	}
}

func TestPruneOrphanLogs(t *testing.T) {
	p := testPaths(t)
	touchLog(t, p, "run-dev-7-100.log")
	touchLog(t, p, "run-install-9-200.log")

	live := func(appID int64) bool { return appID == 7 }
	removed := PruneOrphanLogs(p, live)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if !logExists(p, "run-dev-7-100.log") {
		t.Error("live app's log deleted")
	}
	if logExists(p, "run-install-9-200.log") {
		t.Error("orphan log survived")
	}
}

func TestPruneLogsMissingDir(t *testing.T) {
	p := Paths{UserDir: filepath.Join(t.TempDir(), "absent")}
	if removed := PruneLogs(p, 3); removed != 0 {
		t.Errorf("removed = %d, want 0 for missing dir", removed)
	}
}

func TestLogFileNamePattern(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"run-dev-7-1700000000000.log", true},
		{"run-install-12-5.log", true},
		{"run-test-7-1.log", false},
		{"run-dev-7.log", false},
		{"dev.log", false},
	}
	for _, tt := range tests {
		if got := logNamePattern.MatchString(tt.name); got != tt.want {
			t.Errorf("pattern match %q = %v, want %v", tt.name, got, tt.want)
		}
	}
}
