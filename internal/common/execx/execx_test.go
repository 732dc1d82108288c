package execx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wsforge/wsforge/internal/common/logger"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(logger.Default())
}

func TestRunCapturesOutput(t *testing.T) {
	r := testRunner(t)

	res := r.Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "echo hello; echo world >&2"},
		Timeout: 5 * time.Second,
	})
	if !res.Ok() {
		t.Fatalf("exit code = %d, want 0 (output %q)", res.ExitCode, res.Output)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "world") {
		t.Errorf("output = %q, want stdout and stderr merged", res.Output)
	}
}

func TestRunExitCode(t *testing.T) {
	r := testRunner(t)

	res := r.Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "exit 7"},
		Timeout: 5 * time.Second,
	})
	if res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
	if res.Ok() {
		t.Error("Ok() = true for non-zero exit")
	}
}

func TestRunStdin(t *testing.T) {
	r := testRunner(t)

	res := r.Run(context.Background(), Spec{
		Argv:    []string{"cat"},
		Stdin:   "piped input",
		Timeout: 5 * time.Second,
	})
	if !res.Ok() {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Output != "piped input" {
		t.Errorf("output = %q, want %q", res.Output, "piped input")
	}
}

func TestRunTimeout(t *testing.T) {
	r := testRunner(t)

	start := time.Now()
	res := r.Run(context.Background(), Spec{
		Argv:    []string{"sleep", "30"},
		Timeout: 200 * time.Millisecond,
	})
	if res.ExitCode != ExitCodeTimeout {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitCodeTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout kill took %v", elapsed)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := testRunner(t)

	res := r.Run(context.Background(), Spec{
		Argv:    []string{"/nonexistent/binary-xyz"},
		Timeout: time.Second,
	})
	if res.ExitCode == 0 {
		t.Error("exit code = 0 for spawn failure")
	}
	if res.Output == "" {
		t.Error("output empty, want the spawn error")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	r := testRunner(t)

	res := r.Run(context.Background(), Spec{})
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestRunOutputTruncated(t *testing.T) {
	r := testRunner(t)

	res := r.Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "head -c 100000 /dev/zero | tr '\\0' 'x'"},
		Timeout: 10 * time.Second,
	})
	if !res.Ok() {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if len(res.Output) > MaxCapturedOutput+len(truncationMarker) {
		t.Errorf("output length = %d, want <= %d", len(res.Output), MaxCapturedOutput+len(truncationMarker))
	}
	if !strings.HasSuffix(res.Output, truncationMarker) {
		t.Error("output missing truncation marker")
	}
}

func TestBoundedWriter(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		writes    []string
		want      string
		truncated bool
	}{
		{"under limit", 10, []string{"abc", "def"}, "abcdef", false},
		{"exact limit", 6, []string{"abc", "def"}, "abcdef", false},
		{"over limit", 4, []string{"abc", "def"}, "abcd", true},
		{"after full", 3, []string{"abc", "x"}, "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewBoundedWriter(tt.limit)
			for _, s := range tt.writes {
				if _, err := w.Write([]byte(s)); err != nil {
					t.Fatalf("Write: %v", err)
				}
			}
			want := tt.want
			if tt.truncated {
				want += truncationMarker
			}
			if got := w.String(); got != want {
				t.Errorf("String() = %q, want %q", got, want)
			}
		})
	}
}
