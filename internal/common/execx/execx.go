// Package execx runs external host processes with a deadline and bounded
// captured output. It is the single process-spawning primitive for the
// agent; everything that shells out (mongosh, host tooling) goes through it.
package execx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/logger"
)

const (
	// MaxCapturedOutput caps merged stdout+stderr. Only error context
	// matters to callers; full output belongs in task log files.
	MaxCapturedOutput = 32 * 1024

	// ExitCodeTimeout is the synthesized exit code when the deadline fires,
	// matching the timeout(1) convention.
	ExitCodeTimeout = 124

	truncationMarker = "\n...[output truncated]"
	killGrace        = 2 * time.Second
)

// Spec describes a single process invocation.
type Spec struct {
	Argv    []string
	Stdin   string
	Timeout time.Duration
	Dir     string
	Env     []string // appended to the inherited environment
}

// Result holds the outcome of a process invocation.
type Result struct {
	ExitCode int
	Output   string // merged stdout+stderr, capped at MaxCapturedOutput
}

// Ok reports whether the process exited zero.
func (r Result) Ok() bool {
	return r.ExitCode == 0
}

// Runner executes external processes.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{logger: log.WithFields(zap.String("component", "execx"))}
}

// BoundedWriter collects writes up to a byte limit, dropping the tail and
// appending a truncation marker. Safe for concurrent writers.
type BoundedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *BoundedWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *BoundedWriter) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if b.truncated {
		s += truncationMarker
	}
	return s
}

// Run starts the process described by spec and waits for completion or
// timeout. On timeout the process group receives SIGTERM, then SIGKILL
// after a short grace, and the result carries ExitCodeTimeout. Spawn
// failures are reported as a non-zero exit with the error text in Output.
func (r *Runner) Run(ctx context.Context, spec Spec) Result {
	if len(spec.Argv) == 0 {
		return Result{ExitCode: -1, Output: "execx: empty argv"}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	// Own process group so a timeout kill reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := NewBoundedWriter(MaxCapturedOutput)
	cmd.Stdout = out
	cmd.Stderr = out
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Warn("failed to spawn process",
			zap.String("argv0", spec.Argv[0]),
			zap.Error(err))
		return Result{ExitCode: -1, Output: err.Error()}
	}

	// Wait on a background goroutine so the deadline path can kill the
	// process group while pipes keep draining into the bounded buffer.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case err := <-done:
		result := Result{ExitCode: exitCode(err), Output: out.String()}
		r.logger.Debug("process completed",
			zap.String("argv0", spec.Argv[0]),
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", time.Since(start)))
		return result
	case <-runCtx.Done():
		timedOut = true
	}

	if timedOut {
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			<-done
		}
		r.logger.Warn("process timed out",
			zap.String("argv0", spec.Argv[0]),
			zap.Duration("timeout", spec.Timeout))
	}

	return Result{ExitCode: ExitCodeTimeout, Output: out.String()}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// NewBoundedWriter returns a writer capturing up to limit bytes.
func NewBoundedWriter(limit int) *BoundedWriter {
	return &BoundedWriter{limit: limit}
}

var _ io.Writer = (*BoundedWriter)(nil)
