// Package websocket provides the interactive terminal channel into a
// user's workspace container.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/execx"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/engine/docker"
	"github.com/wsforge/wsforge/internal/workspace/activity"
	"github.com/wsforge/wsforge/internal/workspace/meta"
	"github.com/wsforge/wsforge/internal/workspace/run"
)

// TerminalRuntime is the slice of the container engine the terminal
// needs. *docker.Client satisfies it.
type TerminalRuntime interface {
	Status(ctx context.Context, name string) (string, error)
	Exec(ctx context.Context, name, script string, timeout time.Duration) execx.Result
	ExecInteractive(ctx context.Context, name string, cmd []string) (*docker.InteractiveExec, error)
	ExecInspect(ctx context.Context, execID string) (running bool, exitCode int, err error)
}

// Message is the JSON envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ExecRequest starts a cancellable command in the app directory.
type ExecRequest struct {
	AppID   int64  `json:"appId"`
	Command string `json:"command"`
}

// ResizeRequest is acknowledged but a no-op without a PTY.
type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// pgidMarkerPrefix is emitted by the exec wrapper before the command so
// the handler learns the process group it may have to kill.
const pgidMarkerPrefix = "__WS_PGID:"

const cancelTimeout = 10 * time.Second

// TerminalHandler upgrades connections and runs terminal sessions.
type TerminalHandler struct {
	runtime TerminalRuntime
	store   *meta.Store
	tracker *activity.Tracker
	logger  *logger.Logger
}

// NewTerminalHandler creates a terminal handler.
func NewTerminalHandler(runtime TerminalRuntime, store *meta.Store, tracker *activity.Tracker, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		runtime: runtime,
		store:   store,
		tracker: tracker,
		logger:  log.WithFields(zap.String("component", "terminal_handler")),
	}
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Non-browser clients without an Origin pass.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := r.Host
	if colon := strings.LastIndex(host, ":"); colon != -1 {
		if !strings.Contains(host, "]") || colon > strings.Index(host, "]") {
			host = host[:colon]
		}
	}
	return originURL.Hostname() == host
}

// Handle upgrades the request and runs the session until either side
// closes.
func (h *TerminalHandler) Handle(c *gin.Context, userID int64) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	session := &terminalSession{
		handler: h,
		userID:  userID,
		conn:    conn,
		logger:  h.logger.WithFields(zap.Int64("user_id", userID)),
	}
	session.run(c.Request.Context())
}

// terminalSession owns one WebSocket connection, its interactive shell
// and at most one cancellable exec job.
type terminalSession struct {
	handler *TerminalHandler
	userID  int64
	conn    *gorillaws.Conn
	logger  *logger.Logger

	writeMu sync.Mutex
	shell   *docker.InteractiveExec

	jobMu   sync.Mutex
	job     *docker.InteractiveExec
	jobPgid int64
}

func (s *terminalSession) send(msgType string, data interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload, err := json.Marshal(gin.H{"type": msgType, "data": data})
	if err != nil {
		return
	}
	if err := s.conn.WriteMessage(gorillaws.TextMessage, payload); err != nil {
		s.logger.Debug("WebSocket write failed", zap.Error(err))
	}
}

func (s *terminalSession) run(ctx context.Context) {
	defer s.conn.Close()

	containerName := s.handler.store.ContainerName(s.userID)
	status, err := s.handler.runtime.Status(ctx, containerName)
	if err != nil || status != docker.StatusRunning {
		s.send("error", gin.H{"message": "workspace container is not running"})
		return
	}

	shell, err := s.handler.runtime.ExecInteractive(ctx, containerName, []string{"bash", "-l"})
	if err != nil {
		s.send("error", gin.H{"message": "failed to start shell"})
		return
	}
	s.shell = shell
	defer shell.Close()
	defer s.cancelJob(context.WithoutCancel(ctx), containerName)

	s.handler.tracker.Touch(s.userID)
	s.send("ready", gin.H{"userId": s.userID})

	// Stdout pump: shell output flows out as stdout events until the
	// shell exits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = shell.DemuxTo(&eventWriter{session: s, event: "stdout"})
		s.send("exit", gin.H{})
	}()

	s.readLoop(ctx, containerName)
	<-done
}

func (s *terminalSession) readLoop(ctx context.Context, containerName string) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("WebSocket closed", zap.Error(err))
			return
		}
		s.handler.tracker.Touch(s.userID)

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send("error", gin.H{"message": "malformed message"})
			continue
		}

		switch msg.Type {
		case "stdin":
			var input string
			if err := json.Unmarshal(msg.Data, &input); err != nil {
				s.send("error", gin.H{"message": "stdin expects a string"})
				continue
			}
			if _, err := s.shell.Stdin.Write([]byte(input)); err != nil {
				s.send("error", gin.H{"message": "shell is gone"})
				return
			}

		case "exec":
			var req ExecRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.Command == "" {
				s.send("error", gin.H{"message": "exec expects appId and command"})
				continue
			}
			s.startJob(ctx, containerName, req)

		case "cancel":
			s.cancelJob(ctx, containerName)

		case "ctrl_c":
			s.handleCtrlC(ctx, containerName)

		case "resize":
			var req ResizeRequest
			_ = json.Unmarshal(msg.Data, &req)
			// No PTY is allocated, so there is nothing to resize.
			s.send("resize", req)

		case "close":
			return

		default:
			s.send("error", gin.H{"message": fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

// startJob launches a cancellable exec in the app directory. The wrapper
// runs under setsid and prints its pgid first, so cancel can signal the
// whole group.
func (s *terminalSession) startJob(ctx context.Context, containerName string, req ExecRequest) {
	s.jobMu.Lock()
	if s.job != nil {
		s.jobMu.Unlock()
		s.send("error", gin.H{"message": "an exec job is already running"})
		return
	}
	s.jobMu.Unlock()

	appDir := fmt.Sprintf("%s/%d", run.ContainerAppsDir, req.AppID)
	script := fmt.Sprintf("echo %s$$; cd %q && %s", pgidMarkerPrefix, appDir, req.Command)

	job, err := s.handler.runtime.ExecInteractive(ctx, containerName, []string{"setsid", "bash", "-lc", script})
	if err != nil {
		s.send("error", gin.H{"message": "failed to start exec job"})
		return
	}

	s.jobMu.Lock()
	s.job = job
	s.jobPgid = 0
	s.jobMu.Unlock()

	s.send("exec_start", gin.H{"appId": req.AppID, "command": req.Command})

	go func() {
		_ = job.DemuxTo(&jobWriter{session: s})

		exitCode := -1
		if _, code, err := s.handler.runtime.ExecInspect(context.WithoutCancel(ctx), job.ID); err == nil {
			exitCode = code
		}
		job.Close()

		s.jobMu.Lock()
		s.job = nil
		s.jobPgid = 0
		s.jobMu.Unlock()

		s.send("exec_exit", gin.H{"exitCode": exitCode})
	}()
}

// cancelJob kills the current exec job's process group, TERM then KILL.
func (s *terminalSession) cancelJob(ctx context.Context, containerName string) {
	s.jobMu.Lock()
	job := s.job
	pgid := s.jobPgid
	s.jobMu.Unlock()
	if job == nil {
		return
	}

	if pgid > 0 {
		script := fmt.Sprintf("kill -TERM -- -%d 2>/dev/null; sleep 1; kill -KILL -- -%d 2>/dev/null; true", pgid, pgid)
		res := s.handler.runtime.Exec(ctx, containerName, script, cancelTimeout)
		if !res.Ok() {
			s.logger.Warn("Exec job kill failed",
				zap.Int64("pgid", pgid), zap.String("output", res.Output))
		}
	}
	// Dropping the attach connection unblocks the output pump even when
	// the group kill missed.
	job.Close()
}

func (s *terminalSession) handleCtrlC(ctx context.Context, containerName string) {
	s.jobMu.Lock()
	hasJob := s.job != nil
	s.jobMu.Unlock()

	if hasJob {
		s.cancelJob(ctx, containerName)
	} else if s.shell != nil {
		// ETX to the shell; best-effort without a TTY.
		_, _ = s.shell.Stdin.Write([]byte{0x03})
	}
	s.send("ctrl_c", gin.H{})
}

// eventWriter forwards raw output chunks as events of a fixed type.
type eventWriter struct {
	session *terminalSession
	event   string
}

func (w *eventWriter) Write(p []byte) (int, error) {
	w.session.send(w.event, string(p))
	return len(p), nil
}

// jobWriter forwards exec job output, peeling the pgid marker off the
// first line instead of forwarding it.
type jobWriter struct {
	session *terminalSession
	scanned bool
	pending []byte
}

func (w *jobWriter) Write(p []byte) (int, error) {
	if w.scanned {
		w.session.send("exec_stdout", string(p))
		return len(p), nil
	}

	w.pending = append(w.pending, p...)
	idx := strings.IndexByte(string(w.pending), '\n')
	if idx == -1 {
		return len(p), nil
	}

	line := string(w.pending[:idx])
	rest := w.pending[idx+1:]
	w.scanned = true
	w.pending = nil

	if pgidStr, ok := strings.CutPrefix(strings.TrimSpace(line), pgidMarkerPrefix); ok {
		if pgid, err := strconv.ParseInt(pgidStr, 10, 64); err == nil {
			w.session.jobMu.Lock()
			if w.session.job != nil {
				w.session.jobPgid = pgid
			}
			w.session.jobMu.Unlock()
		}
	} else if line != "" {
		w.session.send("exec_stdout", line+"\n")
	}
	if len(rest) > 0 {
		w.session.send("exec_stdout", string(rest))
	}
	return len(p), nil
}
