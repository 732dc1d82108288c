package run

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/engine/docker"
	"github.com/wsforge/wsforge/internal/workspace/meta"
)

// Status is the observer's reconciled view of a user's run.
type Status struct {
	State      State    `json:"state"`
	AppID      int64    `json:"appId,omitempty"`
	Type       TaskType `json:"type,omitempty"`
	PID        *int64   `json:"pid,omitempty"`
	PreviewURL string   `json:"previewUrl,omitempty"`
	LogPath    string   `json:"logPath,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Observer computes the run state from the durable meta plus live probes
// inside the container. It never mutates anything.
type Observer struct {
	wcfg    config.WorkspaceConfig
	rcfg    config.RunConfig
	preview config.PreviewConfig
	runtime ContainerRuntime
	store   *meta.Store
	logger  *logger.Logger
}

// NewObserver creates an observer.
func NewObserver(wcfg config.WorkspaceConfig, rcfg config.RunConfig, preview config.PreviewConfig, runtime ContainerRuntime, store *meta.Store, log *logger.Logger) *Observer {
	return &Observer{
		wcfg:    wcfg,
		rcfg:    rcfg,
		preview: preview,
		runtime: runtime,
		store:   store,
		logger:  log,
	}
}

// Observe returns the current run status for a user. Probes run inside
// the container; an unreachable engine yields UNKNOWN rather than an
// error so pollers keep polling.
func (o *Observer) Observe(ctx context.Context, userID int64) (*Status, error) {
	paths := Paths{UserDir: o.store.UserDir(userID)}
	current, _, err := ReadMeta(paths)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &Status{State: StateIdle}, nil
	}

	st := &Status{
		AppID:   current.AppID,
		Type:    current.Type,
		PID:     current.PID,
		LogPath: o.logPath(current),
	}

	containerName := o.store.ContainerName(userID)
	containerStatus, err := o.runtime.Status(ctx, containerName)
	if err != nil {
		st.State = StateUnknown
		st.Message = "container engine unreachable"
		return st, nil
	}
	if containerStatus != docker.StatusRunning {
		st.State = StateDead
		st.Message = "container is " + strings.ToLower(containerStatus)
		return st, nil
	}

	if current.PID == nil {
		o.observeNullPid(current, st)
		return st, nil
	}

	if current.Type.LongRunning() {
		o.observeLong(ctx, containerName, userID, current, ReadPidFile(paths), st)
	} else {
		o.observeFinite(ctx, containerName, current, st)
	}
	return st, nil
}

// observeNullPid handles the window between launch and the inner script
// recording its pid.
func (o *Observer) observeNullPid(current *Meta, st *Status) {
	elapsed := time.Since(time.Unix(current.StartedAt, 0))
	if elapsed >= time.Duration(o.rcfg.StartTimeoutSec)*time.Second {
		st.State = StateDead
		st.Message = "start timeout: task never recorded a pid"
		return
	}
	switch current.Type {
	case TaskBuild, TaskInstall:
		if current.ExitCode != nil {
			setFinished(st, *current.ExitCode)
			return
		}
		st.State = current.Type.InitialState()
	default:
		st.State = StateStarting
	}
}

func (o *Observer) observeFinite(ctx context.Context, containerName string, current *Meta, st *Status) {
	res := o.runtime.Exec(ctx, containerName, probeFiniteScript(*current.PID), probeTimeout)
	if !res.Ok() {
		st.State = StateUnknown
		st.Message = "liveness probe failed"
		return
	}
	if docker.LastNonEmptyLine(res.Output) == "alive" {
		st.State = current.Type.InitialState()
		return
	}
	if current.ExitCode != nil {
		setFinished(st, *current.ExitCode)
		return
	}
	st.State = StateUnknown
	st.Message = "task process gone without recording an exit code"
}

func (o *Observer) observeLong(ctx context.Context, containerName string, userID int64, current *Meta, launcherPgid int64, st *Status) {
	res := o.runtime.Exec(ctx, containerName, probeLongScript(*current.PID, o.wcfg.ContainerPort), probeTimeout)
	if !res.Ok() {
		st.State = StateUnknown
		st.Message = "liveness probe failed"
		return
	}
	alive, portOpen, listenerPgid := parseLongProbe(docker.LastNonEmptyLine(res.Output))

	switch {
	case alive && portOpen:
		st.State = StateRunning
		st.PreviewURL = PreviewURL(o.preview, userID)
		// The recorded pid is the backgrounded child, but every process
		// in the run shares the detached launcher's process group, so
		// the holder is only foreign when it matches neither.
		if listenerPgid != 0 && listenerPgid != *current.PID && listenerPgid != launcherPgid {
			st.Message = fmt.Sprintf("a stale process group %d may own port %d", listenerPgid, o.wcfg.ContainerPort)
		}
	case alive:
		st.State = StateStarting
	default:
		st.State = StateDead
		if current.ExitCode != nil {
			st.Message = fmt.Sprintf("task exited with code %d", *current.ExitCode)
		} else {
			st.Message = "task process is gone"
		}
	}
}

func setFinished(st *Status, exitCode int) {
	if exitCode == 0 {
		st.State = StateSuccess
		return
	}
	st.State = StateFailed
	st.Message = fmt.Sprintf("task exited with code %d", exitCode)
}

// logPath prefers the path recorded in the meta; older records without
// one fall back to the legacy dev.log location.
func (o *Observer) logPath(current *Meta) string {
	if current.LogPath != "" {
		return current.LogPath
	}
	return ContainerRunDir + "/" + LegacyDevLog
}

// parseLongProbe decodes "alive=<0|1> port=<0|1> lpgid=<n>".
func parseLongProbe(line string) (alive, portOpen bool, listenerPgid int64) {
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "alive":
			alive = value == "1"
		case "port":
			portOpen = value == "1"
		case "lpgid":
			listenerPgid, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	return alive, portOpen, listenerPgid
}

// PreviewURL composes the externally reachable URL for a user's dev
// server: <baseUrl><pathPrefix>/<userId>/.
func PreviewURL(preview config.PreviewConfig, userID int64) string {
	base := strings.TrimRight(preview.BaseURL, "/")
	prefix := strings.Trim(preview.PathPrefix, "/")
	if prefix != "" {
		prefix = "/" + prefix
	}
	return fmt.Sprintf("%s%s/%d/", base, prefix, userID)
}
