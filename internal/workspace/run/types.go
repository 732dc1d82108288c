// Package run implements the managed run engine and its observer: task
// launch inside the user's container, the on-disk run metadata that makes
// a run durable, and the reconciliation of that metadata with live
// process and TCP state.
package run

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TaskType is the kind of managed task.
type TaskType string

// Task kinds. DEV and START are long-running; BUILD and INSTALL are finite.
const (
	TaskDev     TaskType = "DEV"
	TaskStart   TaskType = "START"
	TaskBuild   TaskType = "BUILD"
	TaskInstall TaskType = "INSTALL"
)

// ParseTaskType normalizes a task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(strings.ToUpper(strings.TrimSpace(s))) {
	case TaskDev:
		return TaskDev, nil
	case TaskStart:
		return TaskStart, nil
	case TaskBuild:
		return TaskBuild, nil
	case TaskInstall:
		return TaskInstall, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// LongRunning reports whether the task keeps a server process alive.
func (t TaskType) LongRunning() bool {
	return t == TaskDev || t == TaskStart
}

// lower returns the task type as used in log file names.
func (t TaskType) lower() string {
	return strings.ToLower(string(t))
}

// State is the bounded run-state set exposed to clients.
type State string

// Observer states.
const (
	StateIdle       State = "IDLE"
	StateStarting   State = "STARTING"
	StateBuilding   State = "BUILDING"
	StateInstalling State = "INSTALLING"
	StateRunning    State = "RUNNING"
	StateSuccess    State = "SUCCESS"
	StateFailed     State = "FAILED"
	StateDead       State = "DEAD"
	StateUnknown    State = "UNKNOWN"
)

// InitialState is the state reported immediately after a successful launch.
func (t TaskType) InitialState() State {
	switch t {
	case TaskBuild:
		return StateBuilding
	case TaskInstall:
		return StateInstalling
	default:
		return StateStarting
	}
}

// Meta is the durable run record at run/current.json. At most one exists
// per user; if present it describes the single current task.
type Meta struct {
	AppID      int64    `json:"appId"`
	Type       TaskType `json:"type"`
	PID        *int64   `json:"pid"`
	StartedAt  int64    `json:"startedAt"` // epoch seconds
	FinishedAt *int64   `json:"finishedAt"`
	ExitCode   *int     `json:"exitCode"`
	LogPath    string   `json:"logPath"` // container-side path
}

// ExitCodeAlreadyRunning is the launcher's exit code when dev.pid holds a
// live process.
const ExitCodeAlreadyRunning = 42

// Container-side layout. The per-user host directories root/<uid>/apps and
// root/<uid>/run are bind-mounted at these fixed paths, so scripts never
// need host paths.
const (
	ContainerAppsDir = "/workspace/apps"
	ContainerRunDir  = "/workspace/run"
)

// Host-side run directory file names.
const (
	MetaFileName   = "current.json"
	PidFileName    = "dev.pid"
	InnerScript    = "managed-start.sh"
	LegacyDevLog   = "dev.log"
	shimDirName    = "bin"
	launchedPrefix = "LAUNCHED:"
)

// Paths resolves host-side run layout for a user directory.
type Paths struct {
	UserDir string
}

// RunDir returns root/<uid>/run.
func (p Paths) RunDir() string { return filepath.Join(p.UserDir, "run") }

// AppsDir returns root/<uid>/apps.
func (p Paths) AppsDir() string { return filepath.Join(p.UserDir, "apps") }

// AppDir returns root/<uid>/apps/<appId>.
func (p Paths) AppDir(appID int64) string {
	return filepath.Join(p.AppsDir(), fmt.Sprintf("%d", appID))
}

// MetaFile returns the current.json path.
func (p Paths) MetaFile() string { return filepath.Join(p.RunDir(), MetaFileName) }

// PidFile returns the dev.pid path.
func (p Paths) PidFile() string { return filepath.Join(p.RunDir(), PidFileName) }

// InnerScriptFile returns the managed-start.sh path.
func (p Paths) InnerScriptFile() string { return filepath.Join(p.RunDir(), InnerScript) }

// LogFileName builds the per-task log file name.
func LogFileName(taskType TaskType, appID int64, at time.Time) string {
	return fmt.Sprintf("run-%s-%d-%d.log", taskType.lower(), appID, at.UnixMilli())
}

// ContainerLogPath returns the container-side path of a log file name.
func ContainerLogPath(name string) string {
	return ContainerRunDir + "/" + name
}
