package run

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/config"
	apperrors "github.com/wsforge/wsforge/internal/common/errors"
	"github.com/wsforge/wsforge/internal/common/execx"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/engine/docker"
	"github.com/wsforge/wsforge/internal/events/bus"
	"github.com/wsforge/wsforge/internal/workspace/meta"
)

// ContainerRuntime is the slice of the container engine the run engine
// needs. *docker.Client satisfies it.
type ContainerRuntime interface {
	Status(ctx context.Context, name string) (string, error)
	Exec(ctx context.Context, name, script string, timeout time.Duration) execx.Result
}

// launchTimeout bounds the launcher exec. The launcher detaches the task
// and returns immediately, so this only covers mutex check plus fork.
const launchTimeout = 60 * time.Second

const stopTimeout = 30 * time.Second

// Engine launches and tears down managed tasks. One task per user at a
// time; the on-disk pid file is the cross-process guard, the per-user
// mutex the in-process one.
type Engine struct {
	wcfg    config.WorkspaceConfig
	rcfg    config.RunConfig
	runtime ContainerRuntime
	store   *meta.Store
	bus     bus.EventBus
	logger  *logger.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewEngine creates a run engine.
func NewEngine(wcfg config.WorkspaceConfig, rcfg config.RunConfig, runtime ContainerRuntime, store *meta.Store, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		wcfg:    wcfg,
		rcfg:    rcfg,
		runtime: runtime,
		store:   store,
		bus:     eventBus,
		logger:  log,
		locks:   make(map[int64]*sync.Mutex),
	}
}

func (e *Engine) userLock(userID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// Paths returns the host-side run layout for a user.
func (e *Engine) Paths(userID int64) Paths {
	return Paths{UserDir: e.store.UserDir(userID)}
}

// LaunchResult is the outcome of a Launch call.
type LaunchResult struct {
	State          State  `json:"state"`
	AlreadyRunning bool   `json:"alreadyRunning"`
	LogPath        string `json:"logPath,omitempty"` // container-side
}

// Launch starts a task for the user's app. The container must already be
// running; callers ensure the workspace first. Returns AlreadyRunning
// when the pid-file mutex is held by a live process.
func (e *Engine) Launch(ctx context.Context, userID, appID int64, taskType TaskType) (*LaunchResult, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	paths := e.Paths(userID)

	// Pre-run validation never creates apps/<appId>; a typoed id must
	// not leave a garbage directory behind.
	project, err := FindProject(paths.AppDir(appID))
	if err != nil {
		if apperrors.IsPreconditionMissing(err) {
			return nil, apperrors.PreconditionMissing(
				fmt.Sprintf("app %d has no project to run; create the app and push its files first", appID))
		}
		return nil, err
	}

	params := scriptParams{
		UserID:        userID,
		AppID:         appID,
		Type:          taskType,
		ProjectDir:    project.ContainerDir(appID),
		ContainerPort: e.wcfg.ContainerPort,
		CacheMode:     strings.ToUpper(e.rcfg.NpmCacheMode),
		CacheCapMB:    e.rcfg.NpmCacheCapMB,
		Registry:      e.rcfg.NpmRegistry,
	}
	switch taskType {
	case TaskDev:
		devCmd, ok := project.Pkg.Scripts["dev"]
		if !ok {
			return nil, apperrors.PreconditionMissing("package.json has no dev script")
		}
		params.ViteDev = IsViteCommand(devCmd)
	case TaskStart:
		plan, err := PlanStart(project.Pkg)
		if err != nil {
			return nil, err
		}
		params.Start = plan
	}

	containerName := e.store.ContainerName(userID)
	status, err := e.runtime.Status(ctx, containerName)
	if err != nil {
		return nil, err
	}
	if status != docker.StatusRunning {
		return nil, apperrors.StateConflict("workspace container is not running")
	}

	logName := LogFileName(taskType, appID, time.Now())
	params.LogPath = ContainerLogPath(logName)

	PruneLogs(paths, e.rcfg.LogKeepPerType)

	if err := os.MkdirAll(paths.RunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(paths.InnerScriptFile(), []byte(innerScript(params)), 0o755); err != nil {
		return nil, fmt.Errorf("write task script: %w", err)
	}

	res := e.runtime.Exec(ctx, containerName, launcherScript(params), launchTimeout)
	if res.ExitCode == ExitCodeAlreadyRunning {
		e.logger.Info("Launch refused, run already active",
			zap.Int64("user_id", userID), zap.Int64("app_id", appID))
		return &LaunchResult{AlreadyRunning: true}, nil
	}
	if !res.Ok() {
		return nil, apperrors.SubprocessFailure("task launch failed", res.Output)
	}

	line := docker.LastNonEmptyLine(res.Output)
	state, ok := strings.CutPrefix(line, launchedPrefix)
	if !ok {
		return nil, apperrors.SubprocessFailure("task launcher produced no launch marker", res.Output)
	}

	e.logger.Info("Task launched",
		zap.Int64("user_id", userID),
		zap.Int64("app_id", appID),
		zap.String("type", string(taskType)),
		zap.String("state", state),
	)
	e.publishState(ctx, userID, appID, taskType, State(state))

	return &LaunchResult{State: State(state), LogPath: params.LogPath}, nil
}

// StopRun terminates the user's current task and clears its durable
// signature. Idempotent: no run, or a stopped container, is not an error.
func (e *Engine) StopRun(ctx context.Context, userID int64) error {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return e.stopLocked(ctx, userID)
}

func (e *Engine) stopLocked(ctx context.Context, userID int64) error {
	paths := e.Paths(userID)
	current, _, err := ReadMeta(paths)
	if err != nil {
		return err
	}

	containerName := e.store.ContainerName(userID)
	status, err := e.runtime.Status(ctx, containerName)
	if err != nil {
		return err
	}

	if status == docker.StatusRunning {
		res := e.runtime.Exec(ctx, containerName, stopScript(), stopTimeout)
		if !res.Ok() {
			e.logger.Warn("In-container stop script failed",
				zap.Int64("user_id", userID),
				zap.Int("exit_code", res.ExitCode),
				zap.String("output", res.Output),
			)
		}
	}

	// The script removes the container-side files through the mount; this
	// covers the stopped-container path and is harmless otherwise.
	if err := RemoveMeta(paths); err != nil {
		return err
	}

	if current != nil {
		e.logger.Info("Run stopped",
			zap.Int64("user_id", userID),
			zap.Int64("app_id", current.AppID),
			zap.String("type", string(current.Type)),
		)
		e.publishState(ctx, userID, current.AppID, current.Type, StateIdle)
	}
	return nil
}

// StopRunForIdle stops the user's run if one is recorded. Returns whether
// a stop was actually issued, so the reaper can log precisely.
func (e *Engine) StopRunForIdle(ctx context.Context, userID int64) (bool, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	current, _, err := ReadMeta(e.Paths(userID))
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	if err := e.stopLocked(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupApp removes the run signature and logs belonging to one app,
// part of the app-deletion hook. The current run is only stopped when it
// belongs to the app being removed.
func (e *Engine) CleanupApp(ctx context.Context, userID, appID int64) error {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	paths := e.Paths(userID)
	current, _, err := ReadMeta(paths)
	if err != nil {
		return err
	}
	if current != nil && current.AppID == appID {
		if err := e.stopLocked(ctx, userID); err != nil {
			return err
		}
	}
	PruneLogsForApp(paths, appID)
	return nil
}

// OverwriteMeta force-writes the run record, bypassing the optimistic
// stamp check. Used by operators to repair a wedged record.
func (e *Engine) OverwriteMeta(userID int64, m *Meta) error {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return WriteMeta(e.Paths(userID), m, 0, true)
}

func (e *Engine) publishState(ctx context.Context, userID, appID int64, taskType TaskType, state State) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent("run.state", "workspace-agent", map[string]interface{}{
		"userId": userID,
		"appId":  appID,
		"type":   string(taskType),
		"state":  string(state),
	})
	if err := e.bus.Publish(ctx, bus.SubjectRunState, event); err != nil {
		e.logger.Warn("Failed to publish run state event", zap.Error(err))
	}
}
