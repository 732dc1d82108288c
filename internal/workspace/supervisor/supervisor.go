// Package supervisor idempotently drives the per-user container to its
// desired state: host directories present, meta persisted, container
// running with the right image, mounts and network.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/engine/docker"
	"github.com/wsforge/wsforge/internal/workspace/meta"
	"github.com/wsforge/wsforge/internal/workspace/run"
)

// Runtime is the slice of the container engine the supervisor needs.
// *docker.Client satisfies it.
type Runtime interface {
	Inspect(ctx context.Context, name string) (*docker.Inspection, error)
	Status(ctx context.Context, name string) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Run(ctx context.Context, spec docker.RunSpec) error
	EnsureNetwork(ctx context.Context, name string) error
	ConnectNetwork(ctx context.Context, networkName, containerName string) error
	RegistryLogin(ctx context.Context, serverAddress, user, password string) error
}

// Supervisor brings per-user containers up and down.
type Supervisor struct {
	wcfg     config.WorkspaceConfig
	rcfg     config.RunConfig
	dcfg     config.DockerConfig
	registry config.RegistryConfig
	runtime  Runtime
	store    *meta.Store
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a supervisor.
func New(cfg *config.Config, runtime Runtime, store *meta.Store, log *logger.Logger) *Supervisor {
	return &Supervisor{
		wcfg:     cfg.Workspace,
		rcfg:     cfg.Run,
		dcfg:     cfg.Docker,
		registry: cfg.Registry,
		runtime:  runtime,
		store:    store,
		logger:   log,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (s *Supervisor) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Ensure brings the user's workspace container to RUNNING, creating or
// repairing whatever is missing. Idempotent; concurrent calls for the
// same user serialize.
func (s *Supervisor) Ensure(ctx context.Context, userID int64) (*meta.Meta, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// 1. Host directories the container will mount.
	paths := run.Paths{UserDir: s.store.UserDir(userID)}
	for _, dir := range []string{paths.AppsDir(), paths.RunDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
	}

	// 2. Retention runs on every ensure so logs never pile up unbounded.
	run.PruneLogs(paths, s.rcfg.LogKeepPerType)

	// 3. Meta carries the sticky host port and the persisted image.
	m, err := s.store.Ensure(userID, s.wcfg.Image)
	if err != nil {
		return nil, err
	}

	// 4. Best-effort registry login; a failure only matters at pull time.
	s.loginIfConfigured(ctx, m.Image)

	name := s.store.ContainerName(userID)
	ins, err := s.runtime.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}

	switch ins.Status {
	case docker.StatusRunning:
		// 5. A running container with drifted image or mounts is stale;
		// remove it and fall through to recreate.
		if !s.drifted(ins, m, paths) {
			if err := s.connectNetwork(ctx, name); err != nil {
				return nil, err
			}
			return m, nil
		}
		s.logger.Info("Workspace container drifted, recreating",
			zap.Int64("user_id", userID),
			zap.String("have_image", ins.Image),
			zap.String("want_image", m.Image),
		)
		if err := s.runtime.Remove(ctx, name); err != nil {
			return nil, err
		}

	case docker.StatusNotCreated:
		// fall through to create

	default:
		// 6. Created but not running: start wins, a start failure means
		// the container is wedged and gets replaced.
		if err := s.runtime.Start(ctx, name); err == nil {
			if err := s.connectNetwork(ctx, name); err != nil {
				return nil, err
			}
			return m, nil
		} else {
			s.logger.Warn("Start of existing container failed, removing",
				zap.Int64("user_id", userID), zap.Error(err))
			if err := s.runtime.Remove(ctx, name); err != nil {
				return nil, err
			}
		}
	}

	if err := s.create(ctx, userID, name, m, paths); err != nil {
		return nil, err
	}
	if err := s.connectNetwork(ctx, name); err != nil {
		return nil, err
	}

	s.logger.Info("Workspace container ensured",
		zap.Int64("user_id", userID),
		zap.String("container", name),
		zap.Int("host_port", m.HostPort),
	)
	return m, nil
}

// create runs a fresh container. A racing creation from a previous
// half-removed container surfaces as name-in-use; one remove-and-retry
// resolves it.
func (s *Supervisor) create(ctx context.Context, userID int64, name string, m *meta.Meta, paths run.Paths) error {
	if s.dcfg.Network != "" {
		if err := s.runtime.EnsureNetwork(ctx, s.dcfg.Network); err != nil {
			return err
		}
	}

	spec := docker.RunSpec{
		Name:          name,
		Image:         m.Image,
		Network:       s.dcfg.Network,
		HostPort:      m.HostPort,
		ContainerPort: m.ContainerPort,
		Mounts: []docker.MountSpec{
			{Source: paths.AppsDir(), Target: run.ContainerAppsDir},
			{Source: paths.RunDir(), Target: run.ContainerRunDir},
		},
		// 9. Endless sleep keeps minimal images alive without an init.
		Cmd: []string{"sh", "-c", "while true; do sleep 3600; done"},
	}

	err := s.runtime.Run(ctx, spec)
	if err != nil && docker.IsNameInUse(err.Error(), name) {
		s.logger.Warn("Container name in use, removing and retrying",
			zap.Int64("user_id", userID), zap.String("container", name))
		if rmErr := s.runtime.Remove(ctx, name); rmErr != nil {
			return rmErr
		}
		err = s.runtime.Run(ctx, spec)
	}
	return err
}

func (s *Supervisor) connectNetwork(ctx context.Context, name string) error {
	if s.dcfg.Network == "" {
		return nil
	}
	if err := s.runtime.EnsureNetwork(ctx, s.dcfg.Network); err != nil {
		return err
	}
	return s.runtime.ConnectNetwork(ctx, s.dcfg.Network, name)
}

// drifted reports whether the live container no longer matches the
// desired image or mounts. Sources matter too: a container created
// under an old workspace root mounts the wrong host tree while its
// targets still look right.
func (s *Supervisor) drifted(ins *docker.Inspection, m *meta.Meta, paths run.Paths) bool {
	if ins.Image != m.Image {
		return true
	}
	sources := map[string]string{}
	for _, mount := range ins.Mounts {
		sources[mount.Target] = mount.Source
	}
	return sources[run.ContainerAppsDir] != paths.AppsDir() ||
		sources[run.ContainerRunDir] != paths.RunDir()
}

// loginIfConfigured logs into the image's registry when the image names
// one and credentials exist. Failures are logged and swallowed.
func (s *Supervisor) loginIfConfigured(ctx context.Context, image string) {
	if s.registry.User == "" || s.registry.Password == "" {
		return
	}
	host := registryHost(image)
	if host == "" {
		return
	}
	if err := s.runtime.RegistryLogin(ctx, host, s.registry.User, s.registry.Password); err != nil {
		s.logger.Warn("Registry login failed", zap.String("registry", host), zap.Error(err))
	}
}

// registryHost extracts the registry from an image reference. Only the
// first path segment can be a registry, and only when it looks like a
// host (contains a dot or port, or is localhost).
func registryHost(image string) string {
	first, _, ok := strings.Cut(image, "/")
	if !ok {
		return ""
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return ""
}

// StopContainerForIdle stops the user's container if it is running.
// Returns whether a stop was issued.
func (s *Supervisor) StopContainerForIdle(ctx context.Context, userID int64) (bool, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	name := s.store.ContainerName(userID)
	status, err := s.runtime.Status(ctx, name)
	if err != nil {
		return false, err
	}
	if status != docker.StatusRunning {
		return false, nil
	}
	if err := s.runtime.Stop(ctx, name); err != nil {
		return false, err
	}
	s.logger.Info("Idle container stopped", zap.Int64("user_id", userID))
	return true, nil
}

// Remove force-removes the user's container. The engine client applies
// its broken-container fallback internally, so this is also the repair
// path for wedged containers.
func (s *Supervisor) Remove(ctx context.Context, userID int64) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	name := s.store.ContainerName(userID)
	status, err := s.runtime.Status(ctx, name)
	if err != nil {
		return err
	}
	if status == docker.StatusNotCreated {
		return nil
	}
	if err := s.runtime.Remove(ctx, name); err != nil {
		return err
	}
	s.logger.Info("Workspace container removed", zap.Int64("user_id", userID))
	return nil
}

// RemoveBroken removes the container only when it matches the
// broken-container fingerprint, preventing name-in-use loops on the next
// ensure. Used by the app-deletion cleanup hook.
func (s *Supervisor) RemoveBroken(ctx context.Context, userID int64) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	name := s.store.ContainerName(userID)
	ins, err := s.runtime.Inspect(ctx, name)
	if err != nil {
		return err
	}
	if ins.Status == docker.StatusNotCreated {
		return nil
	}
	if !docker.IsBrokenContainer(ins.Error, ins.ExitCode) {
		return nil
	}
	s.logger.Warn("Removing broken workspace container",
		zap.Int64("user_id", userID),
		zap.Int("exit_code", ins.ExitCode),
		zap.String("error", ins.Error),
	)
	return s.runtime.Remove(ctx, name)
}
