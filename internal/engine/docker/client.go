// Package docker wraps the Docker SDK to provide per-name container
// lifecycle operations for the workspace agent. podman-docker serves the
// same API socket, so the wrapper papers over both engines; quirks.go
// holds the fingerprints for the differences that leak through.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/execx"
	"github.com/wsforge/wsforge/internal/common/logger"
)

// Container status values exposed to upper layers. Anything the engine
// reports beyond these two is passed through upper-cased.
const (
	StatusNotCreated = "NOT_CREATED"
	StatusRunning    = "RUNNING"
	StatusUnknown    = "UNKNOWN"
)

// MountSpec is a bind mount in a run spec.
type MountSpec struct {
	Source string // host path
	Target string // container path
}

// RunSpec is the canonical description of a workspace container.
type RunSpec struct {
	Name          string
	Image         string
	Network       string
	HostPort      int
	ContainerPort int
	Mounts        []MountSpec
	Env           []string
	Cmd           []string // bootstrap command
}

// Inspection is the subset of inspect state the supervisor and observer need.
type Inspection struct {
	Status   string
	Image    string
	Mounts   []MountSpec
	ExitCode int
	Error    string
}

// Client wraps the Docker client with name-keyed operations.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new engine client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Engine client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	c.logger.Debug("Closing engine client")
	return c.cli.Close()
}

// Ping checks if the engine is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("engine ping failed: %w", err)
	}
	return nil
}

// Inspect returns the normalized inspect state for a container name.
// A missing container yields Status NOT_CREATED, not an error.
func (c *Client) Inspect(ctx context.Context, name string) (*Inspection, error) {
	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &Inspection{Status: StatusNotCreated}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	ins := &Inspection{
		Status: StatusUnknown,
		Image:  inspect.Config.Image,
	}
	if inspect.State != nil {
		ins.ExitCode = inspect.State.ExitCode
		ins.Error = inspect.State.Error
		switch strings.ToLower(inspect.State.Status) {
		case "running":
			ins.Status = StatusRunning
		case "":
			ins.Status = StatusUnknown
		default:
			ins.Status = strings.ToUpper(inspect.State.Status)
		}
	}
	for _, m := range inspect.Mounts {
		ins.Mounts = append(ins.Mounts, MountSpec{
			Source: m.Source,
			Target: m.Destination,
		})
	}
	return ins, nil
}

// Status returns the normalized status for a container name.
func (c *Client) Status(ctx context.Context, name string) (string, error) {
	ins, err := c.Inspect(ctx, name)
	if err != nil {
		return StatusUnknown, err
	}
	return ins.Status, nil
}

// Start starts a created-but-stopped container.
func (c *Client) Start(ctx context.Context, name string) error {
	c.logger.Info("Starting container", zap.String("name", name))
	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Stop stops a container with the configured graceful timeout.
func (c *Client) Stop(ctx context.Context, name string) error {
	c.logger.Info("Stopping container", zap.String("name", name))
	timeoutSeconds := int(c.config.StopTimeoutDuration().Seconds())
	err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container. When the first attempt fails with a
// broken-container fingerprint it retries after an engine-level cleanup
// (kill, then remove with zero grace), which is what a conmon-orphaned
// podman container needs before the name frees up.
func (c *Client) Remove(ctx context.Context, name string) error {
	c.logger.Info("Removing container", zap.String("name", name))

	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}

	if IsBrokenContainer(err.Error(), 0) {
		c.logger.Warn("Remove hit broken container, attempting engine cleanup",
			zap.String("name", name),
			zap.Error(err))
		_ = c.cli.ContainerKill(ctx, name, "KILL")
		zero := 0
		_ = c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &zero})
		retryErr := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		if retryErr == nil || client.IsErrNotFound(retryErr) {
			return nil
		}
		return fmt.Errorf("failed to remove broken container %s: %w", name, retryErr)
	}

	return fmt.Errorf("failed to remove container %s: %w", name, err)
}

// Run creates and starts a container from a RunSpec. A name-in-use
// collision is returned as-is; the supervisor owns the remove-and-retry
// decision.
func (c *Client) Run(ctx context.Context, spec RunSpec) error {
	c.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
		zap.Int("host_port", spec.HostPort),
	)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: m.Source,
			Target: m.Target,
		})
	}

	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.ContainerPort))
	if err != nil {
		return fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		Mounts:        mounts,
		NetworkMode:   container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.HostPort)},
			},
		},
		Resources: container.Resources{
			Memory:   c.config.MemoryLimitMB * 1024 * 1024,
			CPUQuota: c.config.CPUQuotaMicros,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	c.logger.Info("Container started", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return nil
}

// Exec runs a shell script inside the container and captures merged
// stdout+stderr, bounded the same way execx bounds host processes.
// The context deadline maps to exit code 124 like a host timeout.
func (c *Client) Exec(ctx context.Context, name, script string, timeout time.Duration) execx.Result {
	if timeout <= 0 {
		timeout = c.config.ExecTimeoutDuration()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := c.cli.ContainerExecCreate(execCtx, name, container.ExecOptions{
		Cmd:          []string{"bash", "-lc", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return execx.Result{ExitCode: -1, Output: err.Error()}
	}

	attach, err := c.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return execx.Result{ExitCode: -1, Output: err.Error()}
	}
	defer attach.Close()

	out := execx.NewBoundedWriter(execx.MaxCapturedOutput)
	// Demultiplex; without a TTY the stream carries stdcopy frames.
	_, copyErr := stdcopy.StdCopy(out, out, attach.Reader)

	if execCtx.Err() != nil {
		return execx.Result{ExitCode: execx.ExitCodeTimeout, Output: out.String()}
	}
	if copyErr != nil {
		return execx.Result{ExitCode: -1, Output: out.String() + "\n" + copyErr.Error()}
	}

	inspect, err := c.cli.ContainerExecInspect(context.WithoutCancel(ctx), created.ID)
	if err != nil {
		return execx.Result{ExitCode: -1, Output: out.String() + "\n" + err.Error()}
	}
	return execx.Result{ExitCode: inspect.ExitCode, Output: out.String()}
}

// InteractiveExec is a running in-container exec with attached streams.
// Reader carries stdcopy-multiplexed stdout+stderr (no TTY is allocated);
// demultiplex with DemuxTo. Close tears down the attach connection.
type InteractiveExec struct {
	ID     string
	Stdin  io.WriteCloser
	Reader io.Reader
	conn   net.Conn
}

// Close closes stdin and the underlying attach connection.
func (e *InteractiveExec) Close() error {
	if e.Stdin != nil {
		_ = e.Stdin.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// DemuxTo demultiplexes the exec's output stream into w until EOF.
func (e *InteractiveExec) DemuxTo(w io.Writer) error {
	_, err := stdcopy.StdCopy(w, w, e.Reader)
	return err
}

// ExecInteractive starts an exec with stdin attached and returns the
// hijacked streams. cmd runs as given; wrap it in setsid when the caller
// needs a process group it can signal later.
func (c *Client) ExecInteractive(ctx context.Context, name string, cmd []string) (*InteractiveExec, error) {
	created, err := c.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}

	return &InteractiveExec{
		ID:     created.ID,
		Stdin:  attach.Conn,
		Reader: attach.Reader,
		conn:   attach.Conn,
	}, nil
}

// ExecInspect reports whether an exec is still running and its exit code.
func (c *Client) ExecInspect(ctx context.Context, execID string) (running bool, exitCode int, err error) {
	inspect, err := c.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return false, -1, fmt.Errorf("failed to inspect exec %s: %w", execID, err)
	}
	return inspect.Running, inspect.ExitCode, nil
}

// EnsureNetwork creates the named network if it does not exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	c.logger.Info("Creating network", zap.String("network", name))
	if _, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
		// Lost a create race; the network existing is the goal.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// ConnectNetwork connects a container to a network, tolerating the
// already-connected case.
func (c *Client) ConnectNetwork(ctx context.Context, networkName, containerName string) error {
	err := c.cli.NetworkConnect(ctx, networkName, containerName, nil)
	if err != nil && !strings.Contains(err.Error(), "already exists in network") &&
		!strings.Contains(err.Error(), "already connected") {
		return fmt.Errorf("failed to connect %s to network %s: %w", containerName, networkName, err)
	}
	return nil
}

// RegistryLogin performs a best-effort registry login. Failures are
// reported but callers treat them as non-fatal; a public image pull may
// still succeed.
func (c *Client) RegistryLogin(ctx context.Context, serverAddress, user, password string) error {
	c.logger.Info("Logging in to registry", zap.String("registry", serverAddress))
	_, err := c.cli.RegistryLogin(ctx, registry.AuthConfig{
		Username:      user,
		Password:      password,
		ServerAddress: serverAddress,
	})
	if err != nil {
		return fmt.Errorf("registry login to %s failed: %w", serverAddress, err)
	}
	return nil
}
