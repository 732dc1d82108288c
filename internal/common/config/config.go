// Package config provides configuration management for the workspace agent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the workspace agent.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Run       RunConfig       `mapstructure:"run"`
	Idle      IdleConfig      `mapstructure:"idle"`
	GC        GCConfig        `mapstructure:"gc"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Registry  RegistryConfig  `mapstructure:"registry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds container engine client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Network        string `mapstructure:"network"`
	ExecTimeout    int    `mapstructure:"execTimeout"`    // in seconds, per engine call
	StopTimeout    int    `mapstructure:"stopTimeout"`    // in seconds, graceful container stop
	MemoryLimitMB  int64  `mapstructure:"memoryLimitMb"`  // per-user container memory cap
	CPUQuotaMicros int64  `mapstructure:"cpuQuotaMicros"` // per-user container CPU quota
}

// WorkspaceConfig holds the per-user workspace layout and container settings.
type WorkspaceConfig struct {
	Root            string `mapstructure:"root"`            // host directory holding root/<userId> trees
	Image           string `mapstructure:"image"`           // desired container image
	ContainerPrefix string `mapstructure:"containerPrefix"` // container name = prefix + userId
	ContainerPort   int    `mapstructure:"containerPort"`   // port the dev server binds inside the container
	PortBase        int    `mapstructure:"portBase"`        // host port window start
	PortScan        int    `mapstructure:"portScan"`        // host port window size
}

// npm cache placement modes.
const (
	NpmCacheApp       = "APP"       // cache under <appDir>/.npm-cache
	NpmCacheDisabled  = "DISABLED"  // throwaway cache under /tmp
	NpmCacheContainer = "CONTAINER" // npm defaults
)

// RunConfig holds managed run behavior.
type RunConfig struct {
	NpmCacheMode    string `mapstructure:"npmCacheMode"` // APP, DISABLED, CONTAINER
	NpmCacheCapMB   int    `mapstructure:"npmCacheCapMb"`
	NpmRegistry     string `mapstructure:"npmRegistry"`
	LogKeepPerType  int    `mapstructure:"logKeepPerType"`
	StartTimeoutSec int    `mapstructure:"startTimeoutSec"` // null-pid grace before DEAD
}

// IdleConfig holds the idle reaper thresholds. Values <= 0 disable the
// corresponding action.
type IdleConfig struct {
	StopRunAfterMin       int `mapstructure:"stopRunAfterMin"`
	StopContainerAfterMin int `mapstructure:"stopContainerAfterMin"`
	SweepIntervalSec      int `mapstructure:"sweepIntervalSec"`
}

// GCConfig holds the orphan garbage collector configuration.
type GCConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Hour       int    `mapstructure:"hour"` // local hour of the daily sweep
	MongoshBin string `mapstructure:"mongoshBin"`
	MongoURI   string `mapstructure:"mongoUri"`
}

// AuthConfig holds the internal authentication gate configuration.
type AuthConfig struct {
	SignatureEnabled bool     `mapstructure:"signatureEnabled"`
	Secret           string   `mapstructure:"secret"`
	AllowedIPs       []string `mapstructure:"allowedIps"`
	MaxSkewSec       int64    `mapstructure:"maxSkewSec"`
	NonceTTLSec      int64    `mapstructure:"nonceTtlSec"`
	SkipPaths        []string `mapstructure:"skipPaths"` // signature skipped, allowlist still applies
}

// PreviewConfig holds preview URL composition and the nginx lookup guard.
type PreviewConfig struct {
	BaseURL      string `mapstructure:"baseUrl"`
	PathPrefix   string `mapstructure:"pathPrefix"`
	GatewayToken string `mapstructure:"gatewayToken"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RegistryConfig holds optional container registry credentials for
// best-effort login before pulls.
type RegistryConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ExecTimeoutDuration returns the engine exec timeout as a time.Duration.
func (d *DockerConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(d.ExecTimeout) * time.Second
}

// StopTimeoutDuration returns the graceful stop timeout as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// StopRunAfter returns the run idle threshold; zero means disabled.
func (i *IdleConfig) StopRunAfter() time.Duration {
	if i.StopRunAfterMin <= 0 {
		return 0
	}
	return time.Duration(i.StopRunAfterMin) * time.Minute
}

// StopContainerAfter returns the container idle threshold; zero means disabled.
func (i *IdleConfig) StopContainerAfter() time.Duration {
	if i.StopContainerAfterMin <= 0 {
		return 0
	}
	return time.Duration(i.StopContainerAfterMin) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("WSAGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.network", "wsagent-network")
	v.SetDefault("docker.execTimeout", 30)
	v.SetDefault("docker.stopTimeout", 10)
	v.SetDefault("docker.memoryLimitMb", 2048)
	v.SetDefault("docker.cpuQuotaMicros", 0)

	// Workspace defaults
	v.SetDefault("workspace.root", "/var/lib/wsagent/workspaces")
	v.SetDefault("workspace.image", "node:20-bookworm-slim")
	v.SetDefault("workspace.containerPrefix", "ws-user-")
	v.SetDefault("workspace.containerPort", 5173)
	v.SetDefault("workspace.portBase", 42000)
	v.SetDefault("workspace.portScan", 2000)

	// Run defaults
	v.SetDefault("run.npmCacheMode", "APP")
	v.SetDefault("run.npmCacheCapMb", 512)
	v.SetDefault("run.npmRegistry", "")
	v.SetDefault("run.logKeepPerType", 3)
	v.SetDefault("run.startTimeoutSec", 120)

	// Idle defaults
	v.SetDefault("idle.stopRunAfterMin", 30)
	v.SetDefault("idle.stopContainerAfterMin", 60)
	v.SetDefault("idle.sweepIntervalSec", 60)

	// GC defaults
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.hour", 2)
	v.SetDefault("gc.mongoshBin", "mongosh")
	v.SetDefault("gc.mongoUri", "")

	// Auth defaults
	v.SetDefault("auth.signatureEnabled", true)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.allowedIps", []string{})
	v.SetDefault("auth.maxSkewSec", 60)
	v.SetDefault("auth.nonceTtlSec", 300)
	v.SetDefault("auth.skipPaths", []string{})

	// Preview defaults
	v.SetDefault("preview.baseUrl", "http://localhost")
	v.SetDefault("preview.pathPrefix", "/ws")
	v.SetDefault("preview.gatewayToken", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "wsagent")
	v.SetDefault("nats.maxReconnects", 10)

	// Registry defaults
	v.SetDefault("registry.user", "")
	v.SetDefault("registry.password", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WSAGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/wsagent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("WSAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("workspace.containerPrefix", "WSAGENT_WORKSPACE_CONTAINER_PREFIX")
	_ = v.BindEnv("workspace.containerPort", "WSAGENT_WORKSPACE_CONTAINER_PORT")
	_ = v.BindEnv("workspace.portBase", "WSAGENT_WORKSPACE_PORT_BASE")
	_ = v.BindEnv("workspace.portScan", "WSAGENT_WORKSPACE_PORT_SCAN")
	_ = v.BindEnv("auth.secret", "WSAGENT_AUTH_SECRET")
	_ = v.BindEnv("preview.gatewayToken", "WSAGENT_PREVIEW_GATEWAY_TOKEN")
	_ = v.BindEnv("registry.password", "WSAGENT_REGISTRY_PASSWORD")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/wsagent/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Workspace.Image == "" {
		errs = append(errs, "workspace.image is required")
	}
	if cfg.Workspace.ContainerPort <= 0 || cfg.Workspace.ContainerPort > 65535 {
		errs = append(errs, "workspace.containerPort must be between 1 and 65535")
	}
	if cfg.Workspace.PortScan <= 0 {
		errs = append(errs, "workspace.portScan must be positive")
	}
	if cfg.Workspace.PortBase <= 0 || cfg.Workspace.PortBase+cfg.Workspace.PortScan > 65535 {
		errs = append(errs, "workspace.portBase/portScan must describe a valid port window")
	}

	switch strings.ToUpper(cfg.Run.NpmCacheMode) {
	case NpmCacheApp, NpmCacheDisabled, NpmCacheContainer:
	default:
		errs = append(errs, "run.npmCacheMode must be one of: APP, DISABLED, CONTAINER")
	}
	if cfg.Run.LogKeepPerType <= 0 {
		errs = append(errs, "run.logKeepPerType must be positive")
	}
	if cfg.Run.StartTimeoutSec <= 0 {
		errs = append(errs, "run.startTimeoutSec must be positive")
	}

	if cfg.Auth.SignatureEnabled && cfg.Auth.Secret == "" {
		errs = append(errs, "auth.secret is required when auth.signatureEnabled is true")
	}
	if cfg.Auth.MaxSkewSec <= 0 {
		errs = append(errs, "auth.maxSkewSec must be positive")
	}
	if cfg.Auth.NonceTTLSec <= 0 {
		errs = append(errs, "auth.nonceTtlSec must be positive")
	}

	if cfg.GC.Hour < 0 || cfg.GC.Hour > 23 {
		errs = append(errs, "gc.hour must be between 0 and 23")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
