// Package config provides configuration management for the AWCP daemon.
// It supports loading configuration from environment variables, config files,
// and defaults. Unrecognized keys are ignored.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/awcp/awcp/internal/common/logger"
)

// Config holds all configuration sections for the AWCP daemon.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Delegator DelegatorConfig      `mapstructure:"delegator"`
	Executor  ExecutorConfig       `mapstructure:"executor"`
	Transport TransportConfig      `mapstructure:"transport"`
	Listeners ListenersConfig      `mapstructure:"listeners"`
	Tunnel    TunnelConfig         `mapstructure:"tunnel"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DelegatorConfig holds delegator-side configuration.
type DelegatorConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	BaseDir      string          `mapstructure:"baseDir"` // environment staging root
	StateDir     string          `mapstructure:"stateDir"`
	DatabasePath string          `mapstructure:"databasePath"` // optional sqlite retention store
	Defaults     LeaseDefaults   `mapstructure:"defaults"`
	Admission    WorkspaceLimits `mapstructure:"admission"`
	Snapshots    SnapshotConfig  `mapstructure:"snapshots"`
	RetentionMs  int64           `mapstructure:"retentionMs"` // terminal record retention
}

// LeaseDefaults holds default lease parameters for new delegations.
type LeaseDefaults struct {
	TTLSeconds int    `mapstructure:"ttlSeconds"`
	AccessMode string `mapstructure:"accessMode"` // ro, rw
}

// WorkspaceLimits bounds the size of a delegated environment.
type WorkspaceLimits struct {
	MaxTotalBytes      int64 `mapstructure:"maxTotalBytes"`
	MaxFileCount       int   `mapstructure:"maxFileCount"`
	MaxSingleFileBytes int64 `mapstructure:"maxSingleFileBytes"`
}

// SnapshotConfig controls how executor results are applied.
type SnapshotConfig struct {
	Policy string `mapstructure:"policy"` // auto, staged, discard
}

// ExecutorConfig holds executor-side configuration.
type ExecutorConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	WorkDir                  string        `mapstructure:"workDir"`
	MaxConcurrentDelegations int           `mapstructure:"maxConcurrentDelegations"`
	MaxTTLSeconds            int           `mapstructure:"maxTtlSeconds"`
	AllowedAccessModes       []string      `mapstructure:"allowedAccessModes"`
	ResultRetentionMs        int64         `mapstructure:"resultRetentionMs"`
	CancelGraceMs            int64         `mapstructure:"cancelGraceMs"`
	Sandbox                  SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig is the capability profile advertised to delegators.
type SandboxConfig struct {
	CwdOnly      bool `mapstructure:"cwdOnly"`
	AllowNetwork bool `mapstructure:"allowNetwork"`
	AllowExec    bool `mapstructure:"allowExec"`
}

// TransportConfig selects and tunes the data-plane transport.
type TransportConfig struct {
	Kind    string        `mapstructure:"kind"` // archive, sshfs
	Archive ArchiveConfig `mapstructure:"archive"`
	SSHFS   SSHFSConfig   `mapstructure:"sshfs"`
}

// ArchiveConfig tunes the ZIP archive transport.
type ArchiveConfig struct {
	Port                 int   `mapstructure:"port"` // data-plane HTTP port, 0 = ephemeral
	InlineThresholdBytes int64 `mapstructure:"inlineThresholdBytes"`
	ChunkSizeBytes       int64 `mapstructure:"chunkSizeBytes"`
	MaxRetries           int   `mapstructure:"maxRetries"`
	ChunkTimeoutSeconds  int   `mapstructure:"chunkTimeoutSeconds"`
}

// SSHFSConfig tunes the SSH certificate transport.
type SSHFSConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	StateDir string `mapstructure:"stateDir"` // key and cert directory root
}

// ListenersConfig enables the connection endpoints fed into the engines.
type ListenersConfig struct {
	HTTP HTTPListenerConfig `mapstructure:"http"`
}

// HTTPListenerConfig configures the plain HTTP protocol listener.
type HTTPListenerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// TunnelConfig configures the WebSocket reverse tunnel listener.
type TunnelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BrokerURL  string `mapstructure:"brokerUrl"`
	AuthToken  string `mapstructure:"authToken"`
	MaxRetries int    `mapstructure:"maxRetries"`
	RetryDelay int    `mapstructure:"retryDelay"` // in seconds, multiplied by attempt
}

// NATSConfig holds optional NATS event-bus configuration. When URL is empty
// the in-process bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Retention returns the terminal record retention as a time.Duration.
func (d *DelegatorConfig) Retention() time.Duration {
	return time.Duration(d.RetentionMs) * time.Millisecond
}

// ResultRetention returns the result retention window as a time.Duration.
func (e *ExecutorConfig) ResultRetention() time.Duration {
	return time.Duration(e.ResultRetentionMs) * time.Millisecond
}

// CancelGrace returns the runner cancellation grace window.
func (e *ExecutorConfig) CancelGrace() time.Duration {
	return time.Duration(e.CancelGraceMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	stateRoot := filepath.Join(home, ".awcp")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8700)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Delegator defaults
	v.SetDefault("delegator.enabled", true)
	v.SetDefault("delegator.baseDir", filepath.Join(stateRoot, "environments"))
	v.SetDefault("delegator.stateDir", stateRoot)
	v.SetDefault("delegator.defaults.ttlSeconds", 3600)
	v.SetDefault("delegator.defaults.accessMode", "rw")
	v.SetDefault("delegator.admission.maxTotalBytes", int64(100*1024*1024))
	v.SetDefault("delegator.admission.maxFileCount", 10000)
	v.SetDefault("delegator.admission.maxSingleFileBytes", int64(50*1024*1024))
	v.SetDefault("delegator.snapshots.policy", "auto")
	v.SetDefault("delegator.retentionMs", int64(30*60*1000))

	// Executor defaults
	v.SetDefault("executor.enabled", true)
	v.SetDefault("executor.workDir", filepath.Join(stateRoot, "work"))
	v.SetDefault("executor.maxConcurrentDelegations", 5)
	v.SetDefault("executor.maxTtlSeconds", 3600)
	v.SetDefault("executor.allowedAccessModes", []string{"ro", "rw"})
	v.SetDefault("executor.resultRetentionMs", int64(30*60*1000))
	v.SetDefault("executor.cancelGraceMs", int64(5000))
	v.SetDefault("executor.sandbox.cwdOnly", true)
	v.SetDefault("executor.sandbox.allowNetwork", false)
	v.SetDefault("executor.sandbox.allowExec", true)

	// Transport defaults
	v.SetDefault("transport.kind", "archive")
	v.SetDefault("transport.archive.port", 0)
	v.SetDefault("transport.archive.inlineThresholdBytes", int64(2*1024*1024))
	v.SetDefault("transport.archive.chunkSizeBytes", int64(2*1024*1024))
	v.SetDefault("transport.archive.maxRetries", 3)
	v.SetDefault("transport.archive.chunkTimeoutSeconds", 30)
	v.SetDefault("transport.sshfs.port", 22)
	v.SetDefault("transport.sshfs.stateDir", stateRoot)

	// Listener defaults
	v.SetDefault("listeners.http.enabled", true)
	v.SetDefault("listeners.http.host", "0.0.0.0")
	v.SetDefault("listeners.http.port", 8701)

	// Tunnel defaults
	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.maxRetries", 10)
	v.SetDefault("tunnel.retryDelay", 2)

	// NATS defaults (empty URL = in-process bus)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "awcp")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AWCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "AWCP_LOG_LEVEL")
	_ = v.BindEnv("tunnel.brokerUrl", "AWCP_TUNNEL_BROKER_URL")
	_ = v.BindEnv("tunnel.authToken", "AWCP_TUNNEL_AUTH_TOKEN")

	v.SetConfigName("awcp")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/awcp/")

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

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	switch cfg.Transport.Kind {
	case "archive", "sshfs":
	default:
		errs = append(errs, fmt.Sprintf("transport.kind %q is not supported", cfg.Transport.Kind))
	}
	switch cfg.Delegator.Snapshots.Policy {
	case "auto", "staged", "discard":
	default:
		errs = append(errs, fmt.Sprintf("delegator.snapshots.policy %q is not supported", cfg.Delegator.Snapshots.Policy))
	}
	if cfg.Tunnel.Enabled && cfg.Tunnel.BrokerURL == "" {
		errs = append(errs, "tunnel.brokerUrl is required when tunnel.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
