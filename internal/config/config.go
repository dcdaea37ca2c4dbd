// Package config handles loading and validating UmbraVault configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

const (
	// PlaceholderToken is the secret shipped in example configs. Refused at load time.
	PlaceholderToken = "change-this-to-a-strong-token"
	// MinSecretTokenLength is the shortest API secret accepted by the gateway.
	MinSecretTokenLength = 32
)

// Config is the root configuration for UmbraVault.
// Built once at startup and handed to every component constructor.
type Config struct {
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	ToolsPath     string               `json:"tools_path,omitempty" yaml:"tools_path,omitempty"`   // Single definitions directory (legacy key).
	ToolsPaths    []string             `json:"tools_paths,omitempty" yaml:"tools_paths,omitempty"` // Definitions directories, merged in order.
	LogsPath      string               `json:"logs_path,omitempty" yaml:"logs_path,omitempty"`     // Report directory. Default: ./logs
	Catalog       CatalogConfig        `json:"catalog" yaml:"catalog"`
	Suggestion    *SuggestionConfig    `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`       // nil = no external suggestion source
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = file reports only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	API           APIConfig            `json:"api" yaml:"api"`
}

// SandboxConfig configures the sandboxed executor.
type SandboxConfig struct {
	Enabled          *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"` // Isolation on/off. Default: true.
	RequireIsolation bool              `json:"require_isolation" yaml:"require_isolation"` // Never degrade to local execution.
	Image            string            `json:"image" yaml:"image"`                         // Default: kalitools:latest
	TimeoutSeconds   int               `json:"timeout_seconds" yaml:"timeout_seconds"`     // Default: 300
	MemoryMB         int               `json:"memory_mb" yaml:"memory_mb"`                 // Default: 512
	NetworkMode      string            `json:"network_mode" yaml:"network_mode"`           // Default: host
	Shell            []string          `json:"shell,omitempty" yaml:"shell,omitempty"`     // Default: ["/bin/bash", "-lc"]
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Extra environment for every run.
	Docker           DockerConfig      `json:"docker" yaml:"docker"`
}

// DockerConfig holds isolation backend connection settings.
type DockerConfig struct {
	Host         string `json:"host,omitempty" yaml:"host,omitempty"`                   // Primary endpoint. Empty = DOCKER_HOST / defaults.
	FallbackHost string `json:"fallback_host,omitempty" yaml:"fallback_host,omitempty"` // Default: unix:///var/run/docker.sock
	CLIPath      string `json:"cli_path,omitempty" yaml:"cli_path,omitempty"`           // Default: docker
	SDK          *bool  `json:"sdk,omitempty" yaml:"sdk,omitempty"`                     // Use the Engine API. Default: true.
	CLI          *bool  `json:"cli,omitempty" yaml:"cli,omitempty"`                     // Use the docker binary as fallback. Default: true.
}

// IsEnabled reports whether isolated execution is enabled. Defaults to true.
func (s SandboxConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout returns the per-run wall-clock timeout with a default of 300s.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 300 * time.Second
}

// ImageName returns the container image with a default of kalitools:latest.
func (s SandboxConfig) ImageName() string {
	if s.Image != "" {
		return s.Image
	}
	return "kalitools:latest"
}

// Memory returns the container memory ceiling in MiB with a default of 512.
func (s SandboxConfig) Memory() int {
	if s.MemoryMB > 0 {
		return s.MemoryMB
	}
	return 512
}

// Network returns the container network mode with a default of "host".
func (s SandboxConfig) Network() string {
	if s.NetworkMode != "" {
		return s.NetworkMode
	}
	return "host"
}

// ShellArgv returns the shell prefix used to wrap isolated commands.
func (s SandboxConfig) ShellArgv() []string {
	if len(s.Shell) > 0 {
		return s.Shell
	}
	return []string{"/bin/bash", "-lc"}
}

// UseSDK reports whether the Engine API strategy is enabled. Default: true.
func (d DockerConfig) UseSDK() bool { return d.SDK == nil || *d.SDK }

// UseCLI reports whether the docker CLI strategy is enabled. Default: true.
func (d DockerConfig) UseCLI() bool { return d.CLI == nil || *d.CLI }

// Fallback returns the fallback daemon endpoint.
func (d DockerConfig) Fallback() string {
	if d.FallbackHost != "" {
		return d.FallbackHost
	}
	return "unix:///var/run/docker.sock"
}

// Binary returns the docker CLI path.
func (d DockerConfig) Binary() string {
	if d.CLIPath != "" {
		return d.CLIPath
	}
	return "docker"
}

// CatalogConfig configures tool selection.
type CatalogConfig struct {
	Mappings     map[string][]string `json:"mappings,omitempty" yaml:"mappings,omitempty"`           // Task type -> ordered tool names.
	DefaultTools []string            `json:"default_tools,omitempty" yaml:"default_tools,omitempty"` // Unknown task types. Default: [nmap]
	MaxTools     int                 `json:"max_tools" yaml:"max_tools"`                             // Default: 4
}

// TaskMappings returns the configured mappings merged over the built-in ones.
func (c CatalogConfig) TaskMappings() map[string][]string {
	m := map[string][]string{
		"network": {"nmap", "rustscan"},
		"web":     {"gobuster", "nikto", "sqlmap"},
	}
	for k, v := range c.Mappings {
		m[k] = v
	}
	return m
}

// Defaults returns the tools used for task types with no mapping.
func (c CatalogConfig) Defaults() []string {
	if len(c.DefaultTools) > 0 {
		return c.DefaultTools
	}
	return []string{"nmap"}
}

// Limit returns the maximum number of selected tools with a default of 4.
func (c CatalogConfig) Limit() int {
	if c.MaxTools > 0 {
		return c.MaxTools
	}
	return 4
}

// SuggestionConfig configures the optional LLM tool suggestion source.
type SuggestionConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Default: http://localhost:11434
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`       // Default: llama3.2
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 20
}

// Endpoint returns the suggestion base URL.
func (s *SuggestionConfig) Endpoint() string {
	if s != nil && s.BaseURL != "" {
		return s.BaseURL
	}
	return "http://localhost:11434"
}

// ModelName returns the suggestion model.
func (s *SuggestionConfig) ModelName() string {
	if s != nil && s.Model != "" {
		return s.Model
	}
	return "llama3.2"
}

// Timeout returns the suggestion call timeout with a default of 20s.
func (s *SuggestionConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 20 * time.Second
}

// StorageConfig configures the report store.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "none" (default), "sqlite" or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "none".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "none"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <logs_path>/umbravault.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "umbravault"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig selects dependencies included in readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures failure-rate warnings per sandbox strategy.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// APIConfig configures the HTTP gateway.
type APIConfig struct {
	ListenAddr        string `json:"listen_addr" yaml:"listen_addr"` // Default: 127.0.0.1:5000
	SecretToken       string `json:"secret_token" yaml:"secret_token"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	Burst             int    `json:"burst" yaml:"burst"`
	EnableDocs        bool   `json:"enable_docs" yaml:"enable_docs"`
}

// Addr returns the listen address with a loopback default.
func (a APIConfig) Addr() string {
	if a.ListenAddr != "" {
		return a.ListenAddr
	}
	return "127.0.0.1:5000"
}

// DefaultConfigPath returns the config file looked up when --config is not given.
func DefaultConfigPath() string {
	return "config.yaml"
}

// Load reads a JSON or YAML config file and returns a validated Config.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file exists.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides; env vars take precedence over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("UMBRAVAULT_SECRET_TOKEN"); v != "" {
		c.API.SecretToken = v
	}
	if v := os.Getenv("UMBRAVAULT_LOGS_PATH"); v != "" {
		c.LogsPath = v
	}
	if v := os.Getenv("UMBRAVAULT_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("UMBRAVAULT_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// AllToolsPaths returns every definitions directory in merge order.
func (c *Config) AllToolsPaths() []string {
	var dirs []string
	if c.ToolsPath != "" {
		dirs = append(dirs, c.ToolsPath)
	}
	dirs = append(dirs, c.ToolsPaths...)
	if len(dirs) == 0 {
		dirs = []string{"./tools"}
	}
	return dirs
}

// ResolvedLogsPath returns the report directory, resolving ~ if needed.
func (c *Config) ResolvedLogsPath() string {
	p := c.LogsPath
	if p == "" {
		p = "./logs"
	}
	resolved, err := resolvePath(p)
	if err != nil {
		return p
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedLogsPath(), "umbravault.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// ValidateSecret checks the API secret is usable for signing bearer tokens.
// Only the HTTP gateway needs one, so Load does not require it.
func (c *Config) ValidateSecret() error {
	switch {
	case c.API.SecretToken == "":
		return fmt.Errorf("api.secret_token is required (set UMBRAVAULT_SECRET_TOKEN env var)")
	case c.API.SecretToken == PlaceholderToken:
		return fmt.Errorf("api.secret_token is still the placeholder value")
	case len(c.API.SecretToken) < MinSecretTokenLength:
		return fmt.Errorf("api.secret_token must be at least %d characters", MinSecretTokenLength)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.IsEnabled() && strings.TrimSpace(c.Sandbox.ImageName()) == "" {
		return fmt.Errorf("sandbox.image is required when sandbox is enabled")
	}
	if c.Sandbox.RequireIsolation && !c.Sandbox.IsEnabled() {
		return fmt.Errorf("sandbox.require_isolation needs sandbox.enabled")
	}
	if c.Sandbox.IsEnabled() && !c.Sandbox.Docker.UseSDK() && !c.Sandbox.Docker.UseCLI() && c.Sandbox.RequireIsolation {
		return fmt.Errorf("sandbox.require_isolation needs sandbox.docker.sdk or sandbox.docker.cli")
	}
	if c.Catalog.MaxTools < 0 {
		return fmt.Errorf("catalog.max_tools must not be negative")
	}
	if c.API.SecretToken == PlaceholderToken {
		return fmt.Errorf("api.secret_token is still the placeholder value")
	}
	switch c.StorageDriverName() {
	case "none", "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set UMBRAVAULT_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use none, sqlite or postgres)", c.Storage.Driver)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}
