// Package config loads the runtime's single immutable configuration tree
// once at process start and exposes it read-only to every daemon and
// component. Nothing outside this package re-reads the config file in a
// hot path; the fsnotify watch in watch.go reloads the whole file and swaps
// the freshly loaded Config in atomically. A reload is not limited to the
// Dynamic sub-tree.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree.
type Config struct {
	Environment string `yaml:"environment"`

	Database        DatabaseConfig        `yaml:"database"`
	Cache           CacheConfig           `yaml:"cache"`
	Bus             BusConfig             `yaml:"bus"`
	Planner         PlannerConfig         `yaml:"planner"`
	Channels        ChannelsConfig        `yaml:"channels"`
	Policy          PolicyConfig          `yaml:"policy"`
	Toolkit         ToolkitConfig         `yaml:"toolkit"`
	Observability   ObservabilityConfig   `yaml:"observability"`
	TimeCompression TimeCompressionConfig `yaml:"time_compression"`
	Security        SecurityConfig        `yaml:"security"`
	HTTP            HTTPConfig            `yaml:"http"`

	// Dynamic holds the subset of settings declared safe to hot-reload
	// (policy defaults, feature flags).
	Dynamic DynamicConfig `yaml:"dynamic"`
}

// DatabaseConfig is the primary persisted-tables backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "sqlite"
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig is the distributed rate-limit/idempotency cache.
type CacheConfig struct {
	URL string `yaml:"url"`
}

// BusConfig is the event bus substrate.
type BusConfig struct {
	Brokers []string `yaml:"brokers"`
	Stream  string   `yaml:"stream"`
}

// PlannerConfig is the LLM plan-synthesis backend selection.
type PlannerConfig struct {
	Provider      string        `yaml:"provider"` // "anthropic" or "openai"
	ModelID       string        `yaml:"model_id"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	BreakerWindow time.Duration `yaml:"breaker_window"`
}

// ChannelsConfig carries channel-provider credentials. The concrete
// transport drivers themselves are external collaborators; cmd/ wiring
// hands these values to whatever ChannelSender implementation a
// deployment supplies.
type ChannelsConfig struct {
	EmailAPIKey     string `yaml:"email_api_key"`
	MessagingAPIKey string `yaml:"messaging_api_key"`
}

// PolicyConfig holds the static default policy caps; per-tenant overrides
// live in the database and OPA bundle.
type PolicyConfig struct {
	OPABundlePath     string `yaml:"opa_bundle_path"`
	DefaultDailyCap   int    `yaml:"default_daily_cap"`
	DefaultWeeklyCap  int    `yaml:"default_weekly_cap"`
	DefaultQuietHours string `yaml:"default_quiet_hours"` // "HH:MM-HH:MM"
}

// ToolkitConfig controls tool execution defaults.
type ToolkitConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

// ObservabilityConfig gates tracing/metrics.
type ObservabilityConfig struct {
	EnableTracing bool   `yaml:"enable_tracing"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

// TimeCompressionConfig is the development feature. Ratio selects one
// of the three calibrated compressions; Enabled must be false whenever
// Config.Environment == "production" (enforced in validate()).
type TimeCompressionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Ratio   string `yaml:"ratio"` // "day-to-minute", "hour-to-second", "minute-to-second"
}

// Compress maps a day-offset duration through the configured ratio. It
// returns d unchanged when disabled.
func (t TimeCompressionConfig) Compress(d time.Duration) time.Duration {
	if !t.Enabled {
		return d
	}
	switch t.Ratio {
	case "day-to-minute":
		return d / (24 * 60)
	case "hour-to-second":
		return d / 3600
	case "minute-to-second":
		return d / 60
	default:
		return d
	}
}

// SecurityConfig holds the shared secret used to authenticate the admin
// API and webhook surface.
type SecurityConfig struct {
	Secret string `yaml:"secret"`
}

// HTTPConfig is the operational health/metrics/intake HTTP surface.
type HTTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DynamicConfig is the hot-reloadable subset.
type DynamicConfig struct {
	FeatureFlags map[string]bool `yaml:"feature_flags"`
}

// Load reads path, expands environment variables, applies env-var
// overrides and defaults, validates, and returns an immutable Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Bus.Stream == "" {
		cfg.Bus.Stream = "orchestrator"
	}
	if cfg.Planner.Provider == "" {
		cfg.Planner.Provider = "anthropic"
	}
	if cfg.Planner.Timeout == 0 {
		cfg.Planner.Timeout = 30 * time.Second
	}
	if cfg.Planner.BreakerWindow == 0 {
		cfg.Planner.BreakerWindow = time.Minute
	}
	if cfg.Policy.DefaultDailyCap == 0 {
		cfg.Policy.DefaultDailyCap = 3
	}
	if cfg.Policy.DefaultWeeklyCap == 0 {
		cfg.Policy.DefaultWeeklyCap = 10
	}
	if cfg.Policy.DefaultQuietHours == "" {
		cfg.Policy.DefaultQuietHours = "21:00-08:00"
	}
	if cfg.Toolkit.DefaultTimeout == 0 {
		cfg.Toolkit.DefaultTimeout = 10 * time.Second
	}
	if cfg.Toolkit.DefaultMaxRetries == 0 {
		cfg.Toolkit.DefaultMaxRetries = 2
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.MetricsPort == 0 {
		cfg.HTTP.MetricsPort = 9090
	}
	if cfg.TimeCompression.Ratio == "" {
		cfg.TimeCompression.Ratio = "day-to-minute"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ORCH_DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_CACHE_URL")); v != "" {
		cfg.Cache.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_BUS_BROKERS")); v != "" {
		cfg.Bus.Brokers = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_PLANNER_ENDPOINT")); v != "" {
		cfg.Planner.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_PLANNER_MODEL_ID")); v != "" {
		cfg.Planner.ModelID = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_PLANNER_API_KEY")); v != "" {
		cfg.Planner.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_EMAIL_API_KEY")); v != "" {
		cfg.Channels.EmailAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_MESSAGING_API_KEY")); v != "" {
		cfg.Channels.MessagingAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_SECURITY_SECRET")); v != "" {
		cfg.Security.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_ENABLE_TRACING")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.EnableTracing = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORCH_DISABLE_TIME_COMPRESSION")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil && parsed {
			cfg.TimeCompression.Enabled = false
		}
	}
}

// ValidationError collects every config problem found in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		issues = append(issues, `database.driver must be "postgres" or "sqlite"`)
	}
	if cfg.Database.URL == "" {
		issues = append(issues, "database.url is required")
	}

	switch cfg.Planner.Provider {
	case "anthropic", "openai":
	default:
		issues = append(issues, `planner.provider must be "anthropic" or "openai"`)
	}

	if cfg.TimeCompression.Enabled && cfg.Environment == "production" {
		issues = append(issues, "time_compression.enabled must be false when environment is production")
	}
	switch cfg.TimeCompression.Ratio {
	case "day-to-minute", "hour-to-second", "minute-to-second":
	default:
		issues = append(issues, `time_compression.ratio must be "day-to-minute", "hour-to-second", or "minute-to-second"`)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
