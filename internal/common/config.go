package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration.
type Config struct {
	Environment     string           `toml:"environment"`       // "development" or "production"
	DeleteOnStartup []string         `toml:"delete_on_startup"` // data categories to purge on startup (eventbus, executions); loaded and cloned, but the startup path does not read it
	Server          ServerConfig     `toml:"server"`
	Database        DatabaseConfig   `toml:"database"`
	Encryption      EncryptionConfig `toml:"encryption"`
	Pool            PoolConfig       `toml:"pool"`
	Scheduler       SchedulerConfig  `toml:"scheduler"`
	Webhook         WebhookConfig    `toml:"webhook"`
	EventBus        EventBusConfig   `toml:"eventbus"`
	Logging         LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DatabaseConfig addresses the control-plane store. It may be the same
// MongoDB instance that also backs per-workspace destination stores.
type DatabaseConfig struct {
	ConnectionString string `toml:"connection_string"`
	Database         string `toml:"database"`
}

// EncryptionConfig holds the AES-256-CBC key used to decrypt connector and
// destination secrets read through the config store gateway.
type EncryptionConfig struct {
	KeyHex string `toml:"key_hex"` // 64 hex chars = 32 bytes
}

// PoolConfig holds the connection-pool tuning knobs.
type PoolConfig struct {
	MaxPoolSize       int `toml:"max_pool_size"`
	MinPoolSize       int `toml:"min_pool_size"`
	MaxIdleMs         int `toml:"max_idle_ms"`
	ServerSelectionMs int `toml:"server_selection_ms"`
	ConnectMs         int `toml:"connect_ms"`
	IdleSweepSeconds  int `toml:"idle_sweep_seconds"` // how often the pool reaps idle clients
}

// SchedulerConfig tunes the per-job cron evaluation loop.
type SchedulerConfig struct {
	TickInterval       string `toml:"tick_interval"`         // e.g. "1s"
	JitterMaxMs        int    `toml:"jitter_max_ms"`         // per-fire jitter, 0-5s
	StartupJitterMaxMs int    `toml:"startup_jitter_max_ms"` // 0-60s
}

// WebhookConfig tunes the inbound webhook worker pool.
type WebhookConfig struct {
	Workers               int `toml:"workers"`
	RetrySweepIntervalMin int `toml:"retry_sweep_interval_min"`
	RetryMaxBatch         int `toml:"retry_max_batch"`
	RetryMaxAttempts      int `toml:"retry_max_attempts"`
	CleanupRetentionDays  int `toml:"cleanup_retention_days"`
}

// EventBusConfig addresses the durable at-least-once badger-backed queue
// that carries sync/job.execute, sync/job.manual and webhook/event.process
// deliveries.
type EventBusConfig struct {
	Path              string `toml:"path"`
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m"
	MaxReceive        int    `toml:"max_receive"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// NewDefaultConfig creates a configuration with default values. Technical
// parameters are hardcoded here for production stability; only user-facing
// settings should be exposed in syncd.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			ConnectionString: "mongodb://localhost:27017",
			Database:         "syncd",
		},
		Encryption: EncryptionConfig{},
		Pool: PoolConfig{
			MaxPoolSize:       10,
			MinPoolSize:       2,
			MaxIdleMs:         30000,
			ServerSelectionMs: 10000,
			ConnectMs:         10000,
			IdleSweepSeconds:  60,
		},
		Scheduler: SchedulerConfig{
			TickInterval:       "1s",
			JitterMaxMs:        5000,
			StartupJitterMaxMs: 60000,
		},
		Webhook: WebhookConfig{
			Workers:               25,
			RetrySweepIntervalMin: 30,
			RetryMaxBatch:         100,
			RetryMaxAttempts:      5,
			CleanupRetentionDays:  30,
		},
		EventBus: EventBusConfig{
			Path:              "./data/eventbus",
			VisibilityTimeout: "5m",
			MaxReceive:        5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFile loads configuration from a single TOML file, layered over
// defaults. An empty path loads defaults only.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// ones. Example: LoadFromFiles("base.toml", "override.toml").
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// SYNCD_* variables always take precedence over file configuration.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SYNCD_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SYNCD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SYNCD_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if dsn := os.Getenv("SYNCD_DATABASE_URL"); dsn != "" {
		config.Database.ConnectionString = dsn
	} else if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Database.ConnectionString = dsn
	}
	if db := os.Getenv("SYNCD_DATABASE_NAME"); db != "" {
		config.Database.Database = db
	} else if db := os.Getenv("DATABASE_NAME"); db != "" {
		config.Database.Database = db
	}

	if key := os.Getenv("SYNCD_ENCRYPTION_KEY"); key != "" {
		config.Encryption.KeyHex = key
	} else if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		config.Encryption.KeyHex = key
	}

	if v := os.Getenv("SYNCD_POOL_MAX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.MaxPoolSize = n
		}
	}
	if v := os.Getenv("SYNCD_POOL_MIN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.MinPoolSize = n
		}
	}

	if v := os.Getenv("SYNCD_EVENTBUS_PATH"); v != "" {
		config.EventBus.Path = v
	}

	if v := os.Getenv("SYNCD_WEBHOOK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Webhook.Workers = n
		}
	}

	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides, which take
// highest priority.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ValidateJobSchedule validates a cron schedule expression and rejects a
// minute field of "*" or "*/N" with N below 5. Other minute fields (lists,
// ranges) are not checked against the 5-minute minimum.
func ValidateJobSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct, used to prevent
// mutation of a shared config instance.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.DeleteOnStartup) > 0 {
		clone.DeleteOnStartup = make([]string, len(c.DeleteOnStartup))
		copy(clone.DeleteOnStartup, c.DeleteOnStartup)
	}

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	return &clone
}
