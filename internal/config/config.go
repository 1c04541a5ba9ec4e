package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for coffer
type Config struct {
	// Server configuration
	AdminListen string `mapstructure:"admin_listen"`
	DataDir     string `mapstructure:"data_dir"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json, text

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Metadata catalog configuration
	Metadata MetadataConfig `mapstructure:"metadata"`

	// Multipart upload configuration
	Multipart MultipartConfig `mapstructure:"multipart"`

	// Audit configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig defines blob store configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // filesystem

	// Filesystem backend
	Root string `mapstructure:"root"`

	// WriteRetries is how many times a failed blob write is retried
	// before giving up.
	WriteRetries int `mapstructure:"write_retries"`

	// VerifyOnRead re-hashes every object against its recorded digest
	// before serving it. Expensive; meant for paranoid deployments.
	VerifyOnRead bool `mapstructure:"verify_on_read"`
}

// MetadataConfig defines catalog configuration
type MetadataConfig struct {
	Backend string `mapstructure:"backend"` // pebble, badger

	// SyncWrites makes every catalog commit durable before it is
	// acknowledged. Disabling trades the crash guarantee for latency.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// MultipartConfig defines multipart upload limits and sweeping
type MultipartConfig struct {
	MinPartSize        int64         `mapstructure:"min_part_size"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
}

// AuditConfig defines the operation audit log
type AuditConfig struct {
	Enable bool `mapstructure:"enable"`

	// RetentionDays prunes audit entries older than this. Zero keeps
	// everything.
	RetentionDays int `mapstructure:"retention_days"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"` // system metrics collection, seconds
}

// Load loads configuration from flags, config file and environment.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("COFFER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("admin_listen", ":9480")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Storage defaults
	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.root", "") // derived from data_dir when empty
	v.SetDefault("storage.write_retries", 2)
	v.SetDefault("storage.verify_on_read", false)

	// Catalog defaults: durable by default
	v.SetDefault("metadata.backend", "pebble")
	v.SetDefault("metadata.sync_writes", true)

	// Multipart defaults
	v.SetDefault("multipart.min_part_size", 5*1024*1024)
	v.SetDefault("multipart.idle_timeout", "24h")
	v.SetDefault("multipart.sweep_interval", "5m")
	v.SetDefault("multipart.tombstone_retention", "24h")

	// Audit defaults
	v.SetDefault("audit.enable", true)
	v.SetDefault("audit.retention_days", 90)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 10)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"admin-listen": "admin_listen",
		"data-dir":     "data_dir",
		"log-level":    "log_level",
		"log-format":   "log_format",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or COFFER_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Derive the blob root from data_dir when unset.
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = filepath.Join(cfg.DataDir, "objects")
	}
	if !filepath.IsAbs(cfg.Storage.Root) {
		absRoot, err := filepath.Abs(cfg.Storage.Root)
		if err == nil {
			cfg.Storage.Root = absRoot
		}
	}

	switch cfg.Metadata.Backend {
	case "pebble", "badger":
	default:
		return fmt.Errorf("metadata.backend must be pebble or badger, got %q", cfg.Metadata.Backend)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}

	if cfg.Multipart.MinPartSize < 0 {
		return fmt.Errorf("multipart.min_part_size cannot be negative")
	}

	return nil
}
