// Package config loads and validates sampler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Sampler   SamplerConfig   `mapstructure:"sampler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SamplerConfig governs round cadence and the local archive.
type SamplerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Interval    time.Duration `mapstructure:"interval"`
	// Samples is the number of rounds; 0 runs until interrupted.
	Samples   int    `mapstructure:"samples"`
	OutputDir string `mapstructure:"output_dir"`
}

// FetchConfig configures the feed HTTP client.
type FetchConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PerHostRPS     float64       `mapstructure:"per_host_rps"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// CatalogConfig selects where feed descriptors come from.
type CatalogConfig struct {
	Provider     string `mapstructure:"provider"`
	RefreshToken string `mapstructure:"refresh_token"`
	BaseURL      string `mapstructure:"base_url"`
	FeedsFile    string `mapstructure:"feeds_file"`
}

// KeysConfig points at the feed-to-secret mapping and the store that
// resolves its references.
type KeysConfig struct {
	Provider   string `mapstructure:"provider"`
	ConfigFile string `mapstructure:"config_file"`
}

// StorageConfig selects the blob store for finalized archives.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
	Gzip     bool   `mapstructure:"gzip"`
}

// LedgerConfig selects the upload ledger.
type LedgerConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// PubSubConfig holds metadata for upload notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// AggregateConfig toggles post-upload daily aggregation.
type AggregateConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Providers.
const (
	CatalogMobilityData = "mobilitydata"
	CatalogStatic       = "static"

	StorageNone   = "none"
	StorageGCS    = "gcs"
	StorageS3     = "s3"
	StorageLocal  = "local"
	StorageMemory = "memory"

	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"

	PublisherGCP    = "gcp"
	PublisherMemory = "memory"

	KeysSSM            = "ssm"
	KeysSecretsManager = "secretsmanager"
)

// New returns a Viper instance with env binding and defaults applied.
// Commands bind their flags onto it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return Decode(v)
}

// ReadFile merges the config file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sampler.concurrency", 5)
	v.SetDefault("sampler.interval", time.Minute)
	v.SetDefault("sampler.samples", 1)
	v.SetDefault("sampler.output_dir", "feeds")
	v.SetDefault("fetch.request_timeout", 30*time.Second)
	v.SetDefault("fetch.connect_timeout", 10*time.Second)
	v.SetDefault("fetch.max_attempts", 1)
	v.SetDefault("fetch.per_host_rps", 0.0)
	v.SetDefault("fetch.user_agent", "realtime-feed-rater/1.0")
	v.SetDefault("catalog.provider", CatalogMobilityData)
	v.SetDefault("catalog.base_url", "https://api.mobilitydatabase.org")
	v.SetDefault("keys.provider", KeysSSM)
	v.SetDefault("keys.config_file", "")
	v.SetDefault("storage.provider", StorageNone)
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.base_dir", "uploads")
	v.SetDefault("storage.gzip", false)
	v.SetDefault("ledger.provider", LedgerMemory)
	v.SetDefault("ledger.table", "archive_uploads")
	v.SetDefault("pubsub.provider", PublisherGCP)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("aggregate.enabled", false)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Sampler.Concurrency <= 0 {
		return fmt.Errorf("sampler.concurrency must be > 0")
	}
	if c.Sampler.Interval <= 0 {
		return fmt.Errorf("sampler.interval must be > 0")
	}
	if c.Sampler.Samples < 0 {
		return fmt.Errorf("sampler.samples must be >= 0")
	}
	if c.Sampler.OutputDir == "" {
		return fmt.Errorf("sampler.output_dir must be set")
	}
	if c.Fetch.RequestTimeout <= 0 || c.Fetch.ConnectTimeout <= 0 {
		return fmt.Errorf("fetch timeouts must be > 0")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be >= 1")
	}
	if c.Fetch.PerHostRPS < 0 {
		return fmt.Errorf("fetch.per_host_rps must be >= 0")
	}
	switch c.Catalog.Provider {
	case CatalogMobilityData:
		if c.Catalog.BaseURL == "" {
			return fmt.Errorf("catalog.base_url must be set for the mobilitydata catalog")
		}
	case CatalogStatic:
		if c.Catalog.FeedsFile == "" {
			return fmt.Errorf("catalog.feeds_file must be set for the static catalog")
		}
	default:
		return fmt.Errorf("unknown catalog.provider %q", c.Catalog.Provider)
	}
	switch c.Keys.Provider {
	case KeysSSM, KeysSecretsManager, "":
	default:
		return fmt.Errorf("unknown keys.provider %q", c.Keys.Provider)
	}
	switch c.Storage.Provider {
	case StorageNone, StorageMemory:
	case StorageGCS, StorageS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for provider %q", c.Storage.Provider)
		}
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local store")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.Ledger.Provider {
	case LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger.provider %q", c.Ledger.Provider)
	}
	switch c.PubSub.Provider {
	case PublisherGCP, "":
		if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
		}
	case PublisherMemory:
	default:
		return fmt.Errorf("unknown pubsub.provider %q", c.PubSub.Provider)
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}

// Unbounded reports whether the sampler runs until interrupted.
func (c Config) Unbounded() bool {
	return c.Sampler.Samples == 0
}
