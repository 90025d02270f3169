package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TomlDatabase is the record store connection target
type TomlDatabase struct {
	Driver string `toml:"driver"` // sqlite or postgres
	DSN    string `toml:"dsn"`
}

// TomlModel configures one of the external text services
type TomlModel struct {
	Provider          string  `toml:"provider"`
	Model             string  `toml:"model"`
	APIURL            string  `toml:"api_url"`
	APIKey            string  `toml:"api_key"`
	Temperature       float64 `toml:"temperature"`
	RequestsPerMinute int     `toml:"requests_per_minute"`
}

// TomlClustering holds the density clustering sensitivity parameters
type TomlClustering struct {
	MinClusterSize int     `toml:"min_cluster_size"`
	MinSamples     int     `toml:"min_samples"`
	Epsilon        float64 `toml:"epsilon,omitempty"`
	// Let a corpus that never splits form one event instead of all noise
	AllowSingleCluster bool `toml:"allow_single_cluster"`
}

// TomlRetention holds the retention and archival horizons in days
type TomlRetention struct {
	DeleteAfterDays  int `toml:"delete_after_days"`
	ArchiveAfterDays int `toml:"archive_after_days"`
}

type TomlPipeline struct {
	Workers          int    `toml:"workers"`
	SummaryMaxLength int    `toml:"summary_max_length"`
	TitleMaxLength   int    `toml:"title_max_length"`
	Interval         string `toml:"interval,omitempty"` // scheduled run interval for serve, empty disables
}

type TomlServer struct {
	Listen string `toml:"listen"`
}

// TomlLocks configures cross-process stage locks. Empty RedisAddr keeps locks in-process.
type TomlLocks struct {
	RedisAddr string `toml:"redis_addr,omitempty"`
	Prefix    string `toml:"prefix"`
	TTL       string `toml:"ttl"`
}

type TomlFirehose struct {
	JetstreamHosts []string `toml:"jetstream_hosts"`
	Compress       bool     `toml:"compress"`
	Languages      []string `toml:"languages,omitempty"`
	MinWords       int      `toml:"min_words"`
	Workers        int      `toml:"workers"`
}

// Config is the top-level configuration
type Config struct {
	Database   TomlDatabase   `toml:"database"`
	Generation TomlModel      `toml:"generation"`
	Embedding  TomlModel      `toml:"embedding"`
	Clustering TomlClustering `toml:"clustering"`
	Retention  TomlRetention  `toml:"retention"`
	Pipeline   TomlPipeline   `toml:"pipeline"`
	Server     TomlServer     `toml:"server"`
	Locks      TomlLocks      `toml:"locks"`
	Firehose   TomlFirehose   `toml:"firehose"`
}

// Default returns the configuration used when no file or flag overrides a value.
func Default() *Config {
	return &Config{
		Database: TomlDatabase{
			Driver: "sqlite",
			DSN:    "storyline.db",
		},
		Generation: TomlModel{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Temperature:       0.3,
			RequestsPerMinute: 60,
		},
		Embedding: TomlModel{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			RequestsPerMinute: 300,
		},
		Clustering: TomlClustering{
			MinClusterSize:     5,
			MinSamples:         3,
			AllowSingleCluster: true,
		},
		Retention: TomlRetention{
			DeleteAfterDays:  7,
			ArchiveAfterDays: 30,
		},
		Pipeline: TomlPipeline{
			Workers:          4,
			SummaryMaxLength: 60,
			TitleMaxLength:   40,
		},
		Server: TomlServer{
			Listen: ":8888",
		},
		Locks: TomlLocks{
			Prefix: "storyline:lock:",
			TTL:    "30m",
		},
		Firehose: TomlFirehose{
			JetstreamHosts: []string{
				"wss://jetstream1.us-east.bsky.network",
				"wss://jetstream2.us-east.bsky.network",
			},
			MinWords: 4,
			Workers:  4,
		},
	}
}

// LoadConfig reads the TOML file at path on top of the defaults.
// An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration can drive the pipeline.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Generation.Model == "" {
		errs = append(errs, errors.New("generation.model is required"))
	}
	if c.Embedding.Model == "" {
		errs = append(errs, errors.New("embedding.model is required"))
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature must be within [0, 2], got %v", c.Generation.Temperature))
	}
	if c.Clustering.MinClusterSize < 2 {
		errs = append(errs, fmt.Errorf("clustering.min_cluster_size must be at least 2, got %d", c.Clustering.MinClusterSize))
	}
	if c.Clustering.MinSamples < 1 {
		errs = append(errs, fmt.Errorf("clustering.min_samples must be at least 1, got %d", c.Clustering.MinSamples))
	}
	if c.Clustering.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("clustering.epsilon must not be negative, got %v", c.Clustering.Epsilon))
	}
	if c.Retention.DeleteAfterDays < 1 {
		errs = append(errs, fmt.Errorf("retention.delete_after_days must be positive, got %d", c.Retention.DeleteAfterDays))
	}
	if c.Retention.ArchiveAfterDays < 1 {
		errs = append(errs, fmt.Errorf("retention.archive_after_days must be positive, got %d", c.Retention.ArchiveAfterDays))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.SummaryMaxLength < 1 {
		errs = append(errs, fmt.Errorf("pipeline.summary_max_length must be positive, got %d", c.Pipeline.SummaryMaxLength))
	}
	if c.Pipeline.TitleMaxLength < 1 {
		errs = append(errs, fmt.Errorf("pipeline.title_max_length must be positive, got %d", c.Pipeline.TitleMaxLength))
	}
	if c.Pipeline.Interval != "" {
		if _, err := time.ParseDuration(c.Pipeline.Interval); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.interval: %w", err))
		}
	}
	if ttl, err := time.ParseDuration(c.Locks.TTL); err != nil {
		errs = append(errs, fmt.Errorf("locks.ttl: %w", err))
	} else if ttl < time.Second {
		errs = append(errs, fmt.Errorf("locks.ttl must be at least 1s, got %v", ttl))
	}

	return errors.Join(errs...)
}

// LockTTL returns the parsed lock lease duration.
func (c *Config) LockTTL() time.Duration {
	ttl, err := time.ParseDuration(c.Locks.TTL)
	if err != nil {
		return 30 * time.Minute
	}
	return ttl
}

// Interval returns the scheduled run interval, zero when scheduling is off.
func (c *Config) Interval() time.Duration {
	if c.Pipeline.Interval == "" {
		return 0
	}
	interval, err := time.ParseDuration(c.Pipeline.Interval)
	if err != nil {
		return 0
	}
	return interval
}
