// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PAPERCRAWL_CRAWL_WORKERS.
const EnvPrefix = "PAPERCRAWL"

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Export     ExportConfig     `mapstructure:"export"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	DB         DBConfig         `mapstructure:"db"`
}

// ArchiveConfig names the site to crawl and where runs are written.
type ArchiveConfig struct {
	RootURL   string `mapstructure:"root_url"`
	OutputDir string `mapstructure:"output_dir"`
}

// CrawlConfig governs the proceeding and paper loops.
type CrawlConfig struct {
	MaxProceedings     int `mapstructure:"max_proceedings"`
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
	ProgressInterval   int `mapstructure:"progress_interval"`
	Workers            int `mapstructure:"workers"`
}

// PolitenessConfig sets the delay between requests. A positive RPS switches
// from randomized delays to a token bucket.
type PolitenessConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	RPS      float64       `mapstructure:"rps"`
	Burst    int           `mapstructure:"burst"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// RetryConfig controls per-fetch retries. MaxAttempts of 1 disables retrying.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status HTTP endpoint. Empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets where run artifacts are copied after a crawl.
type ExportConfig struct {
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
	LocalDir      string `mapstructure:"local_dir"`
	IncludeShards bool   `mapstructure:"include_shards"`
}

// NotifyConfig holds metadata for the run notification.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DBConfig controls the optional Postgres mirror.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// appear in no config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("archive.root_url", "https://papers.nips.cc/")
	v.SetDefault("archive.output_dir", "output")
	v.SetDefault("crawl.max_proceedings", 0)
	v.SetDefault("crawl.checkpoint_interval", 100)
	v.SetDefault("crawl.progress_interval", 10)
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("politeness.min_delay", time.Second)
	v.SetDefault("politeness.max_delay", 3*time.Second)
	v.SetDefault("politeness.rps", 0)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "proceedings-crawler/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.addr", "")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.prefix", "")
	v.SetDefault("export.local_dir", "")
	v.SetDefault("export.include_shards", false)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "papers")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Archive.RootURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("archive.root_url must be an absolute URL, got %q", c.Archive.RootURL)
	}
	if strings.TrimSpace(c.Archive.OutputDir) == "" {
		return errors.New("archive.output_dir is required")
	}
	if c.Crawl.MaxProceedings < 0 {
		return fmt.Errorf("crawl.max_proceedings must be >= 0")
	}
	if c.Crawl.CheckpointInterval <= 0 {
		return fmt.Errorf("crawl.checkpoint_interval must be > 0")
	}
	if c.Crawl.ProgressInterval <= 0 {
		return fmt.Errorf("crawl.progress_interval must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Politeness.MinDelay < 0 || c.Politeness.MaxDelay < c.Politeness.MinDelay {
		return fmt.Errorf("politeness delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Politeness.RPS < 0 {
		return fmt.Errorf("politeness.rps must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.MaxAttempts > 1 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Notify.Topic != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id must be set when notify.topic is set")
	}
	if c.Export.GCSBucket != "" && c.Export.LocalDir != "" {
		return fmt.Errorf("export.gcs_bucket and export.local_dir are mutually exclusive")
	}
	return nil
}

// UseRateLimiter reports whether the token bucket pacer should replace the
// randomized delay. Parallel workers always share a bucket.
func (c Config) UseRateLimiter() bool {
	return c.Politeness.RPS > 0 || c.Crawl.Workers > 1
}
