package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Archive.RootURL != "https://papers.nips.cc/" || cfg.Archive.OutputDir != "output" {
		t.Fatalf("unexpected archive defaults: %+v", cfg.Archive)
	}
	if cfg.Crawl.CheckpointInterval != 100 || cfg.Crawl.ProgressInterval != 10 || cfg.Crawl.Workers != 1 {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawl)
	}
	if cfg.Politeness.MinDelay != time.Second || cfg.Politeness.MaxDelay != 3*time.Second {
		t.Fatalf("unexpected politeness defaults: %+v", cfg.Politeness)
	}
	if cfg.Retry.MaxAttempts != 1 || cfg.HTTP.Timeout != 30*time.Second {
		t.Fatalf("unexpected retry/http defaults: %+v %+v", cfg.Retry, cfg.HTTP)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.DB.Table != "papers" || cfg.Server.Addr != "" {
		t.Fatalf("unexpected db/server defaults: %+v %+v", cfg.DB, cfg.Server)
	}
	if cfg.UseRateLimiter() {
		t.Fatal("default config should use randomized delays")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
archive:
  root_url: https://archive.test/
  output_dir: /data/runs
crawl:
  max_proceedings: 3
  checkpoint_interval: 25
  workers: 4
politeness:
  min_delay: 200ms
  max_delay: 2s
  rps: 1.5
  burst: 2
http:
  timeout: 45s
  user_agent: real-agent
retry:
  max_attempts: 3
  base_delay: 100ms
  max_delay: 1s
logging:
  development: false
  level: debug
server:
  addr: ":9090"
export:
  gcs_bucket: bucket
  prefix: papers
  include_shards: true
notify:
  project_id: proj
  topic: runs
db:
  dsn: postgres://localhost/papers
  table: nips_papers
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Archive.RootURL != "https://archive.test/" || cfg.Archive.OutputDir != "/data/runs" {
		t.Fatalf("expected archive overrides, got %+v", cfg.Archive)
	}
	if cfg.Crawl.MaxProceedings != 3 || cfg.Crawl.CheckpointInterval != 25 || cfg.Crawl.Workers != 4 {
		t.Fatalf("expected crawl overrides, got %+v", cfg.Crawl)
	}
	if cfg.Crawl.ProgressInterval != 10 {
		t.Fatalf("expected unspecified keys to keep defaults, got %d", cfg.Crawl.ProgressInterval)
	}
	if cfg.Politeness.MinDelay != 200*time.Millisecond || cfg.Politeness.RPS != 1.5 || cfg.Politeness.Burst != 2 {
		t.Fatalf("expected politeness overrides, got %+v", cfg.Politeness)
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.UserAgent != "real-agent" {
		t.Fatalf("expected http overrides, got %+v", cfg.HTTP)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.MaxDelay != time.Second {
		t.Fatalf("expected retry overrides, got %+v", cfg.Retry)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if !cfg.Export.IncludeShards || cfg.Export.GCSBucket != "bucket" || cfg.Notify.Topic != "runs" {
		t.Fatalf("expected export/notify overrides, got %+v %+v", cfg.Export, cfg.Notify)
	}
	if cfg.DB.Table != "nips_papers" || cfg.Server.Addr != ":9090" {
		t.Fatalf("expected db/server overrides, got %+v %+v", cfg.DB, cfg.Server)
	}
	if !cfg.UseRateLimiter() {
		t.Fatal("expected rate limiter with rps > 0")
	}
}

// TestLoadEnvOverrides mutates the process environment, so it is not parallel.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAPERCRAWL_CRAWL_WORKERS", "3")
	t.Setenv("PAPERCRAWL_ARCHIVE_OUTPUT_DIR", "/tmp/papers")
	t.Setenv("PAPERCRAWL_POLITENESS_MAX_DELAY", "5s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.Workers != 3 {
		t.Fatalf("expected workers from env, got %d", cfg.Crawl.Workers)
	}
	if cfg.Archive.OutputDir != "/tmp/papers" {
		t.Fatalf("expected output dir from env, got %q", cfg.Archive.OutputDir)
	}
	if cfg.Politeness.MaxDelay != 5*time.Second {
		t.Fatalf("expected max delay from env, got %v", cfg.Politeness.MaxDelay)
	}
	if !cfg.UseRateLimiter() {
		t.Fatal("parallel workers should share a rate limiter")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Archive:    ArchiveConfig{RootURL: "https://papers.nips.cc/", OutputDir: "output"},
		Crawl:      CrawlConfig{CheckpointInterval: 100, ProgressInterval: 10, Workers: 1},
		Politeness: PolitenessConfig{MinDelay: time.Second, MaxDelay: 3 * time.Second},
		HTTP:       HTTPConfig{Timeout: 30 * time.Second},
		Retry:      RetryConfig{MaxAttempts: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative root url", func(c *Config) { c.Archive.RootURL = "/paper_files" }, "archive.root_url"},
		{"missing output dir", func(c *Config) { c.Archive.OutputDir = " " }, "archive.output_dir"},
		{"negative max proceedings", func(c *Config) { c.Crawl.MaxProceedings = -1 }, "crawl.max_proceedings"},
		{"zero checkpoint interval", func(c *Config) { c.Crawl.CheckpointInterval = 0 }, "crawl.checkpoint_interval"},
		{"zero progress interval", func(c *Config) { c.Crawl.ProgressInterval = 0 }, "crawl.progress_interval"},
		{"zero workers", func(c *Config) { c.Crawl.Workers = 0 }, "crawl.workers"},
		{"inverted delays", func(c *Config) { c.Politeness.MaxDelay = 0 }, "politeness"},
		{"negative rps", func(c *Config) { c.Politeness.RPS = -1 }, "politeness.rps"},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"inverted retry delays", func(c *Config) {
			c.Retry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}
		}, "retry.max_delay"},
		{"topic without project", func(c *Config) { c.Notify.Topic = "runs" }, "notify.project_id"},
		{"two export targets", func(c *Config) {
			c.Export.GCSBucket = "bucket"
			c.Export.LocalDir = "/mnt/export"
		}, "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
