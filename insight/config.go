package insight

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tubescope/insight/internal/pipeline"
	"github.com/hazyhaar/tubescope/insight/internal/scheduler"
	"github.com/hazyhaar/tubescope/insight/internal/source"
)

// Config configures the insight service.
type Config struct {
	// Source settings (API key, rate limits, retries).
	Source source.Config `yaml:"source"`

	// Pipeline settings (worker pool, slow-stage wait).
	Pipeline pipeline.Config `yaml:"pipeline"`

	// Scheduler settings for background refresh of tracked entities.
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Stages toggles and tunes the built-in analysis stages.
	Stages StagesConfig `yaml:"stages"`

	// CacheSize bounds the in-memory result cache.
	CacheSize int `yaml:"cache_size"`

	// CollectVideos is how many recent videos to ingest per channel.
	CollectVideos int `yaml:"collect_videos"`
}

// StagesConfig tunes the built-in stages. TTLs of 0 use per-stage defaults.
type StagesConfig struct {
	SentimentTTL  time.Duration `yaml:"sentiment_ttl"`
	ThumbnailTTL  time.Duration `yaml:"thumbnail_ttl"`
	CompetitorTTL time.Duration `yaml:"competitor_ttl"`

	// CompetitorSet is the configured comparison set of channel IDs.
	// Empty disables the competitor stage.
	CompetitorSet []string `yaml:"competitor_set"`
}

func (c *Config) defaults() {
	if c.Stages.SentimentTTL <= 0 {
		c.Stages.SentimentTTL = time.Hour
	}
	if c.Stages.ThumbnailTTL <= 0 {
		c.Stages.ThumbnailTTL = 24 * time.Hour
	}
	if c.Stages.CompetitorTTL <= 0 {
		c.Stages.CompetitorTTL = 6 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.CollectVideos <= 0 {
		c.CollectVideos = 25
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfig reads a YAML config file. A missing path returns defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("insight: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("insight: parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}
