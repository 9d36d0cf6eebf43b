// Package config loads the engine's yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals yaml strings like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

type RetryConfig struct {
	MaxRetries         int      `yaml:"max_retries"`
	Delay              Duration `yaml:"delay"`
	ExponentialBackoff bool     `yaml:"exponential_backoff"`
	MaxDelay           Duration `yaml:"max_delay"`
	DenyClasses        []string `yaml:"deny_classes"`
	AllowClasses       []string `yaml:"allow_classes"`
}

type QueueConfig struct {
	Name          string      `yaml:"name"`
	Order         string      `yaml:"order"`
	MaxConcurrent int         `yaml:"max_concurrent"`
	RatePerSec    float64     `yaml:"rate_per_sec"`
	Retry         RetryConfig `yaml:"retry"`
}

// DestinationConfig declares one publishing target. Webhook destinations
// need a URL; telegram destinations need a bot token and chat id.
type DestinationConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"` // webhook | telegram
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type Config struct {
	Addr              string              `yaml:"addr"`
	DBPath            string              `yaml:"db_path"`
	Debug             bool                `yaml:"debug"`
	ScheduleInterval  Duration            `yaml:"schedule_interval"`
	QueueInterval     Duration            `yaml:"queue_interval"`
	StatsTimezone     string              `yaml:"stats_timezone"`
	PublishRatePerSec float64             `yaml:"publish_rate_per_sec"`
	Queues            []QueueConfig       `yaml:"queues"`
	Destinations      []DestinationConfig `yaml:"destinations"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:             ":8080",
		DBPath:           "postflow.db",
		ScheduleInterval: Duration{time.Minute},
		QueueInterval:    Duration{10 * time.Second},
		StatsTimezone:    "UTC",
	}
}

// Load reads path over the defaults. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ScheduleInterval.Duration <= 0 {
		cfg.ScheduleInterval = Duration{time.Minute}
	}
	if cfg.QueueInterval.Duration <= 0 {
		cfg.QueueInterval = Duration{10 * time.Second}
	}
	return cfg, nil
}
