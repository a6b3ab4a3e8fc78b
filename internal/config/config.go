package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Values come from an optional YAML
// file; command-line flags override whatever the file sets.
type Config struct {
	Addr          string        `yaml:"addr"`
	DBPath        string        `yaml:"db_path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepCron     string        `yaml:"sweep_cron"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	NotifyWebhook string        `yaml:"notify_webhook"`
	NotifyBuffer  int           `yaml:"notify_buffer"`
	NotifyWorkers int           `yaml:"notify_workers"`
	QueueSeedFile string        `yaml:"queue_seed_file"`
	DefaultAdmin  string        `yaml:"default_administrator"`
	Debug         bool          `yaml:"debug"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Addr:          ":8080",
		DBPath:        "taskengine.db",
		SweepInterval: time.Minute,
		StoreTimeout:  5 * time.Second,
		CacheTTL:      30 * time.Second,
		NotifyBuffer:  256,
		NotifyWorkers: 8,
		DefaultAdmin:  "admin",
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
