package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	HTTPAddr string  `yaml:"http_addr" json:"-"`
	DBPath   string  `yaml:"db_path"   json:"-"`
	LogLevel string  `yaml:"log_level" json:"-"`
	Catalog  Catalog `yaml:"catalog"   json:"catalog"`
	Sync     Sync    `yaml:"sync"      json:"sync"`
}

// Catalog configures the external catalog service client.
type Catalog struct {
	BaseURL          string `yaml:"base_url"           json:"base_url"`
	Username         string `yaml:"username"           json:"username"`
	APIToken         string `yaml:"api_token"          json:"-"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"    json:"timeout_seconds"`
	MaxAttempts      int    `yaml:"max_attempts"       json:"max_attempts"`
	AppInfoBatchSize int    `yaml:"appinfo_batch_size" json:"appinfo_batch_size"`
}

// Sync configures the mapping synchronization engine.
type Sync struct {
	// GapThreshold is the largest change-number gap the catalog service
	// will serve as an incremental delta. Beyond it the engine refuses
	// to start an incremental run.
	GapThreshold        uint64 `yaml:"gap_threshold"         json:"gap_threshold"`
	Schedule            string `yaml:"schedule"              json:"schedule"`
	SyncPaused          bool   `yaml:"sync_paused"           json:"sync_paused"`
	SnapshotURL         string `yaml:"snapshot_url"          json:"snapshot_url"`
	SnapshotMinMappings int    `yaml:"snapshot_min_mappings" json:"snapshot_min_mappings"`
}

// Anonymous reports whether the catalog client should log on without
// an account.
func (c Catalog) Anonymous() bool {
	return c.Username == ""
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":9080"
	}
	if c.DBPath == "" {
		c.DBPath = "/data/depotsync.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Catalog.BaseURL == "" {
		c.Catalog.BaseURL = "https://pics.lancache.site/api/v1"
	}
	if c.Catalog.TimeoutSeconds == 0 {
		c.Catalog.TimeoutSeconds = 30
	}
	if c.Catalog.MaxAttempts == 0 {
		c.Catalog.MaxAttempts = 5
	}
	if c.Catalog.AppInfoBatchSize == 0 {
		c.Catalog.AppInfoBatchSize = 200
	}
	if c.Sync.GapThreshold == 0 {
		c.Sync.GapThreshold = 20000
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@hourly"
	}
	if c.Sync.SnapshotURL == "" {
		c.Sync.SnapshotURL = "https://raw.githubusercontent.com/lancachenet/depot-mappings/main/depot_mappings.json"
	}
	if c.Sync.SnapshotMinMappings == 0 {
		c.Sync.SnapshotMinMappings = 1000
	}
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the server
// can start without a mounted config file (useful for bare Docker runs).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
