// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/meridian/sales-engine/contract"
)

// Config is the full engine configuration, loaded once at startup.
type Config struct {
	Server  Server  `yaml:"server"`
	DB      DB      `yaml:"db"`
	Source  Source  `yaml:"source"`
	Ingest  Ingest  `yaml:"ingest"`
	Renewal Renewal `yaml:"renewal"`

	// Fields maps external payload keys to canonical contract fields.
	Fields contract.FieldMap `yaml:"fields"`

	// Statuses restricts which contract statuses count toward KPIs and
	// XP. Empty means all statuses.
	Statuses []string `yaml:"statuses"`

	// LockedMonths lists YYYY-MM months closed to recomputation, in
	// addition to months closed through the API.
	LockedMonths []string `yaml:"locked_months"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type DB struct {
	Path string `yaml:"path"`
}

// Source configures the external contracts API.
type Source struct {
	// Name tags normalized contracts and raw records with their origin.
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Ingest struct {
	PageSize     int `yaml:"page_size"`
	BatchSize    int `yaml:"batch_size"`
	Concurrency  int `yaml:"concurrency"`
	LookbackDays int `yaml:"lookback_days"`

	// Schedule is a cron expression for the incremental sync; empty
	// disables scheduling.
	Schedule string `yaml:"schedule"`
}

type Renewal struct {
	GraceDays int `yaml:"grace_days"`
}

var monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a runnable configuration for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.DB.Path == "" {
		c.DB.Path = "sales-engine.db"
	}
	if c.Source.Name == "" {
		c.Source.Name = "corretora"
	}
	if c.Ingest.PageSize == 0 {
		c.Ingest.PageSize = 100
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 50
	}
	if c.Ingest.Concurrency == 0 {
		c.Ingest.Concurrency = 4
	}
	if c.Ingest.LookbackDays == 0 {
		c.Ingest.LookbackDays = 7
	}
	if c.Renewal.GraceDays == 0 {
		c.Renewal.GraceDays = 15
	}
	if c.Fields == (contract.FieldMap{}) {
		c.Fields = contract.DefaultFieldMap()
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Ingest.PageSize < 1 {
		return fmt.Errorf("ingest.page_size must be positive")
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be positive")
	}
	if c.Renewal.GraceDays < 0 {
		return fmt.Errorf("renewal.grace_days must not be negative")
	}
	for _, m := range c.LockedMonths {
		if !monthPattern.MatchString(m) {
			return fmt.Errorf("locked month %q is not YYYY-MM", m)
		}
	}
	if err := c.Fields.Validate(); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	return nil
}
