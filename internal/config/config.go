package config

import (
	"fmt"
	"os"
	"time"

	"github.com/civicsignal/bulwark/internal/drivers"
	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/civicsignal/bulwark/internal/queue"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Primary  drivers.PostgresConfig `yaml:"primary"`
	Replicas []ReplicaConfig        `yaml:"replicas"`
	Monitor  ha.MonitorConfig       `yaml:"monitor"`
	Queue    queue.Config           `yaml:"queue"`
	Failover FailoverConfig         `yaml:"failover"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// ReplicaConfig describes one read replica. List order implies priority when
// none is set explicitly.
type ReplicaConfig struct {
	ConnectionString    string        `yaml:"connection_string"`
	MaxConnections      int           `yaml:"max_connections"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	Priority            int           `yaml:"priority"`
}

type FailoverConfig struct {
	HistorySize       int      `yaml:"history_size"`
	EventLogSize      int      `yaml:"event_log_size"`
	RulesFile         string   `yaml:"rules_file"`
	PlansFile         string   `yaml:"plans_file"`
	BackupCollections []string `yaml:"backup_collections"`
}

// Load reads a YAML config file, applies defaults and environment overrides,
// and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	c.Monitor.ApplyDefaults()
	c.Queue.ApplyDefaults()
	if c.Failover.HistorySize == 0 {
		c.Failover.HistorySize = 50
	}
	if c.Failover.EventLogSize == 0 {
		c.Failover.EventLogSize = 100
	}

	// Discovery order implies priority.
	for i := range c.Replicas {
		if c.Replicas[i].Priority == 0 {
			c.Replicas[i].Priority = i + 1
		}
	}
}

// Validate checks required fields. A replica with a bad definition does not
// fail startup; the loader logs it and leaves the replica ineligible.
func (c *Config) Validate() error {
	if c.Primary.ConnectionString == "" {
		return fmt.Errorf("config: primary connection string is required")
	}
	return nil
}

// ValidReplicas splits the replica list into usable and rejected entries.
func (c *Config) ValidReplicas() (valid []ReplicaConfig, rejected []ReplicaConfig) {
	for _, r := range c.Replicas {
		if r.ConnectionString == "" {
			rejected = append(rejected, r)
			continue
		}
		valid = append(valid, r)
	}
	return valid, rejected
}

type rulesFile struct {
	Rules []ha.Rule `yaml:"rules"`
}

// LoadRules reads failover rules from a YAML file. An empty path yields the
// built-in rule set.
func LoadRules(path string) ([]ha.Rule, error) {
	if path == "" {
		return ha.DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Rules, nil
}
