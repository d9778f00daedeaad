// Package config loads and validates the YAML configuration for the
// replicated insert sink.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds identity and ambient HTTP endpoints (metrics,
// health) for this replica.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CoordinatorConfig configures the client for the external coordination
// service (an in-memory reference implementation ships with this repo;
// Addr/SessionTimeout describe how a real deployment would reach one).
type CoordinatorConfig struct {
	Addr           string        `yaml:"addr"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	TablePath      string        `yaml:"table_path"`
}

// InsertConfig governs the replicated commit engine: replication
// factor, quorum behavior, dedup mode, and the admission cap on
// concurrent in-flight parts.
type InsertConfig struct {
	ReplicasNum int `yaml:"replicas_num"`
	// Quorum is the required quorum size: 0 disables quorum checks, -1
	// requests majority (floor(N/2)+1 resolved at check time), and any
	// other value 1..ReplicasNum is an explicit size. Quorum==1 on a
	// 1-replica cluster is rejected by Validate below, and any required
	// size of 1 (explicit, or a resolved majority of 1) is treated as
	// disabled at check time (see internal/insert/quorum.go).
	Quorum                 int           `yaml:"quorum"`
	QuorumParallel         bool          `yaml:"quorum_parallel"`
	DedupEnabled           bool          `yaml:"dedup_enabled"`
	AsyncDedup             bool          `yaml:"async_dedup"`
	MaxPartsPerBlock       int           `yaml:"max_parts_per_block"`
	MaxConcurrentStreams   int           `yaml:"max_concurrent_streams"`
	MaxRetries             int           `yaml:"max_retries"`
	RetryBackoff           time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax        time.Duration `yaml:"retry_backoff_max"`
}

// CacheConfig configures the shared Cache instances used for mark
// files, uncompressed blocks, and the dedup prefilter view.
type CacheConfig struct {
	Policy    string  `yaml:"policy"` // "lru" or "slru"
	MaxSize   int64   `yaml:"max_size"`
	MaxCount  int     `yaml:"max_count"`
	SizeRatio float64 `yaml:"size_ratio"` // only meaningful for slru
}

// MembershipConfig configures the informational gossip layer used for
// liveness metrics; it is never consulted for quorum decisions.
type MembershipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds zap logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete configuration for a replica running the
// replicated insert sink.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Insert      InsertConfig      `yaml:"insert"`
	Cache       CacheConfig       `yaml:"cache"`
	Membership  MembershipConfig  `yaml:"membership"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig reads, defaults, and validates configuration from filePath.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = "0.0.0.0:9090"
	}
	if cfg.Server.HealthAddr == "" {
		cfg.Server.HealthAddr = "0.0.0.0:9091"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Coordinator.SessionTimeout == 0 {
		cfg.Coordinator.SessionTimeout = 30 * time.Second
	}
	if cfg.Coordinator.TablePath == "" {
		cfg.Coordinator.TablePath = "/tables/default"
	}

	if cfg.Insert.ReplicasNum == 0 {
		cfg.Insert.ReplicasNum = 1
	}
	if cfg.Insert.MaxPartsPerBlock == 0 {
		cfg.Insert.MaxPartsPerBlock = 100
	}
	if cfg.Insert.MaxConcurrentStreams == 0 {
		cfg.Insert.MaxConcurrentStreams = 16
	}
	if cfg.Insert.MaxRetries == 0 {
		cfg.Insert.MaxRetries = 10
	}
	if cfg.Insert.RetryBackoff == 0 {
		cfg.Insert.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Insert.RetryBackoffMax == 0 {
		cfg.Insert.RetryBackoffMax = 5 * time.Second
	}

	if cfg.Cache.Policy == "" {
		cfg.Cache.Policy = "slru"
	}
	if cfg.Cache.SizeRatio == 0 {
		cfg.Cache.SizeRatio = 0.5
	}

	if cfg.Membership.GossipInterval == 0 {
		cfg.Membership.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Membership.ProbeTimeout == 0 {
		cfg.Membership.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Membership.ProbeInterval == 0 {
		cfg.Membership.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks invariants that setDefaults cannot safely infer.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Insert.ReplicasNum < 1 {
		return fmt.Errorf("insert.replicas_num must be >= 1")
	}
	if c.Insert.Quorum < -1 || c.Insert.Quorum > c.Insert.ReplicasNum {
		return fmt.Errorf("insert.quorum must be -1 (majority), 0 (disabled), or between 1 and insert.replicas_num")
	}
	if c.Insert.Quorum == 1 && c.Insert.ReplicasNum == 1 {
		return fmt.Errorf("insert.quorum: majority-of-1 quorum is disabled, use quorum=0 to disable quorum checks on a single replica")
	}
	if c.Cache.Policy != "lru" && c.Cache.Policy != "slru" {
		return fmt.Errorf("cache.policy must be \"lru\" or \"slru\"")
	}
	if c.Cache.Policy == "slru" && (c.Cache.SizeRatio <= 0 || c.Cache.SizeRatio >= 1) {
		return fmt.Errorf("cache.size_ratio must be in (0, 1)")
	}
	return nil
}
