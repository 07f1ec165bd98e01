package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node and its peer endpoint
type NodeConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration of a bboxkv node
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Resize      ResizeConfig      `yaml:"resize"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Peer        PeerConfig        `yaml:"peer"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig holds storage engine configuration
type StorageConfig struct {
	// Directories are the storage roots. Compaction runs one loop per root.
	Directories        []string      `yaml:"directories"`
	MetadataPath       string        `yaml:"metadata_path"`
	MemtableMaxSize    int64         `yaml:"memtable_max_size"`
	MemtableMaxEntries int           `yaml:"memtable_max_entries"`
	MemtableMaxAge     time.Duration `yaml:"memtable_max_age"`
	CommitLog          bool          `yaml:"commit_log"`
	SyncWrites         bool          `yaml:"sync_writes"`
	BloomFilterFP      float64       `yaml:"bloom_filter_fp"`
	RecordCacheSize    int           `yaml:"record_cache_size"`
	FlushWorkers       int           `yaml:"flush_workers"`
	FlushQueueSize     int           `yaml:"flush_queue_size"`
	MaxDiskUsage       float64       `yaml:"max_disk_usage"`
	DiskCheckInterval  time.Duration `yaml:"disk_check_interval"`
}

// CompactionConfig holds merge strategy configuration
type CompactionConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MajorThreshold   int           `yaml:"major_threshold"`
	MajorInterval    time.Duration `yaml:"major_interval"`
	MinorThreshold   int           `yaml:"minor_threshold"`
	MaxMinorInputs   int           `yaml:"max_minor_inputs"`
	SmallSegmentSize int64         `yaml:"small_segment_size"`
	MaxSegmentSize   int64         `yaml:"max_segment_size"`
	TombstoneGrace   time.Duration `yaml:"tombstone_grace"`
}

// ResizeConfig holds region split/merge thresholds
type ResizeConfig struct {
	Enabled               bool          `yaml:"enabled"`
	SplitThreshold        int64         `yaml:"split_threshold"`
	MergeThreshold        int64         `yaml:"merge_threshold"`
	RedistributionTimeout time.Duration `yaml:"redistribution_timeout"`
	RedistributionRate    float64       `yaml:"redistribution_rate"`
	RedistributionBurst   int           `yaml:"redistribution_burst"`
	StaleCleanup          bool          `yaml:"stale_cleanup"`
}

// RecoveryConfig holds startup catch-up configuration
type RecoveryConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance"`
	PullTimeout        time.Duration `yaml:"pull_timeout"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// CoordinatorConfig selects and configures the metadata store
type CoordinatorConfig struct {
	// Type is "memory" or "redis".
	Type          string        `yaml:"type"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// PeerConfig holds peer RPC client configuration
type PeerConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxMessageSize int           `yaml:"max_message_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds the diagnostics HTTP server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
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

// Default returns a defaulted configuration for a single node storing under dir.
func Default(nodeID string, dir string) *Config {
	cfg := &Config{
		Node:    NodeConfig{NodeID: nodeID},
		Storage: StorageConfig{Directories: []string{dir}},
	}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.Host == "" {
		cfg.Node.Host = "0.0.0.0"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 50052
	}
	if cfg.Node.AdvertiseAddr == "" {
		cfg.Node.AdvertiseAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Node.Port)
	}
	if cfg.Node.ShutdownTimeout == 0 {
		cfg.Node.ShutdownTimeout = 30 * time.Second
	}

	if len(cfg.Storage.Directories) == 0 {
		cfg.Storage.Directories = []string{"/var/lib/bboxkv"}
	}
	if cfg.Storage.MetadataPath == "" {
		cfg.Storage.MetadataPath = cfg.Storage.Directories[0] + "/meta.db"
	}
	if cfg.Storage.MemtableMaxSize == 0 {
		cfg.Storage.MemtableMaxSize = 64 << 20
	}
	if cfg.Storage.MemtableMaxEntries == 0 {
		cfg.Storage.MemtableMaxEntries = 1_000_000
	}
	if cfg.Storage.MemtableMaxAge == 0 {
		cfg.Storage.MemtableMaxAge = 5 * time.Minute
	}
	if cfg.Storage.BloomFilterFP == 0 {
		cfg.Storage.BloomFilterFP = 0.01
	}
	if cfg.Storage.RecordCacheSize == 0 {
		cfg.Storage.RecordCacheSize = 1024
	}
	if cfg.Storage.FlushWorkers == 0 {
		cfg.Storage.FlushWorkers = 4
	}
	if cfg.Storage.FlushQueueSize == 0 {
		cfg.Storage.FlushQueueSize = 256
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 30 * time.Second
	}

	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 30 * time.Second
	}
	if cfg.Compaction.MajorThreshold == 0 {
		cfg.Compaction.MajorThreshold = 8
	}
	if cfg.Compaction.MajorInterval == 0 {
		cfg.Compaction.MajorInterval = time.Hour
	}
	if cfg.Compaction.MinorThreshold == 0 {
		cfg.Compaction.MinorThreshold = 4
	}
	if cfg.Compaction.MaxMinorInputs == 0 {
		cfg.Compaction.MaxMinorInputs = 8
	}
	if cfg.Compaction.SmallSegmentSize == 0 {
		cfg.Compaction.SmallSegmentSize = 16 << 20
	}
	if cfg.Compaction.MaxSegmentSize == 0 {
		cfg.Compaction.MaxSegmentSize = 256 << 20
	}
	if cfg.Compaction.TombstoneGrace == 0 {
		cfg.Compaction.TombstoneGrace = 10 * time.Minute
	}

	if cfg.Resize.SplitThreshold == 0 {
		cfg.Resize.SplitThreshold = 1 << 30
	}
	if cfg.Resize.MergeThreshold == 0 {
		cfg.Resize.MergeThreshold = cfg.Resize.SplitThreshold / 4
	}
	if cfg.Resize.RedistributionTimeout == 0 {
		cfg.Resize.RedistributionTimeout = 10 * time.Minute
	}
	if cfg.Resize.RedistributionRate == 0 {
		cfg.Resize.RedistributionRate = 5000
	}
	if cfg.Resize.RedistributionBurst == 0 {
		cfg.Resize.RedistributionBurst = 500
	}

	if cfg.Recovery.ClockSkewTolerance == 0 {
		cfg.Recovery.ClockSkewTolerance = 5 * time.Second
	}
	if cfg.Recovery.PullTimeout == 0 {
		cfg.Recovery.PullTimeout = 5 * time.Minute
	}
	if cfg.Recovery.CheckpointInterval == 0 {
		cfg.Recovery.CheckpointInterval = 10 * time.Second
	}

	if cfg.Coordinator.Type == "" {
		cfg.Coordinator.Type = "memory"
	}
	if cfg.Coordinator.RedisAddr == "" {
		cfg.Coordinator.RedisAddr = "localhost:6379"
	}
	if cfg.Coordinator.KeyPrefix == "" {
		cfg.Coordinator.KeyPrefix = "bboxkv"
	}
	if cfg.Coordinator.Timeout == 0 {
		cfg.Coordinator.Timeout = 5 * time.Second
	}
	if cfg.Coordinator.RetryInterval == 0 {
		cfg.Coordinator.RetryInterval = 5 * time.Second
	}
	if cfg.Coordinator.MaxRetries == 0 {
		cfg.Coordinator.MaxRetries = 10
	}

	if cfg.Peer.DialTimeout == 0 {
		cfg.Peer.DialTimeout = 5 * time.Second
	}
	if cfg.Peer.RequestTimeout == 0 {
		cfg.Peer.RequestTimeout = 10 * time.Second
	}
	if cfg.Peer.MaxRetries == 0 {
		cfg.Peer.MaxRetries = 5
	}
	if cfg.Peer.MaxMessageSize == 0 {
		cfg.Peer.MaxMessageSize = 16 << 20
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
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

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	if !nodeIDPattern.MatchString(c.Node.NodeID) {
		return fmt.Errorf("node.node_id %q must match %s", c.Node.NodeID, nodeIDPattern)
	}
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.Storage.BloomFilterFP <= 0 || c.Storage.BloomFilterFP >= 1 {
		return fmt.Errorf("storage.bloom_filter_fp must be between 0 and 1")
	}
	seen := make(map[string]bool, len(c.Storage.Directories))
	for _, d := range c.Storage.Directories {
		if d == "" {
			return fmt.Errorf("storage.directories must not contain empty paths")
		}
		if seen[d] {
			return fmt.Errorf("storage.directories lists %s twice", d)
		}
		seen[d] = true
	}
	if c.Compaction.MinorThreshold < 2 {
		return fmt.Errorf("compaction.minor_threshold must be at least 2")
	}
	if c.Compaction.MaxMinorInputs < c.Compaction.MinorThreshold {
		return fmt.Errorf("compaction.max_minor_inputs must not be below compaction.minor_threshold")
	}
	if c.Compaction.MajorThreshold < 2 {
		return fmt.Errorf("compaction.major_threshold must be at least 2")
	}
	if c.Resize.MergeThreshold >= c.Resize.SplitThreshold {
		return fmt.Errorf("resize.merge_threshold must be below resize.split_threshold")
	}
	if c.Recovery.ClockSkewTolerance < 0 {
		return fmt.Errorf("recovery.clock_skew_tolerance must not be negative")
	}
	switch c.Coordinator.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("coordinator.type must be memory or redis, got %q", c.Coordinator.Type)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
