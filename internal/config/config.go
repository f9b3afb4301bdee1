package config

import (
	"fmt"
	"time"
)

// Config represents the complete node configuration
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Ring        RingConfig        `mapstructure:"ring"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Hints       HintsConfig       `mapstructure:"hints"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Merkle      MerkleConfig      `mapstructure:"merkle"`
	AntiEntropy AntiEntropyConfig `mapstructure:"anti_entropy"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// NodeConfig identifies this node and its listeners
type NodeConfig struct {
	ID            string `mapstructure:"id"`             // Stable node ID; generated if empty
	Host          string `mapstructure:"host"`           // Bind address
	GossipPort    int    `mapstructure:"gossip_port"`    // Membership gossip listener
	DataPort      int    `mapstructure:"data_port"`      // Write/read/repair RPC listener
	AdvertiseHost string `mapstructure:"advertise_host"` // Address peers should dial; falls back to Host
}

// StorageConfig controls local persistence of accepted writes
type StorageConfig struct {
	DataDir         string `mapstructure:"data_dir"`          // WAL directory; empty keeps data in memory only
	MaxSegmentBytes int64  `mapstructure:"max_segment_bytes"` // Segment rotation threshold (default: 64 MiB)
}

// RingConfig controls key placement on the hash ring
type RingConfig struct {
	VirtualTokens int `mapstructure:"virtual_tokens"` // Ring positions per physical node (default: 128)
}

// GossipConfig controls the membership failure detector
type GossipConfig struct {
	Interval       time.Duration `mapstructure:"interval"`        // Gossip round period
	Fanout         int           `mapstructure:"fanout"`          // Peers contacted per round
	SuspectAfter   time.Duration `mapstructure:"suspect_after"`   // Missed-heartbeat window before alive -> suspect
	DeadAfter      time.Duration `mapstructure:"dead_after"`      // Window before suspect -> dead
	EvictAfter     time.Duration `mapstructure:"evict_after"`     // Window before dead -> removed (tokens deallocated)
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // Per-exchange network timeout
}

// ReplicationConfig carries the quorum parameters. Hot-reloadable.
type ReplicationConfig struct {
	Factor         int           `mapstructure:"factor"`          // N: preference list size
	WriteQuorum    int           `mapstructure:"write_quorum"`    // W: acks required for a write
	ReadQuorum     int           `mapstructure:"read_quorum"`     // R: responses required for a read
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // Per-replica RPC timeout
	ConflictPolicy string        `mapstructure:"conflict_policy"` // "surface" (default) or "lww"
}

// HintsConfig controls hinted handoff
type HintsConfig struct {
	ReplayInterval time.Duration `mapstructure:"replay_interval"` // Reconciler scan period
	ReplayBatch    int           `mapstructure:"replay_batch"`    // Max hints redelivered per target per scan
	TTL            time.Duration `mapstructure:"ttl"`             // Hints older than this are dropped
}

// QueueConfig selects the backend for the durable hint log
type QueueConfig struct {
	Type     string `mapstructure:"type"`     // memory (default), nats, redis, kafka
	URL      string `mapstructure:"url"`      // Broker URL (e.g., nats://localhost:4222)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`
	RedisStream   string `mapstructure:"redis_stream"`   // Stream prefix (default: "replikv")
	RedisGroup    string `mapstructure:"redis_group"`    // Consumer group (default: "replikv-hints")
	RedisConsumer string `mapstructure:"redis_consumer"` // Consumer name (default: node ID)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// MerkleConfig shapes the trees built for anti-entropy. All nodes in a
// cluster must agree on these values for their trees to be structurally
// comparable. Hot-reloadable; changes take effect on the next rebuild.
type MerkleConfig struct {
	Partitions      int `mapstructure:"partitions"`       // Keyspace partitions, power of two (default: 16)
	BranchingFactor int `mapstructure:"branching_factor"` // Children per internal node (default: 2)
	LeafCount       int `mapstructure:"leaf_count"`       // Leaves per partition (default: 64)
}

// AntiEntropyConfig bounds background reconciliation. Hot-reloadable.
type AntiEntropyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`          // Scheduler period
	Jitter         time.Duration `mapstructure:"jitter"`            // Random delay added per cycle
	MaxConcurrent  int           `mapstructure:"max_concurrent"`    // Outstanding partition comparisons
	MaxBytesPerSec int           `mapstructure:"max_bytes_per_sec"` // Repair transfer budget
}

// DiscoveryConfig selects how a node finds its first gossip peers
type DiscoveryConfig struct {
	Type  string     `mapstructure:"type"`  // static (default) or etcd
	Seeds []string   `mapstructure:"seeds"` // Gossip addresses for static discovery
	Etcd  EtcdConfig `mapstructure:"etcd"`
}

// EtcdConfig for etcd-backed seed discovery
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Namespace   string        `mapstructure:"namespace"` // Key prefix (default: "/replikv")
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// AdminConfig for the status HTTP server
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// AuthConfig guards the admin API with API keys
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// MetricsConfig for the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}

	if err := c.Ring.Validate(); err != nil {
		return fmt.Errorf("ring config: %w", err)
	}

	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip config: %w", err)
	}

	if err := c.Replication.Validate(); err != nil {
		return fmt.Errorf("replication config: %w", err)
	}

	if err := c.Merkle.Validate(); err != nil {
		return fmt.Errorf("merkle config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates node configuration
func (c *NodeConfig) Validate() error {
	if c.GossipPort < 1 || c.GossipPort > 65535 {
		return fmt.Errorf("invalid gossip_port: %d", c.GossipPort)
	}

	if c.DataPort < 1 || c.DataPort > 65535 {
		return fmt.Errorf("invalid data_port: %d", c.DataPort)
	}

	if c.GossipPort == c.DataPort {
		return fmt.Errorf("gossip_port and data_port cannot be the same")
	}

	return nil
}

// Validate validates ring configuration
func (c *RingConfig) Validate() error {
	if c.VirtualTokens < 1 {
		return fmt.Errorf("ring.virtual_tokens must be at least 1")
	}

	return nil
}

// Validate validates gossip configuration
func (c *GossipConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("gossip.interval must be positive")
	}

	if c.Fanout < 1 {
		return fmt.Errorf("gossip.fanout must be at least 1")
	}

	if c.SuspectAfter < c.Interval {
		return fmt.Errorf("gossip.suspect_after must cover at least one gossip interval")
	}

	if c.DeadAfter <= c.SuspectAfter {
		return fmt.Errorf("gossip.dead_after must exceed gossip.suspect_after")
	}

	return nil
}

// Validate validates replication configuration
func (c *ReplicationConfig) Validate() error {
	if c.Factor < 1 {
		return fmt.Errorf("replication.factor must be at least 1")
	}

	if c.WriteQuorum < 1 || c.WriteQuorum > c.Factor {
		return fmt.Errorf("replication.write_quorum must be between 1 and replication.factor")
	}

	if c.ReadQuorum < 1 || c.ReadQuorum > c.Factor {
		return fmt.Errorf("replication.read_quorum must be between 1 and replication.factor")
	}

	switch c.ConflictPolicy {
	case "", "surface", "lww":
	default:
		return fmt.Errorf("replication.conflict_policy must be 'surface' or 'lww'")
	}

	return nil
}

// Validate validates merkle configuration
func (c *MerkleConfig) Validate() error {
	if c.Partitions < 1 || c.Partitions&(c.Partitions-1) != 0 {
		return fmt.Errorf("merkle.partitions must be a power of two")
	}

	if c.BranchingFactor < 2 {
		return fmt.Errorf("merkle.branching_factor must be at least 2")
	}

	if c.LeafCount < c.BranchingFactor {
		return fmt.Errorf("merkle.leaf_count must be at least merkle.branching_factor")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
