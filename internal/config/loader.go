package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if isNotFound(err) {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// isNotFound reports whether a viper read failed only because no file exists
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// newViper builds a viper instance with defaults and env overrides set
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/replikv")
	}

	setDefaults(v)

	v.SetEnvPrefix("REPLIKV")
	v.AutomaticEnv()

	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.host", "0.0.0.0")
	v.SetDefault("node.gossip_port", 7600)
	v.SetDefault("node.data_port", 7601)

	// Storage defaults (in-memory unless data_dir is set)
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.max_segment_bytes", 64*1024*1024)

	// Ring defaults
	v.SetDefault("ring.virtual_tokens", 128)

	// Gossip defaults
	v.SetDefault("gossip.interval", "1s")
	v.SetDefault("gossip.fanout", 3)
	v.SetDefault("gossip.suspect_after", "5s")
	v.SetDefault("gossip.dead_after", "30s")
	v.SetDefault("gossip.evict_after", "5m")
	v.SetDefault("gossip.request_timeout", "2s")

	// Replication defaults
	v.SetDefault("replication.factor", 3)
	v.SetDefault("replication.write_quorum", 2)
	v.SetDefault("replication.read_quorum", 2)
	v.SetDefault("replication.request_timeout", "2s")
	v.SetDefault("replication.conflict_policy", "surface")

	// Hint defaults
	v.SetDefault("hints.replay_interval", "30s")
	v.SetDefault("hints.replay_batch", 256)
	v.SetDefault("hints.ttl", "3h")

	// Queue defaults
	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.url", "nats://localhost:4222")
	v.SetDefault("queue.redis_stream", "replikv")
	v.SetDefault("queue.redis_group", "replikv-hints")

	// Merkle defaults
	v.SetDefault("merkle.partitions", 16)
	v.SetDefault("merkle.branching_factor", 2)
	v.SetDefault("merkle.leaf_count", 64)

	// Anti-entropy defaults
	v.SetDefault("anti_entropy.enabled", true)
	v.SetDefault("anti_entropy.interval", "1m")
	v.SetDefault("anti_entropy.jitter", "10s")
	v.SetDefault("anti_entropy.max_concurrent", 2)
	v.SetDefault("anti_entropy.max_bytes_per_sec", 4*1024*1024)

	// Discovery defaults
	v.SetDefault("discovery.type", "static")
	v.SetDefault("discovery.etcd.endpoints", []string{"http://localhost:2379"})
	v.SetDefault("discovery.etcd.dial_timeout", "5s")
	v.SetDefault("discovery.etcd.namespace", "/replikv")

	// Admin/metrics defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 7680)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 7690)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	cfg, err := parseConfig(newViper("does-not-exist.yaml"))
	if err != nil {
		// Defaults always validate
		panic(err)
	}
	return cfg
}

// Watcher reloads configuration when the config file changes and fans the
// new snapshot out to subscribers. Quorum parameters, failure-detector
// timeouts, Merkle shape and anti-entropy limits all take effect without a
// restart; listener addresses and the node identity do not.
type Watcher struct {
	v  *viper.Viper
	mu sync.Mutex

	current     *Config
	subscribers []func(*Config)
}

// Watch loads the config file and starts watching it for changes
func Watch(configPath string) (*Watcher, error) {
	v := newViper(configPath)

	haveFile := true
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		haveFile = false
	}

	cfg, err := parseConfig(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v, current: cfg}

	// Nothing to watch when running purely on defaults
	if haveFile {
		v.OnConfigChange(func(_ fsnotify.Event) {
			// Debounce: editors often fire several events per save
			time.Sleep(100 * time.Millisecond)
			w.reload()
		})
		v.WatchConfig()
	}

	return w, nil
}

// Current returns the most recent valid configuration snapshot
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe registers a callback invoked with every new valid snapshot
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// reload re-parses the file; an invalid file keeps the previous snapshot
func (w *Watcher) reload() {
	cfg, err := parseConfig(w.v)
	if err != nil {
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]func(*Config), len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}
