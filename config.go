package dagengine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration options for the engine.
type Config struct {
	// Maximum number of nodes of one batch running at once; 0 means the whole batch.
	MaxConcurrentNodes int `yaml:"max_concurrent_nodes"`

	// Timeout applied to nodes that declare none; 0 disables it.
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout"`

	// Nodes slower than this are reported as bottlenecks.
	BottleneckThreshold time.Duration `yaml:"bottleneck_threshold"`

	// Result cache bounds; zero values mean no expiry and no size limit.
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`

	// Event bus configuration
	EnableEventBus      bool `yaml:"enable_event_bus"`
	EventBusBufferSize  int  `yaml:"event_bus_buffer_size"`
	EventBusWorkerCount int  `yaml:"event_bus_worker_count"`

	// Policy for nodes that declare no error_handling.
	DefaultErrorPolicy ErrorPolicy `yaml:"default_error_policy"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentNodes:  0,
		DefaultNodeTimeout:  0,
		BottleneckThreshold: time.Second,
		CacheTTL:            0,
		CacheMaxEntries:     10000,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
		DefaultErrorPolicy:  PolicyStop,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrentNodes < 0:
		return NewConfigurationError("max_concurrent_nodes must not be negative", nil)
	case c.DefaultNodeTimeout < 0:
		return NewConfigurationError("default_node_timeout must not be negative", nil)
	case c.BottleneckThreshold < 0:
		return NewConfigurationError("bottleneck_threshold must not be negative", nil)
	case c.CacheTTL < 0:
		return NewConfigurationError("cache_ttl must not be negative", nil)
	case c.CacheMaxEntries < 0:
		return NewConfigurationError("cache_max_entries must not be negative", nil)
	case c.EnableEventBus && c.EventBusWorkerCount <= 0:
		return NewConfigurationError("event_bus_worker_count must be positive when the event bus is enabled", nil)
	case !c.DefaultErrorPolicy.Valid():
		return NewConfigurationError(fmt.Sprintf("unknown default_error_policy '%s'", c.DefaultErrorPolicy), nil)
	}
	return nil
}

// LoadConfig reads a YAML config file. Settings the file leaves out keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return cfg, cfg.Validate()
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DAGENGINE_"

// ApplyEnv overrides settings from DAGENGINE_* variables, e.g.
// DAGENGINE_MAX_CONCURRENT_NODES=4 or DAGENGINE_CACHE_TTL=5m.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"MAX_CONCURRENT_NODES":   &c.MaxConcurrentNodes,
		"CACHE_MAX_ENTRIES":      &c.CacheMaxEntries,
		"EVENT_BUS_BUFFER_SIZE":  &c.EventBusBufferSize,
		"EVENT_BUS_WORKER_COUNT": &c.EventBusWorkerCount,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return NewConfigurationError(fmt.Sprintf("invalid %s%s", EnvPrefix, name), err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"DEFAULT_NODE_TIMEOUT": &c.DefaultNodeTimeout,
		"BOTTLENECK_THRESHOLD": &c.BottleneckThreshold,
		"CACHE_TTL":            &c.CacheTTL,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return NewConfigurationError(fmt.Sprintf("invalid %s%s", EnvPrefix, name), err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "ENABLE_EVENT_BUS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return NewConfigurationError(EnvPrefix+"ENABLE_EVENT_BUS must be a boolean", err)
		}
		c.EnableEventBus = b
	}
	if v, ok := lookup(EnvPrefix + "DEFAULT_ERROR_POLICY"); ok {
		c.DefaultErrorPolicy = ErrorPolicy(v)
	}
	return c.Validate()
}
