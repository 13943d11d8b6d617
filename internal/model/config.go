package model

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModulesEnvVar names the environment variable listing module queues to subscribe to.
const ModulesEnvVar = "CONVEYOR_MODULES"

type Config struct {
	Worker   WorkerConfig             `yaml:"worker"`
	Queues   QueuesConfig             `yaml:"queues"`
	Retry    RetryConfig              `yaml:"retry"`
	Broker   BrokerConfig             `yaml:"broker"`
	Handlers map[string]HandlerConfig `yaml:"handlers,omitempty"`
	Control  ControlConfig            `yaml:"control"`
	Logging  LoggingConfig            `yaml:"logging"`
}

type WorkerConfig struct {
	Label               string `yaml:"label"`
	Identity            string `yaml:"identity"` // template, see ExpandIdentity
	Concurrency         int    `yaml:"concurrency"`
	TaskTimeoutSec      int    `yaml:"task_timeout_sec"`
	PollIntervalMs      int    `yaml:"poll_interval_ms"`
	SaturationBackoffMs int    `yaml:"saturation_backoff_ms"`
	ShutdownGraceSec    int    `yaml:"shutdown_grace_sec"`
	MetricsIntervalSec  int    `yaml:"metrics_interval_sec"`
}

type QueuesConfig struct {
	Broadcast string   `yaml:"broadcast"`
	Patterns  []string `yaml:"patterns,omitempty"`
	Modules   []string `yaml:"modules,omitempty"` // merged with CONVEYOR_MODULES
}

type RetryConfig struct {
	MaxRetries  *int `yaml:"max_retries"`
	BaseDelayMs int  `yaml:"base_delay_ms"`
	MaxDelayMs  int  `yaml:"max_delay_ms"`
}

type BrokerConfig struct {
	Type                 string      `yaml:"type"` // memory | redis | spool
	VisibilityTimeoutSec int         `yaml:"visibility_timeout_sec"`
	ReconnectBaseMs      int         `yaml:"reconnect_base_ms"`
	ReconnectMaxMs       int         `yaml:"reconnect_max_ms"`
	Redis                RedisConfig `yaml:"redis"`
	Spool                SpoolConfig `yaml:"spool"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SpoolConfig struct {
	Dir string `yaml:"dir"` // relative paths are resolved against the .conveyor directory
}

// HandlerConfig binds a task name to an external command. The payload is written to stdin.
type HandlerConfig struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
}

type ControlConfig struct {
	Disabled bool `yaml:"disabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerSpool  = "spool"

	DefaultLabel           = "conveyor"
	DefaultBroadcastQueue  = "broadcast"
	DefaultMaxRetries      = 3
	DefaultRedisPrefix     = "conveyor"
	DefaultRedisAddr       = "localhost:6379"
	defaultConcurrency     = 4
	defaultTaskTimeoutSec  = 300
	defaultPollIntervalMs  = 1000
	defaultSaturationMs    = 100
	defaultShutdownSec     = 30
	defaultMetricsSec      = 15
	defaultBaseDelayMs     = 1000
	defaultMaxDelayMs      = 5 * 60 * 1000
	defaultVisibilitySec   = 30 * 60
	defaultReconnectBaseMs = 500
	defaultReconnectMaxMs  = 30 * 1000
)

// LoadConfig reads and parses a config.yaml, applies defaults and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Field: "config", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &ConfigError{Field: "config", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Worker.Label == "" {
		c.Worker.Label = DefaultLabel
	}
	if c.Worker.Identity == "" {
		c.Worker.Identity = DefaultIdentityTemplate
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = defaultConcurrency
	}
	if c.Worker.TaskTimeoutSec <= 0 {
		c.Worker.TaskTimeoutSec = defaultTaskTimeoutSec
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = defaultPollIntervalMs
	}
	if c.Worker.SaturationBackoffMs <= 0 {
		c.Worker.SaturationBackoffMs = defaultSaturationMs
	}
	if c.Worker.ShutdownGraceSec <= 0 {
		c.Worker.ShutdownGraceSec = defaultShutdownSec
	}
	if c.Worker.MetricsIntervalSec <= 0 {
		c.Worker.MetricsIntervalSec = defaultMetricsSec
	}
	if c.Queues.Broadcast == "" {
		c.Queues.Broadcast = DefaultBroadcastQueue
	}
	if c.Retry.MaxRetries == nil {
		n := DefaultMaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = defaultBaseDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = defaultMaxDelayMs
	}
	if c.Broker.Type == "" {
		c.Broker.Type = BrokerSpool
	}
	if c.Broker.VisibilityTimeoutSec <= 0 {
		c.Broker.VisibilityTimeoutSec = defaultVisibilitySec
	}
	if c.Broker.ReconnectBaseMs <= 0 {
		c.Broker.ReconnectBaseMs = defaultReconnectBaseMs
	}
	if c.Broker.ReconnectMaxMs <= 0 {
		c.Broker.ReconnectMaxMs = defaultReconnectMaxMs
	}
	if c.Broker.Redis.Addr == "" {
		c.Broker.Redis.Addr = DefaultRedisAddr
	}
	if c.Broker.Redis.Prefix == "" {
		c.Broker.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Broker.Spool.Dir == "" {
		c.Broker.Spool.Dir = "spool"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks a defaulted config.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return &ConfigError{Field: "retry.max_retries", Err: fmt.Errorf("must be >= 0, got %d", *c.Retry.MaxRetries)}
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return &ConfigError{Field: "retry.max_delay_ms", Err: fmt.Errorf("must be >= base_delay_ms (%d), got %d", c.Retry.BaseDelayMs, c.Retry.MaxDelayMs)}
	}
	if c.Worker.TaskTimeoutSec > 0 && c.Broker.VisibilityTimeoutSec > 0 && c.Worker.TaskTimeoutSec >= c.Broker.VisibilityTimeoutSec {
		return &ConfigError{Field: "worker.task_timeout_sec", Err: fmt.Errorf("must be below broker.visibility_timeout_sec (%d), got %d", c.Broker.VisibilityTimeoutSec, c.Worker.TaskTimeoutSec)}
	}
	switch c.Broker.Type {
	case BrokerMemory, BrokerRedis, BrokerSpool:
	default:
		return &ConfigError{Field: "broker.type", Err: fmt.Errorf("unknown broker %q (want memory, redis or spool)", c.Broker.Type)}
	}
	if strings.ContainsAny(c.Worker.Label, "@ \t") {
		return &ConfigError{Field: "worker.label", Err: fmt.Errorf("label %q must not contain '@' or whitespace", c.Worker.Label)}
	}
	for name, h := range c.Handlers {
		if len(h.Command) == 0 || h.Command[0] == "" {
			return &ConfigError{Field: "handlers." + name + ".command", Err: fmt.Errorf("command is required")}
		}
	}
	return nil
}

func (c WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c WorkerConfig) SaturationBackoff() time.Duration {
	return time.Duration(c.SaturationBackoffMs) * time.Millisecond
}

func (c WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

func (c WorkerConfig) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSec) * time.Second
}

func (c BrokerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}
