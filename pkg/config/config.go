// Package config loads and validates the bus configuration from a YAML
// file with environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus type constants.
const (
	BusTypeMemory = "memory"
	BusTypeRedis  = "redis"
	BusTypePubSub = "pubsub"
)

// Dedup backend constants.
const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RedisConfig holds connection settings for the Redis bus and dedup store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PubSubConfig holds GCP Pub/Sub settings.
type PubSubConfig struct {
	ProjectID           string   `yaml:"project_id"`
	TopicPrefix         string   `yaml:"topic_prefix"`
	SubscriptionPrefix  string   `yaml:"subscription_prefix"`
	AckDeadline         Duration `yaml:"ack_deadline"`
	DeadLetterTopic     string   `yaml:"dead_letter_topic"`
	MaxDeliveryAttempts int      `yaml:"max_delivery_attempts"`
}

// SigningConfig holds HMAC signing settings.
type SigningConfig struct {
	Secret      string `yaml:"secret"`
	ActiveKeyID string `yaml:"active_key_id"`
	Required    bool   `yaml:"required"`
}

// DedupConfig holds idempotency store settings.
type DedupConfig struct {
	Backend string   `yaml:"backend"`
	TTL     Duration `yaml:"ttl"`
}

// RouterConfig holds dispatcher retry and circuit breaker settings.
type RouterConfig struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffMax       Duration `yaml:"backoff_max"`
	FailureThreshold int      `yaml:"failure_threshold"`
	BreakerTimeout   Duration `yaml:"breaker_timeout"`
}

// WorkflowConfig holds orchestrator execution settings.
type WorkflowConfig struct {
	TaskTimeout     Duration `yaml:"task_timeout"`
	WorkflowTimeout Duration `yaml:"workflow_timeout"`
}

// Config is the root configuration document.
type Config struct {
	BusType     string         `yaml:"bus_type"`
	Redis       RedisConfig    `yaml:"redis"`
	PubSub      PubSubConfig   `yaml:"pubsub"`
	Signing     SigningConfig  `yaml:"signing"`
	Dedup       DedupConfig    `yaml:"dedup"`
	Router      RouterConfig   `yaml:"router"`
	Workflow    WorkflowConfig `yaml:"workflow"`
	EventLogDir string         `yaml:"event_log_dir"`
	DBPath      string         `yaml:"db_path"`
}

// Default returns a configuration with working defaults: in-memory bus
// and dedup, no signing requirement.
func Default() *Config {
	return &Config{
		BusType: BusTypeMemory,
		Redis:   RedisConfig{Addr: "localhost:6379"},
		PubSub: PubSubConfig{
			TopicPrefix:         "agentbus-",
			SubscriptionPrefix:  "agentbus-sub-",
			AckDeadline:         Duration(30 * time.Second),
			MaxDeliveryAttempts: 5,
		},
		Signing: SigningConfig{ActiveKeyID: "default"},
		Dedup:   DedupConfig{Backend: DedupBackendMemory, TTL: Duration(5 * time.Minute)},
		Router: RouterConfig{
			MaxAttempts:      3,
			BackoffBase:      Duration(100 * time.Millisecond),
			BackoffMax:       Duration(10 * time.Second),
			FailureThreshold: 5,
			BreakerTimeout:   Duration(30 * time.Second),
		},
		Workflow: WorkflowConfig{
			TaskTimeout: Duration(30 * time.Second),
		},
		EventLogDir: "logs",
		DBPath:      "agentbus.db",
	}
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a YAML config file, substitutes ${ENV_VAR} references, and
// validates the result. Missing fields keep their defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Leave unresolved references intact
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(dataStr), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.BusType {
	case BusTypeMemory:
	case BusTypeRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis bus requires redis.addr")
		}
	case BusTypePubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub bus requires pubsub.project_id")
		}
	default:
		return fmt.Errorf("unknown bus_type %q", c.BusType)
	}

	switch c.Dedup.Backend {
	case DedupBackendMemory:
	case DedupBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis dedup backend requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}
	if c.Dedup.TTL.Std() < time.Second {
		return fmt.Errorf("dedup.ttl must be at least 1s, got %s", c.Dedup.TTL.Std())
	}

	if c.Signing.Required && c.Signing.Secret == "" {
		return fmt.Errorf("signing.required needs signing.secret")
	}

	if c.Router.MaxAttempts < 1 {
		return fmt.Errorf("router.max_attempts must be at least 1, got %d", c.Router.MaxAttempts)
	}
	if c.Router.BackoffBase.Std() <= 0 || c.Router.BackoffMax.Std() < c.Router.BackoffBase.Std() {
		return fmt.Errorf("router backoff range %s..%s is invalid",
			c.Router.BackoffBase.Std(), c.Router.BackoffMax.Std())
	}
	return nil
}
