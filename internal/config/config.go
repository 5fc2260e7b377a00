package config

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
)

// ConfigPathEnv names the YAML file when no --config flag is given
const ConfigPathEnv = "THRESHOLD_GATE_CONFIG"

// Source types
const (
	SourceKafka = "kafka"
	SourceNATS  = "nats"
)

// Config is the full process configuration. It is built once by Load and
// never mutated afterwards.
type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	Threshold domain.ThresholdConfig `yaml:",inline"`

	DataRoot    string `yaml:"data_root"`
	LogLevel    string `yaml:"log_level"`
	ListenAddr  string `yaml:"listen_addr"`
	StatusToken string `yaml:"status_token"`
	DatabaseURL string `yaml:"database_url"`

	API    APIConfig    `yaml:"api"`
	Source SourceConfig `yaml:"source"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	NATS   NATSConfig   `yaml:"nats"`
	Slack  SlackConfig  `yaml:"slack"`
}

// APIConfig tunes the alert API client
type APIConfig struct {
	TimeoutSeconds        int  `yaml:"timeout_seconds"`
	MaxAttempts           int  `yaml:"max_attempts"`
	RetryDelaySeconds     int  `yaml:"retry_delay_seconds"`
	CircuitBreakerEnabled bool `yaml:"circuit_breaker_enabled"`
	CircuitMaxFailures    int  `yaml:"circuit_max_failures"`
	CircuitTimeoutSeconds int  `yaml:"circuit_timeout_seconds"`
}

// SourceConfig selects the notification transport
type SourceConfig struct {
	Type string `yaml:"type"`
}

// KafkaConfig covers both the notification source and the trigger emitter
type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	GroupID            string   `yaml:"group_id"`

	// TriggersTopic enables the Kafka emitter when set
	TriggersTopic string `yaml:"triggers_topic"`
}

// NATSConfig is the NATS notification source
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// SlackConfig enables the Slack emitter when BotToken is set
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		Threshold:  domain.DefaultThresholdConfig(),
		DataRoot:   "./data",
		LogLevel:   "info",
		ListenAddr: "localhost:8080", // loopback unless explicitly exposed
		API: APIConfig{
			TimeoutSeconds:        30,
			MaxAttempts:           3,
			RetryDelaySeconds:     5,
			CircuitBreakerEnabled: true,
			CircuitMaxFailures:    5,
			CircuitTimeoutSeconds: 60,
		},
		Source: SourceConfig{Type: SourceKafka},
		Kafka: KafkaConfig{
			Brokers:            []string{"localhost:9092"},
			NotificationsTopic: "alerts.updated",
			GroupID:            "threshold-gate",
			TriggersTopic:      "alerts.triggers",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "alerts.updated",
			Queue:   "threshold-gate",
		},
		Slack: SlackConfig{Channel: "#security-alerts"},
	}
}

// Load builds the configuration from, lowest precedence first: defaults,
// the YAML file at path (or $THRESHOLD_GATE_CONFIG), the dotenv files
// (".env" when none are given, missing files ignored) and the process
// environment. The result is validated.
func Load(path string, dotenvFiles ...string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	dotenv := map[string]string{}
	for _, file := range dotenvFiles {
		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, domain.ConfigError("load dotenv", "%s: %v", file, err)
		}
		for k, v := range values {
			if _, ok := dotenv[k]; !ok {
				dotenv[k] = v
			}
		}
	}

	env := envReader{lookup: func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}}
	env.apply(&cfg)
	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ConfigError("load config", "read %s: %v", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return domain.ConfigError("load config", "parse %s: %v", path, err)
	}
	return nil
}

// Validate checks every option. The first violation is returned.
func (c Config) Validate() error {
	const op = "config"

	if c.BaseURL == "" {
		return domain.ConfigError(op, "base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return domain.ConfigError(op, "base_url %q is not a valid URL", c.BaseURL)
	}
	if u.Scheme != "https" {
		return domain.ConfigError(op, "base_url must use https, got %q", u.Scheme)
	}
	if c.APIKey == "" {
		return domain.ConfigError(op, "api_key is required")
	}

	if err := c.Threshold.Validate(); err != nil {
		return err
	}
	if _, err := domain.NewRuleFilter(c.Threshold.RuleFilter, c.Threshold.RuleNamesFilter); err != nil {
		return err
	}

	if strings.TrimSpace(c.DataRoot) == "" {
		return domain.ConfigError(op, "data_root is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return domain.ConfigError(op, "invalid log_level %q", c.LogLevel)
	}

	if c.API.TimeoutSeconds < 1 {
		return domain.ConfigError(op, "api.timeout_seconds must be >= 1")
	}
	if c.API.MaxAttempts < 1 {
		return domain.ConfigError(op, "api.max_attempts must be >= 1")
	}
	if c.API.RetryDelaySeconds < 0 {
		return domain.ConfigError(op, "api.retry_delay_seconds must be >= 0")
	}
	if c.API.CircuitBreakerEnabled && (c.API.CircuitMaxFailures < 1 || c.API.CircuitTimeoutSeconds < 1) {
		return domain.ConfigError(op, "circuit breaker needs max_failures and timeout_seconds >= 1")
	}

	switch c.Source.Type {
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.NotificationsTopic == "" || c.Kafka.GroupID == "" {
			return domain.ConfigError(op, "kafka source needs brokers, notifications_topic and group_id")
		}
	case SourceNATS:
		if c.NATS.URL == "" || c.NATS.Subject == "" {
			return domain.ConfigError(op, "nats source needs url and subject")
		}
	default:
		return domain.ConfigError(op, "source.type must be %q or %q, got %q", SourceKafka, SourceNATS, c.Source.Type)
	}

	if c.Kafka.TriggersTopic != "" && len(c.Kafka.Brokers) == 0 {
		return domain.ConfigError(op, "kafka.triggers_topic needs kafka.brokers")
	}
	if c.Slack.BotToken != "" && c.Slack.Channel == "" {
		return domain.ConfigError(op, "slack.channel is required when slack.bot_token is set")
	}

	return nil
}

// APITimeout is the per-request timeout of the alert API client
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// envReader applies environment overrides, keeping the first parse error
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) apply(c *Config) {
	e.getEnv("GATE_BASE_URL", &c.BaseURL)
	e.getEnv("GATE_API_KEY", &c.APIKey)

	t := &c.Threshold
	e.getEnv("GATE_RULE_FILTER", &t.RuleFilter)
	e.getEnvList("GATE_RULE_NAMES_FILTER", &t.RuleNamesFilter)
	e.getEnvInt("GATE_EVENT_COUNT_THRESHOLD", &t.EventCountThreshold)
	e.getEnvInt("GATE_TIME_WINDOW_HOURS", &t.TimeWindowHours)
	e.getEnvBool("GATE_ENABLE_VOLUME_THRESHOLD", &t.EnableVolumeThreshold)
	e.getEnvBool("GATE_ENABLE_TIME_THRESHOLD", &t.EnableTimeThreshold)
	e.getEnvInt("GATE_CHECK_INTERVAL_SECONDS", &t.CheckIntervalSeconds)
	e.getEnvInt("GATE_STATE_CLEANUP_DAYS", &t.StateCleanupDays)

	e.getEnv("GATE_DATA_ROOT", &c.DataRoot)
	e.getEnv("LOG_LEVEL", &c.LogLevel)
	e.getEnv("GATE_LISTEN_ADDR", &c.ListenAddr)
	e.getEnv("GATE_STATUS_TOKEN", &c.StatusToken)
	e.getEnv("DATABASE_URL", &c.DatabaseURL)

	e.getEnvInt("GATE_API_TIMEOUT_SECONDS", &c.API.TimeoutSeconds)
	e.getEnvInt("GATE_API_MAX_ATTEMPTS", &c.API.MaxAttempts)
	e.getEnvInt("GATE_API_RETRY_DELAY_SECONDS", &c.API.RetryDelaySeconds)
	e.getEnvBool("GATE_CIRCUIT_BREAKER_ENABLED", &c.API.CircuitBreakerEnabled)
	e.getEnvInt("GATE_CIRCUIT_BREAKER_MAX_FAILURES", &c.API.CircuitMaxFailures)
	e.getEnvInt("GATE_CIRCUIT_BREAKER_TIMEOUT_SECONDS", &c.API.CircuitTimeoutSeconds)

	e.getEnv("GATE_SOURCE", &c.Source.Type)
	e.getEnvList("KAFKA_BROKERS", &c.Kafka.Brokers)
	e.getEnv("KAFKA_NOTIFICATIONS_TOPIC", &c.Kafka.NotificationsTopic)
	e.getEnv("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	e.getEnv("KAFKA_TRIGGERS_TOPIC", &c.Kafka.TriggersTopic)
	e.getEnv("NATS_URL", &c.NATS.URL)
	e.getEnv("NATS_SUBJECT", &c.NATS.Subject)
	e.getEnv("NATS_QUEUE", &c.NATS.Queue)
	e.getEnv("SLACK_BOT_TOKEN", &c.Slack.BotToken)
	e.getEnv("SLACK_CHANNEL", &c.Slack.Channel)
}

// getEnv overrides dst when key is set. An empty value clears dst.
func (e *envReader) getEnv(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = strings.TrimSpace(val)
	}
}

func (e *envReader) getEnvInt(key string, dst *int) {
	val, ok := e.lookup(key)
	if !ok || strings.TrimSpace(val) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		e.fail(key, val, "an integer")
		return
	}
	*dst = n
}

func (e *envReader) getEnvBool(key string, dst *bool) {
	val, ok := e.lookup(key)
	if !ok || strings.TrimSpace(val) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		e.fail(key, val, "a boolean")
		return
	}
	*dst = b
}

// getEnvList reads a comma separated list, dropping empty items
func (e *envReader) getEnvList(key string, dst *[]string) {
	val, ok := e.lookup(key)
	if !ok {
		return
	}
	*dst = splitCSV(val)
}

func (e *envReader) fail(key, val, want string) {
	if e.err == nil {
		e.err = domain.ConfigError("environment", "%s=%q is not %s", key, val, want)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
