package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Sync    SyncConfig    `yaml:"sync"`
	Print   PrintConfig   `yaml:"print"`
	Webhook WebhookConfig `yaml:"webhook"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// APIKeyHash is a bcrypt hash; empty disables API authentication.
	APIKeyHash string `yaml:"api_key_hash"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
	Codec       string `yaml:"codec"`
}

type SyncConfig struct {
	MaxRetries     int             `yaml:"max_retries"`
	RetryDelays    []time.Duration `yaml:"retry_delays"`
	Jitter         time.Duration   `yaml:"jitter"`
	Interval       time.Duration   `yaml:"interval"`
	RemoteURL      string          `yaml:"remote_url"`
	SigningKey     string          `yaml:"signing_key"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RateLimit      float64         `yaml:"rate_limit"`
	RateBurst      int             `yaml:"rate_burst"`
	ProbeURL       string          `yaml:"probe_url"`
	ProbeInterval  time.Duration   `yaml:"probe_interval"`
	// Bounds of the simulated remote used when RemoteURL is empty.
	SimulatedMinDelay time.Duration `yaml:"simulated_min_delay"`
	SimulatedMaxDelay time.Duration `yaml:"simulated_max_delay"`
}

type PrintConfig struct {
	MaxRetries     int             `yaml:"max_retries"`
	RetryDelays    []time.Duration `yaml:"retry_delays"`
	MaxConcurrent  int             `yaml:"max_concurrent"`
	PollInterval   time.Duration   `yaml:"poll_interval"`
	DeviceMinDelay time.Duration   `yaml:"device_min_delay"`
	DeviceMaxDelay time.Duration   `yaml:"device_max_delay"`
	FailureRate    float64         `yaml:"failure_rate"`
}

// WebhookConfig forwards pipeline events to back-office URLs. No URLs
// disables forwarding.
type WebhookConfig struct {
	URLs       []string      `yaml:"urls"`
	Secret     string        `yaml:"secret"`
	Events     []string      `yaml:"events"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig moves old failed print jobs out of the live store.
type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        "./data/posqueue.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "posqueue",
			Codec:       "json",
		},
		Sync: SyncConfig{
			MaxRetries: 5,
			RetryDelays: []time.Duration{
				1 * time.Second,
				2 * time.Second,
				5 * time.Second,
				10 * time.Second,
				30 * time.Second,
			},
			Jitter:            1 * time.Second,
			Interval:          2 * time.Minute,
			RequestTimeout:    10 * time.Second,
			RateLimit:         10,
			RateBurst:         5,
			ProbeInterval:     15 * time.Second,
			SimulatedMinDelay: 300 * time.Millisecond,
			SimulatedMaxDelay: 1300 * time.Millisecond,
		},
		Print: PrintConfig{
			MaxRetries: 4,
			RetryDelays: []time.Duration{
				2 * time.Second,
				5 * time.Second,
				10 * time.Second,
				20 * time.Second,
			},
			MaxConcurrent:  3,
			PollInterval:   500 * time.Millisecond,
			DeviceMinDelay: 1 * time.Second,
			DeviceMaxDelay: 3 * time.Second,
			FailureRate:    0.08,
		},
		Webhook: WebhookConfig{
			Events:     []string{"sync:failed", "print:failed"},
			Workers:    2,
			QueueSize:  100,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:  true,
			Path:     "./data/archives",
			MaxAge:   30 * 24 * time.Hour,
			Interval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at configPath over the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POSQUEUE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("POSQUEUE_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("POSQUEUE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}

	if v := os.Getenv("POSQUEUE_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}

	if v := os.Getenv("POSQUEUE_REMOTE_URL"); v != "" {
		cfg.Sync.RemoteURL = v
	}

	if v := os.Getenv("POSQUEUE_WEBHOOK_URL"); v != "" {
		cfg.Webhook.URLs = []string{v}
	}

	if v := os.Getenv("POSQUEUE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("POSQUEUE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the sqlite driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, redis, memory)", c.Store.Driver)
	}

	if c.Store.Codec != "json" && c.Store.Codec != "msgpack" {
		return fmt.Errorf("invalid store codec: %s (valid: json, msgpack)", c.Store.Codec)
	}

	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync max retries must be at least 1")
	}

	if err := validateDelays("sync", c.Sync.RetryDelays); err != nil {
		return err
	}

	if c.Sync.Jitter < 0 {
		return fmt.Errorf("sync jitter must be non-negative")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	if c.Sync.RateLimit < 0 {
		return fmt.Errorf("sync rate limit must be non-negative")
	}

	if c.Sync.SimulatedMaxDelay < c.Sync.SimulatedMinDelay {
		return fmt.Errorf("simulated max delay must not be below min delay")
	}

	if c.Print.MaxRetries < 1 {
		return fmt.Errorf("print max retries must be at least 1")
	}

	if err := validateDelays("print", c.Print.RetryDelays); err != nil {
		return err
	}

	if c.Print.MaxConcurrent < 1 {
		return fmt.Errorf("print max concurrent must be at least 1")
	}

	if c.Print.PollInterval <= 0 {
		return fmt.Errorf("print poll interval must be positive")
	}

	if c.Print.DeviceMaxDelay < c.Print.DeviceMinDelay {
		return fmt.Errorf("device max delay must not be below min delay")
	}

	if c.Print.FailureRate < 0 || c.Print.FailureRate > 1 {
		return fmt.Errorf("print failure rate must be between 0 and 1, got %v", c.Print.FailureRate)
	}

	if len(c.Webhook.URLs) > 0 {
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook workers must be at least 1")
		}
		if c.Webhook.QueueSize < 1 {
			return fmt.Errorf("webhook queue size must be at least 1")
		}
		if c.Webhook.MaxRetries < 1 {
			return fmt.Errorf("webhook max retries must be at least 1")
		}
		if len(c.Webhook.Events) == 0 {
			return fmt.Errorf("webhook events must not be empty")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Path == "" {
			return fmt.Errorf("archive path is required when archiving is enabled")
		}
		if c.Archive.MaxAge <= 0 {
			return fmt.Errorf("archive max age must be positive")
		}
		if c.Archive.Interval <= 0 {
			return fmt.Errorf("archive interval must be positive")
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func validateDelays(section string, delays []time.Duration) error {
	if len(delays) == 0 {
		return fmt.Errorf("%s retry delays must not be empty", section)
	}
	for i, d := range delays {
		if d < 0 {
			return fmt.Errorf("%s retry delay %d must be non-negative", section, i)
		}
	}
	return nil
}
