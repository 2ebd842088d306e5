package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration
type Config struct {
	API       APIConfig       `yaml:"api"`
	KV        KVConfig        `yaml:"kv"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Dialer    DialerConfig    `yaml:"dialer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Telephony TelephonyConfig `yaml:"telephony"`
}

type APIConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	EnableCORS  bool   `yaml:"enable_cors"`
	FrontendURL string `yaml:"frontend_url"`
}

// KVConfig points at the redis (or redis-cluster) instance that holds
// leases, reservations and waitlists
type KVConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	URI          string `yaml:"uri"` // DSN, e.g. user:pass@tcp(host:3306)/dialcast?parseTime=true
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DialerConfig bounds the dispatch side: the campaign-less global pool and
// the per-second dial rate shared by all campaign workers
type DialerConfig struct {
	MaxGlobalCalls  int     `yaml:"max_global_calls"`
	MaxPerLineCalls int     `yaml:"max_per_line_calls"`
	DispatchPerSec  float64 `yaml:"dispatch_per_sec"`
	DefaultBatch    int     `yaml:"default_batch"`
}

type SchedulerConfig struct {
	DefaultTimezone    string `yaml:"default_timezone"`
	BusinessHoursStart string `yaml:"business_hours_start"` // "HH:MM"
	BusinessHoursEnd   string `yaml:"business_hours_end"`
}

// QueueConfig controls the delayed-job runner retry policy
type QueueConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBackoffDelay time.Duration `yaml:"retry_backoff_delay"`
}

type TelephonyConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	APIToken       string        `yaml:"api_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Load reads the YAML config file and applies environment overrides
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			// Missing file is fine, env vars can carry everything
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		API: APIConfig{Host: "0.0.0.0", Port: 8080, EnableCORS: true},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Dialer: DialerConfig{
			MaxGlobalCalls:  50,
			MaxPerLineCalls: 20,
			DispatchPerSec:  10,
			DefaultBatch:    50,
		},
		Scheduler: SchedulerConfig{
			DefaultTimezone:    "UTC",
			BusinessHoursStart: "09:00",
			BusinessHoursEnd:   "18:00",
		},
		Queue: QueueConfig{
			RetryAttempts:     3,
			RetryBackoffDelay: 5 * time.Second,
		},
		Telephony: TelephonyConfig{
			RequestTimeout: 10 * time.Second,
		},
	}
}

// overrideWithEnv applies the environment contract of the service
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("KV_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("DOCSTORE_URI"); v != "" {
		cfg.Database.URI = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.API.FrontendURL = v
	}
	if v := os.Getenv("DEFAULT_TIMEZONE"); v != "" {
		cfg.Scheduler.DefaultTimezone = v
	}
	if v := os.Getenv("DEFAULT_BUSINESS_HOURS_START"); v != "" {
		cfg.Scheduler.BusinessHoursStart = v
	}
	if v := os.Getenv("DEFAULT_BUSINESS_HOURS_END"); v != "" {
		cfg.Scheduler.BusinessHoursEnd = v
	}
	if v := os.Getenv("QUEUE_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.RetryAttempts = n
		}
	}
	if v := os.Getenv("QUEUE_RETRY_BACKOFF_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Queue.RetryBackoffDelay = d
		} else if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Queue.RetryBackoffDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TELEPHONY_BASE_URL"); v != "" {
		cfg.Telephony.BaseURL = v
	}
	if v := os.Getenv("TELEPHONY_API_KEY"); v != "" {
		cfg.Telephony.APIKey = v
	}
	if v := os.Getenv("TELEPHONY_API_TOKEN"); v != "" {
		cfg.Telephony.APIToken = v
	}
}

// Validate checks the required settings before startup
func (c *Config) Validate() error {
	if c.KV.URL == "" {
		return fmt.Errorf("KV_URL is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("DOCSTORE_URI is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is invalid: %w", c.Scheduler.DefaultTimezone, err)
	}
	return nil
}

// Address returns the API listen address
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
