// Package config provides configuration management for the acquirer.
// Values come from defaults, an optional config.yaml, a .env file and the
// process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

// Config represents the application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logger        logger.Config       `mapstructure:"logger"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Portal        PortalConfig        `mapstructure:"portal"`
	Captcha       CaptchaConfig       `mapstructure:"captcha"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Admission     AdmissionConfig     `mapstructure:"admission"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// AppConfig holds application identity settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig holds the shared rate-limit backend settings.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ElasticsearchConfig configures the optional audit mirror.
type ElasticsearchConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	AuditIndex string   `mapstructure:"audit_index"`
}

// PortalConfig describes the upstream document portal.
type PortalConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	LookupPath  string `mapstructure:"lookup_path"`
	CaptchaPath string `mapstructure:"captcha_path"`
	StatePath   string `mapstructure:"state_path"`
	CarPath     string `mapstructure:"car_path"`
	UserAgent   string `mapstructure:"user_agent"`
	// Timeout bounds a single-shot request; StreamTimeout bounds the streaming fallback.
	Timeout       time.Duration `mapstructure:"timeout"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
	// MaxInlineBytes is the largest payload read by the single-shot path.
	MaxInlineBytes ByteSize `mapstructure:"max_inline_bytes"`
	// ChallengeRejectedStatus is the status the portal answers with for a wrong guess.
	ChallengeRejectedStatus int `mapstructure:"challenge_rejected_status"`
}

// CaptchaConfig selects the challenge solver.
type CaptchaConfig struct {
	// Provider is "http" (remote OCR service) or "static" (fixed answer, development only).
	Provider string        `mapstructure:"provider"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Answer   string        `mapstructure:"answer"`
}

// StorageConfig controls where artifacts land.
type StorageConfig struct {
	Root string `mapstructure:"root"`
	// Magic is the hex-encoded signature every artifact must start with.
	Magic     string `mapstructure:"magic"`
	Extension string `mapstructure:"extension"`
}

// AdmissionConfig holds the admission gates.
type AdmissionConfig struct {
	MinFreeBytes  ByteSize      `mapstructure:"min_free_bytes"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RateBackend   string        `mapstructure:"rate_backend"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
	AcquireLimit  int           `mapstructure:"acquire_limit"`
	LookupLimit   int           `mapstructure:"lookup_limit"`
	StatusLimit   int           `mapstructure:"status_limit"`
}

// RetryConfig holds the per-job retry budget and backoff curve.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SchedulerConfig holds the recurring policy engine settings.
type SchedulerConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timezone string         `mapstructure:"timezone"`
	Policies []PolicyConfig `mapstructure:"policies"`
}

// PolicyConfig provisions one schedule policy at startup.
type PolicyConfig struct {
	ID          string         `mapstructure:"id"`
	Trigger     string         `mapstructure:"trigger"`
	Active      bool           `mapstructure:"active"`
	Description string         `mapstructure:"description"`
	Targets     []TargetConfig `mapstructure:"targets"`
}

// TargetConfig expands to one target per category, or one per item id.
type TargetConfig struct {
	Region     string   `mapstructure:"region"`
	Categories []string `mapstructure:"categories"`
	ItemIDs    []string `mapstructure:"item_ids"`
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server: address is required"))
	}
	if _, err := url.ParseRequestURI(c.Portal.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("portal: invalid base_url: %w", err))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage: root is required"))
	}
	if _, err := c.Storage.MagicBytes(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	errs = append(errs, c.Admission.validate()...)
	errs = append(errs, c.Retry.validate()...)
	errs = append(errs, c.Captcha.validate()...)
	for i, p := range c.Scheduler.Policies {
		if p.ID == "" || p.Trigger == "" {
			errs = append(errs, fmt.Errorf("scheduler: policy %d requires id and trigger", i))
		}
	}
	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		errs = append(errs, errors.New("elasticsearch: addresses required when enabled"))
	}
	return errors.Join(errs...)
}

func (a AdmissionConfig) validate() []error {
	var errs []error
	if a.MaxConcurrent < 1 {
		errs = append(errs, errors.New("admission: max_concurrent must be at least 1"))
	}
	if a.RateWindow <= 0 {
		errs = append(errs, errors.New("admission: rate_window must be positive"))
	}
	if a.RateBackend != RateBackendMemory && a.RateBackend != RateBackendRedis {
		errs = append(errs, fmt.Errorf("admission: unknown rate_backend %q", a.RateBackend))
	}
	return errs
}

func (r RetryConfig) validate() []error {
	var errs []error
	if r.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry: max_attempts must be at least 1"))
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		errs = append(errs, errors.New("retry: need 0 < base_delay <= max_delay"))
	}
	return errs
}

func (c CaptchaConfig) validate() []error {
	switch c.Provider {
	case CaptchaProviderHTTP:
		if c.Endpoint == "" {
			return []error{errors.New("captcha: endpoint is required for the http provider")}
		}
	case CaptchaProviderStatic:
	default:
		return []error{fmt.Errorf("captcha: unknown provider %q", c.Provider)}
	}
	return nil
}
