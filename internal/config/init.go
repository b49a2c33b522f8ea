package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// New returns a viper instance with env binding, defaults and the optional
// config file applied. An empty path searches "." and "./config".
func New(path string) (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		byteSizeHook(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.App.Debug {
		cfg.Logger.Level = "debug"
		cfg.Logger.Development = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app", map[string]any{
		"name":        "acquirer",
		"environment": "production",
		"debug":       false,
	})

	v.SetDefault("logger", map[string]any{
		"level":        "info",
		"development":  false,
		"output_paths": []string{"stdout"},
	})

	v.SetDefault("server", map[string]any{
		"address":          ":8080",
		"read_timeout":     "15s",
		"write_timeout":    "60s",
		"idle_timeout":     "60s",
		"shutdown_timeout": "30s",
	})

	v.SetDefault("database", map[string]any{
		"host":              "localhost",
		"port":              "5432",
		"user":              "postgres",
		"password":          "",
		"dbname":            "acquirer",
		"sslmode":           "disable",
		"max_open_conns":    10,
		"max_idle_conns":    5,
		"conn_max_lifetime": "5m",
	})

	v.SetDefault("redis", map[string]any{
		"address":    "localhost:6379",
		"password":   "",
		"db":         0,
		"key_prefix": "acquirer:rate",
	})

	v.SetDefault("elasticsearch", map[string]any{
		"enabled":     false,
		"addresses":   []string{"http://127.0.0.1:9200"},
		"username":    "",
		"password":    "",
		"audit_index": "acquirer-audit",
	})

	v.SetDefault("portal", map[string]any{
		"base_url":                  "http://localhost:9000",
		"lookup_path":               "/lookup",
		"captcha_path":              "/captcha",
		"state_path":                "/download/state",
		"car_path":                  "/download/car",
		"user_agent":                "north-cloud-acquirer/1.0",
		"timeout":                   "120s",
		"stream_timeout":            "15m",
		"max_inline_bytes":          defaultMaxInline,
		"challenge_rejected_status": 422,
	})

	v.SetDefault("captcha", map[string]any{
		"provider": CaptchaProviderHTTP,
		"endpoint": "http://localhost:9100/solve",
		"timeout":  "20s",
		"answer":   "",
	})

	v.SetDefault("storage", map[string]any{
		"root":      "./data",
		"magic":     zipMagicHex,
		"extension": ".zip",
	})

	v.SetDefault("admission", map[string]any{
		"min_free_bytes": defaultMinFreeBytes,
		"max_concurrent": defaultMaxConcurrent,
		"rate_backend":   RateBackendMemory,
		"rate_window":    "1m",
		"acquire_limit":  defaultAcquireLimit,
		"lookup_limit":   defaultLookupLimit,
		"status_limit":   defaultStatusLimit,
	})

	v.SetDefault("retry", map[string]any{
		"max_attempts": defaultMaxAttempts,
		"base_delay":   "2s",
		"max_delay":    "60s",
	})

	v.SetDefault("scheduler", map[string]any{
		"enabled":  true,
		"timezone": "UTC",
		"policies": []any{},
	})
}
