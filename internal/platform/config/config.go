package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	RedisURL  string `env:"REDIS_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Streams binds streams to Redis channels at startup, e.g. "scores=match-1,match-2;news=feed".
	Streams          string `env:"STREAMS"`
	WaitForClients   bool   `env:"WAIT_FOR_CLIENTS" default:"true"`
	SubscriberBuffer int    `env:"SUBSCRIBER_BUFFER" default:"0"`

	AllowedOrigins  []string `env:"WS_ALLOWED_ORIGINS"`
	WSRatePerSecond float64  `env:"WS_RATE_PER_SECOND" default:"5"`
	WSRateBurst     int      `env:"WS_RATE_BURST" default:"10"`

	AdminToken string `env:"ADMIN_TOKEN"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if cfg.IsProduction() && cfg.AdminToken == "" {
		return errors.New("ADMIN_TOKEN is required in production")
	}
	if cfg.AdminToken != "" && len(cfg.AdminToken) < 16 {
		return errors.New("ADMIN_TOKEN must be at least 16 characters")
	}
	if cfg.SubscriberBuffer < 0 {
		return errors.New("SUBSCRIBER_BUFFER must not be negative")
	}
	if cfg.WSRatePerSecond <= 0 || cfg.WSRateBurst < 1 {
		return errors.New("WS_RATE_PER_SECOND and WS_RATE_BURST must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	if _, err := cfg.StreamBindings(); err != nil {
		return err
	}
	return nil
}

// StreamBindings parses Streams into stream name to channel list.
func (c *Config) StreamBindings() (map[string][]string, error) {
	bindings := make(map[string][]string)
	for entry := range strings.SplitSeq(c.Streams, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, list, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("STREAMS entry %q must look like name=channel[,channel]", entry)
		}
		if _, dup := bindings[name]; dup {
			return nil, fmt.Errorf("STREAMS binds %q more than once", name)
		}

		var channels []string
		for ch := range strings.SplitSeq(list, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
		if len(channels) == 0 {
			return nil, fmt.Errorf("STREAMS entry %q has no channels", entry)
		}
		bindings[name] = channels
	}
	return bindings, nil
}
