package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	TransportWebSocket  = "websocket"
	TransportCentrifuge = "centrifuge"

	minTokenSecretLength = 32
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	PublicURL string `env:"PUBLIC_URL"`

	HubName       string `env:"HUB_NAME" default:"chat"`
	TargetChannel string `env:"TARGET_CHANNEL" default:"notify"`
	Transport     string `env:"TRANSPORT" default:"websocket"`

	RedisURL               string        `env:"REDIS_URL"`
	QueueName              string        `env:"QUEUE_NAME" default:"notifications"`
	QueueGroup             string        `env:"QUEUE_GROUP" default:"relay"`
	QueuePollTimeout       time.Duration `env:"QUEUE_POLL_TIMEOUT" default:"5s"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" default:"30s"`
	FanoutEnabled          bool          `env:"FANOUT_ENABLED" default:"false"`

	TokenSecret string        `env:"TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" default:"1h"`

	DatabaseURL string `env:"DATABASE_URL"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	NegotiateRateLimit      float64 `env:"NEGOTIATE_RATE_LIMIT" default:"10"`
	NegotiateRateBurst      int     `env:"NEGOTIATE_RATE_BURST" default:"20"`

	InstanceID string `env:"INSTANCE_ID"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// DeadLettersEnabled reports whether discarded messages are recorded in PostgreSQL.
func (c *Config) DeadLettersEnabled() bool {
	return c.DatabaseURL != ""
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
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
	if cfg.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < minTokenSecretLength {
		return fmt.Errorf("TOKEN_SECRET must be at least %d characters", minTokenSecretLength)
	}

	switch cfg.Transport {
	case TransportWebSocket, TransportCentrifuge:
	default:
		return fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportWebSocket, TransportCentrifuge, cfg.Transport)
	}

	if cfg.HubName == "" {
		return errors.New("HUB_NAME must not be empty")
	}
	if cfg.TargetChannel == "" {
		return errors.New("TARGET_CHANNEL must not be empty")
	}
	if cfg.QueuePollTimeout <= 0 {
		return errors.New("QUEUE_POLL_TIMEOUT must be positive")
	}
	if cfg.QueueVisibilityTimeout < cfg.QueuePollTimeout {
		return errors.New("QUEUE_VISIBILITY_TIMEOUT must not be shorter than QUEUE_POLL_TIMEOUT")
	}
	if cfg.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}

	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_URL must be an absolute URL, got %q", cfg.PublicURL)
		}
	}

	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("relay-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
