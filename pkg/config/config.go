// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Sink kinds selectable via SINK_KIND.
const (
	SinkKindRedis = "redis"
	SinkKindGRPC  = "grpc"
)

// Config is the full service configuration, constructed once at startup
// and passed into each component explicitly.
type Config struct {
	Log  Log
	HTTP HTTPServer

	DatabaseURL         string `env:"DATABASE_URL,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`

	Sink  Sink  `envPrefix:"SINK_"`
	OAuth OAuth `envPrefix:"OAUTH_"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

// Sink selects and configures the downstream collaborator.
type Sink struct {
	Kind string `env:"KIND" envDefault:"redis"`

	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"subscriptions.upsert"`

	GRPCTarget string `env:"GRPC_TARGET"`
}

// OAuth configures the client-credentials flow used to authenticate calls
// to the gRPC sink. Unused for the redis sink.
type OAuth struct {
	TokenURL     string `env:"TOKEN_URL"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	Scope        string `env:"SCOPE" envDefault:"openid"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	switch cfg.Sink.Kind {
	case SinkKindRedis, SinkKindGRPC:
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
	if cfg.Sink.Kind == SinkKindGRPC && cfg.Sink.GRPCTarget == "" {
		return nil, fmt.Errorf("SINK_GRPC_TARGET is required for the grpc sink")
	}

	return cfg, nil
}
