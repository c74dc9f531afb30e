// Package config содержит логику чтения конфигурации сервиса fedibridge.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса fedibridge.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	PublicURL         string        `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	GatewayAddress    string        `env:"FEDERATION_GATEWAY_ADDRESS"`
	SessionSecret     string        `env:"SESSION_SECRET"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	ChallengeTTL      time.Duration `env:"CHALLENGE_TTL" envDefault:"2m"`
	InvoiceExpiry     time.Duration `env:"INVOICE_EXPIRY" envDefault:"10m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	ReconcileBatch    int           `env:"RECONCILE_BATCH" envDefault:"100"`
	NotifyMaxAttempts int           `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"5"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envSessionSecret := cfg.SessionSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "federation gateway address")
	flag.StringVar(&cfg.SessionSecret, "s", "", "session signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envSessionSecret != "" {
		cfg.SessionSecret = envSessionSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
