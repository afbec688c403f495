// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the configuration shared by the binaries.
type Config struct {
	DBPath string `env:"ESCROW_DB" envDefault:"escrow.db"`

	// Addresses the ledger and the compliance engine act under.
	Admin          string `env:"ESCROW_ADMIN" envDefault:"GADMIN"`
	LedgerAddr     string `env:"ESCROW_LEDGER_ADDRESS" envDefault:"GLEDGER"`
	RegistryAddr   string `env:"ESCROW_REGISTRY_ADDRESS" envDefault:"GREGISTRY"`
	ComplianceAddr string `env:"ESCROW_COMPLIANCE_ADDRESS" envDefault:"GCOMPLIANCE"`

	// Asset custodied by the console.
	Asset string `env:"ESCROW_ASSET" envDefault:"USDC"`

	// Rate limits applied on first start. Zero calls means unlimited.
	RateWindow      time.Duration `env:"ESCROW_RATE_WINDOW" envDefault:"1h"`
	CreateRateLimit int64         `env:"ESCROW_CREATE_RATE_LIMIT" envDefault:"0"`
	UpdateRateLimit int64         `env:"ESCROW_UPDATE_RATE_LIMIT" envDefault:"0"`
	AllocRateLimit  int64         `env:"ESCROW_ALLOC_RATE_LIMIT" envDefault:"0"`

	OTelEndpoint string `env:"ESCROW_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"ESCROW_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses a Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.RateWindow < time.Second {
		return Config{}, fmt.Errorf("ESCROW_RATE_WINDOW must be at least 1s, got %s", cfg.RateWindow)
	}
	return cfg, nil
}
