/*
Package config loads engine configuration from TOML with sane defaults.

PURPOSE:
  One place for every tunable: server binding, database path, the billing
  defaults a unit inherits when it carries no overrides, and the conflict
  retry bounds. Anything not set in the file keeps its default, so an empty
  file (or no file at all) yields a working engine.

EXAMPLE (config.toml):

  [server]
  port = 8080

  [database]
  path = "./data/billing.db"

  [billing]
  fiscal_year_start_month = 1
  grace_days = 15
  monthly_rate_percent = "5"
  compounding = "flat"
  credit_first = false

  [retry]
  max_attempts = 3
  backoff_ms = 25
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/strata/billing-engine/billing"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Billing  BillingConfig  `toml:"billing"`
	Retry    RetryConfig    `toml:"retry"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	// Path to the SQLite file; ":memory:" for ephemeral runs.
	Path string `toml:"path"`
}

// BillingConfig holds the engine defaults applied to units without
// overrides. MonthlyRatePercent is a decimal string ("5" = 5%/period) so
// the rate never passes through a float.
type BillingConfig struct {
	FiscalYearStartMonth int    `toml:"fiscal_year_start_month"`
	GraceDays            int    `toml:"grace_days"`
	MonthlyRatePercent   string `toml:"monthly_rate_percent"`
	Compounding          string `toml:"compounding"`
	CreditFirst          bool   `toml:"credit_first"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BackoffMS   int `toml:"backoff_ms"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8080},
		Database: DatabaseConfig{Path: "./data/billing.db"},
		Billing: BillingConfig{
			FiscalYearStartMonth: 1,
			GraceDays:            15,
			MonthlyRatePercent:   "5",
			Compounding:          string(billing.CompoundingFlat),
			CreditFirst:          false,
		},
		Retry: RetryConfig{MaxAttempts: 3, BackoffMS: 25},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Billing.FiscalYearStartMonth < 1 || c.Billing.FiscalYearStartMonth > 12 {
		return fmt.Errorf("%w: %d", billing.ErrInvalidFiscalMonth, c.Billing.FiscalYearStartMonth)
	}
	if _, err := decimal.NewFromString(c.Billing.MonthlyRatePercent); err != nil {
		return fmt.Errorf("invalid monthly_rate_percent %q: %w", c.Billing.MonthlyRatePercent, err)
	}
	switch billing.CompoundingMode(c.Billing.Compounding) {
	case billing.CompoundingFlat, billing.CompoundingCompound:
	default:
		return fmt.Errorf("invalid compounding mode %q", c.Billing.Compounding)
	}
	if c.Billing.GraceDays < 0 {
		return fmt.Errorf("grace_days must not be negative")
	}
	return nil
}

// Calendar returns the configured fiscal calendar.
func (c Config) Calendar() billing.FiscalCalendar {
	return billing.FiscalCalendar{StartMonth: time.Month(c.Billing.FiscalYearStartMonth)}
}

// PenaltyConfig returns the engine-default penalty settings.
func (c Config) PenaltyConfig() billing.PenaltyConfig {
	return billing.PenaltyConfig{
		GraceDays:          c.Billing.GraceDays,
		MonthlyRatePercent: billing.MustParseDecimal(c.Billing.MonthlyRatePercent),
		Compounding:        billing.CompoundingMode(c.Billing.Compounding),
	}
}

// Backoff returns the retry backoff as a duration.
func (c Config) Backoff() time.Duration {
	return time.Duration(c.Retry.BackoffMS) * time.Millisecond
}
