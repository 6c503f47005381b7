package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/stakechess/go/internal/match"
	"github.com/mcdev12/stakechess/go/internal/match/sweeper"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Config mirrors config.yaml. Every field is optional; unset fields keep the
// defaults of match.DefaultPolicy and sweeper.DefaultConfig.
type Config struct {
	Match struct {
		FeePct              string              `yaml:"fee_pct"`
		DrawFeePct          string              `yaml:"draw_fee_pct"`
		OpenTimeout         time.Duration       `yaml:"open_timeout"`
		SetupTimeout        time.Duration       `yaml:"setup_timeout"`
		SweepInterval       time.Duration       `yaml:"sweep_interval"`
		ClockBroadcastEvery time.Duration       `yaml:"clock_broadcast_every"`
		TimeControl         *models.TimeControl `yaml:"time_control"`
		Currencies          []string            `yaml:"currencies"`
		DefaultCurrency     string              `yaml:"default_currency"`
		MinStake            string              `yaml:"min_stake"`
		MaxStake            string              `yaml:"max_stake"`
	} `yaml:"match"`

	Sweeper struct {
		Workers   int `yaml:"workers"`
		BatchSize int `yaml:"batch_size"`
	} `yaml:"sweeper"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads path. A missing file yields an empty Config.
func loadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// Policy overlays the file onto the default policy and validates the result.
func (c *Config) Policy() (match.Policy, error) {
	p := match.DefaultPolicy()
	m := c.Match

	for _, d := range []struct {
		raw string
		dst *decimal.Decimal
		key string
	}{
		{m.FeePct, &p.FeePct, "fee_pct"},
		{m.DrawFeePct, &p.DrawFeePct, "draw_fee_pct"},
		{m.MinStake, &p.MinStake, "min_stake"},
		{m.MaxStake, &p.MaxStake, "max_stake"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return match.Policy{}, fmt.Errorf("invalid match.%s %q: %w", d.key, d.raw, err)
		}
		*d.dst = v
	}

	if m.OpenTimeout > 0 {
		p.OpenTimeout = m.OpenTimeout
	}
	if m.SetupTimeout > 0 {
		p.SetupTimeout = m.SetupTimeout
	}
	if m.SweepInterval > 0 {
		p.SweepInterval = m.SweepInterval
	}
	if m.ClockBroadcastEvery > 0 {
		p.ClockBroadcastEvery = m.ClockBroadcastEvery
	}
	if m.TimeControl != nil {
		p.DefaultTimeControl = *m.TimeControl
	}
	if len(m.Currencies) > 0 {
		p.Currencies = m.Currencies
	}
	if m.DefaultCurrency != "" {
		p.DefaultCurrency = m.DefaultCurrency
	}

	if err := p.Validate(); err != nil {
		return match.Policy{}, err
	}
	return p, nil
}

// SweeperConfig derives the sweeper schedule from the policy.
func (c *Config) SweeperConfig(p match.Policy) sweeper.Config {
	cfg := sweeper.DefaultConfig()
	cfg.Interval = p.SweepInterval
	cfg.BroadcastEvery = p.ClockBroadcastEvery
	if c.Sweeper.Workers > 0 {
		cfg.Workers = c.Sweeper.Workers
	}
	if c.Sweeper.BatchSize > 0 {
		cfg.BatchSize = c.Sweeper.BatchSize
	}
	return cfg
}
