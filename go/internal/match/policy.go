package match

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/stakechess/go/internal/models"
)

// Policy holds the house rules applied to every session.
type Policy struct {
	FeePct              decimal.Decimal
	DrawFeePct          decimal.Decimal
	OpenTimeout         time.Duration `validate:"gt=0"`
	SetupTimeout        time.Duration `validate:"gt=0"`
	SweepInterval       time.Duration `validate:"gt=0"`
	ClockBroadcastEvery time.Duration `validate:"gt=0"`
	DefaultTimeControl  models.TimeControl
	Currencies          []string `validate:"min=1,dive,len=3,uppercase"`
	DefaultCurrency     string   `validate:"len=3"`
	MinStake            decimal.Decimal
	MaxStake            decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		FeePct:              decimal.RequireFromString("0.10"),
		DrawFeePct:          decimal.RequireFromString("0.05"),
		OpenTimeout:         30 * time.Minute,
		SetupTimeout:        5 * time.Minute,
		SweepInterval:       time.Second,
		ClockBroadcastEvery: time.Second,
		DefaultTimeControl:  models.TimeControl{InitialMs: 10 * 60 * 1000},
		Currencies:          []string{"USD"},
		DefaultCurrency:     "USD",
		MinStake:            decimal.RequireFromString("1"),
		MaxStake:            decimal.RequireFromString("1000"),
	}
}

// Validate checks the policy, including the decimal bounds the tags can't express.
func (p Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid match policy: %w", err)
	}
	one := decimal.NewFromInt(1)
	if p.FeePct.IsNegative() || p.FeePct.GreaterThanOrEqual(one) {
		return fmt.Errorf("invalid match policy: fee_pct %s out of range", p.FeePct)
	}
	if p.DrawFeePct.IsNegative() || p.DrawFeePct.GreaterThan(p.FeePct) {
		return fmt.Errorf("invalid match policy: draw_fee_pct %s must be within [0, fee_pct]", p.DrawFeePct)
	}
	if !p.MinStake.IsPositive() || p.MaxStake.LessThan(p.MinStake) {
		return fmt.Errorf("invalid match policy: stake bounds [%s, %s]", p.MinStake, p.MaxStake)
	}
	if !p.currencyAllowed(p.DefaultCurrency) {
		return fmt.Errorf("invalid match policy: default currency %s not allowed", p.DefaultCurrency)
	}
	return nil
}

func (p Policy) currencyAllowed(c string) bool {
	for _, allowed := range p.Currencies {
		if allowed == c {
			return true
		}
	}
	return false
}
