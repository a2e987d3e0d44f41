package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinforge/tradecore/internal/config"
)

// PositionSizer suggests an order size in base-asset units from the
// available quote balance and the current price. volatility is the recent
// return volatility of the symbol; models that do not use it ignore it.
type PositionSizer interface {
	Size(available, price, volatility decimal.Decimal) decimal.Decimal
}

// FixedFractionSizer risks a fixed fraction of the available balance.
type FixedFractionSizer struct {
	Fraction decimal.Decimal
}

func (s FixedFractionSizer) Size(available, price, _ decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return available.Mul(s.Fraction).Div(price)
}

// KellySizer sizes by the Kelly criterion, capped at the configured risk
// fraction so a favourable edge cannot bet the whole balance.
type KellySizer struct {
	WinRate      decimal.Decimal
	WinLossRatio decimal.Decimal
	Cap          decimal.Decimal
}

func (s KellySizer) Size(available, price, _ decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !s.WinLossRatio.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	// f = p - (1-p)/b
	fraction := s.WinRate.Sub(one.Sub(s.WinRate).Div(s.WinLossRatio))
	if fraction.IsNegative() {
		return decimal.Zero
	}
	if s.Cap.IsPositive() && fraction.GreaterThan(s.Cap) {
		fraction = s.Cap
	}
	return available.Mul(fraction).Div(price)
}

// VolatilitySizer scales the position inversely with realized volatility so
// riskier symbols get smaller allocations.
type VolatilitySizer struct {
	TargetVol decimal.Decimal
	Cap       decimal.Decimal
}

func (s VolatilitySizer) Size(available, price, volatility decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	fraction := s.Cap
	if volatility.IsPositive() && s.TargetVol.IsPositive() {
		fraction = s.TargetVol.Div(volatility)
		if s.Cap.IsPositive() && fraction.GreaterThan(s.Cap) {
			fraction = s.Cap
		}
	}
	return available.Mul(fraction).Div(price)
}

// NewPositionSizer selects the sizing model from configuration.
func NewPositionSizer(cfg config.SizingConfig) (PositionSizer, error) {
	switch cfg.Model {
	case "fixed", "":
		return FixedFractionSizer{Fraction: cfg.RiskFraction}, nil
	case "kelly":
		return KellySizer{WinRate: cfg.WinRate, WinLossRatio: cfg.WinLossRatio, Cap: cfg.RiskFraction}, nil
	case "volatility":
		return VolatilitySizer{TargetVol: cfg.TargetVol, Cap: cfg.RiskFraction}, nil
	default:
		return nil, fmt.Errorf("unknown sizing model %q", cfg.Model)
	}
}
