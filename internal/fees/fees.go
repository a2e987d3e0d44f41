// Package fees provides the fee and position-sizing capability interfaces.
// One implementation exists per variant; the active one is selected by a
// configuration key, not a runtime registry.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinforge/tradecore/internal/config"
)

// Liquidity classifies how an order interacted with the book.
type Liquidity string

const (
	LiquidityMaker Liquidity = "maker"
	LiquidityTaker Liquidity = "taker"
)

// FeeModel computes the fee charged on a fill's notional value.
type FeeModel interface {
	Fee(notional decimal.Decimal, liquidity Liquidity) decimal.Decimal
}

// FlatFeeModel charges one rate regardless of liquidity.
type FlatFeeModel struct {
	Rate decimal.Decimal
}

func (m FlatFeeModel) Fee(notional decimal.Decimal, _ Liquidity) decimal.Decimal {
	return notional.Mul(m.Rate)
}

// MakerTakerFeeModel charges by liquidity side.
type MakerTakerFeeModel struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

func (m MakerTakerFeeModel) Fee(notional decimal.Decimal, liquidity Liquidity) decimal.Decimal {
	if liquidity == LiquidityMaker {
		return notional.Mul(m.MakerRate)
	}
	return notional.Mul(m.TakerRate)
}

// NewFeeModel selects the fee model for an exchange from configuration.
func NewFeeModel(paper config.PaperConfig, rules config.ExchangeRules) (FeeModel, error) {
	switch paper.FeeModel {
	case "flat":
		return FlatFeeModel{Rate: paper.FlatFee}, nil
	case "maker_taker", "":
		return MakerTakerFeeModel{MakerRate: rules.MakerFee, TakerRate: rules.TakerFee}, nil
	default:
		return nil, fmt.Errorf("unknown fee model %q", paper.FeeModel)
	}
}
