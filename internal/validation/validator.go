// Package validation implements the pre-trade order check pipeline. Checks
// run in a fixed order and the first failure short-circuits with a
// human-readable reason. The pipeline is pure: it never mutates ledger or
// security state, so a failed check cannot corrupt anything.
package validation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/internal/ledger"
	"github.com/coinforge/tradecore/internal/marketdata"
	"github.com/coinforge/tradecore/pkg/models"
)

// Validator runs the order check pipeline.
type Validator struct {
	logger   *zap.Logger
	cfg      *config.Config
	provider marketdata.Provider
	// ledger is optional; when nil the balance-sufficiency check is skipped
	ledger *ledger.Service
}

// NewValidator creates a validator. ledgerSvc may be nil to disable the
// balance check (live mode delegates balance enforcement to the exchange).
func NewValidator(logger *zap.Logger, cfg *config.Config, provider marketdata.Provider, ledgerSvc *ledger.Service) *Validator {
	return &Validator{
		logger:   logger,
		cfg:      cfg,
		provider: provider,
		ledger:   ledgerSvc,
	}
}

type checkFunc func(ctx context.Context, order *models.Order) (bool, string)

// Validate runs every check in order and returns the first failure reason.
func (v *Validator) Validate(ctx context.Context, order *models.Order) (bool, string) {
	checks := []struct {
		name string
		fn   checkFunc
	}{
		{"parameters", v.checkParameters},
		{"symbol", v.checkSymbol},
		{"order_size", v.checkOrderSize},
		{"price_sanity", v.checkPriceSanity},
		{"precision", v.checkPrecision},
		{"balance", v.checkBalance},
	}
	for _, c := range checks {
		ok, reason := c.fn(ctx, order)
		if !ok {
			v.logger.Info("order validation failed",
				zap.String("order_id", order.ID.String()),
				zap.String("check", c.name),
				zap.String("reason", reason))
			return false, reason
		}
	}
	return true, ""
}

// checkParameters verifies the type-specific required fields.
func (v *Validator) checkParameters(_ context.Context, order *models.Order) (bool, string) {
	if !order.Amount.IsPositive() {
		return false, "order amount must be positive"
	}
	if order.Side != models.OrderSideBuy && order.Side != models.OrderSideSell {
		return false, fmt.Sprintf("invalid order side %q", order.Side)
	}
	switch order.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if !order.Price.IsPositive() {
			return false, "limit order requires a positive price"
		}
	case models.OrderTypeStopLoss, models.OrderTypeTakeProfit:
		if !order.StopPrice.IsPositive() {
			return false, fmt.Sprintf("%s order requires a positive stop price", order.Type)
		}
	case models.OrderTypeOCO:
		if !order.StopPrice.IsPositive() || !order.TakeProfitPrice.IsPositive() {
			return false, "oco order requires both a stop-loss and a take-profit price"
		}
		if order.Side == models.OrderSideSell && !order.TakeProfitPrice.GreaterThan(order.StopPrice) {
			return false, "oco take-profit price must exceed the stop-loss price"
		}
	default:
		return false, fmt.Sprintf("unknown order type %q", order.Type)
	}
	return true, ""
}

// checkSymbol verifies the symbol is listed upstream. A market-data outage
// degrades to a warning instead of blocking the order.
func (v *Validator) checkSymbol(ctx context.Context, order *models.Order) (bool, string) {
	symbols, err := v.provider.GetSymbols(ctx)
	if err != nil {
		v.logger.Warn("symbol check skipped, market data unavailable",
			zap.String("symbol", order.Symbol), zap.Error(err))
		return true, ""
	}
	normalized := v.provider.NormalizeSymbol(order.Symbol)
	for _, s := range symbols {
		if s == normalized {
			return true, ""
		}
	}
	return false, fmt.Sprintf("unknown symbol %s", order.Symbol)
}

// referencePrice returns the price used for notional computations: the
// order's own price when set, otherwise the last observed market price.
func (v *Validator) referencePrice(ctx context.Context, order *models.Order) (decimal.Decimal, error) {
	if order.Price.IsPositive() {
		return order.Price, nil
	}
	ticker, err := v.provider.GetTicker(ctx, order.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return ticker.Last, nil
}

// checkOrderSize bounds the notional value by the exchange rule set.
func (v *Validator) checkOrderSize(ctx context.Context, order *models.Order) (bool, string) {
	price, err := v.referencePrice(ctx, order)
	if err != nil {
		v.logger.Warn("order size check skipped, market data unavailable",
			zap.String("symbol", order.Symbol), zap.Error(err))
		return true, ""
	}
	rules := v.cfg.Rules(order.Exchange)
	notional := order.Amount.Mul(price)
	if notional.LessThan(rules.MinOrderValue) {
		return false, fmt.Sprintf("order value %s below exchange minimum %s", notional, rules.MinOrderValue)
	}
	if notional.GreaterThan(rules.MaxOrderValue) {
		return false, fmt.Sprintf("order value %s above exchange maximum %s", notional, rules.MaxOrderValue)
	}
	return true, ""
}

// checkPriceSanity bounds the deviation of priced orders from the last
// observed market price.
func (v *Validator) checkPriceSanity(ctx context.Context, order *models.Order) (bool, string) {
	if !order.Price.IsPositive() {
		return true, ""
	}
	ticker, err := v.provider.GetTicker(ctx, order.Symbol)
	if err != nil {
		v.logger.Warn("price sanity check skipped, market data unavailable",
			zap.String("symbol", order.Symbol), zap.Error(err))
		return true, ""
	}
	if !ticker.Last.IsPositive() {
		return true, ""
	}
	rules := v.cfg.Rules(order.Exchange)
	deviation := order.Price.Sub(ticker.Last).Abs().Div(ticker.Last)
	if deviation.GreaterThan(rules.MaxPriceDeviation) {
		return false, fmt.Sprintf("price %s deviates %s from market price %s (max %s)",
			order.Price, deviation.Round(4), ticker.Last, rules.MaxPriceDeviation)
	}
	return true, ""
}

// checkPrecision bounds amount and price decimal places by the exchange's
// declared precision.
func (v *Validator) checkPrecision(_ context.Context, order *models.Order) (bool, string) {
	rules := v.cfg.Rules(order.Exchange)
	if decimalPlaces(order.Amount) > rules.AmountPrecision {
		return false, fmt.Sprintf("amount %s exceeds %d decimal places", order.Amount, rules.AmountPrecision)
	}
	if order.Price.IsPositive() && decimalPlaces(order.Price) > rules.PricePrecision {
		return false, fmt.Sprintf("price %s exceeds %d decimal places", order.Price, rules.PricePrecision)
	}
	return true, ""
}

// checkBalance verifies sufficient available funds: the base asset for sells,
// the quote asset for buys (ask-estimated for market orders).
func (v *Validator) checkBalance(ctx context.Context, order *models.Order) (bool, string) {
	if v.ledger == nil {
		return true, ""
	}
	base, quote := models.SplitSymbol(v.provider.NormalizeSymbol(order.Symbol))
	if quote == "" {
		return false, fmt.Sprintf("malformed symbol %s", order.Symbol)
	}

	if order.Side == models.OrderSideSell {
		available := v.availableBalance(ctx, order, base)
		if available.LessThan(order.Amount) {
			return false, fmt.Sprintf("insufficient balance: need %s %s, available %s", order.Amount, base, available)
		}
		return true, ""
	}

	price := order.Price
	if !price.IsPositive() {
		ticker, err := v.provider.GetTicker(ctx, order.Symbol)
		if err != nil {
			v.logger.Warn("balance check skipped, market data unavailable",
				zap.String("symbol", order.Symbol), zap.Error(err))
			return true, ""
		}
		price = ticker.Ask
	}
	required := order.Amount.Mul(price)
	available := v.availableBalance(ctx, order, quote)
	if available.LessThan(required) {
		return false, fmt.Sprintf("insufficient balance: need %s %s, available %s", required, quote, available)
	}
	return true, ""
}

func (v *Validator) availableBalance(ctx context.Context, order *models.Order, asset string) decimal.Decimal {
	wallet, err := v.ledger.GetWallet(ctx, order.UserID, asset)
	if err != nil {
		return decimal.Zero
	}
	return wallet.Available()
}

// decimalPlaces returns the number of significant decimal places of d.
func decimalPlaces(d decimal.Decimal) int32 {
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	// Trailing zeros do not count against precision.
	trimmed := d.Truncate(-exp)
	for exp < 0 && trimmed.Equal(trimmed.Truncate(-exp-1)) {
		exp++
	}
	return -exp
}
