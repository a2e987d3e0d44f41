package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/pkg/models"
)

// AnomalyDetector applies heuristic guardrails against suspicious order
// patterns: fat-finger sizes, excessive frequency, unfamiliar-symbol bursts
// and wash-trade-like opposite orders. Thresholds are configuration, not
// behavior. The detector also records every checked order into the rolling
// per-identity history consumed by subsequent checks.
type AnomalyDetector struct {
	logger *zap.Logger
	cfg    config.AnomalyConfig

	mu         sync.Mutex
	identities map[string]*identityHistory

	now func() time.Time
}

type identityHistory struct {
	mu sync.Mutex
	// orderTimes holds order timestamps in the trailing hour
	orderTimes []time.Time
	// firstSeen maps symbol -> when the identity first touched it
	firstSeen map[string]time.Time
	// lastBySide maps symbol+side -> the most recent order time
	lastBySide map[string]time.Time
}

// NewAnomalyDetector creates a detector with the configured thresholds.
func NewAnomalyDetector(logger *zap.Logger, cfg config.AnomalyConfig) *AnomalyDetector {
	return &AnomalyDetector{
		logger:     logger,
		cfg:        cfg,
		identities: make(map[string]*identityHistory),
		now:        time.Now,
	}
}

func (d *AnomalyDetector) history(identity string) *identityHistory {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.identities[identity]
	if !ok {
		h = &identityHistory{
			firstSeen:  make(map[string]time.Time),
			lastBySide: make(map[string]time.Time),
		}
		d.identities[identity] = h
	}
	return h
}

// Check evaluates the order against every heuristic. refPrice is the market
// price used to value orders without a limit price. Any single trigger marks
// the order anomalous; the first triggered reason is returned. The order is
// recorded into the identity's history regardless of outcome, so a rejected
// burst still counts toward subsequent frequency checks.
func (d *AnomalyDetector) Check(order *models.Order, identity string, portfolioValue, refPrice decimal.Decimal) (bool, string) {
	h := d.history(identity)
	h.mu.Lock()
	defer h.mu.Unlock()

	now := d.now()
	h.prune(now)

	reason := d.evaluate(h, order, now, portfolioValue, refPrice)
	h.record(order, now)

	if reason != "" {
		d.logger.Warn("anomalous order detected",
			zap.String("identity", identity),
			zap.String("order_id", order.ID.String()),
			zap.String("symbol", order.Symbol),
			zap.String("reason", reason))
		return false, reason
	}
	return true, ""
}

func (d *AnomalyDetector) evaluate(h *identityHistory, order *models.Order, now time.Time, portfolioValue, refPrice decimal.Decimal) string {
	// Fat-finger: order notional as a fraction of portfolio value. Market
	// orders carry no price of their own, so the caller's reference price
	// values them.
	if portfolioValue.IsPositive() && d.cfg.MaxOrderPortfolioFraction.IsPositive() {
		price := order.Price
		if !price.IsPositive() {
			price = refPrice
		}
		if price.IsPositive() {
			notional := order.Amount.Mul(price)
			fraction := notional.Div(portfolioValue)
			if fraction.GreaterThan(d.cfg.MaxOrderPortfolioFraction) {
				return fmt.Sprintf("order notional %s is %s of portfolio value %s (max %s)",
					notional, fraction.Round(4), portfolioValue, d.cfg.MaxOrderPortfolioFraction)
			}
		}
	}

	// High frequency: orders in the trailing hour.
	if d.cfg.MaxOrdersPerHour > 0 && len(h.orderTimes) >= d.cfg.MaxOrdersPerHour {
		return fmt.Sprintf("more than %d orders in the trailing hour", d.cfg.MaxOrdersPerHour)
	}

	// Unfamiliar-symbol burst: distinct new symbols in the trailing day.
	if d.cfg.MaxNewSymbolsPerDay > 0 {
		if _, known := h.firstSeen[order.Symbol]; !known {
			dayCutoff := now.Add(-24 * time.Hour)
			newSymbols := 0
			for _, first := range h.firstSeen {
				if first.After(dayCutoff) {
					newSymbols++
				}
			}
			if newSymbols >= d.cfg.MaxNewSymbolsPerDay {
				return fmt.Sprintf("more than %d new symbols in the trailing day", d.cfg.MaxNewSymbolsPerDay)
			}
		}
	}

	// Wash-trade pattern: opposite-side order on the same symbol within the
	// configured window.
	if d.cfg.OppositeOrderWindow > 0 {
		opposite := models.OrderSideSell
		if order.Side == models.OrderSideSell {
			opposite = models.OrderSideBuy
		}
		if last, ok := h.lastBySide[sideKey(order.Symbol, opposite)]; ok {
			if now.Sub(last) <= d.cfg.OppositeOrderWindow {
				return fmt.Sprintf("opposite-side order on %s within %s", order.Symbol, d.cfg.OppositeOrderWindow)
			}
		}
	}

	return ""
}

func (h *identityHistory) record(order *models.Order, now time.Time) {
	h.orderTimes = append(h.orderTimes, now)
	if _, ok := h.firstSeen[order.Symbol]; !ok {
		h.firstSeen[order.Symbol] = now
	}
	h.lastBySide[sideKey(order.Symbol, order.Side)] = now
}

// prune drops history older than the longest trailing window (one day).
func (h *identityHistory) prune(now time.Time) {
	hourCutoff := now.Add(-time.Hour)
	kept := h.orderTimes[:0]
	for _, t := range h.orderTimes {
		if t.After(hourCutoff) {
			kept = append(kept, t)
		}
	}
	h.orderTimes = kept

	dayCutoff := now.Add(-24 * time.Hour)
	for symbol, first := range h.firstSeen {
		if !first.After(dayCutoff) {
			delete(h.firstSeen, symbol)
		}
	}
	for key, last := range h.lastBySide {
		if !last.After(dayCutoff) {
			delete(h.lastBySide, key)
		}
	}
}

func sideKey(symbol, side string) string {
	return symbol + "|" + side
}
