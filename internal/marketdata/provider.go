// Package marketdata defines the external price/ticker collaborator consumed
// by the validator and the paper matching engine, plus a caching decorator
// that bounds upstream calls and degrades gracefully on outages.
package marketdata

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors for market-data operations.
var (
	// ErrUnknownSymbol is returned when a symbol is not listed upstream.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrUnavailable is returned when the upstream source cannot be reached
	// and no cached value exists.
	ErrUnavailable = errors.New("market data unavailable")
)

// Ticker is one observation of the top of book for a symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Provider is the price/ticker source consumed by the core. Implementations
// must be safe for concurrent use.
type Provider interface {
	// GetTicker fetches the current ticker for a normalized BASE/QUOTE pair.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	// GetSymbols lists the symbols currently tradable upstream.
	GetSymbols(ctx context.Context) ([]string, error)
	// NormalizeSymbol converts a raw symbol spelling into BASE/QUOTE form.
	NormalizeSymbol(raw string) string
}

// NormalizeSymbol is the default normalization: uppercase, "-" and "_"
// treated as pair separators.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "/")
	s = strings.ReplaceAll(s, "_", "/")
	return s
}
