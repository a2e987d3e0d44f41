package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider is an in-memory Provider seeded with fixed tickers. It backs
// standalone paper-trading runs and tests; prices can be moved at runtime via
// SetTicker to simulate market movement.
type StaticProvider struct {
	mu      sync.RWMutex
	tickers map[string]Ticker
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{tickers: make(map[string]Ticker)}
}

// SetTicker installs or replaces the ticker for a symbol.
func (p *StaticProvider) SetTicker(symbol string, bid, ask, last decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers[NormalizeSymbol(symbol)] = Ticker{
		Symbol:    NormalizeSymbol(symbol),
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Timestamp: time.Now(),
	}
}

// SetPrice moves a symbol to a single price with a synthetic one-tick spread.
func (p *StaticProvider) SetPrice(symbol string, price decimal.Decimal) {
	p.SetTicker(symbol, price, price, price)
}

func (p *StaticProvider) GetTicker(_ context.Context, symbol string) (*Ticker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tickers[NormalizeSymbol(symbol)]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return &t, nil
}

func (p *StaticProvider) GetSymbols(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	symbols := make([]string, 0, len(p.tickers))
	for s := range p.tickers {
		symbols = append(symbols, s)
	}
	return symbols, nil
}

func (p *StaticProvider) NormalizeSymbol(raw string) string {
	return NormalizeSymbol(raw)
}
