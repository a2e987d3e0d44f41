package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CachedProvider wraps an upstream Provider with a TTL cache and a bounded
// per-call timeout. On upstream failure it serves the last cached value with
// a warning instead of blocking order flow.
type CachedProvider struct {
	upstream Provider
	logger   *zap.Logger
	timeout  time.Duration
	ttl      time.Duration

	mu      sync.RWMutex
	tickers map[string]cachedTicker
	symbols []string
	symbolsAt time.Time
}

type cachedTicker struct {
	ticker Ticker
	at     time.Time
}

// NewCachedProvider creates a caching decorator over upstream.
func NewCachedProvider(upstream Provider, logger *zap.Logger, timeout, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		logger:   logger,
		timeout:  timeout,
		ttl:      ttl,
		tickers:  make(map[string]cachedTicker),
	}
}

// GetTicker returns a cached ticker when fresh, otherwise fetches upstream
// under the configured timeout. A failed fetch falls back to the stale cached
// value when one exists.
func (p *CachedProvider) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	p.mu.RLock()
	cached, ok := p.tickers[symbol]
	p.mu.RUnlock()
	if ok && time.Since(cached.at) < p.ttl {
		t := cached.ticker
		return &t, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ticker, err := p.upstream.GetTicker(fetchCtx, symbol)
	if err != nil {
		if ok {
			p.logger.Warn("ticker fetch failed, serving stale cache",
				zap.String("symbol", symbol),
				zap.Duration("age", time.Since(cached.at)),
				zap.Error(err))
			t := cached.ticker
			return &t, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.tickers[symbol] = cachedTicker{ticker: *ticker, at: time.Now()}
	p.mu.Unlock()
	return ticker, nil
}

// GetSymbols returns the cached symbol list when fresh, refreshing it
// upstream under the configured timeout otherwise.
func (p *CachedProvider) GetSymbols(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	symbols, at := p.symbols, p.symbolsAt
	p.mu.RUnlock()
	if symbols != nil && time.Since(at) < p.ttl {
		return symbols, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	fresh, err := p.upstream.GetSymbols(fetchCtx)
	if err != nil {
		if symbols != nil {
			p.logger.Warn("symbol list fetch failed, serving stale cache", zap.Error(err))
			return symbols, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.symbols = fresh
	p.symbolsAt = time.Now()
	p.mu.Unlock()
	return fresh, nil
}

// NormalizeSymbol delegates to the upstream provider.
func (p *CachedProvider) NormalizeSymbol(raw string) string {
	return p.upstream.NormalizeSymbol(raw)
}
