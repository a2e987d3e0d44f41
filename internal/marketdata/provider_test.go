package marketdata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"BTC/USDT", "BTC/USDT"},
		{"btc/usdt", "BTC/USDT"},
		{"btc-usdt", "BTC/USDT"},
		{"BTC_USDT", "BTC/USDT"},
		{" eth/usdt ", "ETH/USDT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSymbol(tt.in), tt.in)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider()
	ctx := context.Background()

	_, err := p.GetTicker(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	p.SetTicker("btc-usdt", dec("50000"), dec("50100"), dec("50050"))
	ticker, err := p.GetTicker(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, ticker.Bid.Equal(dec("50000")))
	assert.True(t, ticker.Ask.Equal(dec("50100")))

	symbols, err := p.GetSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, symbols)

	p.SetPrice("BTC/USDT", dec("51000"))
	ticker, err = p.GetTicker(ctx, "btc_usdt")
	require.NoError(t, err)
	assert.True(t, ticker.Last.Equal(dec("51000")))
}

// flakyProvider counts calls and can be switched to fail.
type flakyProvider struct {
	inner *StaticProvider
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *flakyProvider) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, ErrUnavailable
	}
	return f.inner.GetTicker(ctx, symbol)
}

func (f *flakyProvider) GetSymbols(ctx context.Context) ([]string, error) {
	if f.fail.Load() {
		return nil, ErrUnavailable
	}
	return f.inner.GetSymbols(ctx)
}

func (f *flakyProvider) NormalizeSymbol(raw string) string { return NormalizeSymbol(raw) }

func TestCachedProviderServesFromCache(t *testing.T) {
	upstream := &flakyProvider{inner: NewStaticProvider()}
	upstream.inner.SetPrice("BTC/USDT", dec("50000"))
	p := NewCachedProvider(upstream, zap.NewNop(), time.Second, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.GetTicker(ctx, "BTC/USDT")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), upstream.calls.Load(), "fresh cache entries skip the upstream")
}

func TestCachedProviderStaleFallback(t *testing.T) {
	upstream := &flakyProvider{inner: NewStaticProvider()}
	upstream.inner.SetPrice("BTC/USDT", dec("50000"))
	// Zero TTL: every call goes upstream.
	p := NewCachedProvider(upstream, zap.NewNop(), time.Second, 0)
	ctx := context.Background()

	first, err := p.GetTicker(ctx, "BTC/USDT")
	require.NoError(t, err)

	upstream.fail.Store(true)
	stale, err := p.GetTicker(ctx, "BTC/USDT")
	require.NoError(t, err, "stale cache covers an upstream outage")
	assert.True(t, stale.Last.Equal(first.Last))

	// A symbol never cached surfaces the upstream error.
	_, err = p.GetTicker(ctx, "ETH/USDT")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = p.GetSymbols(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
