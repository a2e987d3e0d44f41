package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestOrderLifecycleStates(t *testing.T) {
	tests := []struct {
		status   string
		active   bool
		complete bool
	}{
		{OrderStatusPending, true, false},
		{OrderStatusSubmitted, true, false},
		{OrderStatusPartiallyFilled, true, false},
		{OrderStatusFilled, false, true},
		{OrderStatusCancelled, false, true},
		{OrderStatusRejected, false, true},
		{OrderStatusExpired, false, true},
		{OrderStatusFailed, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			o := &Order{Status: tt.status}
			assert.Equal(t, tt.active, o.IsActive())
			assert.Equal(t, tt.complete, o.IsComplete())
		})
	}
}

func TestApplyFillMaintainsAmountInvariant(t *testing.T) {
	o := NewOrder(uuid.New(), "binance", "BTC/USDT", OrderTypeLimit, OrderSideBuy, dec("2"))
	o.MarkSubmitted()

	require.NoError(t, o.ApplyFill(dec("0.5"), dec("50000")))
	assert.Equal(t, OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledAmount.Add(o.RemainingAmount).Equal(o.Amount))
	assert.True(t, o.AverageFillPrice.Equal(dec("50000")))

	require.NoError(t, o.ApplyFill(dec("1.5"), dec("51000")))
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.True(t, o.FilledAmount.Add(o.RemainingAmount).Equal(o.Amount))
	// (0.5*50000 + 1.5*51000) / 2 = 50750
	assert.True(t, o.AverageFillPrice.Equal(dec("50750")), "got %s", o.AverageFillPrice)
	assert.NotNil(t, o.CompletedAt)
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	o := NewOrder(uuid.New(), "binance", "BTC/USDT", OrderTypeMarket, OrderSideSell, dec("1"))
	require.Error(t, o.ApplyFill(dec("1.5"), dec("50000")))
	require.Error(t, o.ApplyFill(dec("0"), dec("50000")))
	assert.True(t, o.RemainingAmount.Equal(dec("1")))
}

func TestSymbolSplit(t *testing.T) {
	o := &Order{Symbol: "BTC/USDT"}
	assert.Equal(t, "BTC", o.BaseAsset())
	assert.Equal(t, "USDT", o.QuoteAsset())

	base, quote := SplitSymbol("ETHUSD")
	assert.Equal(t, "ETHUSD", base)
	assert.Equal(t, "", quote)
}

func TestWalletAvailable(t *testing.T) {
	w := &Wallet{Balance: dec("100"), Locked: dec("30")}
	assert.True(t, w.Available().Equal(dec("70")))
}

func TestRequestContextIdentity(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), RequestContext{UserID: id, IPAddress: "1.2.3.4"}.Identity())
	assert.Equal(t, "1.2.3.4", RequestContext{IPAddress: "1.2.3.4"}.Identity())
}
