package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinforge/tradecore/internal/config"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMakerTakerFeeModel(t *testing.T) {
	m := MakerTakerFeeModel{MakerRate: dec("0.0005"), TakerRate: dec("0.001")}
	notional := dec("10000")
	assert.True(t, m.Fee(notional, LiquidityMaker).Equal(dec("5")))
	assert.True(t, m.Fee(notional, LiquidityTaker).Equal(dec("10")))
}

func TestFlatFeeModel(t *testing.T) {
	m := FlatFeeModel{Rate: dec("0.002")}
	fee := m.Fee(dec("500"), LiquidityMaker)
	assert.True(t, fee.Equal(dec("1")))
	assert.True(t, m.Fee(dec("500"), LiquidityTaker).Equal(fee), "flat model ignores liquidity")
}

func TestNewFeeModelSelection(t *testing.T) {
	rules := config.ExchangeRules{MakerFee: dec("0.0005"), TakerFee: dec("0.001")}

	m, err := NewFeeModel(config.PaperConfig{FeeModel: "flat", FlatFee: dec("0.002")}, rules)
	require.NoError(t, err)
	assert.IsType(t, FlatFeeModel{}, m)

	m, err = NewFeeModel(config.PaperConfig{FeeModel: "maker_taker"}, rules)
	require.NoError(t, err)
	assert.IsType(t, MakerTakerFeeModel{}, m)

	// Empty selects the maker/taker default.
	m, err = NewFeeModel(config.PaperConfig{}, rules)
	require.NoError(t, err)
	assert.IsType(t, MakerTakerFeeModel{}, m)

	_, err = NewFeeModel(config.PaperConfig{FeeModel: "tiered"}, rules)
	assert.Error(t, err)
}

func TestFixedFractionSizer(t *testing.T) {
	s := FixedFractionSizer{Fraction: dec("0.02")}
	// 2% of 100,000 USDT at 50,000 buys 0.04 BTC.
	size := s.Size(dec("100000"), dec("50000"), decimal.Zero)
	assert.True(t, size.Equal(dec("0.04")), "got %s", size)

	assert.True(t, s.Size(dec("100000"), decimal.Zero, decimal.Zero).IsZero())
}

func TestKellySizer(t *testing.T) {
	// f = 0.55 - 0.45/1.5 = 0.25, capped at 0.1.
	s := KellySizer{WinRate: dec("0.55"), WinLossRatio: dec("1.5"), Cap: dec("0.1")}
	size := s.Size(dec("100000"), dec("50000"), decimal.Zero)
	assert.True(t, size.Equal(dec("0.2")), "got %s", size)

	// A negative edge sizes to zero.
	losing := KellySizer{WinRate: dec("0.3"), WinLossRatio: dec("1"), Cap: dec("0.1")}
	assert.True(t, losing.Size(dec("100000"), dec("50000"), decimal.Zero).IsZero())
}

func TestVolatilitySizer(t *testing.T) {
	s := VolatilitySizer{TargetVol: dec("0.02"), Cap: dec("0.5")}

	// A tenth of the target volatility is clamped to the cap; twice the
	// target allocates half the target fraction.
	size := s.Size(dec("100000"), dec("100"), dec("0.04"))
	assert.True(t, size.Equal(dec("500")), "got %s", size)

	size = s.Size(dec("100000"), dec("100"), dec("0.002"))
	assert.True(t, size.Equal(dec("500")), "got %s", size)

	calm := VolatilitySizer{TargetVol: dec("0.02"), Cap: dec("1")}
	size = calm.Size(dec("100000"), dec("100"), dec("0.2"))
	assert.True(t, size.Equal(dec("100")), "got %s", size)
}

func TestNewPositionSizerSelection(t *testing.T) {
	cfg := config.SizingConfig{
		Model:        "kelly",
		RiskFraction: dec("0.02"),
		WinRate:      dec("0.55"),
		WinLossRatio: dec("1.5"),
	}
	s, err := NewPositionSizer(cfg)
	require.NoError(t, err)
	assert.IsType(t, KellySizer{}, s)

	cfg.Model = "unknown"
	_, err = NewPositionSizer(cfg)
	assert.Error(t, err)
}
