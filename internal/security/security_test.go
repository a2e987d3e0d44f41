package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestCredentialCipherRoundTrip(t *testing.T) {
	c := NewCredentialCipher("test-master-key")

	plaintext := "binance-api-key-abc123"
	encrypted, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, encrypted, plaintext)

	decrypted, err := c.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Fresh salt and nonce per call: two envelopes of one plaintext differ.
	again, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, encrypted, again)
}

func TestCredentialCipherDecryptFailures(t *testing.T) {
	c := NewCredentialCipher("test-master-key")
	encrypted, err := c.Encrypt("secret")
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{"garbage", "not-an-envelope"},
		{"valid base64, not json", base64.StdEncoding.EncodeToString([]byte("still garbage"))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			assert.ErrorIs(t, err, ErrDecryptFailed)
		})
	}

	// A different master key cannot open the envelope.
	other := NewCredentialCipher("different-master-key")
	_, err = other.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestIPFilter(t *testing.T) {
	f := NewIPFilter(true, []string{"127.0.0.1", "10.0.0.0/8"})
	assert.True(t, f.Allowed("127.0.0.1"))
	assert.True(t, f.Allowed("10.1.2.3"))
	assert.False(t, f.Allowed("192.168.1.5"))
	assert.False(t, f.Allowed("not-an-ip"))

	// Disabled filter admits everything.
	open := NewIPFilter(false, nil)
	assert.True(t, open.Allowed("192.168.1.5"))
}

func TestSlidingWindowLimiter(t *testing.T) {
	l := NewSlidingWindowLimiter(3, 100)
	current := time.Now()
	l.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "user-a")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d should be admitted", i+1)
	}

	// Fourth attempt inside the minute is rejected.
	ok, err := l.Allow(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, ok)

	// Another identity has its own budget.
	ok, err = l.Allow(ctx, "user-b")
	require.NoError(t, err)
	assert.True(t, ok)

	// The rejected attempt consumed nothing: after the minute rolls over the
	// identity is admitted again.
	current = current.Add(61 * time.Second)
	ok, err = l.Allow(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlidingWindowLimiterHourCeiling(t *testing.T) {
	l := NewSlidingWindowLimiter(0, 5)
	current := time.Now()
	l.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(ctx, "user-a")
		assert.True(t, ok)
		current = current.Add(2 * time.Minute)
	}
	ok, _ := l.Allow(ctx, "user-a")
	assert.False(t, ok)

	// Attempts age out of the trailing hour.
	current = current.Add(time.Hour)
	ok, _ = l.Allow(ctx, "user-a")
	assert.True(t, ok)
}

func anomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		MaxOrderPortfolioFraction: dec("0.25"),
		MaxOrdersPerHour:          50,
		MaxNewSymbolsPerDay:       5,
		OppositeOrderWindow:       5 * time.Minute,
	}
}

func TestAnomalyFatFinger(t *testing.T) {
	d := NewAnomalyDetector(zap.NewNop(), anomalyConfig())
	user := uuid.New()

	// 1 BTC at 50,000 against a 100,000 portfolio is 50%, over the 25% cap.
	order := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeLimit, models.OrderSideBuy, dec("1"))
	order.Price = dec("50000")
	ok, reason := d.Check(order, user.String(), dec("100000"), decimal.Zero)
	assert.False(t, ok)
	assert.Contains(t, reason, "portfolio value")

	// 0.4 BTC is 20%, under the cap.
	order = models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeLimit, models.OrderSideBuy, dec("0.4"))
	order.Price = dec("50000")
	ok, reason = d.Check(order, user.String(), dec("100000"), decimal.Zero)
	assert.True(t, ok, reason)
}

func TestAnomalyFatFingerMarketOrder(t *testing.T) {
	d := NewAnomalyDetector(zap.NewNop(), anomalyConfig())
	user := uuid.New()

	// A market order has no price of its own; the reference price values it.
	// 10 BTC at a 50,000 reference is five times the 100,000 portfolio.
	order := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("10"))
	ok, reason := d.Check(order, user.String(), dec("100000"), dec("50000"))
	assert.False(t, ok)
	assert.Contains(t, reason, "portfolio value")

	// Without a reference price the check cannot value the order and skips.
	order = models.NewOrder(user, "default", "ETH/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("10"))
	ok, reason = d.Check(order, user.String(), dec("100000"), decimal.Zero)
	assert.True(t, ok, reason)
}

func TestAnomalyOrderFrequency(t *testing.T) {
	cfg := anomalyConfig()
	cfg.MaxOrdersPerHour = 3
	d := NewAnomalyDetector(zap.NewNop(), cfg)
	current := time.Now()
	d.now = func() time.Time { return current }
	user := uuid.New()

	for i := 0; i < 3; i++ {
		order := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
		ok, reason := d.Check(order, user.String(), decimal.Zero, decimal.Zero)
		require.True(t, ok, reason)
		current = current.Add(10 * time.Minute)
	}

	order := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	ok, reason := d.Check(order, user.String(), decimal.Zero, decimal.Zero)
	assert.False(t, ok)
	assert.Contains(t, reason, "orders in the trailing hour")

	// History ages out after an hour of silence.
	current = current.Add(2 * time.Hour)
	order = models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	ok, reason = d.Check(order, user.String(), decimal.Zero, decimal.Zero)
	assert.True(t, ok, reason)
}

func TestAnomalyNewSymbolBurst(t *testing.T) {
	cfg := anomalyConfig()
	cfg.MaxNewSymbolsPerDay = 3
	d := NewAnomalyDetector(zap.NewNop(), cfg)
	current := time.Now()
	d.now = func() time.Time { return current }
	user := uuid.New()

	for _, symbol := range []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"} {
		order := models.NewOrder(user, "default", symbol, models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
		ok, reason := d.Check(order, user.String(), decimal.Zero, decimal.Zero)
		require.True(t, ok, reason)
		current = current.Add(10 * time.Minute)
	}

	order := models.NewOrder(user, "default", "DOGE/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	ok, reason := d.Check(order, user.String(), decimal.Zero, decimal.Zero)
	assert.False(t, ok)
	assert.Contains(t, reason, "new symbols")

	// A symbol already seen does not count as new.
	current = current.Add(10 * time.Minute)
	order = models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideSell, dec("0.01"))
	ok, _ = d.Check(order, user.String(), decimal.Zero, decimal.Zero)
	assert.True(t, ok)
}

func TestAnomalyWashTradeWindow(t *testing.T) {
	d := NewAnomalyDetector(zap.NewNop(), anomalyConfig())
	current := time.Now()
	d.now = func() time.Time { return current }
	user := uuid.New()

	buy := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	ok, reason := d.Check(buy, user.String(), decimal.Zero, decimal.Zero)
	require.True(t, ok, reason)

	// Opposite side two minutes later, inside the five-minute window.
	current = current.Add(2 * time.Minute)
	sell := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideSell, dec("0.01"))
	ok, reason = d.Check(sell, user.String(), decimal.Zero, decimal.Zero)
	assert.False(t, ok)
	assert.Contains(t, reason, "opposite-side")

	// Outside the window the pattern is allowed.
	current = current.Add(10 * time.Minute)
	sell = models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideSell, dec("0.01"))
	ok, reason = d.Check(sell, user.String(), decimal.Zero, decimal.Zero)
	assert.True(t, ok, reason)
}

func TestRunSecurityChecksAuditsEveryCheck(t *testing.T) {
	db := openDB(t)
	cfg := config.SecurityConfig{
		MasterKey:          "k",
		IPAllowlistEnabled: true,
		AllowedIPs:         []string{"127.0.0.1"},
		RateLimit:          config.RateLimitConfig{OrdersPerMinute: 10, OrdersPerHour: 100},
		Anomaly:            anomalyConfig(),
	}
	m := NewManager(zap.NewNop(), db, cfg, nil)
	require.NoError(t, m.Migrate())
	ctx := context.Background()

	user := uuid.New()
	order := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	reqCtx := models.RequestContext{UserID: user, IPAddress: "127.0.0.1"}

	ok, reason, err := m.RunSecurityChecks(ctx, order, reqCtx, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, ok, reason)

	entries, err := m.Audit().Entries(ctx, reqCtx.Identity(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	checks := map[string]bool{}
	for _, e := range entries {
		checks[e.Check] = e.Passed
	}
	assert.True(t, checks[CheckIP])
	assert.True(t, checks[CheckRateLimit])
	assert.True(t, checks[CheckAnomaly])
}

func TestRunSecurityChecksBlockedIP(t *testing.T) {
	db := openDB(t)
	cfg := config.SecurityConfig{
		IPAllowlistEnabled: true,
		AllowedIPs:         []string{"127.0.0.1"},
		RateLimit:          config.RateLimitConfig{OrdersPerMinute: 10, OrdersPerHour: 100},
		Anomaly:            anomalyConfig(),
	}
	m := NewManager(zap.NewNop(), db, cfg, nil)
	require.NoError(t, m.Migrate())
	ctx := context.Background()

	user := uuid.New()
	order := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	reqCtx := models.RequestContext{UserID: user, IPAddress: "203.0.113.9"}

	ok, _, err := m.RunSecurityChecks(ctx, order, reqCtx, decimal.Zero, decimal.Zero)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIPBlocked)

	// Short-circuit: only the IP check was executed and audited.
	entries, qerr := m.Audit().Entries(ctx, reqCtx.Identity(), 10)
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	assert.Equal(t, CheckIP, entries[0].Check)
	assert.False(t, entries[0].Passed)
}

func TestRunSecurityChecksRateLimited(t *testing.T) {
	db := openDB(t)
	cfg := config.SecurityConfig{
		RateLimit: config.RateLimitConfig{OrdersPerMinute: 1, OrdersPerHour: 100},
		Anomaly:   anomalyConfig(),
	}
	m := NewManager(zap.NewNop(), db, cfg, nil)
	require.NoError(t, m.Migrate())
	ctx := context.Background()

	user := uuid.New()
	reqCtx := models.RequestContext{UserID: user, IPAddress: "127.0.0.1"}

	first := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	ok, _, err := m.RunSecurityChecks(ctx, first, reqCtx, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.True(t, ok)

	second := models.NewOrder(user, "default", "BTC/USDT", models.OrderTypeMarket, models.OrderSideBuy, dec("0.01"))
	ok, reason, err := m.RunSecurityChecks(ctx, second, reqCtx, decimal.Zero, decimal.Zero)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, reason, "rate limit")
}
