package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/pkg/metrics"
	"github.com/coinforge/tradecore/pkg/models"
)

// Sentinel errors surfaced by the composite gate.
var (
	ErrIPBlocked         = errors.New("ip address not allowed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrAnomalousActivity = errors.New("anomalous activity detected")
)

// Check names written to the audit trail.
const (
	CheckIP        = "ip_allowlist"
	CheckRateLimit = "rate_limit"
	CheckAnomaly   = "anomaly"
)

// Manager composes the security protections into a single pre-execution
// gate. Checks run in a fixed order (IP, rate limit, anomaly) and every
// executed check writes one audit entry whether it passed or failed.
type Manager struct {
	logger   *zap.Logger
	cipher   *CredentialCipher
	ipFilter *IPFilter
	limiter  RateLimiter
	anomaly  *AnomalyDetector
	audit    *AuditTrail
}

// NewManager wires the security manager from configuration. limiter selects
// the configured backend; pass nil to use the in-memory sliding window.
func NewManager(logger *zap.Logger, db *gorm.DB, cfg config.SecurityConfig, limiter RateLimiter) *Manager {
	if limiter == nil {
		limiter = NewSlidingWindowLimiter(cfg.RateLimit.OrdersPerMinute, cfg.RateLimit.OrdersPerHour)
	}
	return &Manager{
		logger:   logger,
		cipher:   NewCredentialCipher(cfg.MasterKey),
		ipFilter: NewIPFilter(cfg.IPAllowlistEnabled, cfg.AllowedIPs),
		limiter:  limiter,
		anomaly:  NewAnomalyDetector(logger, cfg.Anomaly),
		audit:    NewAuditTrail(logger, db),
	}
}

// Migrate creates the security manager's tables.
func (m *Manager) Migrate() error {
	return m.audit.Migrate()
}

// Cipher exposes the credential cipher for API-key storage.
func (m *Manager) Cipher() *CredentialCipher {
	return m.cipher
}

// Audit exposes the audit trail for operational queries.
func (m *Manager) Audit() *AuditTrail {
	return m.audit
}

// CheckIP applies the address allow-list.
func (m *Manager) CheckIP(addr string) bool {
	return m.ipFilter.Allowed(addr)
}

// CheckRateLimit admits or rejects one order attempt for the identity.
func (m *Manager) CheckRateLimit(ctx context.Context, identity string) (bool, error) {
	return m.limiter.Allow(ctx, identity)
}

// CheckForAnomalies runs the heuristic detectors for the order. refPrice
// values orders without a limit price.
func (m *Manager) CheckForAnomalies(order *models.Order, identity string, portfolioValue, refPrice decimal.Decimal) (bool, string) {
	return m.anomaly.Check(order, identity, portfolioValue, refPrice)
}

// RunSecurityChecks applies IP admission, rate limiting and anomaly
// detection in that order, short-circuiting on the first failure. Each
// executed check writes one audit entry.
func (m *Manager) RunSecurityChecks(ctx context.Context, order *models.Order, reqCtx models.RequestContext, portfolioValue, refPrice decimal.Decimal) (bool, string, error) {
	identity := reqCtx.Identity()
	orderID := order.ID

	ipOK := m.CheckIP(reqCtx.IPAddress)
	m.audit.Record(ctx, identity, &orderID, CheckIP, ipOK, reqCtx.IPAddress)
	if !ipOK {
		metrics.SecurityRejections.WithLabelValues(CheckIP).Inc()
		return false, fmt.Sprintf("ip address %s not allowed", reqCtx.IPAddress), ErrIPBlocked
	}

	rateOK, err := m.CheckRateLimit(ctx, identity)
	if err != nil {
		// A broken limiter backend is a system fault, not a rejection.
		return false, "rate limit backend unavailable", fmt.Errorf("rate limit check: %w", err)
	}
	m.audit.Record(ctx, identity, &orderID, CheckRateLimit, rateOK, "")
	if !rateOK {
		metrics.SecurityRejections.WithLabelValues(CheckRateLimit).Inc()
		return false, "order rate limit exceeded", ErrRateLimited
	}

	anomalyOK, reason := m.CheckForAnomalies(order, identity, portfolioValue, refPrice)
	m.audit.Record(ctx, identity, &orderID, CheckAnomaly, anomalyOK, reason)
	if !anomalyOK {
		metrics.SecurityRejections.WithLabelValues(CheckAnomaly).Inc()
		return false, reason, ErrAnomalousActivity
	}

	return true, "", nil
}
