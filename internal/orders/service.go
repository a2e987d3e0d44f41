// Package orders implements the order command orchestrator: the façade that
// sequences validation, security checks and engine execution for every
// order command, producing a uniform result and exactly one operational
// audit record per command.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/internal/fees"
	"github.com/coinforge/tradecore/internal/ledger"
	"github.com/coinforge/tradecore/internal/marketdata"
	"github.com/coinforge/tradecore/internal/paper"
	"github.com/coinforge/tradecore/internal/security"
	"github.com/coinforge/tradecore/internal/validation"
	"github.com/coinforge/tradecore/pkg/metrics"
	"github.com/coinforge/tradecore/pkg/models"
)

// ErrOrderNotFound is returned for commands against unknown orders.
var ErrOrderNotFound = errors.New("order not found")

// CreateOrderParams carries the client's order request.
type CreateOrderParams struct {
	Exchange        string
	Symbol          string
	Type            string
	Side            string
	Amount          decimal.Decimal
	Price           decimal.Decimal
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TimeInForce     string
	StrategyTag     string
}

// OrderAuditLog is the operational record of one order command, written on
// every execution path independent of the security manager's audit trail.
type OrderAuditLog struct {
	ID        uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	Command   string     `json:"command" gorm:"index"`
	OrderID   uuid.UUID  `json:"order_id" gorm:"type:uuid;index"`
	UserID    uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Side      string     `json:"side"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Price     decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Success   bool       `json:"success"`
	Error     string     `json:"error"`
	CreatedAt time.Time  `json:"created_at" gorm:"index"`
}

// Service is the order command orchestrator.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	cfg       *config.Config
	validator *validation.Validator
	security  *security.Manager
	engine    *paper.Engine
	ledger    *ledger.Service
	provider  marketdata.Provider
}

// NewService wires the orchestrator.
func NewService(logger *zap.Logger, db *gorm.DB, cfg *config.Config, validator *validation.Validator, securityMgr *security.Manager, engine *paper.Engine, ledgerSvc *ledger.Service, provider marketdata.Provider) *Service {
	return &Service{
		logger:    logger,
		db:        db,
		cfg:       cfg,
		validator: validator,
		security:  securityMgr,
		engine:    engine,
		ledger:    ledgerSvc,
		provider:  provider,
	}
}

// Migrate creates the order and audit tables.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&models.Order{}, &OrderAuditLog{})
}

// CreateOrder validates, security-checks and dispatches a new order.
func (s *Service) CreateOrder(ctx context.Context, reqCtx models.RequestContext, params CreateOrderParams) *models.OrderResult {
	order := models.NewOrder(reqCtx.UserID, params.Exchange, s.provider.NormalizeSymbol(params.Symbol), params.Type, params.Side, params.Amount)
	order.Price = params.Price
	order.StopPrice = params.StopPrice
	order.TakeProfitPrice = params.TakeProfitPrice
	order.StrategyTag = params.StrategyTag
	if params.TimeInForce != "" {
		order.TimeInForce = params.TimeInForce
	}

	// First reference creates and seeds the user's wallets, so validation
	// sees the configured default allocation.
	if err := s.ledger.InitializeWallet(ctx, reqCtx.UserID, s.cfg.Wallet.DefaultPreset, false); err != nil {
		return s.finishCreate(ctx, order, s.systemFailure("create", order, fmt.Errorf("wallet initialization: %w", err)))
	}

	if ok, reason := s.validator.Validate(ctx, order); !ok {
		code := models.ErrCodeValidation
		if strings.HasPrefix(reason, "insufficient balance") {
			code = models.ErrCodeInsufficientBalance
		}
		order.MarkTerminal(models.OrderStatusRejected, reason)
		return s.finishCreate(ctx, order, rejected(order, reason, code))
	}

	portfolioValue := s.portfolioValue(ctx, reqCtx.UserID)
	ok, reason, err := s.security.RunSecurityChecks(ctx, order, reqCtx, portfolioValue, s.referencePrice(ctx, order))
	if err != nil && !isSecurityRejection(err) {
		return s.finishCreate(ctx, order, s.systemFailure("create", order, err))
	}
	if !ok {
		code := models.ErrCodeSecurity
		switch {
		case errors.Is(err, security.ErrRateLimited):
			code = models.ErrCodeRateLimit
		case errors.Is(err, security.ErrAnomalousActivity):
			code = models.ErrCodeAnomaly
		}
		order.MarkTerminal(models.OrderStatusRejected, reason)
		return s.finishCreate(ctx, order, rejected(order, reason, code))
	}

	order.MarkSubmitted()
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return s.finishCreate(ctx, order, s.systemFailure("create", order, fmt.Errorf("failed to persist order: %w", err)))
	}

	if _, err := s.engine.PlaceOrder(ctx, order); err != nil {
		switch {
		case errors.Is(err, paper.ErrInsufficientBalance):
			order.MarkTerminal(models.OrderStatusRejected, "insufficient balance")
			s.saveOrder(ctx, order)
			return s.finishCreate(ctx, order, rejected(order, "insufficient balance", models.ErrCodeInsufficientBalance))
		case errors.Is(err, paper.ErrNoLiquidity):
			order.MarkTerminal(models.OrderStatusRejected, "no liquidity")
			s.saveOrder(ctx, order)
			return s.finishCreate(ctx, order, rejected(order, "no liquidity", models.ErrCodeExchange))
		default:
			order.MarkTerminal(models.OrderStatusFailed, err.Error())
			s.saveOrder(ctx, order)
			return s.finishCreate(ctx, order, s.systemFailure("create", order, err))
		}
	}

	s.saveOrder(ctx, order)
	return s.finishCreate(ctx, order, &models.OrderResult{Success: true, Order: order})
}

// CancelOrder cancels an active order, releasing its reservation.
func (s *Service) CancelOrder(ctx context.Context, reqCtx models.RequestContext, orderID uuid.UUID) *models.OrderResult {
	order, err := s.loadOrder(ctx, reqCtx.UserID, orderID)
	if err != nil {
		result := rejected(nil, "order not found", models.ErrCodeValidation)
		s.logCommand(ctx, "cancel", &models.Order{ID: orderID, UserID: reqCtx.UserID}, result)
		return result
	}

	if !order.IsActive() {
		result := rejected(order, fmt.Sprintf("order is %s and cannot be cancelled", order.Status), models.ErrCodeValidation)
		s.logCommand(ctx, "cancel", order, result)
		return result
	}

	err = s.engine.CancelOrder(ctx, order.ExchangeOrderID)
	switch {
	case err == nil:
	case errors.Is(err, paper.ErrOrderSettled):
		result := rejected(order, "order already settled and cannot be cancelled", models.ErrCodeValidation)
		s.logCommand(ctx, "cancel", order, result)
		return result
	case errors.Is(err, paper.ErrOrderNotFound):
		// The engine has no entry for this order, but the ledger may still
		// hold its reservation, for instance when the process restarted
		// before the order was re-registered. The order is reloaded before
		// deciding: a concurrently settled order wins, an active one has its
		// outstanding reservation released from the transaction log.
		fresh, loadErr := s.loadOrder(ctx, reqCtx.UserID, orderID)
		if loadErr != nil {
			result := s.systemFailure("cancel", order, loadErr)
			s.logCommand(ctx, "cancel", order, result)
			return result
		}
		order = fresh
		if !order.IsActive() {
			result := rejected(order, fmt.Sprintf("order is %s and cannot be cancelled", order.Status), models.ErrCodeValidation)
			s.logCommand(ctx, "cancel", order, result)
			return result
		}
		asset, outstanding, lockErr := s.ledger.OutstandingLock(ctx, order.UserID, order.ID)
		if lockErr != nil {
			result := s.systemFailure("cancel", order, lockErr)
			s.logCommand(ctx, "cancel", order, result)
			return result
		}
		if outstanding.IsPositive() {
			if unlockErr := s.ledger.UnlockBalance(ctx, order.UserID, asset, outstanding, &order.ID); unlockErr != nil {
				result := s.systemFailure("cancel", order, unlockErr)
				s.logCommand(ctx, "cancel", order, result)
				return result
			}
		}
	default:
		result := s.systemFailure("cancel", order, err)
		order.MarkTerminal(models.OrderStatusFailed, err.Error())
		s.saveOrder(ctx, order)
		s.logCommand(ctx, "cancel", order, result)
		return result
	}

	order.MarkTerminal(models.OrderStatusCancelled, "")
	s.saveOrder(ctx, order)
	result := &models.OrderResult{Success: true, Order: order}
	s.logCommand(ctx, "cancel", order, result)
	metrics.OrdersTotal.WithLabelValues("cancel", "ok").Inc()
	return result
}

// ModifyOrder re-prices or re-sizes an active order.
func (s *Service) ModifyOrder(ctx context.Context, reqCtx models.RequestContext, orderID uuid.UUID, newPrice, newAmount decimal.Decimal) *models.OrderResult {
	order, err := s.loadOrder(ctx, reqCtx.UserID, orderID)
	if err != nil {
		result := rejected(nil, "order not found", models.ErrCodeValidation)
		s.logCommand(ctx, "modify", &models.Order{ID: orderID, UserID: reqCtx.UserID}, result)
		return result
	}

	var reason string
	switch {
	case !order.IsActive():
		reason = fmt.Sprintf("order is %s and cannot be modified", order.Status)
	case newPrice.IsZero() && newAmount.IsZero():
		reason = "nothing to modify"
	case newPrice.IsNegative():
		reason = "new price must be positive"
	case newAmount.IsNegative():
		reason = "new amount must be positive"
	}
	if reason != "" {
		result := rejected(order, reason, models.ErrCodeValidation)
		s.logCommand(ctx, "modify", order, result)
		return result
	}

	err = s.engine.ModifyOrder(ctx, order.ExchangeOrderID, newPrice, newAmount)
	switch {
	case err == nil:
	case errors.Is(err, paper.ErrOrderSettled), errors.Is(err, paper.ErrOrderNotFound):
		result := rejected(order, "order already settled and cannot be modified", models.ErrCodeValidation)
		s.logCommand(ctx, "modify", order, result)
		return result
	case errors.Is(err, paper.ErrInsufficientBalance):
		result := rejected(order, "insufficient balance for modified order", models.ErrCodeInsufficientBalance)
		s.logCommand(ctx, "modify", order, result)
		return result
	default:
		result := s.systemFailure("modify", order, err)
		s.logCommand(ctx, "modify", order, result)
		return result
	}

	if newPrice.IsPositive() {
		order.Price = newPrice
	}
	if newAmount.IsPositive() {
		order.Amount = newAmount
		order.RemainingAmount = newAmount.Sub(order.FilledAmount)
	}
	order.UpdatedAt = time.Now()
	s.saveOrder(ctx, order)
	result := &models.OrderResult{Success: true, Order: order}
	s.logCommand(ctx, "modify", order, result)
	metrics.OrdersTotal.WithLabelValues("modify", "ok").Inc()
	return result
}

// GetOpenOrders lists the caller's active orders from the engine table.
func (s *Service) GetOpenOrders(reqCtx models.RequestContext, symbol string) []*models.Order {
	if symbol != "" {
		symbol = s.provider.NormalizeSymbol(symbol)
	}
	return s.engine.GetOpenOrders(reqCtx.UserID, symbol)
}

// SuggestOrderSize proposes a base-asset order size for the symbol from the
// configured sizing model, the caller's available quote balance and the last
// market price, truncated to the exchange's amount precision.
func (s *Service) SuggestOrderSize(ctx context.Context, reqCtx models.RequestContext, exchange, symbol string) (decimal.Decimal, error) {
	symbol = s.provider.NormalizeSymbol(symbol)
	_, quote := models.SplitSymbol(symbol)
	if quote == "" {
		return decimal.Zero, fmt.Errorf("malformed symbol %s", symbol)
	}

	sizer, err := fees.NewPositionSizer(s.cfg.Sizing)
	if err != nil {
		return decimal.Zero, err
	}
	ticker, err := s.provider.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to price %s: %w", symbol, err)
	}

	available := decimal.Zero
	wallet, err := s.ledger.GetWallet(ctx, reqCtx.UserID, quote)
	switch {
	case err == nil:
		available = wallet.Available()
	case !errors.Is(err, ledger.ErrWalletNotFound):
		return decimal.Zero, err
	}

	size := sizer.Size(available, ticker.Last, decimal.Zero)
	return size.Truncate(s.cfg.Rules(exchange).AmountPrecision), nil
}

// GetBalances returns the caller's wallet balances.
func (s *Service) GetBalances(ctx context.Context, reqCtx models.RequestContext) (map[string]models.Balance, error) {
	return s.ledger.GetBalances(ctx, reqCtx.UserID)
}

// GetTransactionHistory returns the caller's ledger records.
func (s *Service) GetTransactionHistory(ctx context.Context, reqCtx models.RequestContext, filter ledger.TxFilter, limit, offset int) ([]models.LedgerTransaction, error) {
	return s.ledger.GetTransactionHistory(ctx, reqCtx.UserID, filter, limit, offset)
}

// portfolioValue prices the user's balances for the anomaly gate: quote
// assets at face value, other assets through their last price against the
// configured quote. Pricing failures degrade to face value; the anomaly
// threshold is a guardrail, not an accounting statement.
func (s *Service) portfolioValue(ctx context.Context, userID uuid.UUID) decimal.Decimal {
	balances, err := s.ledger.GetBalances(ctx, userID)
	if err != nil {
		s.logger.Warn("portfolio valuation skipped", zap.Error(err))
		return decimal.Zero
	}
	total := decimal.Zero
	for asset, balance := range balances {
		if balance.Total.IsZero() {
			continue
		}
		if isQuoteAsset(asset) {
			total = total.Add(balance.Total)
			continue
		}
		ticker, err := s.provider.GetTicker(ctx, asset+"/USDT")
		if err != nil || !ticker.Last.IsPositive() {
			total = total.Add(balance.Total)
			continue
		}
		total = total.Add(balance.Total.Mul(ticker.Last))
	}
	return total
}

// referencePrice values an order for the security gate: its own price when
// set, otherwise the last market price. An outage degrades to zero, which
// skips the notional-fraction check rather than blocking order flow.
func (s *Service) referencePrice(ctx context.Context, order *models.Order) decimal.Decimal {
	if order.Price.IsPositive() {
		return order.Price
	}
	ticker, err := s.provider.GetTicker(ctx, order.Symbol)
	if err != nil {
		s.logger.Warn("reference price unavailable",
			zap.String("symbol", order.Symbol), zap.Error(err))
		return decimal.Zero
	}
	return ticker.Last
}

func isQuoteAsset(asset string) bool {
	switch asset {
	case "USDT", "USDC", "USD", "EUR", "BUSD", "DAI":
		return true
	}
	return false
}

func (s *Service) loadOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// saveOrder upserts the order snapshot; orders rejected before their first
// insert are still persisted for history.
func (s *Service) saveOrder(ctx context.Context, order *models.Order) {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(order).Error; err != nil {
		s.logger.Error("failed to save order",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

// finishCreate writes the single audit record for a create path and bumps
// the metrics. Rejected orders are persisted for history.
func (s *Service) finishCreate(ctx context.Context, order *models.Order, result *models.OrderResult) *models.OrderResult {
	if !result.Success && order.IsComplete() {
		// Keep rejected orders queryable.
		s.saveOrder(ctx, order)
	}
	s.logCommand(ctx, "create", order, result)
	outcome := "ok"
	if !result.Success {
		outcome = "rejected"
		metrics.OrderRejections.WithLabelValues(result.ErrorCode).Inc()
	}
	metrics.OrdersTotal.WithLabelValues("create", outcome).Inc()
	return result
}

// logCommand writes exactly one operational audit record for a command.
func (s *Service) logCommand(ctx context.Context, command string, order *models.Order, result *models.OrderResult) {
	entry := &OrderAuditLog{
		ID:        uuid.New(),
		Command:   command,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Exchange:  order.Exchange,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Amount:    order.Amount,
		Price:     order.Price,
		Success:   result.Success,
		Error:     result.ErrorMessage,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("failed to persist order audit entry", zap.Error(err))
	}
	s.logger.Info("order command",
		zap.String("command", command),
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", order.UserID.String()),
		zap.String("exchange", order.Exchange),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("amount", order.Amount.String()),
		zap.String("price", order.Price.String()),
		zap.Bool("success", result.Success),
		zap.String("error", result.ErrorMessage))
}

func (s *Service) systemFailure(command string, order *models.Order, err error) *models.OrderResult {
	s.logger.Error("order command failed",
		zap.String("command", command),
		zap.String("order_id", order.ID.String()),
		zap.Error(err))
	return &models.OrderResult{
		Success:      false,
		Order:        order,
		ErrorMessage: "the system could not process the order",
		ErrorCode:    models.ErrCodeSystem,
	}
}

func rejected(order *models.Order, reason, code string) *models.OrderResult {
	return &models.OrderResult{
		Success:      false,
		Order:        order,
		ErrorMessage: reason,
		ErrorCode:    code,
	}
}

func isSecurityRejection(err error) bool {
	return errors.Is(err, security.ErrIPBlocked) ||
		errors.Is(err, security.ErrRateLimited) ||
		errors.Is(err, security.ErrAnomalousActivity)
}
