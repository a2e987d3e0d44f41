package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order types
const (
	OrderTypeMarket     = "market"
	OrderTypeLimit      = "limit"
	OrderTypeStopLoss   = "stop_loss"
	OrderTypeTakeProfit = "take_profit"
	OrderTypeOCO        = "oco"
)

// Order sides
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order statuses
const (
	OrderStatusPending         = "pending"
	OrderStatusSubmitted       = "submitted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
	OrderStatusFailed          = "failed"
)

// Time in force
const (
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// Order represents a trading order tracked through its full lifecycle.
// Invariant: FilledAmount + RemainingAmount == Amount at every transition.
type Order struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	ExchangeOrderID string          `json:"exchange_order_id" gorm:"index"`
	UserID          uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol" gorm:"index"`
	Type            string          `json:"type"` // market, limit, stop_loss, take_profit, oco
	Side            string          `json:"side"` // buy, sell
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Price           decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	StopPrice       decimal.Decimal `json:"stop_price" gorm:"type:decimal(32,16)"`
	// TakeProfitPrice is only set for OCO orders; StopPrice carries the
	// protective leg.
	TakeProfitPrice decimal.Decimal `json:"take_profit_price" gorm:"type:decimal(32,16)"`
	TimeInForce     string          `json:"time_in_force" gorm:"default:GTC"`
	FilledAmount    decimal.Decimal `json:"filled_amount" gorm:"type:decimal(32,16)"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" gorm:"type:decimal(32,16)"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price" gorm:"type:decimal(32,16)"`
	Status          string          `json:"status" gorm:"index"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	FeeAmount       decimal.Decimal `json:"fee_amount" gorm:"type:decimal(32,16)"`
	FeeCurrency     string          `json:"fee_currency"`
	StrategyTag     string          `json:"strategy_tag"`
	CreatedAt       time.Time       `json:"created_at"`
	SubmittedAt     *time.Time      `json:"submitted_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
}

// NewOrder creates a pending order with fill state initialized.
func NewOrder(userID uuid.UUID, exchange, symbol, orderType, side string, amount decimal.Decimal) *Order {
	now := time.Now()
	return &Order{
		ID:              uuid.New(),
		UserID:          userID,
		Exchange:        exchange,
		Symbol:          symbol,
		Type:            orderType,
		Side:            side,
		Amount:          amount,
		RemainingAmount: amount,
		TimeInForce:     TimeInForceGTC,
		Status:          OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsActive reports whether the order can still be cancelled or modified.
func (o *Order) IsActive() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// IsComplete reports whether the order reached a terminal state.
func (o *Order) IsComplete() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// ApplyFill records one execution against the order, keeping the running
// size-weighted average fill price. The fill amount must not exceed the
// remaining amount.
func (o *Order) ApplyFill(amount, price decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(o.RemainingAmount) {
		return fmt.Errorf("fill amount %s exceeds remaining %s", amount, o.RemainingAmount)
	}

	prevNotional := o.AverageFillPrice.Mul(o.FilledAmount)
	o.FilledAmount = o.FilledAmount.Add(amount)
	o.RemainingAmount = o.RemainingAmount.Sub(amount)
	o.AverageFillPrice = prevNotional.Add(price.Mul(amount)).Div(o.FilledAmount)

	now := time.Now()
	o.UpdatedAt = now
	if o.RemainingAmount.IsZero() {
		o.Status = OrderStatusFilled
		o.CompletedAt = &now
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// MarkSubmitted transitions the order to submitted and stamps the time.
func (o *Order) MarkSubmitted() {
	now := time.Now()
	o.Status = OrderStatusSubmitted
	o.SubmittedAt = &now
	o.UpdatedAt = now
}

// MarkTerminal moves the order into a terminal state with an optional reason.
func (o *Order) MarkTerminal(status, reason string) {
	now := time.Now()
	o.Status = status
	o.RejectReason = reason
	o.UpdatedAt = now
	o.CompletedAt = &now
}

// BaseAsset returns the base leg of a BASE/QUOTE symbol.
func (o *Order) BaseAsset() string {
	base, _ := SplitSymbol(o.Symbol)
	return base
}

// QuoteAsset returns the quote leg of a BASE/QUOTE symbol.
func (o *Order) QuoteAsset() string {
	_, quote := SplitSymbol(o.Symbol)
	return quote
}

// SplitSymbol splits a normalized BASE/QUOTE pair into its legs.
func SplitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}

// Trade represents one execution event against an order. An order may own
// many trades; together they compose its fill history.
type Trade struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OrderID         uuid.UUID       `json:"order_id" gorm:"type:uuid;index"`
	UserID          uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	ExchangeTradeID string          `json:"exchange_trade_id"`
	Symbol          string          `json:"symbol" gorm:"index"`
	Side            string          `json:"side"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Price           decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Fee             decimal.Decimal `json:"fee" gorm:"type:decimal(32,16)"`
	FeeCurrency     string          `json:"fee_currency"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// OrderResult is the uniform result of every order command.
type OrderResult struct {
	Success      bool   `json:"success"`
	Order        *Order `json:"order,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// Machine-readable error codes attached to OrderResult.
const (
	ErrCodeValidation          = "VALIDATION"
	ErrCodeSecurity            = "SECURITY"
	ErrCodeRateLimit           = "RATE_LIMIT"
	ErrCodeAnomaly             = "ANOMALY"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeExchange            = "EXCHANGE"
	ErrCodeSystem              = "SYSTEM"
)

// RequestContext carries the caller identity through every order command.
// There is no ambient current-user lookup; identity always travels explicitly.
type RequestContext struct {
	UserID    uuid.UUID `json:"user_id"`
	IPAddress string    `json:"ip_address"`
	SessionID string    `json:"session_id"`
}

// Identity returns the rate-limit/anomaly identity key for the request:
// the user id when present, else the source IP.
func (rc RequestContext) Identity() string {
	if rc.UserID != uuid.Nil {
		return rc.UserID.String()
	}
	return rc.IPAddress
}
