package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger transaction kinds
const (
	TxKindDeposit   = "deposit"
	TxKindWithdraw  = "withdraw"
	TxKindTradeBuy  = "trade_buy"
	TxKindTradeSell = "trade_sell"
	TxKindFee       = "fee"
	TxKindLock      = "lock"
	TxKindUnlock    = "unlock"
	TxKindReset     = "reset"
)

// Wallet is the per-user, per-asset balance record.
// Invariant: 0 <= Locked <= Balance.
type Wallet struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_wallet_user_asset,unique"`
	Asset     string          `json:"asset" gorm:"index:idx_wallet_user_asset,unique"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(32,16)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(32,16)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available returns the balance not reserved by open orders.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// LedgerTransaction is the immutable record of a single balance mutation.
// Rows are only ever appended, never updated or deleted.
type LedgerTransaction struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	WalletID      uuid.UUID       `json:"wallet_id" gorm:"type:uuid;index"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Asset         string          `json:"asset" gorm:"index"`
	Kind          string          `json:"kind" gorm:"index"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"` // signed
	BalanceBefore decimal.Decimal `json:"balance_before" gorm:"type:decimal(32,16)"`
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"type:decimal(32,16)"`
	RelatedOrder  *uuid.UUID      `json:"related_order,omitempty" gorm:"type:uuid;index"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Balance is the read-model returned by balance queries.
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
}
