// Package ledger implements the wallet service: per-user, per-asset balance
// records mutated only through atomic primitives, each wrapped in a single
// storage transaction with row locking, plus an immutable transaction log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coinforge/tradecore/pkg/metrics"
	"github.com/coinforge/tradecore/pkg/models"
)

// Sentinel errors for ledger operations.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientLocked = errors.New("insufficient locked funds")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrUnknownPreset      = errors.New("unknown wallet preset")
)

// TradeParams describes one atomic multi-leg trade settlement: a sell-asset
// debit, a buy-asset credit and a fee debit applied all-or-nothing.
// UnlockAmount releases the reservation held on the sell asset for the order
// inside the same transaction, so the lock never outlives the settlement.
type TradeParams struct {
	UserID       uuid.UUID
	BuyAsset     string
	SellAsset    string
	BuyAmount    decimal.Decimal
	SellAmount   decimal.Decimal
	FeeAsset     string
	FeeAmount    decimal.Decimal
	UnlockAmount decimal.Decimal
	RelatedOrder *uuid.UUID
	Description  string
}

// TxFilter narrows transaction-history queries.
type TxFilter struct {
	Asset string
	Kind  string
}

// Service is the wallet ledger store.
type Service struct {
	logger  *zap.Logger
	db      *gorm.DB
	presets map[string]map[string]decimal.Decimal
	defaultPreset string

	// test hook, invoked inside ExecuteTrade after the buy/sell legs and
	// before the fee leg commits
	beforeFeeLeg func() error
}

// NewService creates a ledger service. presets are the named default wallet
// allocations; defaultPreset seeds wallets on first reference.
func NewService(logger *zap.Logger, db *gorm.DB, presets map[string]map[string]decimal.Decimal, defaultPreset string) (*Service, error) {
	if _, ok := presets[defaultPreset]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, defaultPreset)
	}
	return &Service{
		logger:        logger,
		db:            db,
		presets:       presets,
		defaultPreset: defaultPreset,
	}, nil
}

// Migrate creates the wallet and transaction tables.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&models.Wallet{}, &models.LedgerTransaction{})
}

// lockWallet loads the (user, asset) wallet under a row lock, creating and
// seeding it from the default preset on first reference.
func (s *Service) lockWallet(tx *gorm.DB, userID uuid.UUID, asset string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}

	now := time.Now()
	wallet = models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Balance:   decimal.Zero,
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if seed, ok := s.presets[s.defaultPreset][asset]; ok && seed.IsPositive() {
		wallet.Balance = seed
	}
	if err := tx.Create(&wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	if wallet.Balance.IsPositive() {
		if err := s.appendTx(tx, &wallet, models.TxKindDeposit, wallet.Balance, decimal.Zero, nil,
			fmt.Sprintf("seed from preset %s", s.defaultPreset)); err != nil {
			return nil, err
		}
	}
	return &wallet, nil
}

// appendTx writes one immutable transaction record. The caller supplies the
// balance before the mutation; the wallet already carries the balance after.
func (s *Service) appendTx(tx *gorm.DB, wallet *models.Wallet, kind string, amount, before decimal.Decimal, relatedOrder *uuid.UUID, description string) error {
	record := &models.LedgerTransaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Asset:         wallet.Asset,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  wallet.Balance,
		RelatedOrder:  relatedOrder,
		Description:   description,
		CreatedAt:     time.Now(),
	}
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("failed to append ledger transaction: %w", err)
	}
	return nil
}

func (s *Service) saveWallet(tx *gorm.DB, wallet *models.Wallet) error {
	wallet.UpdatedAt = time.Now()
	if err := tx.Save(wallet).Error; err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// UpdateBalance applies a signed balance mutation and appends a transaction
// record. The mutation is rejected without effect if it would drive the
// balance below the locked amount.
func (s *Service) UpdateBalance(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, kind string, relatedOrder *uuid.UUID, description string) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(tx, userID, asset)
		if err != nil {
			return err
		}
		before := wallet.Balance
		next := wallet.Balance.Add(amount)
		if next.LessThan(wallet.Locked) {
			return ErrInsufficientFunds
		}
		wallet.Balance = next
		if err := s.saveWallet(tx, wallet); err != nil {
			return err
		}
		return s.appendTx(tx, wallet, kind, amount, before, relatedOrder, description)
	})
	observeLedgerOp(kind, err)
	return err
}

// LockBalance reserves funds against an open order. Rejected when the amount
// exceeds the available (unlocked) balance.
func (s *Service) LockBalance(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, relatedOrder *uuid.UUID) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(tx, userID, asset)
		if err != nil {
			return err
		}
		if amount.GreaterThan(wallet.Available()) {
			return ErrInsufficientFunds
		}
		before := wallet.Balance
		wallet.Locked = wallet.Locked.Add(amount)
		if err := s.saveWallet(tx, wallet); err != nil {
			return err
		}
		return s.appendTx(tx, wallet, models.TxKindLock, amount, before, relatedOrder, "reserve for order")
	})
	observeLedgerOp(models.TxKindLock, err)
	return err
}

// UnlockBalance releases a reservation. Rejected when the amount exceeds the
// currently locked balance.
func (s *Service) UnlockBalance(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, relatedOrder *uuid.UUID) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(tx, userID, asset)
		if err != nil {
			return err
		}
		if amount.GreaterThan(wallet.Locked) {
			return ErrInsufficientLocked
		}
		before := wallet.Balance
		wallet.Locked = wallet.Locked.Sub(amount)
		if err := s.saveWallet(tx, wallet); err != nil {
			return err
		}
		return s.appendTx(tx, wallet, models.TxKindUnlock, amount, before, relatedOrder, "release reservation")
	})
	observeLedgerOp(models.TxKindUnlock, err)
	return err
}

// ExecuteTrade settles one fill as an all-or-nothing unit: release of the
// order's reservation, sell-asset debit, buy-asset credit and fee debit. If
// any leg would drive a balance negative the whole transaction rolls back and
// no record is written for any leg. Wallet rows are locked in asset order so
// concurrent trades on overlapping wallets cannot deadlock.
func (s *Service) ExecuteTrade(ctx context.Context, p TradeParams) error {
	if !p.BuyAmount.IsPositive() || !p.SellAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if p.FeeAmount.IsNegative() || p.UnlockAmount.IsNegative() {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assets := distinctAssets(p.SellAsset, p.BuyAsset, p.FeeAsset)
		wallets := make(map[string]*models.Wallet, len(assets))
		for _, asset := range assets {
			wallet, err := s.lockWallet(tx, p.UserID, asset)
			if err != nil {
				return err
			}
			wallets[asset] = wallet
		}

		// Release the reservation first so the debit below cannot trip
		// the locked <= balance invariant.
		if p.UnlockAmount.IsPositive() {
			sell := wallets[p.SellAsset]
			if p.UnlockAmount.GreaterThan(sell.Locked) {
				return ErrInsufficientLocked
			}
			before := sell.Balance
			sell.Locked = sell.Locked.Sub(p.UnlockAmount)
			if err := s.appendTx(tx, sell, models.TxKindUnlock, p.UnlockAmount, before, p.RelatedOrder, "release reservation on fill"); err != nil {
				return err
			}
		}

		sell := wallets[p.SellAsset]
		before := sell.Balance
		next := sell.Balance.Sub(p.SellAmount)
		if next.IsNegative() || next.LessThan(sell.Locked) {
			return ErrInsufficientFunds
		}
		sell.Balance = next
		if err := s.appendTx(tx, sell, models.TxKindTradeSell, p.SellAmount.Neg(), before, p.RelatedOrder, p.Description); err != nil {
			return err
		}

		buy := wallets[p.BuyAsset]
		before = buy.Balance
		buy.Balance = buy.Balance.Add(p.BuyAmount)
		if err := s.appendTx(tx, buy, models.TxKindTradeBuy, p.BuyAmount, before, p.RelatedOrder, p.Description); err != nil {
			return err
		}

		if s.beforeFeeLeg != nil {
			if err := s.beforeFeeLeg(); err != nil {
				return err
			}
		}

		if p.FeeAmount.IsPositive() {
			fee := wallets[p.FeeAsset]
			before = fee.Balance
			next = fee.Balance.Sub(p.FeeAmount)
			if next.IsNegative() || next.LessThan(fee.Locked) {
				return ErrInsufficientFunds
			}
			fee.Balance = next
			if err := s.appendTx(tx, fee, models.TxKindFee, p.FeeAmount.Neg(), before, p.RelatedOrder, p.Description); err != nil {
				return err
			}
		}

		for _, asset := range assets {
			if err := s.saveWallet(tx, wallets[asset]); err != nil {
				return err
			}
		}
		return nil
	})
	observeLedgerOp("trade", err)
	if err != nil {
		s.logger.Warn("trade settlement rejected",
			zap.String("user_id", p.UserID.String()),
			zap.String("sell_asset", p.SellAsset),
			zap.String("buy_asset", p.BuyAsset),
			zap.Error(err))
	}
	return err
}

// InitializeWallet seeds a user's wallets from a named preset. Existing
// wallets are left untouched unless forceReset, in which case balances are
// zeroed with a reset record before fresh deposits are written.
func (s *Service) InitializeWallet(ctx context.Context, userID uuid.UUID, presetName string, forceReset bool) error {
	preset, ok := s.presets[presetName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPreset, presetName)
	}

	assets := make([]string, 0, len(preset))
	for asset := range preset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, asset := range assets {
			amount := preset[asset]
			var wallet models.Wallet
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND asset = ?", userID, asset).
				First(&wallet).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				now := time.Now()
				wallet = models.Wallet{
					ID:        uuid.New(),
					UserID:    userID,
					Asset:     asset,
					Balance:   amount,
					Locked:    decimal.Zero,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.Create(&wallet).Error; err != nil {
					return fmt.Errorf("failed to create wallet: %w", err)
				}
				if amount.IsPositive() {
					if err := s.appendTx(tx, &wallet, models.TxKindDeposit, amount, decimal.Zero, nil,
						fmt.Sprintf("seed from preset %s", presetName)); err != nil {
						return err
					}
				}
			case err != nil:
				return fmt.Errorf("failed to find wallet: %w", err)
			case forceReset:
				before := wallet.Balance
				wallet.Balance = decimal.Zero
				wallet.Locked = decimal.Zero
				if err := s.appendTx(tx, &wallet, models.TxKindReset, before.Neg(), before, nil,
					fmt.Sprintf("reset to preset %s", presetName)); err != nil {
					return err
				}
				before = wallet.Balance
				wallet.Balance = amount
				if err := s.saveWallet(tx, &wallet); err != nil {
					return err
				}
				if amount.IsPositive() {
					if err := s.appendTx(tx, &wallet, models.TxKindDeposit, amount, before, nil,
						fmt.Sprintf("seed from preset %s", presetName)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// GetWallet returns the (user, asset) wallet, or ErrWalletNotFound.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID, asset string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &wallet, nil
}

// GetBalances returns every wallet of the user as a read model keyed by asset.
func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) (map[string]models.Balance, error) {
	var wallets []models.Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("failed to find wallets: %w", err)
	}
	balances := make(map[string]models.Balance, len(wallets))
	for i := range wallets {
		w := &wallets[i]
		balances[w.Asset] = models.Balance{
			Asset:     w.Asset,
			Total:     w.Balance,
			Locked:    w.Locked,
			Available: w.Available(),
		}
	}
	return balances, nil
}

// OutstandingLock reconstructs the net reservation still held against an order
// from the transaction log: locked amounts minus released amounts. Returns the
// reserved asset and the net amount, or a zero amount when nothing is
// outstanding.
func (s *Service) OutstandingLock(ctx context.Context, userID, orderID uuid.UUID) (string, decimal.Decimal, error) {
	var records []models.LedgerTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND related_order = ? AND kind IN ?", userID, orderID,
			[]string{models.TxKindLock, models.TxKindUnlock}).
		Find(&records).Error
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("failed to find lock transactions: %w", err)
	}
	asset := ""
	net := decimal.Zero
	for i := range records {
		asset = records[i].Asset
		if records[i].Kind == models.TxKindLock {
			net = net.Add(records[i].Amount)
		} else {
			net = net.Sub(records[i].Amount)
		}
	}
	if net.IsNegative() {
		net = decimal.Zero
	}
	return asset, net, nil
}

// GetTransactionHistory returns the user's ledger records, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, userID uuid.UUID, filter TxFilter, limit, offset int) ([]models.LedgerTransaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Asset != "" {
		query = query.Where("asset = ?", filter.Asset)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	var records []models.LedgerTransaction
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", err)
	}
	return records, nil
}

func distinctAssets(assets ...string) []string {
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func observeLedgerOp(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	metrics.LedgerOpsTotal.WithLabelValues(kind, outcome).Inc()
}
