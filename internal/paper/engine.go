// Package paper implements the simulated matching engine: the counterparty
// for paper trading. Market orders fill immediately against the live book
// with slippage; limit, stop and OCO orders are held in an active-order
// table and watched until their price condition is met or they are
// cancelled. Fills settle through the ledger's atomic trade primitive.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/internal/fees"
	"github.com/coinforge/tradecore/internal/ledger"
	"github.com/coinforge/tradecore/internal/marketdata"
	"github.com/coinforge/tradecore/pkg/metrics"
	"github.com/coinforge/tradecore/pkg/models"
)

// Sentinel errors for engine operations.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoLiquidity         = errors.New("no liquidity")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderSettled        = errors.New("order already settled")
	ErrUnsupportedType     = errors.New("unsupported order type")
)

// Engine is the paper matching engine. One instance serves all users.
type Engine struct {
	logger   *zap.Logger
	cfg      *config.Config
	provider marketdata.Provider
	ledger   *ledger.Service
	db       *gorm.DB

	mu     sync.RWMutex
	active map[string]*activeOrder // keyed by exchange order id

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// activeOrder is one entry in the active-order table. All mutable state is
// guarded by mu; settled flips exactly once, so exactly one of {fill,
// cancel} performs the ledger effect and the other observes a terminal
// order and no-ops.
type activeOrder struct {
	mu           sync.Mutex
	order        *models.Order
	lockedAsset  string
	lockedAmount decimal.Decimal
	settled      bool
	cancelWatch  context.CancelFunc
}

// NewEngine creates a paper engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, provider marketdata.Provider, ledgerSvc *ledger.Service, db *gorm.DB) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		provider: provider,
		ledger:   ledgerSvc,
		db:       db,
		active:   make(map[string]*activeOrder),
		rootCtx:  ctx,
		stop:     cancel,
	}
}

// Migrate creates the trade table.
func (e *Engine) Migrate() error {
	return e.db.AutoMigrate(&models.Trade{})
}

// Shutdown stops every watcher and waits for them to exit. Active orders
// stay reserved; a restart re-registers them.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}

// Restore re-registers persisted active orders after a restart. Their
// reservations were taken before the shutdown and survive in the ledger, so
// the entries are rebuilt from the outstanding locks without reserving again,
// and their watchers restarted.
func (e *Engine) Restore(ctx context.Context) error {
	var orders []models.Order
	err := e.db.WithContext(ctx).
		Where("status IN ? AND type IN ? AND exchange_order_id <> ''",
			[]string{models.OrderStatusSubmitted, models.OrderStatusPartiallyFilled},
			[]string{models.OrderTypeLimit, models.OrderTypeStopLoss, models.OrderTypeTakeProfit, models.OrderTypeOCO}).
		Find(&orders).Error
	if err != nil {
		return fmt.Errorf("failed to load active orders: %w", err)
	}

	restored := 0
	for i := range orders {
		order := orders[i]
		lockedAsset, lockedAmount, err := e.ledger.OutstandingLock(ctx, order.UserID, order.ID)
		if err != nil {
			return fmt.Errorf("failed to reconstruct reservation for order %s: %w", order.ID, err)
		}
		if !lockedAmount.IsPositive() {
			e.logger.Warn("active order has no outstanding reservation, skipping",
				zap.String("order_id", order.ID.String()))
			continue
		}

		watchCtx, cancelWatch := context.WithCancel(e.rootCtx)
		entry := &activeOrder{
			order:        &order,
			lockedAsset:  lockedAsset,
			lockedAmount: lockedAmount,
			cancelWatch:  cancelWatch,
		}
		e.mu.Lock()
		e.active[order.ExchangeOrderID] = entry
		e.mu.Unlock()

		e.wg.Add(1)
		go e.watch(watchCtx, order.ExchangeOrderID, entry)
		restored++
	}
	if restored > 0 {
		e.logger.Info("restored active orders", zap.Int("count", restored))
	}
	return nil
}

// PlaceOrder dispatches the order to the matching path for its type and
// returns the simulated exchange order id.
func (e *Engine) PlaceOrder(ctx context.Context, order *models.Order) (string, error) {
	switch order.Type {
	case models.OrderTypeMarket:
		return e.placeMarket(ctx, order)
	case models.OrderTypeLimit, models.OrderTypeStopLoss, models.OrderTypeTakeProfit, models.OrderTypeOCO:
		return e.placeWatched(ctx, order)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, order.Type)
	}
}

// placeMarket fills a market order immediately against the opposing side of
// the book with the configured slippage.
func (e *Engine) placeMarket(ctx context.Context, order *models.Order) (string, error) {
	ticker, err := e.provider.GetTicker(ctx, order.Symbol)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoLiquidity, err)
	}
	fillPrice := e.slippagePrice(ticker, order.Side)
	if !fillPrice.IsPositive() {
		return "", ErrNoLiquidity
	}

	lockedAsset, lockedAmount := e.reservation(order, fillPrice)
	if err := e.ledger.LockBalance(ctx, order.UserID, lockedAsset, lockedAmount, &order.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return "", ErrInsufficientBalance
		}
		return "", fmt.Errorf("failed to reserve funds: %w", err)
	}

	exchangeID := uuid.NewString()
	order.ExchangeOrderID = exchangeID
	if err := e.fill(ctx, order, order.RemainingAmount, fillPrice, lockedAsset, lockedAmount); err != nil {
		// Fill failed after the reservation was taken; the reservation is
		// released so nothing leaks.
		if unlockErr := e.ledger.UnlockBalance(ctx, order.UserID, lockedAsset, lockedAmount, &order.ID); unlockErr != nil {
			e.logger.Error("failed to release reservation after fill failure",
				zap.String("order_id", order.ID.String()), zap.Error(unlockErr))
		}
		return "", err
	}
	metrics.FillsTotal.WithLabelValues(models.OrderTypeMarket).Inc()
	return exchangeID, nil
}

// placeWatched reserves funds, registers the order in the active table and
// starts its watch task.
func (e *Engine) placeWatched(ctx context.Context, order *models.Order) (string, error) {
	refPrice, err := e.watchReferencePrice(order)
	if err != nil {
		return "", err
	}
	lockedAsset, lockedAmount := e.reservation(order, refPrice)
	if err := e.ledger.LockBalance(ctx, order.UserID, lockedAsset, lockedAmount, &order.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return "", ErrInsufficientBalance
		}
		return "", fmt.Errorf("failed to reserve funds: %w", err)
	}

	exchangeID := uuid.NewString()
	order.ExchangeOrderID = exchangeID
	order.MarkSubmitted()

	watchCtx, cancelWatch := context.WithCancel(e.rootCtx)
	entry := &activeOrder{
		order:        order,
		lockedAsset:  lockedAsset,
		lockedAmount: lockedAmount,
		cancelWatch:  cancelWatch,
	}
	e.mu.Lock()
	e.active[exchangeID] = entry
	e.mu.Unlock()

	e.wg.Add(1)
	go e.watch(watchCtx, exchangeID, entry)
	return exchangeID, nil
}

// watch polls the price feed until the order's condition triggers or the
// watcher is cancelled.
func (e *Engine) watch(ctx context.Context, exchangeID string, entry *activeOrder) {
	defer e.wg.Done()
	interval := e.cfg.Paper.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if e.checkTrigger(ctx, exchangeID, entry) {
			return
		}
	}
}

// checkTrigger evaluates the order's price condition against the current
// tick and fills when it crosses. Returns true when the watcher should stop.
func (e *Engine) checkTrigger(ctx context.Context, exchangeID string, entry *activeOrder) bool {
	entry.mu.Lock()
	if entry.settled {
		entry.mu.Unlock()
		return true
	}
	order := entry.order
	symbol := order.Symbol
	entry.mu.Unlock()

	tick, err := e.provider.GetTicker(ctx, symbol)
	if err != nil {
		e.logger.Debug("watch tick skipped", zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	price := tick.Last
	if !price.IsPositive() {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.settled {
		return true
	}
	fillPrice, triggered := triggerPrice(entry.order, price)
	if !triggered {
		return false
	}
	if err := e.settleFillLocked(ctx, exchangeID, entry, fillPrice); err != nil {
		e.logger.Error("limit watcher fill failed",
			zap.String("order_id", entry.order.ID.String()),
			zap.String("exchange_order_id", exchangeID),
			zap.Error(err))
		return false
	}
	metrics.FillsTotal.WithLabelValues(entry.order.Type).Inc()
	return true
}

// triggerPrice reports whether the observed price crosses the order's
// condition, and at what price the order fills.
func triggerPrice(order *models.Order, observed decimal.Decimal) (decimal.Decimal, bool) {
	switch order.Type {
	case models.OrderTypeLimit:
		// Buy fills when price drops to the limit, sell when it rises to
		// it; the order fills at its own limit price.
		if order.Side == models.OrderSideBuy && observed.LessThanOrEqual(order.Price) {
			return order.Price, true
		}
		if order.Side == models.OrderSideSell && observed.GreaterThanOrEqual(order.Price) {
			return order.Price, true
		}
	case models.OrderTypeStopLoss:
		// Protective exit: a sell stop triggers on the way down, a buy
		// stop (short cover) on the way up. Fills at the stop level, which
		// is what the reservation was sized for.
		if order.Side == models.OrderSideSell && observed.LessThanOrEqual(order.StopPrice) {
			return order.StopPrice, true
		}
		if order.Side == models.OrderSideBuy && observed.GreaterThanOrEqual(order.StopPrice) {
			return order.StopPrice, true
		}
	case models.OrderTypeTakeProfit:
		if order.Side == models.OrderSideSell && observed.GreaterThanOrEqual(order.StopPrice) {
			return order.StopPrice, true
		}
		if order.Side == models.OrderSideBuy && observed.LessThanOrEqual(order.StopPrice) {
			return order.StopPrice, true
		}
	case models.OrderTypeOCO:
		// Take-profit leg first; the stop leg is the protective floor.
		if order.Side == models.OrderSideSell {
			if observed.GreaterThanOrEqual(order.TakeProfitPrice) {
				return order.TakeProfitPrice, true
			}
			if observed.LessThanOrEqual(order.StopPrice) {
				return order.StopPrice, true
			}
		} else {
			if observed.LessThanOrEqual(order.TakeProfitPrice) {
				return order.TakeProfitPrice, true
			}
			if observed.GreaterThanOrEqual(order.StopPrice) {
				return order.StopPrice, true
			}
		}
	}
	return decimal.Zero, false
}

// settleFillLocked executes the ledger trade for a watched order and marks
// the entry settled. Caller holds entry.mu.
func (e *Engine) settleFillLocked(ctx context.Context, exchangeID string, entry *activeOrder, fillPrice decimal.Decimal) error {
	if err := e.fill(ctx, entry.order, entry.order.RemainingAmount, fillPrice, entry.lockedAsset, entry.lockedAmount); err != nil {
		return err
	}
	entry.settled = true
	entry.cancelWatch()
	e.remove(exchangeID)
	return nil
}

// fill settles one complete execution: ledger trade, order fill state,
// trade row. The reservation identified by lockedAsset/lockedAmount is
// released atomically with the settlement.
func (e *Engine) fill(ctx context.Context, order *models.Order, amount, fillPrice decimal.Decimal, lockedAsset string, lockedAmount decimal.Decimal) error {
	base, quote := models.SplitSymbol(e.provider.NormalizeSymbol(order.Symbol))
	if quote == "" {
		return fmt.Errorf("malformed symbol %s", order.Symbol)
	}
	rules := e.cfg.Rules(order.Exchange)
	feeModel, err := fees.NewFeeModel(e.cfg.Paper, rules)
	if err != nil {
		return err
	}
	notional := amount.Mul(fillPrice)
	// Paper mode always takes liquidity.
	feeQuote := feeModel.Fee(notional, fees.LiquidityTaker)

	params := ledger.TradeParams{
		UserID:       order.UserID,
		RelatedOrder: &order.ID,
		UnlockAmount: lockedAmount,
		Description:  fmt.Sprintf("%s %s %s @ %s", order.Side, amount, order.Symbol, fillPrice),
	}
	var feeAmount decimal.Decimal
	var feeCurrency string
	if order.Side == models.OrderSideBuy {
		// Fee comes out of the purchased base asset.
		feeAmount = feeQuote.Div(fillPrice)
		feeCurrency = base
		params.SellAsset = quote
		params.SellAmount = notional
		params.BuyAsset = base
		params.BuyAmount = amount
	} else {
		feeAmount = feeQuote
		feeCurrency = quote
		params.SellAsset = base
		params.SellAmount = amount
		params.BuyAsset = quote
		params.BuyAmount = notional
	}
	params.FeeAsset = feeCurrency
	params.FeeAmount = feeAmount

	if err := e.ledger.ExecuteTrade(ctx, params); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("trade settlement failed: %w", err)
	}

	if err := order.ApplyFill(amount, fillPrice); err != nil {
		return err
	}
	order.FeeAmount = order.FeeAmount.Add(feeAmount)
	order.FeeCurrency = feeCurrency
	if err := e.db.WithContext(ctx).Save(order).Error; err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	trade := &models.Trade{
		ID:              uuid.New(),
		OrderID:         order.ID,
		UserID:          order.UserID,
		ExchangeTradeID: uuid.NewString(),
		Symbol:          order.Symbol,
		Side:            order.Side,
		Amount:          amount,
		Price:           fillPrice,
		Fee:             feeAmount,
		FeeCurrency:     feeCurrency,
		ExecutedAt:      time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}

	e.logger.Info("order filled",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("amount", amount.String()),
		zap.String("price", fillPrice.String()),
		zap.String("fee", feeAmount.String()),
		zap.String("fee_currency", feeCurrency))
	return nil
}

// CancelOrder removes the order from the active table, stops its watcher and
// releases the reservation. The removal and the unlock happen on the single
// winning transition, never independently. Returns ErrOrderSettled when a
// concurrent fill won the race.
func (e *Engine) CancelOrder(ctx context.Context, exchangeID string) error {
	e.mu.RLock()
	entry, ok := e.active[exchangeID]
	e.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.settled {
		return ErrOrderSettled
	}
	if err := e.ledger.UnlockBalance(ctx, entry.order.UserID, entry.lockedAsset, entry.lockedAmount, &entry.order.ID); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	entry.settled = true
	entry.cancelWatch()
	e.remove(exchangeID)
	return nil
}

// ModifyOrder re-prices or re-sizes an active watched order, adjusting the
// reservation to match. Returns ErrOrderSettled when the order already
// filled or was cancelled.
func (e *Engine) ModifyOrder(ctx context.Context, exchangeID string, newPrice, newAmount decimal.Decimal) error {
	e.mu.RLock()
	entry, ok := e.active[exchangeID]
	e.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.settled {
		return ErrOrderSettled
	}
	order := entry.order

	price := order.Price
	if newPrice.IsPositive() {
		price = newPrice
	}
	amount := order.RemainingAmount
	if newAmount.IsPositive() {
		amount = newAmount
	}

	refPrice := price
	if !refPrice.IsPositive() {
		refPrice = order.StopPrice
	}
	newLockedAsset, newLockedAmount := reservationFor(order.Side, order.Symbol, e.provider, amount, refPrice)

	// Re-reserve before releasing the old hold so funds never go
	// unprotected mid-modify.
	if err := e.ledger.LockBalance(ctx, order.UserID, newLockedAsset, newLockedAmount, &order.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to reserve funds: %w", err)
	}
	if err := e.ledger.UnlockBalance(ctx, order.UserID, entry.lockedAsset, entry.lockedAmount, &order.ID); err != nil {
		// Roll the new reservation back; the order keeps its old terms.
		if unlockErr := e.ledger.UnlockBalance(ctx, order.UserID, newLockedAsset, newLockedAmount, &order.ID); unlockErr != nil {
			e.logger.Error("failed to roll back reservation after modify failure",
				zap.String("order_id", order.ID.String()), zap.Error(unlockErr))
		}
		return fmt.Errorf("failed to release previous reservation: %w", err)
	}

	if newPrice.IsPositive() {
		order.Price = newPrice
	}
	if newAmount.IsPositive() {
		order.Amount = newAmount
		order.RemainingAmount = newAmount.Sub(order.FilledAmount)
	}
	order.UpdatedAt = time.Now()
	entry.lockedAsset = newLockedAsset
	entry.lockedAmount = newLockedAmount
	return nil
}

// GetOpenOrders lists the active (submitted or partially filled) orders,
// optionally filtered by user and symbol.
func (e *Engine) GetOpenOrders(userID uuid.UUID, symbol string) []*models.Order {
	e.mu.RLock()
	entries := make([]*activeOrder, 0, len(e.active))
	for _, entry := range e.active {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	var orders []*models.Order
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.settled &&
			(userID == uuid.Nil || entry.order.UserID == userID) &&
			(symbol == "" || entry.order.Symbol == symbol) {
			snapshot := *entry.order
			orders = append(orders, &snapshot)
		}
		entry.mu.Unlock()
	}
	return orders
}

func (e *Engine) remove(exchangeID string) {
	e.mu.Lock()
	delete(e.active, exchangeID)
	e.mu.Unlock()
}

// slippagePrice applies the configured slippage against the opposing side
// of the book: buys pay up from the ask, sells give up from the bid.
func (e *Engine) slippagePrice(tick *marketdata.Ticker, side string) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == models.OrderSideBuy {
		return tick.Ask.Mul(one.Add(e.cfg.Paper.Slippage))
	}
	return tick.Bid.Mul(one.Sub(e.cfg.Paper.Slippage))
}

// reservation computes the asset and amount to reserve for the order at the
// given reference price.
func (e *Engine) reservation(order *models.Order, refPrice decimal.Decimal) (string, decimal.Decimal) {
	return reservationFor(order.Side, order.Symbol, e.provider, order.RemainingAmount, refPrice)
}

func reservationFor(side, symbol string, provider marketdata.Provider, amount, refPrice decimal.Decimal) (string, decimal.Decimal) {
	base, quote := models.SplitSymbol(provider.NormalizeSymbol(symbol))
	if side == models.OrderSideBuy {
		return quote, amount.Mul(refPrice)
	}
	return base, amount
}

// watchReferencePrice picks the price used to size the reservation for a
// watched order: the limit price when present, else the most protective of
// the trigger prices.
func (e *Engine) watchReferencePrice(order *models.Order) (decimal.Decimal, error) {
	switch order.Type {
	case models.OrderTypeLimit:
		return order.Price, nil
	case models.OrderTypeStopLoss, models.OrderTypeTakeProfit:
		return order.StopPrice, nil
	case models.OrderTypeOCO:
		// Buys may trigger at either leg; reserve for the dearer one.
		if order.Side == models.OrderSideBuy && order.StopPrice.GreaterThan(order.TakeProfitPrice) {
			return order.StopPrice, nil
		}
		if order.Side == models.OrderSideBuy {
			return order.TakeProfitPrice, nil
		}
		return order.StopPrice, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedType, order.Type)
}
