package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/spotcore/spotcore/internal/storage"
	"github.com/spotcore/spotcore/internal/validation"
)

// ledgerScale is the fractional precision of every stored quantity. All
// derived amounts are truncated, never rounded.
const ledgerScale = 8

var (
	ErrInsufficientFunds = errors.New("insufficient cash balance")
	ErrInsufficientAsset = errors.New("insufficient asset balance")
	ErrNoAssetAccount    = errors.New("no asset holding")
	ErrOrderNotFound     = errors.New("order not found or already processed")
)

type Service struct {
	store          storage.Store
	symbols        []string
	commissionRate decimal.Decimal
	notifier       Notifier
	logger         *slog.Logger
	metrics        *Metrics
}

func New(store storage.Store, symbols []string, commissionRate decimal.Decimal, notifier Notifier, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		store:          store,
		symbols:        symbols,
		commissionRate: commissionRate,
		notifier:       notifier,
		logger:         logger,
		metrics:        metrics,
	}
}

// PlaceOrder validates the request, reserves the backing funds and puts the
// order on the book, then attempts a single match. A failed match attempt is
// logged and does not fail the placement.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, symbol, side, price, amount string) (storage.Order, error) {
	if errs := validation.ValidateOrderRequest(symbol, side, price, amount, s.symbols); len(errs) > 0 {
		s.metrics.IncRejected("validation")
		return storage.Order{}, errs
	}

	symbol = validation.NormalizeSymbol(symbol)
	side = strings.ToLower(strings.TrimSpace(side))
	priceDec := decimal.RequireFromString(strings.TrimSpace(price)).Truncate(ledgerScale)
	amountDec := decimal.RequireFromString(strings.TrimSpace(amount)).Truncate(ledgerScale)
	if priceDec.LessThanOrEqual(decimal.Zero) || amountDec.LessThanOrEqual(decimal.Zero) {
		s.metrics.IncRejected("validation")
		return storage.Order{}, validation.ValidationErrors{{Field: "amount", Message: "price and amount must remain positive at ledger precision"}}
	}

	order := storage.Order{
		UserID: userID,
		Symbol: symbol,
		Side:   side,
		Price:  priceDec,
		Amount: amountDec,
		Status: storage.StatusOpen,
	}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if side == storage.SideBuy {
			if err := s.reserveCash(ctx, tx, userID, priceDec.Mul(amountDec).Truncate(ledgerScale)); err != nil {
				return err
			}
		} else {
			if err := s.reserveAsset(ctx, tx, userID, symbol, amountDec); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, &order)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientAsset):
			s.metrics.IncRejected("insufficient_funds")
		case errors.Is(err, ErrNoAssetAccount):
			s.metrics.IncRejected("no_asset_account")
		case errors.Is(err, storage.ErrConflict):
			s.metrics.IncRejected("conflict")
		}
		return storage.Order{}, err
	}

	s.metrics.IncPlaced(symbol, side)
	s.logger.Info("order placed",
		"order_id", order.ID.String(),
		"user_id", userID.String(),
		"symbol", symbol,
		"side", side,
		"price", priceDec.String(),
		"amount", amountDec.String(),
	)

	result, err := s.AttemptMatch(ctx, order.ID)
	if err != nil {
		s.logger.Warn("match attempt failed", "order_id", order.ID.String(), "error", err)
		return order, nil
	}
	if result != nil {
		if side == storage.SideBuy {
			order = result.BuyOrder
		} else {
			order = result.SellOrder
		}
	}
	return order, nil
}

func (s *Service) reserveCash(ctx context.Context, tx storage.Tx, userID uuid.UUID, totalCost decimal.Decimal) error {
	balance, err := tx.BalanceForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if balance.Amount.LessThan(totalCost) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, totalCost, balance.Amount)
	}
	balance.Amount = balance.Amount.Sub(totalCost)
	return tx.SaveBalance(ctx, balance)
}

func (s *Service) reserveAsset(ctx context.Context, tx storage.Tx, userID uuid.UUID, symbol string, amount decimal.Decimal) error {
	holding, err := tx.HoldingForUpdate(ctx, userID, symbol)
	if err != nil {
		if errors.Is(err, storage.ErrNoHolding) {
			return fmt.Errorf("%w: %s", ErrNoAssetAccount, symbol)
		}
		return err
	}
	if holding.Available().LessThan(amount) {
		return fmt.Errorf("%w: %s available %s, need %s", ErrInsufficientAsset, symbol, holding.Available(), amount)
	}
	holding.Locked = holding.Locked.Add(amount)
	return tx.SaveHolding(ctx, holding)
}

// CancelOrder cancels one of the caller's open orders and releases its
// reservation. Anything other than the caller's own open order reports
// ErrOrderNotFound, including orders that filled or cancelled in the
// meantime.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	var cancelled storage.Order
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.UserID != userID || order.Status != storage.StatusOpen {
			return ErrOrderNotFound
		}

		if order.Side == storage.SideBuy {
			balance, err := tx.BalanceForUpdate(ctx, userID)
			if err != nil {
				return err
			}
			refund := order.Price.Mul(order.Amount).Truncate(ledgerScale)
			balance.Amount = balance.Amount.Add(refund)
			if err := tx.SaveBalance(ctx, balance); err != nil {
				return err
			}
		} else {
			holding, err := tx.HoldingForUpdate(ctx, userID, order.Symbol)
			if err != nil {
				if !errors.Is(err, storage.ErrNoHolding) {
					return err
				}
				s.logger.Warn("cancel without holding row", "order_id", orderID.String(), "symbol", order.Symbol)
			} else {
				holding.Locked = holding.Locked.Sub(order.Amount)
				if err := tx.SaveHolding(ctx, holding); err != nil {
					return err
				}
			}
		}

		order.Status = storage.StatusCancelled
		cancelled = order
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return err
	}

	s.metrics.IncCancelled(cancelled.Symbol, cancelled.Side)
	s.logger.Info("order cancelled", "order_id", orderID.String(), "user_id", userID.String())
	return nil
}

// DepositCash credits a user's cash balance. Funding is administrative, not a
// trading operation, so there is no corresponding withdrawal path here.
func (s *Service) DepositCash(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return validation.ValidationErrors{{Field: "amount", Message: "amount must be positive"}}
	}
	return s.store.InTx(ctx, func(tx storage.Tx) error {
		balance, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		balance.Amount = balance.Amount.Add(amount.Truncate(ledgerScale))
		return tx.SaveBalance(ctx, balance)
	})
}

// DepositAsset credits a user's holding, creating the row when absent.
func (s *Service) DepositAsset(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return validation.ValidationErrors{{Field: "amount", Message: "amount must be positive"}}
	}
	symbol = validation.NormalizeSymbol(symbol)
	return s.store.InTx(ctx, func(tx storage.Tx) error {
		holding, err := tx.CreateHoldingForUpdate(ctx, userID, symbol)
		if err != nil {
			return err
		}
		holding.Amount = holding.Amount.Add(amount.Truncate(ledgerScale))
		return tx.SaveHolding(ctx, holding)
	})
}

// OrderBook is the public view of one symbol's open orders.
type OrderBook struct {
	Symbol     string          `json:"symbol"`
	BuyOrders  []storage.Order `json:"buy_orders"`
	SellOrders []storage.Order `json:"sell_orders"`
}

func (s *Service) Book(ctx context.Context, symbol string) (OrderBook, error) {
	symbol = validation.NormalizeSymbol(symbol)
	if !s.tradable(symbol) {
		return OrderBook{}, validation.ValidationErrors{{Field: "symbol", Message: "symbol is not tradable"}}
	}
	buys, err := s.store.OpenOrders(ctx, symbol, storage.SideBuy)
	if err != nil {
		return OrderBook{}, err
	}
	sells, err := s.store.OpenOrders(ctx, symbol, storage.SideSell)
	if err != nil {
		return OrderBook{}, err
	}
	return OrderBook{Symbol: symbol, BuyOrders: buys, SellOrders: sells}, nil
}

func (s *Service) UserOrders(ctx context.Context, userID uuid.UUID) ([]storage.Order, error) {
	return s.store.UserOrders(ctx, userID)
}

// Profile is a user's balance and positions.
type Profile struct {
	UserID   uuid.UUID         `json:"user_id"`
	Balance  decimal.Decimal   `json:"balance"`
	Holdings []storage.Holding `json:"holdings"`
}

func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (Profile, error) {
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	holdings, err := s.store.Holdings(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{UserID: userID, Balance: balance.Amount, Holdings: holdings}, nil
}

func (s *Service) Trades(ctx context.Context, symbol string, limit int) ([]storage.Trade, error) {
	if symbol != "" {
		symbol = validation.NormalizeSymbol(symbol)
		if !s.tradable(symbol) {
			return nil, validation.ValidationErrors{{Field: "symbol", Message: "symbol is not tradable"}}
		}
	}
	return s.store.ListTrades(ctx, symbol, limit)
}

func (s *Service) tradable(symbol string) bool {
	for _, sym := range s.symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}
