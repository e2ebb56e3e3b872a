package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spotcore/spotcore/internal/storage"
)

// settle executes a full fill between an initiating order and its locked
// counter-order, inside the caller's transaction.
//
// The execution price is the resting counter-order's price. The buyer is
// refunded any difference between what their own limit reserved and what the
// trade actually cost. Commission comes out of the seller's proceeds and is
// not credited to any account.
//
// Ledger rows for the two parties are locked in ascending user id order so
// that concurrent settlements touching the same pair cannot deadlock.
func (s *Service) settle(ctx context.Context, tx storage.Tx, order, counter storage.Order) (*MatchResult, error) {
	buyOrder, sellOrder := order, counter
	if order.Side == storage.SideSell {
		buyOrder, sellOrder = counter, order
	}

	price := counter.Price
	amount := order.Amount
	total := price.Mul(amount).Truncate(ledgerScale)
	commission := total.Mul(s.commissionRate).Truncate(ledgerScale)

	buyerID := buyOrder.UserID
	sellerID := sellOrder.UserID

	balances, err := lockBalances(ctx, tx, buyerID, sellerID)
	if err != nil {
		return nil, err
	}
	buyerBalance := balances[buyerID]
	sellerBalance := balances[sellerID]

	buyerHolding, sellerHolding, err := s.lockHoldings(ctx, tx, buyerID, sellerID, buyOrder.Symbol)
	if err != nil {
		return nil, err
	}

	reserved := buyOrder.Price.Mul(amount).Truncate(ledgerScale)
	refund := reserved.Sub(total)
	if refund.GreaterThan(decimal.Zero) {
		buyerBalance.Amount = buyerBalance.Amount.Add(refund)
	}

	sellerBalance.Amount = sellerBalance.Amount.Add(total.Sub(commission))

	if err := tx.SaveBalance(ctx, buyerBalance); err != nil {
		return nil, err
	}
	if err := tx.SaveBalance(ctx, sellerBalance); err != nil {
		return nil, err
	}

	buyerHolding.Amount = buyerHolding.Amount.Add(amount)
	if err := tx.SaveHolding(ctx, buyerHolding); err != nil {
		return nil, err
	}

	sellerHolding.Locked = sellerHolding.Locked.Sub(amount)
	sellerHolding.Amount = sellerHolding.Amount.Sub(amount)
	if err := tx.SaveHolding(ctx, sellerHolding); err != nil {
		return nil, err
	}

	buyOrder.Status = storage.StatusFilled
	sellOrder.Status = storage.StatusFilled
	if err := tx.SaveOrder(ctx, buyOrder); err != nil {
		return nil, err
	}
	if err := tx.SaveOrder(ctx, sellOrder); err != nil {
		return nil, err
	}

	trade := storage.Trade{
		Symbol:      buyOrder.Symbol,
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Price:       price,
		Amount:      amount,
		Total:       total,
		Commission:  commission,
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return nil, err
	}

	return &MatchResult{Trade: trade, BuyOrder: buyOrder, SellOrder: sellOrder}, nil
}

func lockBalances(ctx context.Context, tx storage.Tx, a, b uuid.UUID) (map[uuid.UUID]storage.Balance, error) {
	first, second := a, b
	if userLess(b, a) {
		first, second = b, a
	}

	out := make(map[uuid.UUID]storage.Balance, 2)
	for _, id := range []uuid.UUID{first, second} {
		balance, err := tx.BalanceForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = balance
	}
	return out, nil
}

func (s *Service) lockHoldings(ctx context.Context, tx storage.Tx, buyerID, sellerID uuid.UUID, symbol string) (buyer, seller storage.Holding, err error) {
	lockBuyer := func() error {
		buyer, err = tx.CreateHoldingForUpdate(ctx, buyerID, symbol)
		return err
	}
	lockSeller := func() error {
		seller, err = tx.HoldingForUpdate(ctx, sellerID, symbol)
		if err != nil {
			return fmt.Errorf("seller holding for %s: %w", symbol, err)
		}
		return nil
	}

	steps := []func() error{lockBuyer, lockSeller}
	if userLess(sellerID, buyerID) {
		steps = []func() error{lockSeller, lockBuyer}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return storage.Holding{}, storage.Holding{}, err
		}
	}
	return buyer, seller, nil
}

func userLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
