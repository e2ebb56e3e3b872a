package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/spotcore/spotcore/internal/storage"
)

// MatchResult describes one settled trade and the final state of both orders.
type MatchResult struct {
	Trade     storage.Trade
	BuyOrder  storage.Order
	SellOrder storage.Order
}

// AttemptMatch tries to fill the given order against the single best-priced
// exact-amount counter-order. One attempt per call: if the candidate is gone
// by the time its row lock is taken, the order stays open and no further
// candidates are considered. Returns nil when nothing was matched.
//
// Notifications go out after the settlement transaction commits.
func (s *Service) AttemptMatch(ctx context.Context, orderID uuid.UUID) (*MatchResult, error) {
	start := time.Now()
	var result *MatchResult

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.Status != storage.StatusOpen {
			return nil
		}

		candidate, err := tx.FindMatch(ctx, order)
		if err != nil {
			return err
		}
		if candidate == nil {
			return nil
		}

		counter, err := tx.OrderForUpdate(ctx, candidate.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if counter.Status != storage.StatusOpen {
			// Candidate was taken between the scan and the lock.
			return nil
		}

		result, err = s.settle(ctx, tx, order, counter)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result != nil {
		s.metrics.ObserveMatch(result.Trade.Symbol, time.Since(start))
		commission, _ := result.Trade.Commission.Float64()
		s.metrics.ObserveTrade(result.Trade.Symbol, commission)
		s.logger.Info("trade settled",
			"trade_id", result.Trade.ID.String(),
			"symbol", result.Trade.Symbol,
			"price", result.Trade.Price.String(),
			"amount", result.Trade.Amount.String(),
			"buy_order_id", result.BuyOrder.ID.String(),
			"sell_order_id", result.SellOrder.ID.String(),
		)
		s.notifyTrade(ctx, result)
	}
	return result, nil
}

func (s *Service) notifyTrade(ctx context.Context, result *MatchResult) {
	trade := result.Trade
	notifications := []Notification{
		{
			UserID:  trade.BuyerID,
			TradeID: trade.ID,
			OrderID: trade.BuyOrderID,
			Side:    storage.SideBuy,
			Symbol:  trade.Symbol,
			Price:   trade.Price,
			Amount:  trade.Amount,
			Total:   trade.Total,
		},
		{
			UserID:  trade.SellerID,
			TradeID: trade.ID,
			OrderID: trade.SellOrderID,
			Side:    storage.SideSell,
			Symbol:  trade.Symbol,
			Price:   trade.Price,
			Amount:  trade.Amount,
			Total:   trade.Total,
		},
	}
	for _, n := range notifications {
		if err := s.notifier.NotifyTrade(ctx, n); err != nil {
			s.logger.Warn("trade notification failed",
				"trade_id", trade.ID.String(),
				"user_id", n.UserID.String(),
				"error", err,
			)
		}
	}
}
