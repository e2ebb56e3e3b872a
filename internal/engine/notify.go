package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification tells one party of a trade what happened from their
// perspective: their side and their order.
type Notification struct {
	UserID  uuid.UUID       `json:"user_id"`
	TradeID uuid.UUID       `json:"trade_id"`
	OrderID uuid.UUID       `json:"order_id"`
	Side    string          `json:"side"`
	Symbol  string          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Total   decimal.Decimal `json:"total"`
}

// Notifier delivers trade notifications after the settlement transaction has
// committed. Delivery is best effort; failures never unwind a trade.
type Notifier interface {
	NotifyTrade(ctx context.Context, n Notification) error
}

type NopNotifier struct{}

func (NopNotifier) NotifyTrade(context.Context, Notification) error { return nil }
