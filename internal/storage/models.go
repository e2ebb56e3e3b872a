package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNoHolding = errors.New("no holding for symbol")
	ErrConflict  = errors.New("concurrent update conflict")
)

// Balance is a user's cash balance. Buy-side reservations deduct from Amount
// directly; there is no separate locked column for cash.
type Balance struct {
	UserID    uuid.UUID
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// Holding is a user's position in one asset. Locked tracks the portion
// reserved by open sell orders and is always <= Amount.
type Holding struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Symbol    string
	Amount    decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

func (h Holding) Available() decimal.Decimal {
	return h.Amount.Sub(h.Locked)
}

// Order rows keep their reserved quantities implicitly: an open buy order has
// price*amount deducted from the owner's cash, an open sell order has amount
// added to the owner's holding lock. Seq breaks creation-time ties.
type Order struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Symbol    string
	Side      string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Status    string
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Trade struct {
	ID          uuid.UUID
	Symbol      string
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Total       decimal.Decimal
	Commission  decimal.Decimal
	CreatedAt   time.Time
}
