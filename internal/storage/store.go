package storage

import (
	"context"

	"github.com/google/uuid"
)

// Store is the exchange's ledger row store. All mutations happen inside InTx;
// the read methods see the last committed state and take no locks.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error)
	GetHolding(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error)
	Holdings(ctx context.Context, userID uuid.UUID) ([]Holding, error)
	OpenOrders(ctx context.Context, symbol, side string) ([]Order, error)
	UserOrders(ctx context.Context, userID uuid.UUID) ([]Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	Close()
}

// Tx is one transaction against the store. ForUpdate reads take a row lock
// that is held until the transaction ends; a lock that cannot be acquired in
// time surfaces ErrConflict and the whole transaction is rolled back.
type Tx interface {
	// BalanceForUpdate locks the user's cash row, creating a zero row when
	// the user has never held cash.
	BalanceForUpdate(ctx context.Context, userID uuid.UUID) (Balance, error)
	SaveBalance(ctx context.Context, b Balance) error

	// HoldingForUpdate locks the user's holding row for symbol and returns
	// ErrNoHolding when no such row exists.
	HoldingForUpdate(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error)
	// CreateHoldingForUpdate is HoldingForUpdate with get-or-create
	// semantics, used when crediting an asset the user may not hold yet.
	CreateHoldingForUpdate(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error)
	SaveHolding(ctx context.Context, h Holding) error

	// InsertOrder assigns ID, Seq and timestamps on the way in.
	InsertOrder(ctx context.Context, o *Order) error
	OrderForUpdate(ctx context.Context, orderID uuid.UUID) (Order, error)
	SaveOrder(ctx context.Context, o Order) error

	// FindMatch returns the best-priced open counter-order with exactly the
	// same amount, excluding the initiator's own orders. It takes no lock
	// and returns nil when nothing matches.
	FindMatch(ctx context.Context, o Order) (*Order, error)

	InsertTrade(ctx context.Context, t *Trade) error
}
