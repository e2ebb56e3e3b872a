package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore backs the ledger with postgres, using SELECT ... FOR UPDATE
// for row locks. Deadlocks and lock timeouts map to ErrConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = pgtx.Rollback(ctx)
		}
	}()

	if err := fn(&postgresTx{tx: pgtx}); err != nil {
		if isLockConflict(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		if isLockConflict(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	var b Balance
	var amountStr string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, amount::text, updated_at
		FROM balances
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&b.UserID, &amountStr, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{UserID: userID, Amount: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	var err error
	b.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse balance amount: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, symbol, amount::text, locked_amount::text, updated_at
		FROM holdings
		WHERE user_id = $1 AND symbol = $2
	`, userID, normalizeSymbol(symbol))
	h, err := scanHolding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Holding{}, fmt.Errorf("%w: %s", ErrNoHolding, symbol)
		}
		return Holding{}, err
	}
	return h, nil
}

func (s *PostgresStore) Holdings(ctx context.Context, userID uuid.UUID) ([]Holding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, symbol, amount::text, locked_amount::text, updated_at
		FROM holdings
		WHERE user_id = $1
		ORDER BY symbol ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenOrders(ctx context.Context, symbol, side string) ([]Order, error) {
	priceOrder := "ASC"
	if side == SideBuy {
		priceOrder = "DESC"
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, user_id, symbol, side, price::text, amount::text, status, seq, created_at, updated_at
		FROM orders
		WHERE symbol = $1 AND side = $2 AND status = $3
		ORDER BY price %s, created_at ASC, seq ASC
	`, priceOrder), normalizeSymbol(symbol), side, StatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresStore) UserOrders(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, symbol, side, price::text, amount::text, status, seq, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id,
		       price::text, amount::text, total::text, commission::text, created_at
		FROM trades
	`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, normalizeSymbol(symbol), limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var priceStr, amountStr, totalStr, commissionStr string
		if err := rows.Scan(&t.ID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&priceStr, &amountStr, &totalStr, &commissionStr, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse trade amount: %w", err)
		}
		if t.Total, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("parse trade total: %w", err)
		}
		if t.Commission, err = decimal.NewFromString(commissionStr); err != nil {
			return nil, fmt.Errorf("parse trade commission: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) BalanceForUpdate(ctx context.Context, userID uuid.UUID) (Balance, error) {
	b, err := t.balanceForUpdate(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, err
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, amount)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return Balance{}, err
	}
	return t.balanceForUpdate(ctx, userID)
}

func (t *postgresTx) balanceForUpdate(ctx context.Context, userID uuid.UUID) (Balance, error) {
	var b Balance
	var amountStr string
	row := t.tx.QueryRow(ctx, `
		SELECT user_id, amount::text, updated_at
		FROM balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err := row.Scan(&b.UserID, &amountStr, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	var err error
	b.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse balance amount: %w", err)
	}
	return b, nil
}

func (t *postgresTx) SaveBalance(ctx context.Context, b Balance) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE balances
		SET amount = $1, updated_at = $2
		WHERE user_id = $3
	`, b.Amount.String(), time.Now().UTC(), b.UserID)
	return err
}

func (t *postgresTx) HoldingForUpdate(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, user_id, symbol, amount::text, locked_amount::text, updated_at
		FROM holdings
		WHERE user_id = $1 AND symbol = $2
		FOR UPDATE
	`, userID, normalizeSymbol(symbol))
	h, err := scanHolding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Holding{}, fmt.Errorf("%w: %s", ErrNoHolding, symbol)
		}
		return Holding{}, err
	}
	return h, nil
}

func (t *postgresTx) CreateHoldingForUpdate(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error) {
	h, err := t.HoldingForUpdate(ctx, userID, symbol)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrNoHolding) {
		return Holding{}, err
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO holdings (id, user_id, symbol, amount, locked_amount)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (user_id, symbol) DO NOTHING
	`, uuid.New(), userID, normalizeSymbol(symbol)); err != nil {
		return Holding{}, err
	}
	return t.HoldingForUpdate(ctx, userID, symbol)
}

func (t *postgresTx) SaveHolding(ctx context.Context, h Holding) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE holdings
		SET amount = $1, locked_amount = $2, updated_at = $3
		WHERE id = $4
	`, h.Amount.String(), h.Locked.String(), time.Now().UTC(), h.ID)
	return err
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	row := t.tx.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, symbol, side, price, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING seq
	`, o.ID, o.UserID, o.Symbol, o.Side, o.Price.String(), o.Amount.String(), o.Status, now)
	if err := row.Scan(&o.Seq); err != nil {
		return err
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

func (t *postgresTx) OrderForUpdate(ctx context.Context, orderID uuid.UUID) (Order, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, user_id, symbol, side, price::text, amount::text, status, seq, created_at, updated_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return Order{}, err
	}
	return o, nil
}

func (t *postgresTx) SaveOrder(ctx context.Context, o Order) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, o.Status, time.Now().UTC(), o.ID)
	return err
}

func (t *postgresTx) FindMatch(ctx context.Context, o Order) (*Order, error) {
	wantSide := SideSell
	cmp := "<="
	priceOrder := "ASC"
	if o.Side == SideSell {
		wantSide = SideBuy
		cmp = ">="
		priceOrder = "DESC"
	}

	row := t.tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, user_id, symbol, side, price::text, amount::text, status, seq, created_at, updated_at
		FROM orders
		WHERE symbol = $1 AND side = $2 AND status = $3
		  AND amount = $4 AND user_id != $5 AND price %s $6
		ORDER BY price %s, created_at ASC, seq ASC
		LIMIT 1
	`, cmp, priceOrder), o.Symbol, wantSide, StatusOpen, o.Amount.String(), o.UserID, o.Price.String())
	match, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &match, nil
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *Trade) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id, price, amount, total, commission, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.Symbol, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID,
		tr.Price.String(), tr.Amount.String(), tr.Total.String(), tr.Commission.String(), now)
	if err != nil {
		return err
	}
	tr.CreatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHolding(row rowScanner) (Holding, error) {
	var h Holding
	var amountStr, lockedStr string
	if err := row.Scan(&h.ID, &h.UserID, &h.Symbol, &amountStr, &lockedStr, &h.UpdatedAt); err != nil {
		return Holding{}, err
	}
	var err error
	if h.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Holding{}, fmt.Errorf("parse holding amount: %w", err)
	}
	if h.Locked, err = decimal.NewFromString(lockedStr); err != nil {
		return Holding{}, fmt.Errorf("parse holding locked amount: %w", err)
	}
	return h, nil
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var priceStr, amountStr string
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &priceStr, &amountStr, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Order{}, fmt.Errorf("parse order price: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Order{}, fmt.Errorf("parse order amount: %w", err)
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// deadlock_detected, lock_not_available, serialization_failure
		return pgErr.Code == "40P01" || pgErr.Code == "55P03" || pgErr.Code == "40001"
	}
	return false
}
