package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultLockWait = 5 * time.Second

// MemoryStore is an in-process Store with the same transactional contract as
// the postgres backend: per-row locks held until the transaction ends, writes
// staged and applied atomically on commit. Used by the memory backend config
// and throughout the engine tests.
type MemoryStore struct {
	mu       sync.Mutex
	lockWait time.Duration

	balances map[uuid.UUID]Balance
	holdings map[string]Holding
	orders   map[uuid.UUID]Order
	trades   []Trade

	rowLocks map[string]chan struct{}
	nextSeq  int64
}

func NewMemory(lockWait time.Duration) *MemoryStore {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &MemoryStore{
		lockWait: lockWait,
		balances: map[uuid.UUID]Balance{},
		holdings: map[string]Holding{},
		orders:   map[uuid.UUID]Order{},
		rowLocks: map[string]chan struct{}{},
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store:    s,
		heldSet:  map[string]bool{},
		balances: map[uuid.UUID]Balance{},
		holdings: map[string]Holding{},
		orders:   map[uuid.UUID]Order{},
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID uuid.UUID) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[userID]; ok {
		return b, nil
	}
	return Balance{UserID: userID, Amount: decimal.Zero}, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID uuid.UUID, symbol string) (Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holdings[holdingKey(userID, symbol)]; ok {
		return h, nil
	}
	return Holding{}, fmt.Errorf("%w: %s", ErrNoHolding, symbol)
}

func (s *MemoryStore) Holdings(_ context.Context, userID uuid.UUID) ([]Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, symbol, side string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Side == side && o.Status == StatusOpen {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return betterPriced(side, out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) UserOrders(_ context.Context, userID uuid.UUID) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, symbol string, limit int) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if symbol != "" && s.trades[i].Symbol != symbol {
			continue
		}
		out = append(out, s.trades[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() {}

type memTx struct {
	store   *MemoryStore
	held    []string
	heldSet map[string]bool

	balances map[uuid.UUID]Balance
	holdings map[string]Holding
	orders   map[uuid.UUID]Order
	trades   []Trade
}

func (tx *memTx) BalanceForUpdate(ctx context.Context, userID uuid.UUID) (Balance, error) {
	if err := tx.acquire(ctx, "balance:"+userID.String()); err != nil {
		return Balance{}, err
	}
	if b, ok := tx.balances[userID]; ok {
		return b, nil
	}
	tx.store.mu.Lock()
	b, ok := tx.store.balances[userID]
	tx.store.mu.Unlock()
	if !ok {
		b = Balance{UserID: userID, Amount: decimal.Zero}
	}
	return b, nil
}

func (tx *memTx) SaveBalance(ctx context.Context, b Balance) error {
	if err := tx.acquire(ctx, "balance:"+b.UserID.String()); err != nil {
		return err
	}
	b.UpdatedAt = time.Now().UTC()
	tx.balances[b.UserID] = b
	return nil
}

func (tx *memTx) HoldingForUpdate(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error) {
	key := holdingKey(userID, symbol)
	if err := tx.acquire(ctx, "holding:"+key); err != nil {
		return Holding{}, err
	}
	if h, ok := tx.holdings[key]; ok {
		return h, nil
	}
	tx.store.mu.Lock()
	h, ok := tx.store.holdings[key]
	tx.store.mu.Unlock()
	if !ok {
		return Holding{}, fmt.Errorf("%w: %s", ErrNoHolding, symbol)
	}
	return h, nil
}

func (tx *memTx) CreateHoldingForUpdate(ctx context.Context, userID uuid.UUID, symbol string) (Holding, error) {
	h, err := tx.HoldingForUpdate(ctx, userID, symbol)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrNoHolding) {
		return Holding{}, err
	}
	h = Holding{
		ID:        uuid.New(),
		UserID:    userID,
		Symbol:    normalizeSymbol(symbol),
		Amount:    decimal.Zero,
		Locked:    decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
	tx.holdings[holdingKey(userID, symbol)] = h
	return h, nil
}

func (tx *memTx) SaveHolding(ctx context.Context, h Holding) error {
	if err := tx.acquire(ctx, "holding:"+holdingKey(h.UserID, h.Symbol)); err != nil {
		return err
	}
	h.UpdatedAt = time.Now().UTC()
	tx.holdings[holdingKey(h.UserID, h.Symbol)] = h
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	tx.store.mu.Lock()
	tx.store.nextSeq++
	o.Seq = tx.store.nextSeq
	tx.store.mu.Unlock()

	tx.orders[o.ID] = *o
	return nil
}

func (tx *memTx) OrderForUpdate(ctx context.Context, orderID uuid.UUID) (Order, error) {
	if err := tx.acquire(ctx, "order:"+orderID.String()); err != nil {
		return Order{}, err
	}
	if o, ok := tx.orders[orderID]; ok {
		return o, nil
	}
	tx.store.mu.Lock()
	o, ok := tx.store.orders[orderID]
	tx.store.mu.Unlock()
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return o, nil
}

func (tx *memTx) SaveOrder(ctx context.Context, o Order) error {
	if err := tx.acquire(ctx, "order:"+o.ID.String()); err != nil {
		return err
	}
	o.UpdatedAt = time.Now().UTC()
	tx.orders[o.ID] = o
	return nil
}

func (tx *memTx) FindMatch(_ context.Context, o Order) (*Order, error) {
	wantSide := SideSell
	if o.Side == SideSell {
		wantSide = SideBuy
	}

	tx.store.mu.Lock()
	merged := make(map[uuid.UUID]Order, len(tx.store.orders))
	for id, c := range tx.store.orders {
		merged[id] = c
	}
	tx.store.mu.Unlock()
	for id, c := range tx.orders {
		merged[id] = c
	}

	var best *Order
	for _, c := range merged {
		if c.Symbol != o.Symbol || c.Side != wantSide || c.Status != StatusOpen {
			continue
		}
		if c.UserID == o.UserID {
			continue
		}
		if !c.Amount.Equal(o.Amount) {
			continue
		}
		if o.Side == SideBuy && c.Price.GreaterThan(o.Price) {
			continue
		}
		if o.Side == SideSell && c.Price.LessThan(o.Price) {
			continue
		}
		if best == nil || betterPriced(wantSide, c, *best) {
			cc := c
			best = &cc
		}
	}
	return best, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *Trade) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	tx.trades = append(tx.trades, *t)
	return nil
}

// betterPriced orders candidates of the given side from most to least
// attractive to the opposite side: highest bid first, lowest ask first,
// oldest first within a price level.
func betterPriced(side string, a, b Order) bool {
	if !a.Price.Equal(b.Price) {
		if side == SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (tx *memTx) acquire(ctx context.Context, key string) error {
	if tx.heldSet[key] {
		return nil
	}

	s := tx.store
	s.mu.Lock()
	ch, ok := s.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[key] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		tx.heldSet[key] = true
		tx.held = append(tx.held, key)
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait on %s", ErrConflict, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memTx) releaseLocks() {
	s := tx.store
	s.mu.Lock()
	chans := make([]chan struct{}, 0, len(tx.held))
	for _, key := range tx.held {
		chans = append(chans, s.rowLocks[key])
	}
	s.mu.Unlock()
	for i := len(chans) - 1; i >= 0; i-- {
		<-chans[i]
	}
	tx.held = nil
	tx.heldSet = map[string]bool{}
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range tx.balances {
		s.balances[id] = b
	}
	for key, h := range tx.holdings {
		s.holdings[key] = h
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.trades = append(s.trades, tx.trades...)
}

func holdingKey(userID uuid.UUID, symbol string) string {
	return userID.String() + ":" + normalizeSymbol(symbol)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
