package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestMemoryBalanceForUpdateCreatesZeroRow(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()
	userID := uuid.New()

	err := store.InTx(ctx, func(tx Tx) error {
		b, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !b.Amount.IsZero() {
			t.Fatalf("expected zero balance, got %s", b.Amount)
		}
		b.Amount = dec(t, "100")
		return tx.SaveBalance(ctx, b)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	b, err := store.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.Amount.String() != "100" {
		t.Fatalf("expected 100, got %s", b.Amount)
	}
}

func TestMemoryRollbackDiscardsWrites(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()
	userID := uuid.New()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Tx) error {
		b, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		b.Amount = dec(t, "50")
		if err := tx.SaveBalance(ctx, b); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	b, err := store.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !b.Amount.IsZero() {
		t.Fatalf("expected rollback to discard write, got %s", b.Amount)
	}
}

func TestMemoryHoldingForUpdateMissing(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx Tx) error {
		_, err := tx.HoldingForUpdate(ctx, uuid.New(), "BTC")
		return err
	})
	if !errors.Is(err, ErrNoHolding) {
		t.Fatalf("expected ErrNoHolding, got %v", err)
	}
}

func TestMemoryCreateHoldingForUpdate(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()
	userID := uuid.New()

	err := store.InTx(ctx, func(tx Tx) error {
		h, err := tx.CreateHoldingForUpdate(ctx, userID, "btc")
		if err != nil {
			return err
		}
		if h.Symbol != "BTC" {
			t.Fatalf("expected normalized symbol, got %s", h.Symbol)
		}
		if !h.Amount.IsZero() || !h.Locked.IsZero() {
			t.Fatalf("expected zero holding")
		}
		h.Amount = dec(t, "2")
		return tx.SaveHolding(ctx, h)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	h, err := store.GetHolding(ctx, userID, "BTC")
	if err != nil {
		t.Fatalf("GetHolding: %v", err)
	}
	if h.Amount.String() != "2" {
		t.Fatalf("expected 2, got %s", h.Amount)
	}
}

func TestMemoryRowLockTimesOutWithConflict(t *testing.T) {
	store := NewMemory(50 * time.Millisecond)
	ctx := context.Background()
	userID := uuid.New()

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.InTx(ctx, func(tx Tx) error {
			if _, err := tx.BalanceForUpdate(ctx, userID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	err := store.InTx(ctx, func(tx Tx) error {
		_, err := tx.BalanceForUpdate(ctx, userID)
		return err
	})
	close(release)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryLockReentrantWithinTx(t *testing.T) {
	store := NewMemory(50 * time.Millisecond)
	ctx := context.Background()
	userID := uuid.New()

	err := store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.BalanceForUpdate(ctx, userID); err != nil {
			return err
		}
		_, err := tx.BalanceForUpdate(ctx, userID)
		return err
	})
	if err != nil {
		t.Fatalf("expected reentrant lock within one tx, got %v", err)
	}
}

func TestMemoryInsertOrderAssignsMonotonicSeq(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()

	var first, second Order
	err := store.InTx(ctx, func(tx Tx) error {
		first = Order{UserID: uuid.New(), Symbol: "BTC", Side: SideBuy, Price: dec(t, "10"), Amount: dec(t, "1"), Status: StatusOpen}
		if err := tx.InsertOrder(ctx, &first); err != nil {
			return err
		}
		second = Order{UserID: uuid.New(), Symbol: "BTC", Side: SideBuy, Price: dec(t, "10"), Amount: dec(t, "1"), Status: StatusOpen}
		return tx.InsertOrder(ctx, &second)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if first.ID == uuid.Nil || second.ID == uuid.Nil {
		t.Fatalf("expected ids assigned")
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}
}

func TestMemoryFindMatchPriceTimePriority(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()
	buyer := uuid.New()

	sellers := []struct {
		price string
	}{
		{"105"}, {"101"}, {"101"}, {"103"},
	}
	var sellIDs []uuid.UUID
	for _, s := range sellers {
		err := store.InTx(ctx, func(tx Tx) error {
			o := Order{UserID: uuid.New(), Symbol: "BTC", Side: SideSell, Price: dec(t, s.price), Amount: dec(t, "1"), Status: StatusOpen}
			if err := tx.InsertOrder(ctx, &o); err != nil {
				return err
			}
			sellIDs = append(sellIDs, o.ID)
			return nil
		})
		if err != nil {
			t.Fatalf("insert sell: %v", err)
		}
	}

	err := store.InTx(ctx, func(tx Tx) error {
		buy := Order{UserID: buyer, Symbol: "BTC", Side: SideBuy, Price: dec(t, "110"), Amount: dec(t, "1"), Status: StatusOpen}
		match, err := tx.FindMatch(ctx, buy)
		if err != nil {
			return err
		}
		if match == nil {
			t.Fatalf("expected a match")
		}
		// Cheapest ask wins; the earlier of the two 101s wins the tie.
		if match.ID != sellIDs[1] {
			t.Fatalf("expected first 101 ask, got order %s at %s", match.ID, match.Price)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestMemoryFindMatchFilters(t *testing.T) {
	store := NewMemory(time.Second)
	ctx := context.Background()
	buyer := uuid.New()

	insert := func(o Order) uuid.UUID {
		t.Helper()
		err := store.InTx(ctx, func(tx Tx) error {
			return tx.InsertOrder(ctx, &o)
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return o.ID
	}

	insert(Order{UserID: buyer, Symbol: "BTC", Side: SideSell, Price: dec(t, "90"), Amount: dec(t, "1"), Status: StatusOpen})       // self
	insert(Order{UserID: uuid.New(), Symbol: "BTC", Side: SideSell, Price: dec(t, "120"), Amount: dec(t, "1"), Status: StatusOpen}) // too expensive
	insert(Order{UserID: uuid.New(), Symbol: "BTC", Side: SideSell, Price: dec(t, "95"), Amount: dec(t, "2"), Status: StatusOpen})  // wrong amount
	insert(Order{UserID: uuid.New(), Symbol: "ETH", Side: SideSell, Price: dec(t, "95"), Amount: dec(t, "1"), Status: StatusOpen})  // wrong symbol

	err := store.InTx(ctx, func(tx Tx) error {
		buy := Order{UserID: buyer, Symbol: "BTC", Side: SideBuy, Price: dec(t, "100"), Amount: dec(t, "1"), Status: StatusOpen}
		match, err := tx.FindMatch(ctx, buy)
		if err != nil {
			return err
		}
		if match != nil {
			t.Fatalf("expected no match, got %s at %s", match.ID, match.Price)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestMemoryConcurrentCreditsSerialize(t *testing.T) {
	store := NewMemory(5 * time.Second)
	ctx := context.Background()
	userID := uuid.New()

	const workers = 20
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			errs <- store.InTx(ctx, func(tx Tx) error {
				b, err := tx.BalanceForUpdate(ctx, userID)
				if err != nil {
					return err
				}
				b.Amount = b.Amount.Add(decimal.NewFromInt(1))
				return tx.SaveBalance(ctx, b)
			})
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("worker: %v", err)
		}
	}

	b, err := store.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.Amount.String() != fmt.Sprintf("%d", workers) {
		t.Fatalf("expected %d, got %s", workers, b.Amount)
	}
}
