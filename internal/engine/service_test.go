package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/spotcore/spotcore/internal/storage"
	"github.com/spotcore/spotcore/internal/validation"
)

func newTestService(t *testing.T, notifier Notifier) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemory(time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, []string{"BTC", "ETH"}, decimal.RequireFromString("0.015"), notifier, logger, nil)
	return svc, store
}

func fundCash(t *testing.T, svc *Service, userID uuid.UUID, amount string) {
	t.Helper()
	if err := svc.DepositCash(context.Background(), userID, decimal.RequireFromString(amount)); err != nil {
		t.Fatalf("DepositCash: %v", err)
	}
}

func fundAsset(t *testing.T, svc *Service, userID uuid.UUID, symbol, amount string) {
	t.Helper()
	if err := svc.DepositAsset(context.Background(), userID, symbol, decimal.RequireFromString(amount)); err != nil {
		t.Fatalf("DepositAsset: %v", err)
	}
}

func cashOf(t *testing.T, store *storage.MemoryStore, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.Amount
}

func TestPlaceBuyReservesCash(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundCash(t, svc, user, "1000")

	order, err := svc.PlaceOrder(ctx, user, "BTC", "buy", "100", "1")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != storage.StatusOpen {
		t.Fatalf("expected open order, got %s", order.Status)
	}
	if got := cashOf(t, store, user); got.String() != "900" {
		t.Fatalf("expected 900 after reservation, got %s", got)
	}
}

func TestPlaceSellLocksHolding(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundAsset(t, svc, user, "BTC", "1")

	order, err := svc.PlaceOrder(ctx, user, "BTC", "sell", "90", "1")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != storage.StatusOpen {
		t.Fatalf("expected open order, got %s", order.Status)
	}

	h, err := store.GetHolding(ctx, user, "BTC")
	if err != nil {
		t.Fatalf("GetHolding: %v", err)
	}
	if h.Locked.String() != "1" || h.Amount.String() != "1" {
		t.Fatalf("expected amount 1 locked 1, got amount %s locked %s", h.Amount, h.Locked)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		symbol string
		side   string
		price  string
		amount string
	}{
		{"bad side", "BTC", "hold", "100", "1"},
		{"unknown symbol", "DOGE", "buy", "100", "1"},
		{"zero price", "BTC", "buy", "0", "1"},
		{"negative amount", "BTC", "buy", "100", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(ctx, uuid.New(), tc.symbol, tc.side, tc.price, tc.amount)
			var verrs validation.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected validation errors, got %v", err)
			}
		})
	}
}

func TestPlaceBuyInsufficientFunds(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundCash(t, svc, user, "50")

	_, err := svc.PlaceOrder(ctx, user, "BTC", "buy", "100", "1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := cashOf(t, store, user); got.String() != "50" {
		t.Fatalf("expected balance untouched, got %s", got)
	}
}

func TestPlaceSellWithoutHolding(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.PlaceOrder(context.Background(), uuid.New(), "BTC", "sell", "100", "1")
	if !errors.Is(err, ErrNoAssetAccount) {
		t.Fatalf("expected ErrNoAssetAccount, got %v", err)
	}
}

func TestPlaceSellInsufficientAsset(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundAsset(t, svc, user, "BTC", "1")

	_, err := svc.PlaceOrder(ctx, user, "BTC", "sell", "100", "2")
	if !errors.Is(err, ErrInsufficientAsset) {
		t.Fatalf("expected ErrInsufficientAsset, got %v", err)
	}

	h, err := store.GetHolding(ctx, user, "BTC")
	if err != nil {
		t.Fatalf("GetHolding: %v", err)
	}
	if !h.Locked.IsZero() {
		t.Fatalf("expected nothing locked, got %s", h.Locked)
	}
}

func TestLockedAssetNotSpendableTwice(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundAsset(t, svc, user, "BTC", "1")

	if _, err := svc.PlaceOrder(ctx, user, "BTC", "sell", "100", "1"); err != nil {
		t.Fatalf("first sell: %v", err)
	}
	_, err := svc.PlaceOrder(ctx, user, "BTC", "sell", "110", "1")
	if !errors.Is(err, ErrInsufficientAsset) {
		t.Fatalf("expected ErrInsufficientAsset for locked amount, got %v", err)
	}
}

func TestCancelBuyRefundsAndIsSingleShot(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundCash(t, svc, user, "500")

	order, err := svc.PlaceOrder(ctx, user, "BTC", "buy", "50", "2")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got := cashOf(t, store, user); got.String() != "400" {
		t.Fatalf("expected 400 reserved, got %s", got)
	}

	if err := svc.CancelOrder(ctx, user, order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if got := cashOf(t, store, user); got.String() != "500" {
		t.Fatalf("expected full refund to 500, got %s", got)
	}

	orders, err := store.UserOrders(ctx, user)
	if err != nil {
		t.Fatalf("UserOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled order, got %+v", orders)
	}

	if err := svc.CancelOrder(ctx, user, order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on second cancel, got %v", err)
	}
	if got := cashOf(t, store, user); got.String() != "500" {
		t.Fatalf("expected balance unchanged by failed cancel, got %s", got)
	}
}

func TestCancelSellReleasesLock(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundAsset(t, svc, user, "ETH", "3")

	order, err := svc.PlaceOrder(ctx, user, "ETH", "sell", "10", "2")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := svc.CancelOrder(ctx, user, order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	h, err := store.GetHolding(ctx, user, "ETH")
	if err != nil {
		t.Fatalf("GetHolding: %v", err)
	}
	if !h.Locked.IsZero() || h.Amount.String() != "3" {
		t.Fatalf("expected amount 3 locked 0, got amount %s locked %s", h.Amount, h.Locked)
	}
}

func TestCancelForeignOrder(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	owner := uuid.New()
	fundCash(t, svc, owner, "100")

	order, err := svc.PlaceOrder(ctx, owner, "BTC", "buy", "10", "1")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := svc.CancelOrder(ctx, uuid.New(), order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}
	if err := svc.CancelOrder(ctx, owner, uuid.New()); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for unknown id, got %v", err)
	}
}

func TestBookOrdering(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	buyer := uuid.New()
	fundCash(t, svc, buyer, "10000")
	for _, price := range []string{"95", "99", "97"} {
		if _, err := svc.PlaceOrder(ctx, buyer, "BTC", "buy", price, "5"); err != nil {
			t.Fatalf("place buy: %v", err)
		}
	}
	seller := uuid.New()
	fundAsset(t, svc, seller, "BTC", "10")
	for _, price := range []string{"104", "101", "108"} {
		if _, err := svc.PlaceOrder(ctx, seller, "BTC", "sell", price, "3"); err != nil {
			t.Fatalf("place sell: %v", err)
		}
	}

	book, err := svc.Book(ctx, "btc")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if len(book.BuyOrders) != 3 || len(book.SellOrders) != 3 {
		t.Fatalf("expected 3 per side, got %d/%d", len(book.BuyOrders), len(book.SellOrders))
	}
	if book.BuyOrders[0].Price.String() != "99" {
		t.Fatalf("expected best bid first, got %s", book.BuyOrders[0].Price)
	}
	if book.SellOrders[0].Price.String() != "101" {
		t.Fatalf("expected best ask first, got %s", book.SellOrders[0].Price)
	}
}

func TestProfileReportsBalanceAndHoldings(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	user := uuid.New()
	fundCash(t, svc, user, "250")
	fundAsset(t, svc, user, "BTC", "1.5")
	fundAsset(t, svc, user, "ETH", "10")

	profile, err := svc.Profile(ctx, user)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Balance.String() != "250" {
		t.Fatalf("expected balance 250, got %s", profile.Balance)
	}
	if len(profile.Holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(profile.Holdings))
	}
	if profile.Holdings[0].Symbol != "BTC" || profile.Holdings[1].Symbol != "ETH" {
		t.Fatalf("expected sorted holdings, got %+v", profile.Holdings)
	}
}

func TestDepositRejectsNonPositive(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.DepositCash(ctx, uuid.New(), decimal.Zero); err == nil {
		t.Fatalf("expected error for zero deposit")
	}
	if err := svc.DepositAsset(ctx, uuid.New(), "BTC", decimal.RequireFromString("-1")); err == nil {
		t.Fatalf("expected error for negative deposit")
	}
}
