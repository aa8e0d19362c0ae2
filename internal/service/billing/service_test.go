package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository/memory"
)

func newLedger() (*Ledger, *memory.Store) {
	store := memory.New()
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestCanAfford(t *testing.T) {
	ledger, store := newLedger()
	store.PutAccount(domain.Account{OwnerID: "rich", Credits: 10})
	store.PutAccount(domain.Account{OwnerID: "card", HasPaymentMethod: true})
	store.PutAccount(domain.Account{OwnerID: "broke", Credits: 1})

	cases := map[string]bool{"rich": true, "card": true, "broke": false, "unknown": false}
	for owner, want := range cases {
		got, err := ledger.CanAfford(context.Background(), owner, 5)
		if err != nil {
			t.Fatalf("can afford %s: %v", owner, err)
		}
		if got != want {
			t.Fatalf("CanAfford(%s) = %v, want %v", owner, got, want)
		}
	}
}

func TestDebitUsesCreditsThenDefers(t *testing.T) {
	ledger, store := newLedger()
	store.PutAccount(domain.Account{OwnerID: "rich", Credits: 7})
	store.PutAccount(domain.Account{OwnerID: "card", Credits: 1, HasPaymentMethod: true})
	ctx := context.Background()

	if err := ledger.Debit(ctx, "rich", 5, "Monthly charge for demo"); err != nil {
		t.Fatalf("debit rich: %v", err)
	}
	acct, _ := store.GetAccount(ctx, "rich")
	if acct.Credits != 2 {
		t.Fatalf("expected 2 credits left, got %v", acct.Credits)
	}
	if err := ledger.Debit(ctx, "rich", 5, "again"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if err := ledger.Debit(ctx, "card", 5, "Monthly charge for demo"); err != nil {
		t.Fatalf("debit card: %v", err)
	}
	txs := store.Transactions("card")
	if len(txs) != 1 || txs[0].Status != domain.TransactionPending {
		t.Fatalf("expected one pending charge, got %+v", txs)
	}
	acct, _ = store.GetAccount(ctx, "card")
	if acct.Credits != 1 {
		t.Fatalf("deferred charge must not touch credits, got %v", acct.Credits)
	}

	if err := ledger.Debit(ctx, "nobody", 5, "x"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for unknown owner, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	ledger, store := newLedger()
	store.PutAccount(domain.Account{OwnerID: "rich", Credits: 5})
	ctx := context.Background()
	if err := ledger.Debit(ctx, "rich", 5, "charge"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := ledger.Refund(ctx, "rich", 5, "refund"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	acct, _ := store.GetAccount(ctx, "rich")
	if acct.Credits != 5 {
		t.Fatalf("expected credits restored, got %v", acct.Credits)
	}
	if n := len(store.Transactions("rich")); n != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", n)
	}
}
