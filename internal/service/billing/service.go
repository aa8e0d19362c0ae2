// Package billing answers whether an owner can pay for an application and
// records the resulting ledger entries.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
)

// ErrInsufficientCredits is returned when an owner cannot cover a charge.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger implements the billing capability over a credits ledger. Charges
// that credits do not cover are deferred to the owner's payment method,
// which an external processor settles.
type Ledger struct {
	repo   repository.BillingRepository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Ledger.
func New(repo repository.BillingRepository, logger *slog.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger.With("component", "billing"), now: time.Now}
}

// CanAfford reports whether ownerID could be charged amount.
func (l *Ledger) CanAfford(ctx context.Context, ownerID string, amount float64) (bool, error) {
	acct, err := l.repo.GetAccount(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load account: %w", err)
	}
	return acct.Credits >= amount || acct.HasPaymentMethod, nil
}

// Debit charges ownerID amount for reason.
func (l *Ledger) Debit(ctx context.Context, ownerID string, amount float64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("invalid debit amount %v", amount)
	}
	if amount == 0 {
		return nil
	}
	acct, err := l.repo.GetAccount(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("load account: %w", err)
	}
	tx := &domain.Transaction{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Amount:      amount,
		Description: reason,
		CreatedAt:   l.now().UTC(),
	}
	ok, err := l.repo.DebitAccount(ctx, tx, acct.HasPaymentMethod)
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	if !ok {
		return ErrInsufficientCredits
	}
	l.logger.Info("account debited", "owner_id", ownerID, "amount", amount, "status", tx.Status, "reason", reason)
	return nil
}

// Refund credits amount back to ownerID.
func (l *Ledger) Refund(ctx context.Context, ownerID string, amount float64, reason string) error {
	if amount <= 0 {
		return nil
	}
	tx := &domain.Transaction{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Amount:      amount,
		Description: reason,
		CreatedAt:   l.now().UTC(),
	}
	if err := l.repo.CreditAccount(ctx, tx); err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	l.logger.Info("account refunded", "owner_id", ownerID, "amount", amount, "reason", reason)
	return nil
}
