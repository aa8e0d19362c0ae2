package domain

import "time"

// Account holds an owner's prepaid credits.
type Account struct {
	OwnerID          string
	Credits          float64
	HasPaymentMethod bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transaction types and states.
const (
	TransactionCredit = "credit"
	TransactionDebit  = "debit"

	TransactionPending   = "pending"
	TransactionCompleted = "completed"
)

// Transaction records a single ledger movement.
type Transaction struct {
	ID          string
	OwnerID     string
	Type        string
	Amount      float64
	Description string
	Status      string
	CreatedAt   time.Time
}
