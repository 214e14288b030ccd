package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType is the business reason for a credit balance change.
type TransactionType string

const (
	TxEarned              TransactionType = "EARNED"
	TxSpent               TransactionType = "SPENT"
	TxRefunded            TransactionType = "REFUNDED"
	TxGifted              TransactionType = "GIFTED"
	TxPurchased           TransactionType = "PURCHASED"
	TxPlanCredits         TransactionType = "PLAN_CREDITS"
	TxPlanCreditsRemoved  TransactionType = "PLAN_CREDITS_REMOVED"
	TxPlanCreditsAdjusted TransactionType = "PLAN_CREDITS_ADJUSTED"
	TxAutoCommenting      TransactionType = "AUTO_COMMENTING"
)

var transactionTypes = map[TransactionType]bool{
	TxEarned:              true,
	TxSpent:               true,
	TxRefunded:            true,
	TxGifted:              true,
	TxPurchased:           true,
	TxPlanCredits:         true,
	TxPlanCreditsRemoved:  true,
	TxPlanCreditsAdjusted: true,
	TxAutoCommenting:      true,
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	return transactionTypes[t]
}

// Debit reports whether transactions of this type subtract from the balance.
func (t TransactionType) Debit() bool {
	return t == TxSpent || t == TxPlanCreditsRemoved
}

// Signed returns amount with the sign this type applies to a balance.
func (t TransactionType) Signed(amount int64) int64 {
	if t.Debit() {
		return -amount
	}
	return amount
}

// CreditLedger is the cached balance for one account. The transaction log is
// authoritative; Balance always equals the signed sum of its transactions.
type CreditLedger struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one immutable ledger entry. Amount is always positive;
// Type decides the sign.
type CreditTransaction struct {
	ID          uuid.UUID       `json:"id"`
	LedgerID    uuid.UUID       `json:"ledger_id"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}
