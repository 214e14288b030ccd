package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/models"
)

// ErrInsufficientCredits is returned when a debit would drive the balance negative.
var ErrInsufficientCredits = apperr.ErrInsufficientCredits

// DefaultHistoryLimit caps History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 100

// Store is the persistence the ledger needs. LockForUpdate, InsertTransaction
// and UpdateBalance run inside the caller's transaction.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.CreditLedger, bool, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	UpdateBalance(ctx context.Context, tx pgx.Tx, ledgerID uuid.UUID, balance int64) error
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.CreditLedger, error)
	ListTransactions(ctx context.Context, ledgerID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	SumTransactions(ctx context.Context, ledgerID uuid.UUID) (int64, error)
}

type Service interface {
	Apply(ctx context.Context, accountID uuid.UUID, amount int64, typ models.TransactionType, description string) (*Result, error)
	ApplyTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, typ models.TransactionType, description string) (*Result, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
	Reconcile(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error)
}

// Result is the outcome of one applied transaction.
type Result struct {
	Transaction *models.CreditTransaction `json:"transaction"`
	Balance     int64                     `json:"balance"`
}

// Reconciliation compares the cached balance with the transaction log.
type Reconciliation struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	LogSum    int64     `json:"log_sum"`
	Drift     int64     `json:"drift"`
}

type service struct {
	store           Store
	startingBalance int64
}

// NewService returns the credit ledger. New ledgers are seeded with
// startingBalance, recorded as a GIFTED transaction.
func NewService(store Store, startingBalance int64) Service {
	return &service{store: store, startingBalance: startingBalance}
}

var _ Service = (*service)(nil)

// Apply runs ApplyTx in its own transaction.
func (s *service) Apply(ctx context.Context, accountID uuid.UUID, amount int64, typ models.TransactionType, description string) (*Result, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := s.ApplyTx(ctx, tx, accountID, amount, typ, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit transaction: %w", err)
	}
	return res, nil
}

// ApplyTx locks the account's ledger (creating it if needed), checks the new
// balance, appends exactly one transaction and writes the balance. On any error
// the caller must roll back tx; nothing is visible until it commits.
func (s *service) ApplyTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, typ models.TransactionType, description string) (*Result, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "amount must be a positive integer")
	}
	if !typ.Valid() {
		return nil, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("unknown transaction type %q", typ))
	}

	l, created, err := s.store.LockForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	balance := l.Balance
	if created && s.startingBalance > 0 {
		seed := &models.CreditTransaction{
			ID:          uuid.New(),
			LedgerID:    l.ID,
			Amount:      s.startingBalance,
			Type:        models.TxGifted,
			Description: "starting balance",
		}
		if err := s.store.InsertTransaction(ctx, tx, seed); err != nil {
			return nil, fmt.Errorf("seed ledger: %w", err)
		}
		balance += s.startingBalance
	}

	delta := typ.Signed(amount)
	if delta > 0 && balance > math.MaxInt64-delta {
		return nil, apperr.New(apperr.KindInvalidInput, "amount would overflow the balance")
	}
	next := balance + delta
	if next < 0 {
		return nil, ErrInsufficientCredits
	}

	entry := &models.CreditTransaction{
		ID:          uuid.New(),
		LedgerID:    l.ID,
		Amount:      amount,
		Type:        typ,
		Description: description,
	}
	if err := s.store.InsertTransaction(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}
	if err := s.store.UpdateBalance(ctx, tx, l.ID, next); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	return &Result{Transaction: entry, Balance: next}, nil
}

// Balance returns 0 for accounts that never had a ledger.
func (s *service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	l, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if l == nil {
		return 0, nil
	}
	return l.Balance, nil
}

func (s *service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	l, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return []*models.CreditTransaction{}, nil
	}
	list, err := s.store.ListTransactions(ctx, l.ID, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.CreditTransaction{}
	}
	return list, nil
}

func (s *service) Reconcile(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error) {
	rec := &Reconciliation{AccountID: accountID}
	l, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return rec, nil
	}
	sum, err := s.store.SumTransactions(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	rec.Balance = l.Balance
	rec.LogSum = sum
	rec.Drift = l.Balance - sum
	return rec, nil
}
