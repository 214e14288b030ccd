package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ollyhq/backend/internal/database"
	"github.com/ollyhq/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// LockForUpdate runs inside the caller's transaction. It creates the ledger row
// with a zero balance if the account has none, then locks it (SELECT FOR UPDATE)
// so concurrent writers on the same account serialize until this tx ends.
// created reports whether the row was inserted by this call.
func (r *Repository) LockForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (l *models.CreditLedger, created bool, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_ledgers (id, account_id, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (account_id) DO NOTHING
	`, uuid.New(), accountID)
	if err != nil {
		return nil, false, err
	}
	var out models.CreditLedger
	err = tx.QueryRow(ctx, `
		SELECT id, account_id, balance, created_at, updated_at
		FROM credit_ledgers WHERE account_id = $1 FOR UPDATE
	`, accountID).Scan(&out.ID, &out.AccountID, &out.Balance, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	return &out, tag.RowsAffected() == 1, nil
}

// InsertTransaction appends a transaction row inside the given transaction.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, ledger_id, amount, type, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, t.ID, t.LedgerID, t.Amount, string(t.Type), t.Description).Scan(&t.CreatedAt)
}

// UpdateBalance writes the cached balance. Call after LockForUpdate in the same tx.
func (r *Repository) UpdateBalance(ctx context.Context, tx pgx.Tx, ledgerID uuid.UUID, balance int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_ledgers SET balance = $2, updated_at = now() WHERE id = $1
	`, ledgerID, balance)
	return err
}

// GetByAccountID returns nil, nil when the account has no ledger yet.
func (r *Repository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.CreditLedger, error) {
	var l models.CreditLedger
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, balance, created_at, updated_at
		FROM credit_ledgers WHERE account_id = $1
	`, accountID).Scan(&l.ID, &l.AccountID, &l.Balance, &l.CreatedAt, &l.UpdatedAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repository) ListTransactions(ctx context.Context, ledgerID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, ledger_id, amount, type, description, created_at
		FROM credit_transactions WHERE ledger_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, ledgerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.LedgerID, &t.Amount, &typ, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = models.TransactionType(typ)
		list = append(list, &t)
	}
	return list, rows.Err()
}

// SumTransactions returns the signed sum of the ledger's transaction log.
func (r *Repository) SumTransactions(ctx context.Context, ledgerID uuid.UUID) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type IN ('SPENT', 'PLAN_CREDITS_REMOVED') THEN -amount ELSE amount END), 0)
		FROM credit_transactions WHERE ledger_id = $1
	`, ledgerID).Scan(&sum)
	return sum, err
}
