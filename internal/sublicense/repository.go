package sublicense

import (
	"context"
	"time"

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

const columns = `s.id, s.key, s.main_license_key_id, s.status, s.assigned_user_id, s.assigned_email, s.activation_count, s.created_at, s.deactivated_at`

func scan(row pgx.Row, extra ...any) (*models.SubLicense, error) {
	var s models.SubLicense
	var status string
	dest := append([]any{&s.ID, &s.Key, &s.MainLicenseKeyID, &status, &s.AssignedUserID,
		&s.AssignedEmail, &s.ActivationCount, &s.CreatedAt, &s.DeactivatedAt}, extra...)
	err := row.Scan(dest...)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = models.SubLicenseStatus(status)
	return &s, nil
}

// LockLicense returns the main license FOR UPDATE so seat creation serializes per license.
func (r *Repository) LockLicense(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LicenseKey, error) {
	var l models.LicenseKey
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, key, status, tier, vendor, activation_count, expires_at, activated_at, deactivated_at, created_at
		FROM license_keys WHERE id = $1 FOR UPDATE
	`, id).Scan(&l.ID, &l.Key, &status, &l.Tier, &l.Vendor, &l.ActivationCount,
		&l.ExpiresAt, &l.ActivatedAt, &l.DeactivatedAt, &l.CreatedAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Status = models.LicenseStatus(status)
	return &l, nil
}

func (r *Repository) LicenseKey(ctx context.Context, id uuid.UUID) (string, error) {
	var key string
	err := r.pool.QueryRow(ctx, `SELECT key FROM license_keys WHERE id = $1`, id).Scan(&key)
	if database.IsNoRows(err) {
		return "", nil
	}
	return key, err
}

// CountForLicense counts every seat ever carved from the license, assigned or not.
func (r *Repository) CountForLicense(ctx context.Context, tx pgx.Tx, licenseID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM sub_licenses WHERE main_license_key_id = $1`, licenseID).Scan(&n)
	return n, err
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, s *models.SubLicense) error {
	return tx.QueryRow(ctx, `
		INSERT INTO sub_licenses (id, key, main_license_key_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, s.ID, s.Key, s.MainLicenseKeyID, string(s.Status)).Scan(&s.CreatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.SubLicense, error) {
	return scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM sub_licenses s WHERE s.id = $1`, id))
}

// AssignIfFree claims an unassigned seat for email. It reports false when the
// seat is already held, leaving the existing assignment untouched.
func (r *Repository) AssignIfFree(ctx context.Context, tx pgx.Tx, id uuid.UUID, email string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE sub_licenses
		SET assigned_email = $2, status = 'ACTIVE', deactivated_at = NULL
		WHERE id = $1 AND assigned_email IS NULL AND assigned_user_id IS NULL
	`, id, email)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ClearAssignment(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE sub_licenses
		SET assigned_email = NULL, assigned_user_id = NULL, status = 'INACTIVE', deactivated_at = $2
		WHERE id = $1
	`, id, now)
	return err
}

// DeactivateSeatActivations turns off every live activation made through the seat.
func (r *Repository) DeactivateSeatActivations(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE activations SET currently_activated = FALSE, deactivated_at = $2
		WHERE sub_license_id = $1 AND currently_activated
	`, id, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListForLicense resolves the assignee's account by email at read time.
func (r *Repository) ListForLicense(ctx context.Context, licenseID uuid.UUID) ([]*Seat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+columns+`, COALESCE(s.assigned_user_id, a.id)
		FROM sub_licenses s
		LEFT JOIN accounts a ON s.assigned_email IS NOT NULL AND lower(a.email) = lower(s.assigned_email)
		WHERE s.main_license_key_id = $1
		ORDER BY s.created_at, s.id
	`, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Seat
	for rows.Next() {
		var accountID *uuid.UUID
		s, err := scan(rows, &accountID)
		if err != nil {
			return nil, err
		}
		list = append(list, &Seat{SubLicense: s, AssigneeAccountID: accountID})
	}
	return list, rows.Err()
}

func (r *Repository) HeldBy(ctx context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+columns+`
		FROM sub_licenses s
		WHERE s.status = 'ACTIVE'
		  AND (s.assigned_user_id = $1 OR (s.assigned_user_id IS NULL AND lower(s.assigned_email) = lower($2)))
		ORDER BY s.created_at, s.id
	`, userID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SubLicense
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
