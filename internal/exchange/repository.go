package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ollyhq/backend/internal/database"
	"github.com/ollyhq/backend/internal/models"
)

// Repository answers the license, seat and account lookups the exchange needs.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Directory = (*Repository)(nil)

func scanLicense(row pgx.Row) (*models.LicenseKey, error) {
	var l models.LicenseKey
	var status string
	err := row.Scan(&l.ID, &l.Key, &status, &l.Tier, &l.Vendor, &l.ExpiresAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Status = models.LicenseStatus(status)
	return &l, nil
}

func (r *Repository) License(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error) {
	return scanLicense(r.pool.QueryRow(ctx, `
		SELECT id, key, status, tier, vendor, expires_at FROM license_keys WHERE id = $1
	`, id))
}

// FirstActiveLicense returns the oldest usable license linked to the user, or nil.
func (r *Repository) FirstActiveLicense(ctx context.Context, userID uuid.UUID, now time.Time) (*models.LicenseKey, error) {
	return scanLicense(r.pool.QueryRow(ctx, `
		SELECT l.id, l.key, l.status, l.tier, l.vendor, l.expires_at
		FROM user_license_keys u
		JOIN license_keys l ON l.id = u.license_key_id
		WHERE u.user_id = $1 AND l.status = 'ACTIVE' AND (l.expires_at IS NULL OR l.expires_at > $2)
		ORDER BY u.created_at, l.id
		LIMIT 1
	`, userID, now))
}

func (r *Repository) SubLicense(ctx context.Context, id uuid.UUID) (*models.SubLicense, error) {
	var s models.SubLicense
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, key, main_license_key_id, status, assigned_user_id, assigned_email
		FROM sub_licenses WHERE id = $1
	`, id).Scan(&s.ID, &s.Key, &s.MainLicenseKeyID, &status, &s.AssignedUserID, &s.AssignedEmail)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = models.SubLicenseStatus(status)
	return &s, nil
}

func (r *Repository) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, name, role, created_at, updated_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
