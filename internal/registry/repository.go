package registry

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

const licenseColumns = `id, key, status, tier, vendor, activation_count, expires_at, activated_at, deactivated_at, created_at`

func scanLicense(row pgx.Row) (*models.LicenseKey, error) {
	var l models.LicenseKey
	var status string
	err := row.Scan(&l.ID, &l.Key, &status, &l.Tier, &l.Vendor, &l.ActivationCount,
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

const subLicenseColumns = `id, key, main_license_key_id, status, assigned_user_id, assigned_email, activation_count, created_at, deactivated_at`

func scanSubLicense(row pgx.Row) (*models.SubLicense, error) {
	var s models.SubLicense
	var status string
	err := row.Scan(&s.ID, &s.Key, &s.MainLicenseKeyID, &status, &s.AssignedUserID,
		&s.AssignedEmail, &s.ActivationCount, &s.CreatedAt, &s.DeactivatedAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = models.SubLicenseStatus(status)
	return &s, nil
}

// FindLicenseByKey returns nil, nil for unknown keys.
func (r *Repository) FindLicenseByKey(ctx context.Context, key string) (*models.LicenseKey, error) {
	return scanLicense(r.pool.QueryRow(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE key = $1`, key))
}

func (r *Repository) GetLicense(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error) {
	return scanLicense(r.pool.QueryRow(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE id = $1`, id))
}

func (r *Repository) FindSubLicenseByKey(ctx context.Context, key string) (*models.SubLicense, error) {
	return scanSubLicense(r.pool.QueryRow(ctx, `SELECT `+subLicenseColumns+` FROM sub_licenses WHERE key = $1`, key))
}

// LockLicenseByKey selects the license FOR UPDATE. Call within a transaction.
func (r *Repository) LockLicenseByKey(ctx context.Context, tx pgx.Tx, key string) (*models.LicenseKey, error) {
	return scanLicense(tx.QueryRow(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE key = $1 FOR UPDATE`, key))
}

func (r *Repository) LockLicense(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LicenseKey, error) {
	return scanLicense(tx.QueryRow(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) LockSubLicenseByKey(ctx context.Context, tx pgx.Tx, key string) (*models.SubLicense, error) {
	return scanSubLicense(tx.QueryRow(ctx, `SELECT `+subLicenseColumns+` FROM sub_licenses WHERE key = $1 FOR UPDATE`, key))
}

// AccountEmail returns "" when the account does not exist.
func (r *Repository) AccountEmail(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (string, error) {
	var email string
	err := tx.QueryRow(ctx, `SELECT email FROM accounts WHERE id = $1`, userID).Scan(&email)
	if database.IsNoRows(err) {
		return "", nil
	}
	return email, err
}

func (r *Repository) InsertActivation(ctx context.Context, tx pgx.Tx, a *models.Activation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO activations (
			id, license_key_id, sub_license_id, user_id, activation_token, activated_at,
			currently_activated, device_type, device_model, os_name, os_version,
			browser, browser_version, ip_address
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.LicenseKeyID, a.SubLicenseID, a.UserID, a.ActivationToken, a.ActivatedAt,
		a.DeviceType, a.DeviceModel, a.OSName, a.OSVersion, a.Browser, a.BrowserVersion, a.IPAddress)
	return err
}

// MarkLicenseActivated bumps activation_count and stamps activated_at on first use.
func (r *Repository) MarkLicenseActivated(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE license_keys
		SET activation_count = activation_count + 1,
		    activated_at = COALESCE(activated_at, $2)
		WHERE id = $1
	`, id, now)
	return err
}

// LinkUser upserts the user-license assignment join.
func (r *Repository) LinkUser(ctx context.Context, tx pgx.Tx, userID, licenseKeyID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_license_keys (user_id, license_key_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, license_key_id) DO NOTHING
	`, userID, licenseKeyID)
	return err
}

// BindSubLicense records the activating user on the seat.
func (r *Repository) BindSubLicense(ctx context.Context, tx pgx.Tx, subLicenseID, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE sub_licenses
		SET assigned_user_id = $2, activation_count = activation_count + 1
		WHERE id = $1
	`, subLicenseID, userID)
	return err
}

const activationColumns = `id, license_key_id, sub_license_id, user_id, activation_token, activated_at,
	currently_activated, deactivated_at, device_type, device_model, os_name, os_version,
	browser, browser_version, ip_address`

func scanActivation(row pgx.Row) (*models.Activation, error) {
	var a models.Activation
	err := row.Scan(&a.ID, &a.LicenseKeyID, &a.SubLicenseID, &a.UserID, &a.ActivationToken, &a.ActivatedAt,
		&a.CurrentlyActivated, &a.DeactivatedAt, &a.DeviceType, &a.DeviceModel, &a.OSName, &a.OSVersion,
		&a.Browser, &a.BrowserVersion, &a.IPAddress)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetActivation(ctx context.Context, id uuid.UUID) (*models.Activation, error) {
	a, err := scanActivation(r.pool.QueryRow(ctx, `SELECT `+activationColumns+` FROM activations WHERE id = $1`, id))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

// DeactivateActivation flips currently_activated on the caller's live activation.
// Reports false when no row matched.
func (r *Repository) DeactivateActivation(ctx context.Context, userID, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE activations
		SET currently_activated = FALSE, deactivated_at = $3
		WHERE id = $1 AND user_id = $2 AND currently_activated
	`, id, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListActivations(ctx context.Context, userID uuid.UUID) ([]*models.Activation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+activationColumns+`
		FROM activations WHERE user_id = $1
		ORDER BY activated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Activation{}
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (r *Repository) InsertLicense(ctx context.Context, tx pgx.Tx, l *models.LicenseKey) error {
	return tx.QueryRow(ctx, `
		INSERT INTO license_keys (id, key, status, tier, vendor, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, l.ID, l.Key, string(l.Status), l.Tier, l.Vendor, l.ExpiresAt).Scan(&l.CreatedAt)
}

// SetLicenseStatus moves a license to ACTIVE from UNREDEEMED. Call within a transaction.
func (r *Repository) SetLicenseStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.LicenseStatus) error {
	_, err := tx.Exec(ctx, `UPDATE license_keys SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

// DeactivateLicense soft-deactivates a license. Reports false for unknown or
// already deactivated licenses.
func (r *Repository) DeactivateLicense(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE license_keys SET status = 'DEACTIVATED', deactivated_at = $2
		WHERE id = $1 AND status <> 'DEACTIVATED'
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) InsertRedeemCode(ctx context.Context, tx pgx.Tx, c *models.RedeemCode) error {
	return tx.QueryRow(ctx, `
		INSERT INTO redeem_codes (id, code, license_key_id, status, credits, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, c.ID, c.Code, c.LicenseKeyID, string(c.Status), c.Credits, c.ValidUntil).Scan(&c.CreatedAt)
}

func (r *Repository) LockRedeemCode(ctx context.Context, tx pgx.Tx, code string) (*models.RedeemCode, error) {
	var c models.RedeemCode
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, code, license_key_id, status, credits, valid_until, claimed_at, claimed_by, created_at
		FROM redeem_codes WHERE code = $1 FOR UPDATE
	`, code).Scan(&c.ID, &c.Code, &c.LicenseKeyID, &status, &c.Credits, &c.ValidUntil, &c.ClaimedAt, &c.ClaimedBy, &c.CreatedAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.RedeemCodeStatus(status)
	return &c, nil
}

func (r *Repository) SaveRedeemCode(ctx context.Context, tx pgx.Tx, c *models.RedeemCode) error {
	_, err := tx.Exec(ctx, `
		UPDATE redeem_codes SET status = $2, claimed_at = $3, claimed_by = $4 WHERE id = $1
	`, c.ID, string(c.Status), c.ClaimedAt, c.ClaimedBy)
	return err
}

// ExpireLicenses flips ACTIVE licenses past expires_at to EXPIRED.
func (r *Repository) ExpireLicenses(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE license_keys SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireRedeemCodes flips UNCLAIMED codes past valid_until to EXPIRED.
func (r *Repository) ExpireRedeemCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE redeem_codes SET status = 'EXPIRED'
		WHERE status = 'UNCLAIMED' AND valid_until IS NOT NULL AND valid_until <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) ListLicensesForUser(ctx context.Context, userID uuid.UUID) ([]*models.LicenseKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.id, l.key, l.status, l.tier, l.vendor, l.activation_count,
		       l.expires_at, l.activated_at, l.deactivated_at, l.created_at
		FROM license_keys l
		INNER JOIN user_license_keys u ON u.license_key_id = l.id
		WHERE u.user_id = $1
		ORDER BY u.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.LicenseKey{}
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}
