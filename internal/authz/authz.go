// Package authz holds the ownership predicates checked before any mutation
// of an activation, license, sub-license or API key.
package authz

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/models"
)

// OwnershipChecker answers whether a user is linked to a license.
type OwnershipChecker interface {
	OwnsLicense(ctx context.Context, userID, licenseKeyID uuid.UUID) (bool, error)
}

// RequireLicenseOwner returns ErrUnauthorized unless userID holds the license.
func RequireLicenseOwner(ctx context.Context, c OwnershipChecker, userID, licenseKeyID uuid.UUID) error {
	ok, err := c.OwnsLicense(ctx, userID, licenseKeyID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrUnauthorized
	}
	return nil
}

func ActivationOwnedBy(a *models.Activation, userID uuid.UUID) bool {
	return a != nil && a.UserID == userID
}

// SubLicenseHeldBy matches on the bound user id first, then on the assigned email.
func SubLicenseHeldBy(s *models.SubLicense, userID uuid.UUID, email string) bool {
	if s == nil {
		return false
	}
	if s.AssignedUserID != nil {
		return *s.AssignedUserID == userID
	}
	return s.AssignedEmail != nil && email != "" && strings.EqualFold(*s.AssignedEmail, strings.TrimSpace(email))
}

func APIKeyOwnedBy(k *models.APIKey, userID uuid.UUID) bool {
	return k != nil && k.AccountID == userID
}

// Repository answers ownership questions from the user_license_keys join.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ OwnershipChecker = (*Repository)(nil)

func (r *Repository) OwnsLicense(ctx context.Context, userID, licenseKeyID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_license_keys WHERE user_id = $1 AND license_key_id = $2
		)
	`, userID, licenseKeyID).Scan(&ok)
	return ok, err
}
