package models

import (
	"time"

	"github.com/google/uuid"
)

// TemporaryToken hands an authenticated web session to the browser extension.
// At most one of LicenseKeyID and SubLicenseID is set. Only the hash of the
// raw token is ever stored.
type TemporaryToken struct {
	TokenHash    string
	ExpiresAt    time.Time
	LicenseKeyID *uuid.UUID
	SubLicenseID *uuid.UUID
	APIKeyID     *uuid.UUID
	UserID       *uuid.UUID
	CreatedAt    time.Time
}

// ExpiredAt reports whether the token is dead at now.
func (t *TemporaryToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
