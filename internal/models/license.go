package models

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus is the lifecycle state of a license key. DEACTIVATED and
// EXPIRED are terminal; rows are never deleted.
type LicenseStatus string

const (
	LicenseUnredeemed  LicenseStatus = "UNREDEEMED"
	LicenseActive      LicenseStatus = "ACTIVE"
	LicenseDeactivated LicenseStatus = "DEACTIVATED"
	LicenseExpired     LicenseStatus = "EXPIRED"
)

// Tier limits. Tier N allows SeatsForTier(N) sub-licenses.
const (
	MinTier = 1
	MaxTier = 5
)

var tierSeats = map[int]int{1: 0, 2: 4, 3: 9, 4: 14, 5: 19}

// SeatsForTier returns how many sub-licenses a license of the given tier may carve out.
func SeatsForTier(tier int) int {
	return tierSeats[tier]
}

// ValidTier reports whether tier is within MinTier..MaxTier.
func ValidTier(tier int) bool {
	return tier >= MinTier && tier <= MaxTier
}

type LicenseKey struct {
	ID              uuid.UUID     `json:"id"`
	Key             string        `json:"key"`
	Status          LicenseStatus `json:"status"`
	Tier            int           `json:"tier"`
	Vendor          string        `json:"vendor"`
	ActivationCount int           `json:"activation_count"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	ActivatedAt     *time.Time    `json:"activated_at,omitempty"`
	DeactivatedAt   *time.Time    `json:"deactivated_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ActiveAt reports whether the license grants access at now. An ACTIVE license
// past its expiry is treated as expired even before the sweep marks it.
func (l *LicenseKey) ActiveAt(now time.Time) bool {
	if l == nil || l.Status != LicenseActive {
		return false
	}
	return l.ExpiresAt == nil || now.Before(*l.ExpiresAt)
}

// Activation records one device binding itself to a license.
type Activation struct {
	ID                 uuid.UUID  `json:"id"`
	LicenseKeyID       uuid.UUID  `json:"license_key_id"`
	SubLicenseID       *uuid.UUID `json:"sub_license_id,omitempty"`
	UserID             uuid.UUID  `json:"user_id"`
	ActivationToken    string     `json:"-"`
	ActivatedAt        time.Time  `json:"activated_at"`
	CurrentlyActivated bool       `json:"currently_activated"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	Device
}

// Device is the fingerprint captured at activation. Every field is optional.
type Device struct {
	DeviceType     *string `json:"device_type,omitempty"`
	DeviceModel    *string `json:"device_model,omitempty"`
	OSName         *string `json:"os_name,omitempty"`
	OSVersion      *string `json:"os_version,omitempty"`
	Browser        *string `json:"browser,omitempty"`
	BrowserVersion *string `json:"browser_version,omitempty"`
	IPAddress      *string `json:"ip_address,omitempty"`
}
