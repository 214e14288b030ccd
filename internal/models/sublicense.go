package models

import (
	"time"

	"github.com/google/uuid"
)

type SubLicenseStatus string

const (
	SubLicenseActive   SubLicenseStatus = "ACTIVE"
	SubLicenseInactive SubLicenseStatus = "INACTIVE"
)

// SubLicense is one seat carved out of a main license.
type SubLicense struct {
	ID               uuid.UUID        `json:"id"`
	Key              string           `json:"key"`
	MainLicenseKeyID uuid.UUID        `json:"main_license_key_id"`
	Status           SubLicenseStatus `json:"status"`
	AssignedUserID   *uuid.UUID       `json:"assigned_user_id,omitempty"`
	AssignedEmail    *string          `json:"assigned_email,omitempty"`
	ActivationCount  int              `json:"activation_count"`
	CreatedAt        time.Time        `json:"created_at"`
	DeactivatedAt    *time.Time       `json:"deactivated_at,omitempty"`
}

// Assigned reports whether somebody holds this seat.
func (s *SubLicense) Assigned() bool {
	return s.AssignedUserID != nil || (s.AssignedEmail != nil && *s.AssignedEmail != "")
}
