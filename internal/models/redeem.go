package models

import (
	"time"

	"github.com/google/uuid"
)

type RedeemCodeStatus string

const (
	RedeemUnclaimed RedeemCodeStatus = "UNCLAIMED"
	RedeemClaimed   RedeemCodeStatus = "CLAIMED"
	RedeemExpired   RedeemCodeStatus = "EXPIRED"
)

// RedeemCode unlocks one license (and optional plan credits) when claimed.
type RedeemCode struct {
	ID           uuid.UUID        `json:"id"`
	Code         string           `json:"code"`
	LicenseKeyID uuid.UUID        `json:"license_key_id"`
	Status       RedeemCodeStatus `json:"status"`
	Credits      int64            `json:"credits"`
	ValidUntil   *time.Time       `json:"valid_until,omitempty"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"`
	ClaimedBy    *uuid.UUID       `json:"claimed_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
