package registry

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/authz"
	"github.com/ollyhq/backend/internal/ledger"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/worker"
)

const (
	DefaultVendor   = "local"
	MaxRedeemBatch  = 500
	licenseKeyBytes = 8
	redeemCodeLen   = 10
)

// Store is the persistence the registry needs. Methods taking a pgx.Tx run
// inside the caller's transaction; lookups return nil, nil when nothing matches.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.LicenseKey, error)
	GetLicense(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error)
	FindSubLicenseByKey(ctx context.Context, key string) (*models.SubLicense, error)
	LockLicenseByKey(ctx context.Context, tx pgx.Tx, key string) (*models.LicenseKey, error)
	LockLicense(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LicenseKey, error)
	LockSubLicenseByKey(ctx context.Context, tx pgx.Tx, key string) (*models.SubLicense, error)
	AccountEmail(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (string, error)
	InsertActivation(ctx context.Context, tx pgx.Tx, a *models.Activation) error
	MarkLicenseActivated(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error
	LinkUser(ctx context.Context, tx pgx.Tx, userID, licenseKeyID uuid.UUID) error
	BindSubLicense(ctx context.Context, tx pgx.Tx, subLicenseID, userID uuid.UUID) error
	GetActivation(ctx context.Context, id uuid.UUID) (*models.Activation, error)
	DeactivateActivation(ctx context.Context, userID, id uuid.UUID, now time.Time) (bool, error)
	ListActivations(ctx context.Context, userID uuid.UUID) ([]*models.Activation, error)
	InsertLicense(ctx context.Context, tx pgx.Tx, l *models.LicenseKey) error
	SetLicenseStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.LicenseStatus) error
	DeactivateLicense(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	InsertRedeemCode(ctx context.Context, tx pgx.Tx, c *models.RedeemCode) error
	LockRedeemCode(ctx context.Context, tx pgx.Tx, code string) (*models.RedeemCode, error)
	SaveRedeemCode(ctx context.Context, tx pgx.Tx, c *models.RedeemCode) error
	ExpireLicenses(ctx context.Context, now time.Time) (int64, error)
	ExpireRedeemCodes(ctx context.Context, now time.Time) (int64, error)
	ListLicensesForUser(ctx context.Context, userID uuid.UUID) ([]*models.LicenseKey, error)
}

// Notifier is satisfied by *worker.Notifier.
type Notifier interface {
	Notify(ctx context.Context, args worker.NotifyArgs)
}

type Service interface {
	Validate(ctx context.Context, key string) (*Validation, error)
	Activate(ctx context.Context, key string, userID uuid.UUID, device models.Device) (*ActivationResult, error)
	Deactivate(ctx context.Context, userID, activationID uuid.UUID) error
	ListActivations(ctx context.Context, userID uuid.UUID) ([]*models.Activation, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.LicenseKey, error)
	CreateLicense(ctx context.Context, req NewLicense) (*models.LicenseKey, error)
	DeactivateLicense(ctx context.Context, licenseID uuid.UUID) error
	CreateRedeemCodes(ctx context.Context, batch RedeemBatch) ([]*IssuedCode, error)
	Redeem(ctx context.Context, userID uuid.UUID, code string) (*RedeemResult, error)
	ExpireOverdue(ctx context.Context, now time.Time) (licenses, codes int64, err error)
}

// Validation describes a key without revealing whether an unknown key exists.
type Validation struct {
	Valid            bool                 `json:"valid"`
	Status           models.LicenseStatus `json:"status,omitempty"`
	Tier             int                  `json:"tier,omitempty"`
	Vendor           string               `json:"vendor,omitempty"`
	ExpiresAt        *time.Time           `json:"expires_at,omitempty"`
	IsSubLicense     bool                 `json:"is_sublicense"`
	ParentLicenseKey string               `json:"parent_license_key,omitempty"`
}

type ActivationResult struct {
	Activation      *models.Activation `json:"activation"`
	ActivationToken string             `json:"activation_token"`
	LicenseKey      string             `json:"license_key"`
	Tier            int                `json:"tier"`
	IsSubLicense    bool               `json:"is_sublicense"`
}

// NewLicense describes a purchased license. Purchases are ACTIVE at once;
// OwnerID links the buyer so they can manage seats before any activation.
type NewLicense struct {
	Tier      int        `json:"tier"`
	Vendor    string     `json:"vendor"`
	ExpiresAt *time.Time `json:"expires_at"`
	OwnerID   *uuid.UUID `json:"owner_id"`
}

type RedeemBatch struct {
	Tier             int        `json:"tier"`
	Vendor           string     `json:"vendor"`
	Credits          int64      `json:"credits"`
	Quantity         int        `json:"quantity"`
	ValidUntil       *time.Time `json:"valid_until"`
	LicenseExpiresAt *time.Time `json:"license_expires_at"`
}

type IssuedCode struct {
	Code       string     `json:"code"`
	LicenseKey string     `json:"license_key"`
	Tier       int        `json:"tier"`
	Credits    int64      `json:"credits"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

type RedeemResult struct {
	License        *models.LicenseKey `json:"license"`
	CreditsGranted int64              `json:"credits_granted"`
	Balance        *int64             `json:"balance,omitempty"`
}

type service struct {
	store    Store
	credits  ledger.Service
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, credits ledger.Service, notifier Notifier, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, credits: credits, notifier: notifier, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// Validate fails closed: unknown, inactive and expired keys are invalid, not errors.
func (s *service) Validate(ctx context.Context, key string) (*Validation, error) {
	key = normalizeKey(key)
	if key == "" {
		return &Validation{}, nil
	}
	now := s.now()

	lic, err := s.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic != nil {
		return &Validation{
			Valid:     lic.ActiveAt(now),
			Status:    lic.Status,
			Tier:      lic.Tier,
			Vendor:    lic.Vendor,
			ExpiresAt: lic.ExpiresAt,
		}, nil
	}

	sub, err := s.store.FindSubLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &Validation{}, nil
	}
	main, err := s.store.GetLicense(ctx, sub.MainLicenseKeyID)
	if err != nil {
		return nil, err
	}
	if main == nil {
		return &Validation{}, nil
	}
	return &Validation{
		Valid:            sub.Status == models.SubLicenseActive && main.ActiveAt(now),
		Status:           main.Status,
		Tier:             main.Tier,
		Vendor:           main.Vendor,
		ExpiresAt:        main.ExpiresAt,
		IsSubLicense:     true,
		ParentLicenseKey: main.Key,
	}, nil
}

// inactiveReason explains why a license cannot be used at now, or returns "".
func inactiveReason(l *models.LicenseKey, now time.Time) string {
	switch {
	case l.ActiveAt(now):
		return ""
	case l.Status == models.LicenseDeactivated:
		return "license is deactivated"
	case l.Status == models.LicenseExpired || pastExpiry(l, now):
		return "license expired"
	default:
		return "license has not been redeemed"
	}
}

func pastExpiry(l *models.LicenseKey, now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Activate binds a device to a license or sub-license key. Every successful
// call appends a new Activation row.
func (s *service) Activate(ctx context.Context, key string, userID uuid.UUID, device models.Device) (*ActivationResult, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, apperr.New(apperr.KindNotActivated, "license key not found")
	}
	now := s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	email, err := s.store.AccountEmail(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	lic, err := s.store.LockLicenseByKey(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("lock license: %w", err)
	}
	var sub *models.SubLicense
	if lic == nil {
		sub, err = s.store.LockSubLicenseByKey(ctx, tx, key)
		if err != nil {
			return nil, fmt.Errorf("lock sub-license: %w", err)
		}
		if sub == nil {
			return nil, apperr.New(apperr.KindNotActivated, "license key not found")
		}
		if sub.Status != models.SubLicenseActive {
			return nil, apperr.New(apperr.KindNotActivated, "sub-license is not active")
		}
		if !authz.SubLicenseHeldBy(sub, userID, email) {
			return nil, apperr.New(apperr.KindUnauthorized, "sub-license is assigned to another user")
		}
		lic, err = s.store.LockLicense(ctx, tx, sub.MainLicenseKeyID)
		if err != nil {
			return nil, fmt.Errorf("lock main license: %w", err)
		}
		if lic == nil {
			return nil, apperr.New(apperr.KindNotActivated, "license key not found")
		}
	}
	if reason := inactiveReason(lic, now); reason != "" {
		return nil, apperr.New(apperr.KindNotActivated, reason)
	}

	token, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	a := &models.Activation{
		ID:                 uuid.New(),
		LicenseKeyID:       lic.ID,
		UserID:             userID,
		ActivationToken:    token,
		ActivatedAt:        now,
		CurrentlyActivated: true,
		Device:             device,
	}
	if sub != nil {
		a.SubLicenseID = &sub.ID
	}
	if err := s.store.InsertActivation(ctx, tx, a); err != nil {
		return nil, fmt.Errorf("insert activation: %w", err)
	}
	if err := s.store.MarkLicenseActivated(ctx, tx, lic.ID, now); err != nil {
		return nil, fmt.Errorf("mark license activated: %w", err)
	}
	if sub != nil {
		err = s.store.BindSubLicense(ctx, tx, sub.ID, userID)
	} else {
		err = s.store.LinkUser(ctx, tx, userID, lic.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("link user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit activation: %w", err)
	}
	s.log.Info("license activated", "license_id", lic.ID, "user_id", userID, "activation_id", a.ID, "sub_license", sub != nil)

	if lic.ActivationCount == 0 && sub == nil {
		s.notifier.Notify(ctx, worker.NotifyArgs{
			Recipient: email,
			Template:  worker.TemplateLicenseActivated,
			Data:      map[string]string{"license_key": lic.Key, "tier": strconv.Itoa(lic.Tier)},
		})
	}

	return &ActivationResult{
		Activation:      a,
		ActivationToken: token,
		LicenseKey:      lic.Key,
		Tier:            lic.Tier,
		IsSubLicense:    sub != nil,
	}, nil
}

// Deactivate flips the caller's live activation off. Foreign, unknown and
// already inactive activations all report NotFound.
func (s *service) Deactivate(ctx context.Context, userID, activationID uuid.UUID) error {
	a, err := s.store.GetActivation(ctx, activationID)
	if err != nil {
		return err
	}
	if !authz.ActivationOwnedBy(a, userID) {
		return apperr.New(apperr.KindNotFound, "activation not found")
	}
	ok, err := s.store.DeactivateActivation(ctx, userID, activationID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "activation not found")
	}
	return nil
}

func (s *service) ListActivations(ctx context.Context, userID uuid.UUID) ([]*models.Activation, error) {
	return s.store.ListActivations(ctx, userID)
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.LicenseKey, error) {
	return s.store.ListLicensesForUser(ctx, userID)
}

func (s *service) CreateLicense(ctx context.Context, req NewLicense) (*models.LicenseKey, error) {
	if !models.ValidTier(req.Tier) {
		return nil, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("tier must be between %d and %d", models.MinTier, models.MaxTier))
	}
	if pastExpiry(&models.LicenseKey{ExpiresAt: req.ExpiresAt}, s.now()) {
		return nil, apperr.New(apperr.KindInvalidInput, "expires_at must be in the future")
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if req.OwnerID != nil {
		email, err := s.store.AccountEmail(ctx, tx, *req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("load owner: %w", err)
		}
		if email == "" {
			return nil, apperr.New(apperr.KindNotFound, "owner account not found")
		}
	}
	l, err := s.insertLicense(ctx, tx, models.LicenseActive, req.Tier, req.Vendor, req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != nil {
		if err := s.store.LinkUser(ctx, tx, *req.OwnerID, l.ID); err != nil {
			return nil, fmt.Errorf("link owner: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("license created", "license_id", l.ID, "tier", l.Tier, "owner_id", req.OwnerID)
	return l, nil
}

func (s *service) insertLicense(ctx context.Context, tx pgx.Tx, status models.LicenseStatus, tier int, vendor string, expiresAt *time.Time) (*models.LicenseKey, error) {
	key, err := newLicenseKey()
	if err != nil {
		return nil, err
	}
	vendor = strings.TrimSpace(vendor)
	if vendor == "" {
		vendor = DefaultVendor
	}
	l := &models.LicenseKey{
		ID:        uuid.New(),
		Key:       key,
		Status:    status,
		Tier:      tier,
		Vendor:    vendor,
		ExpiresAt: expiresAt,
	}
	if err := s.store.InsertLicense(ctx, tx, l); err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}
	return l, nil
}

func (s *service) DeactivateLicense(ctx context.Context, licenseID uuid.UUID) error {
	ok, err := s.store.DeactivateLicense(ctx, licenseID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "license not found or already deactivated")
	}
	return nil
}

// CreateRedeemCodes mints one UNREDEEMED license and one code per unit, all in
// a single transaction.
func (s *service) CreateRedeemCodes(ctx context.Context, batch RedeemBatch) ([]*IssuedCode, error) {
	if !models.ValidTier(batch.Tier) {
		return nil, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("tier must be between %d and %d", models.MinTier, models.MaxTier))
	}
	if batch.Quantity < 1 || batch.Quantity > MaxRedeemBatch {
		return nil, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("quantity must be between 1 and %d", MaxRedeemBatch))
	}
	if batch.Credits < 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "credits must not be negative")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := make([]*IssuedCode, 0, batch.Quantity)
	for i := 0; i < batch.Quantity; i++ {
		l, err := s.insertLicense(ctx, tx, models.LicenseUnredeemed, batch.Tier, batch.Vendor, batch.LicenseExpiresAt)
		if err != nil {
			return nil, err
		}
		code, err := newRedeemCode()
		if err != nil {
			return nil, err
		}
		c := &models.RedeemCode{
			ID:           uuid.New(),
			Code:         code,
			LicenseKeyID: l.ID,
			Status:       models.RedeemUnclaimed,
			Credits:      batch.Credits,
			ValidUntil:   batch.ValidUntil,
		}
		if err := s.store.InsertRedeemCode(ctx, tx, c); err != nil {
			return nil, fmt.Errorf("insert redeem code: %w", err)
		}
		out = append(out, &IssuedCode{
			Code:       c.Code,
			LicenseKey: l.Key,
			Tier:       l.Tier,
			Credits:    c.Credits,
			ValidUntil: c.ValidUntil,
		})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Redeem claims a code: its license becomes ACTIVE and linked to userID, and
// any plan credits are granted in the same transaction.
func (s *service) Redeem(ctx context.Context, userID uuid.UUID, code string) (*RedeemResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.store.LockRedeemCode(ctx, tx, code)
	if err != nil {
		return nil, fmt.Errorf("lock redeem code: %w", err)
	}
	if c == nil {
		return nil, apperr.New(apperr.KindNotFound, "redeem code not found")
	}
	switch c.Status {
	case models.RedeemClaimed:
		return nil, apperr.New(apperr.KindAssignmentConflict, "redeem code already claimed")
	case models.RedeemExpired:
		return nil, apperr.New(apperr.KindLicenseInactive, "redeem code expired")
	}
	if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
		c.Status = models.RedeemExpired
		if err := s.store.SaveRedeemCode(ctx, tx, c); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.KindLicenseInactive, "redeem code expired")
	}

	lic, err := s.store.LockLicense(ctx, tx, c.LicenseKeyID)
	if err != nil {
		return nil, fmt.Errorf("lock license: %w", err)
	}
	if lic == nil {
		return nil, fmt.Errorf("redeem code %s references missing license %s", c.ID, c.LicenseKeyID)
	}
	if lic.Status == models.LicenseDeactivated || lic.Status == models.LicenseExpired || pastExpiry(lic, now) {
		return nil, apperr.New(apperr.KindLicenseInactive, inactiveReason(lic, now))
	}
	if lic.Status == models.LicenseUnredeemed {
		if err := s.store.SetLicenseStatus(ctx, tx, lic.ID, models.LicenseActive); err != nil {
			return nil, err
		}
		lic.Status = models.LicenseActive
	}
	if err := s.store.LinkUser(ctx, tx, userID, lic.ID); err != nil {
		return nil, err
	}

	res := &RedeemResult{License: lic, CreditsGranted: c.Credits}
	if c.Credits > 0 {
		applied, err := s.credits.ApplyTx(ctx, tx, userID, c.Credits, models.TxPlanCredits, "redeem code "+c.Code)
		if err != nil {
			return nil, err
		}
		res.Balance = &applied.Balance
	}

	c.Status = models.RedeemClaimed
	c.ClaimedAt = &now
	c.ClaimedBy = &userID
	if err := s.store.SaveRedeemCode(ctx, tx, c); err != nil {
		return nil, err
	}
	email, err := s.store.AccountEmail(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit redeem: %w", err)
	}

	s.notifier.Notify(ctx, worker.NotifyArgs{
		Recipient: email,
		Template:  worker.TemplateRedeemCodeClaimed,
		Data: map[string]string{
			"license_key": lic.Key,
			"credits":     strconv.FormatInt(c.Credits, 10),
		},
	})
	return res, nil
}

// ExpireOverdue is the sweep body. Running it twice in a row changes nothing the second time.
func (s *service) ExpireOverdue(ctx context.Context, now time.Time) (int64, int64, error) {
	licenses, err := s.store.ExpireLicenses(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	codes, err := s.store.ExpireRedeemCodes(ctx, now)
	if err != nil {
		return licenses, 0, err
	}
	return licenses, codes, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newLicenseKey returns OLLY-XXXX-XXXX-XXXX-XXXX in uppercase hex.
func newLicenseKey() (string, error) {
	h, err := randomHex(licenseKeyBytes)
	if err != nil {
		return "", err
	}
	h = strings.ToUpper(h)
	return "OLLY-" + h[0:4] + "-" + h[4:8] + "-" + h[8:12] + "-" + h[12:16], nil
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newRedeemCode() (string, error) {
	b := make([]byte, 7)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return codeEncoding.EncodeToString(b)[:redeemCodeLen], nil
}
