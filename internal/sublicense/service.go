// Package sublicense carves seats out of a main license and hands them to
// other users by email.
package sublicense

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/authz"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/worker"
)

type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockLicense(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LicenseKey, error)
	LicenseKey(ctx context.Context, id uuid.UUID) (string, error)
	CountForLicense(ctx context.Context, tx pgx.Tx, licenseID uuid.UUID) (int, error)
	Insert(ctx context.Context, tx pgx.Tx, s *models.SubLicense) error
	Get(ctx context.Context, id uuid.UUID) (*models.SubLicense, error)
	AssignIfFree(ctx context.Context, tx pgx.Tx, id uuid.UUID, email string) (bool, error)
	ClearAssignment(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error
	DeactivateSeatActivations(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (int64, error)
	ListForLicense(ctx context.Context, licenseID uuid.UUID) ([]*Seat, error)
	HeldBy(ctx context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error)
}

type Notifier interface {
	Notify(ctx context.Context, args worker.NotifyArgs)
}

// Seat is a sub-license as shown to the owner. AssigneeAccountID is set when
// the assigned email belongs to a registered account.
type Seat struct {
	*models.SubLicense
	AssigneeAccountID *uuid.UUID `json:"assignee_account_id,omitempty"`
}

type Service interface {
	Create(ctx context.Context, ownerID, licenseKeyID uuid.UUID, quantity int) ([]*models.SubLicense, error)
	Assign(ctx context.Context, ownerID, subLicenseID uuid.UUID, email string) (*models.SubLicense, error)
	Remove(ctx context.Context, ownerID, subLicenseID uuid.UUID) error
	List(ctx context.Context, ownerID, licenseKeyID uuid.UUID) ([]*Seat, error)
	HeldBy(ctx context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error)
}

type service struct {
	store    Store
	owners   authz.OwnershipChecker
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, owners authz.OwnershipChecker, notifier Notifier, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, owners: owners, notifier: notifier, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

// NormalizeEmail trims and lowercases an address and checks it parses.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.New(apperr.KindInvalidInput, "invalid email address")
	}
	return email, nil
}

// Create adds quantity unassigned seats. The license row is locked so two
// concurrent requests cannot both pass the tier bound.
func (s *service) Create(ctx context.Context, ownerID, licenseKeyID uuid.UUID, quantity int) ([]*models.SubLicense, error) {
	if quantity < 1 {
		return nil, apperr.New(apperr.KindInvalidInput, "quantity must be at least 1")
	}
	if err := authz.RequireLicenseOwner(ctx, s.owners, ownerID, licenseKeyID); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	lic, err := s.store.LockLicense(ctx, tx, licenseKeyID)
	if err != nil {
		return nil, fmt.Errorf("lock license: %w", err)
	}
	if lic == nil {
		return nil, apperr.New(apperr.KindNotFound, "license not found")
	}
	if !lic.ActiveAt(s.now()) {
		return nil, apperr.New(apperr.KindLicenseInactive, "license is not active")
	}
	existing, err := s.store.CountForLicense(ctx, tx, lic.ID)
	if err != nil {
		return nil, err
	}
	if limit := models.SeatsForTier(lic.Tier); existing+quantity > limit {
		return nil, apperr.New(apperr.KindSeatLimitExceeded,
			fmt.Sprintf("tier %d allows %d sub-licenses, %d already exist", lic.Tier, limit, existing))
	}

	out := make([]*models.SubLicense, 0, quantity)
	for i := 0; i < quantity; i++ {
		sl := &models.SubLicense{
			ID:               uuid.New(),
			Key:              uuid.NewString(),
			MainLicenseKeyID: lic.ID,
			Status:           models.SubLicenseInactive,
		}
		if err := s.store.Insert(ctx, tx, sl); err != nil {
			return nil, fmt.Errorf("insert sub-license: %w", err)
		}
		out = append(out, sl)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("sub-licenses created", "license_id", lic.ID, "quantity", quantity)
	return out, nil
}

// seatForOwner loads a seat and checks ownerID holds its main license.
func (s *service) seatForOwner(ctx context.Context, ownerID, subLicenseID uuid.UUID) (*models.SubLicense, error) {
	sl, err := s.store.Get(ctx, subLicenseID)
	if err != nil {
		return nil, err
	}
	if sl == nil {
		return nil, apperr.New(apperr.KindNotFound, "sub-license not found")
	}
	if err := authz.RequireLicenseOwner(ctx, s.owners, ownerID, sl.MainLicenseKeyID); err != nil {
		return nil, err
	}
	return sl, nil
}

func (s *service) Assign(ctx context.Context, ownerID, subLicenseID uuid.UUID, email string) (*models.SubLicense, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	sl, err := s.seatForOwner(ctx, ownerID, subLicenseID)
	if err != nil {
		return nil, err
	}
	if sl.Assigned() {
		return nil, apperr.New(apperr.KindAssignmentConflict, "sub-license is already assigned")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	lic, err := s.store.LockLicense(ctx, tx, sl.MainLicenseKeyID)
	if err != nil {
		return nil, fmt.Errorf("lock license: %w", err)
	}
	if !lic.ActiveAt(s.now()) {
		return nil, apperr.New(apperr.KindLicenseInactive, "license is not active")
	}
	ok, err := s.store.AssignIfFree(ctx, tx, sl.ID, email)
	if err != nil {
		return nil, fmt.Errorf("assign sub-license: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindAssignmentConflict, "sub-license is already assigned")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	sl.AssignedEmail = &email
	sl.Status = models.SubLicenseActive
	sl.DeactivatedAt = nil

	data := map[string]string{"sub_license_key": sl.Key}
	if key, err := s.store.LicenseKey(ctx, sl.MainLicenseKeyID); err != nil {
		s.log.Warn("load license key for notification", "error", err)
	} else if key != "" {
		data["license_key"] = key
	}
	s.notifier.Notify(ctx, worker.NotifyArgs{
		Recipient: email,
		Template:  worker.TemplateSubLicenseAssigned,
		Data:      data,
	})
	return sl, nil
}

// Remove frees a seat and turns off any live activation made through it.
// The row itself is kept.
func (s *service) Remove(ctx context.Context, ownerID, subLicenseID uuid.UUID) error {
	sl, err := s.seatForOwner(ctx, ownerID, subLicenseID)
	if err != nil {
		return err
	}
	now := s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.store.ClearAssignment(ctx, tx, sl.ID, now); err != nil {
		return fmt.Errorf("clear assignment: %w", err)
	}
	n, err := s.store.DeactivateSeatActivations(ctx, tx, sl.ID, now)
	if err != nil {
		return fmt.Errorf("deactivate seat activations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("sub-license removed", "sub_license_id", sl.ID, "activations_closed", n)
	return nil
}

func (s *service) List(ctx context.Context, ownerID, licenseKeyID uuid.UUID) ([]*Seat, error) {
	if err := authz.RequireLicenseOwner(ctx, s.owners, ownerID, licenseKeyID); err != nil {
		return nil, err
	}
	list, err := s.store.ListForLicense(ctx, licenseKeyID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*Seat{}
	}
	return list, nil
}

func (s *service) HeldBy(ctx context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error) {
	return s.store.HeldBy(ctx, userID, strings.TrimSpace(email))
}
