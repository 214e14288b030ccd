// Package exchange hands an authenticated web session to the browser
// extension through a short-lived, single-use token.
package exchange

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/authz"
	"github.com/ollyhq/backend/internal/models"
)

// DefaultTTL is the redemption window of a temporary token.
const DefaultTTL = 10 * time.Minute

const tokenBytes = 32

// Directory resolves the ids bound to a token. Lookups return nil, nil when
// nothing matches.
type Directory interface {
	License(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error)
	FirstActiveLicense(ctx context.Context, userID uuid.UUID, now time.Time) (*models.LicenseKey, error)
	SubLicense(ctx context.Context, id uuid.UUID) (*models.SubLicense, error)
	Account(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// APIKeys is satisfied by *repository.APIKeyRepo.
type APIKeys interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
}

// Seats is satisfied by sublicense.Service.
type Seats interface {
	HeldBy(ctx context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error)
}

// Sessions is satisfied by auth.Service.
type Sessions interface {
	IssueSession(userID uuid.UUID, role string) (string, error)
}

// IssueRequest binds the token to at most one of a license or a seat.
// Leaving both unset issues a token for whatever the user holds at redemption.
type IssueRequest struct {
	LicenseKeyID *uuid.UUID `json:"license_key_id,omitempty"`
	SubLicenseID *uuid.UUID `json:"sub_license_id,omitempty"`
	APIKeyID     *uuid.UUID `json:"api_key_id,omitempty"`
}

type Issued struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Redemption is what the extension receives in exchange for a token.
type Redemption struct {
	SessionToken   string     `json:"session_token"`
	UserID         uuid.UUID  `json:"user_id"`
	Email          string     `json:"email"`
	LicenseKey     string     `json:"license_key,omitempty"`
	LicenseKeyID   *uuid.UUID `json:"license_key_id,omitempty"`
	MainLicenseKey string     `json:"main_license_key,omitempty"`
	SubLicenseID   *uuid.UUID `json:"sub_license_id,omitempty"`
	Tier           int        `json:"tier,omitempty"`
	APIKeyID       *uuid.UUID `json:"api_key_id,omitempty"`
	IsSubLicense   bool       `json:"is_sublicense"`
	FreeUser       bool       `json:"free_user"`
}

type Service interface {
	Issue(ctx context.Context, userID uuid.UUID, req IssueRequest) (*Issued, error)
	Redeem(ctx context.Context, rawToken string) (*Redemption, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type service struct {
	tokens   TokenStore
	dir      Directory
	owners   authz.OwnershipChecker
	apiKeys  APIKeys
	seats    Seats
	sessions Sessions
	ttl      time.Duration
	log      *slog.Logger
	now      func() time.Time
}

type Config struct {
	Tokens   TokenStore
	Dir      Directory
	Owners   authz.OwnershipChecker
	APIKeys  APIKeys
	Seats    Seats
	Sessions Sessions
	TTL      time.Duration
	Log      *slog.Logger
}

func NewService(c Config) Service {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return &service{
		tokens:   c.Tokens,
		dir:      c.Dir,
		owners:   c.Owners,
		apiKeys:  c.APIKeys,
		seats:    c.Seats,
		sessions: c.Sessions,
		ttl:      c.TTL,
		log:      c.Log,
		now:      time.Now,
	}
}

var _ Service = (*service)(nil)

// HashToken is the only form of a token that is ever stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *service) Issue(ctx context.Context, userID uuid.UUID, req IssueRequest) (*Issued, error) {
	if req.LicenseKeyID != nil && req.SubLicenseID != nil {
		return nil, apperr.New(apperr.KindInvalidInput, "set license_key_id or sub_license_id, not both")
	}
	now := s.now()

	switch {
	case req.LicenseKeyID != nil:
		if err := s.checkLicense(ctx, userID, *req.LicenseKeyID, now); err != nil {
			return nil, err
		}
	case req.SubLicenseID != nil:
		if err := s.checkSeat(ctx, userID, *req.SubLicenseID, now); err != nil {
			return nil, err
		}
	}
	if req.APIKeyID != nil {
		k, err := s.apiKeys.GetByID(ctx, *req.APIKeyID)
		if err != nil {
			return nil, err
		}
		if !authz.APIKeyOwnedBy(k, userID) || !k.IsActive {
			return nil, apperr.New(apperr.KindUnauthorized, "api key does not belong to you")
		}
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	t := &models.TemporaryToken{
		TokenHash:    HashToken(raw),
		ExpiresAt:    now.Add(s.ttl),
		LicenseKeyID: req.LicenseKeyID,
		SubLicenseID: req.SubLicenseID,
		APIKeyID:     req.APIKeyID,
		UserID:       &userID,
	}
	if err := s.tokens.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save temporary token: %w", err)
	}
	return &Issued{Token: raw, ExpiresAt: t.ExpiresAt}, nil
}

func (s *service) checkLicense(ctx context.Context, userID, licenseID uuid.UUID, now time.Time) error {
	l, err := s.dir.License(ctx, licenseID)
	if err != nil {
		return err
	}
	if l == nil {
		return apperr.New(apperr.KindNotFound, "license not found")
	}
	if err := authz.RequireLicenseOwner(ctx, s.owners, userID, licenseID); err != nil {
		return err
	}
	if !l.ActiveAt(now) {
		return apperr.New(apperr.KindLicenseInactive, "license is not active")
	}
	return nil
}

func (s *service) checkSeat(ctx context.Context, userID, subLicenseID uuid.UUID, now time.Time) error {
	sl, err := s.dir.SubLicense(ctx, subLicenseID)
	if err != nil {
		return err
	}
	if sl == nil {
		return apperr.New(apperr.KindNotFound, "sub-license not found")
	}
	acc, err := s.dir.Account(ctx, userID)
	if err != nil {
		return err
	}
	if acc == nil || !authz.SubLicenseHeldBy(sl, userID, acc.Email) {
		return apperr.New(apperr.KindUnauthorized, "sub-license is not assigned to you")
	}
	if sl.Status != models.SubLicenseActive {
		return apperr.New(apperr.KindLicenseInactive, "sub-license is not active")
	}
	main, err := s.dir.License(ctx, sl.MainLicenseKeyID)
	if err != nil {
		return err
	}
	if !main.ActiveAt(now) {
		return apperr.New(apperr.KindLicenseInactive, "license is not active")
	}
	return nil
}

// Redeem consumes the token. Unknown, already used and expired tokens fail
// with the same error so callers cannot tell them apart.
func (s *service) Redeem(ctx context.Context, rawToken string) (*Redemption, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, apperr.ErrTokenExpiredOrInvalid
	}
	now := s.now()

	t, err := s.tokens.Consume(ctx, HashToken(rawToken))
	if err != nil {
		return nil, fmt.Errorf("consume temporary token: %w", err)
	}
	if t == nil || t.ExpiredAt(now) || t.UserID == nil {
		return nil, apperr.ErrTokenExpiredOrInvalid
	}

	acc, err := s.dir.Account(ctx, *t.UserID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperr.ErrTokenExpiredOrInvalid
	}
	out := &Redemption{UserID: acc.ID, Email: acc.Email, APIKeyID: t.APIKeyID}

	switch {
	case t.SubLicenseID != nil:
		sl, err := s.dir.SubLicense(ctx, *t.SubLicenseID)
		if err != nil {
			return nil, err
		}
		ok, err := s.resolveSeat(ctx, out, sl, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.ErrTokenExpiredOrInvalid
		}
	case t.LicenseKeyID != nil:
		l, err := s.dir.License(ctx, *t.LicenseKeyID)
		if err != nil {
			return nil, err
		}
		if !l.ActiveAt(now) {
			return nil, apperr.ErrTokenExpiredOrInvalid
		}
		resolveLicense(out, l)
	default:
		if err := s.resolveHoldings(ctx, out, now); err != nil {
			return nil, err
		}
	}

	session, err := s.sessions.IssueSession(acc.ID, acc.Role)
	if err != nil {
		return nil, err
	}
	out.SessionToken = session
	s.log.Info("temporary token redeemed", "user_id", acc.ID, "free_user", out.FreeUser, "sub_license", out.IsSubLicense)
	return out, nil
}

func resolveLicense(out *Redemption, l *models.LicenseKey) {
	out.LicenseKey = l.Key
	out.LicenseKeyID = &l.ID
	out.MainLicenseKey = l.Key
	out.Tier = l.Tier
}

// resolveSeat reports the seat's own key and its main license's key and id.
// It reports false, leaving out untouched, when the seat or its main license
// can no longer be used.
func (s *service) resolveSeat(ctx context.Context, out *Redemption, sl *models.SubLicense, now time.Time) (bool, error) {
	if sl == nil || sl.Status != models.SubLicenseActive {
		return false, nil
	}
	main, err := s.dir.License(ctx, sl.MainLicenseKeyID)
	if err != nil {
		return false, err
	}
	if !main.ActiveAt(now) {
		return false, nil
	}
	resolveLicense(out, main)
	out.LicenseKey = sl.Key
	out.SubLicenseID = &sl.ID
	out.IsSubLicense = true
	return true, nil
}

// resolveHoldings picks the user's first active license, then their first
// usable held seat. A user with neither is a free user.
func (s *service) resolveHoldings(ctx context.Context, out *Redemption, now time.Time) error {
	l, err := s.dir.FirstActiveLicense(ctx, out.UserID, now)
	if err != nil {
		return err
	}
	if l != nil {
		resolveLicense(out, l)
		return nil
	}
	held, err := s.seats.HeldBy(ctx, out.UserID, out.Email)
	if err != nil {
		return err
	}
	for _, sl := range held {
		ok, err := s.resolveSeat(ctx, out, sl, now)
		if err != nil || ok {
			return err
		}
	}
	out.FreeUser = true
	return nil
}

func (s *service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.tokens.PurgeExpired(ctx, now)
}
