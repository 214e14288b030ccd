package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/database"
	"github.com/ollyhq/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = apperr.New(apperr.KindInvalidInput, "email already registered")

// ErrInvalidCredentials covers both unknown email and wrong password.
var ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid email or password")

// AccountStore is satisfied by repository.AccountRepo.
type AccountStore interface {
	Create(ctx context.Context, a *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

type Service interface {
	Register(ctx context.Context, email, password, name string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, *models.Account, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
	IssueSession(userID uuid.UUID, role string) (string, error)
}

type service struct {
	accounts AccountStore
	secret   []byte
	ttl      time.Duration
	admins   map[string]bool
	now      func() time.Time
}

// NewService returns the identity service. Accounts registered with one of
// adminEmails get the admin role.
func NewService(accounts AccountStore, secret string, ttl time.Duration, adminEmails ...string) Service {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[NormalizeEmail(e)] = true
	}
	return &service{accounts: accounts, secret: []byte(secret), ttl: ttl, admins: admins, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NormalizeEmail trims and lowercases an address for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *service) Register(ctx context.Context, email, password, name string) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		ID:           uuid.New(),
		Email:        NormalizeEmail(email),
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Role:         models.RoleUser,
	}
	if s.admins[acc.Email] {
		acc.Role = models.RoleAdmin
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, *models.Account, error) {
	acc, err := s.accounts.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", nil, err
	}
	if acc == nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.IssueSession(acc.ID, acc.Role)
	if err != nil {
		return "", nil, err
	}
	return token, acc, nil
}

// IssueSession signs an HS256 session token for userID.
func (s *service) IssueSession(userID uuid.UUID, role string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
