package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/models"
)

type stubChecker struct {
	owns bool
	err  error
}

func (s stubChecker) OwnsLicense(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return s.owns, s.err
}

func TestRequireLicenseOwner(t *testing.T) {
	ctx := context.Background()
	if err := RequireLicenseOwner(ctx, stubChecker{owns: true}, uuid.New(), uuid.New()); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := RequireLicenseOwner(ctx, stubChecker{}, uuid.New(), uuid.New()); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	boom := errors.New("db gone")
	if err := RequireLicenseOwner(ctx, stubChecker{err: boom}, uuid.New(), uuid.New()); !errors.Is(err, boom) {
		t.Fatalf("lookup error not propagated: %v", err)
	}
}

func TestActivationOwnedBy(t *testing.T) {
	u := uuid.New()
	if !ActivationOwnedBy(&models.Activation{UserID: u}, u) {
		t.Fatal("own activation rejected")
	}
	if ActivationOwnedBy(&models.Activation{UserID: uuid.New()}, u) || ActivationOwnedBy(nil, u) {
		t.Fatal("foreign or nil activation accepted")
	}
}

func TestSubLicenseHeldBy(t *testing.T) {
	u := uuid.New()
	email := "Bob@Example.com"
	lower := "bob@example.com"

	cases := []struct {
		name string
		sl   *models.SubLicense
		want bool
	}{
		{"bound to user", &models.SubLicense{AssignedUserID: &u}, true},
		{"bound to another user wins over email", &models.SubLicense{AssignedUserID: ptr(uuid.New()), AssignedEmail: &lower}, false},
		{"email match ignores case", &models.SubLicense{AssignedEmail: &lower}, true},
		{"unassigned", &models.SubLicense{}, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SubLicenseHeldBy(tc.sl, u, email); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAPIKeyOwnedBy(t *testing.T) {
	u := uuid.New()
	if !APIKeyOwnedBy(&models.APIKey{AccountID: u}, u) || APIKeyOwnedBy(&models.APIKey{AccountID: uuid.New()}, u) {
		t.Fatal("api key ownership mismatch")
	}
}

func ptr[T any](v T) *T { return &v }
