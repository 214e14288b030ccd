package sublicense

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/testutil"
	"github.com/ollyhq/backend/internal/validate"
	"github.com/ollyhq/backend/internal/worker"
)

// ---------------------------------------------------------------------------
// In-memory Store behind a testutil.Gate.
// ---------------------------------------------------------------------------

type memStore struct {
	gate        testutil.Gate
	mu          sync.Mutex
	licenses    map[uuid.UUID]models.LicenseKey
	seats       map[uuid.UUID]models.SubLicense
	accounts    map[string]uuid.UUID
	liveBySeat  map[uuid.UUID]int
	failAssign  error
	insertOrder []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		licenses:   make(map[uuid.UUID]models.LicenseKey),
		seats:      make(map[uuid.UUID]models.SubLicense),
		accounts:   make(map[string]uuid.UUID),
		liveBySeat: make(map[uuid.UUID]int),
	}
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) {
	return s.gate.Begin(func() func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		seats, live, order := maps.Clone(s.seats), maps.Clone(s.liveBySeat), append([]uuid.UUID(nil), s.insertOrder...)
		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.seats, s.liveBySeat, s.insertOrder = seats, live, order
		}
	}), nil
}

func (s *memStore) LockLicense(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *memStore) LicenseKey(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.licenses[id].Key, nil
}

func (s *memStore) CountForLicense(_ context.Context, _ pgx.Tx, licenseID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.seats {
		if sl.MainLicenseKeyID == licenseID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Insert(_ context.Context, _ pgx.Tx, sl *models.SubLicense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.CreatedAt = time.Now()
	s.seats[sl.ID] = *sl
	s.insertOrder = append(s.insertOrder, sl.ID)
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*models.SubLicense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.seats[id]
	if !ok {
		return nil, nil
	}
	return &sl, nil
}

func (s *memStore) seat(id uuid.UUID) models.SubLicense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seats[id]
}

func (s *memStore) AssignIfFree(_ context.Context, _ pgx.Tx, id uuid.UUID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAssign != nil {
		return false, s.failAssign
	}
	sl, ok := s.seats[id]
	if !ok || sl.Assigned() {
		return false, nil
	}
	sl.AssignedEmail = &email
	sl.Status = models.SubLicenseActive
	sl.DeactivatedAt = nil
	s.seats[id] = sl
	return true, nil
}

func (s *memStore) ClearAssignment(_ context.Context, _ pgx.Tx, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.seats[id]
	sl.AssignedEmail = nil
	sl.AssignedUserID = nil
	sl.Status = models.SubLicenseInactive
	sl.DeactivatedAt = &now
	s.seats[id] = sl
	return nil
}

func (s *memStore) DeactivateSeatActivations(_ context.Context, _ pgx.Tx, id uuid.UUID, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.liveBySeat[id]
	s.liveBySeat[id] = 0
	return int64(n), nil
}

func (s *memStore) ListForLicense(_ context.Context, licenseID uuid.UUID) ([]*Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Seat
	for _, id := range s.insertOrder {
		sl := s.seats[id]
		if sl.MainLicenseKeyID != licenseID {
			continue
		}
		seat := &Seat{SubLicense: &sl}
		if sl.AssignedEmail != nil {
			if acc, ok := s.accounts[strings.ToLower(*sl.AssignedEmail)]; ok {
				seat.AssigneeAccountID = &acc
			}
		}
		out = append(out, seat)
	}
	return out, nil
}

func (s *memStore) HeldBy(_ context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SubLicense
	for _, id := range s.insertOrder {
		sl := s.seats[id]
		if sl.Status != models.SubLicenseActive {
			continue
		}
		held := sl.AssignedUserID != nil && *sl.AssignedUserID == userID
		if sl.AssignedUserID == nil && sl.AssignedEmail != nil {
			held = strings.EqualFold(*sl.AssignedEmail, email)
		}
		if held {
			out = append(out, &sl)
		}
	}
	return out, nil
}

type owners map[[2]uuid.UUID]bool

func (o owners) OwnsLicense(_ context.Context, userID, licenseKeyID uuid.UUID) (bool, error) {
	return o[[2]uuid.UUID{userID, licenseKeyID}], nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []worker.NotifyArgs
}

func (f *fakeNotifier) Notify(_ context.Context, args worker.NotifyArgs) {
	f.mu.Lock()
	f.sent = append(f.sent, args)
	f.mu.Unlock()
}

type fixture struct {
	store   *memStore
	svc     Service
	notes   *fakeNotifier
	owner   uuid.UUID
	license models.LicenseKey
}

func newFixture(t *testing.T, tier int, status models.LicenseStatus) *fixture {
	t.Helper()
	store := newMemStore()
	owner := uuid.New()
	lic := models.LicenseKey{ID: uuid.New(), Key: "OLLY-TEST-0000-0000-0001", Status: status, Tier: tier}
	store.licenses[lic.ID] = lic
	notes := &fakeNotifier{}
	svc := NewService(store, owners{{owner, lic.ID}: true}, notes, nil)
	return &fixture{store: store, svc: svc, notes: notes, owner: owner, license: lic}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_RespectsTierBound(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	ctx := context.Background()

	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 3)
	require.NoError(t, err)
	require.Len(t, seats, 3)
	for _, s := range seats {
		assert.Equal(t, models.SubLicenseInactive, s.Status)
		assert.False(t, s.Assigned())
		_, err := uuid.Parse(s.Key)
		assert.NoError(t, err)
	}

	_, err = f.svc.Create(ctx, f.owner, f.license.ID, 2)
	assert.ErrorIs(t, err, apperr.ErrSeatLimitExceeded)

	_, err = f.svc.Create(ctx, f.owner, f.license.ID, 1)
	require.NoError(t, err)
	assert.Len(t, f.store.seats, models.SeatsForTier(2))
}

func TestCreate_TierOneHasNoSeats(t *testing.T) {
	f := newFixture(t, 1, models.LicenseActive)
	_, err := f.svc.Create(context.Background(), f.owner, f.license.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrSeatLimitExceeded)
}

func TestCreate_ConcurrentRequestsCannotOvershoot(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, limited int
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, f.owner, f.license.ID, 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrSeatLimitExceeded):
				limited++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, limited)
	assert.Len(t, f.store.seats, 3)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t, 3, models.LicenseActive)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, uuid.New(), f.license.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.Create(ctx, f.owner, f.license.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	inactive := newFixture(t, 3, models.LicenseDeactivated)
	_, err = inactive.svc.Create(ctx, inactive.owner, inactive.license.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrLicenseInactive)
	assert.Empty(t, inactive.store.seats)
}

// ---------------------------------------------------------------------------
// Assign / Remove
// ---------------------------------------------------------------------------

func TestAssign_ThenConflict(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	ctx := context.Background()
	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 1)
	require.NoError(t, err)
	id := seats[0].ID

	sl, err := f.svc.Assign(ctx, f.owner, id, "  Bob@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", *sl.AssignedEmail)
	assert.Equal(t, models.SubLicenseActive, sl.Status)

	require.Len(t, f.notes.sent, 1)
	assert.Equal(t, worker.TemplateSubLicenseAssigned, f.notes.sent[0].Template)
	assert.Equal(t, "bob@example.com", f.notes.sent[0].Recipient)
	assert.Equal(t, f.license.Key, f.notes.sent[0].Data["license_key"])

	_, err = f.svc.Assign(ctx, f.owner, id, "carol@example.com")
	assert.ErrorIs(t, err, apperr.ErrAssignmentConflict)
	assert.Equal(t, "bob@example.com", *f.store.seat(id).AssignedEmail)
	assert.Len(t, f.notes.sent, 1)
}

func TestAssign_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t, 3, models.LicenseActive)
	ctx := context.Background()
	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 1)
	require.NoError(t, err)
	id := seats[0].ID

	emails := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	errs := make([]error, len(emails))
	var wg sync.WaitGroup
	for i, e := range emails {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Assign(ctx, f.owner, id, e)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAssignmentConflict)
	}
	assert.Equal(t, 1, wins)
}

func TestAssign_Rejections(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	ctx := context.Background()
	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.Assign(ctx, uuid.New(), seats[0].ID, "bob@example.com")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.Assign(ctx, f.owner, seats[0].ID, "not-an-email")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Assign(ctx, f.owner, uuid.New(), "bob@example.com")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.store.failAssign = errors.New("db down")
	_, err = f.svc.Assign(ctx, f.owner, seats[0].ID, "bob@example.com")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Empty(t, f.notes.sent)
}

func TestAssign_RequiresActiveLicense(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	ctx := context.Background()
	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 1)
	require.NoError(t, err)

	lic := f.license
	lic.Status = models.LicenseDeactivated
	f.store.mu.Lock()
	f.store.licenses[lic.ID] = lic
	f.store.mu.Unlock()

	_, err = f.svc.Assign(ctx, f.owner, seats[0].ID, "bob@example.com")
	assert.ErrorIs(t, err, apperr.ErrLicenseInactive)
	assert.Nil(t, f.store.seat(seats[0].ID).AssignedEmail)
	assert.Empty(t, f.notes.sent)
}

func TestRemove_FreesSeatForReassignment(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	ctx := context.Background()
	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 1)
	require.NoError(t, err)
	id := seats[0].ID

	_, err = f.svc.Assign(ctx, f.owner, id, "bob@example.com")
	require.NoError(t, err)
	f.store.liveBySeat[id] = 2

	assert.ErrorIs(t, f.svc.Remove(ctx, uuid.New(), id), apperr.ErrUnauthorized)
	require.NoError(t, f.svc.Remove(ctx, f.owner, id))

	sl := f.store.seat(id)
	assert.Equal(t, models.SubLicenseInactive, sl.Status)
	assert.Nil(t, sl.AssignedEmail)
	assert.Nil(t, sl.AssignedUserID)
	assert.NotNil(t, sl.DeactivatedAt)
	assert.Zero(t, f.store.liveBySeat[id])

	_, err = f.svc.Assign(ctx, f.owner, id, "carol@example.com")
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// List / HeldBy
// ---------------------------------------------------------------------------

func TestList_ResolvesAssigneeAccount(t *testing.T) {
	f := newFixture(t, 3, models.LicenseActive)
	ctx := context.Background()
	bob := uuid.New()
	f.store.accounts["bob@example.com"] = bob

	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 2)
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, f.owner, seats[0].ID, "bob@example.com")
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, f.owner, seats[1].ID, "stranger@example.com")
	require.NoError(t, err)

	list, err := f.svc.List(ctx, f.owner, f.license.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NotNil(t, list[0].AssigneeAccountID)
	assert.Equal(t, bob, *list[0].AssigneeAccountID)
	assert.Nil(t, list[1].AssigneeAccountID)

	_, err = f.svc.List(ctx, uuid.New(), f.license.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestHeldBy(t *testing.T) {
	f := newFixture(t, 3, models.LicenseActive)
	ctx := context.Background()
	seats, err := f.svc.Create(ctx, f.owner, f.license.ID, 2)
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, f.owner, seats[0].ID, "bob@example.com")
	require.NoError(t, err)

	held, err := f.svc.HeldBy(ctx, uuid.New(), "BOB@example.com")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, seats[0].ID, held[0].ID)

	held, err = f.svc.HeldBy(ctx, uuid.New(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, held)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_AssignInvalidEmail(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	h := NewHandler(f.svc, validate.MustNew(), nil)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/sublicenses/x/assignment", strings.NewReader(`{"email":"nope"}`))
	r.SetPathValue("id", uuid.NewString())
	r = r.WithContext(middleware.WithIdentity(r.Context(), &middleware.Identity{UserID: f.owner, Role: models.RoleUser}))
	w := httptest.NewRecorder()
	h.Assign(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"InvalidInput"`)
}

func TestHandler_CreateSeatLimit(t *testing.T) {
	f := newFixture(t, 1, models.LicenseActive)
	h := NewHandler(f.svc, validate.MustNew(), nil)

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":1}`))
	r.SetPathValue("id", f.license.ID.String())
	r = r.WithContext(middleware.WithIdentity(r.Context(), &middleware.Identity{UserID: f.owner, Role: models.RoleUser}))
	w := httptest.NewRecorder()
	h.Create(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"SeatLimitExceeded"`)
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(t, 2, models.LicenseActive)
	h := NewHandler(f.svc, validate.MustNew(), nil)

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
