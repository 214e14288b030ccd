package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/auth"
	"github.com/ollyhq/backend/internal/dashboard"
	"github.com/ollyhq/backend/internal/exchange"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/registry"
	"github.com/ollyhq/backend/internal/sublicense"
)

// stubAuth admits requests carrying X-Test-Role and rejects the rest.
func stubAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Test-Role")
		if role == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		id := &middleware.Identity{UserID: uuid.New(), Role: role}
		next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), id)))
	})
}

func newTestRouter() http.Handler {
	return New(Handlers{
		Auth:       auth.NewHandler(nil, nil, nil),
		Registry:   registry.NewHandler(nil, nil, nil),
		SubLicense: sublicense.NewHandler(nil, nil, nil),
		Exchange:   exchange.NewHandler(nil, nil, nil),
		Dashboard:  dashboard.NewHandler(nil, nil, nil, nil, nil, nil, nil),
	}, stubAuth)
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRoutes_RequireAuthentication(t *testing.T) {
	h := newTestRouter()
	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/licenses"},
		{http.MethodPut, "/api/v1/licenses/activate"},
		{http.MethodDelete, "/api/v1/activations/" + uuid.NewString()},
		{http.MethodPost, "/api/v1/extension/token"},
		{http.MethodGet, "/api/v1/credits"},
		{http.MethodPost, "/api/v1/admin/licenses"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", p.method, p.path, w.Code)
		}
	}
}

func TestAdminRoutes_RejectUsers(t *testing.T) {
	h := newTestRouter()
	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/admin/licenses"},
		{http.MethodPost, "/api/v1/admin/licenses/" + uuid.NewString() + "/deactivate"},
		{http.MethodPost, "/api/v1/admin/redeem-codes"},
		{http.MethodPost, "/api/v1/admin/credits"},
		{http.MethodGet, "/api/v1/admin/credits/" + uuid.NewString() + "/reconcile"},
	}
	for _, p := range paths {
		r := httptest.NewRequest(p.method, p.path, nil)
		r.Header.Set("X-Test-Role", models.RoleUser)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", p.method, p.path, w.Code)
		}
	}
}

func TestRoutes_WrongMethod(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/licenses/activate", nil)
	r.Header.Set("X-Test-Role", models.RoleUser)
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}
