package router

import (
	"net/http"
	"strings"

	"github.com/ollyhq/backend/internal/auth"
	"github.com/ollyhq/backend/internal/dashboard"
	"github.com/ollyhq/backend/internal/exchange"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/registry"
	"github.com/ollyhq/backend/internal/sublicense"
)

const base = "/api/v1"

type Handlers struct {
	Auth       *auth.Handler
	Registry   *registry.Handler
	SubLicense *sublicense.Handler
	Exchange   *exchange.Handler
	Dashboard  *dashboard.Handler
}

// New returns an http.Handler that serves the API under /api/v1. authenticate
// guards every route except registration, login, token redemption and /healthz.
func New(h Handlers, authenticate func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	user := func(pattern string, fn http.HandlerFunc) {
		method, path := split(pattern)
		mux.Handle(method+" "+base+path, authenticate(fn))
	}
	admin := func(pattern string, fn http.HandlerFunc) {
		method, path := split(pattern)
		mux.Handle(method+" "+base+"/admin"+path, authenticate(middleware.RequireAdmin(fn)))
	}
	public := func(pattern string, fn http.HandlerFunc) {
		method, path := split(pattern)
		mux.HandleFunc(method+" "+base+path, fn)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	public("POST /auth/register", h.Auth.Register)
	public("POST /auth/login", h.Auth.Login)
	public("POST /extension/token/redeem", h.Exchange.Redeem)

	user("POST /licenses/validate", h.Registry.Validate)
	user("PUT /licenses/activate", h.Registry.Activate)
	user("GET /licenses", h.Registry.ListForUser)
	user("POST /licenses/redeem", h.Registry.Redeem)
	user("GET /activations", h.Registry.ListActivations)
	user("DELETE /activations/{id}", h.Registry.Deactivate)

	user("POST /licenses/{id}/sublicenses", h.SubLicense.Create)
	user("GET /licenses/{id}/sublicenses", h.SubLicense.List)
	user("POST /sublicenses/{id}/assignment", h.SubLicense.Assign)
	user("DELETE /sublicenses/{id}/assignment", h.SubLicense.Remove)

	user("POST /extension/token", h.Exchange.Issue)

	user("GET /account/me", h.Dashboard.GetMe)
	user("GET /credits", h.Dashboard.GetBalance)
	user("GET /credits/transactions", h.Dashboard.ListTransactions)
	user("POST /credits/transactions", h.Dashboard.ApplyTransaction)
	user("GET /api-keys", h.Dashboard.ListAPIKeys)
	user("POST /api-keys", h.Dashboard.CreateAPIKey)
	user("DELETE /api-keys/{id}", h.Dashboard.RevokeAPIKey)

	admin("POST /licenses", h.Registry.CreateLicense)
	admin("POST /licenses/{id}/deactivate", h.Registry.DeactivateLicense)
	admin("POST /redeem-codes", h.Registry.CreateRedeemCodes)
	admin("POST /credits", h.Dashboard.AdminApplyTransaction)
	admin("GET /credits/{account_id}/reconcile", h.Dashboard.Reconcile)

	return mux
}

func split(pattern string) (method, path string) {
	method, path, _ = strings.Cut(pattern, " ")
	return method, path
}
