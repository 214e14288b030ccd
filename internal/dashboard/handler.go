// Package dashboard serves the signed-in user's account view, credit ledger
// and API keys, plus the admin credit tools.
package dashboard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/authz"
	"github.com/ollyhq/backend/internal/ledger"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/validate"
)

// APIKeyPrefix marks raw keys handed to users.
const APIKeyPrefix = "olly_"

// Transaction types a user may apply to their own ledger. Everything else is
// granted by an admin or by redeem codes.
var selfServiceTypes = map[models.TransactionType]bool{
	models.TxSpent:          true,
	models.TxAutoCommenting: true,
}

type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type Licenses interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.LicenseKey, error)
}

type Seats interface {
	HeldBy(ctx context.Context, userID uuid.UUID, email string) ([]*models.SubLicense, error)
}

type APIKeys interface {
	Create(ctx context.Context, k *models.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	Revoke(ctx context.Context, id, accountID uuid.UUID) (bool, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error)
}

type Handler struct {
	accounts Accounts
	credits  ledger.Service
	licenses Licenses
	seats    Seats
	apiKeys  APIKeys
	v        *validate.Validator
	log      *slog.Logger
}

func NewHandler(
	accounts Accounts,
	credits ledger.Service,
	licenses Licenses,
	seats Seats,
	apiKeys APIKeys,
	v *validate.Validator,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		accounts: accounts,
		credits:  credits,
		licenses: licenses,
		seats:    seats,
		apiKeys:  apiKeys,
		v:        v,
		log:      log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return id, ok
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	acc, err := h.accounts.GetByID(ctx, accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	balance, err := h.credits.Balance(ctx, accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	licenses, err := h.licenses.ListForUser(ctx, accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	seats, err := h.seats.HeldBy(ctx, accountID, acc.Email)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if licenses == nil {
		licenses = []*models.LicenseKey{}
	}
	if seats == nil {
		seats = []*models.SubLicense{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           acc.ID,
		"email":        acc.Email,
		"name":         acc.Name,
		"role":         acc.Role,
		"balance":      balance,
		"licenses":     licenses,
		"sub_licenses": seats,
		"created_at":   acc.CreatedAt,
	})
}

// GET /api/v1/credits
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	balance, err := h.credits.Balance(r.Context(), accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// GET /api/v1/credits/transactions?limit=N
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			apperr.Write(w, h.log, apperr.New(apperr.KindInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	list, err := h.credits.History(r.Context(), accountID, limit)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type TransactionRequest struct {
	Amount      int64                  `json:"amount"`
	Type        models.TransactionType `json:"type"`
	Description string                 `json:"description"`
}

// POST /api/v1/credits/transactions
func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req TransactionRequest
	if err := h.v.Decode(r, validate.CreditTransaction, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if !selfServiceTypes[req.Type] {
		apperr.Write(w, h.log, apperr.New(apperr.KindUnauthorized, "only SPENT and AUTO_COMMENTING may be applied to your own ledger"))
		return
	}
	res, err := h.credits.Apply(r.Context(), accountID, req.Amount, req.Type, req.Description)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type AdminCreditRequest struct {
	AccountID   uuid.UUID              `json:"account_id"`
	Amount      int64                  `json:"amount"`
	Type        models.TransactionType `json:"type"`
	Description string                 `json:"description"`
}

// POST /api/v1/admin/credits
func (h *Handler) AdminApplyTransaction(w http.ResponseWriter, r *http.Request) {
	var req AdminCreditRequest
	if err := h.v.Decode(r, validate.AdminCredit, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if _, err := h.accounts.GetByID(r.Context(), req.AccountID); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	res, err := h.credits.Apply(r.Context(), req.AccountID, req.Amount, req.Type, req.Description)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	h.log.Info("admin credit transaction", "account_id", req.AccountID, "type", req.Type, "amount", req.Amount)
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/v1/admin/credits/{account_id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.PathValue("account_id"))
	if err != nil {
		apperr.Write(w, h.log, apperr.New(apperr.KindInvalidInput, "invalid account id"))
		return
	}
	rec, err := h.credits.Reconcile(r.Context(), accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if rec.Drift != 0 {
		h.log.Warn("credit ledger drift", "account_id", accountID, "balance", rec.Balance, "log_sum", rec.LogSum)
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/v1/api-keys
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	keys, err := h.apiKeys.ListByAccountID(r.Context(), accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// POST /api/v1/api-keys. The raw key is returned once and only its hash is kept.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := h.v.Decode(r, validate.CreateAPIKey, &struct{}{}); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	rawKey := APIKeyPrefix + hex.EncodeToString(rawBytes)

	k := &models.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		KeyHash:   middleware.HashKey(rawKey),
		KeyPrefix: rawKey[:12],
		IsActive:  true,
	}
	if err := h.apiKeys.Create(r.Context(), k); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         k.ID,
		"key_prefix": k.KeyPrefix,
		"is_active":  k.IsActive,
		"created_at": k.CreatedAt.Format(time.RFC3339),
		"raw_key":    rawKey,
	})
}

// DELETE /api/v1/api-keys/{id}
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperr.Write(w, h.log, apperr.New(apperr.KindInvalidInput, "invalid key id"))
		return
	}
	k, err := h.apiKeys.GetByID(r.Context(), keyID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if k == nil {
		apperr.Write(w, h.log, apperr.New(apperr.KindNotFound, "api key not found"))
		return
	}
	if !authz.APIKeyOwnedBy(k, accountID) {
		apperr.Write(w, h.log, apperr.ErrUnauthorized)
		return
	}
	revoked, err := h.apiKeys.Revoke(r.Context(), keyID, accountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if !revoked {
		apperr.Write(w, h.log, apperr.New(apperr.KindNotFound, "api key already revoked"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
