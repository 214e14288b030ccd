package exchange

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/validate"
)

type RedeemRequest struct {
	Token string `json:"token"`
}

type Handler struct {
	svc Service
	v   *validate.Validator
	log *slog.Logger
}

func NewHandler(svc Service, v *validate.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, v: v, log: log}
}

// POST /api/v1/extension/token
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req IssueRequest
	if err := h.v.Decode(r, validate.IssueToken, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	issued, err := h.svc.Issue(r.Context(), userID, req)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// POST /api/v1/extension/token/redeem. Unauthenticated: the token is the credential.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := h.v.Decode(r, validate.RedeemToken, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	res, err := h.svc.Redeem(r.Context(), req.Token)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
