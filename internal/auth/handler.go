package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/validate"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AccountResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type LoginResponse struct {
	Token   string          `json:"token"`
	Account AccountResponse `json:"account"`
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

// POST /api/v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.v.Decode(r, validate.Register, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	acc, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(accountToResponse(acc))
}

// POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.v.Decode(r, validate.Login, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	token, acc, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(LoginResponse{Token: token, Account: accountToResponse(acc)})
}

func accountToResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:    a.ID.String(),
		Email: a.Email,
		Name:  a.Name,
		Role:  a.Role,
	}
}
