package sublicense

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/validate"
)

type CreateRequest struct {
	Quantity int `json:"quantity"`
}

type AssignRequest struct {
	Email string `json:"email"`
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

// POST /api/v1/licenses/{id}/sublicenses
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, licenseID, ok := h.callerAndPathID(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if err := h.v.Decode(r, validate.CreateSubLicenses, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	seats, err := h.svc.Create(r.Context(), ownerID, licenseID, req.Quantity)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, seats)
}

// GET /api/v1/licenses/{id}/sublicenses
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, licenseID, ok := h.callerAndPathID(w, r)
	if !ok {
		return
	}
	seats, err := h.svc.List(r.Context(), ownerID, licenseID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, seats)
}

// POST /api/v1/sublicenses/{id}/assignment
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	ownerID, subID, ok := h.callerAndPathID(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := h.v.Decode(r, validate.AssignSubLicense, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	seat, err := h.svc.Assign(r.Context(), ownerID, subID, req.Email)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, seat)
}

// DELETE /api/v1/sublicenses/{id}/assignment
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	ownerID, subID, ok := h.callerAndPathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Remove(r.Context(), ownerID, subID); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) callerAndPathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperr.Write(w, h.log, apperr.New(apperr.KindInvalidInput, "invalid id in path"))
		return uuid.Nil, uuid.Nil, false
	}
	return userID, id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
