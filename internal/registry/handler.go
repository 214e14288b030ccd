package registry

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/apperr"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/validate"
)

type LicenseKeyRequest struct {
	LicenseKey string `json:"license_key"`
}

type RedeemCodeRequest struct {
	Code string `json:"code"`
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

// POST /api/v1/licenses/validate
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req LicenseKeyRequest
	if err := h.v.Decode(r, validate.LicenseKey, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	res, err := h.svc.Validate(r.Context(), req.LicenseKey)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PUT /api/v1/licenses/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req LicenseKeyRequest
	if err := h.v.Decode(r, validate.LicenseKey, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	res, err := h.svc.Activate(r.Context(), req.LicenseKey, userID, DeviceFromRequest(r))
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/v1/licenses
func (h *Handler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListForUser(r.Context(), userID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.LicenseKey{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/v1/activations
func (h *Handler) ListActivations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListActivations(r.Context(), userID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.Activation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DELETE /api/v1/activations/{id}
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperr.Write(w, h.log, apperr.New(apperr.KindInvalidInput, "invalid activation id"))
		return
	}
	if err := h.svc.Deactivate(r.Context(), userID, id); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/licenses/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req RedeemCodeRequest
	if err := h.v.Decode(r, validate.RedeemCode, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	res, err := h.svc.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/v1/admin/licenses
func (h *Handler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req NewLicense
	if err := h.v.Decode(r, validate.CreateLicense, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	l, err := h.svc.CreateLicense(r.Context(), req)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// POST /api/v1/admin/licenses/{id}/deactivate
func (h *Handler) DeactivateLicense(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperr.Write(w, h.log, apperr.New(apperr.KindInvalidInput, "invalid license id"))
		return
	}
	if err := h.svc.DeactivateLicense(r.Context(), id); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/admin/redeem-codes
func (h *Handler) CreateRedeemCodes(w http.ResponseWriter, r *http.Request) {
	var req RedeemBatch
	if err := h.v.Decode(r, validate.RedeemBatch, &req); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	codes, err := h.svc.CreateRedeemCodes(r.Context(), req)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, codes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
