package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/repository"
	"app/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// LicenseHandler serves the compliance snapshot and the entitlement check.
type LicenseHandler struct {
	licenseSvc *service.LicenseService
	logger     zerolog.Logger
}

// NewLicenseHandler creates a new LicenseHandler.
func NewLicenseHandler(licenseSvc *service.LicenseService, logger zerolog.Logger) *LicenseHandler {
	return &LicenseHandler{licenseSvc: licenseSvc, logger: logger}
}

// RegisterRoutes registers the license endpoints. Both run behind auth but
// deliberately outside the license gate: a blocked account must still be able
// to see why it is blocked.
func (h *LicenseHandler) RegisterRoutes(r chi.Router, authMw func(http.Handler) http.Handler) {
	r.Group(func(g chi.Router) {
		g.Use(authMw)
		g.Get("/license/status", h.status)
		g.Post("/license/validate", h.validateAccess)
	})
}

// status godoc
// @Summary License compliance snapshot
// @Description Returns seat counts, location usage and grace period state for client banners.
// @Tags license
// @Produce json
// @Success 200 {object} model.LicenseStatus
// @Failure 404 {string} string "subscription not found"
// @Router /license/status [get]
func (h *LicenseHandler) status(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())
	status, err := h.licenseSvc.Status(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Msg("failed to build license status")
		http.Error(w, "failed to build license status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, status)
}

// validateAccess godoc
// @Summary Validate device entitlement
// @Description Verifies the device's seat binding, records the usage observation and enforces lockout.
// @Tags license
// @Accept json
// @Produce json
// @Param signals body dto.ValidateAccessRequest true "Device signals"
// @Success 200 {object} model.LicenseStatus
// @Failure 402 {string} string "payment past due"
// @Failure 403 {string} string "blocked or device not bound"
// @Failure 404 {string} string "subscription not found"
// @Router /license/validate [post]
func (h *LicenseHandler) validateAccess(w http.ResponseWriter, r *http.Request) {
	var req dto.ValidateAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}

	accountID := middleware.AccountID(r.Context())
	status, err := h.licenseSvc.ValidateAccess(r.Context(), accountID, signalsFromRequest(r, req.Signals))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSubscriptionNotFound):
			http.Error(w, "subscription not found", http.StatusNotFound)
		case errors.Is(err, service.ErrSubscriptionBlocked):
			http.Error(w, "license_blocked", http.StatusForbidden)
		case errors.Is(err, service.ErrSubscriptionInactive):
			http.Error(w, "subscription_inactive", http.StatusForbidden)
		case errors.Is(err, service.ErrDeviceNotBound):
			http.Error(w, "device_not_bound", http.StatusForbidden)
		case errors.Is(err, service.ErrPaymentPastDue):
			http.Error(w, "payment_past_due", http.StatusPaymentRequired)
		default:
			h.logger.Error().Err(err).Msg("failed to validate access")
			http.Error(w, "failed to validate access", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, h.logger, status)
}
