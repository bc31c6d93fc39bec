package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/model"
	"app/internal/repository"
	"app/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// SeatHandler handles invite redemption and seat management endpoints.
type SeatHandler struct {
	seatSvc  *service.SeatService
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewSeatHandler creates a new SeatHandler.
func NewSeatHandler(seatSvc *service.SeatService, validate *validator.Validate, logger zerolog.Logger) *SeatHandler {
	return &SeatHandler{seatSvc: seatSvc, validate: validate, logger: logger}
}

// RegisterRoutes registers the seat endpoints. Redemption, seat listing,
// revoke and delete stay outside the license gate: they are how a blocked
// account remediates its way back to compliance. Only re-activating a seat is
// a gated action.
func (h *SeatHandler) RegisterRoutes(r chi.Router, authMw, licenseGate func(http.Handler) http.Handler) {
	r.Group(func(g chi.Router) {
		g.Use(authMw)
		g.Post("/invites/redeem", h.redeemInvite)
		g.Get("/seats", h.listSeats)
		g.Post("/seats/{seatID}/revoke", h.revokeSeat)
		g.Delete("/seats/{seatID}", h.deleteSeat)
		g.Group(func(p chi.Router) {
			p.Use(licenseGate)
			p.Patch("/seats/{seatID}", h.toggleSeat)
		})
	})
}

// redeemInvite godoc
// @Summary Redeem an invite code and bind the device
// @Description Claims the seat holding the invite code and binds it to the calling device's fingerprint.
// @Tags seats
// @Accept json
// @Produce json
// @Param invite body dto.RedeemInviteRequest true "Invite redemption request"
// @Success 200 {object} dto.RedeemInviteResponse
// @Failure 400 {string} string "invalid request payload"
// @Failure 404 {string} string "invalid invite code"
// @Failure 409 {string} string "invite already used"
// @Failure 410 {string} string "invite expired"
// @Router /invites/redeem [post]
func (h *SeatHandler) redeemInvite(w http.ResponseWriter, r *http.Request) {
	var req dto.RedeemInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	seat, err := h.seatSvc.Redeem(r.Context(), req.Code, signalsFromRequest(r, req.Signals))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSeatNotFound):
			http.Error(w, "invalid invite code", http.StatusNotFound)
		case errors.Is(err, repository.ErrInviteAlreadyUsed):
			http.Error(w, "invite already used", http.StatusConflict)
		case errors.Is(err, repository.ErrDeviceAlreadyBound):
			http.Error(w, "device already holds a seat", http.StatusConflict)
		case errors.Is(err, repository.ErrInviteExpired):
			http.Error(w, "invite expired", http.StatusGone)
		default:
			h.logger.Error().Err(err).Msg("failed to redeem invite")
			http.Error(w, "failed to redeem invite", http.StatusInternalServerError)
		}
		return
	}

	resp := dto.RedeemInviteResponse{
		SeatID:         seat.ID,
		SubscriptionID: seat.SubscriptionID,
	}
	if seat.ClaimedAt != nil {
		resp.ClaimedAt = seat.ClaimedAt.Format(time.RFC3339)
	}
	writeJSON(w, h.logger, resp)
}

// listSeats godoc
// @Summary List seats under the account's subscription
// @Tags seats
// @Produce json
// @Success 200 {array} dto.SeatResponse
// @Failure 404 {string} string "subscription not found"
// @Router /seats [get]
func (h *SeatHandler) listSeats(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())
	sub, err := h.seatSvc.ResolveSubscription(r.Context(), accountID)
	if err != nil {
		h.subscriptionError(w, err)
		return
	}
	seats, err := h.seatSvc.ListSeats(r.Context(), sub.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list seats")
		http.Error(w, "failed to list seats", http.StatusInternalServerError)
		return
	}

	resp := make([]dto.SeatResponse, 0, len(seats))
	for _, s := range seats {
		resp = append(resp, seatResponse(&s))
	}
	writeJSON(w, h.logger, resp)
}

// revokeSeat godoc
// @Summary Revoke a seat and regenerate its invite
// @Description Clears the device binding, permanently invalidates the old code and returns a fresh one.
// @Tags seats
// @Produce json
// @Success 200 {object} dto.RevokeSeatResponse
// @Failure 404 {string} string "seat not found"
// @Router /seats/{seatID}/revoke [post]
func (h *SeatHandler) revokeSeat(w http.ResponseWriter, r *http.Request) {
	seat, ok := h.ownedSeat(w, r)
	if !ok {
		return
	}
	invite, err := h.seatSvc.Revoke(r.Context(), seat.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("seat_id", seat.ID).Msg("failed to revoke seat")
		http.Error(w, "failed to revoke seat", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, dto.RevokeSeatResponse{
		SeatID:        invite.SeatID,
		NewInviteCode: invite.Code,
		Last4:         invite.Last4,
	})
}

// toggleSeat godoc
// @Summary Toggle a seat's billing participation
// @Tags seats
// @Accept json
// @Produce json
// @Param toggle body dto.ToggleSeatRequest true "Activation toggle"
// @Success 200 {object} dto.SeatResponse
// @Failure 400 {string} string "invalid request payload"
// @Failure 404 {string} string "seat not found"
// @Router /seats/{seatID} [patch]
func (h *SeatHandler) toggleSeat(w http.ResponseWriter, r *http.Request) {
	seat, ok := h.ownedSeat(w, r)
	if !ok {
		return
	}
	var req dto.ToggleSeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := h.seatSvc.SetLocationActive(r.Context(), seat.ID, *req.Active)
	if err != nil {
		h.logger.Error().Err(err).Str("seat_id", seat.ID).Msg("failed to toggle seat")
		http.Error(w, "failed to toggle seat", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, seatResponse(updated))
}

// deleteSeat godoc
// @Summary Delete a seat
// @Tags seats
// @Success 204 {string} string "deleted"
// @Failure 404 {string} string "seat not found"
// @Router /seats/{seatID} [delete]
func (h *SeatHandler) deleteSeat(w http.ResponseWriter, r *http.Request) {
	seat, ok := h.ownedSeat(w, r)
	if !ok {
		return
	}
	if err := h.seatSvc.DeleteLocation(r.Context(), seat.ID); err != nil {
		h.logger.Error().Err(err).Str("seat_id", seat.ID).Msg("failed to delete seat")
		http.Error(w, "failed to delete seat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSeat resolves the seat from the URL and verifies it belongs to the
// authenticated account, writing the error response itself on failure.
func (h *SeatHandler) ownedSeat(w http.ResponseWriter, r *http.Request) (*model.Seat, bool) {
	accountID := middleware.AccountID(r.Context())
	seatID := chi.URLParam(r, "seatID")
	seat, err := h.seatSvc.SeatForAccount(r.Context(), accountID, seatID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSeatNotFound), errors.Is(err, repository.ErrSubscriptionNotFound):
			http.Error(w, "seat not found", http.StatusNotFound)
		default:
			h.logger.Error().Err(err).Str("seat_id", seatID).Msg("failed to resolve seat")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return seat, true
}

func (h *SeatHandler) subscriptionError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	h.logger.Error().Err(err).Msg("failed to resolve subscription")
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func seatResponse(s *model.Seat) dto.SeatResponse {
	return dto.SeatResponse{
		ID:              s.ID,
		Status:          s.Status,
		Active:          s.Active,
		InviteCodeLast4: s.InviteCodeLast4,
		CodeIssuedAt:    s.CodeIssuedAt,
		ClaimedAt:       s.ClaimedAt,
		RevokedAt:       s.RevokedAt,
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
