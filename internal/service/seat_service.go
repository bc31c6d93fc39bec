package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"app/internal/config"
	"app/internal/fingerprint"
	"app/internal/model"
	"app/internal/notify"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// QuantitySyncer pushes the locally observed active seat count back to the
// billing provider. Implemented by StripeService; injected after construction
// because the two services depend on each other.
type QuantitySyncer interface {
	SyncSeatQuantity(ctx context.Context, subscriptionID string) error
}

// SeatService owns the seat lifecycle: minting invite-backed seats up to the
// purchased quantity, redeeming codes onto devices, and the revoke/regenerate
// and activation flows.
type SeatService struct {
	cfg       *config.Config
	seatRepo  repository.SeatRepository
	subRepo   repository.SubscriptionRepository
	usageRepo repository.UsageRepository
	notifier  *notify.Notifier
	syncer    QuantitySyncer
	logger    zerolog.Logger
}

// NewSeatService creates a SeatService with a scoped logger.
func NewSeatService(cfg *config.Config, seatRepo repository.SeatRepository, subRepo repository.SubscriptionRepository, usageRepo repository.UsageRepository, notifier *notify.Notifier, logger zerolog.Logger) *SeatService {
	lg := logger.With().Str("service", "SeatService").Logger()
	return &SeatService{
		cfg:       cfg,
		seatRepo:  seatRepo,
		subRepo:   subRepo,
		usageRepo: usageRepo,
		notifier:  notifier,
		logger:    lg,
	}
}

// ResolveSubscription returns the account's subscription.
func (s *SeatService) ResolveSubscription(ctx context.Context, accountID string) (*model.Subscription, error) {
	return s.subRepo.GetByAccountID(ctx, accountID)
}

// SeatForAccount fetches a seat and verifies it belongs to the account's
// subscription. Seats under other subscriptions are indistinguishable from
// missing ones.
func (s *SeatService) SeatForAccount(ctx context.Context, accountID, seatID string) (*model.Seat, error) {
	sub, err := s.subRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	seat, err := s.seatRepo.GetSeat(ctx, seatID)
	if err != nil {
		return nil, err
	}
	if seat.SubscriptionID != sub.ID {
		return nil, repository.ErrSeatNotFound
	}
	return seat, nil
}

// SetQuantitySyncer wires the billing-side quantity syncer. Must be called
// before any activation toggles or deletes are served.
func (s *SeatService) SetQuantitySyncer(syncer QuantitySyncer) {
	s.syncer = syncer
}

// EnsureSeats tops the subscription up to its purchased seat quantity and
// returns the invites minted for the new seats. Seat slots are keyed by
// ordinal, so a duplicate billing event racing this call cannot double-mint:
// each slot is inserted at most once and losers skip it. Seats are never
// destroyed here; a quantity decrease leaves existing seats alone.
func (s *SeatService) EnsureSeats(ctx context.Context, sub *model.Subscription) ([]model.IssuedInvite, error) {
	existing, err := s.seatRepo.ListSeats(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	taken := make(map[int]bool, len(existing))
	for _, seat := range existing {
		taken[seat.Ordinal] = true
	}

	var seats []repository.NewSeat
	var candidates []model.IssuedInvite
	for ord := 0; ord < sub.SeatQuantity; ord++ {
		if taken[ord] {
			continue
		}
		code, err := generateInviteCode()
		if err != nil {
			return nil, err
		}
		seats = append(seats, repository.NewSeat{Ordinal: ord, CodeHash: hashInviteCode(code), Last4: code[len(code)-4:]})
		candidates = append(candidates, model.IssuedInvite{Code: code, Last4: code[len(code)-4:]})
	}
	if len(seats) == 0 {
		return nil, nil
	}

	ids, err := s.seatRepo.CreateSeats(ctx, sub.ID, seats)
	if err != nil {
		return nil, err
	}
	var invites []model.IssuedInvite
	for i, id := range ids {
		if id == "" {
			continue
		}
		candidates[i].SeatID = id
		invites = append(invites, candidates[i])
	}
	if len(invites) == 0 {
		return nil, nil
	}

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Int("minted", len(invites)).
		Int("quantity", sub.SeatQuantity).
		Msg("Minted invite seats up to purchased quantity")
	s.notifier.Emit(ctx, notify.EventInviteIssued, sub.ID, sub.AccountID, map[string]string{
		"minted": fmt.Sprintf("%d", len(invites)),
	})
	return invites, nil
}

// Redeem claims the seat holding the presented invite code and binds it to
// the redeeming device. Exactly one concurrent redeem of a code can win; the
// rest observe ErrInviteAlreadyUsed.
func (s *SeatService) Redeem(ctx context.Context, code string, sig fingerprint.Signals) (*model.Seat, error) {
	fp := fingerprint.Compute(sig)
	notBefore := time.Now().Add(-s.cfg.InviteTTL())

	seat, err := s.seatRepo.ClaimByCodeHash(ctx, hashInviteCode(code), fp, notBefore)
	if err != nil {
		s.logger.Warn().Err(err).Str("code", fingerprint.Redact(code)).Str("fingerprint", fingerprint.Redact(fp)).Msg("Invite redemption rejected")
		return nil, err
	}

	ev := &model.LocationUsageEvent{
		SubscriptionID: seat.SubscriptionID,
		Fingerprint:    fp,
		Source:         model.UsageSourceRedeem,
		IPPrefix:       fingerprint.IPPrefix(sig.IP),
		UserAgent:      sig.UserAgent,
	}
	if err := s.usageRepo.RecordEvent(ctx, ev); err != nil {
		// The claim already succeeded; losing one usage observation is
		// preferable to failing the redemption.
		s.logger.Error().Err(err).Str("seat_id", seat.ID).Msg("Failed to record redemption usage event")
	}

	s.logger.Info().
		Str("seat_id", seat.ID).
		Str("subscription_id", seat.SubscriptionID).
		Str("fingerprint", fingerprint.Redact(fp)).
		Msg("Invite redeemed and device bound")
	return seat, nil
}

// Revoke permanently invalidates the seat's current invite code, clears its
// device binding and returns the slot to available with a freshly minted
// code. The old code can never claim a seat again because only its hash
// survives and the hash is replaced. The revoked device's usage events are
// pruned so the freed location stops counting against the trailing window,
// and the billed quantity converges to the new active count.
func (s *SeatService) Revoke(ctx context.Context, seatID string) (*model.IssuedInvite, error) {
	seat, err := s.seatRepo.GetSeat(ctx, seatID)
	if err != nil {
		return nil, err
	}
	code, err := generateInviteCode()
	if err != nil {
		return nil, err
	}
	newSeat := repository.NewSeat{CodeHash: hashInviteCode(code), Last4: code[len(code)-4:]}
	if err := s.seatRepo.RegenerateInvite(ctx, seatID, newSeat); err != nil {
		return nil, err
	}

	s.pruneBindingUsage(ctx, seat)
	s.syncQuantity(ctx, seat.SubscriptionID)
	s.logger.Info().Str("seat_id", seatID).Str("subscription_id", seat.SubscriptionID).Msg("Seat revoked, invite regenerated")
	s.notifier.Emit(ctx, notify.EventSeatRevoked, seat.SubscriptionID, "", map[string]string{
		"seat_id": seatID,
	})
	return &model.IssuedInvite{SeatID: seatID, Code: code, Last4: newSeat.Last4}, nil
}

// SetLocationActive toggles whether a claimed seat participates in billing,
// then converges the provider-side quantity to the new active count.
func (s *SeatService) SetLocationActive(ctx context.Context, seatID string, active bool) (*model.Seat, error) {
	seat, err := s.seatRepo.GetSeat(ctx, seatID)
	if err != nil {
		return nil, err
	}
	if err := s.seatRepo.SetActive(ctx, seatID, active); err != nil {
		return nil, err
	}
	s.syncQuantity(ctx, seat.SubscriptionID)

	seat, err = s.seatRepo.GetSeat(ctx, seatID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("seat_id", seatID).Bool("active", active).Msg("Location activation toggled")
	return seat, nil
}

// DeleteLocation removes the seat entirely and converges the billed quantity.
func (s *SeatService) DeleteLocation(ctx context.Context, seatID string) error {
	seat, err := s.seatRepo.GetSeat(ctx, seatID)
	if err != nil {
		return err
	}
	if err := s.seatRepo.DeleteSeat(ctx, seatID); err != nil {
		return err
	}
	s.pruneBindingUsage(ctx, seat)
	s.syncQuantity(ctx, seat.SubscriptionID)
	s.logger.Info().Str("seat_id", seatID).Str("subscription_id", seat.SubscriptionID).Msg("Location deleted")
	return nil
}

// ListSeats returns all seats under the subscription, oldest first.
func (s *SeatService) ListSeats(ctx context.Context, subscriptionID string) ([]model.Seat, error) {
	return s.seatRepo.ListSeats(ctx, subscriptionID)
}

// pruneBindingUsage drops the usage events of a seat's bound device after the
// binding is removed. Without this the revoked location would keep the
// distinct count at the violating level for the rest of the window.
func (s *SeatService) pruneBindingUsage(ctx context.Context, seat *model.Seat) {
	if seat.DeviceFingerprint == nil {
		return
	}
	if _, err := s.usageRepo.PruneFingerprint(ctx, seat.SubscriptionID, *seat.DeviceFingerprint); err != nil {
		s.logger.Error().Err(err).Str("seat_id", seat.ID).Msg("Failed to prune revoked binding's usage events")
	}
}

// syncQuantity is best effort: local state is authoritative and the syncer
// retries internally, so a final failure is logged and surfaced on the next
// toggle rather than failing the user action.
func (s *SeatService) syncQuantity(ctx context.Context, subscriptionID string) {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.SyncSeatQuantity(ctx, subscriptionID); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to sync seat quantity to billing provider")
	}
}

// generateInviteCode mints a 32-char hex code from 16 random bytes. The raw
// code is returned to the caller exactly once; storage only ever sees its
// hash.
func generateInviteCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashInviteCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
