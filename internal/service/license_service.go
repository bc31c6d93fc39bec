package service

import (
	"context"
	"errors"
	"time"

	"app/internal/config"
	"app/internal/fingerprint"
	"app/internal/model"
	"app/internal/notify"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

var (
	// ErrSubscriptionBlocked is returned when the grace period lapsed and the
	// subscription was locked out.
	ErrSubscriptionBlocked = errors.New("subscription_blocked")
	// ErrSubscriptionInactive is returned for canceled subscriptions.
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	// ErrPaymentPastDue is returned when repeated invoice failures put the
	// subscription's payment health past due.
	ErrPaymentPastDue = errors.New("payment_past_due")
	// ErrDeviceNotBound is returned when the presenting device holds no
	// claimed seat under the subscription.
	ErrDeviceNotBound = errors.New("device_not_bound")
)

// LicenseService evaluates entitlement: device binding checks on access, the
// multi-location abuse detector with its grace window, and the compliance
// snapshot served to clients.
type LicenseService struct {
	cfg           *config.Config
	subRepo       repository.SubscriptionRepository
	seatRepo      repository.SeatRepository
	usageRepo     repository.UsageRepository
	graceRepo     repository.GraceRepository
	whitelistRepo repository.WhitelistRepository
	notifier      *notify.Notifier
	logger        zerolog.Logger
}

// NewLicenseService creates a LicenseService with a scoped logger.
func NewLicenseService(cfg *config.Config, subRepo repository.SubscriptionRepository, seatRepo repository.SeatRepository, usageRepo repository.UsageRepository, graceRepo repository.GraceRepository, whitelistRepo repository.WhitelistRepository, notifier *notify.Notifier, logger zerolog.Logger) *LicenseService {
	lg := logger.With().Str("service", "LicenseService").Logger()
	return &LicenseService{
		cfg:           cfg,
		subRepo:       subRepo,
		seatRepo:      seatRepo,
		usageRepo:     usageRepo,
		graceRepo:     graceRepo,
		whitelistRepo: whitelistRepo,
		notifier:      notifier,
		logger:        lg,
	}
}

// ValidateAccess is the hot-path entitlement check. It verifies the device's
// seat binding, records the usage observation, runs the abuse evaluation and
// returns the resulting compliance snapshot. Lockout is enforced here, at
// request time.
func (s *LicenseService) ValidateAccess(ctx context.Context, accountID string, sig fingerprint.Signals) (*model.LicenseStatus, error) {
	sub, err := s.subRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionStatusCanceled {
		return nil, ErrSubscriptionInactive
	}
	if sub.PaymentHealth == model.PaymentHealthPastDue {
		return nil, ErrPaymentPastDue
	}

	fp := fingerprint.Compute(sig)
	bound, err := s.deviceHoldsSeat(ctx, sub.ID, fp)
	if err != nil {
		return nil, err
	}

	source := model.UsageSourceAccess
	if !bound {
		// A claimed subscription accessed from an unbound device is the
		// strongest multi-location signal; the mismatch still counts as a
		// distinct location in the evaluation below.
		source = model.UsageSourceMismatch
	}
	ev := &model.LocationUsageEvent{
		SubscriptionID: sub.ID,
		Fingerprint:    fp,
		Source:         source,
		IPPrefix:       fingerprint.IPPrefix(sig.IP),
		UserAgent:      sig.UserAgent,
	}
	if err := s.usageRepo.RecordEvent(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to record access usage event")
	}

	// A standing block is re-checked through Evaluate rather than refused
	// outright: a subscription that came back into compliance (seats revoked,
	// quantity upgraded) has its block lifted there.
	grace, blocked, err := s.Evaluate(ctx, sub)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrSubscriptionBlocked
	}
	if !bound {
		s.logger.Warn().
			Str("subscription_id", sub.ID).
			Str("fingerprint", fingerprint.Redact(fp)).
			Msg("Access from device with no claimed seat")
		return nil, ErrDeviceNotBound
	}
	return s.buildStatus(ctx, sub, grace)
}

// deviceHoldsSeat reports whether the fingerprint is bound to a claimed,
// active seat under the subscription.
func (s *LicenseService) deviceHoldsSeat(ctx context.Context, subscriptionID, fp string) (bool, error) {
	seats, err := s.seatRepo.ListSeats(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	for _, seat := range seats {
		if seat.Status != model.SeatStatusClaimed || !seat.Active || seat.DeviceFingerprint == nil {
			continue
		}
		if fingerprint.VerifyBinding(*seat.DeviceFingerprint, fp).Match {
			return true, nil
		}
	}
	return false, nil
}

// Evaluate runs the multi-location detector for one subscription. When the
// distinct locations seen inside the trailing window exceed the purchased
// seat quantity a grace period opens; a compliant evaluation resolves any
// open one and lifts a standing block; a lapsed deadline blocks the
// subscription. Whitelisted accounts always evaluate compliant. The returned
// bool is the subscription's block state after the evaluation.
func (s *LicenseService) Evaluate(ctx context.Context, sub *model.Subscription) (*model.GracePeriod, bool, error) {
	whitelisted, err := s.whitelistRepo.IsWhitelisted(ctx, sub.AccountID)
	if err != nil {
		return nil, false, err
	}
	if whitelisted {
		if err := s.clearViolation(ctx, sub); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	now := time.Now()
	distinct, err := s.usageRepo.DistinctFingerprints(ctx, sub.ID, now.Add(-s.cfg.LocationWindow()))
	if err != nil {
		return nil, false, err
	}
	if distinct <= sub.SeatQuantity {
		if err := s.clearViolation(ctx, sub); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	existing, err := s.graceRepo.GetOpen(ctx, sub.ID)
	if err != nil {
		return nil, false, err
	}
	grace, err := s.graceRepo.Open(ctx, sub.ID, distinct, now.Add(s.cfg.GracePeriod()))
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		s.logger.Warn().
			Str("subscription_id", sub.ID).
			Int("locations", distinct).
			Int("seats", sub.SeatQuantity).
			Time("deadline", grace.Deadline).
			Msg("Multi-location violation detected, grace period opened")
		s.notifier.Emit(ctx, notify.EventGraceOpened, sub.ID, sub.AccountID, map[string]string{
			"deadline": grace.Deadline.Format(time.RFC3339),
		})
	}

	if sub.Blocked {
		// Still violating; the lockout already happened and was notified.
		return grace, true, nil
	}
	if !now.Before(grace.Deadline) {
		if err := s.block(ctx, sub); err != nil {
			return grace, false, err
		}
		return grace, true, nil
	}
	return grace, false, nil
}

// clearViolation resolves any open grace period and lifts a standing block
// once the subscription is compliant again.
func (s *LicenseService) clearViolation(ctx context.Context, sub *model.Subscription) error {
	if err := s.graceRepo.Resolve(ctx, sub.ID); err != nil {
		return err
	}
	if !sub.Blocked {
		return nil
	}
	if err := s.subRepo.SetBlocked(ctx, sub.ID, false); err != nil {
		return err
	}
	sub.Blocked = false
	sub.BlockedAt = nil
	s.logger.Info().Str("subscription_id", sub.ID).Msg("Compliance restored, block lifted")
	return nil
}

func (s *LicenseService) block(ctx context.Context, sub *model.Subscription) error {
	if err := s.subRepo.SetBlocked(ctx, sub.ID, true); err != nil {
		return err
	}
	sub.Blocked = true
	s.logger.Warn().Str("subscription_id", sub.ID).Msg("Grace period lapsed, subscription blocked")
	s.notifier.Emit(ctx, notify.EventSubscriptionBlock, sub.ID, sub.AccountID, nil)
	return nil
}

// Status returns the compliance snapshot for an account without enforcing
// lockout, so client banners can still render the blocked state.
func (s *LicenseService) Status(ctx context.Context, accountID string) (*model.LicenseStatus, error) {
	sub, err := s.subRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	grace, err := s.graceRepo.GetOpen(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	return s.buildStatus(ctx, sub, grace)
}

func (s *LicenseService) buildStatus(ctx context.Context, sub *model.Subscription, grace *model.GracePeriod) (*model.LicenseStatus, error) {
	active, err := s.seatRepo.ActiveSeatCount(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	distinct, err := s.usageRepo.DistinctFingerprints(ctx, sub.ID, now.Add(-s.cfg.LocationWindow()))
	if err != nil {
		return nil, err
	}
	whitelisted, err := s.whitelistRepo.IsWhitelisted(ctx, sub.AccountID)
	if err != nil {
		return nil, err
	}
	return &model.LicenseStatus{
		SeatsPurchased:           sub.SeatQuantity,
		SeatsActive:              active,
		UniqueLocationsUsed:      distinct,
		RequiresUpgrade:          !whitelisted && distinct > sub.SeatQuantity,
		GracePeriodDaysRemaining: grace.DaysRemaining(now),
		Blocked:                  sub.Blocked,
		Whitelisted:              whitelisted,
		PaymentHealth:            sub.PaymentHealth,
	}, nil
}

// Sweep is the background pass run by the sweeper binary. It re-evaluates
// subscriptions whose open grace periods lapsed between requests, blocking
// the still-violating ones and lifting blocks that became compliant, and
// prunes usage events past retention.
func (s *LicenseService) Sweep(ctx context.Context) error {
	now := time.Now()
	expired, err := s.graceRepo.ListExpiredOpen(ctx, now)
	if err != nil {
		return err
	}
	for _, g := range expired {
		sub, err := s.subRepo.GetByID(ctx, g.SubscriptionID)
		if err != nil {
			s.logger.Error().Err(err).Str("subscription_id", g.SubscriptionID).Msg("Sweep: failed to load subscription for expired grace period")
			continue
		}
		// Re-evaluate before blocking; usage may have dropped back under the
		// seat count since the deadline was set.
		if _, _, err := s.Evaluate(ctx, sub); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Sweep: evaluation failed")
		}
	}

	pruned, err := s.usageRepo.PruneBefore(ctx, now.Add(-2*s.cfg.LocationWindow()))
	if err != nil {
		return err
	}
	if pruned > 0 || len(expired) > 0 {
		s.logger.Info().Int("expired_grace_periods", len(expired)).Int64("pruned_usage_events", pruned).Msg("Sweep completed")
	}
	return nil
}
