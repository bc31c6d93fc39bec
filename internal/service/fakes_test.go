package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"app/internal/config"
	"app/internal/model"
	"app/internal/notify"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// In-memory repository fakes used across the service tests. They mirror the
// database constraints that matter to the behavior under test: the
// conditional claim, the per-device uniqueness and the one-open-grace rule.

type fakeSeatRepo struct {
	mu     sync.Mutex
	seats  map[string]*model.Seat
	nextID int
}

func newFakeSeatRepo() *fakeSeatRepo {
	return &fakeSeatRepo{seats: make(map[string]*model.Seat)}
}

func (r *fakeSeatRepo) CountSeats(ctx context.Context, subscriptionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seats {
		if s.SubscriptionID == subscriptionID {
			n++
		}
	}
	return n, nil
}

func (r *fakeSeatRepo) CreateSeats(ctx context.Context, subscriptionID string, seats []repository.NewSeat) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	taken := make(map[int]bool)
	for _, s := range r.seats {
		if s.SubscriptionID == subscriptionID {
			taken[s.Ordinal] = true
		}
	}
	ids := make([]string, len(seats))
	for i, ns := range seats {
		if taken[ns.Ordinal] {
			// Slot already filled; mirrors the unique ordinal index.
			continue
		}
		taken[ns.Ordinal] = true
		r.nextID++
		id := fmt.Sprintf("seat_%d", r.nextID)
		now := time.Now()
		r.seats[id] = &model.Seat{
			ID:              id,
			SubscriptionID:  subscriptionID,
			Ordinal:         ns.Ordinal,
			Status:          model.SeatStatusAvailable,
			Active:          true,
			InviteCodeHash:  ns.CodeHash,
			InviteCodeLast4: ns.Last4,
			CodeIssuedAt:    now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		ids[i] = id
	}
	return ids, nil
}

func (r *fakeSeatRepo) GetSeat(ctx context.Context, seatID string) (*model.Seat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seats[seatID]
	if !ok {
		return nil, repository.ErrSeatNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSeatRepo) ListSeats(ctx context.Context, subscriptionID string) ([]model.Seat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Seat
	for _, s := range r.seats {
		if s.SubscriptionID == subscriptionID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeSeatRepo) ClaimByCodeHash(ctx context.Context, codeHash, deviceFingerprint string, notBefore time.Time) (*model.Seat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var target *model.Seat
	for _, s := range r.seats {
		if s.InviteCodeHash == codeHash {
			target = s
			break
		}
	}
	if target == nil {
		return nil, repository.ErrSeatNotFound
	}
	if target.Status == model.SeatStatusClaimed {
		return nil, repository.ErrInviteAlreadyUsed
	}
	if target.CodeIssuedAt.Before(notBefore) {
		return nil, repository.ErrInviteExpired
	}
	for _, s := range r.seats {
		if s.SubscriptionID == target.SubscriptionID && s.Status == model.SeatStatusClaimed &&
			s.DeviceFingerprint != nil && *s.DeviceFingerprint == deviceFingerprint {
			return nil, repository.ErrDeviceAlreadyBound
		}
	}
	now := time.Now()
	target.Status = model.SeatStatusClaimed
	target.DeviceFingerprint = &deviceFingerprint
	target.ClaimedAt = &now
	target.UpdatedAt = now
	cp := *target
	return &cp, nil
}

func (r *fakeSeatRepo) RegenerateInvite(ctx context.Context, seatID string, code repository.NewSeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seats[seatID]
	if !ok {
		return repository.ErrSeatNotFound
	}
	now := time.Now()
	s.InviteCodeHash = code.CodeHash
	s.InviteCodeLast4 = code.Last4
	s.Status = model.SeatStatusAvailable
	s.DeviceFingerprint = nil
	s.ClaimedAt = nil
	s.CodeIssuedAt = now
	s.RevokedAt = &now
	s.UpdatedAt = now
	return nil
}

func (r *fakeSeatRepo) SetActive(ctx context.Context, seatID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seats[seatID]
	if !ok {
		return repository.ErrSeatNotFound
	}
	s.Active = active
	return nil
}

func (r *fakeSeatRepo) DeleteSeat(ctx context.Context, seatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seats[seatID]; !ok {
		return repository.ErrSeatNotFound
	}
	delete(r.seats, seatID)
	return nil
}

func (r *fakeSeatRepo) ActiveSeatCount(ctx context.Context, subscriptionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seats {
		if s.SubscriptionID == subscriptionID && s.Status == model.SeatStatusClaimed && s.Active {
			n++
		}
	}
	return n, nil
}

// backdate shifts a seat's code_issued_at, used to simulate expired invites.
func (r *fakeSeatRepo) backdate(seatID string, issuedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.seats[seatID]; ok {
		s.CodeIssuedAt = issuedAt
	}
}

type fakeSubRepo struct {
	mu     sync.Mutex
	subs   map[string]*model.Subscription
	nextID int
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string]*model.Subscription)}
}

func (r *fakeSubRepo) GetByID(ctx context.Context, id string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, repository.ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSubRepo) GetByStripeID(ctx context.Context, stripeID string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID == stripeID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrSubscriptionNotFound
}

func (r *fakeSubRepo) GetByAccountID(ctx context.Context, accountID string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.AccountID == accountID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrSubscriptionNotFound
}

func (r *fakeSubRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID == sub.StripeSubscriptionID {
			sub.ID = s.ID
			sub.PaymentHealth = s.PaymentHealth
			sub.Blocked = s.Blocked
			stored := *sub
			r.subs[s.ID] = &stored
			return nil
		}
	}
	r.nextID++
	sub.ID = fmt.Sprintf("subrec_%d", r.nextID)
	sub.PaymentHealth = model.PaymentHealthOK
	stored := *sub
	r.subs[sub.ID] = &stored
	return nil
}

func (r *fakeSubRepo) ApplyProviderState(ctx context.Context, stripeID string, state repository.ProviderState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID != stripeID {
			continue
		}
		same := s.PriceID == state.PriceID &&
			s.Plan == state.Plan &&
			s.Status == state.Status &&
			s.SeatQuantity == state.SeatQuantity &&
			s.CurrentPeriodStart.Equal(state.CurrentPeriodStart) &&
			s.CurrentPeriodEnd.Equal(state.CurrentPeriodEnd) &&
			s.CancelAtPeriodEnd == state.CancelAtPeriodEnd &&
			equalTimePtr(s.TrialEnd, state.TrialEnd)
		if same {
			return false, nil
		}
		s.PriceID = state.PriceID
		s.Plan = state.Plan
		s.Status = state.Status
		s.SeatQuantity = state.SeatQuantity
		s.CurrentPeriodStart = state.CurrentPeriodStart
		s.CurrentPeriodEnd = state.CurrentPeriodEnd
		s.CancelAtPeriodEnd = state.CancelAtPeriodEnd
		s.TrialEnd = state.TrialEnd
		return true, nil
	}
	return false, nil
}

func (r *fakeSubRepo) SetStatus(ctx context.Context, stripeID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID == stripeID {
			s.Status = status
			return nil
		}
	}
	return repository.ErrSubscriptionNotFound
}

func (r *fakeSubRepo) SetPaymentHealth(ctx context.Context, stripeID, health string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID == stripeID {
			s.PaymentHealth = health
			return nil
		}
	}
	return repository.ErrSubscriptionNotFound
}

func (r *fakeSubRepo) SetBlocked(ctx context.Context, subscriptionID string, blocked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[subscriptionID]
	if !ok {
		return repository.ErrSubscriptionNotFound
	}
	s.Blocked = blocked
	if blocked {
		now := time.Now()
		s.BlockedAt = &now
	} else {
		s.BlockedAt = nil
	}
	return nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

type fakeUsageRepo struct {
	mu     sync.Mutex
	events []model.LocationUsageEvent
}

func (r *fakeUsageRepo) RecordEvent(ctx context.Context, ev *model.LocationUsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *ev
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.events = append(r.events, stored)
	return nil
}

func (r *fakeUsageRepo) DistinctFingerprints(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, ev := range r.events {
		if ev.SubscriptionID == subscriptionID && !ev.CreatedAt.Before(since) {
			seen[ev.Fingerprint] = struct{}{}
		}
	}
	return len(seen), nil
}

func (r *fakeUsageRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.prune(func(ev model.LocationUsageEvent) bool { return ev.CreatedAt.Before(cutoff) }), nil
}

func (r *fakeUsageRepo) PruneSubscriptionBefore(ctx context.Context, subscriptionID string, cutoff time.Time) (int64, error) {
	return r.prune(func(ev model.LocationUsageEvent) bool {
		return ev.SubscriptionID == subscriptionID && ev.CreatedAt.Before(cutoff)
	}), nil
}

func (r *fakeUsageRepo) PruneFingerprint(ctx context.Context, subscriptionID, fp string) (int64, error) {
	return r.prune(func(ev model.LocationUsageEvent) bool {
		return ev.SubscriptionID == subscriptionID && ev.Fingerprint == fp
	}), nil
}

func (r *fakeUsageRepo) prune(match func(model.LocationUsageEvent) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []model.LocationUsageEvent
	var removed int64
	for _, ev := range r.events {
		if match(ev) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return removed
}

func (r *fakeUsageRepo) countBySource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Source == source {
			n++
		}
	}
	return n
}

type fakeGraceRepo struct {
	mu   sync.Mutex
	open map[string]*model.GracePeriod
}

func newFakeGraceRepo() *fakeGraceRepo {
	return &fakeGraceRepo{open: make(map[string]*model.GracePeriod)}
}

func (r *fakeGraceRepo) GetOpen(ctx context.Context, subscriptionID string) (*model.GracePeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.open[subscriptionID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (r *fakeGraceRepo) Open(ctx context.Context, subscriptionID string, locationCount int, deadline time.Time) (*model.GracePeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.open[subscriptionID]; ok {
		g.LocationCount = locationCount
		cp := *g
		return &cp, nil
	}
	g := &model.GracePeriod{
		ID:              "grace_" + subscriptionID,
		SubscriptionID:  subscriptionID,
		FirstDetectedAt: time.Now(),
		LocationCount:   locationCount,
		Deadline:        deadline,
	}
	r.open[subscriptionID] = g
	cp := *g
	return &cp, nil
}

func (r *fakeGraceRepo) Resolve(ctx context.Context, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, subscriptionID)
	return nil
}

func (r *fakeGraceRepo) ListExpiredOpen(ctx context.Context, now time.Time) ([]model.GracePeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.GracePeriod
	for _, g := range r.open {
		if !now.Before(g.Deadline) {
			out = append(out, *g)
		}
	}
	return out, nil
}

// expire forces an open grace period's deadline into the past.
func (r *fakeGraceRepo) expire(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.open[subscriptionID]; ok {
		g.Deadline = time.Now().Add(-time.Hour)
	}
}

type fakeEventRepo struct {
	mu        sync.Mutex
	processed map[string]string
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{processed: make(map[string]string)}
}

func (r *fakeEventRepo) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processed[eventID]; ok {
		return false, nil
	}
	r.processed[eventID] = eventType
	return true, nil
}

func (r *fakeEventRepo) Release(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processed, eventID)
	return nil
}

func (r *fakeEventRepo) has(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[eventID]
	return ok
}

type fakeWhitelistRepo struct {
	mu       sync.Mutex
	accounts map[string]string
}

func newFakeWhitelistRepo() *fakeWhitelistRepo {
	return &fakeWhitelistRepo{accounts: make(map[string]string)}
}

func (r *fakeWhitelistRepo) IsWhitelisted(ctx context.Context, accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[accountID]
	return ok, nil
}

func (r *fakeWhitelistRepo) Add(ctx context.Context, accountID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[accountID] = reason
	return nil
}

func (r *fakeWhitelistRepo) Remove(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, accountID)
	return nil
}

type fakeBillingProvider struct {
	mu        sync.Mutex
	subs      map[string]*model.ProviderSubscription
	setCalls  []int
	failTimes int
}

func newFakeBillingProvider() *fakeBillingProvider {
	return &fakeBillingProvider{subs: make(map[string]*model.ProviderSubscription)}
}

func (p *fakeBillingProvider) GetSubscription(ctx context.Context, subscriptionID string) (*model.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such provider subscription: %s", subscriptionID)
	}
	cp := *ps
	return &cp, nil
}

func (p *fakeBillingProvider) SetQuantity(ctx context.Context, subscriptionID string, quantity int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTimes > 0 {
		p.failTimes--
		return fmt.Errorf("provider unavailable")
	}
	if ps, ok := p.subs[subscriptionID]; ok {
		ps.Quantity = quantity
	}
	p.setCalls = append(p.setCalls, quantity)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg_%d", len(p.payloads)), nil
}

func testConfig() *config.Config {
	return &config.Config{
		GracePeriodDays:          7,
		LocationWindowDays:       30,
		InviteTTLDays:            30,
		WebhookMaxAgeSec:         300,
		StripePriceSingle:        "price_single",
		StripePriceMultiLocation: "price_multi",
	}
}

func testNotifier(pub *fakePublisher) *notify.Notifier {
	return notify.NewNotifier(pub, "licensing_notifications", zerolog.Nop())
}
