package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"app/internal/fingerprint"
	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

func newSeatTestEnv() (*SeatService, *fakeSeatRepo, *fakeUsageRepo) {
	seatRepo := newFakeSeatRepo()
	usageRepo := &fakeUsageRepo{}
	svc := NewSeatService(testConfig(), seatRepo, newFakeSubRepo(), usageRepo, testNotifier(&fakePublisher{}), zerolog.Nop())
	return svc, seatRepo, usageRepo
}

func seatTestSubscription(quantity int) *model.Subscription {
	return &model.Subscription{
		ID:           "subrec_1",
		AccountID:    "acct_1",
		SeatQuantity: quantity,
		Status:       model.SubscriptionStatusActive,
	}
}

func TestEnsureSeatsTopsUpOnce(t *testing.T) {
	svc, seatRepo, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(3)

	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	if len(invites) != 3 {
		t.Fatalf("expected 3 invites, got %d", len(invites))
	}
	for _, inv := range invites {
		if inv.SeatID == "" || len(inv.Code) != 32 || inv.Last4 != inv.Code[28:] {
			t.Fatalf("malformed invite: %+v", inv)
		}
	}

	// A replayed provisioning event must not mint more seats.
	invites, err = svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats replay returned error: %v", err)
	}
	if len(invites) != 0 {
		t.Fatalf("expected no invites on replay, got %d", len(invites))
	}
	if n, _ := seatRepo.CountSeats(ctx, sub.ID); n != 3 {
		t.Fatalf("expected 3 seats, got %d", n)
	}
}

func TestEnsureSeatsGrowsWithQuantity(t *testing.T) {
	svc, seatRepo, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(1)

	if _, err := svc.EnsureSeats(ctx, sub); err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	sub.SeatQuantity = 4
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	if len(invites) != 3 {
		t.Fatalf("expected 3 new invites, got %d", len(invites))
	}

	// Quantity decreases never destroy seats.
	sub.SeatQuantity = 2
	if _, err := svc.EnsureSeats(ctx, sub); err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	if n, _ := seatRepo.CountSeats(ctx, sub.ID); n != 4 {
		t.Fatalf("expected 4 seats after quantity decrease, got %d", n)
	}
}

func TestEnsureSeatsConcurrentTopUpMintsOnce(t *testing.T) {
	svc, seatRepo, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(2)

	const callers = 4
	start := make(chan struct{})
	minted := make([][]model.IssuedInvite, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			minted[i], errs[i] = svc.EnsureSeats(ctx, sub)
		}(i)
	}
	close(start)
	wg.Wait()

	total := 0
	for i := range minted {
		if errs[i] != nil {
			t.Fatalf("EnsureSeats %d returned error: %v", i, errs[i])
		}
		total += len(minted[i])
	}
	if total != 2 {
		t.Fatalf("expected 2 invites minted across concurrent top-ups, got %d", total)
	}
	if n, _ := seatRepo.CountSeats(ctx, sub.ID); n != 2 {
		t.Fatalf("concurrent top-ups created %d seats, want 2", n)
	}
}

func TestRedeemBindsDevice(t *testing.T) {
	svc, _, usageRepo := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(1)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}

	sig := fingerprint.Signals{IP: "203.0.113.7", UserAgent: "TestAgent/1.0"}
	seat, err := svc.Redeem(ctx, invites[0].Code, sig)
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if seat.Status != model.SeatStatusClaimed {
		t.Fatalf("expected claimed seat, got status %q", seat.Status)
	}
	if seat.DeviceFingerprint == nil || *seat.DeviceFingerprint != fingerprint.Compute(sig) {
		t.Fatal("seat not bound to redeeming device")
	}
	if usageRepo.countBySource(model.UsageSourceRedeem) != 1 {
		t.Fatal("expected one redeem usage event")
	}
}

func TestRedeemConcurrentSingleWinner(t *testing.T) {
	svc, _, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(1)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	code := invites[0].Code

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := fingerprint.Signals{IP: "198.51.100.1", UserAgent: "Agent", TimezoneOffsetMin: i * 60}
			_, errs[i] = svc.Redeem(ctx, code, sig)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repository.ErrInviteAlreadyUsed):
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning redeem, got %d", wins)
	}
}

func TestRedeemExpiredInvite(t *testing.T) {
	svc, seatRepo, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(1)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	seatRepo.backdate(invites[0].SeatID, time.Now().Add(-31*24*time.Hour))

	_, err = svc.Redeem(ctx, invites[0].Code, fingerprint.Signals{IP: "203.0.113.7"})
	if !errors.Is(err, repository.ErrInviteExpired) {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}
}

func TestRedeemSameDeviceTwice(t *testing.T) {
	svc, _, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(2)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}

	sig := fingerprint.Signals{IP: "203.0.113.7", UserAgent: "TestAgent/1.0"}
	if _, err := svc.Redeem(ctx, invites[0].Code, sig); err != nil {
		t.Fatalf("first redeem returned error: %v", err)
	}
	_, err = svc.Redeem(ctx, invites[1].Code, sig)
	if !errors.Is(err, repository.ErrDeviceAlreadyBound) {
		t.Fatalf("expected ErrDeviceAlreadyBound, got %v", err)
	}
}

func TestRevokeRegeneratesInvite(t *testing.T) {
	svc, _, _ := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(1)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	oldCode := invites[0].Code
	sig := fingerprint.Signals{IP: "203.0.113.7", UserAgent: "TestAgent/1.0"}
	if _, err := svc.Redeem(ctx, oldCode, sig); err != nil {
		t.Fatalf("redeem returned error: %v", err)
	}

	fresh, err := svc.Revoke(ctx, invites[0].SeatID)
	if err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if fresh.Code == oldCode {
		t.Fatal("revoke must mint a new code")
	}

	// The old code is dead for good, even against the now-available seat.
	if _, err := svc.Redeem(ctx, oldCode, sig); !errors.Is(err, repository.ErrSeatNotFound) {
		t.Fatalf("expected old code to be unknown after revoke, got %v", err)
	}

	// The regenerated code claims the freed seat, even for a new device.
	seat, err := svc.Redeem(ctx, fresh.Code, fingerprint.Signals{IP: "192.0.2.9", UserAgent: "Other/2.0"})
	if err != nil {
		t.Fatalf("redeem of regenerated code returned error: %v", err)
	}
	if seat.ID != invites[0].SeatID {
		t.Fatalf("expected regenerated code to claim seat %s, got %s", invites[0].SeatID, seat.ID)
	}
}

func TestRevokePrunesBindingUsage(t *testing.T) {
	svc, _, usageRepo := newSeatTestEnv()
	ctx := context.Background()
	sub := seatTestSubscription(1)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	sig := fingerprint.Signals{IP: "203.0.113.7", UserAgent: "TestAgent/1.0"}
	if _, err := svc.Redeem(ctx, invites[0].Code, sig); err != nil {
		t.Fatalf("redeem returned error: %v", err)
	}
	fp := fingerprint.Compute(sig)
	if n, _ := usageRepo.DistinctFingerprints(ctx, sub.ID, time.Now().Add(-time.Hour)); n != 1 {
		t.Fatalf("expected 1 fingerprint before revoke, got %d", n)
	}

	if _, err := svc.Revoke(ctx, invites[0].SeatID); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if n, _ := usageRepo.DistinctFingerprints(ctx, sub.ID, time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("expected revoked device %s to stop counting, still %d fingerprints", fingerprint.Redact(fp), n)
	}
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSyncer) SyncSeatQuantity(ctx context.Context, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, subscriptionID)
	return nil
}

func TestToggleAndDeleteSyncQuantity(t *testing.T) {
	svc, seatRepo, _ := newSeatTestEnv()
	syncer := &recordingSyncer{}
	svc.SetQuantitySyncer(syncer)
	ctx := context.Background()
	sub := seatTestSubscription(2)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}

	seat, err := svc.SetLocationActive(ctx, invites[0].SeatID, false)
	if err != nil {
		t.Fatalf("SetLocationActive returned error: %v", err)
	}
	if seat.Active {
		t.Fatal("expected seat to be inactive")
	}
	if err := svc.DeleteLocation(ctx, invites[1].SeatID); err != nil {
		t.Fatalf("DeleteLocation returned error: %v", err)
	}
	if _, err := seatRepo.GetSeat(ctx, invites[1].SeatID); !errors.Is(err, repository.ErrSeatNotFound) {
		t.Fatalf("expected deleted seat to be gone, got %v", err)
	}
	if len(syncer.calls) != 2 {
		t.Fatalf("expected 2 quantity syncs, got %d", len(syncer.calls))
	}
}

func TestRevokeSyncsQuantity(t *testing.T) {
	svc, _, _ := newSeatTestEnv()
	syncer := &recordingSyncer{}
	svc.SetQuantitySyncer(syncer)
	ctx := context.Background()
	sub := seatTestSubscription(1)
	invites, err := svc.EnsureSeats(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureSeats returned error: %v", err)
	}
	if _, err := svc.Redeem(ctx, invites[0].Code, fingerprint.Signals{IP: "203.0.113.7"}); err != nil {
		t.Fatalf("redeem returned error: %v", err)
	}

	// Revoke drops the active claimed count, so the billed quantity must be
	// re-pushed from the same boundary as toggles and deletes.
	if _, err := svc.Revoke(ctx, invites[0].SeatID); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if len(syncer.calls) != 1 || syncer.calls[0] != sub.ID {
		t.Fatalf("expected one quantity sync for %s, got %v", sub.ID, syncer.calls)
	}
}
