package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewSeat carries the stored form of a freshly minted invite. Ordinal is the
// seat's slot position under its subscription; the unique (subscription_id,
// seat_ordinal) index is what makes concurrent top-ups converge instead of
// double-minting.
type NewSeat struct {
	Ordinal  int
	CodeHash string
	Last4    string
}

// SeatRepository is the entitlement store: it owns seat rows and their claim
// state. Claim transitions are single conditional updates so concurrent
// redemptions of one code resolve to exactly one winner.
type SeatRepository interface {
	CountSeats(ctx context.Context, subscriptionID string) (int, error)
	// CreateSeats inserts available seats and returns their IDs in input
	// order. A slot whose ordinal was already filled by a concurrent writer
	// yields an empty string at that position instead of a duplicate seat.
	CreateSeats(ctx context.Context, subscriptionID string, seats []NewSeat) ([]string, error)
	GetSeat(ctx context.Context, seatID string) (*model.Seat, error)
	ListSeats(ctx context.Context, subscriptionID string) ([]model.Seat, error)
	// ClaimByCodeHash atomically claims the available seat holding the code
	// hash and binds the fingerprint. notBefore is the oldest code_issued_at
	// still redeemable.
	ClaimByCodeHash(ctx context.Context, codeHash, deviceFingerprint string, notBefore time.Time) (*model.Seat, error)
	// RegenerateInvite kills the seat's current code permanently and returns
	// the slot to available with a fresh code.
	RegenerateInvite(ctx context.Context, seatID string, code NewSeat) error
	SetActive(ctx context.Context, seatID string, active bool) error
	DeleteSeat(ctx context.Context, seatID string) error
	// ActiveSeatCount counts claimed seats participating in billing. This is
	// the quantity pushed to the billing provider.
	ActiveSeatCount(ctx context.Context, subscriptionID string) (int, error)
}

type seatRepo struct {
	pool *pgxpool.Pool
}

// NewSeatRepo creates a new SeatRepository.
func NewSeatRepo(pool *pgxpool.Pool) SeatRepository {
	return &seatRepo{pool: pool}
}

const seatColumns = `id, subscription_id, seat_ordinal, status, active, invite_code_hash, invite_code_last4,
       device_fingerprint, code_issued_at, claimed_at, revoked_at, created_at, updated_at`

func scanSeat(row pgx.Row) (*model.Seat, error) {
	var s model.Seat
	err := row.Scan(
		&s.ID,
		&s.SubscriptionID,
		&s.Ordinal,
		&s.Status,
		&s.Active,
		&s.InviteCodeHash,
		&s.InviteCodeLast4,
		&s.DeviceFingerprint,
		&s.CodeIssuedAt,
		&s.ClaimedAt,
		&s.RevokedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *seatRepo) CountSeats(ctx context.Context, subscriptionID string) (int, error) {
	var count int
	const q = `SELECT COUNT(*) FROM device_seats WHERE subscription_id = $1`
	if err := r.pool.QueryRow(ctx, q, subscriptionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting seats for subscription %s: %w", subscriptionID, err)
	}
	return count, nil
}

func (r *seatRepo) CreateSeats(ctx context.Context, subscriptionID string, seats []NewSeat) ([]string, error) {
	const q = `
        INSERT INTO device_seats (subscription_id, seat_ordinal, status, active, invite_code_hash, invite_code_last4, code_issued_at)
        VALUES ($1, $2, 'available', TRUE, $3, $4, NOW())
        ON CONFLICT (subscription_id, seat_ordinal) DO NOTHING
        RETURNING id
    `
	batch := &pgx.Batch{}
	for _, s := range seats {
		batch.Queue(q, subscriptionID, s.Ordinal, s.CodeHash, s.Last4)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	ids := make([]string, len(seats))
	for i := range seats {
		var id string
		err := br.QueryRow().Scan(&id)
		switch {
		case err == nil:
			ids[i] = id
		case errors.Is(err, pgx.ErrNoRows):
			// A concurrent writer already filled this ordinal.
		default:
			return nil, fmt.Errorf("creating seats for subscription %s: %w", subscriptionID, err)
		}
	}
	return ids, nil
}

func (r *seatRepo) GetSeat(ctx context.Context, seatID string) (*model.Seat, error) {
	q := `SELECT ` + seatColumns + ` FROM device_seats WHERE id = $1`
	seat, err := scanSeat(r.pool.QueryRow(ctx, q, seatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeatNotFound
		}
		return nil, fmt.Errorf("fetch seat %s: %w", seatID, err)
	}
	return seat, nil
}

func (r *seatRepo) ListSeats(ctx context.Context, subscriptionID string) ([]model.Seat, error) {
	q := `SELECT ` + seatColumns + ` FROM device_seats WHERE subscription_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list seats for subscription %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var seats []model.Seat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seat row: %w", err)
		}
		seats = append(seats, *s)
	}
	return seats, rows.Err()
}

func (r *seatRepo) ClaimByCodeHash(ctx context.Context, codeHash, deviceFingerprint string, notBefore time.Time) (*model.Seat, error) {
	q := `
        UPDATE device_seats
        SET status = 'claimed',
            device_fingerprint = $2,
            claimed_at = NOW(),
            updated_at = NOW()
        WHERE invite_code_hash = $1
          AND status = 'available'
          AND code_issued_at >= $3
        RETURNING ` + seatColumns
	seat, err := scanSeat(r.pool.QueryRow(ctx, q, codeHash, deviceFingerprint, notBefore))
	if err == nil {
		return seat, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Partial unique index: one claimed seat per fingerprint per subscription.
		return nil, ErrDeviceAlreadyBound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim seat by code: %w", err)
	}
	return nil, r.classifyClaimFailure(ctx, codeHash, notBefore)
}

// classifyClaimFailure distinguishes why the conditional claim matched no row.
func (r *seatRepo) classifyClaimFailure(ctx context.Context, codeHash string, notBefore time.Time) error {
	var status string
	var issuedAt time.Time
	const q = `SELECT status, code_issued_at FROM device_seats WHERE invite_code_hash = $1`
	err := r.pool.QueryRow(ctx, q, codeHash).Scan(&status, &issuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSeatNotFound
		}
		return fmt.Errorf("classify claim failure: %w", err)
	}
	if status == model.SeatStatusClaimed {
		return ErrInviteAlreadyUsed
	}
	if issuedAt.Before(notBefore) {
		return ErrInviteExpired
	}
	// Lost a race with a concurrent redeem of the same code.
	return ErrInviteAlreadyUsed
}

func (r *seatRepo) RegenerateInvite(ctx context.Context, seatID string, code NewSeat) error {
	const q = `
        UPDATE device_seats
        SET invite_code_hash = $2,
            invite_code_last4 = $3,
            status = 'available',
            device_fingerprint = NULL,
            claimed_at = NULL,
            code_issued_at = NOW(),
            revoked_at = NOW(),
            updated_at = NOW()
        WHERE id = $1
    `
	tag, err := r.pool.Exec(ctx, q, seatID, code.CodeHash, code.Last4)
	if err != nil {
		return fmt.Errorf("regenerate invite for seat %s: %w", seatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSeatNotFound
	}
	return nil
}

func (r *seatRepo) SetActive(ctx context.Context, seatID string, active bool) error {
	const q = `UPDATE device_seats SET active = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, seatID, active)
	if err != nil {
		return fmt.Errorf("set seat %s active=%t: %w", seatID, active, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSeatNotFound
	}
	return nil
}

func (r *seatRepo) DeleteSeat(ctx context.Context, seatID string) error {
	const q = `DELETE FROM device_seats WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, seatID)
	if err != nil {
		return fmt.Errorf("delete seat %s: %w", seatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSeatNotFound
	}
	return nil
}

func (r *seatRepo) ActiveSeatCount(ctx context.Context, subscriptionID string) (int, error) {
	var count int
	const q = `
        SELECT COUNT(*)
        FROM device_seats
        WHERE subscription_id = $1
          AND status = 'claimed'
          AND active = TRUE
    `
	if err := r.pool.QueryRow(ctx, q, subscriptionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active seats for subscription %s: %w", subscriptionID, err)
	}
	return count, nil
}
