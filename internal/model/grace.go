package model

import "time"

// GracePeriod tracks a multi-location violation from first detection to
// resolution or lockout. At most one unresolved record exists per
// subscription.
type GracePeriod struct {
	ID              string     `db:"id" json:"id"`
	SubscriptionID  string     `db:"subscription_id" json:"subscription_id"`
	FirstDetectedAt time.Time  `db:"first_detected_at" json:"first_detected_at"`
	LocationCount   int        `db:"location_count" json:"location_count"`
	Deadline        time.Time  `db:"deadline" json:"deadline"`
	Resolved        bool       `db:"resolved" json:"resolved"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// DaysRemaining returns whole days until the deadline, never negative.
func (g *GracePeriod) DaysRemaining(now time.Time) int {
	if g == nil || !now.Before(g.Deadline) {
		return 0
	}
	return int(g.Deadline.Sub(now).Hours()/24) + 1
}
