package reservation

import (
	"fmt"
	"time"
)

// Tier is a coarse classification of how close a reservation is to its payment deadline.
type Tier string

const (
	TierNormal   Tier = "normal"
	TierMedium   Tier = "medium"
	TierUrgent   Tier = "urgent"
	TierCritical Tier = "critical"
	TierOverdue  Tier = "overdue"
)

const (
	CriticalWithin = 24 * time.Hour
	UrgentWithin   = 3 * 24 * time.Hour
	MediumWithin   = 7 * 24 * time.Hour
)

var tierRank = map[Tier]int{
	TierNormal:   0,
	TierMedium:   1,
	TierUrgent:   2,
	TierCritical: 3,
	TierOverdue:  4,
}

// Classify maps the time left until deadline to a tier. Boundaries belong to the
// tighter tier: exactly 24h left is critical, exactly 3d is urgent, exactly 7d is medium.
func Classify(now, deadline time.Time) Tier {
	if now.After(deadline) {
		return TierOverdue
	}
	left := deadline.Sub(now)
	switch {
	case left <= CriticalWithin:
		return TierCritical
	case left <= UrgentWithin:
		return TierUrgent
	case left <= MediumWithin:
		return TierMedium
	default:
		return TierNormal
	}
}

// MoreUrgentThan reports whether t ranks strictly above other.
func (t Tier) MoreUrgentThan(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown urgency tier %q", s)
	}
	return t, nil
}
