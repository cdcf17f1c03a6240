package reservation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PaymentMode string

const (
	ModeFlexible  PaymentMode = "flexible"
	ModeImmediate PaymentMode = "immediate"
)

// DefaultGraceDays is applied when a farm is onboarded without an explicit policy.
const DefaultGraceDays = 7

func ParsePaymentMode(s string) (PaymentMode, error) {
	switch m := PaymentMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFlexible, ModeImmediate:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment mode %q", s)
}

type FarmPaymentPolicy struct {
	FarmID    uuid.UUID   `json:"farm_id"`
	Mode      PaymentMode `json:"mode"`
	GraceDays int         `json:"grace_days"`
	UpdatedAt time.Time   `json:"updated_at"`
	UpdatedBy string      `json:"updated_by"`
	Reason    string      `json:"reason"`
}

func DefaultPolicy(farmID uuid.UUID, now time.Time) FarmPaymentPolicy {
	return FarmPaymentPolicy{
		FarmID:    farmID,
		Mode:      ModeFlexible,
		GraceDays: DefaultGraceDays,
		UpdatedAt: now,
		UpdatedBy: ActorSystem,
		Reason:    "onboarding default",
	}
}

// Flexible reports whether reservations computed under p get a grace period.
func (p FarmPaymentPolicy) Flexible() bool { return p.Mode == ModeFlexible }

func (p FarmPaymentPolicy) Validate() error {
	if p.FarmID == uuid.Nil {
		return fmt.Errorf("farm_id required")
	}
	switch p.Mode {
	case ModeFlexible:
		if p.GraceDays <= 0 {
			return fmt.Errorf("flexible mode requires grace_days > 0 (got %d)", p.GraceDays)
		}
	case ModeImmediate:
		if p.GraceDays != 0 {
			return fmt.Errorf("immediate mode requires grace_days = 0 (got %d)", p.GraceDays)
		}
	default:
		return fmt.Errorf("unknown payment mode %q", p.Mode)
	}
	return nil
}

// ComputeDeadline returns the payment deadline for a reservation approved or recomputed
// at now. Immediate mode yields now; the sweeper applies its own operational buffer.
func ComputeDeadline(now time.Time, p FarmPaymentPolicy) time.Time {
	if p.Mode == ModeFlexible {
		return now.AddDate(0, 0, p.GraceDays)
	}
	return now
}

// PolicyChange is the audit row written for every toggle.
type PolicyChange struct {
	ID            uuid.UUID   `json:"id"`
	FarmID        uuid.UUID   `json:"farm_id"`
	PrevMode      PaymentMode `json:"prev_mode"`
	PrevGraceDays int         `json:"prev_grace_days"`
	Mode          PaymentMode `json:"mode"`
	GraceDays     int         `json:"grace_days"`
	Reason        string      `json:"reason"`
	Actor         string      `json:"actor"`
	At            time.Time   `json:"at"`
	Affected      int         `json:"affected"`
}
