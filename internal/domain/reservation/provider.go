package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Repository is the reservation store plus the follow-up ledger and farm policies.
// Implementations must make Transition (via Transition.Guard on the locked row) and
// RecordReminder conditional on the persisted state and return a
// *internaltypes.StaleStateError when the guard fails.
type Repository interface {
	Create(ctx context.Context, r Reservation) error
	Get(ctx context.Context, id uuid.UUID) (Reservation, error)
	List(ctx context.Context, f Filter) ([]Reservation, error)
	Transition(ctx context.Context, t Transition) (Reservation, error)

	AppendEvent(ctx context.Context, ev FollowUpEvent) error
	Events(ctx context.Context, reservationID uuid.UUID) ([]FollowUpEvent, error)
	// RecordReminder appends a reminder_sent event only if the reservation is still
	// waiting for payment and its current reminder baseline equals prev (ok=false: none).
	RecordReminder(ctx context.Context, ev FollowUpEvent, prev Tier, prevOK bool) error

	Policy(ctx context.Context, farmID uuid.UUID) (FarmPaymentPolicy, error)
	SavePolicy(ctx context.Context, p FarmPaymentPolicy) error
	PolicyHistory(ctx context.Context, farmID uuid.UUID) ([]PolicyChange, error)

	// InFarmTx runs fn as one all-or-nothing unit scoped to a single farm.
	InFarmTx(ctx context.Context, farmID uuid.UUID, fn func(tx FarmTx) error) error
}

// FarmTx is the write set available inside a per-farm transaction.
type FarmTx interface {
	Policy(ctx context.Context) (FarmPaymentPolicy, error)
	// Transition is Repository.Transition for a reservation of this farm, committed with
	// the rest of the unit.
	Transition(ctx context.Context, t Transition) (Reservation, error)
	WaitingForPayment(ctx context.Context) ([]Reservation, error)
	// Recompute replaces the deadline of a reservation that is still waiting for payment.
	Recompute(ctx context.Context, id uuid.UUID, deadline time.Time, flexible bool, ev FollowUpEvent) error
	SavePolicy(ctx context.Context, p FarmPaymentPolicy) error
	RecordPolicyChange(ctx context.Context, c PolicyChange) error
}

// Reminder is the payload handed to the messaging collaborator.
type Reminder struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	FarmID        uuid.UUID `json:"farm_id"`
	Tier          Tier      `json:"tier"`
	Contact       Contact   `json:"contact"`
	Deadline      time.Time `json:"deadline"`
}

type Messenger interface {
	SendReminder(ctx context.Context, r Reminder) error
}

// Inventory releases trees held by a cancelled reservation. The reservation id is an
// idempotency key: releasing twice for the same reservation must not double release.
type Inventory interface {
	ReleaseTrees(ctx context.Context, farmID, reservationID uuid.UUID, count int) error
}

// Handoff runs collaborator calls outside the caller's goroutine. Submit reports false
// when the work was dropped.
type Handoff interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}
