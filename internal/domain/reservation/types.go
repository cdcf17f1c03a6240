package reservation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/internaltypes"
)

type Status string

const (
	StatusPending              Status = "pending"
	StatusWaitingForPayment    Status = "waiting_for_payment"
	StatusPaymentSubmitted     Status = "payment_submitted"
	StatusPaid                 Status = "paid"
	StatusCancelled            Status = "cancelled"
	StatusTransferredToHarvest Status = "transferred_to_harvest"
)

var validTransitions = map[Status][]Status{
	StatusPending:              {StatusWaitingForPayment, StatusCancelled},
	StatusWaitingForPayment:    {StatusPaymentSubmitted, StatusCancelled},
	StatusPaymentSubmitted:     {StatusPaid, StatusCancelled},
	StatusPaid:                 {StatusTransferredToHarvest},
	StatusCancelled:            {},
	StatusTransferredToHarvest: {},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal statuses are never mutated by the engine again. Paid still accepts the
// administrative hand-off to harvest.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusTransferredToHarvest
}

// Open statuses can be cancelled by an administrator.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusWaitingForPayment || s == StatusPaymentSubmitted
}

// HoldsDeadline reports whether a reservation in this status must carry a payment deadline.
func (s Status) HoldsDeadline() bool {
	return s == StatusWaitingForPayment || s == StatusPaymentSubmitted
}

type PathType string

const (
	PathAgricultural PathType = "agricultural"
	PathInvestment   PathType = "investment"
)

func ParsePathType(s string) (PathType, error) {
	switch p := PathType(s); p {
	case PathAgricultural, PathInvestment:
		return p, nil
	}
	return "", fmt.Errorf("unknown path type %q", s)
}

// Contact is passed through to the messaging collaborator untouched.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type Reservation struct {
	ID       uuid.UUID `json:"id"`
	FarmID   uuid.UUID `json:"farm_id"`
	Contact  Contact   `json:"contact"`
	PathType PathType  `json:"path_type"`

	TreesCount  int             `json:"trees_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`

	Status                 Status     `json:"status"`
	FlexiblePaymentEnabled bool       `json:"flexible_payment_enabled"`
	PaymentDeadline        *time.Time `json:"payment_deadline,omitempty"`
	PaymentRef             *string    `json:"payment_ref,omitempty"`
	TransactionID          *string    `json:"transaction_id,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	LastActivityType string     `json:"last_activity_type,omitempty"`
}

// Validate checks the fields the booking flow must supply.
func (r Reservation) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("id required")
	}
	if r.FarmID == uuid.Nil {
		return fmt.Errorf("farm_id required")
	}
	if _, err := ParsePathType(string(r.PathType)); err != nil {
		return err
	}
	if r.TreesCount < 1 {
		return fmt.Errorf("trees_count must be >= 1")
	}
	if !r.TotalAmount.IsPositive() {
		return fmt.Errorf("total_amount must be positive")
	}
	return nil
}

// CheckDeadlineInvariant verifies a deadline is present exactly while the status holds one.
func (r Reservation) CheckDeadlineInvariant() error {
	has := r.PaymentDeadline != nil
	if has != r.Status.HoldsDeadline() {
		return fmt.Errorf("reservation %s: status %s with deadline present=%v", r.ID, r.Status, has)
	}
	return nil
}

// Transition is a guarded status change. The store applies it only when the persisted
// status still equals From and, if ExpectDeadline is set, the persisted deadline still
// equals it.
type Transition struct {
	ReservationID uuid.UUID
	From          Status
	To            Status
	At            time.Time

	// ExpectDeadline pins the deadline the caller decided on.
	ExpectDeadline *time.Time

	// Deadline replaces the current deadline when To holds one; nil keeps it.
	Deadline      *time.Time
	Flexible      *bool
	PaymentRef    *string
	TransactionID *string

	// Event, when set, is appended in the same write as the status change.
	Event *FollowUpEvent
}

// Guard returns a *internaltypes.StaleStateError when cur is no longer the state t was
// decided on. Stores call it on the locked row, right before writing.
func (t Transition) Guard(cur Reservation) error {
	if cur.Status != t.From {
		return &internaltypes.StaleStateError{ID: cur.ID.String(), Expected: string(t.From), Actual: string(cur.Status)}
	}
	if t.ExpectDeadline != nil && (cur.PaymentDeadline == nil || !cur.PaymentDeadline.Equal(*t.ExpectDeadline)) {
		return &internaltypes.StaleStateError{
			ID:       cur.ID.String(),
			Expected: "deadline " + t.ExpectDeadline.UTC().Format(time.RFC3339Nano),
			Actual:   "deadline " + formatDeadline(cur.PaymentDeadline),
		}
	}
	return nil
}

func formatDeadline(d *time.Time) string {
	if d == nil {
		return "none"
	}
	return d.UTC().Format(time.RFC3339Nano)
}

// Apply returns r after t. It does not run Guard; stores do that under their own lock
// so the comparison and the write are one step.
func Apply(r Reservation, t Transition) (Reservation, error) {
	if !r.Status.CanTransitionTo(t.To) {
		return r, fmt.Errorf("transition %s -> %s not allowed", r.Status, t.To)
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	if t.To.HoldsDeadline() {
		if t.Deadline != nil {
			d := *t.Deadline
			r.PaymentDeadline = &d
		}
		if r.PaymentDeadline == nil {
			return r, fmt.Errorf("transition to %s requires a payment deadline", t.To)
		}
	} else {
		r.PaymentDeadline = nil
	}
	if t.Flexible != nil {
		r.FlexiblePaymentEnabled = *t.Flexible
	}
	if t.PaymentRef != nil {
		r.PaymentRef = t.PaymentRef
	}
	if t.TransactionID != nil {
		r.TransactionID = t.TransactionID
	}
	if t.Event != nil {
		at := t.Event.OccurredAt
		r.LastActivityAt = &at
		r.LastActivityType = string(t.Event.Kind)
	}
	return r, nil
}

type Filter struct {
	FarmID *uuid.UUID
	Status []Status
	// DeadlineBefore limits results to reservations whose deadline is strictly earlier.
	DeadlineBefore *time.Time
	Limit          int
}
