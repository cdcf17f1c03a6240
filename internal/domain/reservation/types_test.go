package reservation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/internaltypes"
)

func newPending() Reservation {
	now := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	return Reservation{
		ID:          uuid.New(),
		FarmID:      uuid.New(),
		PathType:    PathAgricultural,
		TreesCount:  3,
		TotalAmount: decimal.RequireFromString("450.00"),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusWaitingForPayment, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusPaid, false},
		{StatusWaitingForPayment, StatusPaymentSubmitted, true},
		{StatusWaitingForPayment, StatusCancelled, true},
		{StatusWaitingForPayment, StatusPaid, false},
		{StatusPaymentSubmitted, StatusPaid, true},
		{StatusPaymentSubmitted, StatusCancelled, true},
		{StatusPaymentSubmitted, StatusWaitingForPayment, false},
		{StatusPaid, StatusTransferredToHarvest, true},
		{StatusPaid, StatusCancelled, false},
		{StatusCancelled, StatusWaitingForPayment, false},
		{StatusTransferredToHarvest, StatusPaid, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApplyKeepsDeadlineInvariant(t *testing.T) {
	at := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	deadline := at.AddDate(0, 0, 7)
	flexible := true
	ref := "gw-123"
	txn := "txn-9"

	r := newPending()
	steps := []Transition{
		{From: StatusPending, To: StatusWaitingForPayment, At: at, Deadline: &deadline, Flexible: &flexible},
		{From: StatusWaitingForPayment, To: StatusPaymentSubmitted, At: at.Add(time.Hour), PaymentRef: &ref},
		{From: StatusPaymentSubmitted, To: StatusPaid, At: at.Add(2 * time.Hour), TransactionID: &txn},
		{From: StatusPaid, To: StatusTransferredToHarvest, At: at.Add(3 * time.Hour)},
	}
	for _, step := range steps {
		var err error
		r, err = Apply(r, step)
		if err != nil {
			t.Fatalf("Apply(%s -> %s) error = %v", step.From, step.To, err)
		}
		if err := r.CheckDeadlineInvariant(); err != nil {
			t.Fatalf("after %s: %v", step.To, err)
		}
		if !r.UpdatedAt.Equal(step.At) {
			t.Errorf("UpdatedAt = %s, want %s", r.UpdatedAt, step.At)
		}
	}
	if r.PaymentRef == nil || *r.PaymentRef != ref {
		t.Errorf("PaymentRef = %v, want %s", r.PaymentRef, ref)
	}
	if r.TransactionID == nil || *r.TransactionID != txn {
		t.Errorf("TransactionID = %v, want %s", r.TransactionID, txn)
	}
	if !r.FlexiblePaymentEnabled {
		t.Error("FlexiblePaymentEnabled lost across transitions")
	}
}

func TestApplySubmittedKeepsDeadline(t *testing.T) {
	at := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	deadline := at.AddDate(0, 0, 3)
	r := newPending()
	r.Status = StatusWaitingForPayment
	r.PaymentDeadline = &deadline

	out, err := Apply(r, Transition{From: StatusWaitingForPayment, To: StatusPaymentSubmitted, At: at})
	if err != nil {
		t.Fatalf("Apply error = %v", err)
	}
	if out.PaymentDeadline == nil || !out.PaymentDeadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %s", out.PaymentDeadline, deadline)
	}
}

func TestApplyRejects(t *testing.T) {
	at := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)

	t.Run("illegal edge", func(t *testing.T) {
		r := newPending()
		if _, err := Apply(r, Transition{From: StatusPending, To: StatusPaid, At: at}); err == nil {
			t.Error("pending -> paid should fail")
		}
	})

	t.Run("waiting without deadline", func(t *testing.T) {
		r := newPending()
		if _, err := Apply(r, Transition{From: StatusPending, To: StatusWaitingForPayment, At: at}); err == nil {
			t.Error("approval without a deadline should fail")
		}
	})

	t.Run("cancel clears deadline", func(t *testing.T) {
		d := at.Add(time.Hour)
		r := newPending()
		r.Status = StatusWaitingForPayment
		r.PaymentDeadline = &d
		ev := NewEvent(r, KindAutoCancel, at, ActorSystem, "")
		out, err := Apply(r, Transition{From: StatusWaitingForPayment, To: StatusCancelled, At: at, Event: &ev})
		if err != nil {
			t.Fatalf("Apply error = %v", err)
		}
		if out.PaymentDeadline != nil {
			t.Errorf("deadline = %v, want nil", out.PaymentDeadline)
		}
		if out.LastActivityType != string(KindAutoCancel) {
			t.Errorf("LastActivityType = %q, want %q", out.LastActivityType, KindAutoCancel)
		}
	})
}

func TestTransitionGuard(t *testing.T) {
	deadline := time.Date(2025, 12, 8, 9, 0, 0, 0, time.UTC)
	waiting := newPending()
	waiting.Status = StatusWaitingForPayment
	waiting.PaymentDeadline = &deadline

	sameInstant := deadline.In(time.FixedZone("CLT", -3*3600))
	earlier := deadline.Add(-time.Second)
	noDeadline := newPending()

	tests := []struct {
		name      string
		cur       Reservation
		from      Status
		expect    *time.Time
		wantStale bool
	}{
		{"status matches", waiting, StatusWaitingForPayment, nil, false},
		{"status moved", waiting, StatusPending, nil, true},
		{"deadline matches", waiting, StatusWaitingForPayment, &deadline, false},
		{"deadline matches in another zone", waiting, StatusWaitingForPayment, &sameInstant, false},
		{"deadline moved", waiting, StatusWaitingForPayment, &earlier, true},
		{"deadline gone", noDeadline, StatusPending, &deadline, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Transition{ReservationID: tt.cur.ID, From: tt.from, ExpectDeadline: tt.expect}.Guard(tt.cur)
			if internaltypes.IsStale(err) != tt.wantStale || (err != nil && !tt.wantStale) {
				t.Errorf("Guard = %v, want stale %v", err, tt.wantStale)
			}
		})
	}
}

func TestReservationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Reservation)
		wantErr bool
	}{
		{"valid", func(*Reservation) {}, false},
		{"missing farm", func(r *Reservation) { r.FarmID = uuid.Nil }, true},
		{"unknown path", func(r *Reservation) { r.PathType = "orchard" }, true},
		{"zero trees", func(r *Reservation) { r.TreesCount = 0 }, true},
		{"zero amount", func(r *Reservation) { r.TotalAmount = decimal.Zero }, true},
		{"negative amount", func(r *Reservation) { r.TotalAmount = decimal.NewFromInt(-5) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newPending()
			tt.mutate(&r)
			if err := r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := ParseStatus("payment_submitted"); err != nil || st != StatusPaymentSubmitted {
		t.Errorf("ParseStatus = %q, %v", st, err)
	}
	if _, err := ParseStatus("refunded"); err == nil {
		t.Error("ParseStatus(refunded) expected error")
	}
}
