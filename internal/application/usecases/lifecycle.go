package usecases

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

// Lifecycle applies the externally triggered status transitions: approval, gateway
// callbacks, admin cancellation and the hand-off to harvest.
type Lifecycle struct {
	Repo      reservation.Repository
	Clock     reservation.Clock
	Inventory reservation.Inventory
	Handoff   reservation.Handoff
}

type CreateRequest struct {
	ID          uuid.UUID
	FarmID      uuid.UUID
	Contact     reservation.Contact
	PathType    reservation.PathType
	TreesCount  int
	TotalAmount decimal.Decimal
}

// Create records a reservation handed over by the booking flow in status pending.
func (l Lifecycle) Create(ctx context.Context, req CreateRequest) (reservation.Reservation, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := l.Clock.Now()
	r := reservation.Reservation{
		ID:          req.ID,
		FarmID:      req.FarmID,
		Contact:     req.Contact,
		PathType:    req.PathType,
		TreesCount:  req.TreesCount,
		TotalAmount: req.TotalAmount,
		Status:      reservation.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.Validate(); err != nil {
		return reservation.Reservation{}, internaltypes.Invalid("reservation", "%v", err)
	}
	if err := l.Repo.Create(ctx, r); err != nil {
		return reservation.Reservation{}, err
	}
	return r, nil
}

// Approve moves a pending reservation to waiting_for_payment with a deadline derived
// from the farm's current policy. Approving an already approved reservation is a no-op.
// The policy read and the transition share one farm transaction, so an approval never
// stamps a deadline from a policy that a concurrent toggle already replaced.
func (l Lifecycle) Approve(ctx context.Context, id uuid.UUID, actor string) (reservation.Reservation, error) {
	r, err := l.Repo.Get(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if r.Status == reservation.StatusWaitingForPayment {
		return r, nil
	}
	var (
		out    reservation.Reservation
		policy reservation.FarmPaymentPolicy
	)
	now := l.Clock.Now()
	err = l.Repo.InFarmTx(ctx, r.FarmID, func(tx reservation.FarmTx) error {
		var err error
		if policy, err = tx.Policy(ctx); err != nil {
			return err
		}
		deadline := reservation.ComputeDeadline(now, policy)
		flexible := policy.Flexible()
		out, err = tx.Transition(ctx, reservation.Transition{
			ReservationID: id,
			From:          reservation.StatusPending,
			To:            reservation.StatusWaitingForPayment,
			At:            now,
			Deadline:      &deadline,
			Flexible:      &flexible,
		})
		return err
	})
	if err != nil {
		return reservation.Reservation{}, err
	}
	log.Printf("lifecycle: reservation %s approved by %s, deadline %s (%s)", id, actor, out.PaymentDeadline.Format(time.RFC3339), policy.Mode)
	return out, nil
}

// MarkSubmitted records a gateway submission. The deadline is left as is; it only
// protects the reservation from expiration.
func (l Lifecycle) MarkSubmitted(ctx context.Context, id uuid.UUID, ref string) (reservation.Reservation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return reservation.Reservation{}, internaltypes.Invalid("ref", "required")
	}
	r, err := l.Repo.Get(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if r.Status == reservation.StatusPaymentSubmitted {
		return r, nil
	}
	return l.Repo.Transition(ctx, reservation.Transition{
		ReservationID: id,
		From:          reservation.StatusWaitingForPayment,
		To:            reservation.StatusPaymentSubmitted,
		At:            l.Clock.Now(),
		PaymentRef:    &ref,
	})
}

// MarkPaid records a confirmed payment. A confirmation that arrives before the
// submission callback is applied as submission followed by payment.
func (l Lifecycle) MarkPaid(ctx context.Context, id uuid.UUID, transactionID string, amount decimal.Decimal) (reservation.Reservation, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return reservation.Reservation{}, internaltypes.Invalid("transaction_id", "required")
	}
	r, err := l.Repo.Get(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if r.Status == reservation.StatusPaid || r.Status == reservation.StatusTransferredToHarvest {
		return r, nil
	}
	if !amount.Equal(r.TotalAmount) {
		return reservation.Reservation{}, internaltypes.Invalid("amount", "got %s, reservation total is %s", amount, r.TotalAmount)
	}
	if r.Status == reservation.StatusWaitingForPayment {
		if _, err := l.MarkSubmitted(ctx, id, transactionID); err != nil {
			return reservation.Reservation{}, err
		}
	}
	return l.Repo.Transition(ctx, reservation.Transition{
		ReservationID: id,
		From:          reservation.StatusPaymentSubmitted,
		To:            reservation.StatusPaid,
		At:            l.Clock.Now(),
		TransactionID: &transactionID,
	})
}

// Cancel is the admin override: any open reservation can be cancelled. The cancellation
// is logged as a manual follow-up and the reserved trees are released.
func (l Lifecycle) Cancel(ctx context.Context, id uuid.UUID, actor, note string) (reservation.Reservation, error) {
	if strings.TrimSpace(actor) == "" {
		return reservation.Reservation{}, internaltypes.Invalid("actor", "required")
	}
	r, err := l.Repo.Get(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if !r.Status.Open() {
		return reservation.Reservation{}, &internaltypes.StaleStateError{
			ID: id.String(), Expected: "an open status", Actual: string(r.Status),
		}
	}
	now := l.Clock.Now()
	ev := reservation.NewEvent(r, reservation.KindManualFollowUp, now, actor, "admin_cancel")
	ev.Payload = map[string]string{"from_status": string(r.Status)}
	if note = strings.TrimSpace(note); note != "" {
		ev.Payload["note"] = note
	}
	out, err := l.Repo.Transition(ctx, reservation.Transition{
		ReservationID: id,
		From:          r.Status,
		To:            reservation.StatusCancelled,
		At:            now,
		Event:         &ev,
	})
	if err != nil {
		return reservation.Reservation{}, err
	}
	releaseTrees(l.Handoff, l.Inventory, out)
	return out, nil
}

func (l Lifecycle) TransferToHarvest(ctx context.Context, id uuid.UUID, actor string) (reservation.Reservation, error) {
	out, err := l.Repo.Transition(ctx, reservation.Transition{
		ReservationID: id,
		From:          reservation.StatusPaid,
		To:            reservation.StatusTransferredToHarvest,
		At:            l.Clock.Now(),
	})
	if err != nil {
		return reservation.Reservation{}, err
	}
	log.Printf("lifecycle: reservation %s transferred to harvest by %s", id, actor)
	return out, nil
}

// releaseTrees hands the inventory release to the collaborator without waiting for it.
func releaseTrees(h reservation.Handoff, inv reservation.Inventory, r reservation.Reservation) {
	if h == nil || inv == nil {
		return
	}
	name := fmt.Sprintf("release %d trees for %s", r.TreesCount, r.ID)
	if !h.Submit(name, func(ctx context.Context) error {
		return inv.ReleaseTrees(ctx, r.FarmID, r.ID, r.TreesCount)
	}) {
		log.Printf("lifecycle: inventory release for %s dropped, reconcile out of band", r.ID)
	}
}
