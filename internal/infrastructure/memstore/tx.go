package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

// op is one staged reservation write: either a guarded transition or a deadline recompute.
type op struct {
	transition *reservation.Transition

	id       uuid.UUID
	deadline time.Time
	flexible bool
	ev       reservation.FollowUpEvent
}

// farmTx stages writes and applies them only when the callback returns nil.
type farmTx struct {
	s      *Store
	farmID uuid.UUID

	ops     []op
	policy  *reservation.FarmPaymentPolicy
	changes []reservation.PolicyChange
}

func (s *Store) farmLock(farmID uuid.UUID) *sync.Mutex {
	s.farmMu.Lock()
	defer s.farmMu.Unlock()
	l, ok := s.farmLocks[farmID]
	if !ok {
		l = &sync.Mutex{}
		s.farmLocks[farmID] = l
	}
	return l
}

// InFarmTx holds the farm lock for the whole unit. Store.Transition takes the same lock,
// so no status change on this farm interleaves with the staged writes.
func (s *Store) InFarmTx(ctx context.Context, farmID uuid.UUID, fn func(tx reservation.FarmTx) error) error {
	l := s.farmLock(farmID)
	l.Lock()
	defer l.Unlock()

	tx := &farmTx{s: s, farmID: farmID}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (tx *farmTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Build the whole write set before touching anything.
	staged := map[uuid.UUID]reservation.Reservation{}
	var events []reservation.FollowUpEvent
	current := func(id uuid.UUID) (reservation.Reservation, error) {
		if r, ok := staged[id]; ok {
			return r, nil
		}
		r, ok := s.reservations[id]
		if !ok {
			return reservation.Reservation{}, internaltypes.NotFound("reservation", id)
		}
		return r, nil
	}
	for _, o := range tx.ops {
		if o.transition != nil {
			cur, err := current(o.transition.ReservationID)
			if err != nil {
				return err
			}
			next, err := applyGuarded(cur, *o.transition)
			if err != nil {
				return err
			}
			staged[next.ID] = next
			if o.transition.Event != nil {
				events = append(events, *o.transition.Event)
			}
			continue
		}
		r, err := current(o.id)
		if err != nil {
			return err
		}
		if r.Status != reservation.StatusWaitingForPayment {
			return &internaltypes.StaleStateError{
				ID: o.id.String(), Expected: string(reservation.StatusWaitingForPayment), Actual: string(r.Status),
			}
		}
		d, at := o.deadline, o.ev.OccurredAt
		r.PaymentDeadline = &d
		r.FlexiblePaymentEnabled = o.flexible
		r.UpdatedAt = at
		r.LastActivityAt = &at
		r.LastActivityType = string(o.ev.Kind)
		staged[r.ID] = r
		events = append(events, o.ev)
	}

	for id, r := range staged {
		s.reservations[id] = r
	}
	for _, ev := range events {
		s.events[ev.ReservationID] = append(s.events[ev.ReservationID], ev)
	}
	if tx.policy != nil {
		s.policies[tx.farmID] = *tx.policy
	}
	s.changes[tx.farmID] = append(s.changes[tx.farmID], tx.changes...)
	return nil
}

func (tx *farmTx) Policy(ctx context.Context) (reservation.FarmPaymentPolicy, error) {
	if tx.policy != nil {
		return *tx.policy, nil
	}
	return tx.s.Policy(ctx, tx.farmID)
}

func (tx *farmTx) own(ctx context.Context, id uuid.UUID) (reservation.Reservation, error) {
	r, err := tx.s.Get(ctx, id)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if r.FarmID != tx.farmID {
		return reservation.Reservation{}, internaltypes.Invalid("farm_id", "reservation %s belongs to farm %s", id, r.FarmID)
	}
	return r, nil
}

// Transition checks t against the current row and stages it; commit checks it again.
func (tx *farmTx) Transition(ctx context.Context, t reservation.Transition) (reservation.Reservation, error) {
	cur, err := tx.own(ctx, t.ReservationID)
	if err != nil {
		return reservation.Reservation{}, err
	}
	next, err := applyGuarded(cur, t)
	if err != nil {
		return reservation.Reservation{}, err
	}
	tx.ops = append(tx.ops, op{transition: &t})
	return next, nil
}

func (tx *farmTx) WaitingForPayment(ctx context.Context) ([]reservation.Reservation, error) {
	farm := tx.farmID
	return tx.s.List(ctx, reservation.Filter{
		FarmID: &farm,
		Status: []reservation.Status{reservation.StatusWaitingForPayment},
	})
}

func (tx *farmTx) Recompute(ctx context.Context, id uuid.UUID, deadline time.Time, flexible bool, ev reservation.FollowUpEvent) error {
	r, err := tx.own(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != reservation.StatusWaitingForPayment {
		return &internaltypes.StaleStateError{
			ID: id.String(), Expected: string(reservation.StatusWaitingForPayment), Actual: string(r.Status),
		}
	}
	tx.ops = append(tx.ops, op{id: id, deadline: deadline, flexible: flexible, ev: ev})
	return nil
}

func (tx *farmTx) SavePolicy(ctx context.Context, p reservation.FarmPaymentPolicy) error {
	tx.policy = &p
	return nil
}

func (tx *farmTx) RecordPolicyChange(ctx context.Context, c reservation.PolicyChange) error {
	tx.changes = append(tx.changes, c)
	return nil
}
