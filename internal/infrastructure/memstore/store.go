// Package memstore is an in-process implementation of the reservation repository.
// It backs tests and the single-process "memory" store driver; nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/domain/user"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

type Store struct {
	mu           sync.Mutex
	reservations map[uuid.UUID]reservation.Reservation
	events       map[uuid.UUID][]reservation.FollowUpEvent
	policies     map[uuid.UUID]reservation.FarmPaymentPolicy
	changes      map[uuid.UUID][]reservation.PolicyChange
	users        map[string]user.User

	farmMu    sync.Mutex
	farmLocks map[uuid.UUID]*sync.Mutex
}

func New() *Store {
	return &Store{
		reservations: map[uuid.UUID]reservation.Reservation{},
		events:       map[uuid.UUID][]reservation.FollowUpEvent{},
		policies:     map[uuid.UUID]reservation.FarmPaymentPolicy{},
		changes:      map[uuid.UUID][]reservation.PolicyChange{},
		users:        map[string]user.User{},
		farmLocks:    map[uuid.UUID]*sync.Mutex{},
	}
}

var _ reservation.Repository = (*Store)(nil)

func (s *Store) Create(ctx context.Context, r reservation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; ok {
		return internaltypes.Invalid("id", "reservation %s already exists", r.ID)
	}
	s.reservations[r.ID] = clone(r)
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return reservation.Reservation{}, internaltypes.NotFound("reservation", id)
	}
	return clone(r), nil
}

func (s *Store) List(ctx context.Context, f reservation.Filter) ([]reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reservation.Reservation
	for _, r := range s.reservations {
		if matches(r, f) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(r reservation.Reservation, f reservation.Filter) bool {
	if f.FarmID != nil && r.FarmID != *f.FarmID {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, st := range f.Status {
			if r.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DeadlineBefore != nil {
		if r.PaymentDeadline == nil || !r.PaymentDeadline.Before(*f.DeadlineBefore) {
			return false
		}
	}
	return true
}

// Transition takes the farm lock of the reservation, so a status change never lands in
// the middle of a farm transaction on the same farm.
func (s *Store) Transition(ctx context.Context, t reservation.Transition) (reservation.Reservation, error) {
	r, err := s.Get(ctx, t.ReservationID)
	if err != nil {
		return reservation.Reservation{}, err
	}
	l := s.farmLock(r.FarmID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := applyGuarded(s.reservations[t.ReservationID], t)
	if err != nil {
		return reservation.Reservation{}, err
	}
	s.reservations[next.ID] = next
	if t.Event != nil {
		s.events[next.ID] = append(s.events[next.ID], *t.Event)
	}
	return clone(next), nil
}

func applyGuarded(cur reservation.Reservation, t reservation.Transition) (reservation.Reservation, error) {
	if err := t.Guard(cur); err != nil {
		return reservation.Reservation{}, err
	}
	next, err := reservation.Apply(cur, t)
	if err != nil {
		return reservation.Reservation{}, internaltypes.Invalid("status", "%v", err)
	}
	return next, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev reservation.FollowUpEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[ev.ReservationID]
	if !ok {
		return internaltypes.NotFound("reservation", ev.ReservationID)
	}
	s.appendLocked(r, ev)
	return nil
}

func (s *Store) appendLocked(r reservation.Reservation, ev reservation.FollowUpEvent) {
	s.events[r.ID] = append(s.events[r.ID], ev)
	at := ev.OccurredAt
	r.LastActivityAt = &at
	r.LastActivityType = string(ev.Kind)
	s.reservations[r.ID] = r
}

func (s *Store) Events(ctx context.Context, id uuid.UUID) ([]reservation.FollowUpEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[id]; !ok {
		return nil, internaltypes.NotFound("reservation", id)
	}
	evs := s.events[id]
	out := make([]reservation.FollowUpEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *Store) RecordReminder(ctx context.Context, ev reservation.FollowUpEvent, prev reservation.Tier, prevOK bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[ev.ReservationID]
	if !ok {
		return internaltypes.NotFound("reservation", ev.ReservationID)
	}
	if r.Status != reservation.StatusWaitingForPayment {
		return &internaltypes.StaleStateError{
			ID: r.ID.String(), Expected: string(reservation.StatusWaitingForPayment), Actual: string(r.Status),
		}
	}
	last, lastOK := reservation.LastReminderTier(s.events[r.ID])
	if last != prev || lastOK != prevOK {
		return &internaltypes.StaleStateError{
			ID: r.ID.String(), Expected: "reminder baseline " + string(prev), Actual: "reminder baseline " + string(last),
		}
	}
	s.appendLocked(r, ev)
	return nil
}

func (s *Store) Policy(ctx context.Context, farmID uuid.UUID) (reservation.FarmPaymentPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[farmID]
	if !ok {
		return reservation.FarmPaymentPolicy{}, internaltypes.NotFound("farm payment policy", farmID)
	}
	return p, nil
}

func (s *Store) SavePolicy(ctx context.Context, p reservation.FarmPaymentPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.FarmID] = p
	return nil
}

func (s *Store) PolicyHistory(ctx context.Context, farmID uuid.UUID) ([]reservation.PolicyChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.changes[farmID]
	out := make([]reservation.PolicyChange, len(cs))
	copy(out, cs)
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, u user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return internaltypes.Invalid("username", "%q already exists", u.Username)
	}
	s.users[u.Username] = u
	return nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return user.User{}, &internaltypes.NotFoundError{Entity: "user", ID: username}
	}
	return u, nil
}

func clone(r reservation.Reservation) reservation.Reservation {
	if r.PaymentDeadline != nil {
		d := *r.PaymentDeadline
		r.PaymentDeadline = &d
	}
	if r.LastActivityAt != nil {
		a := *r.LastActivityAt
		r.LastActivityAt = &a
	}
	return r
}
