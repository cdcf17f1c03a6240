// Package scheduler holds the two periodic passes over open reservations: reminders for
// deadlines that got closer, and cancellation of deadlines that elapsed.
// Both passes can run concurrently, redundantly or out of order; every write is guarded
// by the store, so the loser of a race sees a stale-state conflict and moves on.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

type Runner struct {
	Repo      reservation.Repository
	Clock     reservation.Clock
	Messenger reservation.Messenger
	Inventory reservation.Inventory
	Handoff   reservation.Handoff

	// MinTier is the least urgent tier worth a reminder. Empty means medium.
	MinTier reservation.Tier
	// ImmediateBuffer is the grace applied to reservations stamped with immediate payment.
	ImmediateBuffer time.Duration
}

type ReminderResult struct {
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

type ExpirationResult struct {
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeSkipped
	outcomeConflict
	outcomeFailed
)

func (r Runner) minTier() reservation.Tier {
	if r.MinTier == "" {
		return reservation.TierMedium
	}
	return r.MinTier
}

func (r Runner) waiting(ctx context.Context) ([]reservation.Reservation, error) {
	return r.Repo.List(ctx, reservation.Filter{
		Status: []reservation.Status{reservation.StatusWaitingForPayment},
	})
}

// RunReminderSweep sends at most one reminder per tier escalation for every reservation
// waiting for payment. Failures on one record are logged and counted; they never stop the pass.
func (r Runner) RunReminderSweep(ctx context.Context) (ReminderResult, error) {
	var res ReminderResult
	rs, err := r.waiting(ctx)
	if err != nil {
		return res, fmt.Errorf("list waiting reservations: %w", err)
	}
	now := r.Clock.Now()
	for _, rv := range rs {
		switch isolate("reminder", rv, func() (outcome, error) { return r.remind(ctx, now, rv) }) {
		case outcomeDone:
			res.Sent++
		case outcomeSkipped:
			res.Skipped++
		case outcomeConflict:
			res.Conflicts++
		default:
			res.Failed++
		}
	}
	if res.Sent > 0 || res.Failed > 0 {
		log.Printf("scheduler: reminder sweep sent=%d skipped=%d conflicts=%d failed=%d",
			res.Sent, res.Skipped, res.Conflicts, res.Failed)
	}
	return res, nil
}

func (r Runner) remind(ctx context.Context, now time.Time, rv reservation.Reservation) (outcome, error) {
	if rv.PaymentDeadline == nil {
		return outcomeSkipped, nil
	}
	tier := reservation.Classify(now, *rv.PaymentDeadline)
	if r.minTier().MoreUrgentThan(tier) {
		return outcomeSkipped, nil
	}
	evs, err := r.Repo.Events(ctx, rv.ID)
	if err != nil {
		return outcomeFailed, err
	}
	last, ok := reservation.LastReminderTier(evs)
	if ok && !tier.MoreUrgentThan(last) {
		return outcomeSkipped, nil
	}

	ev := reservation.NewEvent(rv, reservation.KindReminderSent, now, reservation.ActorSystem, "")
	ev.Tier = tier
	ev.Payload = map[string]string{"deadline": rv.PaymentDeadline.Format(time.RFC3339)}
	if ok {
		ev.Payload["previous_tier"] = string(last)
	}
	if err := r.Repo.RecordReminder(ctx, ev, last, ok); err != nil {
		return outcomeFailed, err
	}

	msg := reservation.Reminder{
		ReservationID: rv.ID,
		FarmID:        rv.FarmID,
		Tier:          tier,
		Contact:       rv.Contact,
		Deadline:      *rv.PaymentDeadline,
	}
	if r.Handoff != nil && r.Messenger != nil {
		if !r.Handoff.Submit(fmt.Sprintf("%s reminder for %s", tier, rv.ID), func(ctx context.Context) error {
			return r.Messenger.SendReminder(ctx, msg)
		}) {
			log.Printf("scheduler: %s reminder for %s recorded but not handed off", tier, rv.ID)
		}
	}
	return outcomeDone, nil
}

// RunExpirationSweep cancels reservations still waiting for payment after their deadline
// and releases their trees. Submitted payments are never touched.
func (r Runner) RunExpirationSweep(ctx context.Context) (ExpirationResult, error) {
	var res ExpirationResult
	rs, err := r.waiting(ctx)
	if err != nil {
		return res, fmt.Errorf("list waiting reservations: %w", err)
	}
	now := r.Clock.Now()
	for _, rv := range rs {
		switch isolate("expiration", rv, func() (outcome, error) { return r.expire(ctx, now, rv) }) {
		case outcomeDone:
			res.Cancelled++
		case outcomeSkipped:
			res.Skipped++
		case outcomeConflict:
			res.Conflicts++
		default:
			res.Failed++
		}
	}
	if res.Cancelled > 0 || res.Failed > 0 {
		log.Printf("scheduler: expiration sweep cancelled=%d skipped=%d conflicts=%d failed=%d",
			res.Cancelled, res.Skipped, res.Conflicts, res.Failed)
	}
	return res, nil
}

// Expired reports whether a waiting reservation is past its deadline at now, counting the
// operational buffer for reservations stamped with immediate payment.
func Expired(now time.Time, rv reservation.Reservation, buffer time.Duration) bool {
	if rv.PaymentDeadline == nil {
		return false
	}
	cutoff := *rv.PaymentDeadline
	if !rv.FlexiblePaymentEnabled {
		cutoff = cutoff.Add(buffer)
	}
	return now.After(cutoff)
}

func (r Runner) expire(ctx context.Context, now time.Time, rv reservation.Reservation) (outcome, error) {
	if !Expired(now, rv, r.ImmediateBuffer) {
		return outcomeSkipped, nil
	}
	overdue := now.Sub(*rv.PaymentDeadline).Truncate(time.Second)
	ev := reservation.NewEvent(rv, reservation.KindAutoCancel, now, reservation.ActorSystem, "payment deadline elapsed")
	ev.Payload = map[string]string{
		"reason":   "payment_deadline_elapsed",
		"deadline": rv.PaymentDeadline.Format(time.RFC3339),
		"overdue":  overdue.String(),
	}
	// A toggle that moved the deadline since the listing makes this stale.
	out, err := r.Repo.Transition(ctx, reservation.Transition{
		ReservationID:  rv.ID,
		From:           reservation.StatusWaitingForPayment,
		To:             reservation.StatusCancelled,
		At:             now,
		ExpectDeadline: rv.PaymentDeadline,
		Event:          &ev,
	})
	if err != nil {
		return outcomeFailed, err
	}
	log.Printf("scheduler: reservation %s cancelled, %s past deadline", rv.ID, overdue)
	releaseTrees(r.Handoff, r.Inventory, out)
	return outcomeDone, nil
}

// isolate runs one record's work, turning panics into failures and stale guards into conflicts.
func isolate(pass string, rv reservation.Reservation, fn func() (outcome, error)) (o outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("scheduler: %s for %s panicked: %v", pass, rv.ID, p)
			o = outcomeFailed
		}
	}()
	o, err := fn()
	switch {
	case err == nil:
		return o
	case internaltypes.IsStale(err):
		log.Printf("scheduler: %s for %s skipped: %v", pass, rv.ID, err)
		return outcomeConflict
	default:
		log.Printf("scheduler: %s for %s failed: %v", pass, rv.ID, err)
		return outcomeFailed
	}
}

func releaseTrees(h reservation.Handoff, inv reservation.Inventory, rv reservation.Reservation) {
	if h == nil || inv == nil {
		return
	}
	if !h.Submit(fmt.Sprintf("release %d trees for %s", rv.TreesCount, rv.ID), func(ctx context.Context) error {
		return inv.ReleaseTrees(ctx, rv.FarmID, rv.ID, rv.TreesCount)
	}) {
		log.Printf("scheduler: inventory release for %s dropped, reconcile out of band", rv.ID)
	}
}
