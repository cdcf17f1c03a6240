package reservation

import (
	"time"

	"github.com/google/uuid"
)

// ActorSystem marks events produced by the schedulers rather than a person.
const ActorSystem = "system"

type EventKind string

const (
	KindReminderSent          EventKind = "reminder_sent"
	KindManualFollowUp        EventKind = "manual_followup"
	KindPolicyChangeRecompute EventKind = "policy_change_recompute"
	KindAutoCancel            EventKind = "auto_cancel"
)

// FollowUpEvent is an append-only ledger row. Rows are never updated or deleted.
type FollowUpEvent struct {
	ID            uuid.UUID         `json:"id"`
	ReservationID uuid.UUID         `json:"reservation_id"`
	FarmID        uuid.UUID         `json:"farm_id"`
	Kind          EventKind         `json:"kind"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Actor         string            `json:"actor"`
	Note          string            `json:"note,omitempty"`
	Tier          Tier              `json:"tier,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
}

func NewEvent(r Reservation, kind EventKind, at time.Time, actor, note string) FollowUpEvent {
	return FollowUpEvent{
		ID:            uuid.New(),
		ReservationID: r.ID,
		FarmID:        r.FarmID,
		Kind:          kind,
		OccurredAt:    at,
		Actor:         actor,
		Note:          note,
	}
}

// LastReminderTier returns the tier of the newest reminder recorded after the newest
// deadline recompute. Events must be in append order.
func LastReminderTier(events []FollowUpEvent) (Tier, bool) {
	var (
		tier Tier
		ok   bool
	)
	for _, ev := range events {
		switch ev.Kind {
		case KindPolicyChangeRecompute:
			tier, ok = "", false
		case KindReminderSent:
			tier, ok = ev.Tier, true
		}
	}
	return tier, ok
}

type Summary struct {
	ReservationID    uuid.UUID         `json:"reservation_id"`
	TotalFollowUps   int               `json:"total_follow_ups"`
	ByKind           map[EventKind]int `json:"by_kind"`
	LastActivityAt   *time.Time        `json:"last_activity_at,omitempty"`
	LastActivityKind EventKind         `json:"last_activity_kind,omitempty"`
}

// Summarize aggregates a reservation's ledger. Follow-ups count reminders and manual
// entries; last activity is the newest event of any kind.
func Summarize(id uuid.UUID, events []FollowUpEvent) Summary {
	s := Summary{ReservationID: id, ByKind: map[EventKind]int{}}
	for _, ev := range events {
		s.ByKind[ev.Kind]++
		if ev.Kind == KindReminderSent || ev.Kind == KindManualFollowUp {
			s.TotalFollowUps++
		}
		if s.LastActivityAt == nil || !ev.OccurredAt.Before(*s.LastActivityAt) {
			at := ev.OccurredAt
			s.LastActivityAt = &at
			s.LastActivityKind = ev.Kind
		}
	}
	return s
}
