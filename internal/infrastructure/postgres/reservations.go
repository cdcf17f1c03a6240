package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/db"
	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

const reservationCols = `id, farm_id, contact_name, contact_phone, contact_email, path_type, trees_count, total_amount::text,
status, flexible_payment_enabled, payment_deadline, payment_ref, transaction_id, created_at, updated_at,
last_activity_at, last_activity_type`

const eventCols = `id, reservation_id, farm_id, kind, occurred_at, actor, note, tier, payload::text`

// Store keeps reservations, the follow-up ledger and farm policies in Postgres.
// Status changes lock the reservation row and re-check the status in the UPDATE.
type Store struct{ db *db.DB }

func NewStore(d *db.DB) *Store { return &Store{db: d} }

var _ reservation.Repository = (*Store)(nil)

func scanReservation(row db.Row) (reservation.Reservation, error) {
	var (
		r                reservation.Reservation
		pathType, status string
		amount           string
	)
	if err := row.Scan(
		&r.ID, &r.FarmID, &r.Contact.Name, &r.Contact.Phone, &r.Contact.Email, &pathType, &r.TreesCount, &amount,
		&status, &r.FlexiblePaymentEnabled, &r.PaymentDeadline, &r.PaymentRef, &r.TransactionID, &r.CreatedAt, &r.UpdatedAt,
		&r.LastActivityAt, &r.LastActivityType,
	); err != nil {
		return reservation.Reservation{}, err
	}
	total, err := decimal.NewFromString(amount)
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("reservation %s: total_amount: %w", r.ID, err)
	}
	r.TotalAmount = total
	r.PathType = reservation.PathType(pathType)
	r.Status = reservation.Status(status)
	return r, nil
}

func scanEvent(row db.Row) (reservation.FollowUpEvent, error) {
	var (
		ev         reservation.FollowUpEvent
		kind, tier string
		payload    string
	)
	if err := row.Scan(&ev.ID, &ev.ReservationID, &ev.FarmID, &kind, &ev.OccurredAt, &ev.Actor, &ev.Note, &tier, &payload); err != nil {
		return reservation.FollowUpEvent{}, err
	}
	ev.Kind = reservation.EventKind(kind)
	ev.Tier = reservation.Tier(tier)
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return reservation.FollowUpEvent{}, fmt.Errorf("event %s: payload: %w", ev.ID, err)
		}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}

func (s *Store) Create(ctx context.Context, r reservation.Reservation) error {
	err := s.db.Exec(ctx, `
INSERT INTO reservations(id,farm_id,contact_name,contact_phone,contact_email,path_type,trees_count,total_amount,status,
	flexible_payment_enabled,payment_deadline,payment_ref,transaction_id,created_at,updated_at,last_activity_at,last_activity_type)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.FarmID, r.Contact.Name, r.Contact.Phone, r.Contact.Email, string(r.PathType), r.TreesCount, r.TotalAmount.String(),
		string(r.Status), r.FlexiblePaymentEnabled, r.PaymentDeadline, r.PaymentRef, r.TransactionID, r.CreatedAt, r.UpdatedAt,
		r.LastActivityAt, r.LastActivityType,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return internaltypes.Invalid("id", "reservation %s already exists", r.ID)
	}
	return err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (reservation.Reservation, error) {
	return getReservation(ctx, s.db, id, false)
}

func getReservation(ctx context.Context, q db.Querier, id uuid.UUID, lock bool) (reservation.Reservation, error) {
	sql := `SELECT ` + reservationCols + ` FROM reservations WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	r, err := scanReservation(q.QueryRow(ctx, sql, id))
	if err != nil {
		if db.IsNotFound(err) {
			return reservation.Reservation{}, internaltypes.NotFound("reservation", id)
		}
		return reservation.Reservation{}, db.WrapNotFound(err)
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, f reservation.Filter) ([]reservation.Reservation, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.FarmID != nil {
		where = append(where, "farm_id="+arg(*f.FarmID))
	}
	if len(f.Status) > 0 {
		st := make([]string, len(f.Status))
		for i, v := range f.Status {
			st[i] = string(v)
		}
		where = append(where, "status = ANY("+arg(st)+")")
	}
	if f.DeadlineBefore != nil {
		where = append(where, "payment_deadline < "+arg(*f.DeadlineBefore))
	}
	sql := `SELECT ` + reservationCols + ` FROM reservations`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		sql += ` LIMIT ` + arg(f.Limit)
	}
	return queryReservations(ctx, s.db, sql, args...)
}

func queryReservations(ctx context.Context, q db.Querier, sql string, args ...any) ([]reservation.Reservation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reservation.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func staleErr(id uuid.UUID, expected, actual reservation.Status) error {
	return &internaltypes.StaleStateError{ID: id.String(), Expected: string(expected), Actual: string(actual)}
}

func (s *Store) Transition(ctx context.Context, t reservation.Transition) (reservation.Reservation, error) {
	var out reservation.Reservation
	err := s.db.InTx(ctx, func(tx *db.Tx) error {
		var err error
		out, err = transition(ctx, tx, t, nil)
		return err
	})
	return out, err
}

// transition applies t to the row locked FOR UPDATE. A non-nil farm restricts it to
// reservations of that farm.
func transition(ctx context.Context, tx *db.Tx, t reservation.Transition, farm *uuid.UUID) (reservation.Reservation, error) {
	cur, err := getReservation(ctx, tx, t.ReservationID, true)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if farm != nil && cur.FarmID != *farm {
		return reservation.Reservation{}, internaltypes.Invalid("farm_id", "reservation %s belongs to farm %s", cur.ID, cur.FarmID)
	}
	if err := t.Guard(cur); err != nil {
		return reservation.Reservation{}, err
	}
	next, err := reservation.Apply(cur, t)
	if err != nil {
		return reservation.Reservation{}, internaltypes.Invalid("status", "%v", err)
	}
	n, err := tx.Exec(ctx, `
UPDATE reservations
SET status=$3, flexible_payment_enabled=$4, payment_deadline=$5, payment_ref=$6, transaction_id=$7,
	updated_at=$8, last_activity_at=$9, last_activity_type=$10
WHERE id=$1 AND status=$2`,
		next.ID, string(t.From), string(next.Status), next.FlexiblePaymentEnabled, next.PaymentDeadline, next.PaymentRef,
		next.TransactionID, next.UpdatedAt, next.LastActivityAt, next.LastActivityType)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if n == 0 {
		return reservation.Reservation{}, staleErr(cur.ID, t.From, "unknown")
	}
	if t.Event != nil {
		if err := insertEvent(ctx, tx, *t.Event); err != nil {
			return reservation.Reservation{}, err
		}
	}
	return next, nil
}

func insertEvent(ctx context.Context, tx *db.Tx, ev reservation.FollowUpEvent) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := tx.Exec(ctx, `
INSERT INTO followup_events(id,reservation_id,farm_id,kind,occurred_at,actor,note,tier,payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)`,
		ev.ID, ev.ReservationID, ev.FarmID, string(ev.Kind), ev.OccurredAt, ev.Actor, ev.Note, string(ev.Tier), string(payload))
	return err
}

func touch(ctx context.Context, tx *db.Tx, id uuid.UUID, at time.Time, kind reservation.EventKind) error {
	_, err := tx.Exec(ctx, `UPDATE reservations SET last_activity_at=$2, last_activity_type=$3 WHERE id=$1`, id, at, string(kind))
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev reservation.FollowUpEvent) error {
	return s.db.InTx(ctx, func(tx *db.Tx) error {
		if _, err := getReservation(ctx, tx, ev.ReservationID, true); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		return touch(ctx, tx, ev.ReservationID, ev.OccurredAt, ev.Kind)
	})
}

func (s *Store) Events(ctx context.Context, id uuid.UUID) ([]reservation.FollowUpEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return events(ctx, s.db, id)
}

func events(ctx context.Context, q db.Querier, id uuid.UUID) ([]reservation.FollowUpEvent, error) {
	rows, err := q.Query(ctx, `SELECT `+eventCols+` FROM followup_events WHERE reservation_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reservation.FollowUpEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) RecordReminder(ctx context.Context, ev reservation.FollowUpEvent, prev reservation.Tier, prevOK bool) error {
	return s.db.InTx(ctx, func(tx *db.Tx) error {
		cur, err := getReservation(ctx, tx, ev.ReservationID, true)
		if err != nil {
			return err
		}
		if cur.Status != reservation.StatusWaitingForPayment {
			return staleErr(cur.ID, reservation.StatusWaitingForPayment, cur.Status)
		}
		evs, err := events(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		last, ok := reservation.LastReminderTier(evs)
		if last != prev || ok != prevOK {
			return &internaltypes.StaleStateError{
				ID: cur.ID.String(), Expected: "reminder baseline " + string(prev), Actual: "reminder baseline " + string(last),
			}
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		return touch(ctx, tx, cur.ID, ev.OccurredAt, ev.Kind)
	})
}
