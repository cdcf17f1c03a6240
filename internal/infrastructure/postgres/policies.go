package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/grove-scheduler/internal/db"
	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

func getPolicy(ctx context.Context, q db.Querier, farmID uuid.UUID, lock bool) (reservation.FarmPaymentPolicy, error) {
	sql := `SELECT farm_id, mode, grace_days, updated_at, updated_by, reason FROM farm_payment_policies WHERE farm_id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		p    reservation.FarmPaymentPolicy
		mode string
	)
	err := q.QueryRow(ctx, sql, farmID).Scan(&p.FarmID, &mode, &p.GraceDays, &p.UpdatedAt, &p.UpdatedBy, &p.Reason)
	if err != nil {
		if db.IsNotFound(err) {
			return reservation.FarmPaymentPolicy{}, internaltypes.NotFound("farm payment policy", farmID)
		}
		return reservation.FarmPaymentPolicy{}, db.WrapNotFound(err)
	}
	p.Mode = reservation.PaymentMode(mode)
	return p, nil
}

func (s *Store) Policy(ctx context.Context, farmID uuid.UUID) (reservation.FarmPaymentPolicy, error) {
	return getPolicy(ctx, s.db, farmID, false)
}

const upsertPolicy = `
INSERT INTO farm_payment_policies(farm_id, mode, grace_days, updated_at, updated_by, reason)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (farm_id) DO UPDATE
SET mode=EXCLUDED.mode, grace_days=EXCLUDED.grace_days, updated_at=EXCLUDED.updated_at,
	updated_by=EXCLUDED.updated_by, reason=EXCLUDED.reason`

func (s *Store) SavePolicy(ctx context.Context, p reservation.FarmPaymentPolicy) error {
	return s.db.Exec(ctx, upsertPolicy, p.FarmID, string(p.Mode), p.GraceDays, p.UpdatedAt, p.UpdatedBy, p.Reason)
}

func (s *Store) PolicyHistory(ctx context.Context, farmID uuid.UUID) ([]reservation.PolicyChange, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, farm_id, prev_mode, prev_grace_days, mode, grace_days, reason, actor, at, affected
FROM farm_policy_changes
WHERE farm_id=$1
ORDER BY at ASC`, farmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reservation.PolicyChange
	for rows.Next() {
		var (
			c              reservation.PolicyChange
			prevMode, mode string
		)
		if err := rows.Scan(&c.ID, &c.FarmID, &prevMode, &c.PrevGraceDays, &mode, &c.GraceDays, &c.Reason, &c.Actor, &c.At, &c.Affected); err != nil {
			return nil, err
		}
		c.PrevMode = reservation.PaymentMode(prevMode)
		c.Mode = reservation.PaymentMode(mode)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InFarmTx runs fn in one transaction. The first Policy call inside fn locks the farm's
// policy row, so two toggles on the same farm serialize while other farms proceed.
func (s *Store) InFarmTx(ctx context.Context, farmID uuid.UUID, fn func(tx reservation.FarmTx) error) error {
	return s.db.InTx(ctx, func(tx *db.Tx) error {
		return fn(&farmTx{tx: tx, farmID: farmID})
	})
}

type farmTx struct {
	tx     *db.Tx
	farmID uuid.UUID
}

func (f *farmTx) Policy(ctx context.Context) (reservation.FarmPaymentPolicy, error) {
	return getPolicy(ctx, f.tx, f.farmID, true)
}

func (f *farmTx) Transition(ctx context.Context, t reservation.Transition) (reservation.Reservation, error) {
	return transition(ctx, f.tx, t, &f.farmID)
}

func (f *farmTx) WaitingForPayment(ctx context.Context) ([]reservation.Reservation, error) {
	return queryReservations(ctx, f.tx, `SELECT `+reservationCols+` FROM reservations
WHERE farm_id=$1 AND status=$2
ORDER BY created_at ASC, id ASC
FOR UPDATE`, f.farmID, string(reservation.StatusWaitingForPayment))
}

func (f *farmTx) Recompute(ctx context.Context, id uuid.UUID, deadline time.Time, flexible bool, ev reservation.FollowUpEvent) error {
	n, err := f.tx.Exec(ctx, `
UPDATE reservations
SET payment_deadline=$3, flexible_payment_enabled=$4, updated_at=$5, last_activity_at=$5, last_activity_type=$6
WHERE id=$1 AND farm_id=$2 AND status='waiting_for_payment'`,
		id, f.farmID, deadline, flexible, ev.OccurredAt, string(ev.Kind))
	if err != nil {
		return err
	}
	if n == 0 {
		return staleErr(id, reservation.StatusWaitingForPayment, "unknown")
	}
	return insertEvent(ctx, f.tx, ev)
}

func (f *farmTx) SavePolicy(ctx context.Context, p reservation.FarmPaymentPolicy) error {
	_, err := f.tx.Exec(ctx, upsertPolicy, p.FarmID, string(p.Mode), p.GraceDays, p.UpdatedAt, p.UpdatedBy, p.Reason)
	return err
}

func (f *farmTx) RecordPolicyChange(ctx context.Context, c reservation.PolicyChange) error {
	_, err := f.tx.Exec(ctx, `
INSERT INTO farm_policy_changes(id, farm_id, prev_mode, prev_grace_days, mode, grace_days, reason, actor, at, affected)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.FarmID, string(c.PrevMode), c.PrevGraceDays, string(c.Mode), c.GraceDays, c.Reason, c.Actor, c.At, c.Affected)
	return err
}
