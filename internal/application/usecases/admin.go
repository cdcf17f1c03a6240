package usecases

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

// Admin exposes the farm payment policy toggle and the follow-up ledger.
type Admin struct {
	Repo  reservation.Repository
	Clock reservation.Clock
}

type ToggleRequest struct {
	FarmID    uuid.UUID
	Mode      reservation.PaymentMode
	GraceDays int
	Reason    string
	Actor     string
}

type ToggleResult struct {
	FarmID    uuid.UUID               `json:"farm_id"`
	Mode      reservation.PaymentMode `json:"mode"`
	GraceDays int                     `json:"grace_days"`
	Affected  int                     `json:"affected"`
	Deadline  time.Time               `json:"deadline"`
}

func (req ToggleRequest) validate() error {
	if req.FarmID == uuid.Nil {
		return internaltypes.Invalid("farm_id", "required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return internaltypes.Invalid("reason", "required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return internaltypes.Invalid("actor", "required")
	}
	switch req.Mode {
	case reservation.ModeFlexible:
		if req.GraceDays <= 0 {
			return internaltypes.Invalid("grace_days", "flexible mode needs a positive grace period, got %d", req.GraceDays)
		}
	case reservation.ModeImmediate:
	default:
		return internaltypes.Invalid("mode", "unknown payment mode %q", req.Mode)
	}
	return nil
}

// ToggleFarmPaymentMode replaces a farm's payment policy and recomputes the deadline of
// every reservation on that farm still waiting for payment, all in one farm-scoped
// transaction. Submitted payments keep their deadline.
func (a Admin) ToggleFarmPaymentMode(ctx context.Context, req ToggleRequest) (ToggleResult, error) {
	if err := req.validate(); err != nil {
		return ToggleResult{}, err
	}
	if req.Mode == reservation.ModeImmediate {
		req.GraceDays = 0
	}

	var res ToggleResult
	err := a.Repo.InFarmTx(ctx, req.FarmID, func(tx reservation.FarmTx) error {
		prev, err := tx.Policy(ctx)
		if err != nil {
			return err
		}
		now := a.Clock.Now()
		next := reservation.FarmPaymentPolicy{
			FarmID:    req.FarmID,
			Mode:      req.Mode,
			GraceDays: req.GraceDays,
			UpdatedAt: now,
			UpdatedBy: req.Actor,
			Reason:    req.Reason,
		}
		deadline := reservation.ComputeDeadline(now, next)

		waiting, err := tx.WaitingForPayment(ctx)
		if err != nil {
			return err
		}
		for _, r := range waiting {
			ev := reservation.NewEvent(r, reservation.KindPolicyChangeRecompute, now, req.Actor, req.Reason)
			ev.Payload = map[string]string{
				"prev_mode":       string(prev.Mode),
				"prev_grace_days": strconv.Itoa(prev.GraceDays),
				"mode":            string(next.Mode),
				"grace_days":      strconv.Itoa(next.GraceDays),
				"deadline":        deadline.Format(time.RFC3339),
			}
			if r.PaymentDeadline != nil {
				ev.Payload["prev_deadline"] = r.PaymentDeadline.Format(time.RFC3339)
			}
			if err := tx.Recompute(ctx, r.ID, deadline, next.Flexible(), ev); err != nil {
				return err
			}
		}
		if err := tx.SavePolicy(ctx, next); err != nil {
			return err
		}
		if err := tx.RecordPolicyChange(ctx, reservation.PolicyChange{
			ID:            uuid.New(),
			FarmID:        req.FarmID,
			PrevMode:      prev.Mode,
			PrevGraceDays: prev.GraceDays,
			Mode:          next.Mode,
			GraceDays:     next.GraceDays,
			Reason:        req.Reason,
			Actor:         req.Actor,
			At:            now,
			Affected:      len(waiting),
		}); err != nil {
			return err
		}
		res = ToggleResult{
			FarmID:    req.FarmID,
			Mode:      next.Mode,
			GraceDays: next.GraceDays,
			Affected:  len(waiting),
			Deadline:  deadline,
		}
		return nil
	})
	if err != nil {
		return ToggleResult{}, err
	}
	log.Printf("admin: farm %s payment mode -> %s (%d days) by %s, %d reservations recomputed",
		req.FarmID, res.Mode, res.GraceDays, req.Actor, res.Affected)
	return res, nil
}

// RecordManualFollowUp appends a manual note to the ledger without touching status or deadline.
func (a Admin) RecordManualFollowUp(ctx context.Context, id uuid.UUID, note, actor string) (reservation.FollowUpEvent, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return reservation.FollowUpEvent{}, internaltypes.Invalid("note", "required")
	}
	if strings.TrimSpace(actor) == "" {
		return reservation.FollowUpEvent{}, internaltypes.Invalid("actor", "required")
	}
	r, err := a.Repo.Get(ctx, id)
	if err != nil {
		return reservation.FollowUpEvent{}, err
	}
	ev := reservation.NewEvent(r, reservation.KindManualFollowUp, a.Clock.Now(), actor, note)
	if err := a.Repo.AppendEvent(ctx, ev); err != nil {
		return reservation.FollowUpEvent{}, err
	}
	return ev, nil
}

func (a Admin) FollowUps(ctx context.Context, id uuid.UUID) ([]reservation.FollowUpEvent, reservation.Summary, error) {
	evs, err := a.Repo.Events(ctx, id)
	if err != nil {
		return nil, reservation.Summary{}, err
	}
	return evs, reservation.Summarize(id, evs), nil
}

// OnboardFarm stores a farm's initial policy. Policies of existing farms only change
// through ToggleFarmPaymentMode.
func (a Admin) OnboardFarm(ctx context.Context, p reservation.FarmPaymentPolicy) (reservation.FarmPaymentPolicy, error) {
	if p.FarmID == uuid.Nil {
		return reservation.FarmPaymentPolicy{}, internaltypes.Invalid("farm_id", "required")
	}
	if p.Mode == "" {
		def := reservation.DefaultPolicy(p.FarmID, a.Clock.Now())
		p.Mode = def.Mode
		if p.GraceDays == 0 {
			p.GraceDays = def.GraceDays
		}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = a.Clock.Now()
	}
	if p.UpdatedBy == "" {
		p.UpdatedBy = reservation.ActorSystem
	}
	if err := p.Validate(); err != nil {
		return reservation.FarmPaymentPolicy{}, internaltypes.Invalid("policy", "%v", err)
	}
	if _, err := a.Repo.Policy(ctx, p.FarmID); err == nil {
		return reservation.FarmPaymentPolicy{}, internaltypes.Invalid("farm_id", "farm %s already has a payment policy", p.FarmID)
	} else if !internaltypes.IsNotFound(err) {
		return reservation.FarmPaymentPolicy{}, err
	}
	if err := a.Repo.SavePolicy(ctx, p); err != nil {
		return reservation.FarmPaymentPolicy{}, err
	}
	return p, nil
}

// Listed is a reservation with its current urgency; Tier is empty when there is no deadline.
type Listed struct {
	reservation.Reservation
	Tier reservation.Tier `json:"tier,omitempty"`
}

func (a Admin) List(ctx context.Context, f reservation.Filter) ([]Listed, error) {
	rs, err := a.Repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	now := a.Clock.Now()
	out := make([]Listed, 0, len(rs))
	for _, r := range rs {
		out = append(out, listed(now, r))
	}
	return out, nil
}

func listed(now time.Time, r reservation.Reservation) Listed {
	l := Listed{Reservation: r}
	if r.PaymentDeadline != nil {
		l.Tier = reservation.Classify(now, *r.PaymentDeadline)
	}
	return l
}

func (a Admin) Get(ctx context.Context, id uuid.UUID) (Listed, error) {
	r, err := a.Repo.Get(ctx, id)
	if err != nil {
		return Listed{}, err
	}
	return listed(a.Clock.Now(), r), nil
}

func (a Admin) Policy(ctx context.Context, farmID uuid.UUID) (reservation.FarmPaymentPolicy, error) {
	return a.Repo.Policy(ctx, farmID)
}

func (a Admin) PolicyHistory(ctx context.Context, farmID uuid.UUID) ([]reservation.PolicyChange, error) {
	if _, err := a.Repo.Policy(ctx, farmID); err != nil {
		return nil, err
	}
	return a.Repo.PolicyHistory(ctx, farmID)
}
