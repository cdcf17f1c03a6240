package sqlite

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/domain/user"
)

type reservationRow struct {
	ID                     string `gorm:"primaryKey"`
	FarmID                 string `gorm:"index"`
	ContactName            string
	ContactPhone           string
	ContactEmail           string
	PathType               string
	TreesCount             int
	TotalAmount            string
	Status                 string `gorm:"index"`
	FlexiblePaymentEnabled bool
	PaymentDeadline        *time.Time
	PaymentRef             *string
	TransactionID          *string
	CreatedAt              time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime:false"`
	LastActivityAt         *time.Time
	LastActivityType       string
}

func (reservationRow) TableName() string { return "reservations" }

func toReservationRow(r reservation.Reservation) reservationRow {
	return reservationRow{
		ID:                     r.ID.String(),
		FarmID:                 r.FarmID.String(),
		ContactName:            r.Contact.Name,
		ContactPhone:           r.Contact.Phone,
		ContactEmail:           r.Contact.Email,
		PathType:               string(r.PathType),
		TreesCount:             r.TreesCount,
		TotalAmount:            r.TotalAmount.String(),
		Status:                 string(r.Status),
		FlexiblePaymentEnabled: r.FlexiblePaymentEnabled,
		PaymentDeadline:        r.PaymentDeadline,
		PaymentRef:             r.PaymentRef,
		TransactionID:          r.TransactionID,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		LastActivityAt:         r.LastActivityAt,
		LastActivityType:       r.LastActivityType,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (row reservationRow) domain() (reservation.Reservation, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("reservation id %q: %w", row.ID, err)
	}
	farmID, err := uuid.Parse(row.FarmID)
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("reservation %s farm id: %w", row.ID, err)
	}
	total, err := decimal.NewFromString(row.TotalAmount)
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("reservation %s total_amount: %w", row.ID, err)
	}
	return reservation.Reservation{
		ID:                     id,
		FarmID:                 farmID,
		Contact:                reservation.Contact{Name: row.ContactName, Phone: row.ContactPhone, Email: row.ContactEmail},
		PathType:               reservation.PathType(row.PathType),
		TreesCount:             row.TreesCount,
		TotalAmount:            total,
		Status:                 reservation.Status(row.Status),
		FlexiblePaymentEnabled: row.FlexiblePaymentEnabled,
		PaymentDeadline:        utcPtr(row.PaymentDeadline),
		PaymentRef:             row.PaymentRef,
		TransactionID:          row.TransactionID,
		CreatedAt:              row.CreatedAt.UTC(),
		UpdatedAt:              row.UpdatedAt.UTC(),
		LastActivityAt:         utcPtr(row.LastActivityAt),
		LastActivityType:       row.LastActivityType,
	}, nil
}

type eventRow struct {
	Seq           uint   `gorm:"primaryKey;autoIncrement"`
	ID            string `gorm:"uniqueIndex"`
	ReservationID string `gorm:"index"`
	FarmID        string
	Kind          string
	OccurredAt    time.Time
	Actor         string
	Note          string
	Tier          string
	Payload       datatypes.JSONMap
}

func (eventRow) TableName() string { return "followup_events" }

func toEventRow(ev reservation.FollowUpEvent) eventRow {
	var payload datatypes.JSONMap
	if len(ev.Payload) > 0 {
		payload = datatypes.JSONMap{}
		for k, v := range ev.Payload {
			payload[k] = v
		}
	}
	return eventRow{
		ID:            ev.ID.String(),
		ReservationID: ev.ReservationID.String(),
		FarmID:        ev.FarmID.String(),
		Kind:          string(ev.Kind),
		OccurredAt:    ev.OccurredAt,
		Actor:         ev.Actor,
		Note:          ev.Note,
		Tier:          string(ev.Tier),
		Payload:       payload,
	}
}

func (row eventRow) domain() (reservation.FollowUpEvent, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return reservation.FollowUpEvent{}, fmt.Errorf("event id %q: %w", row.ID, err)
	}
	rid, err := uuid.Parse(row.ReservationID)
	if err != nil {
		return reservation.FollowUpEvent{}, fmt.Errorf("event %s reservation id: %w", row.ID, err)
	}
	farmID, err := uuid.Parse(row.FarmID)
	if err != nil {
		return reservation.FollowUpEvent{}, fmt.Errorf("event %s farm id: %w", row.ID, err)
	}
	ev := reservation.FollowUpEvent{
		ID:            id,
		ReservationID: rid,
		FarmID:        farmID,
		Kind:          reservation.EventKind(row.Kind),
		OccurredAt:    row.OccurredAt.UTC(),
		Actor:         row.Actor,
		Note:          row.Note,
		Tier:          reservation.Tier(row.Tier),
	}
	if len(row.Payload) > 0 {
		ev.Payload = make(map[string]string, len(row.Payload))
		for k, v := range row.Payload {
			ev.Payload[k] = fmt.Sprint(v)
		}
	}
	return ev, nil
}

type policyRow struct {
	FarmID    string `gorm:"primaryKey"`
	Mode      string
	GraceDays int
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
	UpdatedBy string
	Reason    string
}

func (policyRow) TableName() string { return "farm_payment_policies" }

func toPolicyRow(p reservation.FarmPaymentPolicy) policyRow {
	return policyRow{
		FarmID:    p.FarmID.String(),
		Mode:      string(p.Mode),
		GraceDays: p.GraceDays,
		UpdatedAt: p.UpdatedAt,
		UpdatedBy: p.UpdatedBy,
		Reason:    p.Reason,
	}
}

func (row policyRow) domain() (reservation.FarmPaymentPolicy, error) {
	farmID, err := uuid.Parse(row.FarmID)
	if err != nil {
		return reservation.FarmPaymentPolicy{}, fmt.Errorf("policy farm id %q: %w", row.FarmID, err)
	}
	return reservation.FarmPaymentPolicy{
		FarmID:    farmID,
		Mode:      reservation.PaymentMode(row.Mode),
		GraceDays: row.GraceDays,
		UpdatedAt: row.UpdatedAt.UTC(),
		UpdatedBy: row.UpdatedBy,
		Reason:    row.Reason,
	}, nil
}

type policyChangeRow struct {
	ID            string `gorm:"primaryKey"`
	FarmID        string `gorm:"index"`
	PrevMode      string
	PrevGraceDays int
	Mode          string
	GraceDays     int
	Reason        string
	Actor         string
	At            time.Time
	Affected      int
}

func (policyChangeRow) TableName() string { return "farm_policy_changes" }

func toPolicyChangeRow(c reservation.PolicyChange) policyChangeRow {
	return policyChangeRow{
		ID:            c.ID.String(),
		FarmID:        c.FarmID.String(),
		PrevMode:      string(c.PrevMode),
		PrevGraceDays: c.PrevGraceDays,
		Mode:          string(c.Mode),
		GraceDays:     c.GraceDays,
		Reason:        c.Reason,
		Actor:         c.Actor,
		At:            c.At,
		Affected:      c.Affected,
	}
}

func (row policyChangeRow) domain() (reservation.PolicyChange, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return reservation.PolicyChange{}, fmt.Errorf("policy change id %q: %w", row.ID, err)
	}
	farmID, err := uuid.Parse(row.FarmID)
	if err != nil {
		return reservation.PolicyChange{}, fmt.Errorf("policy change %s farm id: %w", row.ID, err)
	}
	return reservation.PolicyChange{
		ID:            id,
		FarmID:        farmID,
		PrevMode:      reservation.PaymentMode(row.PrevMode),
		PrevGraceDays: row.PrevGraceDays,
		Mode:          reservation.PaymentMode(row.Mode),
		GraceDays:     row.GraceDays,
		Reason:        row.Reason,
		Actor:         row.Actor,
		At:            row.At.UTC(),
		Affected:      row.Affected,
	}, nil
}

type adminUserRow struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	PasswordHash []byte
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
}

func (adminUserRow) TableName() string { return "admin_users" }

func (row adminUserRow) domain() user.User {
	return user.User{ID: row.ID, Username: row.Username, PasswordHash: row.PasswordHash, CreatedAt: row.CreatedAt.UTC()}
}
