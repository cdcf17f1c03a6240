// Package sqlite is a single-file reservation store on gorm and the CGO-free SQLite driver.
// It serves small deployments and the CLI; every write goes through one connection.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/domain/user"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

type Store struct{ db *gorm.DB }

var (
	_ reservation.Repository = (*Store)(nil)
	_ user.Repository        = (*Store)(nil)
)

// Open opens (or creates) the database at path and migrates the schema. ":memory:" gives
// a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&adminUserRow{},
		&policyRow{},
		&policyChangeRow{},
		&reservationRow{},
		&eventRow{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }

func (s *Store) Create(ctx context.Context, r reservation.Reservation) error {
	row := toReservationRow(r)
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return internaltypes.Invalid("id", "reservation %s already exists", r.ID)
	}
	return err
}

func getReservation(tx *gorm.DB, id uuid.UUID) (reservation.Reservation, error) {
	var row reservationRow
	if err := tx.First(&row, "id = ?", id.String()).Error; err != nil {
		if notFound(err) {
			return reservation.Reservation{}, internaltypes.NotFound("reservation", id)
		}
		return reservation.Reservation{}, err
	}
	return row.domain()
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (reservation.Reservation, error) {
	return getReservation(s.db.WithContext(ctx), id)
}

func (s *Store) List(ctx context.Context, f reservation.Filter) ([]reservation.Reservation, error) {
	return listReservations(s.db.WithContext(ctx), f)
}

func listReservations(tx *gorm.DB, f reservation.Filter) ([]reservation.Reservation, error) {
	q := tx.Model(&reservationRow{})
	if f.FarmID != nil {
		q = q.Where("farm_id = ?", f.FarmID.String())
	}
	if len(f.Status) > 0 {
		st := make([]string, len(f.Status))
		for i, v := range f.Status {
			st[i] = string(v)
		}
		q = q.Where("status IN ?", st)
	}
	if f.DeadlineBefore != nil {
		q = q.Where("payment_deadline IS NOT NULL AND payment_deadline < ?", *f.DeadlineBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []reservationRow
	if err := q.Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reservation.Reservation, 0, len(rows))
	for _, row := range rows {
		r, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func staleErr(id uuid.UUID, expected, actual string) error {
	return &internaltypes.StaleStateError{ID: id.String(), Expected: expected, Actual: actual}
}

func (s *Store) Transition(ctx context.Context, t reservation.Transition) (reservation.Reservation, error) {
	var out reservation.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = transition(tx, t, nil)
		return err
	})
	return out, err
}

// transition applies t inside tx. A non-nil farm restricts it to reservations of that farm.
func transition(tx *gorm.DB, t reservation.Transition, farm *uuid.UUID) (reservation.Reservation, error) {
	cur, err := getReservation(tx, t.ReservationID)
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
	res := tx.Model(&reservationRow{}).
		Where("id = ? AND status = ?", next.ID.String(), string(t.From)).
		UpdateColumns(map[string]any{
			"status":                   string(next.Status),
			"flexible_payment_enabled": next.FlexiblePaymentEnabled,
			"payment_deadline":         nullable(next.PaymentDeadline),
			"payment_ref":              nullable(next.PaymentRef),
			"transaction_id":           nullable(next.TransactionID),
			"updated_at":               next.UpdatedAt,
			"last_activity_at":         nullable(next.LastActivityAt),
			"last_activity_type":       next.LastActivityType,
		})
	if res.Error != nil {
		return reservation.Reservation{}, res.Error
	}
	if res.RowsAffected == 0 {
		return reservation.Reservation{}, staleErr(cur.ID, string(t.From), "unknown")
	}
	if t.Event != nil {
		row := toEventRow(*t.Event)
		if err := tx.Create(&row).Error; err != nil {
			return reservation.Reservation{}, err
		}
	}
	return next, nil
}

// nullable unwraps optional columns so a nil pointer is written as NULL.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func appendEvent(tx *gorm.DB, ev reservation.FollowUpEvent) error {
	row := toEventRow(ev)
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	return tx.Model(&reservationRow{}).Where("id = ?", ev.ReservationID.String()).
		UpdateColumns(map[string]any{"last_activity_at": ev.OccurredAt, "last_activity_type": string(ev.Kind)}).Error
}

func (s *Store) AppendEvent(ctx context.Context, ev reservation.FollowUpEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getReservation(tx, ev.ReservationID); err != nil {
			return err
		}
		return appendEvent(tx, ev)
	})
}

func events(tx *gorm.DB, id uuid.UUID) ([]reservation.FollowUpEvent, error) {
	var rows []eventRow
	if err := tx.Where("reservation_id = ?", id.String()).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reservation.FollowUpEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) Events(ctx context.Context, id uuid.UUID) ([]reservation.FollowUpEvent, error) {
	var out []reservation.FollowUpEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getReservation(tx, id); err != nil {
			return err
		}
		var err error
		out, err = events(tx, id)
		return err
	})
	return out, err
}

func (s *Store) RecordReminder(ctx context.Context, ev reservation.FollowUpEvent, prev reservation.Tier, prevOK bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := getReservation(tx, ev.ReservationID)
		if err != nil {
			return err
		}
		if cur.Status != reservation.StatusWaitingForPayment {
			return staleErr(cur.ID, string(reservation.StatusWaitingForPayment), string(cur.Status))
		}
		evs, err := events(tx, cur.ID)
		if err != nil {
			return err
		}
		last, ok := reservation.LastReminderTier(evs)
		if last != prev || ok != prevOK {
			return staleErr(cur.ID, "reminder baseline "+string(prev), "reminder baseline "+string(last))
		}
		return appendEvent(tx, ev)
	})
}

func getPolicy(tx *gorm.DB, farmID uuid.UUID) (reservation.FarmPaymentPolicy, error) {
	var row policyRow
	if err := tx.First(&row, "farm_id = ?", farmID.String()).Error; err != nil {
		if notFound(err) {
			return reservation.FarmPaymentPolicy{}, internaltypes.NotFound("farm payment policy", farmID)
		}
		return reservation.FarmPaymentPolicy{}, err
	}
	return row.domain()
}

func (s *Store) Policy(ctx context.Context, farmID uuid.UUID) (reservation.FarmPaymentPolicy, error) {
	return getPolicy(s.db.WithContext(ctx), farmID)
}

func (s *Store) SavePolicy(ctx context.Context, p reservation.FarmPaymentPolicy) error {
	row := toPolicyRow(p)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) PolicyHistory(ctx context.Context, farmID uuid.UUID) ([]reservation.PolicyChange, error) {
	var rows []policyChangeRow
	if err := s.db.WithContext(ctx).Where("farm_id = ?", farmID.String()).Order("at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reservation.PolicyChange, 0, len(rows))
	for _, row := range rows {
		c, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// InFarmTx runs fn inside one SQLite transaction; any error rolls back every write fn made.
func (s *Store) InFarmTx(ctx context.Context, farmID uuid.UUID, fn func(tx reservation.FarmTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&farmTx{tx: tx, farmID: farmID})
	})
}

type farmTx struct {
	tx     *gorm.DB
	farmID uuid.UUID
}

func (f *farmTx) Policy(ctx context.Context) (reservation.FarmPaymentPolicy, error) {
	return getPolicy(f.tx, f.farmID)
}

func (f *farmTx) Transition(ctx context.Context, t reservation.Transition) (reservation.Reservation, error) {
	return transition(f.tx, t, &f.farmID)
}

func (f *farmTx) WaitingForPayment(ctx context.Context) ([]reservation.Reservation, error) {
	farm := f.farmID
	return listReservations(f.tx, reservation.Filter{
		FarmID: &farm,
		Status: []reservation.Status{reservation.StatusWaitingForPayment},
	})
}

func (f *farmTx) Recompute(ctx context.Context, id uuid.UUID, deadline time.Time, flexible bool, ev reservation.FollowUpEvent) error {
	res := f.tx.Model(&reservationRow{}).
		Where("id = ? AND farm_id = ? AND status = ?", id.String(), f.farmID.String(), string(reservation.StatusWaitingForPayment)).
		UpdateColumns(map[string]any{
			"payment_deadline":         deadline,
			"flexible_payment_enabled": flexible,
			"updated_at":               ev.OccurredAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return staleErr(id, string(reservation.StatusWaitingForPayment), "unknown")
	}
	return appendEvent(f.tx, ev)
}

func (f *farmTx) SavePolicy(ctx context.Context, p reservation.FarmPaymentPolicy) error {
	row := toPolicyRow(p)
	return f.tx.Save(&row).Error
}

func (f *farmTx) RecordPolicyChange(ctx context.Context, c reservation.PolicyChange) error {
	row := toPolicyChangeRow(c)
	return f.tx.Create(&row).Error
}

func (s *Store) CreateUser(ctx context.Context, u user.User) error {
	row := adminUserRow{ID: u.ID, Username: u.Username, PasswordHash: u.PasswordHash, CreatedAt: u.CreatedAt}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return internaltypes.Invalid("username", "%q already exists", u.Username)
	}
	return err
}

func (s *Store) GetByUsername(ctx context.Context, username string) (user.User, error) {
	var row adminUserRow
	if err := s.db.WithContext(ctx).First(&row, "username = ?", username).Error; err != nil {
		if notFound(err) {
			return user.User{}, &internaltypes.NotFoundError{Entity: "user", ID: username}
		}
		return user.User{}, err
	}
	return row.domain(), nil
}
