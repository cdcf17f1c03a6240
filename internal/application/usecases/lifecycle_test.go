package usecases

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/dispatch"
	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/infrastructure/memstore"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type release struct {
	farm, reservation uuid.UUID
	count             int
}

type fakeInventory struct {
	mu       sync.Mutex
	released []release
}

func (f *fakeInventory) ReleaseTrees(ctx context.Context, farmID, reservationID uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, release{farmID, reservationID, count})
	return nil
}

type fixture struct {
	ctx       context.Context
	store     *memstore.Store
	clock     *fakeClock
	inventory *fakeInventory
	lifecycle Lifecycle
	admin     Admin
	farm      uuid.UUID
}

func newFixture(t *testing.T, policy reservation.FarmPaymentPolicy) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		store:     memstore.New(),
		clock:     &fakeClock{now: time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)},
		inventory: &fakeInventory{},
		farm:      policy.FarmID,
	}
	f.lifecycle = Lifecycle{Repo: f.store, Clock: f.clock, Inventory: f.inventory, Handoff: dispatch.Inline{}}
	f.admin = Admin{Repo: f.store, Clock: f.clock}
	if err := f.store.SavePolicy(f.ctx, policy); err != nil {
		t.Fatal(err)
	}
	return f
}

func flexibleFarm(days int) reservation.FarmPaymentPolicy {
	return reservation.FarmPaymentPolicy{FarmID: uuid.New(), Mode: reservation.ModeFlexible, GraceDays: days, UpdatedBy: reservation.ActorSystem}
}

func (f *fixture) create(t *testing.T) reservation.Reservation {
	t.Helper()
	r, err := f.lifecycle.Create(f.ctx, CreateRequest{
		FarmID:      f.farm,
		Contact:     reservation.Contact{Name: "Ana", Phone: "+56900000000"},
		PathType:    reservation.PathAgricultural,
		TreesCount:  4,
		TotalAmount: decimal.RequireFromString("1200.50"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func (f *fixture) approved(t *testing.T) reservation.Reservation {
	t.Helper()
	r, err := f.lifecycle.Approve(f.ctx, f.create(t).ID, "admin")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	f.reload(t, r.ID)
	return r
}

// reload reads a reservation back and fails the test if its deadline disagrees with its status.
func (f *fixture) reload(t *testing.T, id uuid.UUID) reservation.Reservation {
	t.Helper()
	r, err := f.store.Get(f.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CheckDeadlineInvariant(); err != nil {
		t.Error(err)
	}
	return r
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	_, err := f.lifecycle.Create(f.ctx, CreateRequest{FarmID: f.farm, PathType: reservation.PathInvestment, TreesCount: 0, TotalAmount: decimal.NewFromInt(10)})
	if !internaltypes.IsValidation(err) {
		t.Errorf("Create error = %v, want validation", err)
	}
	r := f.create(t)
	if r.Status != reservation.StatusPending || r.PaymentDeadline != nil {
		t.Errorf("created = %s deadline %v", r.Status, r.PaymentDeadline)
	}
	f.reload(t, r.ID)
}

func TestApprove(t *testing.T) {
	tests := []struct {
		name         string
		policy       reservation.FarmPaymentPolicy
		wantDeadline time.Duration
		wantFlexible bool
	}{
		{"flexible", flexibleFarm(7), 7 * 24 * time.Hour, true},
		{"immediate", reservation.FarmPaymentPolicy{FarmID: uuid.New(), Mode: reservation.ModeImmediate}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy)
			r := f.approved(t)
			if r.Status != reservation.StatusWaitingForPayment {
				t.Fatalf("status = %s", r.Status)
			}
			want := f.clock.now.Add(tt.wantDeadline)
			if r.PaymentDeadline == nil || !r.PaymentDeadline.Equal(want) {
				t.Errorf("deadline = %v, want %s", r.PaymentDeadline, want)
			}
			if r.FlexiblePaymentEnabled != tt.wantFlexible {
				t.Errorf("flexible = %v, want %v", r.FlexiblePaymentEnabled, tt.wantFlexible)
			}

			// Approving twice is a no-op.
			f.clock.Advance(time.Hour)
			again, err := f.lifecycle.Approve(f.ctx, r.ID, "admin")
			if err != nil || !again.PaymentDeadline.Equal(*r.PaymentDeadline) {
				t.Errorf("second approve = %v, %v", again.PaymentDeadline, err)
			}
		})
	}
}

// racingRepo starts a payment-mode toggle on the farm as soon as an approval has read
// the farm policy.
type racingRepo struct {
	*memstore.Store
	toggle func() error
	done   chan error
}

func (r *racingRepo) InFarmTx(ctx context.Context, farmID uuid.UUID, fn func(tx reservation.FarmTx) error) error {
	return r.Store.InFarmTx(ctx, farmID, func(tx reservation.FarmTx) error {
		return fn(racingTx{FarmTx: tx, r: r})
	})
}

type racingTx struct {
	reservation.FarmTx
	r *racingRepo
}

func (tx racingTx) Policy(ctx context.Context) (reservation.FarmPaymentPolicy, error) {
	p, err := tx.FarmTx.Policy(ctx)
	if tx.r.done == nil {
		tx.r.done = make(chan error, 1)
		go func() { tx.r.done <- tx.r.toggle() }()
		// give the toggle every chance to commit first
		time.Sleep(20 * time.Millisecond)
	}
	return p, err
}

func TestApproveSerializesWithToggle(t *testing.T) {
	f := newFixture(t, reservation.FarmPaymentPolicy{FarmID: uuid.New(), Mode: reservation.ModeImmediate})
	r := f.create(t)

	var toggled ToggleResult
	repo := &racingRepo{Store: f.store, toggle: func() error {
		var err error
		toggled, err = f.admin.ToggleFarmPaymentMode(f.ctx, ToggleRequest{
			FarmID: f.farm, Mode: reservation.ModeFlexible, GraceDays: 7, Reason: "extend", Actor: "admin",
		})
		return err
	}}
	l := f.lifecycle
	l.Repo = repo
	if _, err := l.Approve(f.ctx, r.ID, "admin"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := <-repo.done; err != nil {
		t.Fatalf("toggle: %v", err)
	}

	// The toggle committed after the approval and recomputed it.
	if toggled.Affected != 1 {
		t.Errorf("toggle affected %d reservations, want 1", toggled.Affected)
	}
	got := f.reload(t, r.ID)
	want := f.clock.now.AddDate(0, 0, 7)
	if !got.FlexiblePaymentEnabled || !got.PaymentDeadline.Equal(want) {
		t.Errorf("approved under %s: deadline %v flexible %v, want %s flexible", toggled.Mode, got.PaymentDeadline, got.FlexiblePaymentEnabled, want)
	}
}

func TestApproveUnknownFarm(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	r, err := f.lifecycle.Create(f.ctx, CreateRequest{
		FarmID: uuid.New(), PathType: reservation.PathInvestment, TreesCount: 1, TotalAmount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.lifecycle.Approve(f.ctx, r.ID, "admin"); !internaltypes.IsNotFound(err) {
		t.Errorf("Approve error = %v, want not found", err)
	}
}

func TestPaymentCallbacks(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	r := f.approved(t)

	sub, err := f.lifecycle.MarkSubmitted(f.ctx, r.ID, "gw-1")
	if err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if sub.Status != reservation.StatusPaymentSubmitted || sub.PaymentDeadline == nil {
		t.Errorf("submitted = %s deadline %v", sub.Status, sub.PaymentDeadline)
	}
	f.reload(t, r.ID)
	if _, err := f.lifecycle.MarkSubmitted(f.ctx, r.ID, "gw-1"); err != nil {
		t.Errorf("repeated submission: %v", err)
	}

	_, err = f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-1", decimal.RequireFromString("1200"))
	if !internaltypes.IsValidation(err) {
		t.Errorf("short payment error = %v, want validation", err)
	}

	paid, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-1", decimal.RequireFromString("1200.50"))
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != reservation.StatusPaid || paid.PaymentDeadline != nil {
		t.Errorf("paid = %s deadline %v", paid.Status, paid.PaymentDeadline)
	}
	f.reload(t, r.ID)
	if _, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-1", decimal.RequireFromString("1200.5")); err != nil {
		t.Errorf("duplicate paid callback: %v", err)
	}

	h, err := f.lifecycle.TransferToHarvest(f.ctx, r.ID, "admin")
	if err != nil || h.Status != reservation.StatusTransferredToHarvest {
		t.Errorf("TransferToHarvest = %s, %v", h.Status, err)
	}
	f.reload(t, r.ID)
}

func TestRepeatedPaidCallbackIgnoresAmount(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	r := f.approved(t)
	if _, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-3", r.TotalAmount); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	tests := []struct {
		name   string
		amount decimal.Decimal
	}{
		{"same amount", r.TotalAmount},
		{"different amount", decimal.NewFromInt(1)},
		{"zero", decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-3", tt.amount)
			if err != nil || got.Status != reservation.StatusPaid {
				t.Errorf("MarkPaid = %s, %v; want paid, nil", got.Status, err)
			}
		})
	}

	if _, err := f.lifecycle.TransferToHarvest(f.ctx, r.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	got, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-3", decimal.NewFromInt(1))
	if err != nil || got.Status != reservation.StatusTransferredToHarvest {
		t.Errorf("MarkPaid after harvest = %s, %v", got.Status, err)
	}
}

func TestMarkPaidSkipsSubmission(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	r := f.approved(t)
	paid, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn-2", r.TotalAmount)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != reservation.StatusPaid {
		t.Errorf("status = %s", paid.Status)
	}
	if paid.PaymentRef == nil || *paid.PaymentRef != "txn-2" {
		t.Errorf("PaymentRef = %v", paid.PaymentRef)
	}
	f.reload(t, r.ID)
}

func TestMarkPaidOnPendingIsStale(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	r := f.create(t)
	if _, err := f.lifecycle.MarkPaid(f.ctx, r.ID, "txn", r.TotalAmount); !internaltypes.IsStale(err) {
		t.Errorf("MarkPaid error = %v, want stale", err)
	}
}

func TestCancelReleasesTrees(t *testing.T) {
	f := newFixture(t, flexibleFarm(7))
	r := f.approved(t)

	out, err := f.lifecycle.Cancel(f.ctx, r.ID, "admin", "customer asked")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != reservation.StatusCancelled || out.PaymentDeadline != nil {
		t.Errorf("cancelled = %s deadline %v", out.Status, out.PaymentDeadline)
	}
	f.reload(t, r.ID)
	if len(f.inventory.released) != 1 || f.inventory.released[0] != (release{f.farm, r.ID, 4}) {
		t.Errorf("released = %+v", f.inventory.released)
	}

	evs, _ := f.store.Events(f.ctx, r.ID)
	if len(evs) != 1 || evs[0].Kind != reservation.KindManualFollowUp || evs[0].Payload["note"] != "customer asked" {
		t.Errorf("events = %+v", evs)
	}

	if _, err := f.lifecycle.Cancel(f.ctx, r.ID, "admin", ""); !internaltypes.IsStale(err) {
		t.Errorf("second cancel error = %v, want stale", err)
	}
	if len(f.inventory.released) != 1 {
		t.Errorf("trees released %d times", len(f.inventory.released))
	}
}
