package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/application/usecases"
	"github.com/example/grove-scheduler/internal/dispatch"
	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/infrastructure/memstore"
)

var t0 = time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []reservation.Reminder
}

func (m *fakeMessenger) SendReminder(ctx context.Context, r reservation.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, r)
	return nil
}

func (m *fakeMessenger) tiers() []reservation.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reservation.Tier
	for _, r := range m.sent {
		out = append(out, r.Tier)
	}
	return out
}

type fakeInventory struct {
	mu       sync.Mutex
	released map[uuid.UUID]int
	calls    int
}

func (f *fakeInventory) ReleaseTrees(ctx context.Context, farmID, reservationID uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = map[uuid.UUID]int{}
	}
	f.released[reservationID] += count
	f.calls++
	return nil
}

type harness struct {
	ctx       context.Context
	store     *memstore.Store
	clock     *fakeClock
	messenger *fakeMessenger
	inventory *fakeInventory
	lifecycle usecases.Lifecycle
	admin     usecases.Admin
	runner    Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:       context.Background(),
		store:     memstore.New(),
		clock:     &fakeClock{now: t0},
		messenger: &fakeMessenger{},
		inventory: &fakeInventory{},
	}
	h.lifecycle = usecases.Lifecycle{Repo: h.store, Clock: h.clock, Inventory: h.inventory, Handoff: dispatch.Inline{}}
	h.admin = usecases.Admin{Repo: h.store, Clock: h.clock}
	h.runner = Runner{
		Repo:            h.store,
		Clock:           h.clock,
		Messenger:       h.messenger,
		Inventory:       h.inventory,
		Handoff:         dispatch.Inline{},
		ImmediateBuffer: 30 * time.Minute,
	}
	return h
}

func (h *harness) farm(t *testing.T, mode reservation.PaymentMode, days int) uuid.UUID {
	t.Helper()
	p, err := h.admin.OnboardFarm(h.ctx, reservation.FarmPaymentPolicy{FarmID: uuid.New(), Mode: mode, GraceDays: days})
	if err != nil {
		t.Fatalf("OnboardFarm: %v", err)
	}
	return p.FarmID
}

func (h *harness) approve(t *testing.T, farm uuid.UUID, trees int) reservation.Reservation {
	t.Helper()
	r, err := h.lifecycle.Create(h.ctx, usecases.CreateRequest{
		FarmID:      farm,
		Contact:     reservation.Contact{Name: "Luis", Email: "luis@example.com"},
		PathType:    reservation.PathAgricultural,
		TreesCount:  trees,
		TotalAmount: decimal.NewFromInt(int64(trees) * 150),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err = h.lifecycle.Approve(h.ctx, r.ID, "admin"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return h.get(t, r.ID)
}

func (h *harness) remind(t *testing.T) ReminderResult {
	t.Helper()
	res, err := h.runner.RunReminderSweep(h.ctx)
	if err != nil {
		t.Fatalf("RunReminderSweep: %v", err)
	}
	return res
}

func (h *harness) expire(t *testing.T) ExpirationResult {
	t.Helper()
	res, err := h.runner.RunExpirationSweep(h.ctx)
	if err != nil {
		t.Fatalf("RunExpirationSweep: %v", err)
	}
	return res
}

// get reloads a reservation and fails the test if its deadline disagrees with its status.
func (h *harness) get(t *testing.T, id uuid.UUID) reservation.Reservation {
	t.Helper()
	r, err := h.store.Get(h.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CheckDeadlineInvariant(); err != nil {
		t.Error(err)
	}
	return r
}

func (h *harness) status(t *testing.T, id uuid.UUID) reservation.Status {
	t.Helper()
	return h.get(t, id).Status
}

func TestReminderOncePerTier(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 10)
	h.approve(t, farm, 1)

	steps := []struct {
		at       time.Duration
		wantSent int
	}{
		{0, 0},                   // normal, below the minimum tier
		{4 * 24 * time.Hour, 1},  // medium
		{4*24*time.Hour + 1, 0},  // same tier again
		{5 * 24 * time.Hour, 0},  // still medium
		{8 * 24 * time.Hour, 1},  // urgent
		{9*24*time.Hour + 1, 1},  // critical
		{9*24*time.Hour + 2, 0},  // critical again
		{10*24*time.Hour + 1, 1}, // overdue
		{11 * 24 * time.Hour, 0}, // overdue again
	}
	for _, s := range steps {
		h.clock.Set(t0.Add(s.at))
		if got := h.remind(t); got.Sent != s.wantSent {
			t.Errorf("at +%v sent = %d, want %d", s.at, got.Sent, s.wantSent)
		}
	}
	want := []reservation.Tier{reservation.TierMedium, reservation.TierUrgent, reservation.TierCritical, reservation.TierOverdue}
	got := h.messenger.tiers()
	if len(got) != len(want) {
		t.Fatalf("tiers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tiers = %v, want %v", got, want)
			break
		}
	}
}

func TestReminderSkipsTierJumpDuplicates(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 7)
	r := h.approve(t, farm, 1)

	// First pass lands directly in critical; no earlier tiers are back-filled.
	h.clock.Set(t0.Add(6*24*time.Hour + 12*time.Hour))
	if got := h.remind(t); got.Sent != 1 {
		t.Fatalf("sent = %d, want 1", got.Sent)
	}
	h.clock.Set(t0.Add(6*24*time.Hour + 13*time.Hour))
	if got := h.remind(t); got.Sent != 0 || got.Skipped != 1 {
		t.Errorf("second pass = %+v", got)
	}

	evs, _ := h.store.Events(h.ctx, r.ID)
	if len(evs) != 1 || evs[0].Tier != reservation.TierCritical || evs[0].Actor != reservation.ActorSystem {
		t.Errorf("events = %+v", evs)
	}
}

func TestReminderBaselineResetsOnRecompute(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 2)
	h.approve(t, farm, 1)

	h.clock.Set(t0.Add(30 * time.Hour))
	if got := h.remind(t); got.Sent != 1 {
		t.Fatalf("critical sent = %d", got.Sent)
	}
	if _, err := h.admin.ToggleFarmPaymentMode(h.ctx, usecases.ToggleRequest{
		FarmID: farm, Mode: reservation.ModeFlexible, GraceDays: 5, Reason: "extend", Actor: "admin",
	}); err != nil {
		t.Fatal(err)
	}
	// Five days out is medium: less urgent than the old critical, still worth one reminder.
	if got := h.remind(t); got.Sent != 1 {
		t.Errorf("after recompute sent = %d, want 1", got.Sent)
	}
	if got := h.remind(t); got.Sent != 0 {
		t.Errorf("repeat after recompute sent = %d, want 0", got.Sent)
	}
}

func TestReminderMinTier(t *testing.T) {
	h := newHarness(t)
	h.runner.MinTier = reservation.TierCritical
	farm := h.farm(t, reservation.ModeFlexible, 3)
	h.approve(t, farm, 1)

	h.clock.Set(t0.Add(36 * time.Hour))
	if got := h.remind(t); got.Sent != 0 {
		t.Errorf("urgent sent = %d, want 0", got.Sent)
	}
	h.clock.Set(t0.Add(60 * time.Hour))
	if got := h.remind(t); got.Sent != 1 {
		t.Errorf("critical sent = %d, want 1", got.Sent)
	}
}

func TestExpirationSkipsSubmittedAndPending(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 1)
	waiting := h.approve(t, farm, 2)
	submitted := h.approve(t, farm, 3)
	if _, err := h.lifecycle.MarkSubmitted(h.ctx, submitted.ID, "gw-5"); err != nil {
		t.Fatal(err)
	}
	pending, err := h.lifecycle.Create(h.ctx, usecases.CreateRequest{
		FarmID: farm, PathType: reservation.PathInvestment, TreesCount: 1, TotalAmount: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Set(t0.Add(48 * time.Hour))
	if got := h.expire(t); got.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", got.Cancelled)
	}
	if s := h.status(t, waiting.ID); s != reservation.StatusCancelled {
		t.Errorf("waiting -> %s", s)
	}
	if s := h.status(t, submitted.ID); s != reservation.StatusPaymentSubmitted {
		t.Errorf("submitted -> %s", s)
	}
	if s := h.status(t, pending.ID); s != reservation.StatusPending {
		t.Errorf("pending -> %s", s)
	}
	if h.inventory.released[waiting.ID] != 2 || h.inventory.calls != 1 {
		t.Errorf("released = %v", h.inventory.released)
	}

	evs, _ := h.store.Events(h.ctx, waiting.ID)
	if len(evs) != 1 || evs[0].Kind != reservation.KindAutoCancel || evs[0].Payload["reason"] != "payment_deadline_elapsed" {
		t.Errorf("events = %+v", evs)
	}
}

func TestExpirationConcurrentPassesCancelOnce(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 1)
	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		ids = append(ids, h.approve(t, farm, 1).ID)
	}
	h.clock.Set(t0.Add(25 * time.Hour))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		cancelled int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.runner.RunExpirationSweep(h.ctx)
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			cancelled += res.Cancelled
			mu.Unlock()
		}()
	}
	wg.Wait()

	if cancelled != len(ids) {
		t.Errorf("cancelled = %d, want %d", cancelled, len(ids))
	}
	if h.inventory.calls != len(ids) {
		t.Errorf("release calls = %d, want %d", h.inventory.calls, len(ids))
	}
	for _, id := range ids {
		evs, _ := h.store.Events(h.ctx, id)
		if len(evs) != 1 {
			t.Errorf("%s has %d events, want 1", id, len(evs))
		}
	}
}

func TestExpired(t *testing.T) {
	deadline := t0
	buffer := 30 * time.Minute
	tests := []struct {
		name     string
		flexible bool
		now      time.Time
		want     bool
	}{
		{"flexible at deadline", true, deadline, false},
		{"flexible just after", true, deadline.Add(time.Second), true},
		{"immediate inside buffer", false, deadline.Add(29 * time.Minute), false},
		{"immediate at buffer", false, deadline.Add(buffer), false},
		{"immediate after buffer", false, deadline.Add(buffer + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := deadline
			rv := reservation.Reservation{Status: reservation.StatusWaitingForPayment, PaymentDeadline: &d, FlexiblePaymentEnabled: tt.flexible}
			if got := Expired(tt.now, rv, buffer); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
	if Expired(t0, reservation.Reservation{}, buffer) {
		t.Error("reservation without deadline reported expired")
	}
}

// Three-day window: urgent reminder, then critical, then cancellation once overdue.
func TestScenarioFlexibleWindowLapses(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 3)
	r := h.approve(t, farm, 5)
	if !r.PaymentDeadline.Equal(t0.Add(72 * time.Hour)) {
		t.Fatalf("deadline = %s", r.PaymentDeadline)
	}

	h.clock.Set(t0.Add(36 * time.Hour))
	if tier := reservation.Classify(h.clock.Now(), *r.PaymentDeadline); tier != reservation.TierUrgent {
		t.Errorf("tier at +1d12h = %s, want urgent", tier)
	}
	if got := h.remind(t); got.Sent != 1 {
		t.Errorf("urgent sent = %d", got.Sent)
	}
	if got := h.remind(t); got.Sent != 0 {
		t.Errorf("urgent repeated = %d", got.Sent)
	}

	h.clock.Set(t0.Add(60 * time.Hour))
	if tier := reservation.Classify(h.clock.Now(), *r.PaymentDeadline); tier != reservation.TierCritical {
		t.Errorf("tier at +2d12h = %s, want critical", tier)
	}
	if got := h.remind(t); got.Sent != 1 {
		t.Errorf("critical sent = %d", got.Sent)
	}

	h.clock.Set(t0.Add(73 * time.Hour))
	if tier := reservation.Classify(h.clock.Now(), *r.PaymentDeadline); tier != reservation.TierOverdue {
		t.Errorf("tier at +3d1h = %s, want overdue", tier)
	}
	if got := h.expire(t); got.Cancelled != 1 {
		t.Errorf("cancelled = %d", got.Cancelled)
	}
	if s := h.status(t, r.ID); s != reservation.StatusCancelled {
		t.Errorf("status = %s", s)
	}
	if h.inventory.released[r.ID] != 5 {
		t.Errorf("released = %d, want 5", h.inventory.released[r.ID])
	}
	if got := h.expire(t); got.Cancelled != 0 {
		t.Errorf("second pass cancelled = %d", got.Cancelled)
	}
}

// A farm switched to immediate payment mid-window: the deadline becomes the toggle time
// and the next sweep past the buffer cancels unless the payment arrived.
func TestScenarioToggleToImmediate(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 7)
	unpaid := h.approve(t, farm, 2)
	paying := h.approve(t, farm, 1)

	toggledAt := t0.Add(48 * time.Hour)
	h.clock.Set(toggledAt)
	res, err := h.admin.ToggleFarmPaymentMode(h.ctx, usecases.ToggleRequest{
		FarmID: farm, Mode: reservation.ModeImmediate, Reason: "closing season", Actor: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Affected != 2 {
		t.Errorf("affected = %d", res.Affected)
	}
	got := h.get(t, unpaid.ID)
	if !got.PaymentDeadline.Equal(toggledAt) {
		t.Errorf("deadline = %s, want %s", got.PaymentDeadline, toggledAt)
	}

	h.clock.Set(toggledAt.Add(10 * time.Minute))
	if got := h.expire(t); got.Cancelled != 0 {
		t.Errorf("cancelled inside buffer = %d", got.Cancelled)
	}
	if _, err := h.lifecycle.MarkPaid(h.ctx, paying.ID, "txn-77", paying.TotalAmount); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(toggledAt.Add(31 * time.Minute))
	if got := h.expire(t); got.Cancelled != 1 {
		t.Errorf("cancelled after buffer = %d", got.Cancelled)
	}
	if s := h.status(t, unpaid.ID); s != reservation.StatusCancelled {
		t.Errorf("unpaid -> %s", s)
	}
	if s := h.status(t, paying.ID); s != reservation.StatusPaid {
		t.Errorf("paying -> %s", s)
	}
}

type panickyRepo struct {
	*memstore.Store
	bad uuid.UUID
}

func (p panickyRepo) Events(ctx context.Context, id uuid.UUID) ([]reservation.FollowUpEvent, error) {
	if id == p.bad {
		panic("corrupt ledger")
	}
	return p.Store.Events(ctx, id)
}

func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeFlexible, 2)
	bad := h.approve(t, farm, 1)
	h.approve(t, farm, 1)
	h.runner.Repo = panickyRepo{Store: h.store, bad: bad.ID}

	h.clock.Set(t0.Add(30 * time.Hour))
	got := h.remind(t)
	if got.Sent != 1 || got.Failed != 1 {
		t.Errorf("result = %+v, want one sent and one failed", got)
	}
}

// togglingRepo runs afterList once the listing snapshot is taken, before any write.
type togglingRepo struct {
	*memstore.Store
	afterList func()
}

func (r togglingRepo) List(ctx context.Context, f reservation.Filter) ([]reservation.Reservation, error) {
	out, err := r.Store.List(ctx, f)
	if r.afterList != nil {
		r.afterList()
	}
	return out, err
}

func TestExpirationYieldsToToggleAfterListing(t *testing.T) {
	h := newHarness(t)
	farm := h.farm(t, reservation.ModeImmediate, 0)
	r := h.approve(t, farm, 4)

	toggledAt := t0.Add(2 * time.Hour)
	h.clock.Set(toggledAt)
	h.runner.Repo = togglingRepo{Store: h.store, afterList: func() {
		if _, err := h.admin.ToggleFarmPaymentMode(h.ctx, usecases.ToggleRequest{
			FarmID: farm, Mode: reservation.ModeFlexible, GraceDays: 7, Reason: "extend", Actor: "admin",
		}); err != nil {
			t.Errorf("toggle: %v", err)
		}
	}}

	got := h.expire(t)
	if got.Cancelled != 0 || got.Conflicts != 1 {
		t.Errorf("result = %+v, want no cancellation and one conflict", got)
	}
	cur := h.get(t, r.ID)
	if cur.Status != reservation.StatusWaitingForPayment || !cur.FlexiblePaymentEnabled {
		t.Errorf("reservation = %s flexible %v", cur.Status, cur.FlexiblePaymentEnabled)
	}
	if want := toggledAt.AddDate(0, 0, 7); !cur.PaymentDeadline.Equal(want) {
		t.Errorf("deadline = %s, want %s", cur.PaymentDeadline, want)
	}
	if h.inventory.calls != 0 {
		t.Errorf("inventory released %d times", h.inventory.calls)
	}

	// The next pass reads the new deadline and leaves the reservation alone.
	h.runner.Repo = h.store
	if got := h.expire(t); got.Cancelled != 0 || got.Conflicts != 0 {
		t.Errorf("second pass = %+v", got)
	}
}
