package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	sweeps "github.com/example/grove-scheduler/internal/application/scheduler"
)

// Scheduler drives the reminder and expiration sweeps on their own tickers.
type Scheduler struct {
	Runner             sweeps.Runner
	ReminderInterval   time.Duration
	ExpirationInterval time.Duration

	wg sync.WaitGroup
}

func (s *Scheduler) Run(ctx context.Context) error {
	rt := time.NewTicker(s.ReminderInterval)
	defer rt.Stop()
	et := time.NewTicker(s.ExpirationInterval)
	defer et.Stop()

	// kick immediately
	s.tick(ctx, s.expirations)
	s.tick(ctx, s.reminders)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-rt.C:
			s.tick(ctx, s.reminders)
		case <-et.C:
			s.tick(ctx, s.expirations)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, pass func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pass(ctx)
	}()
}

func (s *Scheduler) reminders(ctx context.Context) {
	if _, err := s.Runner.RunReminderSweep(ctx); err != nil {
		log.Printf("scheduler: reminder sweep failed: %v", err)
	}
}

func (s *Scheduler) expirations(ctx context.Context) {
	if _, err := s.Runner.RunExpirationSweep(ctx); err != nil {
		log.Printf("scheduler: expiration sweep failed: %v", err)
	}
}
