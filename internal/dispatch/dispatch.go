// Package dispatch runs collaborator calls (messaging, inventory) off the caller's goroutine.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/grove-scheduler/internal/internaltypes"
)

const DefaultTimeout = 15 * time.Second

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Pool is a bounded queue drained by a fixed set of workers. Work submitted to a full
// or closed pool is dropped; failures are logged and never retried.
type Pool struct {
	Timeout time.Duration

	queue  chan task
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{Timeout: DefaultTimeout, queue: make(chan task, queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		log.Printf("dispatch: %s dropped, pool closed", name)
		return false
	}
	select {
	case p.queue <- task{name: name, fn: fn}:
		return true
	default:
		log.Printf("dispatch: %s dropped, queue full", name)
		return false
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.queue {
		run(t, p.Timeout)
	}
}

// Close stops accepting work and waits for queued work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func run(t task, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: %s panicked: %v", t.name, r)
		}
	}()
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := t.fn(ctx); err != nil {
		if internaltypes.IsCollaborator(err) {
			log.Printf("dispatch: %s: collaborator failed: %v", t.name, err)
			return
		}
		log.Printf("dispatch: %s failed: %v", t.name, err)
	}
}

// Inline runs work synchronously on the caller's goroutine.
type Inline struct{}

func (Inline) Submit(name string, fn func(ctx context.Context) error) bool {
	run(task{name: name, fn: fn}, DefaultTimeout)
	return true
}
