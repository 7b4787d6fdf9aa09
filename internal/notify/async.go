package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification queue closed")
)

type AsyncOptions struct {
	Workers int
	Queue   int
	// Timeout bounds one delivery to the wrapped gateway.
	Timeout time.Duration
}

func (o AsyncOptions) withDefaults() AsyncOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Queue <= 0 {
		o.Queue = 256
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

// Async hands notifications to a fixed pool of workers so callers never wait
// on a slow transport. When the queue is full the notification is dropped.
type Async struct {
	next    Gateway
	opts    AsyncOptions
	logger  *slog.Logger
	queue   chan models.Notification
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

func NewAsync(next Gateway, opts AsyncOptions, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	a := &Async{
		next:   next,
		opts:   opts,
		logger: logger.With("component", "notify"),
		queue:  make(chan models.Notification, opts.Queue),
	}
	a.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go a.work()
	}
	return a
}

// Notify queues n and returns at once. The caller's context is not carried
// over: delivery outlives the request that caused it.
func (a *Async) Notify(_ context.Context, n models.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return ErrClosed
	}
	select {
	case a.queue <- n:
		return nil
	default:
		observability.NotifyFailures.WithLabelValues("queue").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *Async) work() {
	defer a.wg.Done()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.Timeout)
		if err := a.next.Notify(ctx, n); err != nil {
			a.logger.Warn("notification delivery failed", "recipient", n.RecipientUserID, "kind", n.Kind, "error", err)
		}
		cancel()
	}
}
