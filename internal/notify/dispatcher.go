// ABOUTME: Asynchronous at-least-once dispatcher in front of a Notifier
// ABOUTME: Worker goroutines retry with exponential backoff and never block the caller

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/parley-gateway/internal/metrics"
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatcherConfig tunes the worker pool and retry schedule.
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
}

// Dispatcher queues events and delivers each one until the Notifier succeeds or
// MaxAttempts is exhausted.
type Dispatcher struct {
	notifier Notifier
	cfg      DispatcherConfig
	queue    chan Event
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	workers  sync.WaitGroup
	overflow sync.WaitGroup
}

// NewDispatcher starts the worker pool. Pass nil logger for default.
func NewDispatcher(notifier Notifier, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		notifier: notifier,
		cfg:      cfg,
		queue:    make(chan Event, cfg.QueueSize),
		logger:   logger.With("component", "notify"),
		ctx:      ctx,
		cancel:   cancel,
	}

	for range cfg.Workers {
		d.workers.Add(1)
		go d.work()
	}
	return d
}

// Enqueue hands an event to the pool. It never blocks: when the queue is full the
// event is delivered from its own goroutine.
func (d *Dispatcher) Enqueue(ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("notification queue full, spilling to goroutine", "event_id", ev.ID, "kind", ev.Kind)
		d.overflow.Add(1)
		go func() {
			defer d.overflow.Done()
			d.deliver(ev)
		}()
	}
	return nil
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialInterval
	policy.MaxInterval = d.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, ev); err != nil {
			metrics.NotifyAttempts.WithLabelValues("error").Inc()
			d.logger.Warn("notification attempt failed",
				"event_id", ev.ID,
				"kind", ev.Kind,
				"attempt", attempt,
				"error", err)
			return err
		}
		metrics.NotifyAttempts.WithLabelValues("delivered").Inc()
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.MaxAttempts-1)), d.ctx)
	if err := backoff.Retry(op, b); err != nil {
		metrics.NotifyAttempts.WithLabelValues("gave_up").Inc()
		d.logger.Error("notification dropped after retries",
			"event_id", ev.ID,
			"kind", ev.Kind,
			"recipient", ev.Recipient,
			"attempts", attempt,
			"error", err)
		return
	}

	d.logger.Debug("notification delivered", "event_id", ev.ID, "kind", ev.Kind, "attempts", attempt)
}

// Close stops accepting events and waits for queued deliveries to finish.
// If ctx expires first, in-flight retries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.overflow.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
