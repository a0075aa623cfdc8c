package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cleannet/pkg/logging"
)

const (
	defaultQueueSize = 256
	deliveryTimeout  = 2 * time.Minute
)

// Async queues notifications for a background worker. Notify never blocks:
// when the queue is full the notification is dropped with a warning.
type Async struct {
	next    Notifier
	queue   chan string
	logger  *logging.Logger
	metrics MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewAsync starts a worker delivering to next. metrics may be nil.
func NewAsync(next Notifier, queueSize int, logger *logging.Logger, metrics MetricsRecorder) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		queue:   make(chan string, queueSize),
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// Notify implements Notifier.
func (a *Async) Notify(ctx context.Context, text string) error {
	if a.closed.Load() {
		return ErrClosed
	}

	select {
	case a.queue <- text:
		return nil
	default:
		a.record(ctx, "dropped")
		a.logger.Warn("Notification queue full, dropping notification", "capacity", cap(a.queue))
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer a.wg.Done()

	for {
		select {
		case text := <-a.queue:
			a.deliver(text)
		case <-a.stop:
			// Drain what was accepted before Close.
			for {
				select {
				case text := <-a.queue:
					a.deliver(text)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(text string) {
	ctx, cancel := context.WithTimeout(a.ctx, deliveryTimeout)
	defer cancel()

	if err := a.next.Notify(ctx, text); err != nil {
		a.record(ctx, "failed")
		a.logger.Error("Notification delivery failed", "error", err)
		return
	}
	a.record(ctx, "sent")
}

func (a *Async) record(ctx context.Context, outcome string) {
	if a.metrics != nil {
		a.metrics.AddNotification(ctx, outcome)
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered. If ctx ends first, in-flight deliveries are cancelled.
func (a *Async) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(a.stop)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}
