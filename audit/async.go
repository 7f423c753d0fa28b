package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// ASYNC - Bounded fire-and-forget dispatcher
// =============================================================================

// Async queues events for a background worker that forwards them to Sink.
// Record never blocks: when the queue is full the event is dropped and a
// warning is logged.
type Async struct {
	Sink    Sink
	Log     logrus.FieldLogger
	Timeout time.Duration

	queue chan queued
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// mu orders enqueues before close(done): an event is either queued
	// ahead of the final drain or reported as dropped.
	mu     sync.RWMutex
	closed bool
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewAsync starts a worker draining a queue of the given size.
func NewAsync(sink Sink, size int, log logrus.FieldLogger) *Async {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Async{
		Sink:    sink,
		Log:     log,
		Timeout: 5 * time.Second,
		queue:   make(chan queued, size),
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues e. The request context is detached so a finished request
// does not cancel its own audit write.
func (a *Async) Record(ctx context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.Log.WithField("action", e.Action).Warn("audit dispatcher closed, event dropped")
		return nil
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), event: e}:
	default:
		a.Log.WithFields(logrus.Fields{
			"action":    e.Action,
			"entity_id": e.EntityID,
		}).Warn("audit queue full, event dropped")
	}
	return nil
}

// Close stops accepting events and waits until the queue is drained or ctx
// ends.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.done)
		a.mu.Unlock()
	})
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of queued events.
func (a *Async) Pending() int {
	return len(a.queue)
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case q := <-a.queue:
			a.deliver(q)
		case <-a.done:
			for {
				select {
				case q := <-a.queue:
					a.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(q queued) {
	ctx := q.ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	if err := a.Sink.Record(ctx, q.event); err != nil {
		a.Log.WithError(err).WithFields(logrus.Fields{
			"action":      q.event.Action,
			"entity_type": q.event.EntityType,
			"entity_id":   q.event.EntityID,
		}).Warn("audit write failed")
	}
}
