// Package feed delivers change events to the orchestrator. A delivery is
// acked once its event reached a terminal outcome, or nacked to hand it
// back to the source for a later retry.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/yairfalse/remedy/types"
)

// ErrClosed is returned by Receive once a feed has no more events
var ErrClosed = errors.New("feed closed")

// Delivery is one received event plus its settlement callbacks
type Delivery struct {
	Event types.ChangeEvent

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery wraps an event. Nil callbacks are no-ops.
func NewDelivery(e types.ChangeEvent, ack, nack func(ctx context.Context) error) Delivery {
	return Delivery{Event: e, ack: ack, nack: nack}
}

// Ack settles the event
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the event back for redelivery
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Feed is a source of change events
type Feed interface {
	// Receive blocks until at least one event is available. It returns
	// ErrClosed when the feed is exhausted and ctx.Err() when ctx is done.
	Receive(ctx context.Context) ([]Delivery, error)
}

// Queue is an in-process feed. Nacked events are delivered again ahead of
// newly published ones.
type Queue struct {
	ch       chan types.ChangeEvent
	done     chan struct{}
	wake     chan struct{}
	maxBatch int

	mu       sync.Mutex
	closed   bool
	requeued []types.ChangeEvent
	acked    []string
	nacked   []string
}

// NewQueue creates a queue holding up to size pending events
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		ch:       make(chan types.ChangeEvent, size),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		maxBatch: 10,
	}
}

// Publish enqueues an event, blocking while the queue is full
func (q *Queue) Publish(ctx context.Context, e types.ChangeEvent) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events. Pending events are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Receive implements Feed
func (q *Queue) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		if batch := q.takeRequeued(); len(batch) > 0 {
			return q.fill(batch), nil
		}

		select {
		case e := <-q.ch:
			return q.fill([]Delivery{q.delivery(e)}), nil
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			if batch := q.takeRequeued(); len(batch) > 0 {
				return q.fill(batch), nil
			}
			select {
			case e := <-q.ch:
				return q.fill([]Delivery{q.delivery(e)}), nil
			default:
				return nil, ErrClosed
			}
		}
	}
}

func (q *Queue) takeRequeued() []Delivery {
	q.mu.Lock()
	n := min(len(q.requeued), q.maxBatch)
	events := q.requeued[:n]
	q.requeued = q.requeued[n:]
	q.mu.Unlock()

	batch := make([]Delivery, 0, n)
	for _, e := range events {
		batch = append(batch, q.delivery(e))
	}
	return batch
}

// fill tops batch up with published events without blocking
func (q *Queue) fill(batch []Delivery) []Delivery {
	for len(batch) < q.maxBatch {
		select {
		case e := <-q.ch:
			batch = append(batch, q.delivery(e))
		default:
			return batch
		}
	}
	return batch
}

func (q *Queue) delivery(e types.ChangeEvent) Delivery {
	return NewDelivery(e,
		func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.acked = append(q.acked, e.EventID)
			return nil
		},
		func(context.Context) error {
			q.mu.Lock()
			q.nacked = append(q.nacked, e.EventID)
			// Nacks after Close drop the event
			if !q.closed {
				q.requeued = append(q.requeued, e)
			}
			q.mu.Unlock()

			select {
			case q.wake <- struct{}{}:
			default:
			}
			return nil
		})
}

// Acked returns the ids of acked events in settlement order
func (q *Queue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

// Nacked returns the ids of nacked events in settlement order
func (q *Queue) Nacked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.nacked...)
}

var _ Feed = (*Queue)(nil)
