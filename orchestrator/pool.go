package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yairfalse/remedy/feed"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// Processor handles one event
type Processor interface {
	Process(ctx context.Context, event types.ChangeEvent) EventResult
}

// settleTimeout bounds an ack or nack issued during shutdown
const settleTimeout = 10 * time.Second

// Pool consumes a feed with a fixed number of workers. Events are
// independent units of work; the lease table serializes the ones that
// share a (resource, rule) pair.
type Pool struct {
	processor Processor
	workers   int
	logger    *telemetry.Logger

	// ReceiveBackoff is the pause after a failed Receive
	ReceiveBackoff time.Duration

	// OnResult is called after each event is settled
	OnResult func(EventResult)
}

// NewPool creates a pool with the given worker count
func NewPool(p Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		processor:      p,
		workers:        workers,
		logger:         telemetry.NewLogger("worker-pool"),
		ReceiveBackoff: time.Second,
	}
}

// Run consumes f until it closes or ctx is done. It returns nil when the
// feed is exhausted and ctx.Err() on cancellation, after in-flight events
// have been settled.
func (p *Pool) Run(ctx context.Context, f feed.Feed) error {
	jobs := make(chan feed.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				p.handle(ctx, d)
			}
		}()
	}

	err := p.dispatch(ctx, f, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (p *Pool) dispatch(ctx context.Context, f feed.Feed, jobs chan<- feed.Delivery) error {
	for {
		batch, err := f.Receive(ctx)
		switch {
		case errors.Is(err, feed.ErrClosed):
			return nil
		case ctx.Err() != nil:
			p.release(ctx, batch)
			return ctx.Err()
		case err != nil:
			p.logger.WithContext(ctx).Warn().Err(err).Msg("failed to receive events")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.ReceiveBackoff):
			}
			continue
		}

		for i, d := range batch {
			select {
			case jobs <- d:
			case <-ctx.Done():
				p.release(ctx, batch[i:])
				return ctx.Err()
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, d feed.Delivery) {
	result := p.processor.Process(ctx, d.Event)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var err error
	if result.Retry {
		err = d.Nack(settleCtx)
	} else {
		err = d.Ack(settleCtx)
	}
	if err != nil {
		p.logger.WithContext(ctx).Warn().
			Err(err).
			Str("event_id", d.Event.EventID).
			Bool("retry", result.Retry).
			Msg("failed to settle event")
	}

	p.logger.WithContext(ctx).Info().
		Str("event_id", result.EventID).
		Str("resource_id", result.ResourceID).
		Str("result", result.Result()).
		Int("violations", len(result.Violations)).
		Int("outcomes", len(result.Outcomes)).
		Dur("duration", result.Duration()).
		Msg("event processed")

	if p.OnResult != nil {
		p.OnResult(result)
	}
}

// release hands undispatched events back to the feed
func (p *Pool) release(ctx context.Context, batch []feed.Delivery) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	for _, d := range batch {
		if err := d.Nack(settleCtx); err != nil {
			p.logger.WithContext(ctx).Warn().Err(err).Str("event_id", d.Event.EventID).Msg("failed to release event")
		}
	}
}
