package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// DefaultSweepPasses is how often a one-shot sweep hands out a bucket
// whose event keeps being nacked
const DefaultSweepPasses = 3

// ErrSweepIncomplete is reported when a one-shot sweep gave up on buckets
var ErrSweepIncomplete = errors.New("sweep incomplete")

// SweepOptions tunes the bucket sweep
type SweepOptions struct {
	// Interval between listings. Zero sweeps once and then closes.
	Interval time.Duration

	// OnlyUnencrypted emits events only for buckets not known to be encrypted
	OnlyUnencrypted bool

	// MaxPasses bounds how many times a nacked bucket is handed out in one
	// listing. Defaults to DefaultSweepPasses.
	MaxPasses int
}

// SweepFeed lists buckets on a schedule and emits a synthetic change event
// per bucket, catching resources whose change events were missed. Nacked
// events are handed out again until they run out of passes; a one-shot
// sweep closes only once every delivery has been settled.
type SweepFeed struct {
	lister providers.BucketLister
	opts   SweepOptions
	logger *telemetry.Logger

	swept bool
	next  time.Time

	mu        sync.Mutex
	inflight  int
	pending   []sweepEvent
	abandoned []string
	settled   chan struct{}
}

type sweepEvent struct {
	event types.ChangeEvent
	pass  int
}

// NewSweepFeed creates a sweep over lister
func NewSweepFeed(lister providers.BucketLister, opts SweepOptions) *SweepFeed {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = DefaultSweepPasses
	}
	return &SweepFeed{
		lister:  lister,
		opts:    opts,
		logger:  telemetry.NewLogger("sweep-feed"),
		settled: make(chan struct{}, 1),
	}
}

// Receive implements Feed. Listing errors end a one-shot sweep and are
// logged and retried on the next tick otherwise.
func (f *SweepFeed) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		if batch := f.takePending(); len(batch) > 0 {
			return batch, nil
		}

		if f.swept {
			if f.opts.Interval <= 0 {
				if f.idle() {
					return nil, ErrClosed
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-f.settled:
				}
				continue
			}
			timer := time.NewTimer(time.Until(f.next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-f.settled:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		f.swept = true
		f.next = time.Now().Add(f.opts.Interval)

		deliveries, err := f.sweep(ctx)
		if err != nil {
			if f.opts.Interval <= 0 || ctx.Err() != nil {
				return nil, err
			}
			f.logger.WithContext(ctx).Warn().Err(err).Msg("bucket sweep failed")
			continue
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
	}
}

// Abandoned returns the buckets of the latest listing whose events ran out
// of passes
func (f *SweepFeed) Abandoned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.abandoned...)
}

func (f *SweepFeed) sweep(ctx context.Context) ([]Delivery, error) {
	buckets, err := f.lister.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	f.mu.Lock()
	f.abandoned = nil
	f.mu.Unlock()

	now := time.Now().UTC()
	var deliveries []Delivery
	for _, b := range buckets {
		if f.opts.OnlyUnencrypted && b.Encrypted != nil && *b.Encrypted {
			continue
		}
		deliveries = append(deliveries, f.delivery(sweepEvent{
			event: types.ChangeEvent{
				EventID:        "sweep-" + uuid.NewString(),
				ResourceID:     b.Name,
				ResourceType:   types.ResourceBucket,
				EventTimestamp: now,
				Region:         b.Region,
				Source:         "sweep",
			},
			pass: 1,
		}))
	}

	f.logger.WithContext(ctx).Info().
		Int("buckets", len(buckets)).
		Int("events", len(deliveries)).
		Msg("bucket sweep finished")
	return deliveries, nil
}

func (f *SweepFeed) takePending() []Delivery {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	batch := make([]Delivery, 0, len(pending))
	for _, se := range pending {
		batch = append(batch, f.delivery(se))
	}
	return batch
}

func (f *SweepFeed) idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight == 0 && len(f.pending) == 0
}

func (f *SweepFeed) delivery(se sweepEvent) Delivery {
	f.mu.Lock()
	f.inflight++
	f.mu.Unlock()

	var once sync.Once
	settle := func(requeue bool) func(context.Context) error {
		return func(ctx context.Context) error {
			once.Do(func() { f.settle(ctx, se, requeue) })
			return nil
		}
	}
	return NewDelivery(se.event, settle(false), settle(true))
}

func (f *SweepFeed) settle(ctx context.Context, se sweepEvent, requeue bool) {
	f.mu.Lock()
	f.inflight--
	switch {
	case !requeue:
	case se.pass < f.opts.MaxPasses:
		se.pass++
		f.pending = append(f.pending, se)
	default:
		f.abandoned = append(f.abandoned, se.event.ResourceID)
		f.logger.WithContext(ctx).Warn().
			Str("resource_id", se.event.ResourceID).
			Int("passes", se.pass).
			Msg("bucket still failing, giving up for this sweep")
	}
	f.mu.Unlock()

	select {
	case f.settled <- struct{}{}:
	default:
	}
}

var _ Feed = (*SweepFeed)(nil)
