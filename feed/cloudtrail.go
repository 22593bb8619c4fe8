package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/remedy/telemetry"
)

// CloudTrailAPI is the CloudTrail client surface the feed needs
type CloudTrailAPI interface {
	LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

// CloudTrailOptions tunes polling
type CloudTrailOptions struct {
	PollInterval time.Duration

	// Lookback is how far before the previous poll each lookup starts.
	// CloudTrail delivers events minutes late, so windows overlap and
	// records are deduplicated by id.
	Lookback time.Duration
}

// CloudTrailFeed polls LookupEvents for write calls that can leave a
// resource non-compliant
type CloudTrailFeed struct {
	client CloudTrailAPI
	opts   CloudTrailOptions
	logger *telemetry.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	cursor time.Time
	polled bool
}

// NewCloudTrailFeed creates a polling feed
func NewCloudTrailFeed(client CloudTrailAPI, opts CloudTrailOptions) *CloudTrailFeed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * time.Minute
	}
	return &CloudTrailFeed{
		client: client,
		opts:   opts,
		logger: telemetry.NewLogger("cloudtrail-feed"),
		tracer: otel.Tracer("cloudtrail-feed"),
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Receive implements Feed. Lookup failures are logged and polling continues.
func (f *CloudTrailFeed) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		if f.polled {
			timer := time.NewTimer(f.opts.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		f.polled = true

		deliveries, err := f.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.WithContext(ctx).Warn().Err(err).Msg("cloudtrail lookup failed")
			continue
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
	}
}

func (f *CloudTrailFeed) poll(ctx context.Context) ([]Delivery, error) {
	ctx, span := f.tracer.Start(ctx, "feed.cloudtrail.poll")
	defer span.End()

	end := f.now()
	f.mu.Lock()
	start := f.cursor.Add(-f.opts.Lookback)
	if f.cursor.IsZero() {
		start = end.Add(-f.opts.Lookback)
	}
	f.mu.Unlock()

	paginator := cloudtrail.NewLookupEventsPaginator(f.client, &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyReadOnly,
			AttributeValue: aws.String("false"),
		}},
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		MaxResults: aws.Int32(50),
	})

	var deliveries []Delivery
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup CloudTrail events: %w", err)
		}
		for _, event := range page.Events {
			deliveries = append(deliveries, f.convertEvent(ctx, event)...)
		}
	}

	f.mu.Lock()
	f.cursor = end
	for id, at := range f.seen {
		if at.Before(end.Add(-2 * f.opts.Lookback)) {
			delete(f.seen, id)
		}
	}
	f.mu.Unlock()

	span.SetAttributes(attribute.Int("events", len(deliveries)))
	return deliveries, nil
}

// convertEvent turns one lookup result into deliveries, skipping records
// already delivered and calls that cannot break compliance
func (f *CloudTrailFeed) convertEvent(ctx context.Context, event cttypes.Event) []Delivery {
	if !Watched(aws.ToString(event.EventSource), aws.ToString(event.EventName)) {
		return nil
	}
	recordID := aws.ToString(event.EventId)

	f.mu.Lock()
	_, dup := f.seen[recordID]
	if !dup {
		f.seen[recordID] = aws.ToTime(event.EventTime)
	}
	f.mu.Unlock()
	if dup {
		return nil
	}

	record, err := ParseTrailRecord(aws.ToString(event.CloudTrailEvent))
	if err != nil {
		f.logger.WithContext(ctx).Warn().Err(err).Str("event_id", recordID).Msg("skipping cloudtrail event")
		return nil
	}
	if record.EventID == "" {
		record.EventID = recordID
	}

	var out []Delivery
	for _, e := range Translate(record) {
		out = append(out, NewDelivery(e, nil, func(context.Context) error {
			f.forget(recordID)
			return nil
		}))
	}
	return out
}

// forget lets the next poll deliver the record again while it is still
// inside the lookback window
func (f *CloudTrailFeed) forget(recordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, recordID)
}

var _ Feed = (*CloudTrailFeed)(nil)
