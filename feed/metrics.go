package feed

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/remedy/telemetry"
)

// Instrumented records deliveries received and settled for one feed
type Instrumented struct {
	feed   Feed
	source attribute.KeyValue

	received      metric.Int64Counter
	settled       metric.Int64Counter
	receiveErrors metric.Int64Counter
}

// Instrument wraps f. source labels every measurement.
func Instrument(f Feed, source string) (*Instrumented, error) {
	meter := telemetry.Meter

	received, err := meter.Int64Counter(
		"remedy.feed.deliveries.received",
		metric.WithDescription("Change events received from the feed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	settled, err := meter.Int64Counter(
		"remedy.feed.deliveries.settled",
		metric.WithDescription("Change events acked or handed back to the feed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	receiveErrors, err := meter.Int64Counter(
		"remedy.feed.receive.errors",
		metric.WithDescription("Failed receive calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Instrumented{
		feed:          f,
		source:        attribute.String("source", source),
		received:      received,
		settled:       settled,
		receiveErrors: receiveErrors,
	}, nil
}

// Receive passes through to the wrapped feed
func (i *Instrumented) Receive(ctx context.Context) ([]Delivery, error) {
	deliveries, err := i.feed.Receive(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			i.receiveErrors.Add(ctx, 1, metric.WithAttributes(i.source))
		}
		return nil, err
	}

	out := make([]Delivery, len(deliveries))
	for n, d := range deliveries {
		i.received.Add(ctx, 1, metric.WithAttributes(i.source,
			attribute.String("resource.type", string(d.Event.ResourceType))))
		out[n] = i.wrap(d)
	}
	return out, nil
}

func (i *Instrumented) wrap(d Delivery) Delivery {
	settle := func(result string, fn func(context.Context) error) func(context.Context) error {
		return func(ctx context.Context) error {
			err := fn(ctx)
			status := "ok"
			if err != nil {
				status = "error"
			}
			i.settled.Add(ctx, 1, metric.WithAttributes(i.source,
				attribute.String("result", result),
				attribute.String("status", status)))
			return err
		}
	}
	return NewDelivery(d.Event, settle("ack", d.Ack), settle("nack", d.Nack))
}
