package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// SQSAPI is the SQS client surface the feed needs
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSOptions tunes the queue consumer
type SQSOptions struct {
	QueueURL          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// SQSFeed consumes change events from an SQS queue. A message body is
// either a ChangeEvent or an EventBridge CloudTrail event. Messages that
// cannot be decoded stay on the queue for its redrive policy.
type SQSFeed struct {
	client SQSAPI
	opts   SQSOptions
	logger *telemetry.Logger
}

// NewSQSFeed creates a queue consumer
func NewSQSFeed(client SQSAPI, opts SQSOptions) (*SQSFeed, error) {
	if opts.QueueURL == "" {
		return nil, errors.New("sqs feed requires a queue url")
	}
	if opts.MaxMessages <= 0 || opts.MaxMessages > 10 {
		opts.MaxMessages = 10
	}
	if opts.WaitTimeSeconds <= 0 || opts.WaitTimeSeconds > 20 {
		opts.WaitTimeSeconds = 20
	}
	return &SQSFeed{
		client: client,
		opts:   opts,
		logger: telemetry.NewLogger("sqs-feed"),
	}, nil
}

// Receive implements Feed with long polling
func (f *SQSFeed) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		out, err := f.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(f.opts.QueueURL),
			MaxNumberOfMessages: f.opts.MaxMessages,
			WaitTimeSeconds:     f.opts.WaitTimeSeconds,
			VisibilityTimeout:   f.opts.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive messages: %w", err)
		}

		var deliveries []Delivery
		for _, msg := range out.Messages {
			deliveries = append(deliveries, f.convertMessage(ctx, msg)...)
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (f *SQSFeed) convertMessage(ctx context.Context, msg sqstypes.Message) []Delivery {
	messageID := aws.ToString(msg.MessageId)
	events, err := decodeMessage(aws.ToString(msg.Body), messageID)
	if err != nil {
		f.logger.WithContext(ctx).Error().
			Err(err).
			Str("message_id", messageID).
			Msg("undecodable message left for redrive")
		return nil
	}

	m := &message{feed: f, receipt: aws.ToString(msg.ReceiptHandle), pending: len(events)}
	if len(events) == 0 {
		// Not a call that can break compliance
		if err := m.delete(ctx); err != nil {
			f.logger.WithContext(ctx).Warn().Err(err).Str("message_id", messageID).Msg("failed to delete message")
		}
		return nil
	}

	deliveries := make([]Delivery, 0, len(events))
	for _, e := range events {
		deliveries = append(deliveries, NewDelivery(e, m.ack, m.nack))
	}
	return deliveries
}

// message settles one SQS message that may carry several events. It is
// deleted once every event acked, or made visible again on the first nack.
type message struct {
	feed    *SQSFeed
	receipt string

	mu      sync.Mutex
	pending int
	nacked  bool
}

func (m *message) ack(ctx context.Context) error {
	m.mu.Lock()
	m.pending--
	done := m.pending == 0 && !m.nacked
	m.mu.Unlock()
	if !done {
		return nil
	}
	return m.delete(ctx)
}

func (m *message) nack(ctx context.Context) error {
	m.mu.Lock()
	first := !m.nacked
	m.nacked = true
	m.mu.Unlock()
	if !first {
		return nil
	}

	_, err := m.feed.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.feed.opts.QueueURL),
		ReceiptHandle:     aws.String(m.receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

func (m *message) delete(ctx context.Context) error {
	_, err := m.feed.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.feed.opts.QueueURL),
		ReceiptHandle: aws.String(m.receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

type envelope struct {
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`

	types.ChangeEvent
}

// decodeMessage reads a ChangeEvent or an EventBridge CloudTrail event
func decodeMessage(body, messageID string) ([]types.ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}

	if len(env.Detail) > 0 {
		if env.DetailType != "AWS API Call via CloudTrail" {
			return nil, nil
		}
		var record TrailRecord
		if err := json.Unmarshal(env.Detail, &record); err != nil {
			return nil, fmt.Errorf("invalid cloudtrail detail: %w", err)
		}
		return Translate(record), nil
	}

	e := env.ChangeEvent
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.EventID == "" {
		e.EventID = messageID
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Source == "" {
		e.Source = "sqs"
	}
	return []types.ChangeEvent{e}, nil
}

var _ Feed = (*SQSFeed)(nil)
