package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/remedy/providers/memory"
	"github.com/yairfalse/remedy/types"
)

func event(id, resource string) types.ChangeEvent {
	return types.ChangeEvent{
		EventID:        id,
		ResourceID:     resource,
		ResourceType:   types.ResourceBucket,
		EventTimestamp: time.Now(),
	}
}

func TestQueue_ReceiveBatchesAndSettles(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(4)
	require.NoError(t, q.Publish(ctx, event("e1", "bucket-42")))
	require.NoError(t, q.Publish(ctx, event("e2", "bucket-43")))

	batch, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, batch[0].Ack(ctx))
	require.NoError(t, batch[1].Nack(ctx))
	assert.Equal(t, []string{"e1"}, q.Acked())
	assert.Equal(t, []string{"e2"}, q.Nacked())

	// Nacked events come back
	batch, err = q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "e2", batch[0].Event.EventID)
}

func TestQueue_CloseDrainsThenReportsClosed(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(4)
	require.NoError(t, q.Publish(ctx, event("e1", "bucket-42")))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Publish(ctx, event("e2", "bucket-42")), ErrClosed)

	batch, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NoError(t, batch[0].Nack(ctx), "nack after close drops the event")

	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_NackDoesNotBlockOnFullQueue(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1)
	require.NoError(t, q.Publish(ctx, event("e1", "bucket-42")))

	batch, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, q.Publish(ctx, event("e2", "bucket-43")))

	nackCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, batch[0].Nack(nackCtx))

	batch, err = q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "e1", batch[0].Event.EventID, "nacked events come first")
	assert.Equal(t, "e2", batch[1].Event.EventID)
}

func TestQueue_NackWakesBlockedReceive(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1)
	require.NoError(t, q.Publish(ctx, event("e1", "bucket-42")))
	batch, err := q.Receive(ctx)
	require.NoError(t, err)

	got := make(chan []Delivery, 1)
	go func() {
		again, _ := q.Receive(ctx)
		got <- again
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, batch[0].Nack(ctx))

	select {
	case again := <-got:
		require.Len(t, again, 1)
		assert.Equal(t, "e1", again[0].Event.EventID)
	case <-time.After(time.Second):
		t.Fatal("nacked event was not redelivered")
	}
}

func TestQueue_ReceiveHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := NewQueue(1).Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTranslate(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record TrailRecord
		want   []types.ChangeEvent
	}{
		{
			name: "bucket policy change",
			record: TrailRecord{
				EventID: "ct-1", EventName: "PutBucketPolicy", EventSource: "s3.amazonaws.com",
				EventTime: at, AWSRegion: "eu-west-1",
				RequestParameters: map[string]any{"bucketName": "bucket-42"},
			},
			want: []types.ChangeEvent{{
				EventID: "ct-1", ResourceID: "bucket-42", ResourceType: types.ResourceBucket,
				EventTimestamp: at, Region: "eu-west-1", Source: "cloudtrail:PutBucketPolicy",
			}},
		},
		{
			name: "volume created",
			record: TrailRecord{
				EventID: "ct-2", EventName: "CreateVolume", EventSource: "ec2.amazonaws.com", EventTime: at,
				ResponseElements: map[string]any{"volumeId": "vol-7"},
			},
			want: []types.ChangeEvent{{
				EventID: "ct-2", ResourceID: "vol-7", ResourceType: types.ResourceEncryptable,
				EventTimestamp: at, Source: "cloudtrail:CreateVolume",
			}},
		},
		{
			name: "instances launched",
			record: TrailRecord{
				EventID: "ct-3", EventName: "RunInstances", EventSource: "ec2.amazonaws.com", EventTime: at,
				ResponseElements: map[string]any{"instancesSet": map[string]any{"items": []any{
					map[string]any{"instanceId": "i-1"},
					map[string]any{"instanceId": "i-2"},
				}}},
			},
			want: []types.ChangeEvent{
				{EventID: "ct-3#0", ResourceID: "i-1", ResourceType: types.ResourceTagged, EventTimestamp: at, Source: "cloudtrail:RunInstances"},
				{EventID: "ct-3#1", ResourceID: "i-2", ResourceType: types.ResourceTagged, EventTimestamp: at, Source: "cloudtrail:RunInstances"},
			},
		},
		{
			name: "failed call",
			record: TrailRecord{
				EventID: "ct-4", EventName: "CreateBucket", EventSource: "s3.amazonaws.com", ErrorCode: "AccessDenied",
				RequestParameters: map[string]any{"bucketName": "bucket-42"},
			},
		},
		{
			name:   "unwatched call",
			record: TrailRecord{EventID: "ct-5", EventName: "GetObject", EventSource: "s3.amazonaws.com"},
		},
		{
			name:   "watched call without resource",
			record: TrailRecord{EventID: "ct-6", EventName: "CreateBucket", EventSource: "s3.amazonaws.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.record)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeSQS struct {
	mu       sync.Mutex
	messages []sqstypes.Message
	deleted  []string
	released []string
	err      error
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.err != nil {
		defer f.mu.Unlock()
		return nil, f.err
	}
	msgs := f.messages
	f.messages = nil
	f.mu.Unlock()

	if len(msgs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func sqsMessage(t *testing.T, id string, body any) sqstypes.Message {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(string(data)),
	}
}

func TestSQSFeed_DecodesAndSettles(t *testing.T) {
	ctx := context.Background()
	native := event("", "bucket-42")
	bridge := map[string]any{
		"detail-type": "AWS API Call via CloudTrail",
		"source":      "aws.ec2",
		"detail": map[string]any{
			"eventID":     "ct-9",
			"eventName":   "CreateTags",
			"eventSource": "ec2.amazonaws.com",
			"eventTime":   "2026-05-01T10:00:00Z",
			"requestParameters": map[string]any{"resourcesSet": map[string]any{"items": []any{
				map[string]any{"resourceId": "i-1"},
				map[string]any{"resourceId": "vol-7"},
			}}},
		},
	}
	irrelevant := map[string]any{"detail-type": "EC2 Instance State-change Notification", "detail": map[string]any{}}

	client := &fakeSQS{messages: []sqstypes.Message{
		sqsMessage(t, "m1", native),
		sqsMessage(t, "m2", bridge),
		sqsMessage(t, "m3", irrelevant),
		{MessageId: aws.String("m4"), ReceiptHandle: aws.String("rh-m4"), Body: aws.String("{not json")},
	}}
	f, err := NewSQSFeed(client, SQSOptions{QueueURL: "https://sqs.eu-west-1.amazonaws.com/123/remedy"})
	require.NoError(t, err)

	batch, err := f.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	assert.Equal(t, "m1", batch[0].Event.EventID, "message id backfills a missing event id")
	assert.Equal(t, "sqs", batch[0].Event.Source)
	assert.Equal(t, "i-1", batch[1].Event.ResourceID)
	assert.Equal(t, "vol-7", batch[2].Event.ResourceID)

	// Irrelevant messages are deleted at once, undecodable ones are left alone
	assert.Equal(t, []string{"rh-m3"}, client.deleted)

	require.NoError(t, batch[0].Ack(ctx))
	assert.Equal(t, []string{"rh-m3", "rh-m1"}, client.deleted)

	// A two-event message is deleted only after both acks
	require.NoError(t, batch[1].Ack(ctx))
	assert.Len(t, client.deleted, 2)
	require.NoError(t, batch[2].Ack(ctx))
	assert.Equal(t, []string{"rh-m3", "rh-m1", "rh-m2"}, client.deleted)
	assert.Empty(t, client.released)
}

func TestSQSFeed_NackReleasesMessageOnce(t *testing.T) {
	ctx := context.Background()
	client := &fakeSQS{messages: []sqstypes.Message{sqsMessage(t, "m1", event("e1", "bucket-42"))}}
	f, err := NewSQSFeed(client, SQSOptions{QueueURL: "q"})
	require.NoError(t, err)

	batch, err := f.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, batch[0].Nack(ctx))
	require.NoError(t, batch[0].Nack(ctx))
	assert.Equal(t, []string{"rh-m1"}, client.released)
	assert.Empty(t, client.deleted)
}

func TestSQSFeed_Errors(t *testing.T) {
	_, err := NewSQSFeed(&fakeSQS{}, SQSOptions{})
	assert.Error(t, err)

	f, err := NewSQSFeed(&fakeSQS{err: errors.New("throttled")}, SQSOptions{QueueURL: "q"})
	require.NoError(t, err)
	_, err = f.Receive(context.Background())
	assert.ErrorContains(t, err, "throttled")

	f, err = NewSQSFeed(&fakeSQS{}, SQSOptions{QueueURL: "q"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeCloudTrail struct {
	mu     sync.Mutex
	events []cttypes.Event
	calls  int
}

func (f *fakeCloudTrail) LookupEvents(_ context.Context, in *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &cloudtrail.LookupEventsOutput{Events: f.events}, nil
}

func trailEvent(t *testing.T, id, name, source, bucket string) cttypes.Event {
	t.Helper()
	record, err := json.Marshal(map[string]any{
		"eventID":           id,
		"eventName":         name,
		"eventSource":       source,
		"eventTime":         "2026-05-01T10:00:00Z",
		"requestParameters": map[string]any{"bucketName": bucket},
	})
	require.NoError(t, err)
	return cttypes.Event{
		EventId:         aws.String(id),
		EventName:       aws.String(name),
		EventSource:     aws.String(source),
		EventTime:       aws.Time(time.Now()),
		CloudTrailEvent: aws.String(string(record)),
	}
}

func TestCloudTrailFeed_DeduplicatesAndRedeliversNacked(t *testing.T) {
	client := &fakeCloudTrail{events: []cttypes.Event{
		trailEvent(t, "ct-1", "PutBucketPolicy", "s3.amazonaws.com", "bucket-42"),
		trailEvent(t, "ct-2", "GetObject", "s3.amazonaws.com", "bucket-42"),
	}}
	f := NewCloudTrailFeed(client, CloudTrailOptions{PollInterval: time.Millisecond})

	batch, err := f.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "bucket-42", batch[0].Event.ResourceID)

	// The same record in the next window is not delivered twice
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = f.Receive(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, batch[0].Nack(context.Background()))
	again, err := f.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "ct-1", again[0].Event.EventID)
}

func TestSweepFeed_OneShot(t *testing.T) {
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "logs", Type: types.ResourceBucket, Encrypted: types.Bool(true)})
	cloud.Put(memory.Resource{ID: "raw", Type: types.ResourceBucket, Encrypted: types.Bool(false), Region: "us-east-1"})
	cloud.Put(memory.Resource{ID: "unknown", Type: types.ResourceBucket})
	cloud.Put(memory.Resource{ID: "vol-7", Type: types.ResourceEncryptable, Encrypted: types.Bool(false)})

	f := NewSweepFeed(cloud, SweepOptions{OnlyUnencrypted: true})
	batch, err := f.Receive(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, d := range batch {
		ids = append(ids, d.Event.ResourceID)
		assert.Equal(t, types.ResourceBucket, d.Event.ResourceType)
		assert.NoError(t, d.Event.Validate())
	}
	assert.Equal(t, []string{"raw", "unknown"}, ids)
	assert.Equal(t, "us-east-1", batch[0].Event.Region)

	for _, d := range batch {
		require.NoError(t, d.Ack(context.Background()))
	}
	_, err = f.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, f.Abandoned())
}

func TestSweepFeed_RedeliversNackedUntilOutOfPasses(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "logs", Type: types.ResourceBucket})
	cloud.Put(memory.Resource{ID: "raw", Type: types.ResourceBucket})

	f := NewSweepFeed(cloud, SweepOptions{MaxPasses: 2})
	batch, err := f.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, batch[0].Ack(ctx))
	require.NoError(t, batch[1].Nack(ctx))
	require.NoError(t, batch[1].Nack(ctx), "settling twice is a no-op")

	again, err := f.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, batch[1].Event, again[0].Event)
	require.NoError(t, again[0].Nack(ctx))

	_, err = f.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{batch[1].Event.ResourceID}, f.Abandoned())
}

func TestSweepFeed_OneShotWaitsForInFlightEvents(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "logs", Type: types.ResourceBucket})

	f := NewSweepFeed(cloud, SweepOptions{})
	batch, err := f.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	got := make(chan []Delivery, 1)
	go func() {
		again, _ := f.Receive(ctx)
		got <- again
	}()

	select {
	case <-got:
		t.Fatal("sweep closed while an event was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, batch[0].Nack(ctx))
	select {
	case again := <-got:
		require.Len(t, again, 1)
		assert.Equal(t, "logs", again[0].Event.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("nacked event was not redelivered")
	}
}
