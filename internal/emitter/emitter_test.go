package emitter

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/remedy/storage"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
	"github.com/yairfalse/remedy/wal"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	outcomes   []types.RemediationOutcome
}

func (m *mockEmitter) Emit(_ context.Context, _ string, o types.RemediationOutcome) error {
	m.emitCalls++
	m.outcomes = append(m.outcomes, o)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func testOutcome(status types.OutcomeStatus) types.RemediationOutcome {
	now := time.Now().UTC()
	o := types.RemediationOutcome{
		ResourceID:   "bucket-42",
		ResourceType: types.ResourceBucket,
		RuleID:       "bucket-private",
		ActionKind:   types.ActionFixPublicAccess,
		Status:       status,
		AttemptCount: 1,
		StartedAt:    now.Add(-time.Second),
		FinishedAt:   now,
	}
	if status.Failed() {
		o.Error = "AccessDenied"
	}
	return o
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), "evt-1", testOutcome(types.StatusApplied))

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	assert.Len(t, e2.outcomes, 1)
}

func TestMultiEmitter_Emit_ErrorDoesNotStarveOtherSinks(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), "evt-1", testOutcome(types.StatusApplied))

	assert.ErrorContains(t, err, "emit failed")
	assert.Equal(t, 1, e2.emitCalls)
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	assert.Error(t, multi.Close())
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)

	require.NoError(t, NewMultiEmitter().Close())
}

func TestStoreEmitter_PermanentOnly(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	e := NewStoreEmitter(store, true)
	require.NoError(t, e.Emit(ctx, "evt-1", testOutcome(types.StatusApplied)))
	require.NoError(t, e.Emit(ctx, "evt-1", testOutcome(types.StatusFailedRetryable)))
	require.NoError(t, e.Emit(ctx, "evt-1", testOutcome(types.StatusFailedPermanent)))

	records, err := store.Query(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusFailedPermanent, records[0].Outcome.Status)
	assert.Equal(t, "evt-1", records[0].EventID)

	all := NewStoreEmitter(store, false)
	require.NoError(t, all.Emit(ctx, "evt-2", testOutcome(types.StatusApplied)))
	assert.Equal(t, int64(2), store.CurrentRevision())
}

func TestStoreEmitter_StoreFailure(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = NewStoreEmitter(store, false).Emit(context.Background(), "evt-1", testOutcome(types.StatusFailedPermanent))
	assert.ErrorContains(t, err, "bucket-42/bucket-private")
}

func TestJournalEmitter(t *testing.T) {
	dir := t.TempDir()
	journal, err := wal.Open(dir)
	require.NoError(t, err)

	e := NewJournalEmitter(journal)
	require.NoError(t, e.Emit(context.Background(), "evt-1", testOutcome(types.StatusApplied)))
	require.NoError(t, e.Emit(context.Background(), "evt-1", testOutcome(types.StatusFailedPermanent)))
	require.NoError(t, journal.Close())

	var entries []*wal.Entry
	require.NoError(t, wal.Replay(dir, time.Time{}, func(entry *wal.Entry) error {
		entries = append(entries, entry)
		return nil
	}))
	require.Len(t, entries, 2)
	assert.Equal(t, wal.EntryOutcome, entries[0].Type)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, "AccessDenied", entries[1].Error)

	var o types.RemediationOutcome
	require.NoError(t, entries[1].Decode(&o))
	assert.Equal(t, types.StatusFailedPermanent, o.Status)
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(telemetry.NewLoggerTo("outcomes", &buf))

	require.NoError(t, e.Emit(context.Background(), "evt-1", testOutcome(types.StatusFailedPermanent)))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "operator follow-up required")
}

func TestPrometheusEmitter_TracksUnresolvedPairs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := telemetry.Meter
	telemetry.Meter = provider.Meter("test")
	defer func() { telemetry.Meter = previous }()

	e, err := NewPrometheusEmitter()
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	require.NoError(t, e.Emit(ctx, "evt-1", testOutcome(types.StatusFailedPermanent)))
	assert.Equal(t, 1, e.Unresolved())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "remedy.unresolved" {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			require.Len(t, gauge.DataPoints, 1)
			assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
			found = true
		}
	}
	assert.True(t, found)

	// A retryable failure leaves the pair unresolved; success clears it
	require.NoError(t, e.Emit(ctx, "evt-2", testOutcome(types.StatusFailedRetryable)))
	assert.Equal(t, 1, e.Unresolved())
	require.NoError(t, e.Emit(ctx, "evt-3", testOutcome(types.StatusApplied)))
	assert.Zero(t, e.Unresolved())
}
