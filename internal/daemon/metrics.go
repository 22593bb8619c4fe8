package daemon

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/remedy/orchestrator"
	"github.com/yairfalse/remedy/storage"
	"github.com/yairfalse/remedy/telemetry"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	eventDuration      metric.Float64Histogram
	eventsRetried      metric.Int64Counter
	skipped            metric.Int64Counter
	compactedRevisions metric.Int64Counter
	journalFilesPruned metric.Int64Counter
	storePairs         metric.Int64ObservableGauge
	registration       metric.Registration
}

// NewDaemonMetrics creates daemon metrics. Store size is observed on each
// collection.
func NewDaemonMetrics(store storage.StorageStats) (*DaemonMetrics, error) {
	meter := telemetry.Meter
	m := &DaemonMetrics{}
	var err error

	m.eventDuration, err = meter.Float64Histogram(
		"remedy.daemon.event.duration",
		metric.WithDescription("Time from receipt to done for one change event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.eventsRetried, err = meter.Int64Counter(
		"remedy.daemon.events.retried",
		metric.WithDescription("Events handed back to the feed for redelivery"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.skipped, err = meter.Int64Counter(
		"remedy.daemon.remediations.skipped",
		metric.WithDescription("Violations not remediated by this event"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}

	m.compactedRevisions, err = meter.Int64Counter(
		"remedy.storage.compacted",
		metric.WithDescription("Outcome revisions removed by compaction"),
		metric.WithUnit("{revision}"),
	)
	if err != nil {
		return nil, err
	}

	m.journalFilesPruned, err = meter.Int64Counter(
		"remedy.journal.files.pruned",
		metric.WithDescription("Journal files removed after retention"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	m.storePairs, err = meter.Int64ObservableGauge(
		"remedy.storage.pairs",
		metric.WithDescription("Resource and rule pairs with a recorded outcome"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		return nil, err
	}

	if store != nil {
		m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			pairs, _, _ := store.Stats()
			o.ObserveInt64(m.storePairs, int64(pairs))
			return nil
		}, m.storePairs)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordEvent records one finished event
func (m *DaemonMetrics) RecordEvent(ctx context.Context, r orchestrator.EventResult) {
	attrs := metric.WithAttributes(
		attribute.String("result", r.Result()),
		attribute.String("resource.type", string(r.ResourceType)),
	)
	m.eventDuration.Record(ctx, r.Duration().Seconds(), attrs)
	if r.Retry {
		m.eventsRetried.Add(ctx, 1, attrs)
	}
	for _, s := range r.Skipped {
		m.skipped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", s.RuleID),
			attribute.String("reason", s.Reason),
		))
	}
}

// RecordMaintenance records one compaction and journal cleanup pass
func (m *DaemonMetrics) RecordMaintenance(ctx context.Context, revisions, files int) {
	m.compactedRevisions.Add(ctx, int64(revisions))
	m.journalFilesPruned.Add(ctx, int64(files))
}

// Handler serves /metrics, /healthz and /readyz
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()

	metrics := promhttp.Handler()
	if telemetry.PrometheusRegistry != nil {
		metrics = promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{})
	}
	mux.Handle("/metrics", metrics)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, d.Health())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		h := d.Health()
		status := http.StatusOK
		if !h.Ready {
			h.Status = "starting"
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, status, h)
	})
	return mux
}

func writeHealth(w http.ResponseWriter, status int, h HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(h)
}
