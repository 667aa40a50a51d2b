// Package telemetry provides the daemon's operational metrics: queue
// overflow, history eviction, and allocation-exhaustion counts. These
// are daemon-side observability only (SPEC_FULL.md §3) — the
// chunk-sender/receiver hot path never imports this package, matching
// spec.md §1's "no per-message kernel call" non-goal, which this
// module reads as excluding any instrumentation from the hot path as
// well, not just literal syscalls.
//
// Grounded on `sambhavthakkar-QuantaraX/backend`'s
// `internal/observability` package (same otel/sdk setup shape, applied
// to metrics instead of tracing).
package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Meter wraps the three daemon-level counters described in
// SPEC_FULL.md §3.
type Meter struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	runID    string

	queueOverflow        metric.Int64Counter
	historyEviction      metric.Int64Counter
	allocationExhaustion metric.Int64Counter
}

// New builds a Meter backed by an in-process manual reader: the
// daemon calls Export periodically (or on shutdown) rather than
// wiring a network exporter, since the transport for these metrics is
// out of this module's scope. Each daemon run gets a fresh random id
// stamped as a resource attribute, so Export's log lines from two
// overlapping daemon restarts (e.g. during a deploy) aren't ambiguous.
func New() (*Meter, error) {
	runID := uuid.NewString()
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "iceoryx-daemon"),
			attribute.String("service.instance.id", runID),
		),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	meter := provider.Meter("iceoryx-sub003/daemon")

	queueOverflow, err := meter.Int64Counter("queue_overflow_total",
		metric.WithDescription("chunks dropped because a subscriber queue was full"))
	if err != nil {
		return nil, err
	}
	historyEviction, err := meter.Int64Counter("history_eviction_total",
		metric.WithDescription("history ring entries dropped to make room for a newer chunk"))
	if err != nil {
		return nil, err
	}
	allocationExhaustion, err := meter.Int64Counter("allocation_exhaustion_total",
		metric.WithDescription("TryAllocate calls that failed because a pool ran out of chunks"))
	if err != nil {
		return nil, err
	}

	return &Meter{
		provider:             provider,
		reader:               reader,
		runID:                runID,
		queueOverflow:        queueOverflow,
		historyEviction:      historyEviction,
		allocationExhaustion: allocationExhaustion,
	}, nil
}

// RecordQueueOverflow records n chunks lost to a full queue.
func (m *Meter) RecordQueueOverflow(ctx context.Context, n int64) {
	m.queueOverflow.Add(ctx, n)
}

// RecordHistoryEviction records n history entries evicted.
func (m *Meter) RecordHistoryEviction(ctx context.Context, n int64) {
	m.historyEviction.Add(ctx, n)
}

// RecordAllocationExhaustion records one failed allocation due to pool
// exhaustion.
func (m *Meter) RecordAllocationExhaustion(ctx context.Context) {
	m.allocationExhaustion.Add(ctx, 1)
}

// Export collects the current metric values and logs them. The
// manual reader holds cumulative sums, so repeated calls log
// monotonically increasing totals, not deltas.
func (m *Meter) Export(ctx context.Context) error {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			log.Printf("telemetry[%s]: %s = %v", m.runID, met.Name, met.Data)
		}
	}
	return nil
}

// RunPeriodic exports every interval until ctx is cancelled, for the
// daemon's supervised goroutine set.
func (m *Meter) RunPeriodic(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = m.Export(context.Background())
			return ctx.Err()
		case <-ticker.C:
			if err := m.Export(ctx); err != nil {
				log.Printf("telemetry: export failed: %v", err)
			}
		}
	}
}

// Shutdown flushes and releases the meter provider.
func (m *Meter) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
