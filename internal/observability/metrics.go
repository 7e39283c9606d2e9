// Package observability exposes the service's OpenTelemetry instruments through
// a Prometheus scrape endpoint.
package observability

import (
	"context"
	"errors"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	latencyBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	computeBuckets  = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600}
	callbackBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds the service instruments. It satisfies the metrics recorder
// interfaces of the api, job, worker, receptor and dispatcher packages.
type Metrics struct {
	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
	httpErrors   metric.Int64Counter
	rpcCalls     metric.Int64Counter

	queriesSubmitted metric.Int64Counter
	itemsSubmitted   metric.Int64Counter
	queriesActive    metric.Int64UpDownCounter
	queryDuration    metric.Float64Histogram
	itemsFailed      metric.Int64Counter
	queriesExpired   metric.Int64Counter

	itemDuration metric.Float64Histogram
	itemsDone    metric.Int64Counter
	poolRunning  metric.Int64Gauge
	poolWaiting  metric.Int64Gauge

	receptorBuilds   metric.Int64Counter
	receptorDuration metric.Float64Histogram

	callbackDuration  metric.Float64Histogram
	callbackDelivered metric.Int64Counter
	callbackFailed    metric.Int64Counter
	callbackDropped   metric.Int64Counter
	callbackQueue     metric.Int64Gauge
}

// instruments accumulates creation errors so NewMetrics can report them once.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.err = errors.Join(b.err, err)
	return h
}

// NewMetrics creates the instruments on a private Prometheus registry and
// returns the handler that serves it.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	b := &instruments{meter: provider.Meter("docking-server")}
	m := &Metrics{
		httpDuration: b.seconds("http_request_duration_seconds", "HTTP request latency in seconds", latencyBuckets),
		httpRequests: b.counter("http_requests_total", "Total number of HTTP requests"),
		httpErrors:   b.counter("http_errors_total", "Total number of HTTP responses with status 4xx or 5xx"),
		rpcCalls:     b.counter("rpc_calls_total", "Total number of JSON-RPC calls by method and outcome"),

		queriesSubmitted: b.counter("docking_queries_submitted_total", "Total number of accepted queries"),
		itemsSubmitted:   b.counter("docking_items_submitted_total", "Total number of molecules dispatched"),
		queriesActive:    b.upDown("docking_queries_active", "Queries registered and not yet collected or expired"),
		queryDuration:    b.seconds("docking_query_duration_seconds", "Time from submission until every item finished", computeBuckets),
		itemsFailed:      b.counter("docking_items_failed_total", "Collected items that produced a failure instead of a score"),
		queriesExpired:   b.counter("docking_queries_expired_total", "Finished queries retired without being collected"),

		itemDuration: b.seconds("docking_item_duration_seconds", "Compute time of a single item", computeBuckets),
		itemsDone:    b.counter("docking_items_completed_total", "Items that finished, by success"),
		poolRunning:  b.gauge("docking_pool_running", "Items currently computing"),
		poolWaiting:  b.gauge("docking_pool_waiting", "Items waiting for a worker slot"),

		receptorBuilds:   b.counter("docking_receptor_builds_total", "Receptor builds, by success"),
		receptorDuration: b.seconds("docking_receptor_build_duration_seconds", "Receptor build time", latencyBuckets),

		callbackDuration:  b.seconds("docking_callback_duration_seconds", "Completion callback delivery time", callbackBuckets),
		callbackDelivered: b.counter("docking_callbacks_delivered_total", "Completion callbacks delivered"),
		callbackFailed:    b.counter("docking_callbacks_failed_total", "Completion callbacks that failed after retries"),
		callbackDropped:   b.counter("docking_callbacks_dropped_total", "Completion callbacks dropped before delivery"),
		callbackQueue:     b.gauge("docking_callback_queue_depth", "Completion callbacks waiting for delivery"),
	}
	if b.err != nil {
		return nil, nil, b.err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.httpDuration.Record(ctx, durationSeconds, attrs)
	m.httpRequests.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.httpErrors.Add(ctx, 1, attrs)
	}
}

// RecordRPCCall records one JSON-RPC call. code is 0 on success.
func (m *Metrics) RecordRPCCall(ctx context.Context, method string, code int) {
	m.rpcCalls.Add(ctx, 1, metric.WithAttributes(rpcMethodAttr(method), successAttr(code == 0)))
}

// RecordQuerySubmitted implements job.MetricsRecorder.
func (m *Metrics) RecordQuerySubmitted(ctx context.Context, items int) {
	m.queriesSubmitted.Add(ctx, 1)
	m.itemsSubmitted.Add(ctx, int64(items))
}

// RecordQueryActive implements job.MetricsRecorder.
func (m *Metrics) RecordQueryActive(ctx context.Context, delta int64) {
	m.queriesActive.Add(ctx, delta)
}

// RecordQueryCollected implements job.MetricsRecorder.
func (m *Metrics) RecordQueryCollected(ctx context.Context, elapsedSeconds float64, failed int) {
	m.queryDuration.Record(ctx, elapsedSeconds)
	if failed > 0 {
		m.itemsFailed.Add(ctx, int64(failed))
	}
}

// RecordQuerySwept implements job.MetricsRecorder.
func (m *Metrics) RecordQuerySwept(ctx context.Context) {
	m.queriesExpired.Add(ctx, 1)
}

// RecordTaskCompleted implements worker.MetricsRecorder.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.itemDuration.Record(ctx, durationSeconds, attrs)
	m.itemsDone.Add(ctx, 1, attrs)
}

// RecordPoolSaturation implements worker.MetricsRecorder.
func (m *Metrics) RecordPoolSaturation(ctx context.Context, running, waiting int64) {
	m.poolRunning.Record(ctx, running)
	m.poolWaiting.Record(ctx, waiting)
}

// RecordReceptorBuild implements receptor.MetricsRecorder.
func (m *Metrics) RecordReceptorBuild(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.receptorBuilds.Add(ctx, 1, attrs)
	m.receptorDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCallbackDelivered implements dispatcher.MetricsRecorder.
func (m *Metrics) RecordCallbackDelivered(ctx context.Context, durationSeconds float64) {
	m.callbackDelivered.Add(ctx, 1)
	m.callbackDuration.Record(ctx, durationSeconds)
}

// RecordCallbackFailed implements dispatcher.MetricsRecorder.
func (m *Metrics) RecordCallbackFailed(ctx context.Context) {
	m.callbackFailed.Add(ctx, 1)
}

// RecordCallbackDropped implements dispatcher.MetricsRecorder.
func (m *Metrics) RecordCallbackDropped(ctx context.Context) {
	m.callbackDropped.Add(ctx, 1)
}

// RecordCallbackQueueDepth implements dispatcher.MetricsRecorder.
func (m *Metrics) RecordCallbackQueueDepth(ctx context.Context, depth int64) {
	m.callbackQueue.Record(ctx, depth)
}
