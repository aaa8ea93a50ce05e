package datastore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/datastore"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the datastore
// service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	writeLatency  metric.Float64Histogram
	writeCount    metric.Int64Counter
	writeErrors   metric.Int64Counter
	writeRetries  metric.Int64Counter
	fetchLatency  metric.Float64Histogram
	fetchCount    metric.Int64Counter
	fetchErrors   metric.Int64Counter
	queryLatency  metric.Float64Histogram
	queryCount    metric.Int64Counter
	queryErrors   metric.Int64Counter
	searchLatency metric.Float64Histogram
	searchCount   metric.Int64Counter
	searchErrors  metric.Int64Counter

	changesLatency metric.Float64Histogram
	changesCount   metric.Int64Counter
	changesErrors  metric.Int64Counter

	blobLatency metric.Float64Histogram
	blobCount   metric.Int64Counter
	blobErrors  metric.Int64Counter
	blobBytes   metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Write metrics
	o.writeLatency, err = meter.Float64Histogram(
		"datastore.write.duration",
		metric.WithDescription("Duration of write commits"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.writeCount, err = meter.Int64Counter(
		"datastore.write.count",
		metric.WithDescription("Number of write commits"),
	)
	if err != nil {
		return err
	}

	o.writeErrors, err = meter.Int64Counter(
		"datastore.write.errors",
		metric.WithDescription("Number of failed write commits"),
	)
	if err != nil {
		return err
	}

	o.writeRetries, err = meter.Int64Counter(
		"datastore.write.retries",
		metric.WithDescription("Number of commit attempts lost to conflicts"),
	)
	if err != nil {
		return err
	}

	// Fetch metrics
	o.fetchLatency, err = meter.Float64Histogram(
		"datastore.fetch.duration",
		metric.WithDescription("Duration of fetch operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.fetchCount, err = meter.Int64Counter(
		"datastore.fetch.count",
		metric.WithDescription("Number of fetch operations"),
	)
	if err != nil {
		return err
	}

	o.fetchErrors, err = meter.Int64Counter(
		"datastore.fetch.errors",
		metric.WithDescription("Number of fetch errors"),
	)
	if err != nil {
		return err
	}

	// Query metrics
	o.queryLatency, err = meter.Float64Histogram(
		"datastore.query.duration",
		metric.WithDescription("Duration of query operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.queryCount, err = meter.Int64Counter(
		"datastore.query.count",
		metric.WithDescription("Number of query operations"),
	)
	if err != nil {
		return err
	}

	o.queryErrors, err = meter.Int64Counter(
		"datastore.query.errors",
		metric.WithDescription("Number of query errors"),
	)
	if err != nil {
		return err
	}

	// Search metrics
	o.searchLatency, err = meter.Float64Histogram(
		"datastore.search.duration",
		metric.WithDescription("Duration of full-text search operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.searchCount, err = meter.Int64Counter(
		"datastore.search.count",
		metric.WithDescription("Number of full-text search operations"),
	)
	if err != nil {
		return err
	}

	o.searchErrors, err = meter.Int64Counter(
		"datastore.search.errors",
		metric.WithDescription("Number of full-text search errors"),
	)
	if err != nil {
		return err
	}

	// Change feed metrics
	o.changesLatency, err = meter.Float64Histogram(
		"datastore.changes.duration",
		metric.WithDescription("Duration of change feed reads"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.changesCount, err = meter.Int64Counter(
		"datastore.changes.count",
		metric.WithDescription("Number of change feed reads"),
	)
	if err != nil {
		return err
	}

	o.changesErrors, err = meter.Int64Counter(
		"datastore.changes.errors",
		metric.WithDescription("Number of change feed errors"),
	)
	if err != nil {
		return err
	}

	// Blob metrics
	o.blobLatency, err = meter.Float64Histogram(
		"datastore.blob.duration",
		metric.WithDescription("Duration of blob operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.blobCount, err = meter.Int64Counter(
		"datastore.blob.count",
		metric.WithDescription("Number of blob operations"),
	)
	if err != nil {
		return err
	}

	o.blobErrors, err = meter.Int64Counter(
		"datastore.blob.errors",
		metric.WithDescription("Number of blob errors"),
	)
	if err != nil {
		return err
	}

	o.blobBytes, err = meter.Int64Counter(
		"datastore.blob.bytes",
		metric.WithDescription("Bytes written through BlobPut"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled. The returned func ends
// the span, recording err when non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordWrite records commit metrics. attempts counts total commit attempts;
// everything past the first was a conflict retry.
func (o *otelInstrumentation) recordWrite(ctx context.Context, duration time.Duration, attempts int, err error) {
	if !o.metricsEnabled {
		return
	}

	o.writeLatency.Record(ctx, duration.Seconds())
	o.writeCount.Add(ctx, 1)
	if attempts > 1 {
		o.writeRetries.Add(ctx, int64(attempts-1))
	}
	if err != nil {
		o.writeErrors.Add(ctx, 1)
	}
}

// recordFetch records fetch operation metrics.
func (o *otelInstrumentation) recordFetch(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.fetchLatency.Record(ctx, duration.Seconds())
	o.fetchCount.Add(ctx, 1)
	if err != nil {
		o.fetchErrors.Add(ctx, 1)
	}
}

// recordQuery records query operation metrics.
func (o *otelInstrumentation) recordQuery(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("result_count", resultCount),
	)

	o.queryLatency.Record(ctx, duration.Seconds(), attrs)
	o.queryCount.Add(ctx, 1, attrs)
	if err != nil {
		o.queryErrors.Add(ctx, 1, attrs)
	}
}

// recordSearch records full-text search metrics.
func (o *otelInstrumentation) recordSearch(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("result_count", resultCount),
	)

	o.searchLatency.Record(ctx, duration.Seconds(), attrs)
	o.searchCount.Add(ctx, 1, attrs)
	if err != nil {
		o.searchErrors.Add(ctx, 1, attrs)
	}
}

// recordChanges records change feed metrics.
func (o *otelInstrumentation) recordChanges(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("result_count", resultCount),
	)

	o.changesLatency.Record(ctx, duration.Seconds(), attrs)
	o.changesCount.Add(ctx, 1, attrs)
	if err != nil {
		o.changesErrors.Add(ctx, 1, attrs)
	}
}

// recordBlob records blob operation metrics.
func (o *otelInstrumentation) recordBlob(ctx context.Context, duration time.Duration, operation string, bytes int64, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.blobLatency.Record(ctx, duration.Seconds(), attrs)
	o.blobCount.Add(ctx, 1, attrs)
	if bytes > 0 {
		o.blobBytes.Add(ctx, bytes, attrs)
	}
	if err != nil {
		o.blobErrors.Add(ctx, 1, attrs)
	}
}
