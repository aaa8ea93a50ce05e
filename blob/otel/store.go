// Package otel provides OpenTelemetry instrumentation for blob stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/datastore/blob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/datastore/blob/otel"
)

// Store wraps a blob.Store with OpenTelemetry instrumentation.
type Store struct {
	backend blob.Store
	opts    *options

	// Tracing
	tracer trace.Tracer

	// Metrics
	putLatency    metric.Float64Histogram
	putCount      metric.Int64Counter
	putBytes      metric.Int64Counter
	putErrors     metric.Int64Counter
	getLatency    metric.Float64Histogram
	getCount      metric.Int64Counter
	getBytes      metric.Int64Counter
	getErrors     metric.Int64Counter
	deleteLatency metric.Float64Histogram
	deleteCount   metric.Int64Counter
	deleteErrors  metric.Int64Counter
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new OTel-instrumented blob store wrapping the given backend.
func New(backend blob.Store, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "datastore",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{
		backend: backend,
		opts:    o,
	}

	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}

	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	return s, nil
}

// initMetrics initializes all metric instruments.
func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Put metrics
	s.putLatency, err = meter.Float64Histogram(
		"blob.put.duration",
		metric.WithDescription("Duration of blob put operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.putCount, err = meter.Int64Counter(
		"blob.put.count",
		metric.WithDescription("Number of blob put operations"),
	)
	if err != nil {
		return err
	}

	s.putBytes, err = meter.Int64Counter(
		"blob.put.bytes",
		metric.WithDescription("Total bytes stored"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	s.putErrors, err = meter.Int64Counter(
		"blob.put.errors",
		metric.WithDescription("Number of put errors"),
	)
	if err != nil {
		return err
	}

	// Get metrics
	s.getLatency, err = meter.Float64Histogram(
		"blob.get.duration",
		metric.WithDescription("Duration of blob get operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.getCount, err = meter.Int64Counter(
		"blob.get.count",
		metric.WithDescription("Number of blob get operations"),
	)
	if err != nil {
		return err
	}

	s.getBytes, err = meter.Int64Counter(
		"blob.get.bytes",
		metric.WithDescription("Total bytes read"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	s.getErrors, err = meter.Int64Counter(
		"blob.get.errors",
		metric.WithDescription("Number of get errors"),
	)
	if err != nil {
		return err
	}

	// Delete metrics
	s.deleteLatency, err = meter.Float64Histogram(
		"blob.delete.duration",
		metric.WithDescription("Duration of blob delete operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.deleteCount, err = meter.Int64Counter(
		"blob.delete.count",
		metric.WithDescription("Number of blob delete operations"),
	)
	if err != nil {
		return err
	}

	s.deleteErrors, err = meter.Int64Counter(
		"blob.delete.errors",
		metric.WithDescription("Number of delete errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Put stores content with tracing and metrics.
func (s *Store) Put(ctx context.Context, hash string, content io.Reader) error {
	attrs := []attribute.KeyValue{
		attribute.String("blob.hash", hash),
		attribute.String("service.name", s.opts.serviceName),
	}

	if s.opts.tracingEnabled && s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "blob.put",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	start := time.Now()

	// Wrap reader to count bytes
	countingReader := &countingReader{reader: content}

	err := s.backend.Put(ctx, hash, countingReader)

	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.putLatency.Record(ctx, duration, metricAttrs)
		s.putCount.Add(ctx, 1, metricAttrs)
		s.putBytes.Add(ctx, countingReader.bytes, metricAttrs)

		if err != nil {
			s.putErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if s.opts.tracingEnabled && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("blob.bytes", countingReader.bytes))
			span.SetStatus(codes.Ok, "")
		}
	}

	return err
}

// Get returns a reader for the blob content with tracing and metrics.
func (s *Store) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	attrs := []attribute.KeyValue{
		attribute.String("blob.hash", hash),
		attribute.String("service.name", s.opts.serviceName),
	}

	var span trace.Span
	if s.opts.tracingEnabled && s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "blob.get",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		// Note: span.End() is called when the reader is closed
	}

	start := time.Now()

	reader, err := s.backend.Get(ctx, hash)

	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.getLatency.Record(ctx, duration, metricAttrs)
		s.getCount.Add(ctx, 1, metricAttrs)

		if err != nil {
			s.getErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
		return nil, err
	}

	// Wrap reader to track bytes and end span on close
	return &instrumentedReader{
		reader: reader,
		span:   span,
		store:  s,
		ctx:    ctx,
		attrs:  attrs,
	}, nil
}

// Delete removes the blob with tracing and metrics.
func (s *Store) Delete(ctx context.Context, hash string) error {
	attrs := []attribute.KeyValue{
		attribute.String("blob.hash", hash),
		attribute.String("service.name", s.opts.serviceName),
	}

	if s.opts.tracingEnabled && s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "blob.delete",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	start := time.Now()

	err := s.backend.Delete(ctx, hash)

	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.deleteLatency.Record(ctx, duration, metricAttrs)
		s.deleteCount.Add(ctx, 1, metricAttrs)

		if err != nil {
			s.deleteErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if s.opts.tracingEnabled && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	return err
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

// instrumentedReader wraps an io.ReadCloser with instrumentation.
type instrumentedReader struct {
	reader io.ReadCloser
	span   trace.Span
	store  *Store
	ctx    context.Context
	attrs  []attribute.KeyValue
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()

	if r.store.opts.metricsEnabled {
		r.store.getBytes.Add(r.ctx, r.bytes, metric.WithAttributes(r.attrs...))
	}

	if r.span != nil {
		r.span.SetAttributes(attribute.Int64("blob.bytes", r.bytes))
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		} else {
			r.span.SetStatus(codes.Ok, "")
		}
		r.span.End()
	}

	return err
}
