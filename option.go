package datastore

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"github.com/rbaliyan/datastore/blob"
	"github.com/rbaliyan/datastore/tokenizer"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultChangeRetention = 30 * 24 * time.Hour // change-log entries kept for sync
	MinChangeRetention     = 24 * time.Hour      // floor, so clients get at least a day
	DefaultBlobGracePeriod = 1 * time.Hour       // unreferenced blobs survive this long
	MinBlobGracePeriod     = time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	MinShutdownTimeout     = 1 * time.Second

	// Query limits
	DefaultMaxQueryLimit = 1000 // max documents per query page
	DefaultQueryLimit    = 100  // default documents per query page

	// Concurrency limits
	DefaultMaxConcurrentWrites = 16 // max concurrent commit pipelines per service

	// Commit retry
	DefaultMaxCommitRetries = 10 // optimistic commit attempts before ErrConflict

	// Backend call deadline
	DefaultBackendTimeout = 30 * time.Second
	MinBackendTimeout     = 100 * time.Millisecond
)

// options holds datastore configuration.
type options struct {
	backend   backend.Backend
	blobs     blob.Store
	tokenizer tokenizer.Tokenizer
	logger    *slog.Logger

	// Commit behavior
	maxCommitRetries int
	backendTimeout   time.Duration

	// Maintenance
	changeRetention time.Duration
	blobGracePeriod time.Duration

	// Query limits
	maxQueryLimit     int
	defaultQueryLimit int

	// Concurrency limits
	maxConcurrentWrites int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc
}

// EventPublishFailureFunc is called when an event fails to publish. The
// eventName identifies the event (e.g. "DocumentWritten") and err is the
// publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic
// recovery so a misbehaving callback cannot take the write path down.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:              slog.Default(),
		tokenizer:           tokenizer.New(),
		maxCommitRetries:    DefaultMaxCommitRetries,
		backendTimeout:      DefaultBackendTimeout,
		changeRetention:     DefaultChangeRetention,
		blobGracePeriod:     DefaultBlobGracePeriod,
		maxQueryLimit:       DefaultMaxQueryLimit,
		defaultQueryLimit:   DefaultQueryLimit,
		maxConcurrentWrites: DefaultMaxConcurrentWrites,
		shutdownTimeout:     DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.defaultQueryLimit > o.maxQueryLimit {
		o.defaultQueryLimit = o.maxQueryLimit
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a datastore service.
type Option func(*options)

// --- Core Options ---

// WithBackend sets the storage backend (required). The backend must support
// atomic batches; Connect fails otherwise.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		if b != nil {
			o.backend = b
		}
	}
}

// WithBlobStore sets the blob store used by BlobPut and BlobGet. Without one,
// documents may still carry blob reference fields but the payloads live
// elsewhere.
func WithBlobStore(s blob.Store) Option {
	return func(o *options) {
		if s != nil {
			o.blobs = s
		}
	}
}

// WithTokenizer sets the text analyzer used for full-text indexing and query
// parsing. Default is the built-in tokenizer with snowball stemming.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(o *options) {
		if t != nil {
			o.tokenizer = t
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Commit Options ---

// WithMaxCommitRetries sets how many times a commit is retried after losing
// an optimistic conflict before ErrConflict is returned.
// Default is 10.
func WithMaxCommitRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxCommitRetries = n
		}
	}
}

// WithBackendTimeout bounds each backend call with its own deadline, on top
// of whatever deadline the caller's context carries. A call that overruns it
// fails with the context's deadline error, which is never retried as a
// conflict. Default is 30 seconds. Minimum is 100ms. Zero disables the
// per-call bound, leaving only the caller's context in charge.
func WithBackendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d == 0 || d >= MinBackendTimeout {
			o.backendTimeout = d
		}
	}
}

// --- Maintenance Options ---

// WithChangeRetention sets how long change-log entries are kept before
// RunMaintenance compacts them. Clients whose sync state falls behind the
// compaction floor receive ErrStateTooOld.
// Default is 30 days. Minimum is 1 day.
func WithChangeRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= MinChangeRetention {
			o.changeRetention = d
		}
	}
}

// WithBlobGracePeriod sets how long a blob must remain unreferenced before
// RunMaintenance reclaims it. The grace period covers the window between
// BlobPut and the commit that links the blob to a document.
// Default is 1 hour. Minimum is 1 minute.
func WithBlobGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d >= MinBlobGracePeriod {
			o.blobGracePeriod = d
		}
	}
}

// --- Query Limit Options ---

// WithMaxQueryLimit sets the maximum number of documents per query page.
// Any query requesting more is capped. Default is 1000.
func WithMaxQueryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueryLimit = n
		}
	}
}

// WithDefaultQueryLimit sets the page size used when a query does not
// specify one. Capped to MaxQueryLimit. Default is 100.
func WithDefaultQueryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultQueryLimit = n
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentWrites sets the maximum number of commit pipelines running
// at once. Commits beyond the limit queue on a semaphore.
// Default is 16.
func WithMaxConcurrentWrites(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentWrites = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight commits
// to finish. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and event bus naming.
// Default is "datastore".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures cause the
// operation to return an EventPublishError. The write itself is already
// durable either way. Default is false (failures are logged).
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// If not provided, a noop transport is used (events are silently dropped)
// unless WithRedisClient is set.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport. Events are
// published to Redis Streams for reliable delivery.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback invoked whenever an event
// fails to publish and eventErrorsFatal is false. By default failures are
// logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
