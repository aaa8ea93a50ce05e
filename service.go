// Package datastore implements a transactional document store over pluggable
// key-value backends. Documents are field sets addressed by (account,
// collection, id); writes atomically maintain sorted, bitmap, and full-text
// secondary indexes, append to a per-account change log for incremental sync,
// and track references into a content-addressed blob store.
//
// The engine takes no locks of its own. Every commit is an atomic backend
// batch guarded by optimistic value assertions; lost races are retried.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/datastore/backend"
	"github.com/rbaliyan/datastore/blob"
	"github.com/rbaliyan/datastore/tokenizer"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// DocumentWriter provides document mutation.
type DocumentWriter interface {
	// Write inserts or replaces one document. A zero DocumentID in the
	// request assigns the next id in the collection. The returned result
	// carries the assigned id and the change-log state of the commit.
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)

	// Delete removes a document, unlinking its blobs and tombstoning its id.
	Delete(ctx context.Context, account uint32, collection Collection, documentID uint32) (*WriteResult, error)
}

// DocumentReader provides document retrieval and filtering.
type DocumentReader interface {
	// Fetch retrieves one document by id. Returns ErrNotFound for ids that
	// were never assigned or have been deleted.
	Fetch(ctx context.Context, account uint32, collection Collection, documentID uint32) (*Document, error)

	// Query evaluates a filter tree against the secondary indexes and
	// returns matching document ids, optionally sorted by an indexed field.
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// FullTextQuery evaluates a text query against the full-text postings
	// and returns document ids ranked by relevance.
	FullTextQuery(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// ChangeReader provides access to the per-account change log.
type ChangeReader interface {
	// ChangesSince returns the changes committed after the given state,
	// collapsed so each document appears at most once. Returns ErrStateTooOld
	// if the state precedes the compaction floor.
	ChangesSince(ctx context.Context, account uint32, since uint64) (*ChangeList, error)
}

// BlobClient provides content-addressed blob storage.
type BlobClient interface {
	// BlobPut stores a blob and returns its hash. Storing the same content
	// twice returns the same hash without writing twice.
	BlobPut(ctx context.Context, r io.Reader) (*BlobInfo, error)

	// BlobGet opens a committed blob for reading.
	BlobGet(ctx context.Context, hash string) (io.ReadCloser, error)
}

// Service is the datastore engine. Configure with options, Connect, then use.
//
// Composed of:
//   - ServiceHealth: health queries (IsConnected)
//   - DocumentWriter: Write, Delete
//   - DocumentReader: Fetch, Query, FullTextQuery
//   - ChangeReader: ChangesSince
//   - BlobClient: BlobPut, BlobGet
type Service interface {
	ServiceHealth
	DocumentWriter
	DocumentReader
	ChangeReader
	BlobClient

	// Connect establishes the backend connection and the event bus.
	Connect(ctx context.Context) error
	// Close drains in-flight commits and releases all connections.
	Close(ctx context.Context) error

	// AccountStats reports per-account usage counters.
	AccountStats(ctx context.Context, account uint32) (*AccountStats, error)

	// RunMaintenance compacts expired change-log entries and reclaims
	// unreferenced blobs. Call it periodically from your scheduler.
	RunMaintenance(ctx context.Context) (*MaintenanceResult, error)

	// Events returns per-service event instances for subscribing and
	// publishing.
	Events() *ServiceEvents
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	backend   backend.Backend
	blobs     blob.Store
	tokenizer tokenizer.Tokenizer
	logger    *slog.Logger
	opts      *options
	state     int32 // stateDisconnected, stateConnecting, or stateConnected
	otel      *otelInstrumentation
	writeSem  *semaphore.Weighted // limits concurrent commit pipelines
	eventBus  *event.Bus
	events    *ServiceEvents
}

// NewService creates a new datastore service.
// Call Connect() to establish the backend connection.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.backend == nil {
		return nil, ErrBackendRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	be := o.backend
	if o.backendTimeout > 0 {
		be = &timeoutBackend{inner: o.backend, timeout: o.backendTimeout}
	}

	return &service{
		backend:   be,
		blobs:     o.blobs,
		tokenizer: o.tokenizer,
		logger:    o.logger,
		opts:      o,
		otel:      otelInstr,
		writeSem:  semaphore.NewWeighted(int64(o.maxConcurrentWrites)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// checkAccess verifies the service is ready for operations.
func (s *service) checkAccess() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes the backend connection.
func (s *service) Connect(ctx context.Context) error {
	// Three-state transition keeps operations from observing a partially
	// initialized service: stateDisconnected -> stateConnecting -> stateConnected.
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success.
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.backend.Connect(ctx); err != nil {
		return fmt.Errorf("connect backend: %w", err)
	}

	// Metadata lives or dies by batch atomicity; refuse backends without it.
	if caps := s.backend.Capabilities(); !caps.AtomicBatch {
		s.backend.Close(ctx)
		return ErrAtomicBatchRequired
	}

	if err := s.initEventBus(ctx); err != nil {
		s.backend.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("datastore service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service. Each service
// creates its own bus with its own event instances.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "datastore"
	}
	// Each bus needs a unique name, so append a counter suffix.
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Close drains in-flight commits and closes the backend.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// After the state flip no new commits can start; acquiring every
	// semaphore slot waits out the ones already running.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.writeSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentWrites)); err != nil {
		s.logger.Warn("timeout waiting for in-flight commits, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.writeSem.Release(int64(s.opts.maxConcurrentWrites))
	}

	// Close event bus only if using a real transport. A noop bus holds no
	// resources and closing it would break events bound by other services.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}

	return errors.Join(errs...)
}
