// Package engine executes compiled graph commands against a leased store
// path and returns rows keyed by alias.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"graphengine/graph"
	"graphengine/lock"
	"graphengine/query"
	"graphengine/store"
)

// DefaultPath is the store path of the graph when none is configured.
const DefaultPath = "graph"

// ErrClientClosed is returned by a Client after Close.
var ErrClientClosed = errors.New("engine: client closed")

// Client is the caller-facing entry point. It is safe for concurrent use.
type Client struct {
	store             store.Store
	locks             *lock.AccessManager
	ownLocks          bool
	lockOpts          []lock.Option
	exec              *Executor
	txns              *TransactionManager
	cache             *snapshotCache
	cacheSize         int
	path              string
	checkpointOnWrite bool
	retryAttempts     uint
	newBackOff        func() backoff.BackOff
	clock             store.Clock
	tracer            trace.Tracer

	mu        sync.Mutex
	pathLocks map[string]*sync.RWMutex
	closed    atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithPath sets the store path used by Execute.
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithCheckpointOnWrite controls whether every mutating command is written
// to the store. When off, changes stay in memory until Checkpoint.
func WithCheckpointOnWrite(on bool) Option {
	return func(c *Client) { c.checkpointOnWrite = on }
}

// WithCacheSize sets how many decoded graphs are kept.
func WithCacheSize(n int) Option {
	return func(c *Client) { c.cacheSize = n }
}

// WithRetry retries Locked results and ETag conflicts up to attempts
// times in total with exponential backoff.
func WithRetry(attempts uint) Option {
	return func(c *Client) { c.retryAttempts = attempts }
}

// WithBackOff replaces the backoff policy used between retries.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// WithClock sets the clock stamped on created nodes and edges and used by
// the lock manager the client creates.
func WithClock(clock store.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithTracerProvider sets where command spans go. The global provider is
// used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer("graphengine") }
}

// WithLockManager shares an existing lock manager. The client does not
// close it.
func WithLockManager(m *lock.AccessManager) Option {
	return func(c *Client) { c.locks = m }
}

// WithLockOptions configures the lock manager the client creates.
func WithLockOptions(opts ...lock.Option) Option {
	return func(c *Client) { c.lockOpts = append(c.lockOpts, opts...) }
}

// NewClient returns a client executing commands against s.
func NewClient(s store.Store, opts ...Option) *Client {
	c := &Client{
		store:             s,
		path:              DefaultPath,
		checkpointOnWrite: true,
		retryAttempts:     1,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		clock:     store.SystemClock,
		tracer:    otel.Tracer("graphengine"),
		pathLocks: make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		lockOpts := append([]lock.Option{lock.WithClock(c.clock)}, c.lockOpts...)
		c.locks = lock.NewAccessManager(s, lockOpts...)
		c.ownLocks = true
	}
	c.exec = NewExecutor(c.clock)
	c.txns = NewTransactionManager()
	c.cache = newSnapshotCache(c.cacheSize)
	logrus.WithFields(logrus.Fields{
		"component":           "Client",
		"path":                c.path,
		"checkpoint_on_write": c.checkpointOnWrite,
	}).Debug("Client created")
	return c
}

// Path returns the default store path.
func (c *Client) Path() string { return c.path }

// Locks returns the lock manager used by the client.
func (c *Client) Locks() *lock.AccessManager { return c.locks }

func (c *Client) pathLock(path string) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.pathLocks[path]
	if !ok {
		l = &sync.RWMutex{}
		c.pathLocks[path] = l
	}
	return l
}

// Execute compiles and runs query against the default path.
func (c *Client) Execute(ctx context.Context, text string) QueryResult {
	return c.ExecuteAt(ctx, c.path, text)
}

// ExecuteAt compiles and runs query against path.
func (c *Client) ExecuteAt(ctx context.Context, path, text string) QueryResult {
	instrs, err := query.Compile(text)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "Client",
			"path":      path,
		}).WithError(err).Debug("Query rejected")
		return failure(err)
	}
	return c.ExecuteCommandAt(ctx, path, instrs...)
}

// ExecuteCommand runs pre-built instructions against the default path.
func (c *Client) ExecuteCommand(ctx context.Context, instrs ...query.Instruction) QueryResult {
	return c.ExecuteCommandAt(ctx, c.path, instrs...)
}

// ExecuteCommandAt runs pre-built instructions against path as one
// command: either every instruction applies or none does.
func (c *Client) ExecuteCommandAt(ctx context.Context, path string, instrs ...query.Instruction) QueryResult {
	ctx, span := c.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("graph.path", path),
		attribute.Int("graph.instructions", len(instrs)),
	))
	defer span.End()

	var res QueryResult
	if c.retryAttempts <= 1 {
		res = c.run(ctx, path, instrs)
	} else {
		var err error
		res, err = backoff.Retry(ctx, func() (QueryResult, error) {
			r := c.run(ctx, path, instrs)
			if retryable(r) {
				return r, r.Err()
			}
			return r, nil
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxTries(c.retryAttempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				logrus.WithFields(logrus.Fields{
					"component": "Client",
					"path":      path,
					"next":      next,
				}).WithError(err).Debug("Retrying command")
			}),
		)
		if err != nil && ctx.Err() != nil {
			res = failure(ctx.Err())
		}
	}

	span.SetAttributes(
		attribute.String("graph.status", res.Status.String()),
		attribute.Int("graph.rows", len(res.Rows)),
	)
	if !res.Ok() {
		span.RecordError(res.Err())
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

func retryable(r QueryResult) bool {
	return r.Status == StatusLocked || errors.Is(r.err, store.ErrConflict)
}

func (c *Client) run(ctx context.Context, path string, instrs []query.Instruction) QueryResult {
	if c.closed.Load() {
		return failure(ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		return failure(err)
	}
	if len(instrs) == 0 {
		return failure(fmt.Errorf("empty command: %w", store.ErrInvalidRequest))
	}
	for _, in := range instrs {
		if query.Mutates(in) {
			return c.runWrite(ctx, path, instrs)
		}
	}
	return c.runRead(ctx, path, instrs)
}

func (c *Client) runRead(ctx context.Context, path string, instrs []query.Instruction) QueryResult {
	pl := c.pathLock(path)
	pl.RLock()
	defer pl.RUnlock()

	if _, err := c.locks.ProcessLock(ctx, path, lock.Shared); err != nil {
		return failure(err)
	}
	snap, err := c.current(ctx, path)
	if err != nil {
		return failure(err)
	}
	tx := c.txns.Begin(snap.graph)
	rows, err := c.exec.Execute(tx, instrs)
	tx.Commit()
	if err != nil {
		return failure(err)
	}
	return okResult(rows)
}

func (c *Client) runWrite(ctx context.Context, path string, instrs []query.Instruction) QueryResult {
	log := logrus.WithFields(logrus.Fields{
		"component": "Client",
		"path":      path,
	})
	pl := c.pathLock(path)
	pl.Lock()
	defer pl.Unlock()

	if _, err := c.locks.ProcessLock(ctx, path, lock.Exclusive); err != nil {
		return failure(err)
	}
	defer func() {
		if err := c.locks.ReleaseLock(context.WithoutCancel(ctx), path); err != nil {
			log.WithError(err).Warn("Failed to release exclusive lease")
		}
	}()

	snap, err := c.current(ctx, path)
	if err != nil {
		return failure(err)
	}
	tx := c.txns.Begin(snap.graph)
	rows, err := c.exec.Execute(tx, instrs)
	if err != nil {
		c.rollback(tx, path)
		return failure(err)
	}
	if !tx.Mutated() {
		tx.Commit()
		return okResult(rows)
	}

	if !c.checkpointOnWrite {
		snap.dirty = true
		c.cache.put(path, snap)
		tx.Commit()
		log.Debug("Command applied in memory")
		return okResult(rows)
	}

	etag, err := c.write(ctx, path, snap)
	if err != nil {
		c.rollback(tx, path)
		c.cache.remove(path)
		log.WithError(err).Debug("Checkpoint on write failed")
		return failure(err)
	}
	tx.Commit()
	snap.etag = etag
	snap.dirty = false
	c.cache.put(path, snap)
	log.WithField("etag", string(etag)).Debug("Command committed")
	return okResult(rows)
}

func (c *Client) rollback(tx *Transaction, path string) {
	if err := tx.Rollback(); err != nil {
		// The working graph can no longer be trusted.
		c.cache.remove(path)
		logrus.WithFields(logrus.Fields{
			"component": "Client",
			"path":      path,
		}).WithError(err).Error("Rollback failed, dropping cached graph")
	}
}

// write encodes snap and stores it, requiring the blob to still be the one
// snap was loaded from.
func (c *Client) write(ctx context.Context, path string, snap *snapshot) (store.ETag, error) {
	data, err := graph.Encode(snap.graph)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", path, err)
	}
	etag, err := c.store.Write(ctx, path, data, snap.etag)
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return etag, nil
}

// current returns the working graph for path, reloading it when the
// stored ETag moved. Dirty snapshots are returned as they are.
func (c *Client) current(ctx context.Context, path string) (*snapshot, error) {
	cached, ok := c.cache.get(path)
	if ok && cached.dirty {
		return cached, nil
	}
	blob, err := c.store.Read(ctx, path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if ok && cached.etag == store.ETagNone {
			return cached, nil
		}
		snap := &snapshot{etag: store.ETagNone, graph: graph.NewMap()}
		c.cache.put(path, snap)
		return snap, nil
	case err != nil:
		return nil, err
	}
	if ok && cached.etag == blob.ETag {
		return cached, nil
	}
	g, err := graph.Decode(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	snap := &snapshot{etag: blob.ETag, graph: g}
	c.cache.put(path, snap)
	logrus.WithFields(logrus.Fields{
		"component": "Client",
		"path":      path,
		"etag":      string(blob.ETag),
		"nodes":     g.NodeCount(),
		"edges":     g.EdgeCount(),
	}).Debug("Graph loaded")
	return snap, nil
}

// Checkpoint writes every graph holding in-memory changes. A graph whose
// stored blob moved since it was loaded is not written; the error wraps
// store.ErrConflict.
func (c *Client) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, path := range c.cache.dirtyPaths() {
		if err := c.checkpoint(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) checkpoint(ctx context.Context, path string) error {
	pl := c.pathLock(path)
	pl.Lock()
	defer pl.Unlock()

	snap, ok := c.cache.get(path)
	if !ok || !snap.dirty {
		return nil
	}
	if _, err := c.locks.ProcessLock(ctx, path, lock.Exclusive); err != nil {
		return err
	}
	defer func() {
		_ = c.locks.ReleaseLock(context.WithoutCancel(ctx), path)
	}()

	etag, err := c.write(ctx, path, snap)
	if err != nil {
		return err
	}
	snap.etag = etag
	snap.dirty = false
	c.cache.put(path, snap)
	logrus.WithFields(logrus.Fields{
		"component": "Client",
		"path":      path,
		"etag":      string(etag),
	}).Info("Checkpoint written")
	return nil
}

// Load discards the working graph of the default path, including changes
// not yet checkpointed, and reads it again from the store.
func (c *Client) Load(ctx context.Context) error {
	return c.LoadAt(ctx, c.path)
}

// LoadAt is Load for path.
func (c *Client) LoadAt(ctx context.Context, path string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	pl := c.pathLock(path)
	pl.Lock()
	defer pl.Unlock()

	c.cache.remove(path)
	if _, err := c.locks.ProcessLock(ctx, path, lock.Shared); err != nil {
		return err
	}
	_, err := c.current(ctx, path)
	return err
}

// Snapshot returns a copy of the working graph of the default path.
func (c *Client) Snapshot(ctx context.Context) (*graph.Map, error) {
	return c.SnapshotAt(ctx, c.path)
}

// SnapshotAt is Snapshot for path.
func (c *Client) SnapshotAt(ctx context.Context, path string) (*graph.Map, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	pl := c.pathLock(path)
	pl.RLock()
	defer pl.RUnlock()

	if _, err := c.locks.ProcessLock(ctx, path, lock.Shared); err != nil {
		return nil, err
	}
	snap, err := c.current(ctx, path)
	if err != nil {
		return nil, err
	}
	return snap.graph.Clone(), nil
}

// Dirty reports whether any graph holds changes not yet checkpointed.
func (c *Client) Dirty() bool {
	return len(c.cache.dirtyPaths()) > 0
}

// Close checkpoints pending changes and releases the leases the client
// holds. The store is left open.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.Checkpoint(ctx)
	if err != nil {
		logrus.WithField("component", "Client").WithError(err).Error("Checkpoint on close failed")
	}
	if c.ownLocks {
		c.locks.Close(ctx)
	}
	return err
}
