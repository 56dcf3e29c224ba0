// Package lock arbitrates shared and exclusive access to store paths
// through backend leases.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"graphengine/store"
)

// SafetyMargin is subtracted from a shared lease's duration when deciding
// whether it is still usable.
const SafetyMargin = 2 * time.Minute

// DefaultSharedDuration is the duration requested for shared leases.
const DefaultSharedDuration = 15 * time.Minute

// ErrNotHeld is returned when renewing a path with no tracked lease.
var ErrNotHeld = errors.New("lock: no lease held")

// LockState is the access mode of a lease.
type LockState int

const (
	Shared LockState = iota + 1
	Exclusive
)

func (s LockState) String() string {
	switch s {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// AccessLock is a lease granted by the backend. Values are never mutated
// once tracked; renewal tracks a new value.
type AccessLock struct {
	Path         string
	LeaseID      string
	LockState    LockState
	AcquiredDate time.Time
	Duration     time.Duration
}

// Valid reports whether the lock can still be relied on at now. Exclusive
// locks stay valid until released.
func (l *AccessLock) Valid(now time.Time) bool {
	if l.LockState == Exclusive {
		return true
	}
	return now.Before(l.AcquiredDate.Add(l.Duration - SafetyMargin))
}

// Satisfies reports whether holding l is enough for mode.
func (l *AccessLock) Satisfies(mode LockState) bool {
	return l.LockState == Exclusive || l.LockState == mode
}

// AccessManager tracks the leases this process holds, one per path.
type AccessManager struct {
	store          store.Store
	locks          sync.Map // path -> *AccessLock
	flight         singleflight.Group
	waiting        sync.Map // flight key -> *waiters
	clock          store.Clock
	sharedDuration time.Duration
	breakExisting  bool
	metrics        *Metrics
}

// Option configures an AccessManager.
type Option func(*AccessManager)

// WithClock sets the clock used for lock validity.
func WithClock(c store.Clock) Option {
	return func(m *AccessManager) { m.clock = c }
}

// WithSharedDuration sets the duration requested for shared leases.
// Durations not longer than SafetyMargin are replaced by
// DefaultSharedDuration.
func WithSharedDuration(d time.Duration) Option {
	return func(m *AccessManager) { m.sharedDuration = d }
}

// WithMetrics records lease activity.
func WithMetrics(metrics *Metrics) Option {
	return func(m *AccessManager) { m.metrics = metrics }
}

// WithBreakExisting makes exclusive acquisitions break leases held by
// other owners.
func WithBreakExisting(b bool) Option {
	return func(m *AccessManager) { m.breakExisting = b }
}

// NewAccessManager returns a manager acquiring leases from s.
func NewAccessManager(s store.Store, opts ...Option) *AccessManager {
	m := &AccessManager{
		store:          s,
		clock:          store.SystemClock,
		sharedDuration: DefaultSharedDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sharedDuration <= SafetyMargin {
		logrus.WithFields(logrus.Fields{
			"component": "AccessManager",
			"requested": m.sharedDuration,
			"using":     DefaultSharedDuration,
		}).Warn("Shared lease duration must exceed the safety margin")
		m.sharedDuration = DefaultSharedDuration
	}
	return m
}

func (m *AccessManager) load(path string) (*AccessLock, bool) {
	v, ok := m.locks.Load(path)
	if !ok {
		return nil, false
	}
	return v.(*AccessLock), true
}

func (m *AccessManager) track(l *AccessLock) {
	if _, loaded := m.locks.Swap(l.Path, l); !loaded {
		m.metrics.trackHeld(1)
	}
}

func (m *AccessManager) forget(l *AccessLock) bool {
	if m.locks.CompareAndDelete(l.Path, l) {
		m.metrics.trackHeld(-1)
		return true
	}
	return false
}

// Get returns the tracked lock for path. An expired lock is evicted and
// reported absent.
func (m *AccessManager) Get(path string) (*AccessLock, bool) {
	l, ok := m.load(path)
	if !ok {
		return nil, false
	}
	if !l.Valid(m.clock()) {
		m.forget(l)
		logrus.WithFields(logrus.Fields{
			"component": "AccessManager",
			"path":      path,
			"lease_id":  l.LeaseID,
		}).Debug("Evicted expired lease")
		return nil, false
	}
	return l, true
}

// ProcessLock makes sure a lease satisfying mode is held for path. It is
// a no-op when one is already tracked. Asking for Exclusive while holding
// Shared releases the shared lease first. Lease conflicts are returned
// wrapped around store.ErrLeaseConflict and are never retried here.
func (m *AccessManager) ProcessLock(ctx context.Context, path string, mode LockState) (*AccessLock, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "AccessManager",
		"path":      path,
		"mode":      mode.String(),
	})
	if l, ok := m.load(path); ok {
		switch {
		case l.Valid(m.clock()) && l.Satisfies(mode):
			return l, nil
		case l.Valid(m.clock()):
			log.Debug("Upgrading shared lease")
			if err := m.release(ctx, l); err != nil {
				return nil, err
			}
		default:
			// The backend may still count an expired lock inside its
			// safety margin, so give it back before asking again.
			_ = m.release(ctx, l)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Debug("Lease request canceled")
			return nil, err
		}
		l, err := m.join(ctx, path, mode)
		if errors.Is(err, errAbandoned) {
			// The flight was given up by the callers it was decided for.
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, store.ErrLeaseConflict):
				m.metrics.recordConflict(mode)
				log.Debug("Lease refused")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				log.WithError(err).Debug("Lease request canceled")
			default:
				log.WithError(err).Error("Failed to acquire lease")
			}
			return nil, err
		}
		return l, nil
	}
}

// errAbandoned is returned by a flight that granted a lease after every
// caller waiting on it had canceled.
var errAbandoned = errors.New("lock: acquisition abandoned")

// waiters are the contexts of the callers sharing one flight.
type waiters struct {
	mu     sync.Mutex
	ctxs   []context.Context
	closed bool
}

// anyLive reports whether at least one waiter still wants the result and
// stops further callers from joining.
func (w *waiters) anyLive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for _, ctx := range w.ctxs {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

func (m *AccessManager) addWaiter(ctx context.Context, key string) {
	for {
		v, _ := m.waiting.LoadOrStore(key, &waiters{})
		w := v.(*waiters)
		w.mu.Lock()
		if !w.closed {
			w.ctxs = append(w.ctxs, ctx)
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
		m.waiting.CompareAndDelete(key, w)
	}
}

// join acquires a lease for path, sharing the backend call with concurrent
// callers asking for the same mode. The backend call is not bound to any
// one caller's context; each caller stops waiting when its own context
// ends. A lease granted after every waiter gave up is released instead of
// tracked.
func (m *AccessManager) join(ctx context.Context, path string, mode LockState) (*AccessLock, error) {
	key := path + "|" + mode.String()
	m.addWaiter(ctx, key)
	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(key, func() (any, error) {
		l, err := m.acquire(detached, path, mode)
		var live bool
		if v, ok := m.waiting.LoadAndDelete(key); ok {
			live = v.(*waiters).anyLive()
		}
		if err != nil {
			return nil, err
		}
		if !live {
			_ = m.store.Release(detached, l.LeaseID)
			logrus.WithFields(logrus.Fields{
				"component": "AccessManager",
				"path":      path,
				"lease_id":  l.LeaseID,
			}).Debug("Released lease granted after cancel")
			return nil, errAbandoned
		}
		m.track(l)
		m.metrics.recordAcquired(mode)
		return l, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessLock), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire asks the backend for a lease. The result is not tracked.
func (m *AccessManager) acquire(ctx context.Context, path string, mode LockState) (*AccessLock, error) {
	var (
		id  string
		err error
	)
	switch mode {
	case Shared:
		id, err = m.store.AcquireLease(ctx, path, m.sharedDuration)
	case Exclusive:
		id, err = m.store.AcquireExclusiveLease(ctx, path, m.breakExisting)
	default:
		return nil, fmt.Errorf("lock %s: unknown mode %d", path, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	l := &AccessLock{
		Path:         path,
		LeaseID:      id,
		LockState:    mode,
		AcquiredDate: m.clock(),
	}
	if mode == Shared {
		l.Duration = m.sharedDuration
	}
	logrus.WithFields(logrus.Fields{
		"component": "AccessManager",
		"path":      path,
		"lease_id":  id,
		"mode":      mode.String(),
	}).Debug("Lease acquired")
	return l, nil
}

// release gives l back to the backend and forgets it. A lease the backend
// no longer knows counts as released.
func (m *AccessManager) release(ctx context.Context, l *AccessLock) error {
	m.forget(l)
	err := m.store.Release(ctx, l.LeaseID)
	if err != nil && !errors.Is(err, store.ErrLeaseNotFound) {
		return fmt.Errorf("release %s: %w", l.Path, err)
	}
	m.metrics.recordReleased()
	return nil
}

// ReleaseLock releases and forgets the lease tracked for path. It is a
// no-op when none is tracked.
func (m *AccessManager) ReleaseLock(ctx context.Context, path string) error {
	l, ok := m.load(path)
	if !ok {
		return nil
	}
	if err := m.release(ctx, l); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "AccessManager",
			"path":      path,
		}).WithError(err).Error("Failed to release lease")
		return err
	}
	return nil
}

// LockState asks the backend for the lease status of path, bypassing the
// local cache. A tracked lease the backend no longer knows is forgotten.
func (m *AccessManager) LockState(ctx context.Context, path string) (store.LeaseState, error) {
	if l, ok := m.load(path); ok {
		_, err := m.store.GetLease(ctx, l.LeaseID)
		switch {
		case errors.Is(err, store.ErrLeaseNotFound):
			m.forget(l)
		case err != nil:
			return store.LeaseNone, err
		}
	}
	return m.store.LeaseState(ctx, path)
}

// IsLocked reports whether anyone holds a lease on path.
func (m *AccessManager) IsLocked(ctx context.Context, path string) (bool, error) {
	state, err := m.LockState(ctx, path)
	if err != nil {
		return false, err
	}
	return state != store.LeaseNone, nil
}

// RenewLock extends the tracked shared lease for path. Exclusive leases
// need no renewal.
func (m *AccessManager) RenewLock(ctx context.Context, path string) (*AccessLock, error) {
	l, ok := m.Get(path)
	if !ok {
		return nil, fmt.Errorf("renew %s: %w", path, ErrNotHeld)
	}
	if l.LockState == Exclusive {
		return l, nil
	}
	if err := m.store.RenewLease(ctx, l.LeaseID, m.sharedDuration); err != nil {
		if errors.Is(err, store.ErrLeaseNotFound) {
			m.forget(l)
		}
		return nil, fmt.Errorf("renew %s: %w", path, err)
	}
	renewed := *l
	renewed.AcquiredDate = m.clock()
	renewed.Duration = m.sharedDuration
	if !m.locks.CompareAndSwap(path, l, &renewed) {
		return nil, fmt.Errorf("renew %s: %w", path, ErrNotHeld)
	}
	return &renewed, nil
}

// Locks returns the valid tracked locks.
func (m *AccessManager) Locks() []*AccessLock {
	now := m.clock()
	var out []*AccessLock
	m.locks.Range(func(_, v any) bool {
		if l := v.(*AccessLock); l.Valid(now) {
			out = append(out, l)
		}
		return true
	})
	return out
}

// Close releases every valid tracked lease, best effort. Release failures
// are logged and dropped since shared leases expire on their own.
func (m *AccessManager) Close(ctx context.Context) {
	log := logrus.WithField("component", "AccessManager")
	var g errgroup.Group
	g.SetLimit(8)
	for _, l := range m.Locks() {
		g.Go(func() error {
			if err := m.release(ctx, l); err != nil {
				log.WithError(err).WithField("path", l.Path).Warn("Release on close failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	m.locks.Range(func(k, v any) bool {
		m.forget(v.(*AccessLock))
		return true
	})
	log.Debug("Access manager closed")
}
