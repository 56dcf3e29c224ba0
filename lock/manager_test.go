package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"graphengine/store"
	"graphengine/store/memstore"
	"graphengine/store/storetest"
)

func newManager(t *testing.T, opts ...Option) (*AccessManager, *memstore.Store, *storetest.FakeClock) {
	t.Helper()
	clock := storetest.NewFakeClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	t.Cleanup(func() { s.Close() })
	opts = append([]Option{WithClock(clock.Now), WithSharedDuration(5 * time.Minute)}, opts...)
	return NewAccessManager(s, opts...), s, clock
}

func TestProcessLock_IsIdempotent(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	first, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	second, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	assert.Equal(t, first.LeaseID, second.LeaseID)
	assert.Equal(t, 5*time.Minute, first.Duration)
}

func TestProcessLock_ExclusiveSatisfiesShared(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	excl, err := m.ProcessLock(ctx, "graphs/a", Exclusive)
	require.NoError(t, err)
	got, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	assert.Equal(t, excl.LeaseID, got.LeaseID)
	assert.Equal(t, Exclusive, got.LockState)
}

func TestProcessLock_UpgradesSharedToExclusive(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	shared, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	excl, err := m.ProcessLock(ctx, "graphs/a", Exclusive)
	require.NoError(t, err)
	assert.NotEqual(t, shared.LeaseID, excl.LeaseID)

	_, err = s.GetLease(ctx, shared.LeaseID)
	assert.ErrorIs(t, err, store.ErrLeaseNotFound)
	state, err := s.LeaseState(ctx, "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseExclusive, state)
}

func TestProcessLock_ConflictIsNotRetried(t *testing.T) {
	reg := prometheus.NewRegistry()
	owner, s, clock := newManager(t)
	other := NewAccessManager(s, WithClock(clock.Now), WithMetrics(NewMetrics(reg)))
	ctx := context.Background()

	_, err := owner.ProcessLock(ctx, "graphs/a", Exclusive)
	require.NoError(t, err)

	_, err = other.ProcessLock(ctx, "graphs/a", Shared)
	assert.ErrorIs(t, err, store.ErrLeaseConflict)
	_, ok := other.Get("graphs/a")
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(other.metrics.conflicts.WithLabelValues("shared")))
	assert.Equal(t, 0.0, testutil.ToFloat64(other.metrics.held))
}

func TestGet_ExpiredSharedLeaseSelfHeals(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	first, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)

	clock.Advance(2*time.Minute + 59*time.Second)
	_, ok := m.Get("graphs/a")
	require.True(t, ok, "still inside duration minus margin")

	clock.Advance(time.Second)
	_, ok = m.Get("graphs/a")
	assert.False(t, ok, "lease inside the safety margin counts as expired")

	again, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	assert.NotEqual(t, first.LeaseID, again.LeaseID)
}

func TestProcessLock_ExpiredSharedDoesNotBlockExclusive(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	_, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)

	_, err = m.ProcessLock(ctx, "graphs/a", Exclusive)
	assert.NoError(t, err)
}

func TestExclusiveLockNeverExpires(t *testing.T) {
	m, _, clock := newManager(t)
	_, err := m.ProcessLock(context.Background(), "graphs/a", Exclusive)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, ok := m.Get("graphs/a")
	assert.True(t, ok)
}

func TestReleaseLock(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.ReleaseLock(ctx, "graphs/none"))

	_, err := m.ProcessLock(ctx, "graphs/a", Exclusive)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(ctx, "graphs/a"))

	_, ok := m.Get("graphs/a")
	assert.False(t, ok)
	state, err := s.LeaseState(ctx, "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseNone, state)
}

func TestIsLocked_ForgetsLeaseMissingAtBackend(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	l, err := m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)

	locked, err := m.IsLocked(ctx, "graphs/a")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, s.Release(ctx, l.LeaseID))
	locked, err = m.IsLocked(ctx, "graphs/a")
	require.NoError(t, err)
	assert.False(t, locked)
	_, ok := m.Get("graphs/a")
	assert.False(t, ok)
}

func TestRenewLock(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	_, err := m.RenewLock(ctx, "graphs/a")
	assert.ErrorIs(t, err, ErrNotHeld)

	_, err = m.ProcessLock(ctx, "graphs/a", Shared)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	renewed, err := m.RenewLock(ctx, "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), renewed.AcquiredDate)

	clock.Advance(2 * time.Minute)
	_, ok := m.Get("graphs/a")
	assert.True(t, ok)
}

func TestProcessLock_CanceledBeforeGrant(t *testing.T) {
	m, s, _ := newManager(t)
	hook := logtest.NewGlobal()
	defer hook.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ProcessLock(ctx, "graphs/a", Exclusive)
	assert.ErrorIs(t, err, context.Canceled)
	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}
	_, ok := m.Get("graphs/a")
	assert.False(t, ok)
	state, err := s.LeaseState(context.Background(), "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseNone, state)
}

// cancelAfterGrant cancels the caller's context right after the backend
// grants a lease.
type cancelAfterGrant struct {
	store.Store
	cancel context.CancelFunc
}

func (c *cancelAfterGrant) AcquireExclusiveLease(ctx context.Context, path string, breakExisting bool) (string, error) {
	id, err := c.Store.AcquireExclusiveLease(ctx, path, breakExisting)
	c.cancel()
	return id, err
}

func TestProcessLock_CanceledAfterGrantIsNotCached(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewAccessManager(&cancelAfterGrant{Store: s, cancel: cancel})

	_, err := m.ProcessLock(ctx, "graphs/a", Exclusive)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := m.Get("graphs/a")
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		state, err := s.LeaseState(context.Background(), "graphs/a")
		return err == nil && state == store.LeaseNone
	}, time.Second, 5*time.Millisecond, "late grant must be given back")
	_, ok = m.Get("graphs/a")
	assert.False(t, ok)
}

// gatedStore holds exclusive acquisitions until gate is closed.
type gatedStore struct {
	store.Store
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) AcquireExclusiveLease(ctx context.Context, path string, breakExisting bool) (string, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Store.AcquireExclusiveLease(ctx, path, breakExisting)
}

func (m *AccessManager) waiterCount(key string) int {
	v, ok := m.waiting.Load(key)
	if !ok {
		return 0
	}
	w := v.(*waiters)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ctxs)
}

func TestProcessLock_CanceledCallerDoesNotFailSharedFlight(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	gated := &gatedStore{Store: s, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	m := NewAccessManager(gated)

	canceled, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.ProcessLock(canceled, "graphs/a", Exclusive)
		first <- err
	}()
	<-gated.entered

	type result struct {
		lock *AccessLock
		err  error
	}
	second := make(chan result, 1)
	go func() {
		l, err := m.ProcessLock(context.Background(), "graphs/a", Exclusive)
		second <- result{l, err}
	}()
	require.Eventually(t, func() bool { return m.waiterCount("graphs/a|exclusive") == 2 },
		time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(gated.gate)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, Exclusive, res.lock.LockState)
	got, ok := m.Get("graphs/a")
	require.True(t, ok)
	assert.Equal(t, res.lock.LeaseID, got.LeaseID)
	state, err := s.LeaseState(context.Background(), "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseExclusive, state)
}

func TestNewAccessManager_ShortSharedDurationFallsBack(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	m := NewAccessManager(s, WithSharedDuration(SafetyMargin))

	l, err := m.ProcessLock(context.Background(), "graphs/a", Shared)
	require.NoError(t, err)
	assert.Equal(t, DefaultSharedDuration, l.Duration)
	_, ok := m.Get("graphs/a")
	assert.True(t, ok, "a fresh shared lease is usable")
}

func TestClose_ReleasesEverything(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, s, _ := newManager(t, WithMetrics(NewMetrics(reg)))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mode := Shared
		if i%2 == 0 {
			mode = Exclusive
		}
		_, err := m.ProcessLock(ctx, fmt.Sprintf("graphs/%d", i), mode)
		require.NoError(t, err)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.metrics.held))

	m.Close(ctx)

	assert.Empty(t, m.Locks())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.metrics.held))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.metrics.released))
	for i := 0; i < 5; i++ {
		state, err := s.LeaseState(ctx, fmt.Sprintf("graphs/%d", i))
		require.NoError(t, err)
		assert.Equal(t, store.LeaseNone, state)
	}
}

func TestProcessLock_ConcurrentPaths(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		path := fmt.Sprintf("graphs/%d", i%4)
		g.Go(func() error {
			l, err := m.ProcessLock(ctx, path, Shared)
			if err != nil {
				return err
			}
			if l.Path != path {
				return errors.New("lock tracked under the wrong path")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, m.Locks(), 4)
}
