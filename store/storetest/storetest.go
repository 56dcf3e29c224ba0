// Package storetest is the behavioural contract every store.Store backend
// must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"graphengine/store"
)

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a clock at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens a fresh, empty backend driven by clock. The suite closes it.
type Factory func(t *testing.T, clock *FakeClock) store.Store

// Run executes the contract suite against a backend.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store, clock *FakeClock)
	}{
		{"ReadMissing", testReadMissing},
		{"WriteRead", testWriteRead},
		{"WritePreconditions", testWritePreconditions},
		{"Delete", testDelete},
		{"SharedLeasesCoexist", testSharedLeasesCoexist},
		{"ExclusiveExcludesAll", testExclusiveExcludesAll},
		{"BreakExisting", testBreakExisting},
		{"Release", testRelease},
		{"SharedLeaseExpires", testSharedLeaseExpires},
		{"RenewExtendsSharedLease", testRenew},
		{"ExclusiveNeverExpires", testExclusiveNeverExpires},
		{"PathsAreIndependent", testPathsIndependent},
		{"CanceledContext", testCanceled},
		{"ConcurrentLeaseExclusivity", testConcurrentExclusivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewFakeClock()
			s := open(t, clock)
			defer func() { assert.NoError(t, s.Close()) }()
			tt.fn(t, s, clock)
		})
	}
}

func testReadMissing(t *testing.T, s store.Store, _ *FakeClock) {
	_, err := s.Read(context.Background(), "graphs/missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testWriteRead(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	data := []byte("hello graph")
	tag, err := s.Write(ctx, "graphs/a", data, "")
	require.NoError(t, err)
	assert.Equal(t, store.NewETag(data), tag)

	blob, err := s.Read(ctx, "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, data, blob.Data)
	assert.Equal(t, tag, blob.ETag)

	blob.Data[0] = 'X'
	again, err := s.Read(ctx, "graphs/a")
	require.NoError(t, err)
	assert.Equal(t, data, again.Data, "returned data must not alias stored data")
}

func testWritePreconditions(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	first, err := s.Write(ctx, "p", []byte("v1"), store.ETagNone)
	require.NoError(t, err)

	_, err = s.Write(ctx, "p", []byte("v2"), store.ETagNone)
	assert.ErrorIs(t, err, store.ErrConflict)

	second, err := s.Write(ctx, "p", []byte("v2"), first)
	require.NoError(t, err)

	_, err = s.Write(ctx, "p", []byte("v3"), first)
	assert.ErrorIs(t, err, store.ErrConflict, "stale etag must conflict")

	_, err = s.Write(ctx, "absent", []byte("v"), second)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Write(ctx, "p", []byte("v4"), "")
	require.NoError(t, err)
	blob, err := s.Read(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v4", string(blob.Data))
}

func testDelete(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	assert.ErrorIs(t, s.Delete(ctx, "d", ""), store.ErrNotFound)

	tag, err := s.Write(ctx, "d", []byte("x"), "")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, "d", store.NewETag([]byte("y"))), store.ErrConflict)
	require.NoError(t, s.Delete(ctx, "d", tag))

	_, err = s.Read(ctx, "d")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSharedLeasesCoexist(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	a, err := s.AcquireLease(ctx, "g", time.Hour)
	require.NoError(t, err)
	b, err := s.AcquireLease(ctx, "g", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	state, err := s.LeaseState(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseShared, state)

	_, err = s.AcquireExclusiveLease(ctx, "g", false)
	assert.ErrorIs(t, err, store.ErrLeaseConflict)

	info, err := s.GetLease(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "g", info.Path)
	assert.Equal(t, store.LeaseShared, info.State)
	assert.Equal(t, time.Hour, info.Duration)
}

func testExclusiveExcludesAll(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	id, err := s.AcquireExclusiveLease(ctx, "g", false)
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, "g", time.Hour)
	assert.ErrorIs(t, err, store.ErrLeaseConflict)
	_, err = s.AcquireExclusiveLease(ctx, "g", false)
	assert.ErrorIs(t, err, store.ErrLeaseConflict)

	state, err := s.LeaseState(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseExclusive, state)

	require.NoError(t, s.Release(ctx, id))
	_, err = s.AcquireLease(ctx, "g", time.Hour)
	assert.NoError(t, err)
}

func testBreakExisting(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	shared, err := s.AcquireLease(ctx, "g", time.Hour)
	require.NoError(t, err)

	excl, err := s.AcquireExclusiveLease(ctx, "g", true)
	require.NoError(t, err)

	_, err = s.GetLease(ctx, shared)
	assert.ErrorIs(t, err, store.ErrLeaseNotFound)
	info, err := s.GetLease(ctx, excl)
	require.NoError(t, err)
	assert.Equal(t, store.LeaseExclusive, info.State)
}

func testRelease(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	assert.ErrorIs(t, s.Release(ctx, "no-such-lease"), store.ErrLeaseNotFound)

	id, err := s.AcquireLease(ctx, "g", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, id))
	assert.ErrorIs(t, s.Release(ctx, id), store.ErrLeaseNotFound)

	state, err := s.LeaseState(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseNone, state)
}

func testSharedLeaseExpires(t *testing.T, s store.Store, clock *FakeClock) {
	ctx := context.Background()
	id, err := s.AcquireLease(ctx, "g", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = s.GetLease(ctx, id)
	assert.ErrorIs(t, err, store.ErrLeaseNotFound)
	state, err := s.LeaseState(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseNone, state)

	_, err = s.AcquireExclusiveLease(ctx, "g", false)
	assert.NoError(t, err, "expired shared lease must not block exclusive")
}

func testRenew(t *testing.T, s store.Store, clock *FakeClock) {
	ctx := context.Background()
	id, err := s.AcquireLease(ctx, "g", time.Minute)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, s.RenewLease(ctx, id, time.Minute))
	clock.Advance(50 * time.Second)

	info, err := s.GetLease(ctx, id)
	require.NoError(t, err)
	assert.True(t, clock.Now().Add(-50*time.Second).Equal(info.AcquiredDate), "renew must restart the lease")

	assert.ErrorIs(t, s.RenewLease(ctx, "no-such-lease", time.Minute), store.ErrLeaseNotFound)
}

func testExclusiveNeverExpires(t *testing.T, s store.Store, clock *FakeClock) {
	ctx := context.Background()
	id, err := s.AcquireExclusiveLease(ctx, "g", false)
	require.NoError(t, err)

	clock.Advance(1000 * time.Hour)

	info, err := s.GetLease(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.LeaseExclusive, info.State)
	_, err = s.AcquireLease(ctx, "g", time.Hour)
	assert.ErrorIs(t, err, store.ErrLeaseConflict)
}

func testPathsIndependent(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	_, err := s.AcquireExclusiveLease(ctx, "g1", false)
	require.NoError(t, err)
	_, err = s.AcquireExclusiveLease(ctx, "g2", false)
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "g3", time.Hour)
	assert.NoError(t, err)
}

func testCanceled(t *testing.T, s store.Store, _ *FakeClock) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Read(ctx, "g")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.AcquireLease(ctx, "g", time.Hour)
	assert.ErrorIs(t, err, context.Canceled)

	state, err := s.LeaseState(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, store.LeaseNone, state, "canceled acquisition must not grant a lease")
}

// testConcurrentExclusivity checks that shared and exclusive leases are
// never held on one path at the same time. Counters are raised after a
// grant and lowered before a release, so they never exceed what the
// backend has granted.
func testConcurrentExclusivity(t *testing.T, s store.Store, _ *FakeClock) {
	ctx := context.Background()
	var shared, exclusive atomic.Int32
	var g errgroup.Group

	for w := 0; w < 8; w++ {
		wantExclusive := w%2 == 0
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				if wantExclusive {
					id, err := s.AcquireExclusiveLease(ctx, "hot", false)
					if err != nil {
						continue
					}
					if n := exclusive.Add(1); n != 1 || shared.Load() != 0 {
						return fmt.Errorf("exclusive granted with %d exclusive and %d shared holders", n, shared.Load())
					}
					exclusive.Add(-1)
					if err := s.Release(ctx, id); err != nil {
						return err
					}
					continue
				}
				id, err := s.AcquireLease(ctx, "hot", time.Hour)
				if err != nil {
					continue
				}
				shared.Add(1)
				if n := exclusive.Load(); n != 0 {
					return fmt.Errorf("shared granted while %d exclusive held", n)
				}
				shared.Add(-1)
				if err := s.Release(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
