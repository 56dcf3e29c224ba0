// Package memstore is an in-memory store.Store used by tests and for
// validating share-mode behaviour without I/O.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"graphengine/store"
)

// Store keeps blobs and leases in maps guarded by one mutex.
type Store struct {
	mu     sync.Mutex
	blobs  map[string]store.Blob
	leases map[string]store.LeaseInfo
	clock  store.Clock
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for lease expiry.
func WithClock(c store.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		blobs:  make(map[string]store.Blob),
		leases: make(map[string]store.LeaseInfo),
		clock:  store.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	logrus.WithField("component", "MemStore").Debug("Memory store created")
	return s
}

func (s *Store) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	return nil
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, path string) (store.Blob, error) {
	if err := s.enter(ctx); err != nil {
		return store.Blob{}, err
	}
	defer s.mu.Unlock()
	b, ok := s.blobs[path]
	if !ok {
		return store.Blob{}, fmt.Errorf("read %s: %w", path, store.ErrNotFound)
	}
	return store.Blob{Data: append([]byte(nil), b.Data...), ETag: b.ETag}, nil
}

// Write implements store.Store.
func (s *Store) Write(ctx context.Context, path string, data []byte, ifMatch store.ETag) (store.ETag, error) {
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	cur, exists := s.blobs[path]
	if err := store.CheckMatch(ifMatch, cur.ETag, exists); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	tag := store.NewETag(data)
	s.blobs[path] = store.Blob{Data: append([]byte(nil), data...), ETag: tag}
	return tag, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, path string, ifMatch store.ETag) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	cur, exists := s.blobs[path]
	if !exists {
		return fmt.Errorf("delete %s: %w", path, store.ErrNotFound)
	}
	if err := store.CheckMatch(ifMatch, cur.ETag, exists); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	delete(s.blobs, path)
	return nil
}

func (s *Store) held(path string) []store.LeaseInfo {
	var out []store.LeaseInfo
	for _, l := range s.leases {
		if l.Path == path {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) grant(path string, state store.LeaseState, duration time.Duration, breakExisting bool) (string, error) {
	now := s.clock()
	drop, err := store.Arbitrate(s.held(path), now, state, breakExisting)
	for _, l := range drop {
		delete(s.leases, l.ID)
	}
	if err != nil {
		return "", fmt.Errorf("lease %s: %w", path, err)
	}
	l := store.NewLease(path, state, now, duration)
	s.leases[l.ID] = l
	return l.ID, nil
}

// AcquireLease implements store.Store.
func (s *Store) AcquireLease(ctx context.Context, path string, duration time.Duration) (string, error) {
	if err := store.CheckLeaseRequest(path, duration, true); err != nil {
		return "", err
	}
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	return s.grant(path, store.LeaseShared, duration, false)
}

// AcquireExclusiveLease implements store.Store.
func (s *Store) AcquireExclusiveLease(ctx context.Context, path string, breakExisting bool) (string, error) {
	if err := store.CheckLeaseRequest(path, 0, false); err != nil {
		return "", err
	}
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	return s.grant(path, store.LeaseExclusive, 0, breakExisting)
}

// lookup returns a live lease, evicting it when expired.
func (s *Store) lookup(id string) (store.LeaseInfo, error) {
	l, ok := s.leases[id]
	if ok && l.Expired(s.clock()) {
		delete(s.leases, id)
		ok = false
	}
	if !ok {
		return store.LeaseInfo{}, fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}
	return l, nil
}

// RenewLease implements store.Store.
func (s *Store) RenewLease(ctx context.Context, leaseID string, duration time.Duration) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	l, err := s.lookup(leaseID)
	if err != nil {
		return err
	}
	if l.State == store.LeaseShared {
		l.AcquiredDate = s.clock()
		l.Duration = duration
		s.leases[leaseID] = l
	}
	return nil
}

// Release implements store.Store.
func (s *Store) Release(ctx context.Context, leaseID string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, err := s.lookup(leaseID); err != nil {
		return err
	}
	delete(s.leases, leaseID)
	return nil
}

// GetLease implements store.Store.
func (s *Store) GetLease(ctx context.Context, leaseID string) (store.LeaseInfo, error) {
	if err := s.enter(ctx); err != nil {
		return store.LeaseInfo{}, err
	}
	defer s.mu.Unlock()
	return s.lookup(leaseID)
}

// LeaseState implements store.Store.
func (s *Store) LeaseState(ctx context.Context, path string) (store.LeaseState, error) {
	if err := s.enter(ctx); err != nil {
		return store.LeaseNone, err
	}
	defer s.mu.Unlock()
	return store.StateOf(s.held(path), s.clock()), nil
}

// Close drops all state. Further calls fail with store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blobs = nil
	s.leases = nil
	return nil
}
