// Package boltstore is the durable store.Store backend: one bbolt file
// holding blobs and lease records.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"graphengine/store"
)

var (
	bucketBlobs  = []byte("blobs")
	bucketLeases = []byte("leases")
)

// Store persists blobs and leases in a bbolt database.
type Store struct {
	db    *bolt.DB
	clock store.Clock
	path  string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for lease expiry.
func WithClock(c store.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens or creates the database file at filename.
func Open(filename string, opts ...Option) (*Store, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "BoltStore",
		"filename":  filename,
	})
	log.Info("Opening bolt store")

	db, err := bolt.Open(filename, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.WithError(err).Error("Failed to open bolt file")
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlobs, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to create buckets")
		db.Close()
		return nil, err
	}

	s := &Store{db: db, clock: store.SystemClock, path: filename}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, path string) (store.Blob, error) {
	if err := ctx.Err(); err != nil {
		return store.Blob{}, err
	}
	var blob store.Blob
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(path))
		if v == nil {
			return fmt.Errorf("read %s: %w", path, store.ErrNotFound)
		}
		blob.Data = bytes.Clone(v)
		blob.ETag = store.NewETag(blob.Data)
		return nil
	})
	if err != nil {
		return store.Blob{}, err
	}
	return blob, nil
}

// Write implements store.Store.
func (s *Store) Write(ctx context.Context, path string, data []byte, ifMatch store.ETag) (store.ETag, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tag := store.NewETag(data)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		cur := b.Get([]byte(path))
		if err := store.CheckMatch(ifMatch, etagOf(cur), cur != nil); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return b.Put([]byte(path), bytes.Clone(data))
	})
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"component": "BoltStore",
		"path":      path,
		"size":      len(data),
	}).Debug("Blob written")
	return tag, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, path string, ifMatch store.ETag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		cur := b.Get([]byte(path))
		if cur == nil {
			return fmt.Errorf("delete %s: %w", path, store.ErrNotFound)
		}
		if err := store.CheckMatch(ifMatch, etagOf(cur), true); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		return b.Delete([]byte(path))
	})
}

func etagOf(v []byte) store.ETag {
	if v == nil {
		return ""
	}
	return store.NewETag(v)
}

func (s *Store) grant(ctx context.Context, path string, state store.LeaseState, duration time.Duration, breakExisting bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		held, err := leasesOf(b, path)
		if err != nil {
			return err
		}
		now := s.clock()
		drop, err := store.Arbitrate(held, now, state, breakExisting)
		if err != nil {
			return fmt.Errorf("lease %s: %w", path, err)
		}
		for _, l := range drop {
			if err := b.Delete([]byte(l.ID)); err != nil {
				return err
			}
		}
		l := store.NewLease(path, state, now, duration)
		id = l.ID
		return b.Put([]byte(l.ID), encodeLease(l))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AcquireLease implements store.Store.
func (s *Store) AcquireLease(ctx context.Context, path string, duration time.Duration) (string, error) {
	if err := store.CheckLeaseRequest(path, duration, true); err != nil {
		return "", err
	}
	return s.grant(ctx, path, store.LeaseShared, duration, false)
}

// AcquireExclusiveLease implements store.Store.
func (s *Store) AcquireExclusiveLease(ctx context.Context, path string, breakExisting bool) (string, error) {
	if err := store.CheckLeaseRequest(path, 0, false); err != nil {
		return "", err
	}
	return s.grant(ctx, path, store.LeaseExclusive, 0, breakExisting)
}

// lookup finds a live lease inside tx. Expired leases are reported missing.
func (s *Store) lookup(b *bolt.Bucket, id string) (store.LeaseInfo, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return store.LeaseInfo{}, fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}
	l, err := decodeLease(id, v)
	if err != nil {
		return store.LeaseInfo{}, err
	}
	if l.Expired(s.clock()) {
		return store.LeaseInfo{}, fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}
	return l, nil
}

// RenewLease implements store.Store.
func (s *Store) RenewLease(ctx context.Context, leaseID string, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		l, err := s.lookup(b, leaseID)
		if err != nil {
			return err
		}
		if l.State != store.LeaseShared {
			return nil
		}
		l.AcquiredDate = s.clock()
		l.Duration = duration
		return b.Put([]byte(leaseID), encodeLease(l))
	})
}

// Release implements store.Store.
func (s *Store) Release(ctx context.Context, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if _, err := s.lookup(b, leaseID); err != nil {
			return err
		}
		return b.Delete([]byte(leaseID))
	})
}

// GetLease implements store.Store.
func (s *Store) GetLease(ctx context.Context, leaseID string) (store.LeaseInfo, error) {
	if err := ctx.Err(); err != nil {
		return store.LeaseInfo{}, err
	}
	var l store.LeaseInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		l, err = s.lookup(tx.Bucket(bucketLeases), leaseID)
		return err
	})
	return l, err
}

// LeaseState implements store.Store.
func (s *Store) LeaseState(ctx context.Context, path string) (store.LeaseState, error) {
	if err := ctx.Err(); err != nil {
		return store.LeaseNone, err
	}
	state := store.LeaseNone
	err := s.db.View(func(tx *bolt.Tx) error {
		held, err := leasesOf(tx.Bucket(bucketLeases), path)
		if err != nil {
			return err
		}
		state = store.StateOf(held, s.clock())
		return nil
	})
	return state, err
}

// Close syncs and closes the database file.
func (s *Store) Close() error {
	log := logrus.WithFields(logrus.Fields{
		"component": "BoltStore",
		"filename":  s.path,
	})
	if err := s.db.Close(); err != nil {
		log.WithError(err).Error("Failed to close bolt file")
		return err
	}
	log.Info("Bolt store closed")
	return nil
}

func leasesOf(b *bolt.Bucket, path string) ([]store.LeaseInfo, error) {
	var out []store.LeaseInfo
	err := b.ForEach(func(k, v []byte) error {
		l, err := decodeLease(string(k), v)
		if err != nil {
			return err
		}
		if l.Path == path {
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// Lease records: state byte, acquired unix nanos, duration nanos, path.
func encodeLease(l store.LeaseInfo) []byte {
	buf := make([]byte, 17, 17+len(l.Path))
	buf[0] = byte(l.State)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(l.AcquiredDate.UnixNano()))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(l.Duration))
	return append(buf, l.Path...)
}

func decodeLease(id string, v []byte) (store.LeaseInfo, error) {
	if len(v) < 17 {
		return store.LeaseInfo{}, fmt.Errorf("lease %s: corrupt record", id)
	}
	return store.LeaseInfo{
		ID:           id,
		State:        store.LeaseState(v[0]),
		AcquiredDate: time.Unix(0, int64(binary.LittleEndian.Uint64(v[1:9]))).UTC(),
		Duration:     time.Duration(binary.LittleEndian.Uint64(v[9:17])),
		Path:         string(v[17:]),
	}, nil
}
