// Package sqlstore implements store.Store on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"graphengine/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	path TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	etag TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	state INTEGER NOT NULL,
	acquired_at INTEGER NOT NULL,
	duration INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_path ON leases(path);
`

// Store keeps blobs and leases in two SQLite tables. All access goes
// through one connection so read-modify-write transactions serialize.
type Store struct {
	db     *sql.DB
	dbPath string
	clock  store.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for lease expiry.
func WithClock(c store.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// OpenPath opens a SQLite database file.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	return open(dbPath, dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts)
}

// OpenMemory opens a private in-memory database.
func OpenMemory(opts ...Option) (*Store, error) {
	return open(":memory:", ":memory:", opts)
}

func open(dbPath, dsn string, opts []Option) (*Store, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "SQLStore",
		"path":      dbPath,
	})
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		log.WithError(err).Error("Failed to initialize schema")
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s := &Store{db: db, dbPath: dbPath, clock: store.SystemClock}
	for _, opt := range opts {
		opt(s)
	}
	log.Info("SQL store opened")
	return s, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func currentETag(ctx context.Context, tx *sql.Tx, path string) (store.ETag, bool, error) {
	var tag string
	err := tx.QueryRowContext(ctx, `SELECT etag FROM blobs WHERE path = ?`, path).Scan(&tag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return store.ETag(tag), true, nil
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, path string) (store.Blob, error) {
	var blob store.Blob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var tag string
		err := tx.QueryRowContext(ctx, `SELECT data, etag FROM blobs WHERE path = ?`, path).Scan(&blob.Data, &tag)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read %s: %w", path, store.ErrNotFound)
		}
		blob.ETag = store.ETag(tag)
		return err
	})
	if err != nil {
		return store.Blob{}, err
	}
	return blob, nil
}

// Write implements store.Store.
func (s *Store) Write(ctx context.Context, path string, data []byte, ifMatch store.ETag) (store.ETag, error) {
	tag := store.NewETag(data)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, exists, err := currentETag(ctx, tx, path)
		if err != nil {
			return err
		}
		if err := store.CheckMatch(ifMatch, cur, exists); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO blobs (path, data, etag) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET data = excluded.data, etag = excluded.etag`,
			path, data, string(tag))
		return err
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, path string, ifMatch store.ETag) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, exists, err := currentETag(ctx, tx, path)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("delete %s: %w", path, store.ErrNotFound)
		}
		if err := store.CheckMatch(ifMatch, cur, true); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM blobs WHERE path = ?`, path)
		return err
	})
}

func scanLease(row interface{ Scan(...any) error }) (store.LeaseInfo, error) {
	var (
		l        store.LeaseInfo
		state    int
		acquired int64
		duration int64
	)
	if err := row.Scan(&l.ID, &l.Path, &state, &acquired, &duration); err != nil {
		return store.LeaseInfo{}, err
	}
	l.State = store.LeaseState(state)
	l.AcquiredDate = time.Unix(0, acquired).UTC()
	l.Duration = time.Duration(duration)
	return l, nil
}

func leasesOf(ctx context.Context, tx *sql.Tx, path string) ([]store.LeaseInfo, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, path, state, acquired_at, duration FROM leases WHERE path = ?`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.LeaseInfo
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) grant(ctx context.Context, path string, state store.LeaseState, duration time.Duration, breakExisting bool) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		held, err := leasesOf(ctx, tx, path)
		if err != nil {
			return err
		}
		now := s.clock()
		drop, err := store.Arbitrate(held, now, state, breakExisting)
		if err != nil {
			return fmt.Errorf("lease %s: %w", path, err)
		}
		for _, l := range drop {
			if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, l.ID); err != nil {
				return err
			}
		}
		l := store.NewLease(path, state, now, duration)
		id = l.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO leases (id, path, state, acquired_at, duration) VALUES (?, ?, ?, ?, ?)`,
			l.ID, l.Path, int(l.State), l.AcquiredDate.UnixNano(), int64(l.Duration))
		return err
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

func (s *Store) lookup(ctx context.Context, tx *sql.Tx, id string) (store.LeaseInfo, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, path, state, acquired_at, duration FROM leases WHERE id = ?`, id)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && l.Expired(s.clock())) {
		return store.LeaseInfo{}, fmt.Errorf("lease %s: %w", id, store.ErrLeaseNotFound)
	}
	return l, err
}

// RenewLease implements store.Store.
func (s *Store) RenewLease(ctx context.Context, leaseID string, duration time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		l, err := s.lookup(ctx, tx, leaseID)
		if err != nil {
			return err
		}
		if l.State != store.LeaseShared {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE leases SET acquired_at = ?, duration = ? WHERE id = ?`,
			s.clock().UnixNano(), int64(duration), leaseID)
		return err
	})
}

// Release implements store.Store.
func (s *Store) Release(ctx context.Context, leaseID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lookup(ctx, tx, leaseID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, leaseID)
		return err
	})
}

// GetLease implements store.Store.
func (s *Store) GetLease(ctx context.Context, leaseID string) (store.LeaseInfo, error) {
	var l store.LeaseInfo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		l, err = s.lookup(ctx, tx, leaseID)
		return err
	})
	return l, err
}

// LeaseState implements store.Store.
func (s *Store) LeaseState(ctx context.Context, path string) (store.LeaseState, error) {
	state := store.LeaseNone
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		held, err := leasesOf(ctx, tx, path)
		if err != nil {
			return err
		}
		state = store.StateOf(held, s.clock())
		return nil
	})
	return state, err
}

// Close closes the database.
func (s *Store) Close() error {
	logrus.WithFields(logrus.Fields{
		"component": "SQLStore",
		"path":      s.dbPath,
	}).Info("SQL store closed")
	return s.db.Close()
}
