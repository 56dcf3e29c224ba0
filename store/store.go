// Package store defines the blob and lease contract the graph engine
// persists through. Backends live in sub-packages.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/xxh3"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrConflict       = errors.New("store: etag precondition failed")
	ErrLeaseConflict  = errors.New("store: lease held by another owner")
	ErrLeaseNotFound  = errors.New("store: lease not found")
	ErrClosed         = errors.New("store: closed")
	ErrInvalidRequest = errors.New("store: invalid request")
)

// ETag identifies blob content. Equal content has equal ETags on every
// backend.
type ETag string

// ETagNone as a write precondition requires that the blob does not exist.
const ETagNone ETag = "*none*"

// NewETag hashes data with xxh3-128.
func NewETag(data []byte) ETag {
	sum := xxh3.Hash128(data).Bytes()
	return ETag(hex.EncodeToString(sum[:]))
}

// Blob is a stored value with its ETag.
type Blob struct {
	Data []byte
	ETag ETag
}

// LeaseState is the authoritative lease status of a path.
type LeaseState int

const (
	LeaseNone LeaseState = iota
	LeaseShared
	LeaseExclusive
)

func (s LeaseState) String() string {
	switch s {
	case LeaseNone:
		return "none"
	case LeaseShared:
		return "shared"
	case LeaseExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// LeaseInfo describes one granted lease. Exclusive leases have a zero
// Duration and never expire.
type LeaseInfo struct {
	ID           string
	Path         string
	State        LeaseState
	AcquiredDate time.Time
	Duration     time.Duration
}

// Expired reports whether a shared lease has run out at now.
func (l LeaseInfo) Expired(now time.Time) bool {
	return l.State == LeaseShared && !now.Before(l.AcquiredDate.Add(l.Duration))
}

// Store is a key-value byte store with optimistic ETag writes and
// path leases. Implementations must be safe for concurrent use.
type Store interface {
	// Read returns ErrNotFound when path has no blob.
	Read(ctx context.Context, path string) (Blob, error)
	// Write stores data. An empty ifMatch writes unconditionally,
	// ETagNone requires the path to be absent, any other value must equal
	// the current ETag. A failed precondition is ErrConflict.
	Write(ctx context.Context, path string, data []byte, ifMatch ETag) (ETag, error)
	Delete(ctx context.Context, path string, ifMatch ETag) error

	// AcquireLease grants a shared lease. It fails with ErrLeaseConflict
	// while an exclusive lease is held on path.
	AcquireLease(ctx context.Context, path string, duration time.Duration) (string, error)
	// AcquireExclusiveLease fails with ErrLeaseConflict while any other
	// lease is held, unless breakExisting is set.
	AcquireExclusiveLease(ctx context.Context, path string, breakExisting bool) (string, error)
	RenewLease(ctx context.Context, leaseID string, duration time.Duration) error
	Release(ctx context.Context, leaseID string) error
	GetLease(ctx context.Context, leaseID string) (LeaseInfo, error)
	LeaseState(ctx context.Context, path string) (LeaseState, error)

	Close() error
}

// Clock supplies the current time. Backends take one so lease expiry can
// be tested.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// CheckMatch evaluates a write precondition against the current ETag of a
// path. exists reports whether the path currently has a blob.
func CheckMatch(ifMatch, current ETag, exists bool) error {
	switch {
	case ifMatch == "":
		return nil
	case ifMatch == ETagNone:
		if exists {
			return ErrConflict
		}
		return nil
	case !exists || ifMatch != current:
		return ErrConflict
	default:
		return nil
	}
}

// CheckLeaseRequest validates acquisition arguments shared by backends.
func CheckLeaseRequest(path string, duration time.Duration, shared bool) error {
	if path == "" {
		return errors.Join(ErrInvalidRequest, errors.New("empty path"))
	}
	if shared && duration <= 0 {
		return errors.Join(ErrInvalidRequest, errors.New("shared lease needs a positive duration"))
	}
	return nil
}
