package store

import (
	"time"

	"github.com/google/uuid"
)

// NewLeaseID returns a fresh opaque lease identifier.
func NewLeaseID() string {
	return uuid.NewString()
}

// Arbitrate decides whether a lease of the requested state may be granted
// on a path currently holding held. It returns the leases the backend must
// delete: expired ones always, and every live one when an exclusive request
// breaks existing leases. drop is valid even when err is ErrLeaseConflict.
func Arbitrate(held []LeaseInfo, now time.Time, state LeaseState, breakExisting bool) (drop []LeaseInfo, err error) {
	var live []LeaseInfo
	for _, l := range held {
		if l.Expired(now) {
			drop = append(drop, l)
			continue
		}
		live = append(live, l)
	}
	switch state {
	case LeaseShared:
		for _, l := range live {
			if l.State == LeaseExclusive {
				return drop, ErrLeaseConflict
			}
		}
	case LeaseExclusive:
		if len(live) > 0 {
			if !breakExisting {
				return drop, ErrLeaseConflict
			}
			drop = append(drop, live...)
		}
	}
	return drop, nil
}

// StateOf summarizes the live leases of one path.
func StateOf(held []LeaseInfo, now time.Time) LeaseState {
	state := LeaseNone
	for _, l := range held {
		if l.Expired(now) {
			continue
		}
		if l.State == LeaseExclusive {
			return LeaseExclusive
		}
		state = LeaseShared
	}
	return state
}

// NewLease builds the record for a granted lease.
func NewLease(path string, state LeaseState, now time.Time, duration time.Duration) LeaseInfo {
	if state == LeaseExclusive {
		duration = 0
	}
	return LeaseInfo{
		ID:           NewLeaseID(),
		Path:         path,
		State:        state,
		AcquiredDate: now,
		Duration:     duration,
	}
}
