package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphengine/store"
	"graphengine/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.FakeClock) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "graph.db"), WithClock(clock.Now))
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsBlobsAndLeases(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "graph.db")

	s, err := Open(file)
	require.NoError(t, err)
	tag, err := s.Write(ctx, "graphs/main", []byte("snapshot"), store.ETagNone)
	require.NoError(t, err)
	id, err := s.AcquireExclusiveLease(ctx, "graphs/main", false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(file)
	require.NoError(t, err)
	defer s.Close()

	blob, err := s.Read(ctx, "graphs/main")
	require.NoError(t, err)
	assert.Equal(t, tag, blob.ETag)

	info, err := s.GetLease(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.LeaseExclusive, info.State)
	assert.Equal(t, "graphs/main", info.Path)
}
