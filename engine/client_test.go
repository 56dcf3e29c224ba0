package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"graphengine/graph"
	"graphengine/query"
	"graphengine/store"
	"graphengine/store/boltstore"
	"graphengine/store/memstore"
	"graphengine/store/sqlstore"
	"graphengine/store/storetest"
)

type backend struct {
	name string
	open func(t *testing.T, clock *storetest.FakeClock) store.Store
}

var backends = []backend{
	{"memory", func(t *testing.T, clock *storetest.FakeClock) store.Store {
		return memstore.New(memstore.WithClock(clock.Now))
	}},
	{"bolt", func(t *testing.T, clock *storetest.FakeClock) store.Store {
		s, err := boltstore.Open(filepath.Join(t.TempDir(), "graph.db"), boltstore.WithClock(clock.Now))
		require.NoError(t, err)
		return s
	}},
	{"sqlite", func(t *testing.T, clock *storetest.FakeClock) store.Store {
		s, err := sqlstore.OpenMemory(sqlstore.WithClock(clock.Now))
		require.NoError(t, err)
		return s
	}},
}

func newClient(t *testing.T, s store.Store, clock *storetest.FakeClock, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c := NewClient(s, opts...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func mustExecute(t *testing.T, c *Client, text string) QueryResult {
	t.Helper()
	res := c.Execute(context.Background(), text)
	require.NoError(t, res.Err(), text)
	return res
}

const scenario = `
	add node [key=user:alice, role=admin];
	add node [key=user:bob];
	add node [key=proposal:7, title='Quarterly plan'];
	add edge [key=e1, from=user:alice, to=proposal:7, type=owns, unique];
	add edge [key=e2, from=user:bob, to=proposal:7, type=reviews, direction=both];
	upsert node [key=user:bob, active];
	select (key=user:*) set seen;
	delete [key=e2];`

type graphDump struct {
	Nodes []graph.Node
	Edges []graph.Edge
}

func dump(g *graph.Map) graphDump {
	return graphDump{Nodes: g.Nodes(), Edges: g.Edges()}
}

func TestClient_BackendsAgree(t *testing.T) {
	ctx := context.Background()
	var (
		dumps = map[string]graphDump{}
		rows  = map[string][]string{}
	)
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clock := storetest.NewFakeClock()
			s := b.open(t, clock)
			defer s.Close()
			c := newClient(t, s, clock)

			mustExecute(t, c, scenario)
			res := mustExecute(t, c, `select (key=user:alice) a -> [type=owns] e -> (*) p return a, e, p;`)
			rows[b.name] = keys(res.Rows)

			g, err := c.Snapshot(ctx)
			require.NoError(t, err)
			dumps[b.name] = dump(g)
		})
	}

	require.Len(t, dumps, len(backends))
	assert.Equal(t, []string{"a=user:alice", "e=e1", "p=proposal:7"}, rows["memory"])
	for _, b := range backends[1:] {
		if diff := cmp.Diff(dumps["memory"], dumps[b.name]); diff != "" {
			t.Errorf("%s graph differs from memory (-memory +%s):\n%s", b.name, b.name, diff)
		}
		assert.Equal(t, rows["memory"], rows[b.name], b.name)
	}
}

func TestClient_UniqueEdgeEndToEnd(t *testing.T) {
	clock := storetest.NewFakeClock()
	c := newClient(t, memstore.New(memstore.WithClock(clock.Now)), clock)

	mustExecute(t, c, `add node [key=user:bob]; add node [key=proposal:7];
		add edge [from=user:bob, to=proposal:7, type=owns, unique];`)

	res := mustExecute(t, c, `select edge[from=user:bob, type=owns] e return e;`)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "e", row.Alias)
	require.NotNil(t, row.Edge)
	assert.Equal(t, "user:bob", row.Edge.FromKey)
	assert.Equal(t, "proposal:7", row.Edge.ToKey)

	again := c.Execute(context.Background(), `add edge [from=user:bob, to=proposal:7, type=owns, unique];`)
	assert.Equal(t, StatusConflict, again.Status)
	assert.ErrorIs(t, again.Err(), ErrUniqueViolation)

	res = mustExecute(t, c, `select edge[from=user:bob, type=owns] e return e;`)
	assert.Len(t, res.Rows, 1)
}

func TestClient_FailedCommandLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewFakeClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	c := newClient(t, s, clock)

	mustExecute(t, c, `add node [key=a];`)
	before, err := s.Read(ctx, DefaultPath)
	require.NoError(t, err)

	res := c.Execute(ctx, `add node [key=b]; add node [key=a];`)
	assert.Equal(t, StatusConflict, res.Status)

	after, err := s.Read(ctx, DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, before.ETag, after.ETag)

	g, err := c.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := g.Node("b")
	assert.False(t, ok)
}

func TestClient_Statuses(t *testing.T) {
	clock := storetest.NewFakeClock()
	c := newClient(t, memstore.New(memstore.WithClock(clock.Now)), clock)
	ctx := context.Background()

	res := c.Execute(ctx, `select (key=a`)
	assert.Equal(t, StatusBadRequest, res.Status)
	assert.Contains(t, res.Message, "syntax error at position")

	res = c.Execute(ctx, `select (key=a, key=b);`)
	assert.Equal(t, StatusBadRequest, res.Status)
	assert.Contains(t, res.Message, "Key already specified")

	res = c.Execute(ctx, `add edge [from=x, to=y];`)
	assert.Equal(t, StatusNotFound, res.Status)

	res = c.Execute(ctx, `select (key=nobody);`)
	assert.Equal(t, StatusOk, res.Status)
	assert.Empty(t, res.Rows)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	res = c.Execute(canceled, `add node [key=a];`)
	assert.Equal(t, StatusCanceled, res.Status)

	var se *StatusError
	require.ErrorAs(t, res.Err(), &se)
	assert.Equal(t, StatusCanceled, se.Status)
}

func TestClient_SharedReadersBlockWriters(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewFakeClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	reader := NewClient(s, WithClock(clock.Now))
	writer := newClient(t, s, clock)

	mustExecute(t, writer, `add node [key=a];`)
	mustExecute(t, reader, `select (key=a);`)

	res := writer.Execute(ctx, `add node [key=b];`)
	assert.Equal(t, StatusLocked, res.Status)
	assert.ErrorIs(t, res.Err(), store.ErrLeaseConflict)

	mustExecute(t, writer, `select (*);`)

	require.NoError(t, reader.Close(ctx))
	mustExecute(t, writer, `add node [key=b];`)
}

func TestClient_ReadsSeeOtherWriters(t *testing.T) {
	clock := storetest.NewFakeClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	first := newClient(t, s, clock)
	second := newClient(t, s, clock)

	mustExecute(t, first, `add node [key=a];`)
	res := mustExecute(t, second, `select (*) n;`)
	assert.Equal(t, []string{"n=a"}, keys(res.Rows))

	// second keeps a shared lease; let it go so first can write again.
	require.NoError(t, second.Locks().ReleaseLock(context.Background(), DefaultPath))
	mustExecute(t, first, `add node [key=b];`)
	res = mustExecute(t, second, `select (*) n;`)
	assert.Equal(t, []string{"n=a", "n=b"}, keys(res.Rows))
}

func TestClient_CheckpointAndLoad(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewFakeClock()
	file := filepath.Join(t.TempDir(), "graph.db")
	s, err := boltstore.Open(file, boltstore.WithClock(clock.Now))
	require.NoError(t, err)

	c := NewClient(s, WithClock(clock.Now), WithCheckpointOnWrite(false), WithPath("graphs/main"))
	mustExecute(t, c, scenario)
	assert.True(t, c.Dirty())

	_, err = s.Read(ctx, "graphs/main")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing is written before a checkpoint")

	require.NoError(t, c.Checkpoint(ctx))
	assert.False(t, c.Dirty())
	want, err := c.Snapshot(ctx)
	require.NoError(t, err)

	mustExecute(t, c, `delete (key=user:alice);`)
	require.NoError(t, c.Load(ctx))
	got, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "load discards changes that were never checkpointed")

	require.NoError(t, c.Close(ctx))
	require.NoError(t, s.Close())

	s, err = boltstore.Open(file, boltstore.WithClock(clock.Now))
	require.NoError(t, err)
	defer s.Close()
	reopened := newClient(t, s, clock, WithPath("graphs/main"))
	got, err = reopened.Snapshot(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(dump(want), dump(got)); diff != "" {
		t.Errorf("reloaded graph differs (-want +got):\n%s", diff)
	}
}

func TestClient_CheckpointConflict(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewFakeClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	deferred := newClient(t, s, clock, WithCheckpointOnWrite(false))
	eager := newClient(t, s, clock)

	mustExecute(t, deferred, `add node [key=a];`)
	mustExecute(t, eager, `add node [key=b];`)

	err := deferred.Checkpoint(ctx)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.True(t, deferred.Dirty())
}

// countingStore counts exclusive lease requests.
type countingStore struct {
	store.Store
	exclusive atomic.Int32
}

func (c *countingStore) AcquireExclusiveLease(ctx context.Context, path string, breakExisting bool) (string, error) {
	c.exclusive.Add(1)
	return c.Store.AcquireExclusiveLease(ctx, path, breakExisting)
}

func TestClient_RetriesLockedCommands(t *testing.T) {
	clock := storetest.NewFakeClock()
	s := &countingStore{Store: memstore.New(memstore.WithClock(clock.Now))}
	reader := newClient(t, s, clock)
	writer := newClient(t, s, clock,
		WithRetry(3),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)

	mustExecute(t, reader, `select (*);`)
	res := writer.Execute(context.Background(), `add node [key=a];`)
	assert.Equal(t, StatusLocked, res.Status)
	assert.EqualValues(t, 3, s.exclusive.Load())
}

func TestClient_DoesNotRetryPlainConflicts(t *testing.T) {
	clock := storetest.NewFakeClock()
	s := &countingStore{Store: memstore.New(memstore.WithClock(clock.Now))}
	c := newClient(t, s, clock,
		WithRetry(3),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)

	mustExecute(t, c, `add node [key=a];`)
	s.exclusive.Store(0)
	res := c.Execute(context.Background(), `add node [key=a];`)
	assert.Equal(t, StatusConflict, res.Status)
	assert.EqualValues(t, 1, s.exclusive.Load())
}

func TestClient_ExecuteCommandRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	clock := storetest.NewFakeClock()
	c := newClient(t, memstore.New(memstore.WithClock(clock.Now)), clock, WithTracerProvider(tp))

	res := c.ExecuteCommand(context.Background(),
		query.NodeAdd{Key: "a", Tags: graph.NewTags("x", "1")},
		query.NodeAdd{Key: "a"},
	)
	assert.Equal(t, StatusConflict, res.Status)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "engine.Execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
