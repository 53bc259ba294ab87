package graphsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := migrations.Open(migrations.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeSink struct {
	failures map[string]error
	upserts  []Item
	deletes  []Item
}

func (f *fakeSink) Upsert(_ context.Context, it Item) error {
	if err := f.failures[it.EntityID]; err != nil {
		return err
	}
	f.upserts = append(f.upserts, it)
	return nil
}

func (f *fakeSink) Delete(_ context.Context, it Item) error {
	if err := f.failures[it.EntityID]; err != nil {
		return err
	}
	f.deletes = append(f.deletes, it)
	return nil
}

func factEvent(id, object string, op events.Operation) events.Event {
	ev := events.Event{Table: events.TableFacts, EntityID: id, Operation: op, Tenant: "acme", Space: "user-alice"}
	if op != events.OpDelete {
		ev.Entity = map[string]any{"factId": id, "object": object, "memorySpaceId": "user-alice"}
	}
	return ev
}

func TestEnqueueCoalesces(t *testing.T) {
	outbox := NewOutbox(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, outbox.Enqueue(ctx, factEvent("fact-1", "Bondi Beach", events.OpInsert)))
	require.NoError(t, outbox.Enqueue(ctx, factEvent("fact-1", "Manly", events.OpUpdate)))

	pending, err := outbox.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	it := pending[0]
	assert.Equal(t, events.OpUpdate, it.Operation)
	assert.Equal(t, 2, it.Revision)
	assert.Equal(t, DefaultPriorities[events.TableFacts], it.Priority)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(it.Entity, &snap))
	assert.Equal(t, "Manly", snap["object"])

	require.NoError(t, outbox.Enqueue(ctx, factEvent("fact-1", "", events.OpDelete)))
	it, err = outbox.Get(ctx, events.TableFacts, "fact-1")
	require.NoError(t, err)
	assert.Equal(t, events.OpDelete, it.Operation)
	assert.Nil(t, it.Entity)
}

func TestHandlerSkipsRemoteAndUnsyncedTables(t *testing.T) {
	outbox := NewOutbox(setupTestDB(t), nil, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe("graph_sync", outbox.Handler())
	ctx := context.Background()

	remote := factEvent("fact-remote", "x", events.OpInsert)
	remote.Origin = "instance-2"
	bus.Publish(ctx, remote)
	bus.Publish(ctx, events.Event{Table: events.TableMutableRecords, EntityID: "prefs/theme", Operation: events.OpUpdate})
	bus.Publish(ctx, factEvent("fact-local", "x", events.OpInsert))

	pending, err := outbox.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fact-local", pending[0].EntityID)
}

func TestWorkerDrainsByPriority(t *testing.T) {
	db := setupTestDB(t)
	outbox := NewOutbox(db, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, outbox.Enqueue(ctx, events.Event{Table: events.TableMemories, EntityID: "mem-1", Operation: events.OpInsert, Entity: map[string]any{}}))
	require.NoError(t, outbox.Enqueue(ctx, factEvent("fact-1", "Manly", events.OpInsert)))
	require.NoError(t, outbox.Enqueue(ctx, events.Event{Table: events.TableContexts, EntityID: "ctx-1", Operation: events.OpDelete}))

	sink := &fakeSink{}
	w := NewWorker(outbox, sink, WorkerConfig{BatchSize: 2}, nil, zerolog.Nop())
	stats, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pushed)

	require.Len(t, sink.upserts, 2)
	assert.Equal(t, "fact-1", sink.upserts[0].EntityID)
	assert.Equal(t, "mem-1", sink.upserts[1].EntityID)
	require.Len(t, sink.deletes, 1)

	pending, err := outbox.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	it, err := outbox.Get(ctx, events.TableFacts, "fact-1")
	require.NoError(t, err)
	assert.True(t, it.Synced)

	// A later mutation re-arms the synced item.
	require.NoError(t, outbox.Enqueue(ctx, factEvent("fact-1", "Coogee", events.OpUpdate)))
	pending, err = outbox.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	n, err := outbox.PurgeSynced(ctx, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWorkerBacksOffThenParks(t *testing.T) {
	outbox := NewOutbox(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, outbox.Enqueue(ctx, factEvent("fact-1", "Manly", events.OpInsert)))

	sink := &fakeSink{failures: map[string]error{"fact-1": errors.New("graph store down")}}
	w := NewWorker(outbox, sink, WorkerConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
	}, nil, zerolog.Nop())
	clock := time.Now()
	w.now = func() time.Time { return clock }

	stats, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	it, err := outbox.Get(ctx, events.TableFacts, "fact-1")
	require.NoError(t, err)
	assert.Equal(t, 1, it.FailedAttempts)
	assert.Equal(t, "graph store down", it.LastError)
	assert.Equal(t, clock.Add(time.Second).UnixMilli(), it.NextAttemptAt)

	// Not due yet.
	stats, err = w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)

	clock = clock.Add(time.Second)
	_, err = w.DrainOnce(ctx)
	require.NoError(t, err)
	it, err = outbox.Get(ctx, events.TableFacts, "fact-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Add(2*time.Second).UnixMilli(), it.NextAttemptAt)

	clock = clock.Add(time.Hour)
	stats, err = w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)

	parked, err := outbox.Parked(ctx, 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.False(t, parked[0].Synced)

	pending, parkedN, err := outbox.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, parkedN)

	delete(sink.failures, "fact-1")
	require.NoError(t, outbox.Requeue(ctx, events.TableFacts, "fact-1"))
	stats, err = w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	assert.Error(t, outbox.Requeue(ctx, events.TableFacts, "fact-1"))
}

func TestPermanentFailureParksImmediately(t *testing.T) {
	outbox := NewOutbox(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, outbox.Enqueue(ctx, events.Event{
		Table: events.TableFacts, EntityID: "fact-bad", Operation: events.OpInsert, Entity: "not an object",
	}))

	w := NewWorker(outbox, NewRedisGraph(redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()}), ""),
		DefaultWorkerConfig(), nil, zerolog.Nop())
	stats, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)
}

func TestRedisGraphProjection(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewRedisGraph(client, "test")
	ctx := context.Background()

	entity, err := json.Marshal(map[string]any{
		"factId": "fact-2", "memorySpaceId": "user-alice", "supersedes": "fact-1",
	})
	require.NoError(t, err)
	it := Item{Table: events.TableFacts, EntityID: "fact-2", TenantID: "acme", MemorySpaceID: "user-alice", Entity: entity, Revision: 1}
	require.NoError(t, g.Upsert(ctx, it))
	require.NoError(t, g.Upsert(ctx, it))

	edges, err := g.Edges(ctx, events.TableFacts, "fact-2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"IN_SPACE:memory_spaces:user-alice", "SUPERSEDES:facts:fact-1"}, edges)

	node, err := g.Node(ctx, events.TableFacts, "fact-2")
	require.NoError(t, err)
	assert.Equal(t, "user-alice", node["memorySpaceId"])
	assert.True(t, mr.Exists("test:space:acme/user-alice"))

	require.NoError(t, g.Delete(ctx, it))
	node, err = g.Node(ctx, events.TableFacts, "fact-2")
	require.NoError(t, err)
	assert.Empty(t, node)

	mr.Close()
	assert.Error(t, g.Upsert(ctx, it))
}

func TestPostgresGraphProjection(t *testing.T) {
	dsn := os.Getenv("CORTEX_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CORTEX_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	g, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	entity, err := json.Marshal(map[string]any{
		"contextId": "ctx-child", "memorySpaceId": "team-agency", "parentId": "ctx-root",
		"embedding": []float32{0.1, 0.2, 0.3},
	})
	require.NoError(t, err)
	it := Item{Table: events.TableContexts, EntityID: "ctx-child", MemorySpaceID: "team-agency", Entity: entity, Revision: 3}
	require.NoError(t, g.Upsert(ctx, it))
	require.NoError(t, g.Upsert(ctx, it))

	parents, err := g.Neighbors(ctx, events.TableContexts, "ctx-child", "CHILD_OF")
	require.NoError(t, err)
	assert.Equal(t, []string{"ctx-root"}, parents)

	require.NoError(t, g.Delete(ctx, it))
	parents, err = g.Neighbors(ctx, events.TableContexts, "ctx-child", "CHILD_OF")
	require.NoError(t, err)
	assert.Empty(t, parents)
}
