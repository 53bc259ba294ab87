package spaces

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/migrations"
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

type recorder struct{ events []events.Event }

func (r *recorder) Publish(_ context.Context, ev events.Event) { r.events = append(r.events, ev) }

func TestCreateIsIdempotentForSuppliedID(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), rec, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Create(ctx, "acme", CreateInput{ID: "s1", Type: TypeTeam, Participants: []Participant{
		{ID: "u1", Kind: "user"}, {ID: "u1", Kind: "user"}, {ID: "agent", Kind: "agent"},
	}})
	require.NoError(t, err)
	assert.Len(t, first.Participants, 2)
	assert.Equal(t, StatusActive, first.Status)

	second, err := store.Create(ctx, "acme", CreateInput{ID: "s1", Type: TypeProject})
	require.NoError(t, err)
	assert.Equal(t, TypeTeam, second.Type)
	assert.Len(t, rec.events, 1)

	_, err = store.Create(ctx, "other", CreateInput{ID: "s1", Type: TypeTeam})
	assert.True(t, core.IsIsolationViolation(err))

	generated, err := store.Create(ctx, "acme", CreateInput{Type: TypeCustom})
	require.NoError(t, err)
	assert.NotEqual(t, "s1", generated.MemorySpaceID)
}

func TestEnsurePersonal(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()

	a, err := store.EnsurePersonal(ctx, "", "u42")
	require.NoError(t, err)
	b, err := store.EnsurePersonal(ctx, "", "u42")
	require.NoError(t, err)
	assert.Equal(t, "user-u42", a.MemorySpaceID)
	assert.Equal(t, a.CreatedAt, b.CreatedAt)
	assert.Equal(t, TypePersonal, a.Type)

	_, err = store.EnsurePersonal(ctx, "", "")
	assert.True(t, core.IsInvalidInput(err))
}

func TestParticipantsAndArchive(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()
	_, err := store.Create(ctx, "", CreateInput{ID: "team", Type: TypeTeam})
	require.NoError(t, err)
	scope := core.MustScope("", "team")

	space, err := store.AddParticipant(ctx, scope, Participant{ID: "u1", Kind: "user"})
	require.NoError(t, err)
	require.Len(t, space.Participants, 1)
	assert.NotZero(t, space.Participants[0].JoinedAt)

	space, err = store.AddParticipant(ctx, scope, Participant{ID: "u1", Kind: "user"})
	require.NoError(t, err)
	assert.Len(t, space.Participants, 1)

	_, err = store.RemoveParticipant(ctx, scope, "nobody")
	assert.True(t, core.IsNotFound(err))
	space, err = store.RemoveParticipant(ctx, scope, "u1")
	require.NoError(t, err)
	assert.Empty(t, space.Participants)

	space, err = store.Archive(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, space.Status)

	archived, err := store.List(ctx, "", StatusArchived)
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	space, err = store.Unarchive(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, space.Status)

	_, err = store.Archive(ctx, core.MustScope("evil", "team"))
	assert.True(t, core.IsIsolationViolation(err))
	_, err = store.Get(ctx, "", "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestPurgeArchivedSkipsSpacesWithData(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil, zerolog.Nop())
	ctx := context.Background()

	for _, id := range []core.SpaceID{"empty", "busy", "live"} {
		_, err := store.Create(ctx, "acme", CreateInput{ID: id, Type: TypeProject})
		require.NoError(t, err)
	}
	for _, id := range []core.SpaceID{"empty", "busy"} {
		_, err := store.Archive(ctx, core.MustScope("acme", id))
		require.NoError(t, err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO contexts (context_id, tenant_id, memory_space_id, purpose, root_id, depth, created_at, updated_at)
		VALUES ('ctx-1', 'acme', 'busy', 'keep me', 'ctx-1', 0, 1, 1)`)
	require.NoError(t, err)

	target := core.RetentionTarget{Tenant: "acme"}
	res, err := store.PurgeArchived(ctx, target, core.NowMillis()+1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsPurged)

	_, err = store.Get(ctx, "acme", "empty")
	assert.True(t, core.IsNotFound(err))
	_, err = store.Get(ctx, "acme", "busy")
	require.NoError(t, err)

	res, err = store.PurgeArchived(ctx, target, core.NowMillis()+1)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}
