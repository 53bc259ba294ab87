package conversations

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

func TestAppendIsAtomicAndOrdered(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), rec, zerolog.Nop())
	ctx := context.Background()
	scope := core.MustScope("", "s1")

	conv, err := store.Start(ctx, scope, StartInput{Type: TypeUserAgent, Participants: []Participant{{ID: "u1", Role: RoleUser}}})
	require.NoError(t, err)

	_, err = store.Append(ctx, scope, conv.ConversationID, MessageInput{Role: RoleUser, Content: "I love Bondi Beach"})
	require.NoError(t, err)
	second, err := store.Append(ctx, scope, conv.ConversationID, MessageInput{ID: "m2", Role: RoleAgent, Content: "Noted!"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Seq)

	// Retrying an append with the same id does not duplicate it.
	retry, err := store.Append(ctx, scope, conv.ConversationID, MessageInput{ID: "m2", Role: RoleAgent, Content: "Noted!"})
	require.NoError(t, err)
	assert.Equal(t, second.Timestamp, retry.Timestamp)

	got, err := store.Get(ctx, scope, conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "I love Bondi Beach", got.Messages[0].Content)
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)

	page, err := store.ListMessages(ctx, scope, conv.ConversationID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m2", page[0].ID)

	// insert + two appends
	assert.Len(t, rec.events, 3)
}

func TestAppendErrors(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()
	scope := core.MustScope("", "s1")

	_, err := store.Append(ctx, scope, "missing", MessageInput{Role: RoleUser, Content: "hi"})
	assert.True(t, core.IsNotFound(err))

	conv, err := store.Start(ctx, scope, StartInput{Type: TypeUserAgent})
	require.NoError(t, err)

	_, err = store.Append(ctx, core.MustScope("", "s2"), conv.ConversationID, MessageInput{Role: RoleUser, Content: "hi"})
	assert.True(t, core.IsIsolationViolation(err))

	_, err = store.Append(ctx, scope, conv.ConversationID, MessageInput{Role: "robot", Content: "hi"})
	assert.True(t, core.IsInvalidInput(err))

	_, err = store.Start(ctx, scope, StartInput{Type: "group"})
	assert.True(t, core.IsInvalidInput(err))
}

func TestShareSnapshotIsFrozenAndRedacted(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()
	scope := core.MustScope("", "s1")

	conv, err := store.Start(ctx, scope, StartInput{Type: TypeUserAgent})
	require.NoError(t, err)
	_, err = store.Append(ctx, scope, conv.ConversationID, MessageInput{Role: RoleSystem, Content: "internal prompt"})
	require.NoError(t, err)
	_, err = store.Append(ctx, scope, conv.ConversationID, MessageInput{Role: RoleUser, Content: "email me at jo@example.com"})
	require.NoError(t, err)

	share, err := store.Share(ctx, scope, conv.ConversationID, ShareInput{
		Type:        ShareLink,
		Permissions: []Permission{PermView, PermExport},
		Redaction:   &Redaction{ExcludeRoles: []Role{RoleSystem}, MaskEmails: true},
		MaxViews:    1,
	})
	require.NoError(t, err)

	// Later edits do not leak into the shared view.
	_, err = store.Append(ctx, scope, conv.ConversationID, MessageInput{Role: RoleUser, Content: "after share"})
	require.NoError(t, err)

	view, err := store.AccessShare(ctx, share.Token, Viewer{})
	require.NoError(t, err)
	require.Len(t, view.Snapshot.Messages, 1)
	assert.Equal(t, "email me at [redacted]", view.Snapshot.Messages[0].Content)
	assert.Equal(t, 1, view.Share.ViewCount)

	_, err = store.AccessShare(ctx, share.Token, Viewer{})
	assert.True(t, core.IsIsolationViolation(err), "view limit")

	_, err = store.AccessShare(ctx, "nope", Viewer{})
	assert.True(t, core.IsNotFound(err))
}

func TestShareTargetsAndRevocation(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, zerolog.Nop())
	ctx := context.Background()
	scope := core.MustScope("", "s1")
	conv, err := store.Start(ctx, scope, StartInput{Type: TypeUserAgent})
	require.NoError(t, err)

	share, err := store.Share(ctx, scope, conv.ConversationID, ShareInput{
		Type: ShareDomain, Target: "Example.com", Permissions: []Permission{PermView},
	})
	require.NoError(t, err)

	_, err = store.AccessShare(ctx, share.Token, Viewer{Email: "sam@other.org"})
	assert.True(t, core.IsIsolationViolation(err))
	_, err = store.AccessShare(ctx, share.Token, Viewer{Email: "sam@example.com"})
	require.NoError(t, err)

	require.NoError(t, store.RevokeShare(ctx, scope, share.ShareID))
	_, err = store.AccessShare(ctx, share.Token, Viewer{Email: "sam@example.com"})
	assert.True(t, core.IsIsolationViolation(err))

	_, err = store.Share(ctx, scope, conv.ConversationID, ShareInput{Type: ShareUser, Permissions: []Permission{PermView}})
	assert.True(t, core.IsInvalidInput(err))
}

func TestPurgeExpired(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), rec, zerolog.Nop())
	ctx := context.Background()
	scope := core.MustScope("", "s1")
	conv, err := store.Start(ctx, scope, StartInput{Type: TypeUserAgent})
	require.NoError(t, err)
	_, err = store.Append(ctx, scope, conv.ConversationID, MessageInput{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)

	target := core.RetentionTarget{Space: "s1"}
	res, err := store.PurgeExpired(ctx, target, 0)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = store.PurgeExpired(ctx, target, core.NowMillis()+1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsPurged)
	assert.Equal(t, int64(len("hello")), res.BytesFreed)

	_, err = store.Get(ctx, scope, conv.ConversationID)
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, events.OpDelete, rec.events[len(rec.events)-1].Operation)
}
