package server

import (
	"context"
	"net"
	"testing"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/contexts"
	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/graphsync"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func setupClient(t *testing.T) *api.CortexClient {
	t.Helper()
	db, err := migrations.Open(migrations.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(zerolog.Nop())
	outbox := graphsync.NewOutbox(db, nil, zerolog.Nop())
	bus.Subscribe("graph_outbox", outbox.Handler())
	svc := cortex.New(cortex.OpenStores(db, bus, nil, zerolog.Nop()), bus, cortex.Config{Tenant: "acme"}, zerolog.Nop())

	srv := New(Config{Logger: zerolog.Nop(), Outbox: outbox}, svc)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewCortexClient(conn)
}

func TestRememberRecallOverGRPC(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	space, err := client.EnsureMemorySpace(ctx, api.EnsureSpaceRequest{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "user-alice", space.MemorySpaceID)

	remembered, err := client.Remember(ctx, cortex.RememberInput{
		UserID:        "alice",
		UserQuery:     "Show me apartments in Bondi with two bedrooms",
		AgentResponse: "Here are three listings in Bondi",
	})
	require.NoError(t, err)
	assert.True(t, remembered.Success)
	assert.Len(t, remembered.MessageIDs, 2)

	pref, err := client.StorePreference(ctx, cortex.PreferenceInput{UserID: "alice", Category: "suburb", Preference: "Bondi, NSW"})
	require.NoError(t, err)
	assert.Equal(t, facts.ActionCreate, pref.Change.Action)

	recalled, err := client.Recall(ctx, cortex.RecallInput{UserID: "alice", Query: "apartments Bondi"})
	require.NoError(t, err)
	assert.True(t, recalled.Degraded, "no embedder is configured")
	require.NotEmpty(t, recalled.Memories)
	require.Len(t, recalled.SuburbPreferences, 1)
	assert.Equal(t, "Bondi", recalled.SuburbPreferences[0].SuburbName)
	assert.Equal(t, 80, recalled.SuburbPreferences[0].PreferenceScore)

	history, err := client.GetFactHistory(ctx, api.FactHistoryRequest{
		SpaceRef: cortex.SpaceRef{UserID: "alice"},
		FactID:   pref.Change.FactID,
	})
	require.NoError(t, err)
	require.Len(t, history.Chain, 1)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme", st.Tenant)
	assert.Positive(t, st.OutboxPending)
}

func TestContextsAndSharesOverGRPC(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()
	alice := cortex.SpaceRef{UserID: "alice"}

	created, err := client.CreateContext(ctx, api.CreateContextRequest{
		SpaceRef: alice,
		Purpose:  "Find a two bedroom flat",
		Data:     core.ContextPayload(core.ContextData{Goal: "two bedrooms under 900k"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	done := contexts.StatusCompleted
	updated, err := client.UpdateContext(ctx, api.UpdateContextRequest{
		SpaceRef:        alice,
		ContextID:       created.ContextID,
		Status:          &done,
		ExpectedVersion: created.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, contexts.StatusCompleted, updated.Status)

	_, err = client.UpdateContext(ctx, api.UpdateContextRequest{
		SpaceRef:        alice,
		ContextID:       created.ContextID,
		Status:          &done,
		ExpectedVersion: created.Version,
	})
	assert.True(t, core.IsConflict(err), "stale versions come back as conflicts: %v", err)

	remembered, err := client.Remember(ctx, cortex.RememberInput{UserID: "alice", UserQuery: "Email me at alice@example.com"})
	require.NoError(t, err)

	share, err := client.ShareConversation(ctx, api.ShareRequest{
		SpaceRef:       alice,
		ConversationID: remembered.ConversationID,
		Type:           conversations.ShareLink,
		Permissions:    []conversations.Permission{conversations.PermView},
		Redaction:      &conversations.Redaction{MaskEmails: true},
	})
	require.NoError(t, err)

	view, err := client.AccessShare(ctx, api.AccessShareRequest{Token: share.Token, UserID: "bob"})
	require.NoError(t, err)
	require.Len(t, view.Snapshot.Messages, 1)
	assert.NotContains(t, view.Snapshot.Messages[0].Content, "alice@example.com")

	ack, err := client.RevokeShare(ctx, api.RevokeShareRequest{SpaceRef: alice, ShareID: share.ShareID})
	require.NoError(t, err)
	assert.True(t, ack.Success)

	_, err = client.AccessShare(ctx, api.AccessShareRequest{Token: share.Token, UserID: "bob"})
	assert.Error(t, err)
}

func TestErrorsMapToTypedKinds(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	_, err := client.Remember(ctx, cortex.RememberInput{UserID: "alice"})
	assert.True(t, core.IsInvalidInput(err), "%v", err)

	_, err = client.Recall(ctx, cortex.RecallInput{MemorySpaceID: "nope", Query: "x"})
	assert.True(t, core.IsNotFound(err), "%v", err)

	_, err = client.EnsureMemorySpace(ctx, api.EnsureSpaceRequest{})
	assert.True(t, core.IsInvalidInput(err), "%v", err)
}
