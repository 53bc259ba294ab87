package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/cortex/config"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/aschepis/backscratcher/cortex/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDaemon serves a fresh Cortex over a Unix socket in a temp dir.
func startDaemon(t *testing.T) string {
	t.Helper()
	db, err := migrations.Open(migrations.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(zerolog.Nop())
	svc := cortex.New(cortex.OpenStores(db, bus, nil, zerolog.Nop()), bus, cortex.Config{Tenant: "acme"}, zerolog.Nop())
	t.Cleanup(svc.Close)

	socket := filepath.Join(t.TempDir(), "cortexd.sock")
	srv := server.New(server.Config{Logger: zerolog.Nop()}, svc)
	go func() { _ = srv.ServeUnix(socket) }()
	t.Cleanup(srv.Stop)

	require.Eventually(t, func() bool {
		c, err := Connect(socket)
		if err != nil {
			return false
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = c.Cortex.Status(ctx)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	return socket
}

func TestSessionOverUnixSocket(t *testing.T) {
	socket := startDaemon(t)

	c, err := ConnectWithConfig(&config.ClientConfig{Daemon: config.DaemonConfig{Socket: socket}, Timeout: 5})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 5*time.Second, c.timeout)

	ctx := context.Background()
	s := c.ForUser("alice")

	remembered, err := s.Remember(ctx, cortex.RememberInput{UserQuery: "I want a place in Coogee", MemorySpaceID: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "user-alice", remembered.MemorySpaceID)

	pref, err := s.StorePreference(ctx, cortex.PreferenceInput{Category: "suburb", Preference: "Coogee"})
	require.NoError(t, err)

	history, err := s.FactHistory(ctx, pref.Change.FactID)
	require.NoError(t, err)
	require.Len(t, history.Events, 1)
	assert.Equal(t, facts.ActionCreate, history.Events[0].Action)

	recalled := s.Recall(ctx, "Coogee", 5)
	assert.Equal(t, "user-alice", recalled.MemorySpaceID)
	assert.Len(t, recalled.SuburbPreferences, 1)
}

func TestRecallDegradesWhenDaemonIsDown(t *testing.T) {
	c, err := Connect(filepath.Join(t.TempDir(), "missing.sock"))
	require.NoError(t, err, "connections are lazy")
	defer c.Close()
	c.timeout = 200 * time.Millisecond

	res := c.InSpace("alice", "team-sydney").Recall(context.Background(), "anything", 0)
	assert.True(t, res.Degraded)
	assert.Equal(t, "team-sydney", res.MemorySpaceID)
	assert.Empty(t, res.Memories)
}

func TestContextKeepsCallerDeadline(t *testing.T) {
	c := &Client{timeout: time.Hour}
	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ctx, done := c.Context(parent)
	defer done()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
}
