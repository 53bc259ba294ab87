package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrderAndSurvivesPanics(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var got []string
	bus.Subscribe("first", func(_ context.Context, ev Event) { got = append(got, "first:"+ev.EntityID) })
	bus.Subscribe("panicky", func(context.Context, Event) { panic("boom") })
	unsub := bus.Subscribe("last", func(_ context.Context, ev Event) { got = append(got, "last:"+ev.EntityID) })

	Emit(context.Background(), bus, core.MustScope("", "s1"), TableFacts, "f1", OpInsert, nil)
	unsub()
	Emit(context.Background(), bus, core.MustScope("", "s1"), TableFacts, "f2", OpInsert, nil)

	assert.Equal(t, []string{"first:f1", "last:f1", "first:f2"}, got)
}

func TestRedisRelayRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer clientA.Close() //nolint:errcheck // Test cleanup
	defer clientB.Close() //nolint:errcheck // Test cleanup

	instanceA := NewRedisRelay(clientA, "a", zerolog.Nop())
	instanceB := NewRedisRelay(clientB, "b", zerolog.Nop())

	var mu sync.Mutex
	var received []Event
	localB := NewBus(zerolog.Nop())
	localB.Subscribe("collector", func(_ context.Context, ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})

	ready, err := instanceB.Listen(ctx, localB)
	require.NoError(t, err)
	<-ready

	localA := NewBus(zerolog.Nop())
	localA.Subscribe("redis", instanceA.Handler())
	Emit(ctx, localA, core.MustScope("acme", "s1"), TableFacts, "f1", OpUpdate, map[string]any{"fact": "x"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "f1", received[0].EntityID)
	assert.Equal(t, "a", received[0].Origin)
	assert.True(t, received[0].Remote())
	assert.Equal(t, "acme", received[0].Tenant)
}
