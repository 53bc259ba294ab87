package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/aschepis/backscratcher/cortex/config"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/governance"
	"github.com/aschepis/backscratcher/cortex/graphsync"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// openGraphSink connects the configured graph store. The returned func closes it.
func openGraphSink(ctx context.Context, cfg *config.ServerConfig) (graphsync.Sink, func(), error) {
	switch cfg.GraphSync.Sink {
	case "postgres":
		g, err := graphsync.OpenPostgres(ctx, cfg.GraphSync.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	default:
		opts, err := redis.ParseURL(cfg.GraphSync.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse graph_sync.redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis graph: %w", err)
		}
		return graphsync.NewRedisGraph(client, ""), func() { _ = client.Close() }, nil
	}
}

func workerConfig(cfg *config.ServerConfig) graphsync.WorkerConfig {
	wc := graphsync.DefaultWorkerConfig()
	if cfg.GraphSync.BatchSize > 0 {
		wc.BatchSize = cfg.GraphSync.BatchSize
	}
	if cfg.GraphSync.MaxAttempts > 0 {
		wc.MaxAttempts = cfg.GraphSync.MaxAttempts
	}
	if cfg.GraphSync.PushRate > 0 {
		wc.PushRate = rate.Limit(cfg.GraphSync.PushRate)
	}
	return wc
}

// newGovernanceEngine registers the retention surface of every layer.
func newGovernanceEngine(db *sql.DB, stores cortex.Stores, m *metrics.Metrics, logger zerolog.Logger) *governance.Engine {
	return governance.NewEngine(db, map[governance.Layer]governance.LayerStore{
		governance.LayerSpaces:        {Purger: governance.PurgeFunc(stores.Spaces.PurgeArchived)},
		governance.LayerConversations: {Purger: stores.Conversations},
		governance.LayerImmutable:     {Pruner: stores.Records, Purger: stores.Records},
		governance.LayerMutable:       {Purger: stores.KV},
		governance.LayerMemories:      {Pruner: stores.Memories, Purger: stores.Memories},
		governance.LayerFacts:         {Pruner: stores.Facts, Purger: stores.Facts},
		governance.LayerContexts:      {Pruner: stores.Contexts, Purger: stores.Contexts},
	}, m, logger)
}

// startRelay fans local events out through Redis and replays other instances' events
// on bus. The returned func detaches the relay.
func startRelay(ctx context.Context, cfg *config.ServerConfig, bus *events.Bus, logger zerolog.Logger) (func(), error) {
	opts, err := redis.ParseURL(cfg.Events.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse events.redis_url: %w", err)
	}
	instanceID := cfg.Events.InstanceID
	if instanceID == "" {
		if instanceID, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("resolve instance id: %w", err)
		}
	}
	client := redis.NewClient(opts)
	relay := events.NewRedisRelay(client, instanceID, logger)
	ready, err := relay.Listen(ctx, bus)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	<-ready
	detach := bus.Subscribe("redis_relay", relay.Handler())
	logger.Info().Str("instance_id", instanceID).Msg("Event relay started")
	return func() {
		detach()
		_ = client.Close()
	}, nil
}
