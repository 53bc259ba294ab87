package runtime

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/governance"
	"github.com/aschepis/backscratcher/cortex/graphsync"
	"github.com/rs/zerolog"
)

// GraphDrainJob drains the outbox into the graph store.
func GraphDrainJob(schedule string, w *graphsync.Worker) Job {
	return Job{
		Name:     "graph_drain",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := w.DrainOnce(ctx)
			return err
		},
	}
}

// OutboxRetentionJob deletes synced outbox rows older than retain.
func OutboxRetentionJob(schedule string, o *graphsync.Outbox, retain time.Duration, logger zerolog.Logger) Job {
	return Job{
		Name:     "outbox_retention",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := o.PurgeSynced(ctx, core.NowMillis()-retain.Milliseconds())
			if n > 0 {
				logger.Info().Int("deleted", n).Msg("Purged synced outbox items")
			}
			return err
		},
	}
}

// GovernanceJob enforces every stored retention policy.
func GovernanceJob(schedule string, e *governance.Engine, logger zerolog.Logger) Job {
	return Job{
		Name:     "governance",
		Schedule: schedule,
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			runs, err := e.Enforce(ctx)
			logger.Info().Int("policies", len(runs)).Msg("Enforced retention policies")
			return err
		},
	}
}
