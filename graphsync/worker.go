package graphsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink is an external graph store. Both calls must be idempotent per (table, entityID)
// since delivery is at least once.
type Sink interface {
	Upsert(ctx context.Context, item Item) error
	Delete(ctx context.Context, item Item) error
}

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	BatchSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PushRate        rate.Limit
	PushBurst       int
}

// DefaultWorkerConfig returns the drain defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:       50,
		MaxAttempts:     8,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Minute,
		PushRate:        50,
		PushBurst:       10,
	}
}

// DrainStats summarizes one drain.
type DrainStats struct {
	Pushed     int `json:"pushed"`
	Failed     int `json:"failed"`
	Parked     int `json:"parked"`
	Superseded int `json:"superseded"`
}

// Worker delivers outbox items to a sink.
type Worker struct {
	outbox  *Outbox
	sink    Sink
	limiter *rate.Limiter
	cfg     WorkerConfig
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewWorker creates a worker. m may be nil.
func NewWorker(outbox *Outbox, sink Sink, cfg WorkerConfig, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultWorkerConfig().MaxAttempts
	}
	limit := cfg.PushRate
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Worker{
		outbox:  outbox,
		sink:    sink,
		limiter: rate.NewLimiter(limit, max(cfg.PushBurst, 1)),
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		logger:  logger.With().Str("component", "graph_sync_worker").Logger(),
	}
}

// DrainOnce delivers every item that is due, one batch at a time, and returns when
// nothing due remains. Cancellation is honoured between batches only, so a batch
// always runs to completion.
func (w *Worker) DrainOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	attempted := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := w.outbox.due(ctx, w.now().UnixMilli(), w.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		progressed := false
		for _, it := range batch {
			key := it.Table + "/" + it.EntityID + "#" + fmt.Sprint(it.Revision)
			if attempted[key] {
				continue
			}
			attempted[key] = true
			progressed = true
			w.deliver(context.WithoutCancel(ctx), it, &stats)
		}
		if !progressed {
			break
		}
	}
	w.reportDepth(ctx)
	if stats.Pushed+stats.Failed > 0 {
		w.logger.Info().
			Int("pushed", stats.Pushed).
			Int("failed", stats.Failed).
			Int("parked", stats.Parked).
			Msg("Graph sync drain finished")
	}
	return stats, nil
}

func (w *Worker) deliver(ctx context.Context, it Item, stats *DrainStats) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	var err error
	if it.Operation == events.OpDelete {
		err = w.sink.Delete(ctx, it)
	} else {
		err = w.sink.Upsert(ctx, it)
	}
	if err == nil {
		ok, markErr := w.outbox.markSynced(ctx, it)
		switch {
		case markErr != nil:
			w.logger.Error().Err(markErr).Str("entity_id", it.EntityID).Msg("Failed to mark item synced")
		case !ok:
			stats.Superseded++
		default:
			stats.Pushed++
			w.metrics.OutboxPushed()
		}
		return
	}

	attempts := it.FailedAttempts + 1
	park := attempts >= w.cfg.MaxAttempts || errors.Is(err, errPermanent)
	next := w.now().Add(w.retryDelay(attempts)).UnixMilli()
	w.logger.Warn().
		Err(err).
		Str("table", it.Table).
		Str("entity_id", it.EntityID).
		Int("attempts", attempts).
		Bool("parked", park).
		Msg("Graph sync delivery failed")
	if markErr := w.outbox.markFailed(ctx, it, err, next, park); markErr != nil {
		w.logger.Error().Err(markErr).Str("entity_id", it.EntityID).Msg("Failed to record delivery failure")
		return
	}
	stats.Failed++
	if park {
		stats.Parked++
	}
	w.metrics.OutboxFailed(park)
}

// retryDelay is the exponential backoff delay before attempt number attempts+1.
func (w *Worker) retryDelay(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialInterval
	eb.MaxInterval = w.cfg.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	d := eb.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = eb.NextBackOff()
	}
	return d
}

func (w *Worker) reportDepth(ctx context.Context) {
	pending, parked, err := w.outbox.Depth(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read outbox depth")
		return
	}
	w.metrics.OutboxDepth(pending, parked)
}

// errPermanent marks sink failures that retrying cannot fix.
var errPermanent = errors.New("permanent graph sync failure")

// Permanent wraps err so the worker parks the item without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", errPermanent, err)
}

// unavailable wraps a sink transport failure in the shared error taxonomy.
func unavailable(sink string, err error) error {
	return core.UpstreamUnavailable(sink, err)
}
