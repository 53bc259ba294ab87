// Package graphsync projects Cortex mutations into an external graph store through a
// durable outbox. Enqueueing coalesces per (table, entity id), and a background worker
// drains the queue with backoff, parking items that keep failing.
package graphsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
	"github.com/rs/zerolog"
)

// Item is one queued projection, keyed by (Table, EntityID).
type Item struct {
	Table          string           `json:"table"`
	EntityID       string           `json:"entityId"`
	TenantID       string           `json:"tenantId,omitempty"`
	MemorySpaceID  string           `json:"memorySpaceId,omitempty"`
	Operation      events.Operation `json:"operation"`
	Entity         json.RawMessage  `json:"entity,omitempty"`
	Priority       int              `json:"priority"`
	Synced         bool             `json:"synced"`
	Parked         bool             `json:"parked"`
	FailedAttempts int              `json:"failedAttempts"`
	LastError      string           `json:"lastError,omitempty"`
	Revision       int              `json:"revision"`
	NextAttemptAt  int64            `json:"nextAttemptAt"`
	CreatedAt      int64            `json:"createdAt"`
	UpdatedAt      int64            `json:"updatedAt"`
	SyncedAt       int64            `json:"syncedAt,omitempty"`
}

// DefaultPriorities ranks synced tables; higher drains first.
var DefaultPriorities = map[string]int{
	events.TableFacts:            10,
	events.TableContexts:         8,
	events.TableMemorySpaces:     6,
	events.TableConversations:    4,
	events.TableMemories:         2,
	events.TableImmutableRecords: 1,
}

var itemColumns = []string{
	"table_name", "entity_id", "tenant_id", "memory_space_id", "operation", "entity", "priority",
	"synced", "parked", "failed_attempts", "last_error", "revision", "next_attempt_at",
	"created_at", "updated_at", "synced_at",
}

// Outbox is the durable graph sync queue.
type Outbox struct {
	db         *sql.DB
	priorities map[string]int
	logger     zerolog.Logger
}

// NewOutbox creates an outbox. priorities may be nil to use DefaultPriorities; tables
// missing from the map are not synced.
func NewOutbox(db *sql.DB, priorities map[string]int, logger zerolog.Logger) *Outbox {
	if priorities == nil {
		priorities = DefaultPriorities
	}
	return &Outbox{
		db:         db,
		priorities: priorities,
		logger:     logger.With().Str("component", "graph_sync_outbox").Logger(),
	}
}

// Handler subscribes the outbox to the event bus. Events relayed from other instances
// are skipped since their origin already enqueued them.
func (o *Outbox) Handler() events.Handler {
	return func(ctx context.Context, ev events.Event) {
		if ev.Remote() {
			return
		}
		if _, synced := o.priorities[ev.Table]; !synced {
			return
		}
		if err := o.Enqueue(ctx, ev); err != nil {
			o.logger.Error().
				Err(err).
				Str("table", ev.Table).
				Str("entity_id", ev.EntityID).
				Msg("Failed to enqueue graph sync item")
		}
	}
}

// Enqueue records ev for projection. A pending item for the same entity is replaced by
// the new snapshot and operation, its retry state cleared and its revision bumped.
func (o *Outbox) Enqueue(ctx context.Context, ev events.Event) error {
	o.logger.Debug().
		Str("method", "Enqueue").
		Str("table", ev.Table).
		Str("entity_id", ev.EntityID).
		Str("operation", string(ev.Operation)).
		Msg("called")
	if ev.Table == "" || ev.EntityID == "" {
		return core.InvalidInput("graph sync item needs a table and an entity id")
	}
	var entity any
	if ev.Operation != events.OpDelete && ev.Entity != nil {
		b, err := json.Marshal(ev.Entity)
		if err != nil {
			return fmt.Errorf("marshal entity snapshot: %w", err)
		}
		entity = string(b)
	}
	priority := ev.Priority
	if priority == 0 {
		priority = o.priorities[ev.Table]
	}
	now := core.NowMillis()
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO graph_sync_queue (
			table_name, entity_id, tenant_id, memory_space_id, operation, entity, priority,
			synced, parked, failed_attempts, revision, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 1, 0, ?, ?)
		ON CONFLICT(table_name, entity_id) DO UPDATE SET
			operation       = excluded.operation,
			entity          = excluded.entity,
			tenant_id       = excluded.tenant_id,
			memory_space_id = excluded.memory_space_id,
			priority        = MAX(graph_sync_queue.priority, excluded.priority),
			created_at      = CASE WHEN graph_sync_queue.synced = 1 THEN excluded.created_at ELSE graph_sync_queue.created_at END,
			synced          = 0,
			parked          = 0,
			failed_attempts = 0,
			last_error      = NULL,
			next_attempt_at = 0,
			synced_at       = NULL,
			revision        = graph_sync_queue.revision + 1,
			updated_at      = excluded.updated_at`,
		ev.Table, ev.EntityID, ev.Tenant, ev.Space, string(ev.Operation), entity, priority, now, now)
	if err != nil {
		o.logger.Error().Err(err).Str("method", "Enqueue").Msg("Failed to upsert outbox item")
		return fmt.Errorf("enqueue graph sync item: %w", err)
	}
	return nil
}

// Get returns the queued item for an entity.
func (o *Outbox) Get(ctx context.Context, table, entityID string) (Item, error) {
	query, args, err := sq.Select(itemColumns...).From("graph_sync_queue").
		Where(sq.Eq{"table_name": table, "entity_id": entityID}).ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("build query: %w", err)
	}
	it, err := scanItem(o.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, core.NotFound("graph_sync_item", table+"/"+entityID)
	}
	if err != nil {
		return Item{}, fmt.Errorf("load graph sync item: %w", err)
	}
	return it, nil
}

// Pending lists unsynced, unparked items in drain order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Item, error) {
	return o.list(ctx, sq.Eq{"synced": 0, "parked": 0}, limit)
}

// Parked lists items frozen after exhausting their attempts.
func (o *Outbox) Parked(ctx context.Context, limit int) ([]Item, error) {
	return o.list(ctx, sq.Eq{"synced": 0, "parked": 1}, limit)
}

// Depth counts pending and parked items.
func (o *Outbox) Depth(ctx context.Context) (pending, parked int, err error) {
	err = o.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN parked = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN parked = 1 THEN 1 ELSE 0 END), 0)
		FROM graph_sync_queue WHERE synced = 0`).Scan(&pending, &parked)
	if err != nil {
		return 0, 0, fmt.Errorf("count outbox depth: %w", err)
	}
	return pending, parked, nil
}

// Requeue unparks an item and makes it due immediately.
func (o *Outbox) Requeue(ctx context.Context, table, entityID string) error {
	o.logger.Info().Str("table", table).Str("entity_id", entityID).Msg("Requeueing graph sync item")
	res, err := o.db.ExecContext(ctx, `
		UPDATE graph_sync_queue
		SET parked = 0, failed_attempts = 0, next_attempt_at = 0, updated_at = ?
		WHERE table_name = ? AND entity_id = ? AND synced = 0`,
		core.NowMillis(), table, entityID)
	if err != nil {
		return fmt.Errorf("requeue graph sync item: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return core.NotFound("graph_sync_item", table+"/"+entityID)
	}
	return nil
}

// PurgeSynced removes delivered items last touched before cutoff.
func (o *Outbox) PurgeSynced(ctx context.Context, cutoff int64) (int, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM graph_sync_queue WHERE synced = 1 AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge synced items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// due returns up to limit items ready for an attempt at now.
func (o *Outbox) due(ctx context.Context, now int64, limit int) ([]Item, error) {
	return o.list(ctx, sq.And{
		sq.Eq{"synced": 0, "parked": 0},
		sq.LtOrEq{"next_attempt_at": now},
	}, limit)
}

// markSynced records a delivery. It is a no-op when a newer mutation replaced the item
// while it was in flight, which leaves the newer snapshot pending.
func (o *Outbox) markSynced(ctx context.Context, it Item) (bool, error) {
	now := core.NowMillis()
	res, err := o.db.ExecContext(ctx, `
		UPDATE graph_sync_queue
		SET synced = 1, synced_at = ?, last_error = NULL, updated_at = ?
		WHERE table_name = ? AND entity_id = ? AND revision = ?`,
		now, now, it.Table, it.EntityID, it.Revision)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// markFailed records a failed attempt and schedules the next one, or parks the item.
func (o *Outbox) markFailed(ctx context.Context, it Item, cause error, nextAttemptAt int64, park bool) error {
	parked := 0
	if park {
		parked = 1
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE graph_sync_queue
		SET failed_attempts = failed_attempts + 1, last_error = ?, next_attempt_at = ?, parked = ?, updated_at = ?
		WHERE table_name = ? AND entity_id = ? AND revision = ?`,
		cause.Error(), nextAttemptAt, parked, core.NowMillis(), it.Table, it.EntityID, it.Revision)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (o *Outbox) list(ctx context.Context, where sq.Sqlizer, limit int) ([]Item, error) {
	b := sq.Select(itemColumns...).From("graph_sync_queue").
		Where(where).
		OrderBy("priority DESC", "created_at ASC", "entity_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit)) //nolint:gosec // limit is positive
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(row sqlutil.Scanner) (Item, error) {
	var (
		it             Item
		op             string
		entity, errMsg *string
		synced, parked int
		syncedAt       sql.NullInt64
	)
	if err := row.Scan(&it.Table, &it.EntityID, &it.TenantID, &it.MemorySpaceID, &op, &entity, &it.Priority,
		&synced, &parked, &it.FailedAttempts, &errMsg, &it.Revision, &it.NextAttemptAt,
		&it.CreatedAt, &it.UpdatedAt, &syncedAt); err != nil {
		return Item{}, err
	}
	it.Operation = events.Operation(op)
	if entity != nil {
		it.Entity = json.RawMessage(*entity)
	}
	it.LastError = sqlutil.Deref(errMsg)
	it.Synced, it.Parked = synced != 0, parked != 0
	it.SyncedAt = syncedAt.Int64
	return it, nil
}
