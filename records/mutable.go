package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
	"github.com/rs/zerolog"
)

const mutableEntity = "mutable_record"

// Entry is a live key/value pair.
type Entry struct {
	TenantID  string          `json:"tenantId,omitempty"`
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

var entryColumns = []string{"tenant_id", "namespace", "key", "value", "created_at", "updated_at"}

// MutableStore is a last-writer-wins namespaced key/value store with no history.
type MutableStore struct {
	db     *sql.DB
	bus    events.Publisher
	logger zerolog.Logger
}

// NewMutableStore creates a mutable store.
func NewMutableStore(db *sql.DB, bus events.Publisher, logger zerolog.Logger) *MutableStore {
	if bus == nil {
		bus = events.Nop{}
	}
	return &MutableStore{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "mutable_store").Logger(),
	}
}

// Set overwrites the value at (namespace, key).
func (s *MutableStore) Set(ctx context.Context, tenant core.TenantID, namespace, key string, value json.RawMessage) (Entry, error) {
	s.logger.Debug().
		Str("method", "Set").
		Str("namespace", namespace).
		Str("key", key).
		Msg("called")
	return s.set(ctx, s.db, tenant, namespace, key, value)
}

// Update atomically replaces the value with fn(current). exists is false when the key
// is absent; current is nil in that case.
func (s *MutableStore) Update(ctx context.Context, tenant core.TenantID, namespace, key string, fn func(current json.RawMessage, exists bool) (json.RawMessage, error)) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current json.RawMessage
	existing, err := s.get(ctx, tx, tenant, namespace, key)
	switch {
	case err == nil:
		current = existing.Value
	case !core.IsNotFound(err):
		return Entry{}, err
	}
	next, err := fn(current, err == nil)
	if err != nil {
		return Entry{}, err
	}
	entry, err := s.set(ctx, tx, tenant, namespace, key, next)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (s *MutableStore) set(ctx context.Context, q sqlutil.Querier, tenant core.TenantID, namespace, key string, value json.RawMessage) (Entry, error) {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(key) == "" {
		return Entry{}, core.InvalidInput("namespace and key are required")
	}
	if !json.Valid(value) {
		return Entry{}, core.InvalidInput("value is not valid JSON")
	}
	now := core.NowMillis()
	query, args, err := sq.Insert("mutable_records").
		Columns(entryColumns...).
		Values(string(tenant), namespace, key, string(value), now, now).
		Suffix("ON CONFLICT(tenant_id, namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build upsert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "Set").Msg("Failed to upsert entry")
		return Entry{}, fmt.Errorf("upsert entry: %w", err)
	}
	entry, err := s.get(ctx, q, tenant, namespace, key)
	if err != nil {
		return Entry{}, err
	}
	s.publish(ctx, tenant, namespace, key, events.OpUpdate, entry)
	return entry, nil
}

// Get returns the current value or NotFound.
func (s *MutableStore) Get(ctx context.Context, tenant core.TenantID, namespace, key string) (Entry, error) {
	return s.get(ctx, s.db, tenant, namespace, key)
}

// Delete removes the key. Deleting an absent key is NotFound.
func (s *MutableStore) Delete(ctx context.Context, tenant core.TenantID, namespace, key string) error {
	query, args, err := sq.Delete("mutable_records").
		Where(sq.Eq{"tenant_id": string(tenant), "namespace": namespace, "key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound(mutableEntity, namespace+"/"+key)
	}
	s.publish(ctx, tenant, namespace, key, events.OpDelete, nil)
	return nil
}

// List returns entries in namespace whose key starts with prefix, ordered by key.
func (s *MutableStore) List(ctx context.Context, tenant core.TenantID, namespace, prefix string) ([]Entry, error) {
	b := sq.Select(entryColumns...).From("mutable_records").
		Where(sq.Eq{"tenant_id": string(tenant), "namespace": namespace}).
		OrderBy("key ASC")
	if prefix != "" {
		b = b.Where("substr(key, 1, ?) = ?", len(prefix), prefix)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExpired deletes entries not updated since cutoff.
func (s *MutableStore) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	var res core.SweepResult
	where := sq.And{sq.Eq{"tenant_id": string(target.Tenant)}, sq.Lt{"updated_at": cutoff}}
	query, args, err := sq.Select("COUNT(*)", "COALESCE(SUM(LENGTH(value)), 0)").From("mutable_records").Where(where).ToSql()
	if err != nil {
		return res, fmt.Errorf("build count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&res.RecordsPurged, &res.BytesFreed); err != nil {
		return res, fmt.Errorf("count expired entries: %w", err)
	}
	if res.RecordsPurged == 0 {
		return res, nil
	}
	query, args, err = sq.Delete("mutable_records").Where(where).ToSql()
	if err != nil {
		return res, fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return res, fmt.Errorf("purge entries: %w", err)
	}
	return res, nil
}

func (s *MutableStore) publish(ctx context.Context, tenant core.TenantID, namespace, key string, op events.Operation, entity any) {
	s.bus.Publish(ctx, events.Event{
		Table:     events.TableMutableRecords,
		EntityID:  namespace + ":" + key,
		Operation: op,
		Tenant:    string(tenant),
		Entity:    entity,
	})
}

func (s *MutableStore) get(ctx context.Context, q sqlutil.Querier, tenant core.TenantID, namespace, key string) (Entry, error) {
	query, args, err := sq.Select(entryColumns...).From("mutable_records").
		Where(sq.Eq{"tenant_id": string(tenant), "namespace": namespace, "key": key}).ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build select: %w", err)
	}
	e, err := scanEntry(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, core.NotFound(mutableEntity, namespace+"/"+key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load entry: %w", err)
	}
	return e, nil
}

func scanEntry(row sqlutil.Scanner) (Entry, error) {
	var (
		e     Entry
		value string
	)
	if err := row.Scan(&e.TenantID, &e.Namespace, &e.Key, &value, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Value = json.RawMessage(value)
	return e, nil
}
