// Package records implements the tenant-wide storage layers: the versioned ("immutable")
// record store, which keeps every previous value, and the mutable key/value store, which
// keeps none.
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

const versionedEntity = "immutable_record"

// Version is one retained previous value of a record.
type Version struct {
	Version    int             `json:"version"`
	Data       json.RawMessage `json:"data"`
	Metadata   core.Payload    `json:"metadata"`
	RecordedAt int64           `json:"timestamp"`
}

// Record is a versioned record with its retained history, oldest first.
type Record struct {
	TenantID         string          `json:"tenantId,omitempty"`
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	Data             json.RawMessage `json:"data"`
	Metadata         core.Payload    `json:"metadata"`
	Version          int             `json:"version"`
	PreviousVersions []Version       `json:"previousVersions"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
}

var recordColumns = []string{"tenant_id", "type", "id", "data", "metadata", "version", "created_at", "updated_at"}

// VersionedStore persists versioned records.
type VersionedStore struct {
	db     *sql.DB
	bus    events.Publisher
	logger zerolog.Logger
}

// NewVersionedStore creates a versioned record store.
func NewVersionedStore(db *sql.DB, bus events.Publisher, logger zerolog.Logger) *VersionedStore {
	if bus == nil {
		bus = events.Nop{}
	}
	return &VersionedStore{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "versioned_store").Logger(),
	}
}

// Put inserts the record at version 1, or archives the current value and bumps the
// version. When expectedVersion is non-zero it must match the stored version.
func (s *VersionedStore) Put(ctx context.Context, tenant core.TenantID, typ, id string, data json.RawMessage, metadata core.Payload, expectedVersion int) (Record, error) {
	s.logger.Debug().
		Str("method", "Put").
		Str("tenant_id", string(tenant)).
		Str("type", typ).
		Str("id", id).
		Int("expected_version", expectedVersion).
		Msg("called")
	if strings.TrimSpace(typ) == "" || strings.TrimSpace(id) == "" {
		return Record{}, core.InvalidInput("record type and id are required")
	}
	if !json.Valid(data) {
		return Record{}, core.InvalidInput("record data is not valid JSON")
	}
	meta, err := core.EncodePayload(metadata)
	if err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := core.NowMillis()
	current, err := s.getCurrent(ctx, tx, tenant, typ, id)
	var rec Record
	switch {
	case core.IsNotFound(err):
		if expectedVersion > 1 {
			return Record{}, core.Conflict(versionedEntity, id, expectedVersion, 0)
		}
		rec = Record{TenantID: string(tenant), Type: typ, ID: id, Data: data, Metadata: metadata, Version: 1, CreatedAt: now, UpdatedAt: now}
		query, args, err := sq.Insert("immutable_records").Columns(recordColumns...).
			Values(rec.TenantID, typ, id, string(data), meta, 1, now, now).ToSql()
		if err != nil {
			return Record{}, fmt.Errorf("build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			s.logger.Error().Err(err).Str("method", "Put").Msg("Failed to insert record")
			return Record{}, fmt.Errorf("insert record: %w", err)
		}
	case err != nil:
		return Record{}, err
	default:
		if expectedVersion != 0 && expectedVersion != current.Version {
			return Record{}, core.Conflict(versionedEntity, id, expectedVersion, current.Version)
		}
		prevMeta, err := core.EncodePayload(current.Metadata)
		if err != nil {
			return Record{}, err
		}
		query, args, err := sq.Insert("immutable_record_versions").
			Columns("tenant_id", "type", "id", "version", "data", "metadata", "recorded_at").
			Values(current.TenantID, typ, id, current.Version, string(current.Data), prevMeta, current.UpdatedAt).
			ToSql()
		if err != nil {
			return Record{}, fmt.Errorf("build version insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return Record{}, fmt.Errorf("archive previous version: %w", err)
		}

		query, args, err = sq.Update("immutable_records").
			Set("data", string(data)).
			Set("metadata", meta).
			Set("version", current.Version+1).
			Set("updated_at", now).
			Where(sq.Eq{"tenant_id": string(tenant), "type": typ, "id": id, "version": current.Version}).
			ToSql()
		if err != nil {
			return Record{}, fmt.Errorf("build update: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return Record{}, fmt.Errorf("update record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Record{}, core.ConcurrentUpdate(versionedEntity, id)
		}
		rec = current
		rec.Data = data
		rec.Metadata = metadata
		rec.Version = current.Version + 1
		rec.UpdatedAt = now
	}

	rec.PreviousVersions, err = s.versions(ctx, tx, tenant, typ, id)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}

	op := events.OpUpdate
	if rec.Version == 1 {
		op = events.OpInsert
	}
	s.publish(ctx, tenant, rec.Type+":"+rec.ID, op, rec)
	return rec, nil
}

// Get returns the record with its previous versions.
func (s *VersionedStore) Get(ctx context.Context, tenant core.TenantID, typ, id string) (Record, error) {
	rec, err := s.getCurrent(ctx, s.db, tenant, typ, id)
	if err != nil {
		return Record{}, err
	}
	rec.PreviousVersions, err = s.versions(ctx, s.db, tenant, typ, id)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetVersion returns the record as it was at version. The current version is returned
// from the live row; older ones by scanning the retained history.
func (s *VersionedStore) GetVersion(ctx context.Context, tenant core.TenantID, typ, id string, version int) (Version, error) {
	rec, err := s.Get(ctx, tenant, typ, id)
	if err != nil {
		return Version{}, err
	}
	if version == rec.Version {
		return Version{Version: rec.Version, Data: rec.Data, Metadata: rec.Metadata, RecordedAt: rec.UpdatedAt}, nil
	}
	for _, v := range rec.PreviousVersions {
		if v.Version == version {
			return v, nil
		}
	}
	return Version{}, core.NotFound(versionedEntity+"_version", fmt.Sprintf("%s/%s@%d", typ, id, version))
}

// History returns every retained version including the current one, oldest first.
func (s *VersionedStore) History(ctx context.Context, tenant core.TenantID, typ, id string) ([]Version, error) {
	rec, err := s.Get(ctx, tenant, typ, id)
	if err != nil {
		return nil, err
	}
	return append(rec.PreviousVersions, Version{
		Version: rec.Version, Data: rec.Data, Metadata: rec.Metadata, RecordedAt: rec.UpdatedAt,
	}), nil
}

// List returns the current records of typ, newest first.
func (s *VersionedStore) List(ctx context.Context, tenant core.TenantID, typ string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select(recordColumns...).From("immutable_records").
		Where(sq.Eq{"tenant_id": string(tenant), "type": typ}).
		OrderBy("updated_at DESC").
		Limit(uint64(limit)). //nolint:gosec // limit is positive
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the record and its history.
func (s *VersionedStore) Delete(ctx context.Context, tenant core.TenantID, typ, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := sq.Eq{"tenant_id": string(tenant), "type": typ, "id": id}
	query, args, err := sq.Delete("immutable_records").Where(key).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound(versionedEntity, typ+"/"+id)
	}
	query, args, err = sq.Delete("immutable_record_versions").Where(key).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete record versions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.publish(ctx, tenant, typ+":"+id, events.OpDelete, nil)
	return nil
}

// PruneVersions trims retained history to limit. Current data is never touched.
func (s *VersionedStore) PruneVersions(ctx context.Context, target core.RetentionTarget, limit core.VersionLimit) (core.SweepResult, error) {
	return sqlutil.PruneVersions(ctx, s.db, sqlutil.VersionTable{
		Versions:   "immutable_record_versions",
		Parent:     "immutable_records",
		Keys:       []string{"tenant_id", "type", "id"},
		SizeColumn: "data",
		TenantOnly: true,
	}, target, limit, core.NowMillis())
}

// PurgeExpired deletes records not updated since cutoff.
func (s *VersionedStore) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	var res core.SweepResult
	query, args, err := sq.Select("type", "id", "LENGTH(data)").From("immutable_records").
		Where(sq.Eq{"tenant_id": string(target.Tenant)}).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return res, fmt.Errorf("build select: %w", err)
	}
	type key struct{ typ, id string }
	var keys []key
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("select expired records: %w", err)
	}
	for rows.Next() {
		var k key
		var size int64
		if err := rows.Scan(&k.typ, &k.id, &size); err != nil {
			_ = rows.Close() //nolint:errcheck // already failing
			return res, err
		}
		res.BytesFreed += size
		keys = append(keys, k)
	}
	_ = rows.Close() //nolint:errcheck // no remedy for rows close error
	if err := rows.Err(); err != nil {
		return res, err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, target.Tenant, k.typ, k.id); err != nil && !core.IsNotFound(err) {
			return res, err
		}
		res.RecordsPurged++
	}
	return res, nil
}

func (s *VersionedStore) publish(ctx context.Context, tenant core.TenantID, entityID string, op events.Operation, entity any) {
	s.bus.Publish(ctx, events.Event{
		Table:     events.TableImmutableRecords,
		EntityID:  entityID,
		Operation: op,
		Tenant:    string(tenant),
		Entity:    entity,
	})
}

func (s *VersionedStore) getCurrent(ctx context.Context, q sqlutil.Querier, tenant core.TenantID, typ, id string) (Record, error) {
	query, args, err := sq.Select(recordColumns...).From("immutable_records").
		Where(sq.Eq{"tenant_id": string(tenant), "type": typ, "id": id}).ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("build select: %w", err)
	}
	rec, err := scanRecord(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, core.NotFound(versionedEntity, typ+"/"+id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

func (s *VersionedStore) versions(ctx context.Context, q sqlutil.Querier, tenant core.TenantID, typ, id string) ([]Version, error) {
	query, args, err := sq.Select("version", "data", "metadata", "recorded_at").From("immutable_record_versions").
		Where(sq.Eq{"tenant_id": string(tenant), "type": typ, "id": id}).
		OrderBy("version ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Version{}
	for rows.Next() {
		var (
			v    Version
			data string
			meta *string
		)
		if err := rows.Scan(&v.Version, &data, &meta, &v.RecordedAt); err != nil {
			return nil, err
		}
		v.Data = json.RawMessage(data)
		if v.Metadata, err = core.DecodePayload(meta); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanRecord(row sqlutil.Scanner) (Record, error) {
	var (
		rec  Record
		data string
		meta *string
	)
	if err := row.Scan(&rec.TenantID, &rec.Type, &rec.ID, &data, &meta, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Data = json.RawMessage(data)
	p, err := core.DecodePayload(meta)
	if err != nil {
		return Record{}, err
	}
	rec.Metadata = p
	return rec, nil
}
