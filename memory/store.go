// Package memory is the searchable memory index: short content entries with an optional
// embedding, keyword index and a single reference back to their source layer.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const entity = "memory"

// Store manages memory persistence and search.
type Store struct {
	db       *sql.DB
	embedder Embedder
	bus      events.Publisher
	logger   zerolog.Logger
}

// NewStore creates a Store. embedder may be nil, in which case memories are indexed
// for keyword search only.
func NewStore(db *sql.DB, embedder Embedder, bus events.Publisher, logger zerolog.Logger) *Store {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Store{
		db:       db,
		embedder: embedder,
		bus:      bus,
		logger:   logger.With().Str("component", "memory_store").Logger(),
	}
}

// EmbedText generates an embedding for text with the configured embedder.
func (s *Store) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, core.UpstreamUnavailable("embedder", errors.New("no embedder configured"))
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, core.UpstreamUnavailable("embedder", err)
	}
	return vec, nil
}

// embedOrNil embeds content, logging and saving without a vector when the embedder fails.
func (s *Store) embedOrNil(ctx context.Context, method, content string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.logger.Warn().
			Str("method", method).
			Err(err).
			Msg("Embedding failed. Saving anyway without embedding.")
		return nil
	}
	return vec
}

// Index stores a new memory. At most one source reference may be set.
func (s *Store) Index(ctx context.Context, scope core.Scope, in IndexInput) (Memory, error) {
	s.logger.Debug().
		Str("method", "Index").
		Str("scope", scope.String()).
		Str("content_type", string(in.ContentType)).
		Str("source_type", string(in.SourceType)).
		Str("content", truncateString(in.Content, 40)).
		Bool("partial", in.Partial).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return Memory{}, err
	}
	if n := in.Sources.count(); n > 1 {
		return Memory{}, core.InvariantViolation(entity, "", "a memory may reference at most one source, got %d", n)
	}
	if !in.Partial && strings.TrimSpace(in.Content) == "" {
		return Memory{}, core.InvalidInput("memory content is empty")
	}
	if in.ContentType == "" {
		in.ContentType = ContentRaw
	}
	if !validContentType(in.ContentType) {
		return Memory{}, core.InvalidInput("unknown content type %q", in.ContentType)
	}
	if in.SourceType == "" {
		in.SourceType = SourceSystem
	}
	if in.Importance == 0 {
		in.Importance = 50
	}
	if in.Importance < 0 || in.Importance > 100 {
		return Memory{}, core.InvalidInput("importance %d is outside 0..100", in.Importance)
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}

	embedding := in.Embedding
	if embedding == nil && !in.Partial {
		embedding = s.embedOrNil(ctx, "Index", in.Content)
	}

	now := core.NowMillis()
	m := Memory{
		MemoryID:      core.NewID("mem"),
		TenantID:      string(scope.Tenant),
		MemorySpaceID: string(scope.Space),
		UserID:        in.UserID,
		AgentID:       in.AgentID,
		Content:       in.Content,
		ContentType:   in.ContentType,
		Embedding:     embedding,
		SourceType:    in.SourceType,
		Sources:       in.Sources,
		Importance:    in.Importance,
		Tags:          in.Tags,
		Metadata:      in.Metadata,
		Version:       1,
		IsPartial:     in.Partial,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	values, err := memoryValues(m)
	if err != nil {
		return Memory{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error().Str("method", "Index").Err(err).Msg("Failed to begin transaction")
		return Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sq.Insert("memories").Columns(memoryColumns...).Values(values...).ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build insert query: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error().Str("method", "Index").Err(err).Msg("Failed to insert memory")
		return Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return Memory{}, fmt.Errorf("memory rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts (rowid, content) VALUES (?, ?)`, rowID, m.Content); err != nil {
		s.logger.Error().Str("method", "Index").Err(err).Msg("Failed to insert memories_fts row")
		return Memory{}, fmt.Errorf("insert fts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info().
		Str("method", "Index").
		Str("memory_id", m.MemoryID).
		Str("scope", scope.String()).
		Bool("embedded", len(embedding) > 0).
		Msg("Memory indexed")
	m.PreviousVersions = []Version{}
	events.Emit(ctx, s.bus, scope, events.TableMemories, m.MemoryID, events.OpInsert, m)
	return m, nil
}

// Get returns a memory with its retained previous versions.
func (s *Store) Get(ctx context.Context, scope core.Scope, memoryID string) (Memory, error) {
	m, err := s.load(ctx, s.db, scope, memoryID)
	if err != nil {
		return Memory{}, err
	}
	m.PreviousVersions, err = s.versions(ctx, s.db, memoryID)
	if err != nil {
		return Memory{}, err
	}
	return m, nil
}

// List returns completed memories in scope matching filters, newest first.
func (s *Store) List(ctx context.Context, scope core.Scope, filters Filters, limit int) ([]Memory, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query, args, err := sq.Select(memoryColumns...).From("memories").
		Where(buildFilterWhere("", scope, filters, false)).
		OrderBy("created_at DESC", "rowid DESC").
		Limit(uint64(limit)). //nolint:gosec // limit is positive
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.queryMemories(ctx, query, args...)
}

// ForFact returns the newest fact memory indexed for factID.
func (s *Store) ForFact(ctx context.Context, scope core.Scope, factID string) (Memory, error) {
	if err := scope.Validate(); err != nil {
		return Memory{}, err
	}
	query, args, err := sq.Select(memoryColumns...).From("memories").
		Where(buildFilterWhere("", scope, Filters{ContentTypes: []ContentType{ContentFact}}, false)).
		Where(sq.Expr("json_extract(facts_ref, '$.factId') = ?", factID)).
		OrderBy("created_at DESC", "rowid DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build query: %w", err)
	}
	found, err := s.queryMemories(ctx, query, args...)
	if err != nil {
		return Memory{}, err
	}
	if len(found) == 0 {
		return Memory{}, core.NotFound(entity, factID)
	}
	return found[0], nil
}

// Update replaces a memory's content, archiving the previous value. When
// expectedVersion is non-zero it must match the stored version.
func (s *Store) Update(ctx context.Context, scope core.Scope, memoryID, content string, expectedVersion int) (Memory, error) {
	return s.update(ctx, scope, memoryID, content, nil, expectedVersion)
}

// UpdateFact replaces a fact memory's content and points it at ref, the fact
// version the new content came from.
func (s *Store) UpdateFact(ctx context.Context, scope core.Scope, memoryID, content string, ref FactsRef, expectedVersion int) (Memory, error) {
	return s.update(ctx, scope, memoryID, content, &ref, expectedVersion)
}

func (s *Store) update(ctx context.Context, scope core.Scope, memoryID, content string, ref *FactsRef, expectedVersion int) (Memory, error) {
	s.logger.Debug().
		Str("method", "Update").
		Str("memory_id", memoryID).
		Int("expected_version", expectedVersion).
		Msg("called")
	if strings.TrimSpace(content) == "" {
		return Memory{}, core.InvalidInput("memory content is empty")
	}
	embedding := s.embedOrNil(ctx, "Update", content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.load(ctx, tx, scope, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return Memory{}, core.Conflict(entity, memoryID, expectedVersion, current.Version)
	}
	if current.IsPartial {
		return Memory{}, core.InvariantViolation(entity, memoryID, "memory is still streaming")
	}
	if ref != nil && current.FactsRef == nil {
		return Memory{}, core.InvariantViolation(entity, memoryID, "memory does not reference a fact")
	}

	query, args, err := sq.Insert("memory_versions").
		Columns("memory_id", "version", "content", "recorded_at").
		Values(memoryID, current.Version, current.Content, current.UpdatedAt).ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build version insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Memory{}, fmt.Errorf("archive previous version: %w", err)
	}

	now := core.NowMillis()
	stmt := sq.Update("memories").
		Set("content", content).
		Set("embedding", EncodeEmbedding(embedding)).
		Set("version", current.Version+1).
		Set("updated_at", now)
	if ref != nil {
		encoded, err := sqlutil.MarshalJSON(ref)
		if err != nil {
			return Memory{}, err
		}
		stmt = stmt.Set("facts_ref", encoded)
	}
	query, args, err = stmt.Where(sq.Eq{"memory_id": memoryID, "version": current.Version}).ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build update: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Memory{}, fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Memory{}, core.ConcurrentUpdate(entity, memoryID)
	}
	if err := updateFTS(ctx, tx, memoryID, content); err != nil {
		return Memory{}, err
	}
	updated := current
	updated.Content = content
	updated.Embedding = embedding
	updated.Version = current.Version + 1
	updated.UpdatedAt = now
	if ref != nil {
		updated.FactsRef = ref
	}
	updated.PreviousVersions, err = s.versions(ctx, tx, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, fmt.Errorf("commit: %w", err)
	}
	events.Emit(ctx, s.bus, scope, events.TableMemories, memoryID, events.OpUpdate, updated)
	return updated, nil
}

// Touch records a read of each memory: access count plus last-accessed time.
func (s *Store) Touch(ctx context.Context, scope core.Scope, memoryIDs ...string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(memoryIDs) == 0 {
		return nil
	}
	query, args, err := sq.Update("memories").
		Set("access_count", sq.Expr("access_count + 1")).
		Set("last_accessed", core.NowMillis()).
		Where(sq.Eq{"memory_id": memoryIDs, "tenant_id": string(scope.Tenant), "memory_space_id": string(scope.Space)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Str("method", "Touch").Err(err).Msg("Failed to touch memories")
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// AppendPartial appends a streamed chunk to a partial memory.
func (s *Store) AppendPartial(ctx context.Context, scope core.Scope, memoryID, chunk string) (Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := s.load(ctx, tx, scope, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if !m.IsPartial {
		return Memory{}, core.InvariantViolation(entity, memoryID, "memory is already complete")
	}
	m.Content += chunk
	m.UpdatedAt = core.NowMillis()
	query, args, err := sq.Update("memories").
		Set("content", m.Content).
		Set("updated_at", m.UpdatedAt).
		Where(sq.Eq{"memory_id": memoryID, "is_partial": 1}).
		ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Memory{}, fmt.Errorf("append partial: %w", err)
	}
	if err := updateFTS(ctx, tx, memoryID, m.Content); err != nil {
		return Memory{}, err
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// Complete finalizes a partial memory, embedding its full content and making it
// visible to search.
func (s *Store) Complete(ctx context.Context, scope core.Scope, memoryID string) (Memory, error) {
	m, err := s.load(ctx, s.db, scope, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if !m.IsPartial {
		return m, nil
	}
	if strings.TrimSpace(m.Content) == "" {
		return Memory{}, core.InvariantViolation(entity, memoryID, "cannot complete an empty memory")
	}
	embedding := s.embedOrNil(ctx, "Complete", m.Content)
	now := core.NowMillis()
	query, args, err := sq.Update("memories").
		Set("is_partial", 0).
		Set("embedding", EncodeEmbedding(embedding)).
		Set("updated_at", now).
		Where(sq.Eq{"memory_id": memoryID, "is_partial": 1}).
		ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Memory{}, fmt.Errorf("complete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.Get(ctx, scope, memoryID)
	}
	m.IsPartial = false
	m.Embedding = embedding
	m.UpdatedAt = now
	m.PreviousVersions = []Version{}
	events.Emit(ctx, s.bus, scope, events.TableMemories, memoryID, events.OpUpdate, m)
	return m, nil
}

// Delete removes a memory, its keyword entry and its history.
func (s *Store) Delete(ctx context.Context, scope core.Scope, memoryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.load(ctx, tx, scope, memoryID); err != nil {
		return err
	}
	if err := deleteMemories(ctx, tx, []string{memoryID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	events.Emit(ctx, s.bus, scope, events.TableMemories, memoryID, events.OpDelete, nil)
	return nil
}

// PruneVersions trims retained memory history to limit.
func (s *Store) PruneVersions(ctx context.Context, target core.RetentionTarget, limit core.VersionLimit) (core.SweepResult, error) {
	return sqlutil.PruneVersions(ctx, s.db, sqlutil.VersionTable{
		Versions:   "memory_versions",
		Parent:     "memories",
		Keys:       []string{"memory_id"},
		SizeColumn: "content",
	}, target, limit, core.NowMillis())
}

// PurgeExpired deletes memories not updated since cutoff.
func (s *Store) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	var res core.SweepResult
	query, args, err := sq.Select("memory_id", "memory_space_id", "LENGTH(content)").From("memories").
		Where(sqlutil.OwnerFilter("", target)).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return res, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("select expired memories: %w", err)
	}
	var ids, spaces []string
	for rows.Next() {
		var id, space string
		var size int64
		if err := rows.Scan(&id, &space, &size); err != nil {
			_ = rows.Close() //nolint:errcheck // already failing
			return res, err
		}
		ids = append(ids, id)
		spaces = append(spaces, space)
		res.BytesFreed += size
	}
	_ = rows.Close() //nolint:errcheck // no remedy for rows close error
	if err := rows.Err(); err != nil {
		return res, err
	}
	if len(ids) == 0 {
		return core.SweepResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.SweepResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := deleteMemories(ctx, tx, ids); err != nil {
		return core.SweepResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.SweepResult{}, fmt.Errorf("commit: %w", err)
	}
	res.RecordsPurged = len(ids)
	for i, id := range ids {
		scope := core.Scope{Tenant: target.Tenant, Space: core.SpaceID(spaces[i])}
		events.Emit(ctx, s.bus, scope, events.TableMemories, id, events.OpDelete, nil)
	}
	return res, nil
}

func deleteMemories(ctx context.Context, tx *sql.Tx, ids []string) error {
	query, args, err := sq.Delete("memories_fts").
		Where(sq.Expr("rowid IN (SELECT rowid FROM memories WHERE memory_id IN ("+sq.Placeholders(len(ids))+"))", lo.ToAnySlice(ids)...)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build fts delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete fts rows: %w", err)
	}
	for _, table := range []string{"memory_versions", "memories"} {
		query, args, err := sq.Delete(table).Where(sq.Eq{"memory_id": ids}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}

func updateFTS(ctx context.Context, tx *sql.Tx, memoryID, content string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE memories_fts SET content = ? WHERE rowid = (SELECT rowid FROM memories WHERE memory_id = ?)`,
		content, memoryID); err != nil {
		return fmt.Errorf("update fts: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, q sqlutil.Querier, scope core.Scope, memoryID string) (Memory, error) {
	if err := scope.Validate(); err != nil {
		return Memory{}, err
	}
	query, args, err := sq.Select(memoryColumns...).From("memories").
		Where(sq.Eq{"memory_id": memoryID}).ToSql()
	if err != nil {
		return Memory{}, fmt.Errorf("build query: %w", err)
	}
	m, err := scanMemory(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, core.NotFound(entity, memoryID)
	}
	if err != nil {
		return Memory{}, fmt.Errorf("load memory: %w", err)
	}
	if !scope.Owns(m.TenantID, m.MemorySpaceID) {
		return Memory{}, core.IsolationViolation(entity, memoryID, "memory is outside scope %s", scope)
	}
	return m, nil
}

func (s *Store) versions(ctx context.Context, q sqlutil.Querier, memoryID string) ([]Version, error) {
	query, args, err := sq.Select("version", "content", "recorded_at").From("memory_versions").
		Where(sq.Eq{"memory_id": memoryID}).OrderBy("version ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load memory versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Version{}
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Version, &v.Content, &v.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func memoryValues(m Memory) ([]any, error) {
	var refs [4]any
	var err error
	if m.ConversationRef != nil {
		if refs[0], err = sqlutil.MarshalJSON(m.ConversationRef); err != nil {
			return nil, err
		}
	}
	if m.ImmutableRef != nil {
		if refs[1], err = sqlutil.MarshalJSON(m.ImmutableRef); err != nil {
			return nil, err
		}
	}
	if m.MutableRef != nil {
		if refs[2], err = sqlutil.MarshalJSON(m.MutableRef); err != nil {
			return nil, err
		}
	}
	if m.FactsRef != nil {
		if refs[3], err = sqlutil.MarshalJSON(m.FactsRef); err != nil {
			return nil, err
		}
	}
	tags, err := sqlutil.MarshalJSON(m.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := core.EncodePayload(m.Metadata)
	if err != nil {
		return nil, err
	}
	partial := 0
	if m.IsPartial {
		partial = 1
	}
	return []any{
		m.MemoryID, m.TenantID, m.MemorySpaceID, m.UserID, m.AgentID, m.Content,
		string(m.ContentType), string(m.SourceType), refs[0], refs[1], refs[2],
		refs[3], EncodeEmbedding(m.Embedding), m.Importance, tags, meta, m.Version,
		m.AccessCount, nil, partial, m.CreatedAt, m.UpdatedAt,
	}, nil
}

func scanMemory(row sqlutil.Scanner) (Memory, error) {
	var (
		m                                 Memory
		convRef, immRef, mutRef, factsRef *string
		embBlob                           []byte
		tags, meta                        *string
		lastAccessed                      sql.NullInt64
		partial                           int
		contentType, sourceType           string
	)
	if err := row.Scan(&m.MemoryID, &m.TenantID, &m.MemorySpaceID, &m.UserID, &m.AgentID, &m.Content,
		&contentType, &sourceType, &convRef, &immRef, &mutRef,
		&factsRef, &embBlob, &m.Importance, &tags, &meta, &m.Version,
		&m.AccessCount, &lastAccessed, &partial, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Memory{}, err
	}
	m.ContentType = ContentType(contentType)
	m.SourceType = SourceType(sourceType)
	m.IsPartial = partial != 0
	m.LastAccessed = lastAccessed.Int64

	var err error
	if m.Embedding, err = DecodeEmbedding(embBlob); err != nil {
		return Memory{}, err
	}
	for _, col := range []struct {
		raw *string
		dst any
	}{
		{convRef, &m.ConversationRef},
		{immRef, &m.ImmutableRef},
		{mutRef, &m.MutableRef},
		{factsRef, &m.FactsRef},
		{tags, &m.Tags},
	} {
		if err := sqlutil.UnmarshalJSON(col.raw, col.dst); err != nil {
			return Memory{}, fmt.Errorf("decode memory column: %w", err)
		}
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Metadata, err = core.DecodePayload(meta); err != nil {
		return Memory{}, err
	}
	return m, nil
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
