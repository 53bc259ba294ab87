// Package facts stores durable user facts and revises them as new observations arrive:
// slot match, then semantic match, then an external resolver for ambiguous cases.
// Every fact mutation appends an entry to the history ledger.
package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const entity = "fact"

var factColumns = []string{
	"fact_id", "tenant_id", "memory_space_id", "user_id", "fact", "fact_type", "subject",
	"predicate", "object", "slot_key", "confidence", "source_type", "source_ref", "embedding",
	"tags", "metadata", "version", "supersedes", "superseded_by", "status", "valid_from",
	"valid_until", "created_at", "updated_at",
}

var historyColumns = []string{
	"event_id", "fact_id", "tenant_id", "memory_space_id", "action", "old_value", "new_value",
	"supersedes", "superseded_by", "reason", "confidence", "slot_matched", "semantic_matched",
	"llm_resolved", "similarity", "created_at",
}

// Config tunes the belief revision pipeline.
type Config struct {
	// SemanticThreshold is the similarity at or above which a match is clean.
	SemanticThreshold float64

	// GrayZoneFloor is the similarity at or above which a match is ambiguous.
	GrayZoneFloor float64

	// MaxCandidates bounds the facts compared during semantic matching.
	MaxCandidates int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{SemanticThreshold: 0.85, GrayZoneFloor: 0.70, MaxCandidates: 500}
}

// Store persists facts and their history ledger.
type Store struct {
	db        *sql.DB
	embedder  memory.Embedder
	rules     Resolver
	ambiguous Resolver
	bus       events.Publisher
	cfg       Config
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithResolver sets the resolver consulted for ambiguous matches.
func WithResolver(r Resolver) Option { return func(s *Store) { s.ambiguous = r } }

// WithRules replaces the resolver used for clean slot and semantic matches.
func WithRules(r Resolver) Option { return func(s *Store) { s.rules = r } }

// WithConfig overrides the pipeline thresholds.
func WithConfig(cfg Config) Option { return func(s *Store) { s.cfg = cfg } }

// NewStore creates a fact store. embedder may be nil, which disables semantic matching.
func NewStore(db *sql.DB, embedder memory.Embedder, bus events.Publisher, logger zerolog.Logger, opts ...Option) *Store {
	if bus == nil {
		bus = events.Nop{}
	}
	s := &Store{
		db:       db,
		embedder: embedder,
		rules:    RuleResolver{},
		bus:      bus,
		cfg:      DefaultConfig(),
		logger:   logger.With().Str("component", "fact_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a fact in any state, with its archived versions.
func (s *Store) Get(ctx context.Context, scope core.Scope, factID string) (Fact, error) {
	f, err := s.load(ctx, s.db, scope, factID)
	if err != nil {
		return Fact{}, err
	}
	f.PreviousVersions, err = s.versions(ctx, factID)
	if err != nil {
		return Fact{}, err
	}
	return f, nil
}

// GetCurrentFacts returns facts that are neither superseded nor deleted, most
// confident first.
func (s *Store) GetCurrentFacts(ctx context.Context, scope core.Scope, f Filters) ([]Fact, error) {
	s.logger.Debug().
		Str("method", "GetCurrentFacts").
		Str("scope", scope.String()).
		Interface("filters", f).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	b := sq.Select(factColumns...).From("facts").
		Where(currentWhere(scope)).
		OrderBy("confidence DESC", "updated_at DESC")
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if len(f.FactTypes) > 0 {
		b = b.Where(sq.Eq{"fact_type": lo.Map(f.FactTypes, func(t FactType, _ int) string { return string(t) })})
	}
	if f.Subject != "" {
		b = b.Where(sq.Eq{"LOWER(subject)": strings.ToLower(f.Subject)})
	}
	if f.Predicate != "" {
		b = b.Where(sq.Eq{"LOWER(predicate)": strings.ToLower(f.Predicate)})
	}
	if f.PredicatePrefix != "" {
		b = b.Where(sq.Like{"LOWER(predicate)": strings.ToLower(f.PredicatePrefix) + "%"})
	}
	if f.MinConfidence > 0 {
		b = b.Where(sq.GtOrEq{"confidence": f.MinConfidence})
	}
	if len(f.Tags) > 0 {
		b = b.Where(sq.Expr("EXISTS (SELECT 1 FROM json_each(tags) WHERE json_each.value IN ("+sq.Placeholders(len(f.Tags))+"))",
			lo.ToAnySlice(f.Tags)...))
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit)) //nolint:gosec // limit is positive
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.queryFacts(ctx, s.db, query, args...)
}

// SearchCurrent ranks current facts against a query for recall. Relevance is cosine
// similarity when both sides have an embedding and keyword overlap otherwise; the
// score blends relevance with confidence.
func (s *Store) SearchCurrent(ctx context.Context, scope core.Scope, query string, k int) ([]Scored, error) {
	facts, err := s.GetCurrentFacts(ctx, scope, Filters{})
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	var qvec []float32
	if s.embedder != nil && strings.TrimSpace(query) != "" {
		if qvec, err = s.embedder.Embed(ctx, query); err != nil {
			s.logger.Warn().Err(err).Str("method", "SearchCurrent").Msg("Query embedding failed, using keyword relevance")
			qvec = nil
		}
	}
	terms := memory.Tokenize(query)
	out := make([]Scored, 0, len(facts))
	for _, f := range facts {
		rel := memory.KeywordScore(terms, f.Fact)
		if qvec != nil && len(f.Embedding) > 0 {
			rel = max(rel, memory.CosineSimilarity(qvec, f.Embedding))
		}
		if rel <= 0 {
			continue
		}
		out = append(out, Scored{
			Fact:      f,
			Relevance: rel,
			Score:     0.7*rel + 0.3*float64(f.Confidence)/100,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Fact.UpdatedAt > out[j].Fact.UpdatedAt
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// GetFactHistory returns the supersession chain containing factID, oldest first, with
// the ledger events of every fact in it. A cycle is reported as an invariant violation.
func (s *Store) GetFactHistory(ctx context.Context, scope core.Scope, factID string) (History, error) {
	start, err := s.load(ctx, s.db, scope, factID)
	if err != nil {
		return History{}, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE tenant_id = ? AND memory_space_id = ?`,
		start.TenantID, start.MemorySpaceID).Scan(&total); err != nil {
		return History{}, fmt.Errorf("count facts: %w", err)
	}

	visited := map[string]bool{start.FactID: true}
	walk := func(from Fact, next func(Fact) string) ([]Fact, error) {
		var out []Fact
		cur := from
		for hops := 0; next(cur) != ""; hops++ {
			id := next(cur)
			if visited[id] || hops > total {
				return nil, core.InvariantViolation(entity, factID, "supersession chain through %s does not terminate", id)
			}
			visited[id] = true
			f, err := s.load(ctx, s.db, scope, id)
			if core.IsNotFound(err) {
				break
			}
			if err != nil {
				return nil, err
			}
			out = append(out, f)
			cur = f
		}
		return out, nil
	}
	older, err := walk(start, func(f Fact) string { return f.Supersedes })
	if err != nil {
		return History{}, err
	}
	newer, err := walk(start, func(f Fact) string { return f.SupersededBy })
	if err != nil {
		return History{}, err
	}
	chain := append(lo.Reverse(older), start)
	chain = append(chain, newer...)

	ids := lo.Map(chain, func(f Fact, _ int) string { return f.FactID })
	query, args, err := sq.Select(historyColumns...).From("fact_history").
		Where(sq.Eq{"fact_id": ids}).OrderBy("seq ASC").ToSql()
	if err != nil {
		return History{}, fmt.Errorf("build query: %w", err)
	}
	evs, err := s.queryHistory(ctx, query, args...)
	if err != nil {
		return History{}, err
	}
	return History{Chain: chain, Events: evs}, nil
}

// PruneVersions trims archived fact versions to limit.
func (s *Store) PruneVersions(ctx context.Context, target core.RetentionTarget, limit core.VersionLimit) (core.SweepResult, error) {
	return sqlutil.PruneVersions(ctx, s.db, sqlutil.VersionTable{
		Versions:   "fact_versions",
		Parent:     "facts",
		Keys:       []string{"fact_id"},
		SizeColumn: "fact",
	}, target, limit, core.NowMillis())
}

// PurgeExpired physically removes facts not updated since cutoff along with their
// versions and ledger entries. Facts that superseded a purged fact become chain roots,
// and a fact superseded by a purged fact becomes current again.
func (s *Store) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	var res core.SweepResult
	query, args, err := sq.Select("fact_id", "memory_space_id", "LENGTH(fact)").From("facts").
		Where(sqlutil.OwnerFilter("", target)).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return res, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("select expired facts: %w", err)
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

	stmts := []sq.Sqlizer{
		sq.Update("facts").Set("supersedes", nil).Where(sq.Eq{"supersedes": ids}),
		sq.Update("facts").Set("superseded_by", nil).Where(sq.Eq{"superseded_by": ids}),
		sq.Delete("fact_versions").Where(sq.Eq{"fact_id": ids}),
		sq.Delete("fact_history").Where(sq.Eq{"fact_id": ids}),
		sq.Delete("facts").Where(sq.Eq{"fact_id": ids}),
	}
	for _, stmt := range stmts {
		query, args, err := stmt.ToSql()
		if err != nil {
			return core.SweepResult{}, fmt.Errorf("build purge: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return core.SweepResult{}, fmt.Errorf("purge facts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.SweepResult{}, fmt.Errorf("commit: %w", err)
	}
	res.RecordsPurged = len(ids)
	for i, id := range ids {
		scope := core.Scope{Tenant: target.Tenant, Space: core.SpaceID(spaces[i])}
		events.Emit(ctx, s.bus, scope, events.TableFacts, id, events.OpDelete, nil)
	}
	return res, nil
}

func currentWhere(scope core.Scope) sq.And {
	return sq.And{
		sq.Eq{"tenant_id": string(scope.Tenant), "memory_space_id": string(scope.Space)},
		sq.Eq{"status": string(StatusActive), "superseded_by": nil},
	}
}

func (s *Store) load(ctx context.Context, q sqlutil.Querier, scope core.Scope, factID string) (Fact, error) {
	if err := scope.Validate(); err != nil {
		return Fact{}, err
	}
	query, args, err := sq.Select(factColumns...).From("facts").Where(sq.Eq{"fact_id": factID}).ToSql()
	if err != nil {
		return Fact{}, fmt.Errorf("build query: %w", err)
	}
	f, err := scanFact(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Fact{}, core.NotFound(entity, factID)
	}
	if err != nil {
		return Fact{}, fmt.Errorf("load fact: %w", err)
	}
	if !scope.Owns(f.TenantID, f.MemorySpaceID) {
		return Fact{}, core.IsolationViolation(entity, factID, "fact is outside scope %s", scope)
	}
	return f, nil
}

func (s *Store) versions(ctx context.Context, factID string) ([]Version, error) {
	query, args, err := sq.Select("version", "fact", "object", "confidence", "recorded_at").From("fact_versions").
		Where(sq.Eq{"fact_id": factID}).OrderBy("version ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load fact versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Version{}
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Version, &v.Fact, &v.Object, &v.Confidence, &v.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) queryFacts(ctx context.Context, q sqlutil.Querier, query string, args ...any) ([]Fact, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Fact{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fact history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []HistoryEvent{}
	for rows.Next() {
		var (
			ev                         HistoryEvent
			oldVal, newVal, sup, supBy *string
			action                     string
			slot, semantic, llm        int
			similarity                 sql.NullFloat64
		)
		if err := rows.Scan(&ev.EventID, &ev.FactID, &ev.TenantID, &ev.MemorySpaceID, &action, &oldVal, &newVal,
			&sup, &supBy, &ev.Reason, &ev.Confidence, &slot, &semantic,
			&llm, &similarity, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Action = Action(action)
		ev.OldValue, ev.NewValue = sqlutil.Deref(oldVal), sqlutil.Deref(newVal)
		ev.Supersedes, ev.SupersededBy = sqlutil.Deref(sup), sqlutil.Deref(supBy)
		ev.SlotMatched, ev.SemanticMatched, ev.LLMResolved = slot != 0, semantic != 0, llm != 0
		if similarity.Valid {
			v := similarity.Float64
			ev.Similarity = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanFact(row sqlutil.Scanner) (Fact, error) {
	var (
		f                        Fact
		factType, status         string
		slotKey                  string
		embBlob                  []byte
		tags, meta               *string
		supersedes, supersededBy *string
		validFrom, validUntil    sql.NullInt64
	)
	if err := row.Scan(&f.FactID, &f.TenantID, &f.MemorySpaceID, &f.UserID, &f.Fact, &factType, &f.Subject,
		&f.Predicate, &f.Object, &slotKey, &f.Confidence, &f.SourceType, &f.SourceRef, &embBlob,
		&tags, &meta, &f.Version, &supersedes, &supersededBy, &status, &validFrom,
		&validUntil, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return Fact{}, err
	}
	f.FactType = FactType(factType)
	f.Status = Status(status)
	f.Supersedes = sqlutil.Deref(supersedes)
	f.SupersededBy = sqlutil.Deref(supersededBy)
	f.ValidFrom = validFrom.Int64
	f.ValidUntil = validUntil.Int64

	var err error
	if f.Embedding, err = memory.DecodeEmbedding(embBlob); err != nil {
		return Fact{}, err
	}
	if err := sqlutil.UnmarshalJSON(tags, &f.Tags); err != nil {
		return Fact{}, fmt.Errorf("decode tags: %w", err)
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}
	if f.Metadata, err = core.DecodePayload(meta); err != nil {
		return Fact{}, err
	}
	return f, nil
}
