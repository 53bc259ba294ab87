package facts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
)

// maxChainHops bounds the walk to a chain head while superseding.
const maxChainHops = 10000

// flags are the pipeline stage markers recorded on each ledger entry.
type flags struct {
	slot, semantic, llm bool
	similarity          *float64
}

// Observe reconciles an observation against the current facts in scope and applies
// the resulting CREATE, UPDATE, SUPERSEDE or DELETE. A DISCARD writes nothing.
func (s *Store) Observe(ctx context.Context, scope core.Scope, obs Observation) (Outcome, error) {
	s.logger.Debug().
		Str("method", "Observe").
		Str("scope", scope.String()).
		Str("subject", obs.Subject).
		Str("predicate", obs.Predicate).
		Str("object", obs.Object).
		Int("confidence", obs.Confidence).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := normalizeObservation(&obs); err != nil {
		return Outcome{}, err
	}
	statement := obs.Statement()
	embedding := s.embed(ctx, statement)

	match, err := s.findMatch(ctx, scope, obs, embedding)
	if err != nil {
		return Outcome{}, err
	}
	var fl flags
	if match != nil {
		fl.slot = match.Stage == StageSlot
		fl.semantic = match.Stage == StageSemantic || match.Stage == StageAmbiguous
		if match.Scored {
			sim := match.Similarity
			fl.similarity = &sim
		}
	}

	decision := Decision{Action: ActionCreate, Reason: "no matching fact"}
	switch {
	case match == nil:
	case match.Stage == StageAmbiguous:
		decision, fl.llm = s.resolveAmbiguous(ctx, *match, obs)
	default:
		if decision, err = s.rules.Resolve(ctx, *match, obs); err != nil {
			return Outcome{}, fmt.Errorf("resolve %s match: %w", match.Stage, err)
		}
	}
	s.logger.Info().
		Str("method", "Observe").
		Str("action", string(decision.Action)).
		Str("reason", decision.Reason).
		Bool("slot_matched", fl.slot).
		Bool("semantic_matched", fl.semantic).
		Bool("llm_resolved", fl.llm).
		Msg("Belief revision decided")

	var existingID string
	if match != nil {
		existingID = match.Existing.FactID
	}
	switch decision.Action {
	case ActionCreate:
		return s.create(ctx, scope, obs, statement, embedding, decision.Reason, fl)
	case ActionUpdate:
		return s.update(ctx, scope, existingID, obs, statement, embedding, decision.Reason, fl)
	case ActionSupersede:
		return s.supersede(ctx, scope, existingID, obs, statement, embedding, decision.Reason, fl)
	case ActionDelete:
		return s.retract(ctx, scope, existingID, decision.Reason, obs.Confidence, fl)
	case ActionDiscard:
		out := Outcome{Action: ActionDiscard, Reason: decision.Reason}
		if match != nil {
			existing := match.Existing
			out.Previous = &existing
		}
		return out, nil
	}
	return Outcome{}, core.InvariantViolation(entity, existingID, "resolver returned unknown action %q", decision.Action)
}

// Retract logically deletes a current fact on a caller's behalf.
func (s *Store) Retract(ctx context.Context, scope core.Scope, factID, reason string) (Outcome, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "retracted by caller"
	}
	return s.retract(ctx, scope, factID, reason, 0, flags{})
}

func normalizeObservation(obs *Observation) error {
	obs.Subject = strings.TrimSpace(obs.Subject)
	obs.Predicate = strings.TrimSpace(obs.Predicate)
	obs.Object = strings.TrimSpace(obs.Object)
	if obs.Statement() == "" {
		return core.InvalidInput("observation needs a text or a subject/predicate/object triple")
	}
	if obs.Confidence < 0 || obs.Confidence > 100 {
		return core.InvalidInput("confidence %d is outside 0..100", obs.Confidence)
	}
	if obs.FactType == "" {
		obs.FactType = TypeObservation
	}
	if !validFactType(obs.FactType) {
		return core.InvalidInput("unknown fact type %q", obs.FactType)
	}
	if obs.SourceType == "" {
		obs.SourceType = "conversation"
	}
	if obs.Tags == nil {
		obs.Tags = []string{}
	}
	return nil
}

func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Fact embedding failed, semantic matching skipped")
		return nil
	}
	return vec
}

// findMatch runs the slot then semantic stages. It returns nil when nothing reaches
// the gray zone.
func (s *Store) findMatch(ctx context.Context, scope core.Scope, obs Observation, embedding []float32) (*Match, error) {
	if key := SlotKey(obs.Subject, obs.Predicate); key != "" {
		query, args, err := sq.Select(factColumns...).From("facts").
			Where(currentWhere(scope)).
			Where(sq.Eq{"slot_key": key}).
			OrderBy("updated_at DESC").
			Limit(1).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build slot query: %w", err)
		}
		hits, err := s.queryFacts(ctx, s.db, query, args...)
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			m := &Match{Existing: hits[0], Stage: StageSlot}
			if embedding != nil && len(hits[0].Embedding) > 0 {
				m.Similarity, m.Scored = memory.CosineSimilarity(embedding, hits[0].Embedding), true
			}
			return m, nil
		}
	}
	if embedding == nil {
		return nil, nil
	}

	query, args, err := sq.Select(factColumns...).From("facts").
		Where(currentWhere(scope)).
		Where(sq.NotEq{"embedding": nil}).
		OrderBy("updated_at DESC").
		Limit(uint64(max(s.cfg.MaxCandidates, 1))). //nolint:gosec // positive
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build semantic query: %w", err)
	}
	candidates, err := s.queryFacts(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	var best *Match
	for _, f := range candidates {
		sim := memory.CosineSimilarity(embedding, f.Embedding)
		if best == nil || sim > best.Similarity {
			best = &Match{Existing: f, Similarity: sim, Scored: true}
		}
	}
	switch {
	case best == nil || best.Similarity < s.cfg.GrayZoneFloor:
		return nil, nil
	case best.Similarity >= s.cfg.SemanticThreshold:
		best.Stage = StageSemantic
	default:
		best.Stage = StageAmbiguous
	}
	return best, nil
}

// resolveAmbiguous consults the external resolver. When it is missing or fails the
// observation is kept as a new fact so nothing is lost.
func (s *Store) resolveAmbiguous(ctx context.Context, match Match, obs Observation) (Decision, bool) {
	if s.ambiguous == nil {
		return Decision{Action: ActionCreate, Reason: "ambiguous match, no resolver configured"}, false
	}
	d, err := s.ambiguous.Resolve(ctx, match, obs)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("existing_fact", match.Existing.FactID).
			Float64("similarity", match.Similarity).
			Msg("Resolver unavailable, keeping observation as a new fact")
		return Decision{Action: ActionCreate, Reason: "ambiguous match, resolver unavailable"}, false
	}
	if d.Action == ActionSupersede && match.Existing.FactID == "" {
		d.Action = ActionCreate
	}
	return d, true
}

func (s *Store) create(ctx context.Context, scope core.Scope, obs Observation, statement string, embedding []float32, reason string, fl flags) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	f, err := s.insertFact(ctx, tx, scope, obs, statement, embedding, "")
	if err != nil {
		return Outcome{}, err
	}
	ev := s.newEvent(f, ActionCreate, reason, fl)
	ev.NewValue = f.Fact
	ev.Confidence = f.Confidence
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit: %w", err)
	}
	events.Emit(ctx, s.bus, scope, events.TableFacts, f.FactID, events.OpInsert, f)
	return Outcome{Action: ActionCreate, Fact: &f, Event: &ev, Reason: reason}, nil
}

func (s *Store) update(ctx context.Context, scope core.Scope, factID string, obs Observation, statement string, embedding []float32, reason string, fl flags) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.head(ctx, tx, scope, factID)
	if err != nil {
		return Outcome{}, err
	}
	if prev.Status != StatusActive {
		return Outcome{}, core.InvariantViolation(entity, prev.FactID, "cannot update a deleted fact")
	}
	if err := archiveVersion(ctx, tx, prev); err != nil {
		return Outcome{}, err
	}
	next := prev
	next.Fact = statement
	if obs.Object != "" {
		next.Object = obs.Object
	}
	next.Confidence = obs.Confidence
	if embedding != nil {
		next.Embedding = embedding
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = core.NowMillis()
	query, args, err := sq.Update("facts").
		Set("fact", next.Fact).
		Set("object", next.Object).
		Set("confidence", next.Confidence).
		Set("embedding", memory.EncodeEmbedding(next.Embedding)).
		Set("version", next.Version).
		Set("updated_at", next.UpdatedAt).
		Where(sq.Eq{"fact_id": prev.FactID, "version": prev.Version}).
		ToSql()
	if err != nil {
		return Outcome{}, fmt.Errorf("build update: %w", err)
	}
	if err := execGuarded(ctx, tx, prev.FactID, query, args...); err != nil {
		return Outcome{}, err
	}
	ev := s.newEvent(next, ActionUpdate, reason, fl)
	ev.OldValue, ev.NewValue = prev.Fact, next.Fact
	ev.Confidence = next.Confidence
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit: %w", err)
	}
	events.Emit(ctx, s.bus, scope, events.TableFacts, next.FactID, events.OpUpdate, next)
	return Outcome{Action: ActionUpdate, Fact: &next, Previous: &prev, Event: &ev, Reason: reason}, nil
}

// supersede retires the current head of factID's chain in favour of a new fact. If
// another writer superseded the same fact first, the new fact chains onto that
// writer's fact, which is then immediately retired.
func (s *Store) supersede(ctx context.Context, scope core.Scope, factID string, obs Observation, statement string, embedding []float32, reason string, fl flags) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := s.head(ctx, tx, scope, factID)
	if err != nil {
		return Outcome{}, err
	}
	f, err := s.insertFact(ctx, tx, scope, obs, statement, embedding, old.FactID)
	if err != nil {
		return Outcome{}, err
	}
	now := core.NowMillis()
	query, args, err := sq.Update("facts").
		Set("superseded_by", f.FactID).
		Set("updated_at", now).
		Where(sq.Eq{"fact_id": old.FactID, "superseded_by": nil}).
		ToSql()
	if err != nil {
		return Outcome{}, fmt.Errorf("build supersede: %w", err)
	}
	if err := execGuarded(ctx, tx, old.FactID, query, args...); err != nil {
		return Outcome{}, err
	}
	old.SupersededBy = f.FactID
	old.UpdatedAt = now

	ev := s.newEvent(f, ActionSupersede, reason, fl)
	ev.OldValue, ev.NewValue = old.Fact, f.Fact
	ev.Supersedes, ev.SupersededBy = old.FactID, f.FactID
	ev.Confidence = f.Confidence
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit: %w", err)
	}
	events.Emit(ctx, s.bus, scope, events.TableFacts, f.FactID, events.OpInsert, f)
	events.Emit(ctx, s.bus, scope, events.TableFacts, old.FactID, events.OpUpdate, old)
	return Outcome{Action: ActionSupersede, Fact: &f, Previous: &old, Event: &ev, Reason: reason}, nil
}

func (s *Store) retract(ctx context.Context, scope core.Scope, factID, reason string, confidence int, fl flags) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.load(ctx, tx, scope, factID)
	if err != nil {
		return Outcome{}, err
	}
	if !prev.Current() {
		return Outcome{}, core.InvariantViolation(entity, factID, "fact is not current")
	}
	if err := archiveVersion(ctx, tx, prev); err != nil {
		return Outcome{}, err
	}
	next := prev
	next.Status = StatusDeleted
	next.Version = prev.Version + 1
	next.UpdatedAt = core.NowMillis()
	query, args, err := sq.Update("facts").
		Set("status", string(StatusDeleted)).
		Set("version", next.Version).
		Set("updated_at", next.UpdatedAt).
		Where(sq.Eq{"fact_id": factID, "version": prev.Version}).
		ToSql()
	if err != nil {
		return Outcome{}, fmt.Errorf("build delete: %w", err)
	}
	if err := execGuarded(ctx, tx, factID, query, args...); err != nil {
		return Outcome{}, err
	}
	ev := s.newEvent(next, ActionDelete, reason, fl)
	ev.OldValue = prev.Fact
	ev.Confidence = confidence
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit: %w", err)
	}
	events.Emit(ctx, s.bus, scope, events.TableFacts, factID, events.OpUpdate, next)
	return Outcome{Action: ActionDelete, Fact: &next, Previous: &prev, Event: &ev, Reason: reason}, nil
}

// head follows supersededBy from factID to the fact currently holding the chain.
func (s *Store) head(ctx context.Context, q sqlutil.Querier, scope core.Scope, factID string) (Fact, error) {
	f, err := s.load(ctx, q, scope, factID)
	if err != nil {
		return Fact{}, err
	}
	seen := map[string]bool{f.FactID: true}
	for f.SupersededBy != "" {
		if len(seen) > maxChainHops {
			return Fact{}, core.InvariantViolation(entity, factID, "supersession chain exceeds %d facts", maxChainHops)
		}
		next, err := s.load(ctx, q, scope, f.SupersededBy)
		if err != nil {
			return Fact{}, err
		}
		if seen[next.FactID] {
			return Fact{}, core.InvariantViolation(entity, factID, "supersession cycle through %s", next.FactID)
		}
		seen[next.FactID] = true
		f = next
	}
	return f, nil
}

func (s *Store) insertFact(ctx context.Context, tx *sql.Tx, scope core.Scope, obs Observation, statement string, embedding []float32, supersedes string) (Fact, error) {
	now := core.NowMillis()
	f := Fact{
		FactID:        core.NewID("fact"),
		TenantID:      string(scope.Tenant),
		MemorySpaceID: string(scope.Space),
		UserID:        obs.UserID,
		Fact:          statement,
		FactType:      obs.FactType,
		Subject:       obs.Subject,
		Predicate:     obs.Predicate,
		Object:        obs.Object,
		Confidence:    obs.Confidence,
		SourceType:    obs.SourceType,
		SourceRef:     obs.SourceRef,
		Embedding:     embedding,
		Tags:          obs.Tags,
		Metadata:      obs.Metadata,
		Version:       1,
		Supersedes:    supersedes,
		Status:        StatusActive,
		ValidFrom:     obs.ValidFrom,
		ValidUntil:    obs.ValidUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tags, err := sqlutil.MarshalJSON(f.Tags)
	if err != nil {
		return Fact{}, fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := core.EncodePayload(f.Metadata)
	if err != nil {
		return Fact{}, err
	}
	nullInt := func(v int64) any {
		if v == 0 {
			return nil
		}
		return v
	}
	query, args, err := sq.Insert("facts").Columns(factColumns...).Values(
		f.FactID, f.TenantID, f.MemorySpaceID, f.UserID, f.Fact, string(f.FactType), f.Subject,
		f.Predicate, f.Object, SlotKey(f.Subject, f.Predicate), f.Confidence, f.SourceType, f.SourceRef, memory.EncodeEmbedding(embedding),
		tags, meta, f.Version, sqlutil.NullString(supersedes), nil, string(f.Status), nullInt(f.ValidFrom),
		nullInt(f.ValidUntil), f.CreatedAt, f.UpdatedAt,
	).ToSql()
	if err != nil {
		return Fact{}, fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "insertFact").Msg("Failed to insert fact")
		return Fact{}, fmt.Errorf("insert fact: %w", err)
	}
	return f, nil
}

func (s *Store) newEvent(f Fact, action Action, reason string, fl flags) HistoryEvent {
	return HistoryEvent{
		EventID:         core.NewID("fev"),
		FactID:          f.FactID,
		TenantID:        f.TenantID,
		MemorySpaceID:   f.MemorySpaceID,
		Action:          action,
		Reason:          reason,
		SlotMatched:     fl.slot,
		SemanticMatched: fl.semantic,
		LLMResolved:     fl.llm,
		Similarity:      fl.similarity,
		Timestamp:       core.NowMillis(),
	}
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *HistoryEvent) error {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	var similarity any
	if ev.Similarity != nil {
		similarity = *ev.Similarity
	}
	query, args, err := sq.Insert("fact_history").Columns(historyColumns...).Values(
		ev.EventID, ev.FactID, ev.TenantID, ev.MemorySpaceID, string(ev.Action),
		sqlutil.NullString(ev.OldValue), sqlutil.NullString(ev.NewValue),
		sqlutil.NullString(ev.Supersedes), sqlutil.NullString(ev.SupersededBy), ev.Reason, ev.Confidence,
		b(ev.SlotMatched), b(ev.SemanticMatched), b(ev.LLMResolved), similarity, ev.Timestamp,
	).ToSql()
	if err != nil {
		return fmt.Errorf("build history insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append fact history: %w", err)
	}
	return nil
}

func archiveVersion(ctx context.Context, tx *sql.Tx, f Fact) error {
	query, args, err := sq.Insert("fact_versions").
		Columns("fact_id", "version", "fact", "object", "confidence", "recorded_at").
		Values(f.FactID, f.Version, f.Fact, f.Object, f.Confidence, f.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build version insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("archive fact version: %w", err)
	}
	return nil
}

// execGuarded runs an optimistic update and reports a lost race as a conflict.
func execGuarded(ctx context.Context, tx *sql.Tx, factID, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ConcurrentUpdate(entity, factID)
	}
	return nil
}
