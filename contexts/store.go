// Package contexts stores hierarchical task contexts. Each row carries its parent,
// root, depth and child ids so structural checks only ever read the parent row.
// Other memory spaces see a context only through an explicit grant.
package contexts

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

const entity = "context"

var contextColumns = []string{
	"context_id", "tenant_id", "memory_space_id", "purpose", "parent_id", "root_id", "depth",
	"child_ids", "status", "data", "user_id", "conversation_id", "version", "created_at",
	"updated_at", "completed_at",
}

// Store persists contexts, their versions and their grants.
type Store struct {
	db     *sql.DB
	bus    events.Publisher
	logger zerolog.Logger
}

// NewStore creates a context store.
func NewStore(db *sql.DB, bus events.Publisher, logger zerolog.Logger) *Store {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Store{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "context_store").Logger(),
	}
}

// Create adds a context to the caller's space. With a parent it joins the parent's
// tree one level deeper; without one it is its own root at depth 0.
func (s *Store) Create(ctx context.Context, scope core.Scope, in CreateInput) (Context, error) {
	s.logger.Debug().
		Str("method", "Create").
		Str("scope", scope.String()).
		Str("parent_id", in.ParentID).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return Context{}, err
	}
	if strings.TrimSpace(in.Purpose) == "" {
		return Context{}, core.InvalidInput("context purpose is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Context{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := core.NowMillis()
	c := Context{
		ContextID:        core.NewID("ctx"),
		TenantID:         string(scope.Tenant),
		MemorySpaceID:    string(scope.Space),
		Purpose:          in.Purpose,
		ChildIDs:         []string{},
		Status:           StatusActive,
		Data:             in.Data,
		UserID:           in.UserID,
		ConversationID:   in.ConversationID,
		Version:          1,
		GrantedAccess:    []Grant{},
		PreviousVersions: []Version{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.RootID = c.ContextID

	var parent Context
	if in.ParentID != "" {
		parent, err = s.load(ctx, tx, in.ParentID)
		if core.IsNotFound(err) {
			return Context{}, core.InvariantViolation(entity, in.ParentID, "parent context does not exist")
		}
		if err != nil {
			return Context{}, err
		}
		if err := s.authorize(ctx, tx, scope, parent, AccessCollaborate); err != nil {
			return Context{}, err
		}
		if parent.Status.Terminal() {
			return Context{}, core.InvariantViolation(entity, parent.ContextID, "cannot add a child to a %s context", parent.Status)
		}
		c.ParentID = parent.ContextID
		c.RootID = parent.RootID
		c.Depth = parent.Depth + 1
	}

	data, err := core.EncodePayload(c.Data)
	if err != nil {
		return Context{}, err
	}
	query, args, err := sq.Insert("contexts").Columns(contextColumns...).Values(
		c.ContextID, c.TenantID, c.MemorySpaceID, c.Purpose, sqlutil.NullString(c.ParentID), c.RootID, c.Depth,
		"[]", string(c.Status), data, c.UserID, c.ConversationID, c.Version, now,
		now, nil,
	).ToSql()
	if err != nil {
		return Context{}, fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "Create").Msg("Failed to insert context")
		return Context{}, fmt.Errorf("insert context: %w", err)
	}
	if c.ParentID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE contexts SET child_ids = json_insert(child_ids, '$[#]', ?), updated_at = ? WHERE context_id = ?`,
			c.ContextID, now, c.ParentID); err != nil {
			return Context{}, fmt.Errorf("link child to parent: %w", err)
		}
		parent.ChildIDs = append(parent.ChildIDs, c.ContextID)
		parent.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return Context{}, fmt.Errorf("commit: %w", err)
	}

	events.Emit(ctx, s.bus, scope, events.TableContexts, c.ContextID, events.OpInsert, c)
	if c.ParentID != "" {
		events.Emit(ctx, s.bus, parent.Scope(), events.TableContexts, parent.ContextID, events.OpUpdate, parent)
	}
	return c, nil
}

// Get returns a context the scope may read, with its grants and archived versions.
func (s *Store) Get(ctx context.Context, scope core.Scope, contextID string) (Context, error) {
	if err := scope.Validate(); err != nil {
		return Context{}, err
	}
	c, err := s.load(ctx, s.db, contextID)
	if err != nil {
		return Context{}, err
	}
	if err := s.authorize(ctx, s.db, scope, c, AccessReadOnly); err != nil {
		return Context{}, err
	}
	return s.hydrate(ctx, c)
}

// GetChain returns the ancestors of a context followed by the context itself. The
// chain starts at the highest ancestor the scope can read without a gap.
func (s *Store) GetChain(ctx context.Context, scope core.Scope, contextID string) ([]Context, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	c, err := s.load(ctx, s.db, contextID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, s.db, scope, c, AccessReadOnly); err != nil {
		return nil, err
	}
	chain := []Context{c}
	for cur := c; cur.ParentID != ""; {
		if len(chain) > c.Depth {
			return nil, core.InvariantViolation(entity, contextID, "ancestor chain is longer than depth %d", c.Depth)
		}
		parent, err := s.load(ctx, s.db, cur.ParentID)
		if err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, s.db, scope, parent, AccessReadOnly); core.IsIsolationViolation(err) {
			break
		} else if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	return lo.Reverse(chain), nil
}

// ListChildren returns the direct children of a context that the scope can read.
func (s *Store) ListChildren(ctx context.Context, scope core.Scope, contextID string) ([]Context, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	parent, err := s.load(ctx, s.db, contextID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, s.db, scope, parent, AccessReadOnly); err != nil {
		return nil, err
	}
	query, args, err := sq.Select(contextColumns...).From("contexts").
		Where(sq.Eq{"parent_id": contextID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	children, err := s.queryContexts(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Context, 0, len(children))
	for _, child := range children {
		err := s.authorize(ctx, s.db, scope, child, AccessReadOnly)
		if core.IsIsolationViolation(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// List returns the contexts owned by the scope's space, optionally filtered by status.
func (s *Store) List(ctx context.Context, scope core.Scope, status Status) ([]Context, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	b := sq.Select(contextColumns...).From("contexts").
		Where(sq.Eq{"tenant_id": string(scope.Tenant), "memory_space_id": string(scope.Space)}).
		OrderBy("created_at ASC")
	if status != "" {
		b = b.Where(sq.Eq{"status": string(status)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.queryContexts(ctx, s.db, query, args...)
}

// UpdateStatus moves a context to status, archiving its previous state.
func (s *Store) UpdateStatus(ctx context.Context, scope core.Scope, contextID string, status Status) (Context, error) {
	return s.Update(ctx, scope, contextID, UpdateInput{Status: &status}, 0)
}

// Update archives the current state and applies in. The owner space and spaces with a
// collaborate or full grant may update. A non-zero expectedVersion must match.
func (s *Store) Update(ctx context.Context, scope core.Scope, contextID string, in UpdateInput, expectedVersion int) (Context, error) {
	s.logger.Debug().
		Str("method", "Update").
		Str("scope", scope.String()).
		Str("context_id", contextID).
		Int("expected_version", expectedVersion).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return Context{}, err
	}
	if in.Status != nil && !validStatus(*in.Status) {
		return Context{}, core.InvalidInput("unknown context status %q", *in.Status)
	}
	if in.Purpose != nil && strings.TrimSpace(*in.Purpose) == "" {
		return Context{}, core.InvalidInput("context purpose cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Context{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.load(ctx, tx, contextID)
	if err != nil {
		return Context{}, err
	}
	if err := s.authorize(ctx, tx, scope, prev, AccessCollaborate); err != nil {
		return Context{}, err
	}
	if expectedVersion != 0 && expectedVersion != prev.Version {
		return Context{}, core.Conflict(entity, contextID, expectedVersion, prev.Version)
	}

	prevData, err := core.EncodePayload(prev.Data)
	if err != nil {
		return Context{}, err
	}
	query, args, err := sq.Insert("context_versions").
		Columns("context_id", "version", "purpose", "status", "data", "recorded_at").
		Values(prev.ContextID, prev.Version, prev.Purpose, string(prev.Status), prevData, prev.UpdatedAt).
		ToSql()
	if err != nil {
		return Context{}, fmt.Errorf("build version insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Context{}, fmt.Errorf("archive context version: %w", err)
	}

	next := prev
	if in.Purpose != nil {
		next.Purpose = *in.Purpose
	}
	if in.Data != nil {
		next.Data = *in.Data
	}
	now := core.NowMillis()
	if in.Status != nil {
		next.Status = *in.Status
		switch {
		case next.Status == StatusCompleted && prev.Status != StatusCompleted:
			next.CompletedAt = now
		case next.Status != StatusCompleted:
			next.CompletedAt = 0
		}
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	data, err := core.EncodePayload(next.Data)
	if err != nil {
		return Context{}, err
	}
	var completedAt any
	if next.CompletedAt != 0 {
		completedAt = next.CompletedAt
	}
	query, args, err = sq.Update("contexts").
		Set("purpose", next.Purpose).
		Set("status", string(next.Status)).
		Set("data", data).
		Set("version", next.Version).
		Set("updated_at", now).
		Set("completed_at", completedAt).
		Where(sq.Eq{"context_id": contextID, "version": prev.Version}).
		ToSql()
	if err != nil {
		return Context{}, fmt.Errorf("build update: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("method", "Update").Msg("Failed to update context")
		return Context{}, fmt.Errorf("update context: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Context{}, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return Context{}, core.ConcurrentUpdate(entity, contextID)
	}
	if err := tx.Commit(); err != nil {
		return Context{}, fmt.Errorf("commit: %w", err)
	}

	events.Emit(ctx, s.bus, next.Scope(), events.TableContexts, contextID, events.OpUpdate, next)
	return s.hydrate(ctx, next)
}

// GrantAccess lets target read or work on a context. Grants only widen: asking for a
// narrower scope than already granted keeps the existing grant.
func (s *Store) GrantAccess(ctx context.Context, scope core.Scope, contextID string, target core.SpaceID, access AccessScope, grantedBy string) (Grant, error) {
	s.logger.Debug().
		Str("method", "GrantAccess").
		Str("scope", scope.String()).
		Str("context_id", contextID).
		Str("target", string(target)).
		Str("access", string(access)).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return Grant{}, err
	}
	if access.rank() == 0 {
		return Grant{}, core.InvalidInput("unknown access scope %q", access)
	}
	if strings.TrimSpace(string(target)) == "" {
		return Grant{}, core.InvalidInput("target memory space is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := s.load(ctx, tx, contextID)
	if err != nil {
		return Grant{}, err
	}
	if err := s.authorize(ctx, tx, scope, c, AccessFull); err != nil {
		return Grant{}, err
	}
	if string(target) == c.MemorySpaceID {
		return Grant{}, core.InvalidInput("the owning space already has full access")
	}
	grants, err := s.grants(ctx, tx, contextID)
	if err != nil {
		return Grant{}, err
	}
	if existing, ok := lo.Find(grants, func(g Grant) bool { return g.MemorySpaceID == string(target) }); ok &&
		existing.Scope.rank() >= access.rank() {
		return existing, nil
	}

	g := Grant{MemorySpaceID: string(target), Scope: access, GrantedBy: grantedBy, GrantedAt: core.NowMillis()}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_grants (context_id, memory_space_id, scope, granted_by, granted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(context_id, memory_space_id) DO UPDATE SET
			scope = excluded.scope, granted_by = excluded.granted_by, granted_at = excluded.granted_at`,
		contextID, g.MemorySpaceID, string(g.Scope), g.GrantedBy, g.GrantedAt); err != nil {
		return Grant{}, fmt.Errorf("save grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Grant{}, fmt.Errorf("commit: %w", err)
	}

	c.GrantedAccess = append(lo.Filter(grants, func(x Grant, _ int) bool { return x.MemorySpaceID != g.MemorySpaceID }), g)
	events.Emit(ctx, s.bus, c.Scope(), events.TableContexts, contextID, events.OpUpdate, c)
	return g, nil
}

// Delete removes a context owned by the scope together with its subtree. It is
// refused while any descendant is still active or blocked.
func (s *Store) Delete(ctx context.Context, scope core.Scope, contextID string) error {
	s.logger.Debug().
		Str("method", "Delete").
		Str("scope", scope.String()).
		Str("context_id", contextID).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := s.load(ctx, tx, contextID)
	if err != nil {
		return err
	}
	if !scope.Owns(c.TenantID, c.MemorySpaceID) {
		return core.IsolationViolation(entity, contextID, "only the owning space can delete a context")
	}
	subtree, err := s.subtree(ctx, tx, c)
	if err != nil {
		return err
	}
	if blocking, ok := lo.Find(subtree[1:], func(d Context) bool { return !d.Status.Terminal() }); ok {
		return core.InvariantViolation(entity, contextID, "descendant %s is still %s", blocking.ContextID, blocking.Status)
	}
	ids := lo.Map(subtree, func(d Context, _ int) string { return d.ContextID })
	if err := deleteContexts(ctx, tx, ids); err != nil {
		return err
	}
	var parent *Context
	if c.ParentID != "" {
		if err := unlinkChild(ctx, tx, c.ParentID, contextID); err != nil {
			return err
		}
		if p, err := s.load(ctx, tx, c.ParentID); err == nil {
			parent = &p
		} else if !core.IsNotFound(err) {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, d := range subtree {
		events.Emit(ctx, s.bus, d.Scope(), events.TableContexts, d.ContextID, events.OpDelete, nil)
	}
	if parent != nil {
		events.Emit(ctx, s.bus, parent.Scope(), events.TableContexts, parent.ContextID, events.OpUpdate, *parent)
	}
	return nil
}

// PruneVersions trims archived context versions to limit.
func (s *Store) PruneVersions(ctx context.Context, target core.RetentionTarget, limit core.VersionLimit) (core.SweepResult, error) {
	return sqlutil.PruneVersions(ctx, s.db, sqlutil.VersionTable{
		Versions:   "context_versions",
		Parent:     "contexts",
		Keys:       []string{"context_id"},
		SizeColumn: "purpose",
	}, target, limit, core.NowMillis())
}

// PurgeExpired removes completed or cancelled contexts not updated since cutoff. A
// context is only purged together with its whole subtree, so live work never loses
// an ancestor.
func (s *Store) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	query, args, err := sq.Select(contextColumns...).From("contexts").
		Where(sqlutil.OwnerFilter("", target)).
		Where(sq.Eq{"status": []string{string(StatusCompleted), string(StatusCancelled)}}).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return core.SweepResult{}, fmt.Errorf("build select: %w", err)
	}
	candidates, err := s.queryContexts(ctx, s.db, query, args...)
	if err != nil {
		return core.SweepResult{}, err
	}
	byID := lo.KeyBy(candidates, func(c Context) string { return c.ContextID })

	purgeable := make(map[string]bool, len(candidates))
	var check func(id string, seen map[string]bool) bool
	check = func(id string, seen map[string]bool) bool {
		if v, ok := purgeable[id]; ok {
			return v
		}
		c, ok := byID[id]
		if !ok || seen[id] {
			return false
		}
		seen[id] = true
		ok = lo.EveryBy(c.ChildIDs, func(child string) bool { return check(child, seen) })
		purgeable[id] = ok
		return ok
	}
	var doomed []Context
	for _, c := range candidates {
		if check(c.ContextID, map[string]bool{}) {
			doomed = append(doomed, c)
		}
	}
	if len(doomed) == 0 {
		return core.SweepResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.SweepResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := lo.Map(doomed, func(c Context, _ int) string { return c.ContextID })
	if err := deleteContexts(ctx, tx, ids); err != nil {
		return core.SweepResult{}, err
	}
	var res core.SweepResult
	for _, c := range doomed {
		res.BytesFreed += int64(len(c.Purpose))
		if c.ParentID != "" && !purgeable[c.ParentID] {
			if err := unlinkChild(ctx, tx, c.ParentID, c.ContextID); err != nil {
				return core.SweepResult{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return core.SweepResult{}, fmt.Errorf("commit: %w", err)
	}
	res.RecordsPurged = len(doomed)
	for _, c := range doomed {
		events.Emit(ctx, s.bus, c.Scope(), events.TableContexts, c.ContextID, events.OpDelete, nil)
	}
	return res, nil
}

// authorize checks that scope may act on c with at least need. The owning space has
// full access; other spaces need a grant on c itself or on its root.
func (s *Store) authorize(ctx context.Context, q sqlutil.Querier, scope core.Scope, c Context, need AccessScope) error {
	if string(scope.Tenant) != c.TenantID {
		return core.IsolationViolation(entity, c.ContextID, "context belongs to another tenant")
	}
	if string(scope.Space) == c.MemorySpaceID {
		return nil
	}
	query, args, err := sq.Select("scope").From("context_grants").
		Where(sq.Eq{"memory_space_id": string(scope.Space), "context_id": lo.Uniq([]string{c.ContextID, c.RootID})}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build grant query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query grants: %w", err)
	}
	best := 0
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			_ = rows.Close() //nolint:errcheck // already failing
			return err
		}
		best = max(best, AccessScope(a).rank())
	}
	_ = rows.Close() //nolint:errcheck // no remedy for rows close error
	if err := rows.Err(); err != nil {
		return err
	}
	if best == 0 {
		return core.IsolationViolation(entity, c.ContextID, "space %s has no grant", scope.Space)
	}
	if best < need.rank() {
		return core.IsolationViolation(entity, c.ContextID, "space %s needs %s access", scope.Space, need)
	}
	return nil
}

// subtree returns c followed by all its descendants, breadth first.
func (s *Store) subtree(ctx context.Context, q sqlutil.Querier, c Context) ([]Context, error) {
	out := []Context{c}
	seen := map[string]bool{c.ContextID: true}
	for i := 0; i < len(out); i++ {
		for _, id := range out[i].ChildIDs {
			if seen[id] {
				return nil, core.InvariantViolation(entity, c.ContextID, "context %s appears twice in the tree", id)
			}
			seen[id] = true
			child, err := s.load(ctx, q, id)
			if core.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
	}
	return out, nil
}

func deleteContexts(ctx context.Context, tx *sql.Tx, ids []string) error {
	stmts := []sq.Sqlizer{
		sq.Delete("context_versions").Where(sq.Eq{"context_id": ids}),
		sq.Delete("context_grants").Where(sq.Eq{"context_id": ids}),
		sq.Delete("contexts").Where(sq.Eq{"context_id": ids}),
	}
	for _, stmt := range stmts {
		query, args, err := stmt.ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete contexts: %w", err)
		}
	}
	return nil
}

func unlinkChild(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contexts
		SET child_ids = (SELECT json_group_array(value) FROM json_each(contexts.child_ids) WHERE value != ?),
			updated_at = ?
		WHERE context_id = ?`, childID, core.NowMillis(), parentID)
	if err != nil {
		return fmt.Errorf("unlink child: %w", err)
	}
	return nil
}

func (s *Store) hydrate(ctx context.Context, c Context) (Context, error) {
	var err error
	if c.GrantedAccess, err = s.grants(ctx, s.db, c.ContextID); err != nil {
		return Context{}, err
	}
	if c.PreviousVersions, err = s.versions(ctx, c.ContextID); err != nil {
		return Context{}, err
	}
	return c, nil
}

func (s *Store) load(ctx context.Context, q sqlutil.Querier, contextID string) (Context, error) {
	query, args, err := sq.Select(contextColumns...).From("contexts").Where(sq.Eq{"context_id": contextID}).ToSql()
	if err != nil {
		return Context{}, fmt.Errorf("build query: %w", err)
	}
	c, err := scanContext(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Context{}, core.NotFound(entity, contextID)
	}
	if err != nil {
		return Context{}, fmt.Errorf("load context: %w", err)
	}
	return c, nil
}

func (s *Store) grants(ctx context.Context, q sqlutil.Querier, contextID string) ([]Grant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT memory_space_id, scope, granted_by, granted_at FROM context_grants WHERE context_id = ? ORDER BY granted_at`,
		contextID)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Grant{}
	for rows.Next() {
		var g Grant
		var access string
		if err := rows.Scan(&g.MemorySpaceID, &access, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.Scope = AccessScope(access)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) versions(ctx context.Context, contextID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, purpose, status, data, recorded_at FROM context_versions WHERE context_id = ? ORDER BY version`,
		contextID)
	if err != nil {
		return nil, fmt.Errorf("query context versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Version{}
	for rows.Next() {
		var v Version
		var status string
		var data *string
		if err := rows.Scan(&v.Version, &v.Purpose, &status, &data, &v.RecordedAt); err != nil {
			return nil, err
		}
		v.Status = Status(status)
		if v.Data, err = core.DecodePayload(data); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) queryContexts(ctx context.Context, q sqlutil.Querier, query string, args ...any) ([]Context, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contexts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Context{}
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContext(row sqlutil.Scanner) (Context, error) {
	var (
		c              Context
		parentID       *string
		childIDs, data *string
		status         string
		completedAt    sql.NullInt64
	)
	if err := row.Scan(&c.ContextID, &c.TenantID, &c.MemorySpaceID, &c.Purpose, &parentID, &c.RootID, &c.Depth,
		&childIDs, &status, &data, &c.UserID, &c.ConversationID, &c.Version, &c.CreatedAt,
		&c.UpdatedAt, &completedAt); err != nil {
		return Context{}, err
	}
	c.ParentID = sqlutil.Deref(parentID)
	c.Status = Status(status)
	c.CompletedAt = completedAt.Int64
	if err := sqlutil.UnmarshalJSON(childIDs, &c.ChildIDs); err != nil {
		return Context{}, fmt.Errorf("decode child ids: %w", err)
	}
	if c.ChildIDs == nil {
		c.ChildIDs = []string{}
	}
	var err error
	if c.Data, err = core.DecodePayload(data); err != nil {
		return Context{}, err
	}
	c.GrantedAccess = []Grant{}
	c.PreviousVersions = []Version{}
	return c, nil
}
