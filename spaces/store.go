package spaces

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
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const entity = "memory_space"

var spaceColumns = []string{
	"memory_space_id", "tenant_id", "name", "type", "participants", "status", "metadata",
	"created_at", "updated_at",
}

// Store persists memory spaces.
type Store struct {
	db     *sql.DB
	bus    events.Publisher
	logger zerolog.Logger
}

// NewStore creates a registry backed by db.
func NewStore(db *sql.DB, bus events.Publisher, logger zerolog.Logger) *Store {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Store{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "space_registry").Logger(),
	}
}

// Create registers a new memory space, or returns the existing one when in.ID is
// already registered for the tenant.
func (s *Store) Create(ctx context.Context, tenant core.TenantID, in CreateInput) (MemorySpace, error) {
	s.logger.Debug().
		Str("method", "Create").
		Str("tenant_id", string(tenant)).
		Str("space_id", string(in.ID)).
		Str("type", string(in.Type)).
		Msg("called")

	if !validType(in.Type) {
		return MemorySpace{}, core.InvalidInput("invalid memory space type %q", in.Type)
	}
	if in.ID != "" {
		existing, err := s.get(ctx, string(in.ID))
		switch {
		case err == nil:
			if existing.TenantID != string(tenant) {
				return MemorySpace{}, core.IsolationViolation(entity, string(in.ID), "space belongs to another tenant")
			}
			return existing, nil
		case !core.IsNotFound(err):
			return MemorySpace{}, err
		}
	}

	now := core.NowMillis()
	space := MemorySpace{
		MemorySpaceID: string(in.ID),
		TenantID:      string(tenant),
		Name:          in.Name,
		Type:          in.Type,
		Participants:  dedupeParticipants(in.Participants, now),
		Status:        StatusActive,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if space.MemorySpaceID == "" {
		space.MemorySpaceID = core.NewID("space")
	}

	participantsJSON, err := json.Marshal(space.Participants)
	if err != nil {
		return MemorySpace{}, fmt.Errorf("marshal participants: %w", err)
	}
	meta, err := core.EncodePayload(space.Metadata)
	if err != nil {
		return MemorySpace{}, err
	}

	query, args, err := sq.Insert("memory_spaces").
		Columns(spaceColumns...).
		Values(space.MemorySpaceID, space.TenantID, space.Name, string(space.Type), string(participantsJSON),
			string(space.Status), meta, space.CreatedAt, space.UpdatedAt).
		Suffix("ON CONFLICT(memory_space_id) DO NOTHING").
		ToSql()
	if err != nil {
		return MemorySpace{}, fmt.Errorf("build insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("method", "Create").Msg("Failed to insert memory space")
		return MemorySpace{}, fmt.Errorf("insert memory space: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent create of the same id.
		return s.Create(ctx, tenant, CreateInput{ID: core.SpaceID(space.MemorySpaceID), Type: in.Type})
	}

	s.logger.Info().Str("space_id", space.MemorySpaceID).Str("type", string(space.Type)).Msg("Created memory space")
	events.Emit(ctx, s.bus, space.Scope(), events.TableMemorySpaces, space.MemorySpaceID, events.OpInsert, space)
	return space, nil
}

// EnsurePersonal returns the personal space for userID, creating it on first use.
func (s *Store) EnsurePersonal(ctx context.Context, tenant core.TenantID, userID core.UserID) (MemorySpace, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return MemorySpace{}, core.InvalidInput("user id is required")
	}
	return s.Create(ctx, tenant, CreateInput{
		ID:   PersonalSpaceID(userID),
		Name: string(userID),
		Type: TypePersonal,
		Participants: []Participant{
			{ID: string(userID), Kind: "user"},
		},
	})
}

// Get returns the space for tenant. A space owned by another tenant is reported as an
// isolation violation.
func (s *Store) Get(ctx context.Context, tenant core.TenantID, spaceID core.SpaceID) (MemorySpace, error) {
	space, err := s.get(ctx, string(spaceID))
	if err != nil {
		return MemorySpace{}, err
	}
	if space.TenantID != string(tenant) {
		return MemorySpace{}, core.IsolationViolation(entity, string(spaceID), "space belongs to another tenant")
	}
	return space, nil
}

// List returns the tenant's spaces, optionally filtered by status.
func (s *Store) List(ctx context.Context, tenant core.TenantID, status Status) ([]MemorySpace, error) {
	where := sq.And{sq.Eq{"tenant_id": string(tenant)}}
	if status != "" {
		where = append(where, sq.Eq{"status": string(status)})
	}
	query, args, err := sq.Select(spaceColumns...).From("memory_spaces").
		Where(where).OrderBy("created_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory spaces: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []MemorySpace
	for rows.Next() {
		space, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, space)
	}
	return out, rows.Err()
}

// AddParticipant adds p to the space. Adding an existing participant is a no-op.
func (s *Store) AddParticipant(ctx context.Context, scope core.Scope, p Participant) (MemorySpace, error) {
	if strings.TrimSpace(p.ID) == "" {
		return MemorySpace{}, core.InvalidInput("participant id is required")
	}
	return s.mutate(ctx, scope, "AddParticipant", func(space *MemorySpace) (bool, error) {
		if lo.ContainsBy(space.Participants, func(existing Participant) bool { return existing.ID == p.ID }) {
			return false, nil
		}
		if p.JoinedAt == 0 {
			p.JoinedAt = core.NowMillis()
		}
		space.Participants = append(space.Participants, p)
		return true, nil
	})
}

// RemoveParticipant removes the participant with participantID.
func (s *Store) RemoveParticipant(ctx context.Context, scope core.Scope, participantID string) (MemorySpace, error) {
	return s.mutate(ctx, scope, "RemoveParticipant", func(space *MemorySpace) (bool, error) {
		kept := lo.Reject(space.Participants, func(p Participant, _ int) bool { return p.ID == participantID })
		if len(kept) == len(space.Participants) {
			return false, core.NotFound("participant", participantID)
		}
		space.Participants = kept
		return true, nil
	})
}

// Archive soft-archives a space.
func (s *Store) Archive(ctx context.Context, scope core.Scope) (MemorySpace, error) {
	return s.setStatus(ctx, scope, StatusArchived)
}

// Unarchive reverses Archive.
func (s *Store) Unarchive(ctx context.Context, scope core.Scope) (MemorySpace, error) {
	return s.setStatus(ctx, scope, StatusActive)
}

func (s *Store) setStatus(ctx context.Context, scope core.Scope, status Status) (MemorySpace, error) {
	return s.mutate(ctx, scope, "setStatus", func(space *MemorySpace) (bool, error) {
		if space.Status == status {
			return false, nil
		}
		space.Status = status
		return true, nil
	})
}

// mutate loads the space in a transaction, applies fn and writes it back.
func (s *Store) mutate(ctx context.Context, scope core.Scope, method string, fn func(*MemorySpace) (bool, error)) (MemorySpace, error) {
	s.logger.Debug().Str("method", method).Str("scope", scope.String()).Msg("called")
	if err := scope.Validate(); err != nil {
		return MemorySpace{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MemorySpace{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	space, err := getSpace(ctx, tx, string(scope.Space))
	if err != nil {
		return MemorySpace{}, err
	}
	if space.TenantID != string(scope.Tenant) {
		return MemorySpace{}, core.IsolationViolation(entity, space.MemorySpaceID, "space belongs to another tenant")
	}

	changed, err := fn(&space)
	if err != nil || !changed {
		return space, err
	}

	participantsJSON, err := json.Marshal(space.Participants)
	if err != nil {
		return MemorySpace{}, fmt.Errorf("marshal participants: %w", err)
	}
	space.UpdatedAt = core.NowMillis()
	query, args, err := sq.Update("memory_spaces").
		Set("participants", string(participantsJSON)).
		Set("status", string(space.Status)).
		Set("updated_at", space.UpdatedAt).
		Where(sq.Eq{"memory_space_id": space.MemorySpaceID}).
		ToSql()
	if err != nil {
		return MemorySpace{}, fmt.Errorf("build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("Failed to update memory space")
		return MemorySpace{}, fmt.Errorf("update memory space: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return MemorySpace{}, fmt.Errorf("commit: %w", err)
	}

	events.Emit(ctx, s.bus, scope, events.TableMemorySpaces, space.MemorySpaceID, events.OpUpdate, space)
	return space, nil
}

// PurgeArchived hard-deletes archived spaces not touched since cutoff. A space is only
// purged once every layer holds no rows for it.
func (s *Store) PurgeArchived(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	var res core.SweepResult
	b := sq.Select("s.memory_space_id").From("memory_spaces s").
		Where(sq.Eq{"s.tenant_id": string(target.Tenant), "s.status": string(StatusArchived)}).
		Where(sq.Lt{"s.updated_at": cutoff})
	if target.Space != "" {
		b = b.Where(sq.Eq{"s.memory_space_id": string(target.Space)})
	}
	for _, table := range []string{"conversations", "memories", "facts", "contexts"} {
		b = b.Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s x WHERE x.memory_space_id = s.memory_space_id)", table))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return res, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("select purgeable spaces: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close() //nolint:errcheck // already failing
			return res, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close() //nolint:errcheck // no remedy for rows close error
	if err := rows.Err(); err != nil {
		return res, err
	}
	if len(ids) == 0 {
		return res, nil
	}

	query, args, err = sq.Delete("memory_spaces").Where(sq.Eq{"memory_space_id": ids}).ToSql()
	if err != nil {
		return res, fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "PurgeArchived").Msg("Failed to purge memory spaces")
		return res, fmt.Errorf("purge memory spaces: %w", err)
	}
	res.RecordsPurged = len(ids)
	for _, id := range ids {
		scope := core.Scope{Tenant: target.Tenant, Space: core.SpaceID(id)}
		events.Emit(ctx, s.bus, scope, events.TableMemorySpaces, id, events.OpDelete, nil)
	}
	return res, nil
}

func (s *Store) get(ctx context.Context, id string) (MemorySpace, error) {
	return getSpace(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSpace(ctx context.Context, q queryRower, id string) (MemorySpace, error) {
	query, args, err := sq.Select(spaceColumns...).From("memory_spaces").
		Where(sq.Eq{"memory_space_id": id}).ToSql()
	if err != nil {
		return MemorySpace{}, fmt.Errorf("build select: %w", err)
	}
	space, err := scanSpace(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return MemorySpace{}, core.NotFound(entity, id)
	}
	return space, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpace(row scanner) (MemorySpace, error) {
	var (
		space        MemorySpace
		typ, status  string
		participants string
		meta         *string
	)
	if err := row.Scan(&space.MemorySpaceID, &space.TenantID, &space.Name, &typ, &participants, &status,
		&meta, &space.CreatedAt, &space.UpdatedAt); err != nil {
		return MemorySpace{}, err
	}
	space.Type = SpaceType(typ)
	space.Status = Status(status)
	if err := json.Unmarshal([]byte(participants), &space.Participants); err != nil {
		return MemorySpace{}, fmt.Errorf("decode participants: %w", err)
	}
	p, err := core.DecodePayload(meta)
	if err != nil {
		return MemorySpace{}, err
	}
	space.Metadata = p
	return space, nil
}

func dedupeParticipants(in []Participant, now int64) []Participant {
	out := lo.UniqBy(in, func(p Participant) string { return p.ID })
	for i := range out {
		if out[i].JoinedAt == 0 {
			out[i].JoinedAt = now
		}
	}
	if out == nil {
		out = []Participant{}
	}
	return out
}
