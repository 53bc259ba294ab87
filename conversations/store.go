package conversations

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

const entity = "conversation"

var (
	conversationColumns = []string{
		"conversation_id", "tenant_id", "memory_space_id", "type", "participants", "visibility",
		"message_count", "metadata", "created_at", "updated_at",
	}
	messageColumns = []string{
		"message_id", "conversation_id", "seq", "role", "participant_id", "content", "attachments",
		"approval", "created_at",
	}
)

// Store handles persistence of conversations and their messages.
type Store struct {
	db     *sql.DB
	bus    events.Publisher
	logger zerolog.Logger
}

// NewStore creates a new conversation store.
func NewStore(db *sql.DB, bus events.Publisher, logger zerolog.Logger) *Store {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Store{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "conversation_store").Logger(),
	}
}

// Start creates an empty conversation in scope.
func (s *Store) Start(ctx context.Context, scope core.Scope, in StartInput) (Conversation, error) {
	s.logger.Debug().
		Str("method", "Start").
		Str("scope", scope.String()).
		Str("type", string(in.Type)).
		Msg("called")
	if err := scope.Validate(); err != nil {
		return Conversation{}, err
	}
	if in.Type != TypeUserAgent && in.Type != TypeAgentAgent {
		return Conversation{}, core.InvalidInput("invalid conversation type %q", in.Type)
	}
	if in.Visibility == "" {
		in.Visibility = VisibilityPrivate
	}

	now := core.NowMillis()
	conv := Conversation{
		ConversationID: in.ID,
		TenantID:       string(scope.Tenant),
		MemorySpaceID:  string(scope.Space),
		Type:           in.Type,
		Participants:   in.Participants,
		Visibility:     in.Visibility,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if conv.ConversationID == "" {
		conv.ConversationID = core.NewID("conv")
	}
	if conv.Participants == nil {
		conv.Participants = []Participant{}
	}

	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return Conversation{}, fmt.Errorf("marshal participants: %w", err)
	}
	meta, err := core.EncodePayload(conv.Metadata)
	if err != nil {
		return Conversation{}, err
	}
	query, args, err := sq.Insert("conversations").
		Columns(conversationColumns...).
		Values(conv.ConversationID, conv.TenantID, conv.MemorySpaceID, string(conv.Type), string(participants),
			string(conv.Visibility), 0, meta, conv.CreatedAt, conv.UpdatedAt).
		ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "Start").Msg("Failed to insert conversation")
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	events.Emit(ctx, s.bus, scope, events.TableConversations, conv.ConversationID, events.OpInsert, conv)
	return conv, nil
}

// Append appends a message to the conversation. The append, the message count bump and
// the updatedAt refresh commit together or not at all.
func (s *Store) Append(ctx context.Context, scope core.Scope, conversationID string, in MessageInput) (Message, error) {
	s.logger.Debug().
		Str("method", "Append").
		Str("scope", scope.String()).
		Str("conversation_id", conversationID).
		Str("role", string(in.Role)).
		Msg("called")
	if !validRole(in.Role) {
		return Message{}, core.InvalidInput("invalid message role %q", in.Role)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return Message{}, core.InvalidInput("message has no content")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := s.loadHeader(ctx, tx, scope, conversationID)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             in.ID,
		ConversationID: conversationID,
		Seq:            conv.MessageCount + 1,
		Role:           in.Role,
		ParticipantID:  in.ParticipantID,
		Content:        in.Content,
		Attachments:    in.Attachments,
		Approval:       in.Approval,
		Timestamp:      core.NowMillis(),
	}
	if msg.ID == "" {
		msg.ID = core.NewID("msg")
	}
	attachments, err := sqlutil.MarshalJSON(nilIfEmpty(msg.Attachments))
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}
	approval, err := sqlutil.MarshalJSON(msg.Approval)
	if err != nil {
		return Message{}, fmt.Errorf("marshal approval: %w", err)
	}

	query, args, err := sq.Insert("conversation_messages").
		Columns(messageColumns...).
		Values(msg.ID, msg.ConversationID, msg.Seq, string(msg.Role), msg.ParticipantID, msg.Content,
			attachments, approval, msg.Timestamp).
		ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build query: %w", err)
	}
	// A retried append with the same message id must not append twice.
	res, err := tx.ExecContext(ctx, sqlutil.InsertOrIgnore(query), args...)
	if err != nil {
		s.logger.Error().Err(err).Str("method", "Append").Msg("Failed to insert message")
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := getMessage(ctx, tx, msg.ID)
		if err != nil {
			return Message{}, err
		}
		if existing.ConversationID != conversationID {
			return Message{}, core.InvariantViolation("message", msg.ID, "id already used in another conversation")
		}
		return existing, nil
	}

	updateQuery, updateArgs, err := sq.Update("conversations").
		Set("message_count", sq.Expr("message_count + 1")).
		Set("updated_at", msg.Timestamp).
		Where(sq.Eq{"conversation_id": conversationID, "message_count": conv.MessageCount}).
		ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build query: %w", err)
	}
	res, err = tx.ExecContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return Message{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, core.ConcurrentUpdate(entity, conversationID)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	conv.MessageCount++
	conv.UpdatedAt = msg.Timestamp
	events.Emit(ctx, s.bus, scope, events.TableConversations, conversationID, events.OpUpdate, conv)
	return msg, nil
}

// Get returns the conversation with all of its messages.
func (s *Store) Get(ctx context.Context, scope core.Scope, conversationID string) (Conversation, error) {
	conv, err := s.loadHeader(ctx, s.db, scope, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	conv.Messages, err = s.listMessages(ctx, conversationID, 0, 0)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ListMessages returns messages with seq greater than afterSeq, oldest first.
func (s *Store) ListMessages(ctx context.Context, scope core.Scope, conversationID string, afterSeq, limit int) ([]Message, error) {
	if _, err := s.loadHeader(ctx, s.db, scope, conversationID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, conversationID, afterSeq, limit)
}

// List returns the conversation headers in scope, most recently updated first.
func (s *Store) List(ctx context.Context, scope core.Scope, limit int) ([]Conversation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query, args, err := sq.Select(conversationColumns...).From("conversations").
		Where(sq.Eq{"tenant_id": string(scope.Tenant), "memory_space_id": string(scope.Space)}).
		OrderBy("updated_at DESC").
		Limit(uint64(limit)). //nolint:gosec // limit is positive
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// PurgeExpired physically deletes conversations (with messages, shares and snapshots)
// not updated since cutoff.
func (s *Store) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	var res core.SweepResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sq.Select("c.conversation_id", "c.memory_space_id",
		"COALESCE((SELECT SUM(LENGTH(m.content)) FROM conversation_messages m WHERE m.conversation_id = c.conversation_id), 0)").
		From("conversations c").
		Where(sqlutil.OwnerFilter("c", target)).
		Where(sq.Lt{"c.updated_at": cutoff}).
		ToSql()
	if err != nil {
		return res, fmt.Errorf("build query: %w", err)
	}
	type victim struct {
		id, space string
	}
	var victims []victim
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("select expired conversations: %w", err)
	}
	for rows.Next() {
		var v victim
		var size int64
		if err := rows.Scan(&v.id, &v.space, &size); err != nil {
			_ = rows.Close() //nolint:errcheck // already failing
			return res, err
		}
		res.BytesFreed += size
		victims = append(victims, v)
	}
	_ = rows.Close() //nolint:errcheck // no remedy for rows close error
	if err := rows.Err(); err != nil {
		return res, err
	}
	if len(victims) == 0 {
		return res, nil
	}

	ids := make([]string, len(victims))
	for i, v := range victims {
		ids[i] = v.id
	}
	for _, table := range []string{"conversation_messages", "conversation_shares", "conversation_snapshots", "conversations"} {
		q, a, err := sq.Delete(table).Where(sq.Eq{"conversation_id": ids}).ToSql()
		if err != nil {
			return res, fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, a...); err != nil {
			return res, fmt.Errorf("purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}

	res.RecordsPurged = len(victims)
	for _, v := range victims {
		scope := core.Scope{Tenant: target.Tenant, Space: core.SpaceID(v.space)}
		events.Emit(ctx, s.bus, scope, events.TableConversations, v.id, events.OpDelete, nil)
	}
	s.logger.Info().Int("purged", len(victims)).Msg("Purged expired conversations")
	return res, nil
}

// loadHeader fetches the conversation header and checks it belongs to scope.
func (s *Store) loadHeader(ctx context.Context, q sqlutil.Querier, scope core.Scope, conversationID string) (Conversation, error) {
	if err := scope.Validate(); err != nil {
		return Conversation{}, err
	}
	query, args, err := sq.Select(conversationColumns...).From("conversations").
		Where(sq.Eq{"conversation_id": conversationID}).ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build query: %w", err)
	}
	conv, err := scanConversation(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, core.NotFound(entity, conversationID)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !scope.Owns(conv.TenantID, conv.MemorySpaceID) {
		return Conversation{}, core.IsolationViolation(entity, conversationID, "conversation is outside scope %s", scope)
	}
	return conv, nil
}

func (s *Store) listMessages(ctx context.Context, conversationID string, afterSeq, limit int) ([]Message, error) {
	b := sq.Select(messageColumns...).From("conversation_messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		Where(sq.Gt{"seq": afterSeq}).
		OrderBy("seq ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit)) //nolint:gosec // limit is positive
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	out := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func getMessage(ctx context.Context, q sqlutil.Querier, id string) (Message, error) {
	query, args, err := sq.Select(messageColumns...).From("conversation_messages").
		Where(sq.Eq{"message_id": id}).ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build query: %w", err)
	}
	msg, err := scanMessage(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, core.NotFound("message", id)
	}
	return msg, err
}

func scanConversation(row sqlutil.Scanner) (Conversation, error) {
	var (
		conv                   Conversation
		typ, visibility, parts string
		meta                   *string
	)
	if err := row.Scan(&conv.ConversationID, &conv.TenantID, &conv.MemorySpaceID, &typ, &parts, &visibility,
		&conv.MessageCount, &meta, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	conv.Type = Type(typ)
	conv.Visibility = Visibility(visibility)
	if err := json.Unmarshal([]byte(parts), &conv.Participants); err != nil {
		return Conversation{}, fmt.Errorf("decode participants: %w", err)
	}
	p, err := core.DecodePayload(meta)
	if err != nil {
		return Conversation{}, err
	}
	conv.Metadata = p
	return conv, nil
}

func scanMessage(row sqlutil.Scanner) (Message, error) {
	var (
		msg                   Message
		role                  string
		attachments, approval *string
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &role, &msg.ParticipantID, &msg.Content,
		&attachments, &approval, &msg.Timestamp); err != nil {
		return Message{}, err
	}
	msg.Role = Role(role)
	if err := sqlutil.UnmarshalJSON(attachments, &msg.Attachments); err != nil {
		return Message{}, fmt.Errorf("decode attachments: %w", err)
	}
	if err := sqlutil.UnmarshalJSON(approval, &msg.Approval); err != nil {
		return Message{}, fmt.Errorf("decode approval: %w", err)
	}
	return msg, nil
}

func nilIfEmpty(refs []AttachmentRef) any {
	if len(refs) == 0 {
		return nil
	}
	return refs
}
