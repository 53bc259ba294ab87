package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ShareType says who a share grants access to.
type ShareType string

const (
	ShareUser   ShareType = "user"
	ShareSpace  ShareType = "space"
	ShareLink   ShareType = "link"
	ShareDomain ShareType = "domain"
)

// Permission is a capability bit on a share.
type Permission string

const (
	PermView         Permission = "view"
	PermViewFacts    Permission = "view-facts"
	PermViewMemories Permission = "view-memories"
	PermContinue     Permission = "continue"
	PermFork         Permission = "fork"
	PermExport       Permission = "export"
)

// ShareStatus of a share.
type ShareStatus string

const (
	ShareActive  ShareStatus = "active"
	ShareRevoked ShareStatus = "revoked"
)

const redactedText = "[redacted]"

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
)

// Redaction rules applied when a snapshot is taken.
type Redaction struct {
	ExcludeRoles []Role   `json:"excludeRoles,omitempty"`
	Patterns     []string `json:"patterns,omitempty"`
	MaskEmails   bool     `json:"maskEmails,omitempty"`
	MaskPhones   bool     `json:"maskPhones,omitempty"`
}

// Snapshot is an immutable, redaction-applied copy of a conversation.
type Snapshot struct {
	SnapshotID     string     `json:"snapshotId"`
	ConversationID string     `json:"conversationId"`
	TenantID       string     `json:"tenantId,omitempty"`
	MemorySpaceID  string     `json:"memorySpaceId"`
	MessageCount   int        `json:"messageCount"`
	Messages       []Message  `json:"messages"`
	Redaction      *Redaction `json:"redaction,omitempty"`
	CreatedAt      int64      `json:"createdAt"`
}

// Share is a capability granting access to a conversation snapshot.
type Share struct {
	ShareID        string       `json:"shareId"`
	Token          string       `json:"token"`
	ConversationID string       `json:"conversationId"`
	TenantID       string       `json:"tenantId,omitempty"`
	MemorySpaceID  string       `json:"memorySpaceId"`
	Type           ShareType    `json:"type"`
	Target         string       `json:"target,omitempty"`
	Permissions    []Permission `json:"permissions"`
	Redaction      *Redaction   `json:"redaction,omitempty"`
	SnapshotID     string       `json:"snapshotId"`
	ExpiresAt      *int64       `json:"expiresAt,omitempty"`
	MaxViews       *int         `json:"maxViews,omitempty"`
	ViewCount      int          `json:"viewCount"`
	Status         ShareStatus  `json:"status"`
	CreatedBy      string       `json:"createdBy,omitempty"`
	CreatedAt      int64        `json:"createdAt"`
	UpdatedAt      int64        `json:"updatedAt"`
}

// Has reports whether the share carries permission p.
func (s Share) Has(p Permission) bool { return slices.Contains(s.Permissions, p) }

// ShareInput describes a new share.
type ShareInput struct {
	Type        ShareType
	Target      string
	Permissions []Permission
	Redaction   *Redaction
	ExpiresIn   time.Duration
	MaxViews    int
	CreatedBy   string
}

// Viewer identifies who is presenting a share token.
type Viewer struct {
	UserID  string
	SpaceID string
	Email   string
}

// SharedView is what a valid share token resolves to.
type SharedView struct {
	Share    Share    `json:"share"`
	Snapshot Snapshot `json:"snapshot"`
}

var shareColumns = []string{
	"share_id", "token", "conversation_id", "tenant_id", "memory_space_id", "share_type", "target",
	"permissions", "redaction", "snapshot_id", "expires_at", "max_views", "view_count", "status",
	"created_by", "created_at", "updated_at",
}

var snapshotColumns = []string{
	"snapshot_id", "conversation_id", "tenant_id", "memory_space_id", "message_count", "messages",
	"redaction", "created_at",
}

// Snapshot stores a redacted copy of the conversation as it is now.
func (s *Store) Snapshot(ctx context.Context, scope core.Scope, conversationID string, redaction *Redaction) (Snapshot, error) {
	s.logger.Debug().Str("method", "Snapshot").Str("conversation_id", conversationID).Msg("called")
	conv, err := s.Get(ctx, scope, conversationID)
	if err != nil {
		return Snapshot{}, err
	}
	msgs, err := applyRedaction(conv.Messages, redaction)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		SnapshotID:     core.NewID("snap"),
		ConversationID: conversationID,
		TenantID:       conv.TenantID,
		MemorySpaceID:  conv.MemorySpaceID,
		MessageCount:   conv.MessageCount,
		Messages:       msgs,
		Redaction:      redaction,
		CreatedAt:      core.NowMillis(),
	}
	messagesJSON, err := sqlutil.MarshalJSON(snap.Messages)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	redactionJSON, err := sqlutil.MarshalJSON(redaction)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal redaction: %w", err)
	}
	query, args, err := sq.Insert("conversation_snapshots").
		Columns(snapshotColumns...).
		Values(snap.SnapshotID, snap.ConversationID, snap.TenantID, snap.MemorySpaceID, snap.MessageCount,
			messagesJSON, redactionJSON, snap.CreatedAt).
		ToSql()
	if err != nil {
		return Snapshot{}, fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "Snapshot").Msg("Failed to insert snapshot")
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshot loads a stored snapshot.
func (s *Store) GetSnapshot(ctx context.Context, scope core.Scope, snapshotID string) (Snapshot, error) {
	snap, err := s.getSnapshot(ctx, snapshotID)
	if err != nil {
		return Snapshot{}, err
	}
	if !scope.Owns(snap.TenantID, snap.MemorySpaceID) {
		return Snapshot{}, core.IsolationViolation("snapshot", snapshotID, "snapshot is outside scope %s", scope)
	}
	return snap, nil
}

// Share issues a share capability over a fresh snapshot of the conversation.
func (s *Store) Share(ctx context.Context, scope core.Scope, conversationID string, in ShareInput) (Share, error) {
	s.logger.Debug().
		Str("method", "Share").
		Str("conversation_id", conversationID).
		Str("type", string(in.Type)).
		Msg("called")
	if err := validateShare(in); err != nil {
		return Share{}, err
	}

	snap, err := s.Snapshot(ctx, scope, conversationID, in.Redaction)
	if err != nil {
		return Share{}, err
	}

	now := core.NowMillis()
	share := Share{
		ShareID:        core.NewID("share"),
		Token:          strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
		ConversationID: conversationID,
		TenantID:       string(scope.Tenant),
		MemorySpaceID:  string(scope.Space),
		Type:           in.Type,
		Target:         strings.ToLower(strings.TrimSpace(in.Target)),
		Permissions:    lo.Uniq(in.Permissions),
		Redaction:      in.Redaction,
		SnapshotID:     snap.SnapshotID,
		Status:         ShareActive,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.ExpiresIn > 0 {
		share.ExpiresAt = lo.ToPtr(now + in.ExpiresIn.Milliseconds())
	}
	if in.MaxViews > 0 {
		share.MaxViews = lo.ToPtr(in.MaxViews)
	}

	perms, err := sqlutil.MarshalJSON(share.Permissions)
	if err != nil {
		return Share{}, err
	}
	redaction, err := sqlutil.MarshalJSON(share.Redaction)
	if err != nil {
		return Share{}, err
	}
	query, args, err := sq.Insert("conversation_shares").
		Columns(shareColumns...).
		Values(share.ShareID, share.Token, share.ConversationID, share.TenantID, share.MemorySpaceID,
			string(share.Type), share.Target, perms, redaction, share.SnapshotID, share.ExpiresAt,
			share.MaxViews, 0, string(share.Status), share.CreatedBy, share.CreatedAt, share.UpdatedAt).
		ToSql()
	if err != nil {
		return Share{}, fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("method", "Share").Msg("Failed to insert share")
		return Share{}, fmt.Errorf("insert share: %w", err)
	}

	s.logger.Info().Str("share_id", share.ShareID).Str("conversation_id", conversationID).Msg("Issued conversation share")
	return share, nil
}

// RevokeShare flips the share to revoked. Revoking twice is a no-op.
func (s *Store) RevokeShare(ctx context.Context, scope core.Scope, shareID string) error {
	query, args, err := sq.Update("conversation_shares").
		Set("status", string(ShareRevoked)).
		Set("updated_at", core.NowMillis()).
		Where(sq.Eq{"share_id": shareID, "tenant_id": string(scope.Tenant), "memory_space_id": string(scope.Space)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("revoke share: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("share", shareID)
	}
	return nil
}

// AccessShare resolves a token for viewer, counting the view. Revoked, expired,
// exhausted or mis-targeted shares are isolation violations.
func (s *Store) AccessShare(ctx context.Context, token string, viewer Viewer) (SharedView, error) {
	s.logger.Debug().Str("method", "AccessShare").Str("viewer", viewer.UserID).Msg("called")
	share, err := s.shareByToken(ctx, token)
	if err != nil {
		return SharedView{}, err
	}
	now := core.NowMillis()
	switch {
	case share.Status != ShareActive:
		return SharedView{}, core.IsolationViolation("share", share.ShareID, "share has been revoked")
	case share.ExpiresAt != nil && now >= *share.ExpiresAt:
		return SharedView{}, core.IsolationViolation("share", share.ShareID, "share has expired")
	case !share.Has(PermView):
		return SharedView{}, core.IsolationViolation("share", share.ShareID, "share does not grant view")
	case !targetMatches(share, viewer):
		return SharedView{}, core.IsolationViolation("share", share.ShareID, "share is not granted to this viewer")
	}

	query, args, err := sq.Update("conversation_shares").
		Set("view_count", sq.Expr("view_count + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"share_id": share.ShareID, "status": string(ShareActive)}).
		Where(sq.Or{sq.Eq{"max_views": nil}, sq.Expr("view_count < max_views")}).
		ToSql()
	if err != nil {
		return SharedView{}, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return SharedView{}, fmt.Errorf("count share view: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return SharedView{}, core.IsolationViolation("share", share.ShareID, "share view limit reached")
	}
	share.ViewCount++

	snap, err := s.getSnapshot(ctx, share.SnapshotID)
	if err != nil {
		return SharedView{}, err
	}
	return SharedView{Share: share, Snapshot: snap}, nil
}

func (s *Store) shareByToken(ctx context.Context, token string) (Share, error) {
	query, args, err := sq.Select(shareColumns...).From("conversation_shares").
		Where(sq.Eq{"token": token}).ToSql()
	if err != nil {
		return Share{}, fmt.Errorf("build query: %w", err)
	}
	var (
		share              Share
		typ, status, perms string
		redaction          *string
		snapshotID         *string
		expiresAt          sql.NullInt64
		maxViews           sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&share.ShareID, &share.Token, &share.ConversationID,
		&share.TenantID, &share.MemorySpaceID, &typ, &share.Target, &perms, &redaction, &snapshotID, &expiresAt,
		&maxViews, &share.ViewCount, &status, &share.CreatedBy, &share.CreatedAt, &share.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Share{}, core.NotFound("share", "token")
	}
	if err != nil {
		return Share{}, fmt.Errorf("load share: %w", err)
	}
	share.Type = ShareType(typ)
	share.Status = ShareStatus(status)
	share.SnapshotID = sqlutil.Deref(snapshotID)
	if err := sqlutil.UnmarshalJSON(&perms, &share.Permissions); err != nil {
		return Share{}, fmt.Errorf("decode permissions: %w", err)
	}
	if err := sqlutil.UnmarshalJSON(redaction, &share.Redaction); err != nil {
		return Share{}, fmt.Errorf("decode redaction: %w", err)
	}
	if expiresAt.Valid {
		share.ExpiresAt = lo.ToPtr(expiresAt.Int64)
	}
	if maxViews.Valid {
		share.MaxViews = lo.ToPtr(int(maxViews.Int64))
	}
	return share, nil
}

func (s *Store) getSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	query, args, err := sq.Select(snapshotColumns...).From("conversation_snapshots").
		Where(sq.Eq{"snapshot_id": snapshotID}).ToSql()
	if err != nil {
		return Snapshot{}, fmt.Errorf("build query: %w", err)
	}
	var (
		snap      Snapshot
		messages  string
		redaction *string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&snap.SnapshotID, &snap.ConversationID, &snap.TenantID,
		&snap.MemorySpaceID, &snap.MessageCount, &messages, &redaction, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, core.NotFound("snapshot", snapshotID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if err := sqlutil.UnmarshalJSON(&messages, &snap.Messages); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot messages: %w", err)
	}
	if err := sqlutil.UnmarshalJSON(redaction, &snap.Redaction); err != nil {
		return Snapshot{}, fmt.Errorf("decode redaction: %w", err)
	}
	return snap, nil
}

func validateShare(in ShareInput) error {
	switch in.Type {
	case ShareLink:
	case ShareUser, ShareSpace, ShareDomain:
		if strings.TrimSpace(in.Target) == "" {
			return core.InvalidInput("%s share requires a target", in.Type)
		}
	default:
		return core.InvalidInput("invalid share type %q", in.Type)
	}
	if len(in.Permissions) == 0 {
		return core.InvalidInput("share requires at least one permission")
	}
	for _, p := range in.Permissions {
		switch p {
		case PermView, PermViewFacts, PermViewMemories, PermContinue, PermFork, PermExport:
		default:
			return core.InvalidInput("invalid permission %q", p)
		}
	}
	if in.Redaction != nil {
		for _, p := range in.Redaction.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return core.InvalidInput("invalid redaction pattern %q: %v", p, err)
			}
		}
	}
	return nil
}

func targetMatches(share Share, viewer Viewer) bool {
	switch share.Type {
	case ShareLink:
		return true
	case ShareUser:
		return strings.EqualFold(share.Target, viewer.UserID)
	case ShareSpace:
		return strings.EqualFold(share.Target, viewer.SpaceID)
	case ShareDomain:
		at := strings.LastIndex(viewer.Email, "@")
		return at >= 0 && strings.EqualFold(viewer.Email[at+1:], share.Target)
	}
	return false
}

func applyRedaction(msgs []Message, r *Redaction) ([]Message, error) {
	if r == nil {
		return msgs, nil
	}
	patterns := make([]*regexp.Regexp, 0, len(r.Patterns)+2)
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, core.InvalidInput("invalid redaction pattern %q: %v", p, err)
		}
		patterns = append(patterns, re)
	}
	if r.MaskEmails {
		patterns = append(patterns, emailPattern)
	}
	if r.MaskPhones {
		patterns = append(patterns, phonePattern)
	}

	out := lo.Reject(msgs, func(m Message, _ int) bool { return slices.Contains(r.ExcludeRoles, m.Role) })
	for i := range out {
		for _, re := range patterns {
			out[i].Content = re.ReplaceAllString(out[i].Content, redactedText)
		}
	}
	return out, nil
}
