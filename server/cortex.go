package server

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/contexts"
	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/spaces"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ api.CortexServer = (*Server)(nil)

// EnsureMemorySpace returns the user's personal space.
func (s *Server) EnsureMemorySpace(ctx context.Context, req api.EnsureSpaceRequest) (spaces.MemorySpace, error) {
	if req.UserID == "" {
		return spaces.MemorySpace{}, status.Error(codes.InvalidArgument, "userId is required")
	}
	return s.svc.EnsureMemorySpace(ctx, req.UserID)
}

// Remember commits an agent turn.
func (s *Server) Remember(ctx context.Context, req cortex.RememberInput) (cortex.RememberResult, error) {
	return s.svc.Remember(ctx, req)
}

// Recall returns what is relevant to a query.
func (s *Server) Recall(ctx context.Context, req cortex.RecallInput) (cortex.RecallResult, error) {
	return s.svc.Recall(ctx, req)
}

// StorePreference records a stated preference.
func (s *Server) StorePreference(ctx context.Context, req cortex.PreferenceInput) (cortex.PreferenceResult, error) {
	return s.svc.StorePreference(ctx, req)
}

// GetFactHistory returns a fact's chain and ledger.
func (s *Server) GetFactHistory(ctx context.Context, req api.FactHistoryRequest) (facts.History, error) {
	if req.FactID == "" {
		return facts.History{}, status.Error(codes.InvalidArgument, "factId is required")
	}
	return s.svc.GetFactHistory(ctx, req.SpaceRef, req.FactID)
}

// CreateContext creates a context.
func (s *Server) CreateContext(ctx context.Context, req api.CreateContextRequest) (contexts.Context, error) {
	return s.svc.CreateContext(ctx, req.SpaceRef, req.Input())
}

// UpdateContext updates a context.
func (s *Server) UpdateContext(ctx context.Context, req api.UpdateContextRequest) (contexts.Context, error) {
	if req.ContextID == "" {
		return contexts.Context{}, status.Error(codes.InvalidArgument, "contextId is required")
	}
	return s.svc.UpdateContext(ctx, req.SpaceRef, req.ContextID, req.Input(), req.ExpectedVersion)
}

// GrantContextAccess grants another space access to a context.
func (s *Server) GrantContextAccess(ctx context.Context, req api.GrantAccessRequest) (contexts.Grant, error) {
	return s.svc.GrantContextAccess(ctx, req.SpaceRef, req.ContextID, req.TargetSpaceID, req.Access)
}

// ShareConversation shares a conversation snapshot.
func (s *Server) ShareConversation(ctx context.Context, req api.ShareRequest) (conversations.Share, error) {
	return s.svc.ShareConversation(ctx, req.SpaceRef, req.ConversationID, req.Input())
}

// RevokeShare revokes a share.
func (s *Server) RevokeShare(ctx context.Context, req api.RevokeShareRequest) (api.Ack, error) {
	if err := s.svc.RevokeShare(ctx, req.SpaceRef, req.ShareID); err != nil {
		return api.Ack{}, err
	}
	return api.Ack{Success: true}, nil
}

// AccessShare resolves a share token.
func (s *Server) AccessShare(ctx context.Context, req api.AccessShareRequest) (conversations.SharedView, error) {
	if req.Token == "" {
		return conversations.SharedView{}, status.Error(codes.InvalidArgument, "token is required")
	}
	return s.svc.AccessShare(ctx, req.Token, req.Viewer())
}

// Status returns daemon status.
func (s *Server) Status(ctx context.Context, _ api.StatusRequest) (api.StatusResponse, error) {
	resp := api.StatusResponse{
		Tenant:        string(s.svc.Tenant()),
		StartedAt:     s.startedAt.UnixMilli(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.outbox != nil {
		pending, parked, err := s.outbox.Depth(ctx)
		if err != nil {
			return api.StatusResponse{}, status.Errorf(codes.Internal, "failed to read outbox depth: %v", err)
		}
		resp.OutboxPending, resp.OutboxParked = pending, parked
	}
	return resp, nil
}
