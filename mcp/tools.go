package mcp

import (
	"context"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/contexts"
	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/spaces"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var (
	userIDArg = mcp.WithString("userId", mcp.Description("Verified id of the user the call is about"))
	spaceArg  = mcp.WithString("memorySpaceId", mcp.Description("Memory space to use instead of the user's personal space"))
)

func (t *tools) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool(ToolEnsureMemorySpace,
		mcp.WithDescription("Return the user's personal memory space, creating it on first use."),
		mcp.WithString("userId", mcp.Required(), mcp.Description("Verified id of the user")),
	), handle(t, ToolEnsureMemorySpace, func(ctx context.Context, req api.EnsureSpaceRequest) (spaces.MemorySpace, error) {
		return t.svc.EnsureMemorySpace(ctx, req.UserID)
	}))

	s.AddTool(mcp.NewTool(ToolRecall,
		mcp.WithDescription("Recall memories, current facts and preferences relevant to a query. "+
			"Only current facts are returned; superseded beliefs never appear."),
		userIDArg, spaceArg,
		mcp.WithString("query", mcp.Required(), mcp.Description("What the agent needs to know")),
		mcp.WithNumber("limit", mcp.Description("Maximum memories to return (default 10)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(t, ToolRecall, func(ctx context.Context, req cortex.RecallInput) (cortex.RecallResult, error) {
		res, err := t.svc.Recall(ctx, req)
		if err != nil {
			t.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Recall failed, returning empty result")
			empty := cortex.Empty()
			empty.Degraded = true
			return empty, nil
		}
		return res, nil
	}))

	s.AddTool(mcp.NewTool(ToolRemember,
		mcp.WithDescription("Commit a conversation turn to memory. Facts stated by the user are extracted "+
			"and reconciled with what is already believed."),
		userIDArg, spaceArg,
		mcp.WithString("userQuery", mcp.Required(), mcp.Description("What the user said")),
		mcp.WithString("agentResponse", mcp.Description("What the agent answered")),
		mcp.WithString("conversationId", mcp.Description("Conversation to append to; defaults to the active one")),
		mcp.WithString("propertyId", mcp.Description("Property the turn was about")),
		mcp.WithObject("propertyContext", mcp.Description("Property details to snapshot alongside the turn")),
		mcp.WithString("interactionType", mcp.Description("How the user engaged with the property, e.g. viewed or saved")),
	), handle(t, ToolRemember, t.svc.Remember))

	s.AddTool(mcp.NewTool(ToolStorePreference,
		mcp.WithDescription("Record a preference the user stated explicitly. Stating the opposite later replaces it."),
		userIDArg, spaceArg,
		mcp.WithString("category", mcp.Required(), mcp.Description("Preference category, e.g. suburb or property_type")),
		mcp.WithString("preference", mcp.Required(), mcp.Description("The preferred value, e.g. \"Bondi, NSW\"")),
		mcp.WithBoolean("negative", mcp.Description("True when the user wants to avoid the value")),
		mcp.WithNumber("confidence", mcp.Description("Confidence 0-100")),
	), handle(t, ToolStorePreference, t.svc.StorePreference))

	s.AddTool(mcp.NewTool(ToolFactHistory,
		mcp.WithDescription("Show how a fact evolved: its supersession chain and every belief revision event."),
		userIDArg, spaceArg,
		mcp.WithString("factId", mcp.Required(), mcp.Description("Fact to trace")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(t, ToolFactHistory, func(ctx context.Context, req api.FactHistoryRequest) (facts.History, error) {
		return t.svc.GetFactHistory(ctx, req.SpaceRef, req.FactID)
	}))

	s.AddTool(mcp.NewTool(ToolCreateContext,
		mcp.WithDescription("Open a context: a unit of ongoing work, optionally nested under a parent."),
		userIDArg, spaceArg,
		mcp.WithString("purpose", mcp.Required(), mcp.Description("What the work is for")),
		mcp.WithString("parentId", mcp.Description("Parent context")),
		mcp.WithString("conversationId", mcp.Description("Conversation the work came from")),
	), handle(t, ToolCreateContext, func(ctx context.Context, req api.CreateContextRequest) (contexts.Context, error) {
		return t.svc.CreateContext(ctx, req.SpaceRef, req.Input())
	}))

	s.AddTool(mcp.NewTool(ToolUpdateContext,
		mcp.WithDescription("Change a context's purpose or status. Pass expectedVersion to guard against concurrent edits."),
		userIDArg, spaceArg,
		mcp.WithString("contextId", mcp.Required(), mcp.Description("Context to update")),
		mcp.WithString("purpose", mcp.Description("New purpose")),
		mcp.WithString("status", mcp.Enum("active", "completed", "cancelled", "blocked"), mcp.Description("New status")),
		mcp.WithNumber("expectedVersion", mcp.Description("Version the caller last read")),
	), handle(t, ToolUpdateContext, func(ctx context.Context, req api.UpdateContextRequest) (contexts.Context, error) {
		return t.svc.UpdateContext(ctx, req.SpaceRef, req.ContextID, req.Input(), req.ExpectedVersion)
	}))

	s.AddTool(mcp.NewTool(ToolShareConversation,
		mcp.WithDescription("Share a redacted snapshot of a conversation and return its token."),
		userIDArg, spaceArg,
		mcp.WithString("conversationId", mcp.Required(), mcp.Description("Conversation to share")),
		mcp.WithString("type", mcp.Required(), mcp.Enum("user", "space", "link", "domain"), mcp.Description("Who the share is for")),
		mcp.WithString("target", mcp.Description("User id, space id or email domain, depending on type")),
		mcp.WithArray("permissions", mcp.WithStringItems(), mcp.Description("Capabilities, e.g. view")),
		mcp.WithNumber("expiresInSeconds", mcp.Description("Lifetime of the share")),
		mcp.WithNumber("maxViews", mcp.Description("Number of views before the share stops working")),
	), handle(t, ToolShareConversation, func(ctx context.Context, req api.ShareRequest) (conversations.Share, error) {
		return t.svc.ShareConversation(ctx, req.SpaceRef, req.ConversationID, req.Input())
	}))

	s.AddTool(mcp.NewTool(ToolAccessShare,
		mcp.WithDescription("Open a shared conversation snapshot by token."),
		mcp.WithString("token", mcp.Required(), mcp.Description("Share token")),
		userIDArg, spaceArg,
		mcp.WithString("email", mcp.Description("Viewer email, for domain shares")),
	), handle(t, ToolAccessShare, func(ctx context.Context, req api.AccessShareRequest) (conversations.SharedView, error) {
		return t.svc.AccessShare(ctx, req.Token, req.Viewer())
	}))
}
