// Package api defines the Cortex wire contract shared by the gRPC server, the HTTP
// API, the MCP tools and the CLI client.
package api

import (
	"time"

	"github.com/aschepis/backscratcher/cortex/contexts"
	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/cortex"
)

// EnsureSpaceRequest asks for a user's personal memory space.
type EnsureSpaceRequest struct {
	UserID string `json:"userId"`
}

// FactHistoryRequest asks for a fact's supersession chain.
type FactHistoryRequest struct {
	cortex.SpaceRef
	FactID string `json:"factId"`
}

// CreateContextRequest creates a context.
type CreateContextRequest struct {
	cortex.SpaceRef
	Purpose        string       `json:"purpose"`
	ParentID       string       `json:"parentId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	Data           core.Payload `json:"data"`
}

// Input converts the request to a store input.
func (r CreateContextRequest) Input() contexts.CreateInput {
	return contexts.CreateInput{
		Purpose:        r.Purpose,
		ParentID:       r.ParentID,
		Data:           r.Data,
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
	}
}

// UpdateContextRequest changes a context. A non-zero ExpectedVersion must match.
type UpdateContextRequest struct {
	cortex.SpaceRef
	ContextID       string           `json:"contextId"`
	Purpose         *string          `json:"purpose,omitempty"`
	Status          *contexts.Status `json:"status,omitempty"`
	Data            *core.Payload    `json:"data,omitempty"`
	ExpectedVersion int              `json:"expectedVersion,omitempty"`
}

// Input converts the request to a store input.
func (r UpdateContextRequest) Input() contexts.UpdateInput {
	return contexts.UpdateInput{Purpose: r.Purpose, Status: r.Status, Data: r.Data}
}

// GrantAccessRequest grants another space access to a context.
type GrantAccessRequest struct {
	cortex.SpaceRef
	ContextID     string               `json:"contextId"`
	TargetSpaceID string               `json:"targetSpaceId"`
	Access        contexts.AccessScope `json:"access"`
}

// ShareRequest shares a conversation.
type ShareRequest struct {
	cortex.SpaceRef
	ConversationID   string                     `json:"conversationId"`
	Type             conversations.ShareType    `json:"type"`
	Target           string                     `json:"target,omitempty"`
	Permissions      []conversations.Permission `json:"permissions,omitempty"`
	Redaction        *conversations.Redaction   `json:"redaction,omitempty"`
	ExpiresInSeconds int64                      `json:"expiresInSeconds,omitempty"`
	MaxViews         int                        `json:"maxViews,omitempty"`
}

// Input converts the request to a store input.
func (r ShareRequest) Input() conversations.ShareInput {
	return conversations.ShareInput{
		Type:        r.Type,
		Target:      r.Target,
		Permissions: r.Permissions,
		Redaction:   r.Redaction,
		ExpiresIn:   time.Duration(r.ExpiresInSeconds) * time.Second,
		MaxViews:    r.MaxViews,
		CreatedBy:   r.UserID,
	}
}

// RevokeShareRequest revokes a share.
type RevokeShareRequest struct {
	cortex.SpaceRef
	ShareID string `json:"shareId"`
}

// AccessShareRequest presents a share token.
type AccessShareRequest struct {
	Token         string `json:"token"`
	UserID        string `json:"userId,omitempty"`
	MemorySpaceID string `json:"memorySpaceId,omitempty"`
	Email         string `json:"email,omitempty"`
}

// Viewer returns who is presenting the token.
func (r AccessShareRequest) Viewer() conversations.Viewer {
	return conversations.Viewer{UserID: r.UserID, SpaceID: r.MemorySpaceID, Email: r.Email}
}

// Ack is returned by calls with no other result.
type Ack struct {
	Success bool `json:"success"`
}

// StatusRequest asks for daemon status.
type StatusRequest struct{}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Tenant        string `json:"tenant"`
	StartedAt     int64  `json:"startedAt"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	OutboxPending int    `json:"outboxPending"`
	OutboxParked  int    `json:"outboxParked"`
}
