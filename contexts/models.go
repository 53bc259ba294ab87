package contexts

import "github.com/aschepis/backscratcher/cortex/core"

// Status is the lifecycle state of a context.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusBlocked   Status = "blocked"
)

// Terminal reports whether no further work happens under the context.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func validStatus(s Status) bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// AccessScope is what a grant lets another memory space do with a context.
type AccessScope string

const (
	AccessReadOnly    AccessScope = "read-only"
	AccessCollaborate AccessScope = "collaborate"
	AccessFull        AccessScope = "full"
)

func (a AccessScope) rank() int {
	switch a {
	case AccessReadOnly:
		return 1
	case AccessCollaborate:
		return 2
	case AccessFull:
		return 3
	}
	return 0
}

// Grant gives another memory space access to a context.
type Grant struct {
	MemorySpaceID string      `json:"memorySpaceId"`
	Scope         AccessScope `json:"scope"`
	GrantedBy     string      `json:"grantedBy,omitempty"`
	GrantedAt     int64       `json:"grantedAt"`
}

// Version is an archived state of a context.
type Version struct {
	Version    int          `json:"version"`
	Purpose    string       `json:"purpose"`
	Status     Status       `json:"status"`
	Data       core.Payload `json:"data"`
	RecordedAt int64        `json:"timestamp"`
}

// Context is a node in a task hierarchy.
type Context struct {
	ContextID        string       `json:"contextId"`
	TenantID         string       `json:"tenantId,omitempty"`
	MemorySpaceID    string       `json:"memorySpaceId"`
	Purpose          string       `json:"purpose"`
	ParentID         string       `json:"parentId,omitempty"`
	RootID           string       `json:"rootId"`
	Depth            int          `json:"depth"`
	ChildIDs         []string     `json:"childIds"`
	Status           Status       `json:"status"`
	Data             core.Payload `json:"data"`
	UserID           string       `json:"userId,omitempty"`
	ConversationID   string       `json:"conversationId,omitempty"`
	Version          int          `json:"version"`
	GrantedAccess    []Grant      `json:"grantedAccess"`
	PreviousVersions []Version    `json:"previousVersions"`
	CreatedAt        int64        `json:"createdAt"`
	UpdatedAt        int64        `json:"updatedAt"`
	CompletedAt      int64        `json:"completedAt,omitempty"`
}

// Scope returns the isolation key the context belongs to.
func (c Context) Scope() core.Scope {
	return core.Scope{Tenant: core.TenantID(c.TenantID), Space: core.SpaceID(c.MemorySpaceID)}
}

// CreateInput describes a new context. ParentID may name a context in another
// memory space when that space granted write access.
type CreateInput struct {
	Purpose        string       `json:"purpose"`
	ParentID       string       `json:"parentId,omitempty"`
	Data           core.Payload `json:"data"`
	UserID         string       `json:"userId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
}

// UpdateInput changes the versioned fields of a context. Nil fields are kept.
type UpdateInput struct {
	Purpose *string       `json:"purpose,omitempty"`
	Status  *Status       `json:"status,omitempty"`
	Data    *core.Payload `json:"data,omitempty"`
}
