// Package conversations stores append-only conversation transcripts scoped to a memory
// space, plus share capabilities and redacted snapshots of them.
package conversations

import "github.com/aschepis/backscratcher/cortex/core"

// Type of conversation.
type Type string

const (
	TypeUserAgent  Type = "user-agent"
	TypeAgentAgent Type = "agent-agent"
)

// Visibility of a conversation.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilitySpace   Visibility = "space"
	VisibilityPublic  Visibility = "public"
)

// Role of a message author.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ApprovalState for messages in collaborative conversations.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Participant is a role-tagged conversation member.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// AttachmentRef points at content stored elsewhere (a record, a URL).
type AttachmentRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
}

// Approval carries the approval state of a collaborative message.
type Approval struct {
	State ApprovalState `json:"state"`
	By    string        `json:"by,omitempty"`
	At    int64         `json:"at,omitempty"`
}

// Message is one immutable transcript entry.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Seq            int             `json:"seq"`
	Role           Role            `json:"role"`
	ParticipantID  string          `json:"participantId,omitempty"`
	Content        string          `json:"content"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
	Approval       *Approval       `json:"approval,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// Conversation is a transcript header plus, when loaded, its messages.
type Conversation struct {
	ConversationID string        `json:"conversationId"`
	TenantID       string        `json:"tenantId,omitempty"`
	MemorySpaceID  string        `json:"memorySpaceId"`
	Type           Type          `json:"type"`
	Participants   []Participant `json:"participants"`
	Visibility     Visibility    `json:"visibility"`
	MessageCount   int           `json:"messageCount"`
	Metadata       core.Payload  `json:"metadata"`
	Messages       []Message     `json:"messages,omitempty"`
	CreatedAt      int64         `json:"createdAt"`
	UpdatedAt      int64         `json:"updatedAt"`
}

// StartInput describes a new conversation.
type StartInput struct {
	ID           string
	Type         Type
	Participants []Participant
	Visibility   Visibility
	Metadata     core.Payload
}

// MessageInput is a message to append. ID is optional; re-appending an id that is
// already stored returns the stored message.
type MessageInput struct {
	ID            string
	Role          Role
	ParticipantID string
	Content       string
	Attachments   []AttachmentRef
	Approval      *Approval
}

func validRole(r Role) bool {
	return r == RoleUser || r == RoleAgent || r == RoleSystem
}
