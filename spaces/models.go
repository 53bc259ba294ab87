// Package spaces implements the memory space registry: the isolation boundaries that
// every conversation, memory, fact and context lives in.
package spaces

import "github.com/aschepis/backscratcher/cortex/core"

// SpaceType classifies a memory space.
type SpaceType string

const (
	TypePersonal SpaceType = "personal"
	TypeTeam     SpaceType = "team"
	TypeProject  SpaceType = "project"
	TypeCustom   SpaceType = "custom"
)

// Status of a memory space.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Participant is a member of a memory space.
type Participant struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // user, agent, tool
	JoinedAt int64  `json:"joinedAt"`
}

// MemorySpace is an isolation boundary for one agent/user/collaboration context.
type MemorySpace struct {
	MemorySpaceID string        `json:"memorySpaceId"`
	TenantID      string        `json:"tenantId,omitempty"`
	Name          string        `json:"name,omitempty"`
	Type          SpaceType     `json:"type"`
	Participants  []Participant `json:"participants"`
	Status        Status        `json:"status"`
	Metadata      core.Payload  `json:"metadata"`
	CreatedAt     int64         `json:"createdAt"`
	UpdatedAt     int64         `json:"updatedAt"`
}

// Scope returns the isolation key for the space.
func (m MemorySpace) Scope() core.Scope {
	return core.Scope{Tenant: core.TenantID(m.TenantID), Space: core.SpaceID(m.MemorySpaceID)}
}

// CreateInput describes a new space. ID is optional; when it names an existing space
// in the same tenant, Create returns that space unchanged.
type CreateInput struct {
	ID           core.SpaceID
	Name         string
	Type         SpaceType
	Participants []Participant
	Metadata     core.Payload
}

// PersonalSpaceID is the deterministic id of a user's personal space.
func PersonalSpaceID(userID core.UserID) core.SpaceID {
	return core.SpaceID("user-" + string(userID))
}

func validType(t SpaceType) bool {
	switch t {
	case TypePersonal, TypeTeam, TypeProject, TypeCustom:
		return true
	}
	return false
}
