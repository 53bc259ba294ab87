package cortex

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/memory"
)

// RememberInput is one agent turn to commit to memory. UserQuery is required; the
// remaining fields are optional.
type RememberInput struct {
	UserID          string            `json:"userId"`
	MemorySpaceID   string            `json:"memorySpaceId,omitempty"`
	ConversationID  string            `json:"conversationId,omitempty"`
	UserQuery       string            `json:"userQuery"`
	AgentResponse   string            `json:"agentResponse,omitempty"`
	Source          memory.SourceType `json:"source,omitempty"`
	PropertyID      string            `json:"propertyId,omitempty"`
	PropertyContext json.RawMessage   `json:"propertyContext,omitempty"`
	InteractionType string            `json:"interactionType,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
}

// FactChange is what belief revision did with one extracted observation.
type FactChange struct {
	FactID string       `json:"factId,omitempty"`
	Action facts.Action `json:"action"`
	Fact   string       `json:"fact,omitempty"`
}

// RememberResult reports the writes a turn produced. Degraded lists the optional
// steps that were skipped because an upstream failed.
type RememberResult struct {
	Success        bool         `json:"success"`
	MemorySpaceID  string       `json:"memorySpaceId"`
	ConversationID string       `json:"conversationId"`
	MessageIDs     []string     `json:"messageIds"`
	MemoryIDs      []string     `json:"memoryIds"`
	Facts          []FactChange `json:"facts"`
	Degraded       []string     `json:"degraded,omitempty"`
}

// RecallInput asks for what is known about a user or space that is relevant to a query.
type RecallInput struct {
	UserID        string `json:"userId,omitempty"`
	MemorySpaceID string `json:"memorySpaceId,omitempty"`
	Query         string `json:"query"`
	Limit         int    `json:"limit,omitempty"`
}

// SuburbPreference is a scored suburb the user likes (positive) or avoids (negative).
type SuburbPreference struct {
	SuburbName      string `json:"suburbName"`
	State           string `json:"state,omitempty"`
	PreferenceScore int    `json:"preferenceScore"`
	FactID          string `json:"factId"`
}

// PropertyInteraction is a remembered property the user engaged with.
type PropertyInteraction struct {
	PropertyID      string          `json:"propertyId"`
	InteractionType string          `json:"interactionType"`
	Version         int             `json:"version,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	MemoryID        string          `json:"memoryId"`
	Timestamp       int64           `json:"timestamp"`
}

// RecallResult is the agent-facing view of memory for one query. Only current facts
// are ever included.
type RecallResult struct {
	MemorySpaceID        string                `json:"memorySpaceId"`
	Memories             []memory.Result       `json:"memories"`
	Facts                []facts.Scored        `json:"facts"`
	Preferences          []facts.Fact          `json:"preferences"`
	SuburbPreferences    []SuburbPreference    `json:"suburbPreferences"`
	PropertyInteractions []PropertyInteraction `json:"propertyInteractions"`
	Degraded             bool                  `json:"degraded,omitempty"`
	Cached               bool                  `json:"cached,omitempty"`
}

// Empty returns the result transports fall back to when recall fails.
func Empty() RecallResult {
	return RecallResult{
		Memories:             []memory.Result{},
		Facts:                []facts.Scored{},
		Preferences:          []facts.Fact{},
		SuburbPreferences:    []SuburbPreference{},
		PropertyInteractions: []PropertyInteraction{},
	}
}

// PreferenceInput is an explicitly stated user preference.
type PreferenceInput struct {
	UserID        string            `json:"userId"`
	MemorySpaceID string            `json:"memorySpaceId,omitempty"`
	Category      string            `json:"category"`
	Preference    string            `json:"preference"`
	Negative      bool              `json:"negative,omitempty"`
	Confidence    int               `json:"confidence,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PreferenceResult is the outcome of storing a preference.
type PreferenceResult struct {
	Success bool       `json:"success"`
	Change  FactChange `json:"change"`
}
