package facts

import (
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/cortex/core"
)

// FactType classifies what a fact is about.
type FactType string

const (
	TypePreference   FactType = "preference"
	TypeIdentity     FactType = "identity"
	TypeKnowledge    FactType = "knowledge"
	TypeRelationship FactType = "relationship"
	TypeEvent        FactType = "event"
	TypeObservation  FactType = "observation"
	TypeCustom       FactType = "custom"
)

// Status is the logical lifecycle state of a fact row.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Action is a belief revision outcome, also the action of a history event.
// ActionDiscard drops the observation: nothing is written and no event is logged.
type Action string

const (
	ActionCreate    Action = "CREATE"
	ActionUpdate    Action = "UPDATE"
	ActionSupersede Action = "SUPERSEDE"
	ActionDelete    Action = "DELETE"
	ActionDiscard   Action = "DISCARD"
)

// Fact is a durable belief about a subject within a memory space.
type Fact struct {
	FactID        string       `json:"factId"`
	TenantID      string       `json:"tenantId,omitempty"`
	MemorySpaceID string       `json:"memorySpaceId"`
	UserID        string       `json:"userId,omitempty"`
	Fact          string       `json:"fact"`
	FactType      FactType     `json:"factType"`
	Subject       string       `json:"subject,omitempty"`
	Predicate     string       `json:"predicate,omitempty"`
	Object        string       `json:"object,omitempty"`
	Confidence    int          `json:"confidence"`
	SourceType    string       `json:"sourceType"`
	SourceRef     string       `json:"sourceRef,omitempty"`
	Embedding     []float32    `json:"embedding,omitempty"`
	Tags          []string     `json:"tags"`
	Metadata      core.Payload `json:"metadata"`
	Version       int          `json:"version"`
	Supersedes    string       `json:"supersedes,omitempty"`
	SupersededBy  string       `json:"supersededBy,omitempty"`
	Status        Status       `json:"status"`
	ValidFrom     int64        `json:"validFrom,omitempty"`
	ValidUntil    int64        `json:"validUntil,omitempty"`
	CreatedAt     int64        `json:"createdAt"`
	UpdatedAt     int64        `json:"updatedAt"`

	PreviousVersions []Version `json:"previousVersions,omitempty"`
}

// Version is an archived value of a fact, kept when it is updated in place or deleted.
type Version struct {
	Version    int    `json:"version"`
	Fact       string `json:"fact"`
	Object     string `json:"object,omitempty"`
	Confidence int    `json:"confidence"`
	RecordedAt int64  `json:"timestamp"`
}

// Current reports whether the fact is visible to current-fact queries.
func (f Fact) Current() bool {
	return f.Status == StatusActive && f.SupersededBy == ""
}

// Scope returns the isolation key the fact belongs to.
func (f Fact) Scope() core.Scope {
	return core.Scope{Tenant: core.TenantID(f.TenantID), Space: core.SpaceID(f.MemorySpaceID)}
}

// Observation is a fact candidate produced by an extractor or a caller.
type Observation struct {
	UserID     string       `json:"userId,omitempty"`
	Subject    string       `json:"subject"`
	Predicate  string       `json:"predicate"`
	Object     string       `json:"object"`
	Text       string       `json:"text,omitempty"`
	Confidence int          `json:"confidence"`
	FactType   FactType     `json:"factType,omitempty"`
	SourceType string       `json:"sourceType,omitempty"`
	SourceRef  string       `json:"sourceRef,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Metadata   core.Payload `json:"metadata"`
	ValidFrom  int64        `json:"validFrom,omitempty"`
	ValidUntil int64        `json:"validUntil,omitempty"`
}

// Statement returns the observation's text, rendering the triple when none was given.
func (o Observation) Statement() string {
	if t := strings.TrimSpace(o.Text); t != "" {
		return t
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s",
		o.Subject, strings.ReplaceAll(o.Predicate, "_", " "), o.Object))
}

// SlotKey normalizes (subject, predicate) for exact slot matching.
func SlotKey(subject, predicate string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	s, p := norm(subject), norm(predicate)
	if s == "" || p == "" {
		return ""
	}
	return s + "|" + p
}

// HistoryEvent is one append-only ledger entry explaining a fact mutation.
type HistoryEvent struct {
	EventID         string   `json:"eventId"`
	FactID          string   `json:"factId"`
	TenantID        string   `json:"tenantId,omitempty"`
	MemorySpaceID   string   `json:"memorySpaceId"`
	Action          Action   `json:"action"`
	OldValue        string   `json:"oldValue,omitempty"`
	NewValue        string   `json:"newValue,omitempty"`
	Supersedes      string   `json:"supersedes,omitempty"`
	SupersededBy    string   `json:"supersededBy,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Confidence      int      `json:"confidence"`
	SlotMatched     bool     `json:"slotMatched"`
	SemanticMatched bool     `json:"semanticMatched"`
	LLMResolved     bool     `json:"llmResolved"`
	Similarity      *float64 `json:"similarity,omitempty"`
	Timestamp       int64    `json:"timestamp"`
}

// History is a supersession chain, oldest first, with its ledger events in order.
type History struct {
	Chain  []Fact         `json:"chain"`
	Events []HistoryEvent `json:"events"`
}

// Outcome reports what the pipeline did with an observation.
type Outcome struct {
	Action   Action        `json:"action"`
	Fact     *Fact         `json:"fact,omitempty"`
	Previous *Fact         `json:"previous,omitempty"`
	Event    *HistoryEvent `json:"event,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Filters narrow current-fact queries.
type Filters struct {
	UserID          string     `json:"userId,omitempty"`
	FactTypes       []FactType `json:"factTypes,omitempty"`
	Subject         string     `json:"subject,omitempty"`
	Predicate       string     `json:"predicate,omitempty"`
	PredicatePrefix string     `json:"predicatePrefix,omitempty"`
	MinConfidence   int        `json:"minConfidence,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Limit           int        `json:"limit,omitempty"`
}

// Scored is a current fact ranked for recall.
type Scored struct {
	Fact      Fact    `json:"fact"`
	Score     float64 `json:"score"`
	Relevance float64 `json:"relevance"`
}

func validFactType(t FactType) bool {
	switch t {
	case TypePreference, TypeIdentity, TypeKnowledge, TypeRelationship, TypeEvent, TypeObservation, TypeCustom:
		return true
	}
	return false
}
