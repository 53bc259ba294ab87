package memory

import (
	"github.com/aschepis/backscratcher/cortex/core"
)

// ContentType describes how a memory's content was produced.
type ContentType string

const (
	ContentRaw        ContentType = "raw"
	ContentSummarized ContentType = "summarized"
	ContentFact       ContentType = "fact"
)

// SourceType records which producer indexed a memory.
type SourceType string

const (
	SourceConversation   SourceType = "conversation"
	SourceSystem         SourceType = "system"
	SourceTool           SourceType = "tool"
	SourceAgent          SourceType = "a2a"
	SourceFactExtraction SourceType = "fact_extraction"
)

// ConversationRef points at messages in the conversation store.
type ConversationRef struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// ImmutableRef points at a versioned record.
type ImmutableRef struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int    `json:"version,omitempty"`
}

// MutableRef points at a mutable key/value entry.
type MutableRef struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// FactsRef points at a fact.
type FactsRef struct {
	FactID  string `json:"factId"`
	Version int    `json:"version,omitempty"`
}

// Sources holds the single source reference a memory may carry.
type Sources struct {
	ConversationRef *ConversationRef `json:"conversationRef,omitempty"`
	ImmutableRef    *ImmutableRef    `json:"immutableRef,omitempty"`
	MutableRef      *MutableRef      `json:"mutableRef,omitempty"`
	FactsRef        *FactsRef        `json:"factsRef,omitempty"`
}

func (s Sources) count() int {
	n := 0
	if s.ConversationRef != nil {
		n++
	}
	if s.ImmutableRef != nil {
		n++
	}
	if s.MutableRef != nil {
		n++
	}
	if s.FactsRef != nil {
		n++
	}
	return n
}

// Version is a previous content value of a memory.
type Version struct {
	Version    int    `json:"version"`
	Content    string `json:"content"`
	RecordedAt int64  `json:"timestamp"`
}

// Memory is one searchable entry in the index.
type Memory struct {
	MemoryID      string      `json:"memoryId"`
	TenantID      string      `json:"tenantId,omitempty"`
	MemorySpaceID string      `json:"memorySpaceId"`
	UserID        string      `json:"userId,omitempty"`
	AgentID       string      `json:"agentId,omitempty"`
	Content       string      `json:"content"`
	ContentType   ContentType `json:"contentType"`
	Embedding     []float32   `json:"embedding,omitempty"`
	SourceType    SourceType  `json:"sourceType"`
	Sources
	Importance       int          `json:"importance"`
	Tags             []string     `json:"tags"`
	Metadata         core.Payload `json:"metadata"`
	Version          int          `json:"version"`
	PreviousVersions []Version    `json:"previousVersions"`
	AccessCount      int          `json:"accessCount"`
	LastAccessed     int64        `json:"lastAccessed,omitempty"`
	IsPartial        bool         `json:"isPartial,omitempty"`
	CreatedAt        int64        `json:"createdAt"`
	UpdatedAt        int64        `json:"updatedAt"`
}

// Scope returns the isolation key the memory belongs to.
func (m Memory) Scope() core.Scope {
	return core.Scope{Tenant: core.TenantID(m.TenantID), Space: core.SpaceID(m.MemorySpaceID)}
}

// IndexInput describes a memory to index. When Embedding is nil the store's
// embedder computes one.
type IndexInput struct {
	UserID      string
	AgentID     string
	Content     string
	ContentType ContentType
	SourceType  SourceType
	Sources
	Embedding  []float32
	Importance int
	Tags       []string
	Metadata   core.Payload
	Partial    bool
}

// SearchMode selects the ranking signals a search uses.
type SearchMode string

const (
	ModeHybrid  SearchMode = "hybrid"
	ModeVector  SearchMode = "vector"
	ModeKeyword SearchMode = "keyword"
)

// Filters narrow a search inside a scope.
type Filters struct {
	UserID        string        `json:"userId,omitempty"`
	AgentID       string        `json:"agentId,omitempty"`
	ContentTypes  []ContentType `json:"contentTypes,omitempty"`
	SourceTypes   []SourceType  `json:"sourceTypes,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	MinImportance int           `json:"minImportance,omitempty"`
	CreatedAfter  int64         `json:"createdAfter,omitempty"`
	CreatedBefore int64         `json:"createdBefore,omitempty"`
}

// Query is a top-k search request.
type Query struct {
	Text           string
	Embedding      []float32
	Filters        Filters
	Limit          int
	Mode           SearchMode
	IncludePartial bool
}

// Result is a scored search hit.
type Result struct {
	Memory       Memory  `json:"memory"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vectorScore,omitempty"`
	KeywordScore float64 `json:"keywordScore,omitempty"`
}

func validContentType(t ContentType) bool {
	switch t {
	case ContentRaw, ContentSummarized, ContentFact:
		return true
	}
	return false
}
