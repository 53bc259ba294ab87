package graphsync

import (
	"encoding/json"
	"fmt"

	"github.com/aschepis/backscratcher/cortex/events"
)

// Edge is a relationship derived from an entity snapshot.
type Edge struct {
	Rel      string `json:"rel"`
	Table    string `json:"table"`
	EntityID string `json:"entityId"`
}

func (e Edge) String() string { return fmt.Sprintf("%s:%s:%s", e.Rel, e.Table, e.EntityID) }

// snapshot is the subset of entity fields the projection turns into edges.
type snapshot struct {
	MemorySpaceID   string `json:"memorySpaceId"`
	Supersedes      string `json:"supersedes"`
	ParentID        string `json:"parentId"`
	ConversationRef *struct {
		ConversationID string `json:"conversationId"`
	} `json:"conversationRef"`
	FactsRef *struct {
		FactID string `json:"factId"`
	} `json:"factsRef"`
	ImmutableRef *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"immutableRef"`
	Embedding []float32 `json:"embedding"`
}

func decodeSnapshot(it Item) (snapshot, error) {
	var s snapshot
	if len(it.Entity) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(it.Entity, &s); err != nil {
		return s, Permanent(fmt.Errorf("decode %s snapshot: %w", it.Table, err))
	}
	return s, nil
}

// edgesOf derives outgoing edges for an item.
func edgesOf(it Item, s snapshot) []Edge {
	var out []Edge
	if s.MemorySpaceID != "" && it.Table != events.TableMemorySpaces {
		out = append(out, Edge{Rel: "IN_SPACE", Table: events.TableMemorySpaces, EntityID: s.MemorySpaceID})
	}
	if s.Supersedes != "" {
		out = append(out, Edge{Rel: "SUPERSEDES", Table: it.Table, EntityID: s.Supersedes})
	}
	if s.ParentID != "" {
		out = append(out, Edge{Rel: "CHILD_OF", Table: it.Table, EntityID: s.ParentID})
	}
	if s.ConversationRef != nil && s.ConversationRef.ConversationID != "" {
		out = append(out, Edge{Rel: "DERIVED_FROM", Table: events.TableConversations, EntityID: s.ConversationRef.ConversationID})
	}
	if s.FactsRef != nil && s.FactsRef.FactID != "" {
		out = append(out, Edge{Rel: "DERIVED_FROM", Table: events.TableFacts, EntityID: s.FactsRef.FactID})
	}
	if s.ImmutableRef != nil && s.ImmutableRef.ID != "" {
		out = append(out, Edge{Rel: "DERIVED_FROM", Table: events.TableImmutableRecords, EntityID: s.ImmutableRef.Type + "/" + s.ImmutableRef.ID})
	}
	return out
}
