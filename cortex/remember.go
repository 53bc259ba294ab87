package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/samber/lo"
)

const (
	activeConversationNamespace = "active_conversation"
	propertyRecordType          = "property"
	propertyTag                 = "property"
	interactionTagPrefix        = "interaction:"
	defaultInteraction          = "viewed"
	turnImportance              = 50
)

type activeConversation struct {
	ConversationID string `json:"conversationId"`
}

// Remember commits one agent turn: it appends the turn to the user's active
// conversation, indexes a memory pointing at it, runs fact extraction through belief
// revision, and records any property the turn was about. Extraction and summarization
// failures degrade the result instead of failing the turn.
func (s *Service) Remember(ctx context.Context, in RememberInput) (RememberResult, error) {
	s.logger.Debug().
		Str("method", "Remember").
		Str("user_id", in.UserID).
		Str("space_id", in.MemorySpaceID).
		Str("property_id", in.PropertyID).
		Msg("called")
	if strings.TrimSpace(in.UserQuery) == "" {
		return RememberResult{}, core.InvalidInput("userQuery is required")
	}
	scope, err := s.Scope(ctx, SpaceRef{UserID: in.UserID, MemorySpaceID: in.MemorySpaceID})
	if err != nil {
		return RememberResult{}, err
	}
	res := RememberResult{
		MemorySpaceID: string(scope.Space),
		MessageIDs:    []string{},
		MemoryIDs:     []string{},
		Facts:         []FactChange{},
	}

	conv, err := s.conversation(ctx, scope, in)
	if err != nil {
		return RememberResult{}, err
	}
	res.ConversationID = conv.ConversationID

	userMsg, err := s.stores.Conversations.Append(ctx, scope, conv.ConversationID, conversations.MessageInput{
		Role:          conversations.RoleUser,
		ParticipantID: in.UserID,
		Content:       in.UserQuery,
	})
	if err != nil {
		return RememberResult{}, fmt.Errorf("append user message: %w", err)
	}
	res.MessageIDs = append(res.MessageIDs, userMsg.ID)
	if strings.TrimSpace(in.AgentResponse) != "" {
		agentMsg, err := s.stores.Conversations.Append(ctx, scope, conv.ConversationID, conversations.MessageInput{
			Role:          conversations.RoleAgent,
			ParticipantID: s.cfg.AgentID,
			Content:       in.AgentResponse,
		})
		if err != nil {
			return RememberResult{}, fmt.Errorf("append agent message: %w", err)
		}
		res.MessageIDs = append(res.MessageIDs, agentMsg.ID)
	}

	mem, err := s.indexTurn(ctx, scope, in, conv.ConversationID, res.MessageIDs, &res)
	if err != nil {
		return RememberResult{}, err
	}
	res.MemoryIDs = append(res.MemoryIDs, mem.MemoryID)

	s.extractFacts(ctx, scope, in, userMsg.ID, &res)

	if in.PropertyID != "" {
		propMem, err := s.recordProperty(ctx, scope, in)
		if err != nil {
			return RememberResult{}, err
		}
		res.MemoryIDs = append(res.MemoryIDs, propMem.MemoryID)
	}

	res.Success = true
	s.logger.Info().
		Str("space_id", res.MemorySpaceID).
		Str("conversation_id", res.ConversationID).
		Int("memories", len(res.MemoryIDs)).
		Int("facts", len(res.Facts)).
		Strs("degraded", res.Degraded).
		Msg("Remembered turn")
	return res, nil
}

// conversation returns the conversation a turn belongs to: the one named by the
// caller, else the user's active conversation in the space, else a new one.
func (s *Service) conversation(ctx context.Context, scope core.Scope, in RememberInput) (conversations.Conversation, error) {
	if in.ConversationID != "" {
		return s.stores.Conversations.Get(ctx, scope, in.ConversationID)
	}
	key := string(scope.Space) + "/" + in.UserID
	entry, err := s.stores.KV.Get(ctx, scope.Tenant, activeConversationNamespace, key)
	switch {
	case err == nil:
		var active activeConversation
		if jerr := json.Unmarshal(entry.Value, &active); jerr == nil && active.ConversationID != "" {
			conv, gerr := s.stores.Conversations.Get(ctx, scope, active.ConversationID)
			if gerr == nil {
				return conv, nil
			}
			if !core.IsNotFound(gerr) {
				return conversations.Conversation{}, gerr
			}
		}
	case !core.IsNotFound(err):
		return conversations.Conversation{}, err
	}

	participants := []conversations.Participant{{ID: s.cfg.AgentID, Role: conversations.RoleAgent}}
	if in.UserID != "" {
		participants = append([]conversations.Participant{{ID: in.UserID, Role: conversations.RoleUser}}, participants...)
	}
	conv, err := s.stores.Conversations.Start(ctx, scope, conversations.StartInput{
		Type:         conversations.TypeUserAgent,
		Participants: participants,
		Visibility:   conversations.VisibilityPrivate,
		Metadata:     core.ConversationPayload(core.ConversationMeta{Channel: "agent"}),
	})
	if err != nil {
		return conversations.Conversation{}, err
	}
	value, err := json.Marshal(activeConversation{ConversationID: conv.ConversationID})
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("encode active conversation: %w", err)
	}
	if _, err := s.stores.KV.Set(ctx, scope.Tenant, activeConversationNamespace, key, value); err != nil {
		return conversations.Conversation{}, err
	}
	return conv, nil
}

func (s *Service) indexTurn(ctx context.Context, scope core.Scope, in RememberInput, conversationID string, messageIDs []string, res *RememberResult) (memory.Memory, error) {
	content := "User: " + in.UserQuery
	if strings.TrimSpace(in.AgentResponse) != "" {
		content += "\nAgent: " + in.AgentResponse
	}
	contentType := memory.ContentRaw
	if s.summarizer != nil && s.cfg.SummarizeOver > 0 && len(content) > s.cfg.SummarizeOver {
		summary, err := s.summarizer.Summarize(ctx, content)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Summarization failed, storing raw turn")
			res.Degraded = append(res.Degraded, "summarizer")
		case strings.TrimSpace(summary) != "":
			content, contentType = summary, memory.ContentSummarized
		}
	}
	source := in.Source
	if source == "" {
		source = memory.SourceConversation
	}
	return s.stores.Memories.Index(ctx, scope, memory.IndexInput{
		UserID:      in.UserID,
		AgentID:     s.cfg.AgentID,
		Content:     content,
		ContentType: contentType,
		SourceType:  source,
		Sources: memory.Sources{
			ConversationRef: &memory.ConversationRef{ConversationID: conversationID, MessageIDs: messageIDs},
		},
		Importance: turnImportance,
		Tags:       in.Tags,
	})
}

func (s *Service) extractFacts(ctx context.Context, scope core.Scope, in RememberInput, messageID string, res *RememberResult) {
	if s.extractor == nil {
		return
	}
	observations, err := s.extractor.Extract(ctx, llm.Turn{UserID: in.UserID, Text: in.UserQuery, Reply: in.AgentResponse})
	if err != nil {
		s.logger.Warn().Err(err).Str("space_id", string(scope.Space)).Msg("Fact extraction failed, skipping belief revision")
		res.Degraded = append(res.Degraded, "extractor")
		return
	}
	for _, obs := range observations {
		if obs.UserID == "" {
			obs.UserID = in.UserID
		}
		if obs.SourceType == "" {
			obs.SourceType = "conversation"
		}
		obs.SourceRef = messageID
		if obs.Metadata.IsEmpty() {
			obs.Metadata = core.FactPayload(core.FactMeta{Extractor: "conversation", SourceMessageID: messageID})
		}
		change, memoryID, err := s.revise(ctx, scope, obs)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("subject", obs.Subject).
				Str("predicate", obs.Predicate).
				Msg("Belief revision failed for extracted fact")
			if core.IsUpstreamUnavailable(err) && !lo.Contains(res.Degraded, "belief_revision") {
				res.Degraded = append(res.Degraded, "belief_revision")
			}
			continue
		}
		res.Facts = append(res.Facts, change)
		if memoryID != "" {
			res.MemoryIDs = append(res.MemoryIDs, memoryID)
		}
	}
}

// revise runs obs through belief revision and indexes a fact memory for any fact it
// created or changed.
func (s *Service) revise(ctx context.Context, scope core.Scope, obs facts.Observation) (FactChange, string, error) {
	out, err := s.stores.Facts.Observe(ctx, scope, obs)
	if err != nil {
		return FactChange{}, "", err
	}
	s.metrics.BeliefRevision(string(out.Action))
	change := FactChange{Action: out.Action}
	if out.Fact == nil {
		return change, "", nil
	}
	change.FactID, change.Fact = out.Fact.FactID, out.Fact.Fact
	if out.Action == facts.ActionDelete {
		return change, "", nil
	}
	ref := memory.FactsRef{FactID: out.Fact.FactID, Version: out.Fact.Version}
	if out.Action == facts.ActionUpdate {
		if memID, ok := s.reindexFact(ctx, scope, out.Fact, ref); ok {
			return change, memID, nil
		}
	}
	mem, err := s.stores.Memories.Index(ctx, scope, memory.IndexInput{
		UserID:      out.Fact.UserID,
		AgentID:     s.cfg.AgentID,
		Content:     out.Fact.Fact,
		ContentType: memory.ContentFact,
		SourceType:  memory.SourceFactExtraction,
		Sources:     memory.Sources{FactsRef: &ref},
		Importance:  out.Fact.Confidence,
		Tags:        lo.Uniq(append([]string{"fact", string(out.Fact.FactType)}, out.Fact.Tags...)),
	})
	if err != nil {
		// The fact is committed; its index entry can be rebuilt later.
		s.logger.Error().Err(err).Str("fact_id", out.Fact.FactID).Msg("Failed to index fact memory")
		return change, "", nil
	}
	return change, mem.MemoryID, nil
}

// reindexFact versions the memory already indexed for an updated fact in place.
// It reports false when there is no such memory, so the caller indexes a fresh one.
func (s *Service) reindexFact(ctx context.Context, scope core.Scope, fact *facts.Fact, ref memory.FactsRef) (string, bool) {
	existing, err := s.stores.Memories.ForFact(ctx, scope, fact.FactID)
	if err != nil {
		if !core.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("fact_id", fact.FactID).Msg("Failed to look up fact memory")
		}
		return "", false
	}
	mem, err := s.stores.Memories.UpdateFact(ctx, scope, existing.MemoryID, fact.Fact, ref, existing.Version)
	if err != nil {
		s.logger.Warn().Err(err).Str("fact_id", fact.FactID).Str("memory_id", existing.MemoryID).Msg("Failed to version fact memory")
		return "", false
	}
	return mem.MemoryID, true
}

func (s *Service) recordProperty(ctx context.Context, scope core.Scope, in RememberInput) (memory.Memory, error) {
	data := in.PropertyContext
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}
	interaction := in.InteractionType
	if interaction == "" {
		interaction = defaultInteraction
	}
	rec, err := s.stores.Records.Put(ctx, scope.Tenant, propertyRecordType, in.PropertyID, data, core.Payload{}, 0)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("record property: %w", err)
	}
	meta, err := core.JSONPayload(map[string]string{
		"propertyId":      in.PropertyID,
		"interactionType": interaction,
	})
	if err != nil {
		return memory.Memory{}, err
	}
	return s.stores.Memories.Index(ctx, scope, memory.IndexInput{
		UserID:      in.UserID,
		AgentID:     s.cfg.AgentID,
		Content:     fmt.Sprintf("User %s property %s: %s", interaction, in.PropertyID, in.UserQuery),
		ContentType: memory.ContentRaw,
		SourceType:  memory.SourceTool,
		Sources: memory.Sources{
			ImmutableRef: &memory.ImmutableRef{Type: propertyRecordType, ID: in.PropertyID, Version: rec.Version},
		},
		Importance: turnImportance,
		Tags:       []string{propertyTag, interactionTagPrefix + interaction},
		Metadata:   meta,
	})
}
