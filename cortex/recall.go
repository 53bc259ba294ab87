package cortex

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/samber/lo"
)

const maxPropertyInteractions = 10

// Recall returns memories, current facts and preferences relevant to query. Retired
// facts and memories that point at them are never returned. When the embedder is
// down recall degrades to keyword relevance and the result is not cached.
func (s *Service) Recall(ctx context.Context, in RecallInput) (RecallResult, error) {
	s.logger.Debug().
		Str("method", "Recall").
		Str("user_id", in.UserID).
		Str("space_id", in.MemorySpaceID).
		Str("query", in.Query).
		Int("limit", in.Limit).
		Msg("called")
	start := time.Now()
	scope, err := s.Scope(ctx, SpaceRef{UserID: in.UserID, MemorySpaceID: in.MemorySpaceID})
	if err != nil {
		return RecallResult{}, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.cfg.RecallLimit
	}
	query := strings.TrimSpace(in.Query)

	key := cacheKey(scope, query, limit)
	if s.cache != nil {
		if hit, ok := s.cache.Get(key); ok {
			res := hit.(RecallResult)
			res.Cached = true
			return res, nil
		}
	}

	res := Empty()
	res.MemorySpaceID = string(scope.Space)

	var embedding []float32
	mode := memory.ModeHybrid
	if query != "" {
		vec, err := s.stores.Memories.EmbedText(ctx, query)
		if err != nil {
			s.logger.Warn().Err(err).Str("space_id", res.MemorySpaceID).Msg("Recall degraded to keyword relevance")
			s.metrics.RecallDegraded("embedder")
			res.Degraded = true
			mode = memory.ModeKeyword
		}
		embedding = vec
	}

	current, err := s.stores.Facts.GetCurrentFacts(ctx, scope, facts.Filters{})
	if err != nil {
		return RecallResult{}, fmt.Errorf("load current facts: %w", err)
	}
	currentVersions := lo.SliceToMap(current, func(f facts.Fact) (string, int) { return f.FactID, f.Version })

	if query != "" {
		hits, err := s.stores.Memories.Search(ctx, scope, memory.Query{
			Text:      query,
			Embedding: embedding,
			Limit:     limit * 2,
			Mode:      mode,
		})
		if err != nil {
			return RecallResult{}, fmt.Errorf("search memories: %w", err)
		}
		hits = lo.Filter(hits, func(r memory.Result, _ int) bool {
			ref := r.Memory.FactsRef
			if ref == nil {
				return true
			}
			version, ok := currentVersions[ref.FactID]
			return ok && (ref.Version == 0 || ref.Version == version)
		})
		if len(hits) > limit {
			hits = hits[:limit]
		}
		res.Memories = hits

		scored, err := s.stores.Facts.SearchCurrent(ctx, scope, query, limit)
		if err != nil {
			return RecallResult{}, fmt.Errorf("search facts: %w", err)
		}
		res.Facts = scored
	}

	res.Preferences = lo.Filter(current, func(f facts.Fact, _ int) bool { return f.FactType == facts.TypePreference })
	res.SuburbPreferences = suburbPreferences(current)

	interactions, err := s.propertyInteractions(ctx, scope)
	if err != nil {
		return RecallResult{}, err
	}
	res.PropertyInteractions = interactions

	if ids := lo.Map(res.Memories, func(r memory.Result, _ int) string { return r.Memory.MemoryID }); len(ids) > 0 {
		if err := s.stores.Memories.Touch(ctx, scope, ids...); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to touch recalled memories")
		}
	}

	s.metrics.RecallObserved(time.Since(start))
	if s.cache != nil && !res.Degraded {
		s.cache.SetDefault(key, res)
	}
	return res, nil
}

func (s *Service) propertyInteractions(ctx context.Context, scope core.Scope) ([]PropertyInteraction, error) {
	mems, err := s.stores.Memories.List(ctx, scope, memory.Filters{Tags: []string{propertyTag}}, maxPropertyInteractions)
	if err != nil {
		return nil, fmt.Errorf("list property interactions: %w", err)
	}
	out := make([]PropertyInteraction, 0, len(mems))
	for _, m := range mems {
		ref := m.ImmutableRef
		if ref == nil || ref.Type != propertyRecordType {
			continue
		}
		pi := PropertyInteraction{
			PropertyID:      ref.ID,
			InteractionType: defaultInteraction,
			Version:         ref.Version,
			MemoryID:        m.MemoryID,
			Timestamp:       m.CreatedAt,
		}
		if tag, ok := lo.Find(m.Tags, func(t string) bool { return strings.HasPrefix(t, interactionTagPrefix) }); ok {
			pi.InteractionType = strings.TrimPrefix(tag, interactionTagPrefix)
		}
		v, err := s.stores.Records.GetVersion(ctx, scope.Tenant, ref.Type, ref.ID, ref.Version)
		switch {
		case err == nil:
			pi.Context = v.Data
		case core.IsNotFound(err):
			// Pruned or purged by governance; the interaction itself is still worth returning.
		default:
			return nil, err
		}
		out = append(out, pi)
	}
	return out, nil
}

// suburbPreferences scores suburbs from current preference facts. Avoided suburbs
// score negative.
func suburbPreferences(current []facts.Fact) []SuburbPreference {
	out := []SuburbPreference{}
	for _, f := range current {
		sign, ok := suburbPredicates[strings.ToLower(f.Predicate)]
		if !ok || strings.TrimSpace(f.Object) == "" {
			continue
		}
		name, state := splitSuburb(f.Object)
		if meta, ok := f.Metadata.Fact(); ok {
			name = lo.CoalesceOrEmpty(meta.Attributes["suburbName"], name)
			state = lo.CoalesceOrEmpty(meta.Attributes["state"], state)
		}
		out = append(out, SuburbPreference{
			SuburbName:      name,
			State:           state,
			PreferenceScore: sign * f.Confidence,
			FactID:          f.FactID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PreferenceScore > out[j].PreferenceScore })
	return out
}

var suburbPredicates = map[string]int{
	"likes_suburb":    1,
	"prefers_suburb":  1,
	"avoids_suburb":   -1,
	"dislikes_suburb": -1,
}

// splitSuburb splits "Bondi, NSW" into name and state.
func splitSuburb(s string) (string, string) {
	name, state, _ := strings.Cut(s, ",")
	return strings.TrimSpace(name), strings.TrimSpace(state)
}

func cacheKey(scope core.Scope, query string, limit int) string {
	return fmt.Sprintf("%s|%s|%d|%s", scope.Tenant, scope.Space, limit, strings.ToLower(query))
}

// invalidate drops cached recalls for the space an event touched. Tenant-wide
// records have no space and drop the whole tenant. Recall never reads the mutable
// store, so its events are ignored.
func (s *Service) invalidate(_ context.Context, ev events.Event) {
	if ev.Table == events.TableMutableRecords {
		return
	}
	prefix := ev.Tenant + "|"
	if ev.Space != "" {
		prefix += ev.Space + "|"
	}
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
}
