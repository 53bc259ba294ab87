package cortex

import (
	"context"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/facts"
)

const (
	positivePreferenceConfidence = 80
	negativePreferenceConfidence = 70
)

// StorePreference records an explicitly stated preference as a preference fact on
// the slot (user, prefers_<category>) or (user, avoids_<category>). Stating the
// opposite of a current preference with the same value retracts it.
func (s *Service) StorePreference(ctx context.Context, in PreferenceInput) (PreferenceResult, error) {
	s.logger.Debug().
		Str("method", "StorePreference").
		Str("user_id", in.UserID).
		Str("category", in.Category).
		Str("preference", in.Preference).
		Bool("negative", in.Negative).
		Msg("called")
	category := slug(in.Category)
	preference := strings.TrimSpace(in.Preference)
	if category == "" || preference == "" {
		return PreferenceResult{}, core.InvalidInput("category and preference are required")
	}
	scope, err := s.Scope(ctx, SpaceRef{UserID: in.UserID, MemorySpaceID: in.MemorySpaceID})
	if err != nil {
		return PreferenceResult{}, err
	}

	verb, opposite := "prefers", "avoids"
	confidence := positivePreferenceConfidence
	if in.Negative {
		verb, opposite = opposite, verb
		confidence = negativePreferenceConfidence
	}
	if in.Confidence > 0 {
		confidence = min(in.Confidence, 100)
	}

	attrs := make(map[string]string, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		if v != "" {
			attrs[k] = v
		}
	}
	if category == "suburb" {
		name, state := splitSuburb(preference)
		if _, ok := attrs["suburbName"]; !ok {
			attrs["suburbName"] = name
		}
		if _, ok := attrs["state"]; !ok && state != "" {
			attrs["state"] = state
		}
	}

	if err := s.retractOpposite(ctx, scope, opposite+"_"+category, preference); err != nil {
		return PreferenceResult{}, err
	}

	change, _, err := s.revise(ctx, scope, facts.Observation{
		UserID:     in.UserID,
		Subject:    "user",
		Predicate:  verb + "_" + category,
		Object:     preference,
		Text:       fmt.Sprintf("The user %s %s %s", verb, strings.ReplaceAll(category, "_", " "), preference),
		Confidence: confidence,
		FactType:   facts.TypePreference,
		SourceType: "preference",
		Tags:       []string{"preference", category},
		Metadata:   core.FactPayload(core.FactMeta{Category: category, Extractor: "stated", Attributes: attrs}),
	})
	if err != nil {
		return PreferenceResult{}, err
	}
	s.logger.Info().
		Str("space_id", string(scope.Space)).
		Str("category", category).
		Str("action", string(change.Action)).
		Msg("Stored preference")
	return PreferenceResult{Success: true, Change: change}, nil
}

func (s *Service) retractOpposite(ctx context.Context, scope core.Scope, predicate, value string) error {
	current, err := s.stores.Facts.GetCurrentFacts(ctx, scope, facts.Filters{Subject: "user", Predicate: predicate})
	if err != nil {
		return err
	}
	for _, f := range current {
		if !strings.EqualFold(strings.TrimSpace(f.Object), value) {
			continue
		}
		out, err := s.stores.Facts.Retract(ctx, scope, f.FactID, "user stated the opposite preference")
		if err != nil {
			return err
		}
		s.metrics.BeliefRevision(string(out.Action))
	}
	return nil
}

// slug lowercases s and joins its words with underscores.
func slug(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}), "_")
}
