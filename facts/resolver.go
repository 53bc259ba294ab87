package facts

import (
	"context"
	"fmt"
	"strings"
)

// Stage identifies the pipeline stage that matched an observation to an existing fact.
type Stage string

const (
	StageNone      Stage = "none"
	StageSlot      Stage = "slot"
	StageSemantic  Stage = "semantic"
	StageAmbiguous Stage = "ambiguous"
)

// Match is an existing fact the pipeline considers the observation may revise.
type Match struct {
	Existing   Fact
	Stage      Stage
	Similarity float64
	Scored     bool
}

// Decision is a resolver's verdict on a match.
type Decision struct {
	Action     Action `json:"action"`
	Reason     string `json:"reason"`
	Confidence int    `json:"confidence,omitempty"`
}

// Resolver decides how an observation revises a matched fact.
type Resolver interface {
	Resolve(ctx context.Context, match Match, candidate Observation) (Decision, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, match Match, candidate Observation) (Decision, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, match Match, candidate Observation) (Decision, error) {
	return f(ctx, match, candidate)
}

var retractionObjects = map[string]struct{}{
	"none": {}, "nothing": {}, "no longer": {}, "n/a": {}, "null": {},
}

// RuleResolver handles clean matches deterministically. On a slot match a retraction
// word deletes, a restated or missing value updates, and a changed value supersedes. A clean
// semantic match is a refinement of the same belief and updates.
type RuleResolver struct{}

// Resolve implements Resolver.
func (RuleResolver) Resolve(_ context.Context, match Match, candidate Observation) (Decision, error) {
	oldObj := normalizeObject(match.Existing.Object)
	newObj := normalizeObject(candidate.Object)
	switch match.Stage {
	case StageSlot:
		if _, retracted := retractionObjects[newObj]; retracted {
			return Decision{Action: ActionDelete, Reason: "observation retracts the slot"}, nil
		}
		if newObj == "" {
			// No value means the statement refines the current belief.
			return Decision{Action: ActionUpdate, Reason: "slot restated without a value"}, nil
		}
		if oldObj == newObj {
			return Decision{Action: ActionUpdate, Reason: "same value restated"}, nil
		}
		return Decision{
			Action: ActionSupersede,
			Reason: fmt.Sprintf("%s changed from %q to %q", candidate.Predicate, match.Existing.Object, candidate.Object),
		}, nil
	case StageSemantic:
		return Decision{
			Action: ActionUpdate,
			Reason: fmt.Sprintf("semantically equivalent to existing fact (similarity %.2f)", match.Similarity),
		}, nil
	}
	return Decision{Action: ActionCreate, Reason: "no clean match"}, nil
}

func normalizeObject(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
