package facts

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// fixedEmbedder maps known statements to hand-picked vectors so tests control similarity.
func fixedEmbedder(vectors map[string][]float32) memory.Embedder {
	return memory.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float32{0, 0, 1}, nil
	})
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := migrations.Open(migrations.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var (
	scopeA = core.MustScope("acme", "user-alice")
	scopeB = core.MustScope("acme", "user-bob")
)

func suburb(object string, confidence int) Observation {
	return Observation{Subject: "user", Predicate: "likes_suburb", Object: object, Confidence: confidence, FactType: TypePreference}
}

func TestSupersedeChangedPreference(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), nil, rec, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, first.Action)
	f1 := first.Fact.FactID

	second, err := store.Observe(ctx, scopeA, suburb("Manly", 85))
	require.NoError(t, err)
	assert.Equal(t, ActionSupersede, second.Action)
	f2 := second.Fact.FactID
	assert.Equal(t, f1, second.Fact.Supersedes)
	assert.Equal(t, f1, second.Previous.FactID)
	assert.True(t, second.Event.SlotMatched)

	current, err := store.GetCurrentFacts(ctx, scopeA, Filters{})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, f2, current[0].FactID)
	assert.Equal(t, "Manly", current[0].Object)

	old, err := store.Get(ctx, scopeA, f1)
	require.NoError(t, err)
	assert.Equal(t, f2, old.SupersededBy)
	assert.False(t, old.Current())

	hist, err := store.GetFactHistory(ctx, scopeA, f2)
	require.NoError(t, err)
	require.Len(t, hist.Chain, 2)
	assert.Equal(t, f1, hist.Chain[0].FactID)
	assert.Equal(t, f2, hist.Chain[1].FactID)
	require.Len(t, hist.Events, 2)
	assert.Equal(t, ActionCreate, hist.Events[0].Action)
	assert.Equal(t, ActionSupersede, hist.Events[1].Action)
	assert.Equal(t, f1, hist.Events[1].Supersedes)
	assert.Equal(t, f2, hist.Events[1].SupersededBy)

	fromOld, err := store.GetFactHistory(ctx, scopeA, f1)
	require.NoError(t, err)
	assert.Equal(t, hist.Chain[1].FactID, fromOld.Chain[1].FactID)

	ops := make([]events.Operation, 0, len(rec.events))
	for _, ev := range rec.events {
		ops = append(ops, ev.Operation)
	}
	assert.Equal(t, []events.Operation{events.OpInsert, events.OpInsert, events.OpUpdate}, ops)
}

func TestRestatedValueUpdatesInPlace(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 70))
	require.NoError(t, err)
	again, err := store.Observe(ctx, scopeA, suburb("bondi  beach", 95))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, again.Action)
	assert.Equal(t, first.Fact.FactID, again.Fact.FactID)
	assert.Equal(t, 2, again.Fact.Version)

	got, err := store.Get(ctx, scopeA, first.Fact.FactID)
	require.NoError(t, err)
	assert.Equal(t, 95, got.Confidence)
	require.Len(t, got.PreviousVersions, 1)
	assert.Equal(t, 70, got.PreviousVersions[0].Confidence)
}

func TestRetractionDeletesSlot(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)
	out, err := store.Observe(ctx, scopeA, suburb("none", 80))
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, out.Action)
	assert.Equal(t, StatusDeleted, out.Fact.Status)

	current, err := store.GetCurrentFacts(ctx, scopeA, Filters{})
	require.NoError(t, err)
	assert.Empty(t, current)

	got, err := store.Get(ctx, scopeA, first.Fact.FactID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)
	assert.Len(t, got.PreviousVersions, 1)

	_, err = store.Retract(ctx, scopeA, first.Fact.FactID, "")
	assert.True(t, core.IsInvariantViolation(err))

	hist, err := store.GetFactHistory(ctx, scopeA, first.Fact.FactID)
	require.NoError(t, err)
	require.Len(t, hist.Events, 2)
	assert.Equal(t, ActionDelete, hist.Events[1].Action)
}

func TestSlotObservationWithoutValueKeepsFact(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)
	out, err := store.Observe(ctx, scopeA, Observation{
		Subject:   "user",
		Predicate: "likes_suburb",
		Text:      "The user also enjoys coastal suburbs",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, out.Action)
	assert.Equal(t, first.Fact.FactID, out.Fact.FactID)
	assert.Equal(t, "Bondi Beach", out.Fact.Object)
	assert.Equal(t, StatusActive, out.Fact.Status)

	current, err := store.GetCurrentFacts(ctx, scopeA, Filters{})
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestGrayZoneUsesResolver(t *testing.T) {
	vectors := map[string][]float32{
		"Alice works at a bank":                {1, 0, 0},
		"Alice is employed by a bank":          {0.8, 0.6, 0},
		"Alice is employed by a regional bank": {0.8, 0.6, 0},
		"Alice banks with a credit union":      {0.95, 0.312, 0},
	}
	ctx := context.Background()

	t.Run("resolver decides", func(t *testing.T) {
		var calls int
		resolver := ResolverFunc(func(_ context.Context, m Match, _ Observation) (Decision, error) {
			calls++
			assert.Equal(t, StageAmbiguous, m.Stage)
			assert.InDelta(t, 0.8, m.Similarity, 0.01)
			return Decision{Action: ActionSupersede, Reason: "employer restated"}, nil
		})
		store := NewStore(setupTestDB(t), fixedEmbedder(vectors), nil, zerolog.Nop(), WithResolver(resolver))
		_, err := store.Observe(ctx, scopeA, Observation{Text: "Alice works at a bank", Confidence: 80})
		require.NoError(t, err)
		out, err := store.Observe(ctx, scopeA, Observation{Text: "Alice is employed by a bank", Confidence: 80})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, ActionSupersede, out.Action)
		assert.True(t, out.Event.LLMResolved)
		assert.True(t, out.Event.SemanticMatched)
		require.NotNil(t, out.Event.Similarity)
	})

	t.Run("resolver failure keeps observation", func(t *testing.T) {
		resolver := ResolverFunc(func(context.Context, Match, Observation) (Decision, error) {
			return Decision{}, errors.New("rate limited")
		})
		store := NewStore(setupTestDB(t), fixedEmbedder(vectors), nil, zerolog.Nop(), WithResolver(resolver))
		_, err := store.Observe(ctx, scopeA, Observation{Text: "Alice works at a bank", Confidence: 80})
		require.NoError(t, err)
		out, err := store.Observe(ctx, scopeA, Observation{Text: "Alice is employed by a regional bank", Confidence: 80})
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, out.Action)
		assert.False(t, out.Event.LLMResolved)

		current, err := store.GetCurrentFacts(ctx, scopeA, Filters{})
		require.NoError(t, err)
		assert.Len(t, current, 2)
	})

	t.Run("clean semantic match updates", func(t *testing.T) {
		store := NewStore(setupTestDB(t), fixedEmbedder(vectors), nil, zerolog.Nop())
		first, err := store.Observe(ctx, scopeA, Observation{Text: "Alice works at a bank", Confidence: 60})
		require.NoError(t, err)
		out, err := store.Observe(ctx, scopeA, Observation{Text: "Alice banks with a credit union", Confidence: 75})
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, out.Action)
		assert.Equal(t, first.Fact.FactID, out.Fact.FactID)
		assert.Equal(t, "Alice banks with a credit union", out.Fact.Fact)
	})

	t.Run("discard writes nothing", func(t *testing.T) {
		resolver := ResolverFunc(func(context.Context, Match, Observation) (Decision, error) {
			return Decision{Action: ActionDiscard, Reason: "duplicate"}, nil
		})
		store := NewStore(setupTestDB(t), fixedEmbedder(vectors), nil, zerolog.Nop(), WithResolver(resolver))
		first, err := store.Observe(ctx, scopeA, Observation{Text: "Alice works at a bank", Confidence: 80})
		require.NoError(t, err)
		out, err := store.Observe(ctx, scopeA, Observation{Text: "Alice is employed by a bank", Confidence: 80})
		require.NoError(t, err)
		assert.Equal(t, ActionDiscard, out.Action)
		assert.Nil(t, out.Event)

		hist, err := store.GetFactHistory(ctx, scopeA, first.Fact.FactID)
		require.NoError(t, err)
		assert.Len(t, hist.Events, 1)
	})
}

func TestConcurrentSupersedeKeepsSingleHead(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, object := range []string{"Manly", "Coogee"} {
		wg.Add(1)
		go func(i int, object string) {
			defer wg.Done()
			_, errs[i] = store.Observe(ctx, scopeA, suburb(object, 85))
		}(i, object)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	current, err := store.GetCurrentFacts(ctx, scopeA, Filters{Predicate: "likes_suburb"})
	require.NoError(t, err)
	require.Len(t, current, 1)

	hist, err := store.GetFactHistory(ctx, scopeA, first.Fact.FactID)
	require.NoError(t, err)
	require.Len(t, hist.Chain, 3)
	assert.Equal(t, current[0].FactID, hist.Chain[2].FactID)
}

func TestFactIsolation(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	out, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)

	_, err = store.Get(ctx, scopeB, out.Fact.FactID)
	assert.True(t, core.IsIsolationViolation(err))
	_, err = store.GetFactHistory(ctx, scopeB, out.Fact.FactID)
	assert.True(t, core.IsIsolationViolation(err))
	_, err = store.Retract(ctx, scopeB, out.Fact.FactID, "not mine")
	assert.True(t, core.IsIsolationViolation(err))

	other, err := store.Observe(ctx, scopeB, suburb("Manly", 85))
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, other.Action)

	current, err := store.GetCurrentFacts(ctx, scopeA, Filters{})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Bondi Beach", current[0].Object)
}

func TestHistoryDetectsCycles(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil, nil, zerolog.Nop())
	ctx := context.Background()

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)
	second, err := store.Observe(ctx, scopeA, suburb("Manly", 85))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE facts SET supersedes = ? WHERE fact_id = ?`, second.Fact.FactID, first.Fact.FactID)
	require.NoError(t, err)

	_, err = store.GetFactHistory(ctx, scopeA, second.Fact.FactID)
	assert.True(t, core.IsInvariantViolation(err), "got %v", err)
}

func TestObservationValidation(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := store.Observe(ctx, scopeA, Observation{})
	assert.True(t, core.IsInvalidInput(err))
	_, err = store.Observe(ctx, scopeA, suburb("Manly", 140))
	assert.True(t, core.IsInvalidInput(err))
	_, err = store.Observe(ctx, scopeA, Observation{Text: "x", FactType: "rumour"})
	assert.True(t, core.IsInvalidInput(err))
	_, err = store.Observe(ctx, core.Scope{Tenant: "acme"}, suburb("Manly", 80))
	require.Error(t, err)
}

func TestSearchCurrentRanksByRelevanceAndConfidence(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	for _, obs := range []Observation{
		suburb("Manly", 60),
		{Subject: "user", Predicate: "owns", Object: "a dog", Confidence: 95},
		{Subject: "user", Predicate: "budget", Object: "Manly apartments under 1.2m", Confidence: 90},
	} {
		_, err := store.Observe(ctx, scopeA, obs)
		require.NoError(t, err)
	}

	res, err := store.SearchCurrent(ctx, scopeA, "Manly", 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "budget", res[0].Fact.Predicate)
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestFactRetention(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), nil, rec, zerolog.Nop())
	ctx := context.Background()
	target := core.RetentionTarget{Tenant: "acme", Space: "user-alice"}

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 50))
	require.NoError(t, err)
	for _, c := range []int{60, 70, 80} {
		_, err = store.Observe(ctx, scopeA, suburb("Bondi Beach", c))
		require.NoError(t, err)
	}

	res, err := store.PruneVersions(ctx, target, core.VersionLimit{MaxVersions: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.VersionsDeleted)

	got, err := store.Get(ctx, scopeA, first.Fact.FactID)
	require.NoError(t, err)
	require.Len(t, got.PreviousVersions, 1)
	assert.Equal(t, 70, got.PreviousVersions[0].Confidence)

	res, err = store.PurgeExpired(ctx, target, core.NowMillis()+1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsPurged)

	_, err = store.Get(ctx, scopeA, first.Fact.FactID)
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, events.OpDelete, rec.events[len(rec.events)-1].Operation)
}

func TestPurgeRestoresPredecessorOfPurgedSuccessor(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil, nil, zerolog.Nop())
	ctx := context.Background()
	target := core.RetentionTarget{Tenant: "acme", Space: "user-alice"}

	first, err := store.Observe(ctx, scopeA, suburb("Bondi Beach", 90))
	require.NoError(t, err)
	second, err := store.Observe(ctx, scopeA, suburb("Manly", 85))
	require.NoError(t, err)
	require.Equal(t, ActionSupersede, second.Action)

	_, err = db.ExecContext(ctx, `UPDATE facts SET updated_at = 1 WHERE fact_id = ?`, second.Fact.FactID)
	require.NoError(t, err)
	res, err := store.PurgeExpired(ctx, target, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsPurged)

	got, err := store.Get(ctx, scopeA, first.Fact.FactID)
	require.NoError(t, err)
	assert.Empty(t, got.SupersededBy)

	current, err := store.GetCurrentFacts(ctx, scopeA, Filters{Predicate: "likes_suburb"})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, first.Fact.FactID, current[0].FactID)
}

func TestZeroConfidenceIsRecorded(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	out, err := store.Observe(ctx, scopeA, suburb("Coogee", 0))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Fact.Confidence)

	got, err := store.Get(ctx, scopeA, out.Fact.FactID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Confidence)
}
