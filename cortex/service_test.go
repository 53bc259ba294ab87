package cortex

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordEmbedder hashes words into a fixed number of dimensions so texts that share
// words are similar.
func wordEmbedder(dimensions int) memory.EmbedderFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dimensions)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(word, ".,!?'")))
			vec[h.Sum32()%uint32(dimensions)]++ // nolint:gosec // Test code
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		if norm > 0 {
			for i := range vec {
				vec[i] /= float32(math.Sqrt(norm))
			}
		}
		return vec, nil
	}
}

// scriptedExtractor returns canned observations keyed by a word in the user's text.
type scriptedExtractor map[string][]facts.Observation

func (x scriptedExtractor) Extract(_ context.Context, turn llm.Turn) ([]facts.Observation, error) {
	for word, obs := range x {
		if strings.Contains(turn.Text, word) {
			return obs, nil
		}
	}
	return nil, nil
}

type fixture struct {
	svc *Service
	bus *events.Bus
}

func newFixture(t *testing.T, embedder memory.Embedder, opts ...Option) fixture {
	t.Helper()
	db, err := migrations.Open(migrations.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(zerolog.Nop())
	stores := OpenStores(db, bus, embedder, zerolog.Nop())
	svc := New(stores, bus, Config{Tenant: "acme"}, zerolog.Nop(), opts...)
	t.Cleanup(svc.Close)
	return fixture{svc: svc, bus: bus}
}

var suburbScript = scriptedExtractor{
	"Bondi": {{Subject: "user", Predicate: "likes_suburb", Object: "Bondi Beach", Confidence: 90,
		Text: "The user wants to live near Bondi Beach", FactType: facts.TypePreference}},
	"Manly": {{Subject: "user", Predicate: "likes_suburb", Object: "Manly", Confidence: 85,
		Text: "The user wants to live in Manly", FactType: facts.TypePreference}},
}

func TestRememberSupersedesAndRecallRanksCurrentFact(t *testing.T) {
	f := newFixture(t, wordEmbedder(64), WithExtractor(suburbScript))
	ctx := context.Background()

	first, err := f.svc.Remember(ctx, RememberInput{UserID: "alice", UserQuery: "I love Bondi Beach"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "user-alice", first.MemorySpaceID)
	require.Len(t, first.Facts, 1)
	assert.Equal(t, facts.ActionCreate, first.Facts[0].Action)
	bondiID := first.Facts[0].FactID

	second, err := f.svc.Remember(ctx, RememberInput{
		UserID:        "alice",
		UserQuery:     "Actually I'd rather be in Manly",
		AgentResponse: "Noted, I'll focus on Manly.",
	})
	require.NoError(t, err)
	require.Len(t, second.Facts, 1)
	assert.Equal(t, facts.ActionSupersede, second.Facts[0].Action)
	manlyID := second.Facts[0].FactID

	res, err := f.svc.Recall(ctx, RecallInput{UserID: "alice", Query: "where does the user want to live", Limit: 5})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.NotEmpty(t, res.Facts)
	assert.Equal(t, manlyID, res.Facts[0].Fact.FactID)
	for _, sf := range res.Facts {
		assert.NotEqual(t, bondiID, sf.Fact.FactID)
	}
	for _, m := range res.Memories {
		if m.Memory.FactsRef != nil {
			assert.NotEqual(t, bondiID, m.Memory.FactsRef.FactID)
		}
	}
	require.Len(t, res.SuburbPreferences, 1)
	assert.Equal(t, "Manly", res.SuburbPreferences[0].SuburbName)
	assert.Equal(t, 85, res.SuburbPreferences[0].PreferenceScore)

	hist, err := f.svc.GetFactHistory(ctx, SpaceRef{UserID: "alice"}, manlyID)
	require.NoError(t, err)
	require.Len(t, hist.Chain, 2)
	assert.Equal(t, bondiID, hist.Chain[0].FactID)
	assert.Equal(t, manlyID, hist.Chain[1].FactID)
	actions := make([]facts.Action, 0, len(hist.Events))
	for _, ev := range hist.Events {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []facts.Action{facts.ActionCreate, facts.ActionSupersede}, actions)
}

func TestRestatedFactVersionsItsMemory(t *testing.T) {
	script := scriptedExtractor{
		"about": {{Subject: "user", Predicate: "budget", Object: "900k", Confidence: 80,
			Text: "The user budget is about 900k for a Bondi apartment"}},
		"firmly": {{Subject: "user", Predicate: "budget", Object: "900K", Confidence: 90,
			Text: "The user budget is firmly 900k and cannot stretch"}},
	}
	f := newFixture(t, wordEmbedder(64), WithExtractor(script))
	ctx := context.Background()

	first, err := f.svc.Remember(ctx, RememberInput{UserID: "alice", UserQuery: "My budget is about 900k"})
	require.NoError(t, err)
	require.Len(t, first.Facts, 1)
	second, err := f.svc.Remember(ctx, RememberInput{UserID: "alice", UserQuery: "I'm firmly at 900K, no more"})
	require.NoError(t, err)
	require.Len(t, second.Facts, 1)
	assert.Equal(t, facts.ActionUpdate, second.Facts[0].Action)
	assert.Equal(t, first.Facts[0].FactID, second.Facts[0].FactID)

	res, err := f.svc.Recall(ctx, RecallInput{UserID: "alice", Query: "user budget 900k", Limit: 10})
	require.NoError(t, err)
	var factMemories []memory.Memory
	for _, m := range res.Memories {
		if m.Memory.FactsRef != nil {
			factMemories = append(factMemories, m.Memory)
		}
	}
	require.Len(t, factMemories, 1)
	got := factMemories[0]
	assert.Equal(t, "The user budget is firmly 900k and cannot stretch", got.Content)
	assert.Equal(t, 2, got.FactsRef.Version)
	assert.Equal(t, 2, got.Version)
	assert.Contains(t, first.MemoryIDs, got.MemoryID)
	assert.Contains(t, second.MemoryIDs, got.MemoryID)
}

func TestRememberReusesActiveConversation(t *testing.T) {
	f := newFixture(t, wordEmbedder(32))
	ctx := context.Background()

	a, err := f.svc.Remember(ctx, RememberInput{UserID: "bob", UserQuery: "Show me houses", AgentResponse: "Here are three."})
	require.NoError(t, err)
	b, err := f.svc.Remember(ctx, RememberInput{UserID: "bob", UserQuery: "Only ones with a garden"})
	require.NoError(t, err)
	assert.Equal(t, a.ConversationID, b.ConversationID)
	assert.Len(t, a.MessageIDs, 2)
	assert.Len(t, b.MessageIDs, 1)

	scope, err := f.svc.Scope(ctx, SpaceRef{UserID: "bob"})
	require.NoError(t, err)
	conv, err := f.svc.Stores().Conversations.Get(ctx, scope, a.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 3, conv.MessageCount)

	_, err = f.svc.Remember(ctx, RememberInput{UserID: "bob", UserQuery: "  "})
	assert.True(t, core.IsInvalidInput(err))
}

func TestRememberDegradesWhenUpstreamsFail(t *testing.T) {
	failing := llm.ExtractorFunc(func(context.Context, llm.Turn) ([]facts.Observation, error) {
		return nil, core.UpstreamUnavailable("extractor", errors.New("timeout"))
	})
	summarizer := summarizerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("overloaded")
	})
	f := newFixture(t, wordEmbedder(32), WithExtractor(failing), WithSummarizer(summarizer))
	f.svc.cfg.SummarizeOver = 10

	res, err := f.svc.Remember(context.Background(), RememberInput{UserID: "carol", UserQuery: "I need four bedrooms near a school"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ElementsMatch(t, []string{"summarizer", "extractor"}, res.Degraded)
	assert.Len(t, res.MemoryIDs, 1)
	assert.Empty(t, res.Facts)
}

func TestRememberSummarizesLongTurns(t *testing.T) {
	summarizer := summarizerFunc(func(context.Context, string) (string, error) {
		return "The user wants a quiet street.", nil
	})
	f := newFixture(t, wordEmbedder(32), WithSummarizer(summarizer))
	f.svc.cfg.SummarizeOver = 20
	ctx := context.Background()

	res, err := f.svc.Remember(ctx, RememberInput{UserID: "dan", UserQuery: "Somewhere without much traffic noise please"})
	require.NoError(t, err)
	scope, err := f.svc.Scope(ctx, SpaceRef{UserID: "dan"})
	require.NoError(t, err)
	m, err := f.svc.Stores().Memories.Get(ctx, scope, res.MemoryIDs[0])
	require.NoError(t, err)
	assert.Equal(t, memory.ContentSummarized, m.ContentType)
	assert.Equal(t, "The user wants a quiet street.", m.Content)
	require.NotNil(t, m.ConversationRef)
	assert.Equal(t, res.ConversationID, m.ConversationRef.ConversationID)
}

func TestRecallDegradesToKeywords(t *testing.T) {
	down := memory.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	})
	f := newFixture(t, down)
	ctx := context.Background()

	_, err := f.svc.Remember(ctx, RememberInput{UserID: "erin", UserQuery: "I want a terrace in Paddington"})
	require.NoError(t, err)

	res, err := f.svc.Recall(ctx, RecallInput{UserID: "erin", Query: "Paddington terrace"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Memories, 1)
	assert.Contains(t, res.Memories[0].Memory.Content, "Paddington")

	again, err := f.svc.Recall(ctx, RecallInput{UserID: "erin", Query: "Paddington terrace"})
	require.NoError(t, err)
	assert.False(t, again.Cached)
}

func TestRecallCacheIsInvalidatedByWrites(t *testing.T) {
	f := newFixture(t, wordEmbedder(32))
	ctx := context.Background()

	_, err := f.svc.Remember(ctx, RememberInput{UserID: "fay", UserQuery: "Looking for an apartment in Newtown"})
	require.NoError(t, err)

	first, err := f.svc.Recall(ctx, RecallInput{UserID: "fay", Query: "apartment"})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	cached, err := f.svc.Recall(ctx, RecallInput{UserID: "fay", Query: "apartment"})
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Len(t, cached.Memories, len(first.Memories))

	_, err = f.svc.Remember(ctx, RememberInput{UserID: "fay", UserQuery: "An apartment with a balcony"})
	require.NoError(t, err)
	fresh, err := f.svc.Recall(ctx, RecallInput{UserID: "fay", Query: "apartment"})
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.Len(t, fresh.Memories, 2)

	// Another user's writes leave this space's entry alone.
	_, err = f.svc.Recall(ctx, RecallInput{UserID: "fay", Query: "apartment"})
	require.NoError(t, err)
	_, err = f.svc.Remember(ctx, RememberInput{UserID: "gus", UserQuery: "apartment please"})
	require.NoError(t, err)
	still, err := f.svc.Recall(ctx, RecallInput{UserID: "fay", Query: "apartment"})
	require.NoError(t, err)
	assert.True(t, still.Cached)
}

func TestStorePreference(t *testing.T) {
	f := newFixture(t, wordEmbedder(32))
	ctx := context.Background()

	res, err := f.svc.StorePreference(ctx, PreferenceInput{
		UserID:     "hana",
		Category:   "suburb",
		Preference: "Bondi, NSW",
		Metadata:   map[string]string{"mentionedInQuery": "I love Bondi", "reason": "User stated this directly"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, facts.ActionCreate, res.Change.Action)

	recall, err := f.svc.Recall(ctx, RecallInput{UserID: "hana", Query: "Bondi"})
	require.NoError(t, err)
	require.Len(t, recall.SuburbPreferences, 1)
	assert.Equal(t, SuburbPreference{SuburbName: "Bondi", State: "NSW", PreferenceScore: 80, FactID: res.Change.FactID},
		recall.SuburbPreferences[0])
	require.Len(t, recall.Preferences, 1)
	meta, ok := recall.Preferences[0].Metadata.Fact()
	require.True(t, ok)
	assert.Equal(t, "I love Bondi", meta.Attributes["mentionedInQuery"])

	_, err = f.svc.StorePreference(ctx, PreferenceInput{UserID: "hana", Category: "suburb", Preference: "Bondi, NSW", Negative: true})
	require.NoError(t, err)
	recall, err = f.svc.Recall(ctx, RecallInput{UserID: "hana", Query: "Bondi"})
	require.NoError(t, err)
	require.Len(t, recall.SuburbPreferences, 1)
	assert.Equal(t, -70, recall.SuburbPreferences[0].PreferenceScore)

	_, err = f.svc.StorePreference(ctx, PreferenceInput{UserID: "hana", Category: " ", Preference: "x"})
	assert.True(t, core.IsInvalidInput(err))
}

func TestPropertyInteractions(t *testing.T) {
	f := newFixture(t, wordEmbedder(32))
	ctx := context.Background()

	prop := json.RawMessage(`{"id":"prop-001","bedrooms":3,"price":1500000}`)
	res, err := f.svc.Remember(ctx, RememberInput{
		UserID:          "ivan",
		UserQuery:       "Search for properties in Coogee",
		PropertyID:      "prop-001",
		PropertyContext: prop,
	})
	require.NoError(t, err)
	assert.Len(t, res.MemoryIDs, 2)

	recall, err := f.svc.Recall(ctx, RecallInput{UserID: "ivan", Query: "Coogee"})
	require.NoError(t, err)
	require.Len(t, recall.PropertyInteractions, 1)
	pi := recall.PropertyInteractions[0]
	assert.Equal(t, "prop-001", pi.PropertyID)
	assert.Equal(t, "viewed", pi.InteractionType)
	assert.Equal(t, 1, pi.Version)
	assert.JSONEq(t, string(prop), string(pi.Context))

	rec, err := f.svc.Stores().Records.Get(ctx, "acme", "property", "prop-001")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestScopeResolution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Scope(ctx, SpaceRef{})
	assert.True(t, core.IsInvalidInput(err))

	_, err = f.svc.Scope(ctx, SpaceRef{MemorySpaceID: "team-missing"})
	assert.True(t, core.IsNotFound(err))

	space, err := f.svc.EnsureMemorySpace(ctx, "judy")
	require.NoError(t, err)
	scope, err := f.svc.Scope(ctx, SpaceRef{MemorySpaceID: space.MemorySpaceID})
	require.NoError(t, err)
	assert.Equal(t, core.Scope{Tenant: "acme", Space: "user-judy"}, scope)

	empty, err := f.svc.Recall(ctx, RecallInput{UserID: "judy", Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, empty.Memories)
	assert.NotNil(t, empty.Facts)
}

type summarizerFunc func(ctx context.Context, text string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, text string) (string, error) { return f(ctx, text) }
