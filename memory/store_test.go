package memory

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// semanticEmbedder hashes words into a fixed number of dimensions so texts that share
// words have high cosine similarity. Deterministic and offline.
type semanticEmbedder struct {
	dimensions int
}

func newSemanticEmbedder(dimensions int) *semanticEmbedder {
	return &semanticEmbedder{dimensions: dimensions}
}

func (e *semanticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(word, ".,!?")))
		hash := h.Sum32()
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) // nolint:gosec // Test code
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0) // nolint:gosec // Test code
		}
	}
	var magnitude float32
	for _, v := range embedding {
		magnitude += v * v
	}
	if magnitude > 0 {
		magnitude = float32(math.Sqrt(float64(magnitude)))
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

func failingEmbedder() Embedder {
	return EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	})
}

type recorder struct{ events []events.Event }

func (r *recorder) Publish(_ context.Context, ev events.Event) { r.events = append(r.events, ev) }

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

func TestIndexRejectsMultipleSourceRefs(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())

	_, err := store.Index(context.Background(), scopeA, IndexInput{
		Content: "two sources",
		Sources: Sources{
			ConversationRef: &ConversationRef{ConversationID: "conv-1"},
			FactsRef:        &FactsRef{FactID: "fact-1"},
		},
	})
	assert.True(t, core.IsInvariantViolation(err), "got %v", err)

	m, err := store.Index(context.Background(), scopeA, IndexInput{
		Content: "one source",
		Sources: Sources{FactsRef: &FactsRef{FactID: "fact-1", Version: 2}},
	})
	require.NoError(t, err)
	got, err := store.Get(context.Background(), scopeA, m.MemoryID)
	require.NoError(t, err)
	require.NotNil(t, got.FactsRef)
	assert.Equal(t, "fact-1", got.FactsRef.FactID)
	assert.Nil(t, got.ConversationRef)
	assert.Equal(t, ContentRaw, got.ContentType)
	assert.Equal(t, 50, got.Importance)
}

func TestUpdateKeepsContiguousVersions(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), newSemanticEmbedder(64), rec, zerolog.Nop())
	ctx := context.Background()

	m, err := store.Index(ctx, scopeA, IndexInput{Content: "lives in Bondi"})
	require.NoError(t, err)
	for i, content := range []string{"lives in Manly", "lives in Coogee", "lives in Bronte"} {
		m, err = store.Update(ctx, scopeA, m.MemoryID, content, i+1)
		require.NoError(t, err)
		assert.Len(t, m.PreviousVersions, m.Version-1)
	}
	assert.Equal(t, 4, m.Version)
	assert.Equal(t, "lives in Bondi", m.PreviousVersions[0].Content)

	_, err = store.Update(ctx, scopeA, m.MemoryID, "stale", 2)
	assert.True(t, core.IsConflict(err))

	res, err := store.Search(ctx, scopeA, Query{Text: "Bronte", Mode: ModeKeyword})
	require.NoError(t, err)
	require.Len(t, res, 1)

	res, err = store.Search(ctx, scopeA, Query{Text: "Bondi", Mode: ModeKeyword})
	require.NoError(t, err)
	assert.Empty(t, res)

	ops := make([]events.Operation, 0, len(rec.events))
	for _, ev := range rec.events {
		ops = append(ops, ev.Operation)
	}
	assert.Equal(t, []events.Operation{events.OpInsert, events.OpUpdate, events.OpUpdate, events.OpUpdate}, ops)
}

func TestUpdateFactRepointsReference(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := store.ForFact(ctx, scopeA, "fact-1")
	assert.True(t, core.IsNotFound(err))

	m, err := store.Index(ctx, scopeA, IndexInput{
		Content:     "budget is about 900k",
		ContentType: ContentFact,
		Sources:     Sources{FactsRef: &FactsRef{FactID: "fact-1", Version: 1}},
	})
	require.NoError(t, err)
	_, err = store.Index(ctx, scopeB, IndexInput{
		Content:     "budget is about 900k",
		ContentType: ContentFact,
		Sources:     Sources{FactsRef: &FactsRef{FactID: "fact-1", Version: 1}},
	})
	require.NoError(t, err)

	found, err := store.ForFact(ctx, scopeA, "fact-1")
	require.NoError(t, err)
	assert.Equal(t, m.MemoryID, found.MemoryID)

	updated, err := store.UpdateFact(ctx, scopeA, m.MemoryID, "budget is firmly 900k", FactsRef{FactID: "fact-1", Version: 2}, found.Version)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 2, updated.FactsRef.Version)

	got, err := store.Get(ctx, scopeA, m.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "budget is firmly 900k", got.Content)
	require.NotNil(t, got.FactsRef)
	assert.Equal(t, 2, got.FactsRef.Version)

	plain, err := store.Index(ctx, scopeA, IndexInput{Content: "no fact behind this"})
	require.NoError(t, err)
	_, err = store.UpdateFact(ctx, scopeA, plain.MemoryID, "still none", FactsRef{FactID: "fact-1"}, 0)
	assert.True(t, core.IsInvariantViolation(err))
}

func TestIsolationBetweenSpaces(t *testing.T) {
	store := NewStore(setupTestDB(t), newSemanticEmbedder(64), nil, zerolog.Nop())
	ctx := context.Background()

	m, err := store.Index(ctx, scopeA, IndexInput{Content: "prefers three bedrooms"})
	require.NoError(t, err)

	_, err = store.Get(ctx, scopeB, m.MemoryID)
	assert.True(t, core.IsIsolationViolation(err))
	_, err = store.Update(ctx, scopeB, m.MemoryID, "hijacked", 0)
	assert.True(t, core.IsIsolationViolation(err))
	assert.True(t, core.IsIsolationViolation(store.Delete(ctx, scopeB, m.MemoryID)))

	res, err := store.Search(ctx, scopeB, Query{Text: "three bedrooms"})
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = store.Search(ctx, core.Scope{Tenant: "acme"}, Query{Text: "bedrooms"})
	require.Error(t, err)
}

func TestSemanticHybridSearch(t *testing.T) {
	embedder := newSemanticEmbedder(128)
	store := NewStore(setupTestDB(t), embedder, nil, zerolog.Nop())
	ctx := context.Background()

	for _, content := range []string{
		"Adam loves programming in Go and building distributed systems",
		"Sarah enjoys Python and machine learning research",
		"Bob prefers hiking in the mountains and outdoor adventures",
		"Go is a great language for building scalable backend services",
		"Mountains provide excellent hiking trails and beautiful views",
	} {
		_, err := store.Index(ctx, scopeA, IndexInput{Content: content})
		require.NoError(t, err)
	}

	t.Run("vector", func(t *testing.T) {
		res, err := store.Search(ctx, scopeA, Query{Text: "hiking trails in the mountains", Mode: ModeVector, Limit: 2})
		require.NoError(t, err)
		require.Len(t, res, 2)
		for _, r := range res {
			assert.Contains(t, strings.ToLower(r.Memory.Content), "hiking")
			assert.Positive(t, r.VectorScore)
		}
	})

	t.Run("hybrid", func(t *testing.T) {
		res, err := store.Search(ctx, scopeA, Query{Text: "Go programming", Limit: 3})
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Contains(t, res[0].Memory.Content, "programming in Go")
		for i := 1; i < len(res); i++ {
			assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
		}
	})

	t.Run("similarity_comparison", func(t *testing.T) {
		q, _ := embedder.Embed(ctx, "Go programming")
		near, _ := embedder.Embed(ctx, "Adam loves programming in Go")
		far, _ := embedder.Embed(ctx, "Bob prefers hiking in the mountains")
		assert.Greater(t, CosineSimilarity(q, near), CosineSimilarity(q, far))
	})
}

func TestSearchTieBreaksOnImportanceThenRecency(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	low, err := store.Index(ctx, scopeA, IndexInput{Content: "balcony with harbour view", Importance: 20})
	require.NoError(t, err)
	older, err := store.Index(ctx, scopeA, IndexInput{Content: "balcony with harbour view", Importance: 90})
	require.NoError(t, err)
	newer, err := store.Index(ctx, scopeA, IndexInput{Content: "balcony with harbour view", Importance: 90})
	require.NoError(t, err)

	res, err := store.Search(ctx, scopeA, Query{Text: "harbour balcony"})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, low.MemoryID, res[2].Memory.MemoryID)
	if newer.CreatedAt > older.CreatedAt {
		assert.Equal(t, newer.MemoryID, res[0].Memory.MemoryID)
	}
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
}

func TestKeywordCandidatesKeepBestMatches(t *testing.T) {
	limit := candidateLimit
	candidateLimit = 1
	t.Cleanup(func() { candidateLimit = limit })

	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := store.Index(ctx, scopeA, IndexInput{Content: "harbour glimpse from the street"})
	require.NoError(t, err)
	best, err := store.Index(ctx, scopeA, IndexInput{Content: "harbour view from a balcony overlooking the harbour"})
	require.NoError(t, err)

	res, err := store.Search(ctx, scopeA, Query{Text: "harbour balcony", Mode: ModeKeyword})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, best.MemoryID, res[0].Memory.MemoryID)
}

func TestPartialMemoriesHiddenUntilComplete(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), newSemanticEmbedder(64), rec, zerolog.Nop())
	ctx := context.Background()

	m, err := store.Index(ctx, scopeA, IndexInput{Partial: true, SourceType: SourceConversation})
	require.NoError(t, err)
	assert.Empty(t, m.Embedding)
	_, err = store.AppendPartial(ctx, scopeA, m.MemoryID, "looking for a terrace ")
	require.NoError(t, err)
	_, err = store.AppendPartial(ctx, scopeA, m.MemoryID, "near the beach")
	require.NoError(t, err)

	res, err := store.Search(ctx, scopeA, Query{Text: "terrace beach"})
	require.NoError(t, err)
	assert.Empty(t, res)
	res, err = store.Search(ctx, scopeA, Query{Text: "terrace beach", Mode: ModeKeyword, IncludePartial: true})
	require.NoError(t, err)
	assert.Len(t, res, 1)

	done, err := store.Complete(ctx, scopeA, m.MemoryID)
	require.NoError(t, err)
	assert.False(t, done.IsPartial)
	assert.NotEmpty(t, done.Embedding)
	assert.Equal(t, "looking for a terrace near the beach", done.Content)

	_, err = store.AppendPartial(ctx, scopeA, m.MemoryID, "more")
	assert.True(t, core.IsInvariantViolation(err))

	res, err = store.Search(ctx, scopeA, Query{Text: "terrace beach"})
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Len(t, rec.events, 2)
}

func TestSearchDegradesWhenEmbedderFails(t *testing.T) {
	store := NewStore(setupTestDB(t), failingEmbedder(), nil, zerolog.Nop())
	ctx := context.Background()

	m, err := store.Index(ctx, scopeA, IndexInput{Content: "budget is two million"})
	require.NoError(t, err)
	assert.Empty(t, m.Embedding)

	res, err := store.Search(ctx, scopeA, Query{Text: "budget million"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Zero(t, res[0].VectorScore)

	_, err = store.Search(ctx, scopeA, Query{Text: "budget", Mode: ModeVector})
	assert.True(t, core.IsUpstreamUnavailable(err))
}

func TestTouchAndFilters(t *testing.T) {
	store := NewStore(setupTestDB(t), nil, nil, zerolog.Nop())
	ctx := context.Background()

	a, err := store.Index(ctx, scopeA, IndexInput{Content: "likes pools", Tags: []string{"amenity"}, ContentType: ContentFact})
	require.NoError(t, err)
	_, err = store.Index(ctx, scopeA, IndexInput{Content: "likes gardens", Tags: []string{"outdoor"}})
	require.NoError(t, err)

	require.NoError(t, store.Touch(ctx, scopeA, a.MemoryID))
	require.NoError(t, store.Touch(ctx, scopeA, a.MemoryID))
	got, err := store.Get(ctx, scopeA, a.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.NotZero(t, got.LastAccessed)

	tagged, err := store.List(ctx, scopeA, Filters{Tags: []string{"amenity"}}, 10)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, a.MemoryID, tagged[0].MemoryID)

	facts, err := store.Search(ctx, scopeA, Query{Text: "likes", Filters: Filters{ContentTypes: []ContentType{ContentFact}}})
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestRetention(t *testing.T) {
	rec := &recorder{}
	store := NewStore(setupTestDB(t), nil, rec, zerolog.Nop())
	ctx := context.Background()
	target := core.RetentionTarget{Tenant: "acme", Space: "user-alice"}

	m, err := store.Index(ctx, scopeA, IndexInput{Content: "v1"})
	require.NoError(t, err)
	for _, c := range []string{"v2", "v3", "v4"} {
		m, err = store.Update(ctx, scopeA, m.MemoryID, c, 0)
		require.NoError(t, err)
	}

	res, err := store.PruneVersions(ctx, target, core.VersionLimit{MaxVersions: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.VersionsDeleted)
	got, err := store.Get(ctx, scopeA, m.MemoryID)
	require.NoError(t, err)
	require.Len(t, got.PreviousVersions, 1)
	assert.Equal(t, 3, got.PreviousVersions[0].Version)

	res, err = store.PruneVersions(ctx, target, core.VersionLimit{MaxVersions: 1})
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = store.PurgeExpired(ctx, target, core.NowMillis()+1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsPurged)
	_, err = store.Get(ctx, scopeA, m.MemoryID)
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, events.OpDelete, rec.events[len(rec.events)-1].Operation)

	found, err := store.Search(ctx, scopeA, Query{Text: "v4"})
	require.NoError(t, err)
	assert.Empty(t, found)
}
