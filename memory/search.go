package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
)

const (
	vectorWeight  = 0.6
	keywordWeight = 0.4
)

// candidateLimit caps the rows each candidate query returns before scoring.
var candidateLimit uint64 = 500

// ftsMatchCount ranks FTS4 hits by how many query tokens they matched. offsets()
// emits four space-separated integers per matched token.
const ftsMatchCount = "(LENGTH(offsets(memories_fts)) - LENGTH(REPLACE(offsets(memories_fts), ' ', '')) + 1) / 4"

// Search ranks memories in scope against q. Hybrid mode combines cosine similarity
// and keyword overlap; when no query vector can be produced it degrades to keyword
// relevance alone. Ties break on importance, then recency.
func (s *Store) Search(ctx context.Context, scope core.Scope, q Query) ([]Result, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	mode := q.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	text := strings.TrimSpace(q.Text)
	terms := Tokenize(text)

	embedding := q.Embedding
	if embedding == nil && mode != ModeKeyword && text != "" && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, text)
		switch {
		case err == nil:
			embedding = vec
		case mode == ModeVector:
			return nil, core.UpstreamUnavailable("embedder", err)
		default:
			s.logger.Warn().
				Str("method", "Search").
				Err(err).
				Msg("Query embedding failed, falling back to keyword search")
		}
	}
	if mode == ModeVector && embedding == nil {
		return nil, core.InvalidInput("vector search needs a query embedding")
	}

	s.logger.Debug().
		Str("method", "Search").
		Str("scope", scope.String()).
		Str("mode", string(mode)).
		Int("terms", len(terms)).
		Bool("hasEmbedding", embedding != nil).
		Int("limit", limit).
		Msg("called")

	useVector := mode != ModeKeyword && embedding != nil
	useKeyword := mode != ModeVector && len(terms) > 0

	candidates := map[string]Memory{}
	if useKeyword {
		hits, err := s.keywordCandidates(ctx, scope, q, terms)
		if err != nil {
			s.logger.Error().Err(err).Str("method", "Search").Msg("Keyword search failed")
			return nil, err
		}
		for _, m := range hits {
			candidates[m.MemoryID] = m
		}
	}
	if useVector {
		hits, err := s.vectorCandidates(ctx, scope, q)
		if err != nil {
			s.logger.Error().Err(err).Str("method", "Search").Msg("Vector search failed")
			return nil, err
		}
		for _, m := range hits {
			candidates[m.MemoryID] = m
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, m := range candidates {
		r := Result{Memory: m}
		if useVector {
			r.VectorScore = max(CosineSimilarity(embedding, m.Embedding), 0)
		}
		if useKeyword {
			r.KeywordScore = KeywordScore(terms, m.Content)
		}
		switch {
		case useVector && useKeyword:
			r.Score = vectorWeight*r.VectorScore + keywordWeight*r.KeywordScore
		case useVector:
			r.Score = r.VectorScore
		default:
			r.Score = r.KeywordScore
		}
		if r.Score <= 0 {
			continue
		}
		results = append(results, r)
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	s.logger.Info().
		Str("method", "Search").
		Int("candidates", len(candidates)).
		Int("returning", len(results)).
		Msg("Search completed")
	return results, nil
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if a.Memory.CreatedAt != b.Memory.CreatedAt {
			return a.Memory.CreatedAt > b.Memory.CreatedAt
		}
		return a.Memory.MemoryID < b.Memory.MemoryID
	})
}

func (s *Store) keywordCandidates(ctx context.Context, scope core.Scope, q Query, terms []string) ([]Memory, error) {
	query, args, err := sq.Select(selectColumns("m")...).
		From("memories_fts").
		Join("memories m ON m.rowid = memories_fts.rowid").
		Where(sq.Expr("memories_fts MATCH ?", ftsMatchExpr(terms))).
		Where(buildFilterWhere("m", scope, q.Filters, q.IncludePartial)).
		OrderBy(ftsMatchCount+" DESC", "m.importance DESC", "m.created_at DESC").
		Limit(candidateLimit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build keyword query: %w", err)
	}
	return s.queryMemories(ctx, query, args...)
}

func (s *Store) vectorCandidates(ctx context.Context, scope core.Scope, q Query) ([]Memory, error) {
	query, args, err := sq.Select(memoryColumns...).From("memories").
		Where(buildFilterWhere("", scope, q.Filters, q.IncludePartial)).
		Where(sq.NotEq{"embedding": nil}).
		OrderBy("created_at DESC").
		Limit(candidateLimit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build vector query: %w", err)
	}
	return s.queryMemories(ctx, query, args...)
}
