package memory

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/samber/lo"
)

var memoryColumns = []string{
	"memory_id", "tenant_id", "memory_space_id", "user_id", "agent_id", "content",
	"content_type", "source_type", "conversation_ref", "immutable_ref", "mutable_ref",
	"facts_ref", "embedding", "importance", "tags", "metadata", "version",
	"access_count", "last_accessed", "is_partial", "created_at", "updated_at",
}

// selectColumns returns memoryColumns qualified with alias.
func selectColumns(alias string) []string {
	if alias == "" {
		return memoryColumns
	}
	return lo.Map(memoryColumns, func(c string, _ int) string { return alias + "." + c })
}

// buildFilterWhere scopes a memories query (optionally aliased) and applies filters.
func buildFilterWhere(alias string, scope core.Scope, f Filters, includePartial bool) sq.And {
	col := func(c string) string {
		if alias == "" {
			return c
		}
		return alias + "." + c
	}
	where := sq.And{sq.Eq{col("tenant_id"): string(scope.Tenant), col("memory_space_id"): string(scope.Space)}}
	if !includePartial {
		where = append(where, sq.Eq{col("is_partial"): 0})
	}
	if f.UserID != "" {
		where = append(where, sq.Eq{col("user_id"): f.UserID})
	}
	if f.AgentID != "" {
		where = append(where, sq.Eq{col("agent_id"): f.AgentID})
	}
	if len(f.ContentTypes) > 0 {
		where = append(where, sq.Eq{col("content_type"): lo.Map(f.ContentTypes, func(t ContentType, _ int) string { return string(t) })})
	}
	if len(f.SourceTypes) > 0 {
		where = append(where, sq.Eq{col("source_type"): lo.Map(f.SourceTypes, func(t SourceType, _ int) string { return string(t) })})
	}
	if f.MinImportance > 0 {
		where = append(where, sq.GtOrEq{col("importance"): f.MinImportance})
	}
	if f.CreatedAfter > 0 {
		where = append(where, sq.Gt{col("created_at"): f.CreatedAfter})
	}
	if f.CreatedBefore > 0 {
		where = append(where, sq.Lt{col("created_at"): f.CreatedBefore})
	}
	if len(f.Tags) > 0 {
		tags := lo.Uniq(f.Tags)
		where = append(where, sq.Expr(
			"EXISTS (SELECT 1 FROM json_each("+col("tags")+") WHERE json_each.value IN ("+sq.Placeholders(len(tags))+"))",
			lo.ToAnySlice(tags)...,
		))
	}
	return where
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {},
	"is": {}, "it": {}, "my": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {},
	"was": {}, "what": {}, "where": {}, "which": {}, "who": {}, "with": {},
}

// Tokenize lowercases text and splits it into unique search terms.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	return lo.Uniq(lo.Filter(fields, func(w string, _ int) bool {
		_, stop := stopWords[w]
		return !stop
	}))
}

// ftsMatchExpr quotes each term so user text cannot inject FTS operators.
func ftsMatchExpr(terms []string) string {
	quoted := lo.Map(terms, func(t string, _ int) string {
		return `"` + strings.ReplaceAll(t, `"`, "") + `"`
	})
	return strings.Join(quoted, " OR ")
}

// KeywordScore is the fraction of query terms present in content.
func KeywordScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := lo.SliceToMap(Tokenize(content), func(w string) (string, struct{}) { return w, struct{}{} })
	hits := lo.CountBy(terms, func(t string) bool {
		_, ok := have[t]
		return ok
	})
	return float64(hits) / float64(len(terms))
}
