// Package sqlutil holds small helpers shared by the SQLite-backed stores.
package sqlutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// InsertOrIgnore rewrites a squirrel INSERT into SQLite's INSERT OR IGNORE form.
func InsertOrIgnore(query string) string {
	return strings.Replace(query, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
}

// OwnerFilter restricts a table (optionally aliased) to a retention target.
func OwnerFilter(alias string, target core.RetentionTarget) sq.Eq {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	eq := sq.Eq{prefix + "tenant_id": string(target.Tenant)}
	if target.Space != "" {
		eq[prefix+"memory_space_id"] = string(target.Space)
	}
	return eq
}

// VersionTable describes a previous-versions table hanging off a parent table.
type VersionTable struct {
	Versions   string   // e.g. "memory_versions"
	Parent     string   // e.g. "memories"
	Keys       []string // columns present in both tables identifying the parent row
	SizeColumn string   // column whose length is reported as freed storage
	TenantOnly bool     // parent rows carry no memory_space_id
}

// PruneVersions deletes previous versions that fall outside limit: anything older than
// the newest MaxVersions, and anything recorded before now-MaxAge. The current value
// lives on the parent row and is never touched.
func PruneVersions(ctx context.Context, q Querier, t VersionTable, target core.RetentionTarget, limit core.VersionLimit, now int64) (core.SweepResult, error) {
	var res core.SweepResult
	if limit.Unlimited() {
		return res, nil
	}

	var rules sq.Or
	if limit.MaxVersions > 0 {
		rules = append(rules, sq.Expr(t.Versions+".version < p.version - ?", limit.MaxVersions))
	}
	if limit.MaxAge > 0 {
		rules = append(rules, sq.Expr(t.Versions+".recorded_at < ?", now-limit.MaxAge.Milliseconds()))
	}

	joins := make([]string, 0, len(t.Keys))
	for _, k := range t.Keys {
		joins = append(joins, fmt.Sprintf("p.%s = %s.%s", k, t.Versions, k))
	}
	ownerTarget := target
	if t.TenantOnly {
		ownerTarget.Space = ""
	}
	inner, innerArgs, err := sq.Select("1").From(t.Parent + " p").
		Where(strings.Join(joins, " AND ")).
		Where(OwnerFilter("p", ownerTarget)).
		Where(rules).
		ToSql()
	if err != nil {
		return res, fmt.Errorf("build prune filter: %w", err)
	}
	cond := sq.Expr("EXISTS ("+inner+")", innerArgs...)

	countQuery, countArgs, err := sq.Select("COUNT(*)", fmt.Sprintf("COALESCE(SUM(LENGTH(%s)), 0)", t.SizeColumn)).
		From(t.Versions).Where(cond).ToSql()
	if err != nil {
		return res, fmt.Errorf("build prune count: %w", err)
	}
	if err := q.QueryRowContext(ctx, countQuery, countArgs...).Scan(&res.VersionsDeleted, &res.BytesFreed); err != nil {
		return res, fmt.Errorf("count prunable versions in %s: %w", t.Versions, err)
	}
	if res.VersionsDeleted == 0 {
		return res, nil
	}

	delQuery, delArgs, err := sq.Delete(t.Versions).Where(cond).ToSql()
	if err != nil {
		return res, fmt.Errorf("build prune delete: %w", err)
	}
	if _, err := q.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return res, fmt.Errorf("prune %s: %w", t.Versions, err)
	}
	return res, nil
}

// NullString returns nil for an empty string so it is stored as NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON encodes v for a TEXT column, storing nil as NULL.
func MarshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

// UnmarshalJSON decodes a nullable TEXT column into v.
func UnmarshalJSON(s *string, v any) error {
	if s == nil || *s == "" {
		return nil
	}
	return json.Unmarshal([]byte(*s), v)
}
