package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/aschepis/backscratcher/cortex/sqlutil"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const entity = "governance_policy"

// Pruner trims the previous versions a layer retains.
type Pruner interface {
	PruneVersions(ctx context.Context, target core.RetentionTarget, limit core.VersionLimit) (core.SweepResult, error)
}

// Purger physically removes a layer's records not touched since cutoff.
type Purger interface {
	PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error)
}

// PurgeFunc adapts a function to Purger.
type PurgeFunc func(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error)

// PurgeExpired calls f.
func (f PurgeFunc) PurgeExpired(ctx context.Context, target core.RetentionTarget, cutoff int64) (core.SweepResult, error) {
	return f(ctx, target, cutoff)
}

// LayerStore is the retention surface of one layer. Either side may be nil when the
// layer keeps no history or never expires.
type LayerStore struct {
	Pruner Pruner
	Purger Purger
}

// Engine applies retention policies and logs every run.
type Engine struct {
	db      *sql.DB
	layers  map[Layer]LayerStore
	metrics *metrics.Metrics
	retry   func() backoff.BackOff
	now     func() time.Time
	logger  zerolog.Logger
}

// NewEngine creates an engine over the given layers. m may be nil.
func NewEngine(db *sql.DB, layers map[Layer]LayerStore, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		layers:  layers,
		metrics: m,
		retry:   defaultRetry,
		now:     time.Now,
		logger:  logger.With().Str("component", "governance").Logger(),
	}
}

func defaultRetry() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(eb, 3)
}

// SavePolicy creates or replaces a policy. A policy id already owned by another tenant is
// refused.
func (e *Engine) SavePolicy(ctx context.Context, p Policy) (Policy, error) {
	e.logger.Debug().
		Str("method", "SavePolicy").
		Str("tenant_id", string(p.TenantID)).
		Str("policy_id", p.PolicyID).
		Msg("called")

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	now := e.now().UnixMilli()
	if p.PolicyID == "" {
		p.PolicyID = core.NewID("pol")
	}
	existing, err := e.getPolicy(ctx, p.PolicyID)
	switch {
	case err == nil:
		if existing.TenantID != p.TenantID {
			return Policy{}, core.IsolationViolation(entity, p.PolicyID, "policy belongs to another tenant")
		}
		p.CreatedAt = existing.CreatedAt
	case core.IsNotFound(err):
		p.CreatedAt = now
	default:
		return Policy{}, err
	}
	p.UpdatedAt = now

	rules, err := sqlutil.MarshalJSON(p.Rules)
	if err != nil {
		return Policy{}, fmt.Errorf("encode rules: %w", err)
	}
	query, args, err := sq.Insert("governance_policies").
		Columns("policy_id", "tenant_id", "memory_space_id", "name", "rules", "active", "created_at", "updated_at").
		Values(p.PolicyID, string(p.TenantID), string(p.MemorySpaceID), p.Name, rules, p.Active, p.CreatedAt, p.UpdatedAt).
		Suffix(`ON CONFLICT(policy_id) DO UPDATE SET
			memory_space_id = excluded.memory_space_id,
			name = excluded.name,
			rules = excluded.rules,
			active = excluded.active,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return Policy{}, fmt.Errorf("build upsert: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
		e.logger.Error().Err(err).Str("policy_id", p.PolicyID).Msg("Failed to save policy")
		return Policy{}, fmt.Errorf("save policy: %w", err)
	}
	return p, nil
}

// GetPolicy returns a tenant's policy.
func (e *Engine) GetPolicy(ctx context.Context, tenant core.TenantID, policyID string) (Policy, error) {
	p, err := e.getPolicy(ctx, policyID)
	if err != nil {
		return Policy{}, err
	}
	if p.TenantID != tenant {
		return Policy{}, core.IsolationViolation(entity, policyID, "policy belongs to another tenant")
	}
	return p, nil
}

// ListPolicies returns a tenant's policies ordered by name.
func (e *Engine) ListPolicies(ctx context.Context, tenant core.TenantID) ([]Policy, error) {
	return e.listPolicies(ctx, sq.Eq{"tenant_id": string(tenant)})
}

// ApplyPolicy runs p against target and appends one enforcement entry. Purges run before
// version pruning within each layer. Re-running against already-swept data deletes
// nothing and still records an entry.
func (e *Engine) ApplyPolicy(ctx context.Context, p Policy, target core.RetentionTarget) (Enforcement, error) {
	e.logger.Debug().
		Str("method", "ApplyPolicy").
		Str("policy_id", p.PolicyID).
		Str("tenant_id", string(target.Tenant)).
		Str("space_id", string(target.Space)).
		Msg("called")

	if err := p.Validate(); err != nil {
		return Enforcement{}, err
	}
	if target.Tenant != p.TenantID {
		return Enforcement{}, core.IsolationViolation(entity, p.PolicyID, "policy cannot govern tenant %q", target.Tenant)
	}
	if p.MemorySpaceID != "" {
		switch target.Space {
		case "":
			target.Space = p.MemorySpaceID
		case p.MemorySpaceID:
		default:
			return Enforcement{}, core.IsolationViolation(entity, p.PolicyID, "policy cannot govern space %q", target.Space)
		}
	}

	now := e.now()
	enf := Enforcement{
		EnforcementID: core.NewID("enf"),
		PolicyID:      p.PolicyID,
		TenantID:      target.Tenant,
		MemorySpaceID: target.Space,
		Layers:        []Layer{},
		Rules:         p.Rules,
		CreatedAt:     now.UnixMilli(),
	}

	var runErr error
	for _, layer := range p.Rules.layers() {
		store, ok := e.layers[layer]
		if !ok {
			e.logger.Warn().Str("layer", string(layer)).Str("policy_id", p.PolicyID).Msg("No store registered for layer")
			continue
		}
		if target.Space != "" && tenantScoped(layer) {
			e.logger.Debug().Str("layer", string(layer)).Msg("Skipping tenant-scoped layer for space target")
			continue
		}
		res, err := e.applyRule(ctx, layer, store, p.Rules[layer], target, now)
		enf.Layers = append(enf.Layers, layer)
		enf.VersionsDeleted += res.VersionsDeleted
		enf.RecordsPurged += res.RecordsPurged
		enf.StorageFreed += res.BytesFreed
		e.metrics.GovernanceDeleted(string(layer), res.VersionsDeleted, res.RecordsPurged)
		if err != nil {
			runErr = fmt.Errorf("layer %s: %w", layer, err)
			break
		}
	}

	if err := e.record(ctx, enf); err != nil {
		return enf, errors.Join(runErr, err)
	}
	e.logger.Info().
		Str("policy_id", p.PolicyID).
		Str("target", targetString(target)).
		Int("versions_deleted", enf.VersionsDeleted).
		Int("records_purged", enf.RecordsPurged).
		Int64("storage_freed", enf.StorageFreed).
		Msg("Policy applied")
	return enf, runErr
}

func (e *Engine) applyRule(ctx context.Context, layer Layer, store LayerStore, rule Rule, target core.RetentionTarget, now time.Time) (core.SweepResult, error) {
	var total core.SweepResult
	if rule.RetentionDays > 0 && store.Purger != nil {
		cutoff := now.Add(-time.Duration(rule.RetentionDays) * 24 * time.Hour).UnixMilli()
		res, err := e.sweep(ctx, layer, "purge", func() (core.SweepResult, error) {
			return store.Purger.PurgeExpired(ctx, target, cutoff)
		})
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	if limit := rule.VersionLimit(); !limit.Unlimited() && store.Pruner != nil {
		res, err := e.sweep(ctx, layer, "prune", func() (core.SweepResult, error) {
			return store.Pruner.PruneVersions(ctx, target, limit)
		})
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sweep runs fn, retrying transient failures with bounded backoff. Sweeps are idempotent
// so a retried attempt only removes what the failed one left behind.
func (e *Engine) sweep(ctx context.Context, layer Layer, kind string, fn func() (core.SweepResult, error)) (core.SweepResult, error) {
	var total core.SweepResult
	op := func() error {
		res, err := fn()
		total.Add(res)
		if err != nil && (core.IsInvalidInput(err) || core.IsIsolationViolation(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		e.logger.Warn().
			Err(err).
			Str("layer", string(layer)).
			Str("sweep", kind).
			Dur("retry_in", d).
			Msg("Retention sweep failed, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(e.retry(), ctx), notify)
	return total, err
}

// Enforce applies every active policy to its own target. A failing policy does not stop
// the others; the failures are joined into the returned error.
func (e *Engine) Enforce(ctx context.Context) ([]Enforcement, error) {
	policies, err := e.listPolicies(ctx, sq.Eq{"active": true})
	if err != nil {
		e.metrics.GovernanceRun(err)
		return nil, err
	}
	var out []Enforcement
	var errs []error
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		enf, err := e.ApplyPolicy(ctx, p, p.Target())
		e.metrics.GovernanceRun(err)
		if err != nil {
			e.logger.Error().Err(err).Str("policy_id", p.PolicyID).Msg("Policy enforcement failed")
			errs = append(errs, fmt.Errorf("policy %s: %w", p.PolicyID, err))
		}
		if enf.EnforcementID != "" {
			out = append(out, enf)
		}
	}
	return out, errors.Join(errs...)
}

// ListEnforcements returns a tenant's enforcement log, newest first. An empty policyID
// lists every policy's runs.
func (e *Engine) ListEnforcements(ctx context.Context, tenant core.TenantID, policyID string, limit int) ([]Enforcement, error) {
	b := sq.Select("enforcement_id", "policy_id", "tenant_id", "memory_space_id", "layers", "rules",
		"versions_deleted", "records_purged", "storage_freed", "created_at").
		From("governance_enforcements").
		Where(sq.Eq{"tenant_id": string(tenant)}).
		OrderBy("seq DESC")
	if policyID != "" {
		b = b.Where(sq.Eq{"policy_id": policyID})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list enforcements: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []Enforcement
	for rows.Next() {
		var (
			enf           Enforcement
			tenantID      string
			spaceID       string
			layers, rules string
		)
		if err := rows.Scan(&enf.EnforcementID, &enf.PolicyID, &tenantID, &spaceID, &layers, &rules,
			&enf.VersionsDeleted, &enf.RecordsPurged, &enf.StorageFreed, &enf.CreatedAt); err != nil {
			return nil, err
		}
		enf.TenantID, enf.MemorySpaceID = core.TenantID(tenantID), core.SpaceID(spaceID)
		if err := sqlutil.UnmarshalJSON(&layers, &enf.Layers); err != nil {
			return nil, fmt.Errorf("decode layers: %w", err)
		}
		if err := sqlutil.UnmarshalJSON(&rules, &enf.Rules); err != nil {
			return nil, fmt.Errorf("decode rules: %w", err)
		}
		out = append(out, enf)
	}
	return out, rows.Err()
}

func (e *Engine) record(ctx context.Context, enf Enforcement) error {
	layers, err := sqlutil.MarshalJSON(enf.Layers)
	if err != nil {
		return fmt.Errorf("encode layers: %w", err)
	}
	rules, err := sqlutil.MarshalJSON(enf.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	query, args, err := sq.Insert("governance_enforcements").
		Columns("enforcement_id", "policy_id", "tenant_id", "memory_space_id", "layers", "rules",
			"versions_deleted", "records_purged", "storage_freed", "created_at").
		Values(enf.EnforcementID, enf.PolicyID, string(enf.TenantID), string(enf.MemorySpaceID), layers, rules,
			enf.VersionsDeleted, enf.RecordsPurged, enf.StorageFreed, enf.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
		e.logger.Error().Err(err).Str("policy_id", enf.PolicyID).Msg("Failed to record enforcement")
		return fmt.Errorf("record enforcement: %w", err)
	}
	return nil
}

func (e *Engine) getPolicy(ctx context.Context, policyID string) (Policy, error) {
	policies, err := e.listPolicies(ctx, sq.Eq{"policy_id": policyID})
	if err != nil {
		return Policy{}, err
	}
	if len(policies) == 0 {
		return Policy{}, core.NotFound(entity, policyID)
	}
	return policies[0], nil
}

func (e *Engine) listPolicies(ctx context.Context, where sq.Sqlizer) ([]Policy, error) {
	query, args, err := sq.Select("policy_id", "tenant_id", "memory_space_id", "name", "rules", "active",
		"created_at", "updated_at").
		From("governance_policies").
		Where(where).
		OrderBy("tenant_id", "name", "policy_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []Policy
	for rows.Next() {
		var (
			p        Policy
			tenantID string
			spaceID  string
			rules    string
		)
		if err := rows.Scan(&p.PolicyID, &tenantID, &spaceID, &p.Name, &rules, &p.Active,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TenantID, p.MemorySpaceID = core.TenantID(tenantID), core.SpaceID(spaceID)
		if err := sqlutil.UnmarshalJSON(&rules, &p.Rules); err != nil {
			return nil, fmt.Errorf("decode rules for %s: %w", p.PolicyID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// tenantScoped reports whether a layer's rows belong to a tenant rather than a space. A
// space-level policy never sweeps them.
func tenantScoped(l Layer) bool {
	return l == LayerImmutable || l == LayerMutable
}

func targetString(t core.RetentionTarget) string {
	return lo.Ternary(t.Space == "", string(t.Tenant)+"/*", string(t.Tenant)+"/"+string(t.Space))
}
