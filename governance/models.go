// Package governance enforces retention policies across every storage layer and keeps an
// append-only log of what each run removed.
package governance

import (
	"time"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
)

// Layer names a storage layer a policy can govern. Values match the event table names.
type Layer string

const (
	LayerSpaces        Layer = events.TableMemorySpaces
	LayerConversations Layer = events.TableConversations
	LayerImmutable     Layer = events.TableImmutableRecords
	LayerMutable       Layer = events.TableMutableRecords
	LayerMemories      Layer = events.TableMemories
	LayerFacts         Layer = events.TableFacts
	LayerContexts      Layer = events.TableContexts
)

// Layers lists every governable layer in sweep order. Spaces come last so a space emptied
// by the earlier layers can be purged in the same run.
var Layers = []Layer{
	LayerConversations,
	LayerImmutable,
	LayerMutable,
	LayerMemories,
	LayerFacts,
	LayerContexts,
	LayerSpaces,
}

func validLayer(l Layer) bool {
	for _, known := range Layers {
		if l == known {
			return true
		}
	}
	return false
}

// Rule bounds one layer. Zero fields disable the corresponding sweep.
type Rule struct {
	MaxVersions       int `json:"maxVersions,omitempty" yaml:"max_versions,omitempty"`
	MaxVersionAgeDays int `json:"maxVersionAgeDays,omitempty" yaml:"max_version_age_days,omitempty"`
	RetentionDays     int `json:"retentionDays,omitempty" yaml:"retention_days,omitempty"`
}

// VersionLimit converts the version bounds of r.
func (r Rule) VersionLimit() core.VersionLimit {
	return core.VersionLimit{
		MaxVersions: r.MaxVersions,
		MaxAge:      time.Duration(r.MaxVersionAgeDays) * 24 * time.Hour,
	}
}

// Rules maps layers to their rule.
type Rules map[Layer]Rule

// layers returns the governed layers in sweep order.
func (r Rules) layers() []Layer {
	out := make([]Layer, 0, len(r))
	for _, l := range Layers {
		if _, ok := r[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Policy is a named set of retention rules for a tenant, or for one memory space of it
// when MemorySpaceID is set.
type Policy struct {
	PolicyID      string        `json:"policyId" yaml:"id"`
	TenantID      core.TenantID `json:"tenantId,omitempty" yaml:"tenant,omitempty"`
	MemorySpaceID core.SpaceID  `json:"memorySpaceId,omitempty" yaml:"memory_space,omitempty"`
	Name          string        `json:"name" yaml:"name"`
	Rules         Rules         `json:"rules" yaml:"rules"`
	Active        bool          `json:"active" yaml:"-"`
	CreatedAt     int64         `json:"createdAt" yaml:"-"`
	UpdatedAt     int64         `json:"updatedAt" yaml:"-"`
}

// Validate checks that every rule names a known layer with non-negative bounds.
func (p Policy) Validate() error {
	if len(p.Rules) == 0 {
		return core.InvalidInput("policy %q has no rules", p.Name)
	}
	for l, r := range p.Rules {
		if !validLayer(l) {
			return core.InvalidInput("policy %q: unknown layer %q", p.Name, l)
		}
		if r.MaxVersions < 0 || r.MaxVersionAgeDays < 0 || r.RetentionDays < 0 {
			return core.InvalidInput("policy %q: negative bound for layer %q", p.Name, l)
		}
	}
	return nil
}

// Target is the data p governs.
func (p Policy) Target() core.RetentionTarget {
	return core.RetentionTarget{Tenant: p.TenantID, Space: p.MemorySpaceID}
}

// Enforcement records one policy run.
type Enforcement struct {
	EnforcementID   string        `json:"enforcementId"`
	PolicyID        string        `json:"policyId"`
	TenantID        core.TenantID `json:"tenantId,omitempty"`
	MemorySpaceID   core.SpaceID  `json:"memorySpaceId,omitempty"`
	Layers          []Layer       `json:"layers"`
	Rules           Rules         `json:"rules"`
	VersionsDeleted int           `json:"versionsDeleted"`
	RecordsPurged   int           `json:"recordsPurged"`
	StorageFreed    int64         `json:"storageFreed"`
	CreatedAt       int64         `json:"createdAt"`
}
