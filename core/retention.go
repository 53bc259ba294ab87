package core

import "time"

// RetentionTarget selects the data a retention sweep applies to. An empty Space
// covers the whole tenant.
type RetentionTarget struct {
	Tenant TenantID `json:"tenantId,omitempty"`
	Space  SpaceID  `json:"memorySpaceId,omitempty"`
}

// VersionLimit bounds retained previous versions. Zero fields are unlimited.
type VersionLimit struct {
	MaxVersions int           `json:"maxVersions,omitempty"`
	MaxAge      time.Duration `json:"maxAge,omitempty"`
}

// Unlimited reports whether the limit prunes nothing.
func (l VersionLimit) Unlimited() bool { return l.MaxVersions <= 0 && l.MaxAge <= 0 }

// SweepResult counts what a retention sweep removed from one layer.
type SweepResult struct {
	VersionsDeleted int   `json:"versionsDeleted"`
	RecordsPurged   int   `json:"recordsPurged"`
	BytesFreed      int64 `json:"bytesFreed"`
}

// Add accumulates other into r.
func (r *SweepResult) Add(other SweepResult) {
	r.VersionsDeleted += other.VersionsDeleted
	r.RecordsPurged += other.RecordsPurged
	r.BytesFreed += other.BytesFreed
}

// Empty reports whether nothing was removed.
func (r SweepResult) Empty() bool {
	return r.VersionsDeleted == 0 && r.RecordsPurged == 0
}
