// Package core holds the isolation keys, error taxonomy and shared value types used by
// every Cortex layer.
package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantID identifies a SaaS tenant. The empty tenant is the default single-tenant install.
type TenantID string

// SpaceID identifies a memory space.
type SpaceID string

// UserID is an opaque, already-verified user identifier.
type UserID string

// Scope is the isolation key every space-scoped repository method takes first.
type Scope struct {
	Tenant TenantID
	Space  SpaceID
}

// NewScope validates and returns a Scope. A space id is mandatory.
func NewScope(tenant TenantID, space SpaceID) (Scope, error) {
	if strings.TrimSpace(string(space)) == "" {
		return Scope{}, InvalidInput("memory space id is required")
	}
	return Scope{Tenant: tenant, Space: space}, nil
}

// MustScope is NewScope for literals known to be valid.
func MustScope(tenant TenantID, space SpaceID) Scope {
	s, err := NewScope(tenant, space)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether the scope carries a space.
func (s Scope) Validate() error {
	if strings.TrimSpace(string(s.Space)) == "" {
		return InvalidInput("memory space id is required")
	}
	return nil
}

// Owns reports whether an entity stored under (tenant, space) belongs to this scope.
func (s Scope) Owns(tenant, space string) bool {
	return string(s.Tenant) == tenant && string(s.Space) == space
}

func (s Scope) String() string {
	if s.Tenant == "" {
		return string(s.Space)
	}
	return string(s.Tenant) + "/" + string(s.Space)
}

// NewID returns a fresh entity id with the given prefix, e.g. "fact-3f2a...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
