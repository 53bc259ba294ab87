// Package cortex is the agent-facing memory API. It composes the space registry,
// conversation store, record stores, memory index, fact store and context hierarchy
// behind a handful of turn-level operations so callers never reach into a storage
// layer directly.
package cortex

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/cortex/contexts"
	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/llm"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/aschepis/backscratcher/cortex/records"
	"github.com/aschepis/backscratcher/cortex/spaces"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Stores is the set of storage layers the service composes.
type Stores struct {
	Spaces        *spaces.Store
	Conversations *conversations.Store
	Records       *records.VersionedStore
	KV            *records.MutableStore
	Memories      *memory.Store
	Facts         *facts.Store
	Contexts      *contexts.Store
}

// OpenStores builds every store over one database. embedder may be nil.
func OpenStores(db *sql.DB, bus events.Publisher, embedder memory.Embedder, logger zerolog.Logger, factOpts ...facts.Option) Stores {
	return Stores{
		Spaces:        spaces.NewStore(db, bus, logger),
		Conversations: conversations.NewStore(db, bus, logger),
		Records:       records.NewVersionedStore(db, bus, logger),
		KV:            records.NewMutableStore(db, bus, logger),
		Memories:      memory.NewStore(db, embedder, bus, logger),
		Facts:         facts.NewStore(db, embedder, bus, logger, factOpts...),
		Contexts:      contexts.NewStore(db, bus, logger),
	}
}

// Config tunes the service.
type Config struct {
	// Tenant every request is scoped to. Empty means single-tenant.
	Tenant core.TenantID

	// AgentID is the participant id recorded for agent messages.
	AgentID string

	// RecallLimit is used when a recall request does not set one.
	RecallLimit int

	// RecallCacheTTL bounds how long a recall result is served from cache. Zero
	// disables caching.
	RecallCacheTTL time.Duration

	// SummarizeOver is the turn length, in bytes, above which a summarizer condenses
	// the memory. Zero disables summarization.
	SummarizeOver int
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		AgentID:        "cortex-agent",
		RecallLimit:    10,
		RecallCacheTTL: time.Minute,
		SummarizeOver:  1200,
	}
}

// Service implements the agent-facing operations.
type Service struct {
	stores     Stores
	cfg        Config
	extractor  llm.Extractor
	summarizer memory.Summarizer
	metrics    *metrics.Metrics
	cache      *cache.Cache
	detach     func()
	logger     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithExtractor sets the fact extractor run after each remembered turn.
func WithExtractor(x llm.Extractor) Option { return func(s *Service) { s.extractor = x } }

// WithSummarizer sets the summarizer used for long turns.
func WithSummarizer(sm memory.Summarizer) Option { return func(s *Service) { s.summarizer = sm } }

// WithMetrics records recall and belief revision metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// New creates the service. When bus is non-nil the recall cache subscribes to it and
// drops entries for any space whose data changes.
func New(stores Stores, bus *events.Bus, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = defaults.AgentID
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = defaults.RecallLimit
	}
	s := &Service{
		stores: stores,
		cfg:    cfg,
		detach: func() {},
		logger: logger.With().Str("component", "cortex").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RecallCacheTTL > 0 {
		s.cache = cache.New(cfg.RecallCacheTTL, 2*cfg.RecallCacheTTL)
		if bus != nil {
			s.detach = bus.Subscribe("recall_cache", s.invalidate)
		}
	}
	return s
}

// Close detaches the service from the event bus.
func (s *Service) Close() {
	s.detach()
}

// Stores returns the underlying stores for administrative callers.
func (s *Service) Stores() Stores { return s.stores }

// Tenant returns the tenant the service is scoped to.
func (s *Service) Tenant() core.TenantID { return s.cfg.Tenant }

// EnsureMemorySpace returns the user's personal space, creating it on first use.
func (s *Service) EnsureMemorySpace(ctx context.Context, userID string) (spaces.MemorySpace, error) {
	s.logger.Debug().Str("method", "EnsureMemorySpace").Str("user_id", userID).Msg("called")
	return s.stores.Spaces.EnsurePersonal(ctx, s.cfg.Tenant, core.UserID(userID))
}

// SpaceRef names the space a request addresses: an explicit space, or the personal
// space of a user.
type SpaceRef struct {
	UserID        string `json:"userId,omitempty"`
	MemorySpaceID string `json:"memorySpaceId,omitempty"`
}

// Scope resolves ref to an isolation scope. An explicit space must exist in the
// service's tenant; a bare user id gets its personal space created on demand.
func (s *Service) Scope(ctx context.Context, ref SpaceRef) (core.Scope, error) {
	switch {
	case strings.TrimSpace(ref.MemorySpaceID) != "":
		space, err := s.stores.Spaces.Get(ctx, s.cfg.Tenant, core.SpaceID(ref.MemorySpaceID))
		if err != nil {
			return core.Scope{}, err
		}
		return space.Scope(), nil
	case strings.TrimSpace(ref.UserID) != "":
		space, err := s.EnsureMemorySpace(ctx, ref.UserID)
		if err != nil {
			return core.Scope{}, err
		}
		return space.Scope(), nil
	}
	return core.Scope{}, core.InvalidInput("userId or memorySpaceId is required")
}

// GetFactHistory returns the supersession chain and ledger events for a fact.
func (s *Service) GetFactHistory(ctx context.Context, ref SpaceRef, factID string) (facts.History, error) {
	scope, err := s.Scope(ctx, ref)
	if err != nil {
		return facts.History{}, err
	}
	return s.stores.Facts.GetFactHistory(ctx, scope, factID)
}

// CreateContext creates a context in the referenced space.
func (s *Service) CreateContext(ctx context.Context, ref SpaceRef, in contexts.CreateInput) (contexts.Context, error) {
	scope, err := s.Scope(ctx, ref)
	if err != nil {
		return contexts.Context{}, err
	}
	if in.UserID == "" {
		in.UserID = ref.UserID
	}
	return s.stores.Contexts.Create(ctx, scope, in)
}

// UpdateContext updates a context's purpose, status or data. A non-zero
// expectedVersion must match the stored version.
func (s *Service) UpdateContext(ctx context.Context, ref SpaceRef, contextID string, in contexts.UpdateInput, expectedVersion int) (contexts.Context, error) {
	scope, err := s.Scope(ctx, ref)
	if err != nil {
		return contexts.Context{}, err
	}
	return s.stores.Contexts.Update(ctx, scope, contextID, in, expectedVersion)
}

// GrantContextAccess lets another space see or work on a context.
func (s *Service) GrantContextAccess(ctx context.Context, ref SpaceRef, contextID, target string, access contexts.AccessScope) (contexts.Grant, error) {
	scope, err := s.Scope(ctx, ref)
	if err != nil {
		return contexts.Grant{}, err
	}
	return s.stores.Contexts.GrantAccess(ctx, scope, contextID, core.SpaceID(target), access, ref.UserID)
}

// ShareConversation issues a share capability over a redacted snapshot.
func (s *Service) ShareConversation(ctx context.Context, ref SpaceRef, conversationID string, in conversations.ShareInput) (conversations.Share, error) {
	scope, err := s.Scope(ctx, ref)
	if err != nil {
		return conversations.Share{}, err
	}
	if in.CreatedBy == "" {
		in.CreatedBy = ref.UserID
	}
	return s.stores.Conversations.Share(ctx, scope, conversationID, in)
}

// RevokeShare flips a share to revoked.
func (s *Service) RevokeShare(ctx context.Context, ref SpaceRef, shareID string) error {
	scope, err := s.Scope(ctx, ref)
	if err != nil {
		return err
	}
	return s.stores.Conversations.RevokeShare(ctx, scope, shareID)
}

// AccessShare resolves a share token for viewer.
func (s *Service) AccessShare(ctx context.Context, token string, viewer conversations.Viewer) (conversations.SharedView, error) {
	return s.stores.Conversations.AccessShare(ctx, token, viewer)
}
