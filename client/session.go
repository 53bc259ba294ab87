package client

import (
	"context"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/facts"
)

// Session binds calls to one user, the way an agent worker talks to Cortex during a
// conversation. Each call is bounded by the client's timeout.
type Session struct {
	client *Client
	ref    cortex.SpaceRef
}

// ForUser returns a session for the user's personal space.
func (c *Client) ForUser(userID string) *Session {
	return &Session{client: c, ref: cortex.SpaceRef{UserID: userID}}
}

// InSpace returns a session addressing memorySpaceID on behalf of userID.
func (c *Client) InSpace(userID, memorySpaceID string) *Session {
	return &Session{client: c, ref: cortex.SpaceRef{UserID: userID, MemorySpaceID: memorySpaceID}}
}

// Recall returns what is known that is relevant to query. A failed call yields the
// empty result marked degraded, so the agent's turn can go on.
func (s *Session) Recall(ctx context.Context, query string, limit int) cortex.RecallResult {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Cortex.Recall(ctx, cortex.RecallInput{
		UserID:        s.ref.UserID,
		MemorySpaceID: s.ref.MemorySpaceID,
		Query:         query,
		Limit:         limit,
	})
	if err != nil {
		res = cortex.Empty()
		res.MemorySpaceID = s.ref.MemorySpaceID
		res.Degraded = true
	}
	return res
}

// Remember commits one turn. UserID and MemorySpaceID in in are overwritten by the
// session's.
func (s *Session) Remember(ctx context.Context, in cortex.RememberInput) (cortex.RememberResult, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	in.UserID, in.MemorySpaceID = s.ref.UserID, s.ref.MemorySpaceID
	return s.client.Cortex.Remember(ctx, in)
}

// StorePreference records an explicitly stated preference.
func (s *Session) StorePreference(ctx context.Context, in cortex.PreferenceInput) (cortex.PreferenceResult, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	in.UserID, in.MemorySpaceID = s.ref.UserID, s.ref.MemorySpaceID
	return s.client.Cortex.StorePreference(ctx, in)
}

// FactHistory returns the supersession chain and ledger of a fact.
func (s *Session) FactHistory(ctx context.Context, factID string) (facts.History, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	return s.client.Cortex.GetFactHistory(ctx, api.FactHistoryRequest{SpaceRef: s.ref, FactID: factID})
}
