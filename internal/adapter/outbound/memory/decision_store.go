// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gatewarden/gatewarden/internal/domain/consent"
)

// DecisionStore implements consent.DecisionStore with an in-memory map.
// Thread-safe for concurrent access. Decisions are lost on restart; use
// the sqlite store when persistence across restarts matters.
type DecisionStore struct {
	mu   sync.RWMutex
	recs map[decisionKey]consent.DecisionRecord
}

type decisionKey struct {
	userID   string
	toolName string
}

// NewDecisionStore creates an empty in-memory decision store.
func NewDecisionStore() *DecisionStore {
	return &DecisionStore{recs: make(map[decisionKey]consent.DecisionRecord)}
}

// Put inserts or replaces the decision for (user, tool).
func (s *DecisionStore) Put(_ context.Context, rec consent.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[decisionKey{userID: rec.UserID, toolName: rec.ToolName}] = rec
	return nil
}

// Get returns the stored decision for (user, tool), if any.
func (s *DecisionStore) Get(_ context.Context, userID, toolName string) (consent.DecisionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[decisionKey{userID: userID, toolName: toolName}]
	return rec, ok, nil
}

// Delete removes the stored decision for (user, tool).
func (s *DecisionStore) Delete(_ context.Context, userID, toolName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, decisionKey{userID: userID, toolName: toolName})
	return nil
}

// List returns all stored decisions for a user, ordered by tool name.
func (s *DecisionStore) List(_ context.Context, userID string) ([]consent.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []consent.DecisionRecord
	for key, rec := range s.recs {
		if key.userID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *DecisionStore) Close() error { return nil }

// Size returns the number of stored decisions. Useful in tests.
func (s *DecisionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Compile-time interface verification.
var _ consent.DecisionStore = (*DecisionStore)(nil)
