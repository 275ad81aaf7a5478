// Package rules implements the versioned rule store and the priority
// classifier. Rule sets are immutable snapshots: every edit produces a new
// version, so in-flight classifications pinned to an older snapshot are never
// affected by concurrent rule changes.
package rules

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"signaldesk/internal/types"
)

// RuleSet is an immutable snapshot of all classification rules at one
// version. Rules are stored pre-sorted in tier order (P0 first), then by rule
// ID within a tier, so evaluation is deterministic across repeated calls.
type RuleSet struct {
	version int
	byTier  map[types.Priority][]types.PriorityRule
}

// NewRuleSet builds a snapshot from the given rules. The input slice is
// copied; callers may reuse it.
func NewRuleSet(version int, ruleList []types.PriorityRule) *RuleSet {
	byTier := make(map[types.Priority][]types.PriorityRule, len(types.AllPriorities))
	for _, r := range ruleList {
		byTier[r.Priority] = append(byTier[r.Priority], r)
	}
	for tier := range byTier {
		sort.Slice(byTier[tier], func(i, j int) bool {
			return byTier[tier][i].ID < byTier[tier][j].ID
		})
	}
	return &RuleSet{version: version, byTier: byTier}
}

// Version returns the snapshot's version number.
func (rs *RuleSet) Version() int { return rs.version }

// TierRules returns the rules for one tier in deterministic (ID) order.
// The returned slice must not be mutated.
func (rs *RuleSet) TierRules(p types.Priority) []types.PriorityRule {
	return rs.byTier[p]
}

// Rules returns all rules flattened in tier order. The result is a copy.
func (rs *RuleSet) Rules() []types.PriorityRule {
	var out []types.PriorityRule
	for _, tier := range types.AllPriorities {
		out = append(out, rs.byTier[tier]...)
	}
	return out
}

// Find returns the rule with the given ID, or false if the snapshot does not
// contain it.
func (rs *RuleSet) Find(id string) (types.PriorityRule, bool) {
	for _, tier := range types.AllPriorities {
		for _, r := range rs.byTier[tier] {
			if r.ID == id {
				return r, true
			}
		}
	}
	return types.PriorityRule{}, false
}

// Store holds the currently active RuleSet behind a mutex. Reads take the
// snapshot pointer and evaluate against it lock-free; writes build a new
// snapshot (copy-on-write) and swap it in, bumping the version.
type Store struct {
	mu      sync.RWMutex
	current *RuleSet
}

// NewStore creates a Store seeded with the given rules at version 1.
func NewStore(seed []types.PriorityRule) *Store {
	return &Store{current: NewRuleSet(1, seed)}
}

// NewStoreAt creates a Store seeded at a specific version, used when
// rehydrating the active rule set from persistence at startup.
func NewStoreAt(version int, seed []types.PriorityRule) *Store {
	return &Store{current: NewRuleSet(version, seed)}
}

// Snapshot returns the currently active rule set. The returned snapshot is
// immutable and safe to use for the whole lifetime of one classification.
func (s *Store) Snapshot() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Create adds a rule and activates a new rule-set version. A missing ID is
// assigned. Returns the stored rule and the new snapshot.
func (s *Store) Create(rule types.PriorityRule) (types.PriorityRule, *RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = "rule_" + uuid.New().String()
	}
	next := append(s.current.Rules(), rule)
	s.current = NewRuleSet(s.current.version+1, next)
	return rule, s.current
}

// Update replaces the rule with a matching ID and activates a new version.
// Returns ErrCodeNotFoundRule if no rule has that ID.
func (s *Store) Update(rule types.PriorityRule) (*RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.current.Rules()
	found := false
	for i, r := range existing {
		if r.ID == rule.ID {
			existing[i] = rule
			found = true
			break
		}
	}
	if !found {
		return nil, types.NewAppError(types.ErrCodeNotFoundRule, "rule not found: "+rule.ID, nil)
	}
	s.current = NewRuleSet(s.current.version+1, existing)
	return s.current, nil
}

// Delete removes the rule with the given ID and activates a new version.
// Returns ErrCodeNotFoundRule if no rule has that ID.
func (s *Store) Delete(id string) (*RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.current.Rules()
	kept := existing[:0]
	found := false
	for _, r := range existing {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return nil, types.NewAppError(types.ErrCodeNotFoundRule, "rule not found: "+id, nil)
	}
	s.current = NewRuleSet(s.current.version+1, kept)
	return s.current, nil
}
