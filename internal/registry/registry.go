// Package registry holds the ordered set of rules a scan pass evaluates.
// Adapted from the agent's check Registry (internal/checks in the agent
// module): a mutex-protected collection with an explicit enabled/excluded
// set, generalized here from a fixed Go-typed check list to rules loaded
// from a repository.
package registry

import (
	"sync"

	"github.com/fleetcheck/scanner/internal/domain"
)

// Registry is the ordered, filtered view of rules a pass evaluates.
// Order is insertion order, which callers populate via LoadAll from a
// repository query (the postgres implementation makes this deterministic
// with ORDER BY id).
type Registry struct {
	mu       sync.RWMutex
	rules    []domain.Rule
	excluded map[string]bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{excluded: make(map[string]bool)}
}

// LoadAll replaces the registry's contents with rules, preserving the
// order rules was given in.
func (r *Registry) LoadAll(rules []domain.Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]domain.Rule(nil), rules...)
}

// Exclude marks ids as excluded from Iter. Applying the same id twice is a
// no-op the second time; an id with no matching rule is silently ignored
// (callers that want visibility into unknown ids should compare the
// result against their own id set and log at that boundary).
func (r *Registry) Exclude(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.excluded[id] = true
	}
}

// Iter returns the loaded rules, in load order, with excluded ids removed.
func (r *Registry) Iter() []domain.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if r.excluded[rule.ID] {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// UnknownExclusions reports which ids passed to Exclude do not match any
// loaded rule. Callers use this to log a single diagnostic line per
// unknown id at the orchestrator boundary without making the registry
// itself depend on a logger.
func (r *Registry) UnknownExclusions(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := make(map[string]bool, len(r.rules))
	for _, rule := range r.rules {
		known[rule.ID] = true
	}

	var unknown []string
	for _, id := range ids {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	return unknown
}
