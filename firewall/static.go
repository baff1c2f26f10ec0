package firewall

import (
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Static is a peer-keyed, in-memory rule table: a concrete, synchronous
// firewall policy author for tests and simple deployments. It answers rule
// lookups directly rather than dispatching an async host query, so callers
// that want the manager's MissingRule/awaiting-rule path exercised should
// query it themselves and feed the result to the manager instead of wiring
// it in as a drop-in Host.
type Static[P any] struct {
	mu       sync.RWMutex
	rules    map[peer.ID]FirewallRules[P]
	fallback *FirewallRules[P]
}

// NewStatic creates an empty rule table. defaultRules, if non-nil, is
// returned for any peer without a specific entry.
func NewStatic[P any](defaultRules *FirewallRules[P]) *Static[P] {
	return &Static[P]{
		rules:    make(map[peer.ID]FirewallRules[P]),
		fallback: defaultRules,
	}
}

// SetRules installs (or replaces) the rules for peer p.
func (s *Static[P]) SetRules(p peer.ID, rules FirewallRules[P]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[p] = rules
}

// RemoveRules drops any peer-specific rules, falling back to the default.
func (s *Static[P]) RemoveRules(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, p)
}

// Get returns the rules for p, falling back to the configured default. ok is
// false if neither a peer-specific nor a default rule exists.
func (s *Static[P]) Get(p peer.ID) (rules FirewallRules[P], ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, found := s.rules[p]; found {
		return r, true
	}
	if s.fallback != nil {
		return *s.fallback, true
	}
	return FirewallRules[P]{}, false
}
