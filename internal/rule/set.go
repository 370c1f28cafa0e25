package rule

import (
	"fmt"
	"sync"

	"firestige.xyz/vpnrelay/internal/core"
)

// Set is the ordered rule list shared by the controller and the relay
// worker. Rule ids always equal their position.
type Set struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewSet() *Set {
	return &Set{}
}

// Add appends r and assigns its id.
func (s *Set) Add(r Rule) Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uint32(len(s.rules))
	s.rules = append(s.rules, r)
	return r
}

// Remove deletes the rule with id and renumbers the rest in order.
func (s *Set) Remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) >= len(s.rules) {
		return fmt.Errorf("rule %d: %w", id, core.ErrRuleNotFound)
	}
	s.rules = append(s.rules[:id], s.rules[id+1:]...)
	for i := int(id); i < len(s.rules); i++ {
		s.rules[i].ID = uint32(i)
	}
	return nil
}

// List returns a snapshot in id order.
func (s *Set) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Evaluate runs Evaluate over the current rules under the read lock.
func (s *Set) Evaluate(actor core.User, req core.RelayRequest) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Evaluate(s.rules, actor, req)
}
