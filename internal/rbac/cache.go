package rbac

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Invalidator is the hook every mutating manager call fires on success. The
// API runtime caches authorization decisions; any change to the model makes
// those decisions stale.
type Invalidator interface {
	Invalidate()
}

// DecisionCache is an LRU of authorization decisions keyed by an opaque
// subject string. The managers only ever purge it; reads and writes belong
// to the policy evaluation layer.
type DecisionCache struct {
	entries *lru.Cache[string, bool]
}

// NewDecisionCache creates a cache holding up to size decisions.
func NewDecisionCache(size int) (*DecisionCache, error) {
	entries, err := lru.New[string, bool](size)
	if err != nil {
		return nil, err
	}
	return &DecisionCache{entries: entries}, nil
}

// Get returns a cached decision.
func (c *DecisionCache) Get(key string) (bool, bool) {
	return c.entries.Get(key)
}

// Put stores a decision.
func (c *DecisionCache) Put(key string, allowed bool) {
	c.entries.Add(key, allowed)
}

// Len returns the number of cached decisions.
func (c *DecisionCache) Len() int {
	return c.entries.Len()
}

// Invalidate drops every cached decision.
func (c *DecisionCache) Invalidate() {
	c.entries.Purge()
}

// invalidate fires the hook if one is configured. nil is a valid
// configuration for callers that do not cache (tests, the migrator's
// temporary database).
func invalidate(inv Invalidator) {
	if inv != nil {
		inv.Invalidate()
	}
}
