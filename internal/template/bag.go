package template

import (
	"sort"
	"sync"
)

// Bag is the mutable variable environment a conversation accumulates. Tool
// results write into it; every render reads it fresh.
type Bag struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewBag creates an empty bag.
func NewBag() *Bag {
	return &Bag{vars: make(map[string]any)}
}

// Set stores a value.
func (b *Bag) Set(name string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vars[name] = value
}

// Get returns the value and whether it exists.
func (b *Bag) Get(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.vars[name]
	return v, ok
}

// Delete removes a value.
func (b *Bag) Delete(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vars, name)
}

// Len returns the number of variables.
func (b *Bag) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vars)
}

// Snapshot returns a copy of the current contents. Sub-agents get snapshots,
// never the live bag.
func (b *Bag) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.vars))
	for k, v := range b.vars {
		out[k] = v
	}
	return out
}

// Names returns the sorted variable names.
func (b *Bag) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.vars))
	for k := range b.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
