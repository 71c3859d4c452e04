package session

import (
	"fmt"
	"sync"
)

// failureTracker counts tool failures per tool name for one turn. When the
// total reaches the limit the turn must abort before any further dispatch.
type failureTracker struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
	total  int
}

func newFailureTracker(limit int) *failureTracker {
	return &failureTracker{limit: limit, counts: make(map[string]int)}
}

// record notes one failure and returns the running total.
func (t *failureTracker) record(toolName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[toolName]++
	t.total++
	return t.total
}

// exhausted reports whether the failure budget is spent.
func (t *failureTracker) exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit > 0 && t.total >= t.limit
}

// snapshot returns a copy of the per-tool counts.
func (t *failureTracker) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for name, n := range t.counts {
		out[name] = n
	}
	return out
}

// hint renders the annotation appended to a failed tool result so the model
// knows how much slack remains.
func (t *failureTracker) hint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.limit - t.total
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("\n[tool failure %d of %d for this turn; %d remaining before the turn aborts]",
		t.total, t.limit, remaining)
}
