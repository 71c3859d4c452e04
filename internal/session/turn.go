// Package session drives turns: it renders context, streams model calls,
// dispatches tool calls, enforces failure and request limits, and publishes
// the event sequence front-ends consume.
package session

import "sync"

// Status is a turn's position in its state machine.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusAssemblingContext Status = "assembling_context"
	StatusAwaitingModel     Status = "awaiting_model"
	StatusStreamingResponse Status = "streaming_response"
	StatusDispatchingTools  Status = "dispatching_tools"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusFailed            Status = "failed"
)

// Terminal reports whether the status ends a turn.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Turn is the ephemeral unit of work for one user message. Its state is
// discarded when terminal; only the resulting messages persist.
type Turn struct {
	ID             string
	ConversationID string

	mu     sync.Mutex
	status Status
	cancel func()
	done   chan struct{}
}

func newTurn(id, conversationID string, cancel func()) *Turn {
	return &Turn{
		ID:             id,
		ConversationID: conversationID,
		status:         StatusIdle,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Status returns the current status.
func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Turn) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = s
	if s.Terminal() {
		close(t.done)
	}
}

// Cancel requests cooperative cancellation.
func (t *Turn) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done is closed when the turn reaches a terminal status.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}
