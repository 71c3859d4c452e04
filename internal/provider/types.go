// Package provider hosts the model clients. Both clients speak the same
// narrow contract: one streaming chat call per loop iteration, deltas pushed
// through a callback, the aggregated response returned at the end.
//
// All network traffic flows through a shared Transport so the record/replay
// cache sees every provider identically.
package provider

import (
	"context"

	"github.com/antinomyhq/forge-sub003/internal/chat"
)

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one chat completion call.
type Request struct {
	Model    string
	System   string
	Messages []chat.Message
	Tools    []ToolDefinition
}

// Delta is a streamed fragment. At most one field is non-empty.
type Delta struct {
	Text      string
	Reasoning string
}

// FinishReason reports why the model stopped emitting.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
}

// Response is the aggregated outcome of one streaming call.
type Response struct {
	Content      string
	Reasoning    string
	ToolCalls    []chat.ToolCall
	Usage        Usage
	FinishReason FinishReason
}

// HasToolCalls reports whether the model requested tools.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// DeltaFunc receives streamed fragments in arrival order. It is called from
// the client's goroutine; implementations must not block for long.
type DeltaFunc func(Delta)

// Client is a model backend.
type Client interface {
	// Chat runs one streaming completion. deltas may be nil.
	Chat(ctx context.Context, req Request, deltas DeltaFunc) (*Response, error)
	// Model returns the active model identifier.
	Model() string
	// SetModel switches the active model.
	SetModel(model string)
}
