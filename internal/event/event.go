// Package event defines the notification protocol between the turn
// orchestrator and attached front-ends.
//
// Every state change an agent makes during a turn is published as an Event.
// The set of kinds below is the closed core of the protocol; consumers must
// tolerate kinds they do not recognize, so the wire shape is an envelope with
// a kind tag and optional payloads rather than a Go interface.
package event

import "time"

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindTaskMessage   Kind = "task_message"
	KindTaskReasoning Kind = "task_reasoning"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallEnd   Kind = "tool_call_end"
	KindUsage         Kind = "usage"
	KindRetryAttempt  Kind = "retry_attempt"
	KindInterrupt     Kind = "interrupt"
	KindTaskComplete  Kind = "task_complete"
)

// Event is one item in a turn's notification sequence. Exactly one payload
// field is set for the core kinds; future kinds may carry payloads this
// version does not know about, which decode with all payload fields nil.
type Event struct {
	Kind      Kind              `json:"kind"`
	Message   *MessagePayload   `json:"message,omitempty"`
	ToolCall  *ToolCallPayload  `json:"tool_call,omitempty"`
	Usage     *UsagePayload     `json:"usage,omitempty"`
	Retry     *RetryPayload     `json:"retry,omitempty"`
	Interrupt *InterruptPayload `json:"interrupt,omitempty"`
}

// MessagePayload carries streamed assistant text or reasoning.
type MessagePayload struct {
	Content string `json:"content"`
}

// ToolCallPayload describes a tool invocation. Output is only set on
// tool_call_end.
type ToolCallPayload struct {
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// UsagePayload reports token accounting for one provider call.
type UsagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// RetryPayload is emitted for every provider retry beyond the first attempt.
type RetryPayload struct {
	Cause string        `json:"cause"`
	Wait  time.Duration `json:"wait"`
}

// InterruptPayload explains why a turn stopped before completing. FailedTools
// is populated when the tool-failure limit was hit.
type InterruptPayload struct {
	Reason      string         `json:"reason"`
	Cause       string         `json:"cause,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	FailedTools map[string]int `json:"failed_tools,omitempty"`
}

// Interrupt reasons.
const (
	ReasonCancelled          = "cancelled"
	ReasonMaxToolFailures    = "max_tool_failures_per_turn"
	ReasonMaxRequestsPerTurn = "max_requests_per_turn"
	ReasonProviderError      = "provider_error"
)

// TaskMessage builds a streamed text event.
func TaskMessage(content string) Event {
	return Event{Kind: KindTaskMessage, Message: &MessagePayload{Content: content}}
}

// TaskReasoning builds a streamed reasoning event.
func TaskReasoning(content string) Event {
	return Event{Kind: KindTaskReasoning, Message: &MessagePayload{Content: content}}
}

// ToolCallStart builds the start notification for a tool call.
func ToolCallStart(name, callID, arguments string) Event {
	return Event{Kind: KindToolCallStart, ToolCall: &ToolCallPayload{
		Name:      name,
		CallID:    callID,
		Arguments: arguments,
	}}
}

// ToolCallEnd builds the end notification for a tool call.
func ToolCallEnd(name, callID, output string, isError bool) Event {
	return Event{Kind: KindToolCallEnd, ToolCall: &ToolCallPayload{
		Name:    name,
		CallID:  callID,
		Output:  output,
		IsError: isError,
	}}
}

// UsageReport builds a usage event.
func UsageReport(prompt, completion, total, cached int) Event {
	return Event{Kind: KindUsage, Usage: &UsagePayload{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		CachedTokens:     cached,
	}}
}

// RetryAttempt builds a retry notification.
func RetryAttempt(cause string, wait time.Duration) Event {
	return Event{Kind: KindRetryAttempt, Retry: &RetryPayload{Cause: cause, Wait: wait}}
}

// Cancelled builds the interrupt emitted on cooperative cancellation.
func Cancelled() Event {
	return Event{Kind: KindInterrupt, Interrupt: &InterruptPayload{Reason: ReasonCancelled}}
}

// ToolFailureLimit builds the interrupt emitted when the per-turn tool
// failure budget is exhausted.
func ToolFailureLimit(limit int, failed map[string]int) Event {
	return Event{Kind: KindInterrupt, Interrupt: &InterruptPayload{
		Reason:      ReasonMaxToolFailures,
		Limit:       limit,
		FailedTools: failed,
	}}
}

// RequestLimit builds the interrupt emitted when a turn exceeds its request
// budget.
func RequestLimit(limit int) Event {
	return Event{Kind: KindInterrupt, Interrupt: &InterruptPayload{
		Reason: ReasonMaxRequestsPerTurn,
		Limit:  limit,
	}}
}

// ProviderFailure builds the interrupt emitted when the provider retry
// budget is exhausted.
func ProviderFailure(cause string) Event {
	return Event{Kind: KindInterrupt, Interrupt: &InterruptPayload{
		Reason: ReasonProviderError,
		Cause:  cause,
	}}
}

// TaskComplete builds the terminal success event.
func TaskComplete() Event {
	return Event{Kind: KindTaskComplete}
}

// IsTerminal reports whether the event ends a turn's sequence.
func (e Event) IsTerminal() bool {
	return e.Kind == KindTaskComplete || e.Kind == KindInterrupt
}

// Droppable reports whether the event may be discarded under subscriber
// backpressure. Only plain text and reasoning deltas are droppable; control
// events must always reach every subscriber.
func (e Event) Droppable() bool {
	return e.Kind == KindTaskMessage || e.Kind == KindTaskReasoning
}

// Empty reports whether the event carries no meaningful content. Text and
// reasoning deltas with blank content are empty; everything else counts.
func (e Event) Empty() bool {
	switch e.Kind {
	case KindTaskMessage, KindTaskReasoning:
		return e.Message == nil || e.Message.Content == ""
	default:
		return false
	}
}
