package tools

import "strings"

// Aggregator builds the assistant-visible message list for one turn,
// enforcing the text aggregation rules:
//
//   - text arriving with no intervening tool call appends to the open
//     message, separator-joined only if the existing content does not already
//     end in one;
//   - text arriving after a tool call opens a new message;
//   - a segment identical to the immediately preceding assistant message, or
//     already at the tail of the open message, is dropped (guards against
//     re-delivery from a resumed stream);
//   - direct-display tool output becomes a distinguished message and
//     suppresses a later identical assistant text emission.
type Aggregator struct {
	messages []aggMessage
	open     bool
	directs  map[string]bool
}

type aggMessage struct {
	content string
	direct  bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{directs: make(map[string]bool)}
}

// TextResult reports what happened to a text segment.
type TextResult int

const (
	// TextDropped means the segment duplicated existing content.
	TextDropped TextResult = iota
	// TextOpened means the segment started a new message.
	TextOpened
	// TextMerged means the segment was appended to the open message.
	TextMerged
)

// Text adds one assistant text segment and reports its disposition so the
// caller can mirror the decision into conversation history.
func (a *Aggregator) Text(content string) TextResult {
	if content == "" {
		return TextDropped
	}

	if a.open && len(a.messages) > 0 {
		last := &a.messages[len(a.messages)-1]
		// A re-delivered segment already sitting at the tail of the open
		// message is dropped, not appended twice.
		if last.content == content ||
			strings.HasSuffix(last.content, "\n"+content) ||
			strings.HasSuffix(last.content, " "+content) {
			return TextDropped
		}
		if strings.HasSuffix(last.content, "\n") || strings.HasSuffix(last.content, " ") {
			last.content += content
		} else {
			last.content += "\n" + content
		}
		return TextMerged
	}

	if a.directs[content] {
		// A direct-display tool already put this exact content into the
		// list; the model echoing it back is suppressed.
		return TextDropped
	}
	if n := len(a.messages); n > 0 && !a.messages[n-1].direct && a.messages[n-1].content == content {
		return TextDropped
	}

	a.messages = append(a.messages, aggMessage{content: content})
	a.open = true
	return TextOpened
}

// ToolCallsIssued closes the open message; the next text opens a new one.
func (a *Aggregator) ToolCallsIssued() {
	a.open = false
}

// Direct records direct-display tool output as its own message.
func (a *Aggregator) Direct(content string) {
	if content == "" {
		return
	}
	a.messages = append(a.messages, aggMessage{content: content, direct: true})
	a.directs[content] = true
	a.open = false
}

// AggregatedMessage is one finished entry of the turn's message list.
type AggregatedMessage struct {
	Content string
	Direct  bool
}

// Messages returns the aggregated contents in order.
func (a *Aggregator) Messages() []AggregatedMessage {
	out := make([]AggregatedMessage, len(a.messages))
	for i, m := range a.messages {
		out[i] = AggregatedMessage{Content: m.content, Direct: m.direct}
	}
	return out
}

// Final returns the last aggregated assistant content, direct messages
// excluded. Used as the turn's answer summary.
func (a *Aggregator) Final() string {
	for i := len(a.messages) - 1; i >= 0; i-- {
		if !a.messages[i].direct {
			return a.messages[i].content
		}
	}
	return ""
}
