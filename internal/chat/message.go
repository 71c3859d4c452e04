// Package chat defines the message model shared by the orchestrator, the
// provider layer, and the transforms: a conversation is a flat, append-only
// list of messages, some of which carry tool calls or tool results.
package chat

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ValueKind tags a tool output value.
type ValueKind string

const (
	ValueText  ValueKind = "text"
	ValueImage ValueKind = "image"
	ValueEmpty ValueKind = "empty"
)

// Value is one item of a tool result. Tools return text, images, or nothing.
type Value struct {
	Kind  ValueKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Image *Image    `json:"image,omitempty"`
}

// Image is a binary attachment carried inline as base64.
type Image struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// TextValue builds a text value.
func TextValue(s string) Value {
	return Value{Kind: ValueText, Text: s}
}

// ImageValue builds an image value.
func ImageValue(b64, mime string) Value {
	return Value{Kind: ValueImage, Image: &Image{Base64: b64, MimeType: mime}}
}

// EmptyValue builds the empty value.
func EmptyValue() Value {
	return Value{Kind: ValueEmpty}
}

// ToolCall is a model-issued tool request attached to an assistant message.
type ToolCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID  string  `json:"call_id"`
	Name    string  `json:"name"`
	Values  []Value `json:"values"`
	IsError bool    `json:"is_error"`
}

// Text flattens the textual values of a result, newline-joined.
func (r ToolResult) Text() string {
	var parts []string
	for _, v := range r.Values {
		if v.Kind == ValueText && v.Text != "" {
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasImages reports whether any value is an image.
func (r ToolResult) HasImages() bool {
	for _, v := range r.Values {
		if v.Kind == ValueImage {
			return true
		}
	}
	return false
}

// Message is one entry in a conversation's history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// IsDirectDisplay marks content a direct-display tool wrote straight
	// into the transcript.
	IsDirectDisplay bool `json:"is_direct_display,omitempty"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResult is set on tool-role messages.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Attachment is set on synthetic user messages produced by the
	// multimodal rewrite.
	Attachment *Image `json:"attachment,omitempty"`
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// Assistant builds an assistant text message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

// ToolResultMessage wraps a tool result as a history entry.
func ToolResultMessage(result ToolResult) Message {
	r := result
	return Message{Role: RoleTool, Timestamp: time.Now().UTC(), ToolResult: &r}
}
