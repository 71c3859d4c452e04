// Package transform rewrites conversation history into shapes the provider
// wire formats accept. The only transform today is the image rewrite: tool
// results cannot carry binary data on the tool-result rail of either
// provider, so images are hoisted into synthetic user messages.
package transform

import (
	"fmt"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// RewriteImages replaces every image value inside tool results with a text
// placeholder and inserts one synthetic user message per image immediately
// after the tool-result message that produced it, preserving appearance
// order. Identifiers are monotonic within a single invocation, so replaying
// the same history always yields the same rewritten form.
//
// The input slice is not modified; messages without images are shared with
// the output.
func RewriteImages(history []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(history))
	nextID := 1

	for _, msg := range history {
		if msg.Role != chat.RoleTool || msg.ToolResult == nil || !msg.ToolResult.HasImages() {
			out = append(out, msg)
			continue
		}

		rewritten := msg
		result := *msg.ToolResult
		result.Values = make([]chat.Value, len(msg.ToolResult.Values))

		var attachments []chat.Message
		for i, v := range msg.ToolResult.Values {
			if v.Kind != chat.ValueImage || v.Image == nil {
				result.Values[i] = v
				continue
			}
			id := fmt.Sprintf("IMG-%d", nextID)
			nextID++
			result.Values[i] = chat.TextValue(imagePlaceholder(id))
			attachments = append(attachments, chat.Message{
				Role:       chat.RoleUser,
				Content:    fmt.Sprintf("Attachment %s:", id),
				Timestamp:  msg.Timestamp,
				Attachment: v.Image,
			})
		}
		rewritten.ToolResult = &result

		logging.SessionDebug("image rewrite: tool %s call %s hoisted %d image(s)",
			result.Name, result.CallID, len(attachments))

		out = append(out, rewritten)
		out = append(out, attachments...)
	}
	return out
}

func imagePlaceholder(id string) string {
	return fmt.Sprintf("[The image with ID %s will be sent as an attachment in the next message]", id)
}
