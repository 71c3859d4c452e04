package session

import (
	"context"
	"strings"
	"time"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/logging"
	"github.com/antinomyhq/forge-sub003/internal/provider"
)

const titlePrompt = "Write a short title, at most eight words, for a coding " +
	"session that starts with the following request. Reply with the title only."

// generateTitle runs the async single-shot title call for an untitled
// conversation. Failures are silent; the conversation just stays untitled
// until the next turn tries again.
func (o *Orchestrator) generateTitle(conv *conversation, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := o.client.Chat(ctx, provider.Request{
		System:   titlePrompt,
		Messages: []chat.Message{chat.User(firstMessage)},
	}, nil)
	if err != nil {
		logging.SessionWarn("title generation for %s failed: %v", conv.id, err)
		return
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"`))
	if title == "" {
		return
	}
	if err := o.store.SetTitle(conv.id, title); err != nil {
		logging.SessionWarn("saving title for %s failed: %v", conv.id, err)
		return
	}
	conv.markTitled()
	logging.Session("conversation %s titled %q", conv.id, title)
}
