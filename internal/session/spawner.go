package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/logging"
	"github.com/antinomyhq/forge-sub003/internal/tools"
)

// registerTaskTool installs the sub-agent spawner. A task call runs a fully
// independent turn for a chosen agent; passing a prior session id resumes
// that sub-agent's conversation with its full history, otherwise the
// sub-agent starts fresh with only the prompt text.
func (o *Orchestrator) registerTaskTool() {
	o.registry.MustRegister(&tools.Tool{
		Name: "task",
		Description: "Delegate a task to a sub-agent. Returns the sub-agent's answer " +
			"and a session id that can be passed back to resume the same sub-agent later.",
		Schema: tools.Schema{
			Required: []string{"prompt"},
			Properties: map[string]tools.Property{
				"prompt":     {Type: "string", Description: "Task description for the sub-agent."},
				"agent_id":   {Type: "string", Description: "Agent to run. Defaults to the researcher."},
				"session_id": {Type: "string", Description: "Prior sub-agent session id to resume."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			return o.spawn(ctx, args)
		},
	})
}

func (o *Orchestrator) spawn(ctx context.Context, args map[string]any) ([]chat.Value, error) {
	select {
	case o.subagents <- struct{}{}:
	default:
		return nil, ErrTooManySubagents
	}
	defer func() { <-o.subagents }()

	prompt, _ := args["prompt"].(string)
	agentID, _ := args["agent_id"].(string)
	sessionID, _ := args["session_id"].(string)
	if agentID == "" {
		agentID = "researcher"
	}
	if _, err := o.agents.Get(agentID); err != nil {
		agentID = agent.DefaultID
	}

	var conv *conversation
	if sessionID != "" {
		resumed, err := o.getConversation(sessionID)
		if err != nil {
			return nil, fmt.Errorf("resuming sub-agent session %s: %w", sessionID, err)
		}
		conv = resumed
	} else {
		sessionID = uuid.NewString()
		conv = newConversation(sessionID, o.workspaceID, agentID)
		o.mu.Lock()
		o.convs[sessionID] = conv
		o.mu.Unlock()
	}
	conv.setAgent(agentID)

	logging.Session("spawning sub-agent %s (session=%s, resume=%v)", agentID, sessionID, len(conv.snapshot()) > 0)

	// The sub-agent shares the parent's cancellation signal through ctx but
	// owns its conversation state outright.
	answer, err := o.RunTurn(ctx, sessionID, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", agentID, err)
	}

	var b strings.Builder
	b.WriteString(answer)
	if answer != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "(sub-agent session: %s)", sessionID)
	return []chat.Value{chat.TextValue(b.String())}, nil
}

// registerVariableTool installs the internal-only variable setter: tools and
// the model use it to stash values into the conversation's variable bag
// without surfacing tool events to front-ends.
func (o *Orchestrator) registerVariableTool() {
	o.registry.MustRegister(&tools.Tool{
		Name:        "set_variable",
		Description: "Store a named value in the conversation's variable bag for later prompt rendering.",
		Visibility:  tools.VisibilityInternalOnly,
		Schema: tools.Schema{
			Required: []string{"name", "value"},
			Properties: map[string]tools.Property{
				"name":  {Type: "string", Description: "Variable name."},
				"value": {Type: "string", Description: "Variable value."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			name, _ := args["name"].(string)
			value := args["value"]
			conv := conversationFromContext(ctx)
			if conv == nil {
				return nil, fmt.Errorf("no active conversation")
			}
			conv.bag.Set(name, value)
			return []chat.Value{chat.EmptyValue()}, nil
		},
	})
}

type convKey struct{}

// conversationFromContext retrieves the conversation owning the current tool
// dispatch.
func conversationFromContext(ctx context.Context) *conversation {
	conv, _ := ctx.Value(convKey{}).(*conversation)
	return conv
}

func withConversation(ctx context.Context, conv *conversation) context.Context {
	return context.WithValue(ctx, convKey{}, conv)
}
