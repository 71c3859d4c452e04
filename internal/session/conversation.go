package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/store"
	"github.com/antinomyhq/forge-sub003/internal/template"
)

// conversation is the in-memory working state for one conversation. It is
// exclusively owned by the active turn for the turn's duration; agentID and
// titled stay under mu because the async title goroutine and sub-agent spawns
// touch them while a turn runs.
type conversation struct {
	id          string
	workspaceID string
	createdAt   time.Time

	mu         sync.Mutex
	agentID    string
	titled     bool
	history    []chat.Message
	bag        *template.Bag
	activeTurn string
}

// conversationContext is the serialized form stored in the conversation
// record's context column.
type conversationContext struct {
	AgentID   string         `json:"agent_id"`
	Messages  []chat.Message `json:"messages"`
	Variables map[string]any `json:"variables,omitempty"`
}

func newConversation(id, workspaceID, agentID string) *conversation {
	return &conversation{
		id:          id,
		workspaceID: workspaceID,
		agentID:     agentID,
		bag:         template.NewBag(),
	}
}

// loadConversation rebuilds working state from a persisted record.
func loadConversation(rec *store.Conversation, defaultAgentID string) (*conversation, error) {
	var cc conversationContext
	if len(rec.Context) > 0 {
		if err := json.Unmarshal(rec.Context, &cc); err != nil {
			return nil, fmt.Errorf("corrupt conversation context %s: %w", rec.ID, err)
		}
	}
	if cc.AgentID == "" {
		cc.AgentID = defaultAgentID
	}

	c := newConversation(rec.ID, rec.WorkspaceID, cc.AgentID)
	c.history = cc.Messages
	c.titled = rec.Title != nil
	c.createdAt = rec.CreatedAt
	for name, value := range cc.Variables {
		c.bag.Set(name, value)
	}
	return c, nil
}

// record serializes the working state into a persistable row.
func (c *conversation) record() (*store.Conversation, error) {
	c.mu.Lock()
	agentID := c.agentID
	history := make([]chat.Message, len(c.history))
	copy(history, c.history)
	bag := c.bag
	c.mu.Unlock()

	data, err := json.Marshal(conversationContext{
		AgentID:   agentID,
		Messages:  history,
		Variables: bag.Snapshot(),
	})
	if err != nil {
		return nil, fmt.Errorf("serializing conversation %s: %w", c.id, err)
	}
	return &store.Conversation{
		ID:          c.id,
		WorkspaceID: c.workspaceID,
		Context:     data,
		CreatedAt:   c.createdAt,
	}, nil
}

func (c *conversation) agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *conversation) setAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = id
}

func (c *conversation) isTitled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.titled
}

func (c *conversation) markTitled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titled = true
}

func (c *conversation) append(messages ...chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, messages...)
}

// snapshot copies the history for a provider call or transform.
func (c *conversation) snapshot() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.history))
	copy(out, c.history)
	return out
}

// userMessageCount is used by tests to check the turn/message invariant.
func (c *conversation) userMessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.history {
		if m.Role == chat.RoleUser && m.Attachment == nil {
			n++
		}
	}
	return n
}
