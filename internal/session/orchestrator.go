package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/config"
	"github.com/antinomyhq/forge-sub003/internal/event"
	"github.com/antinomyhq/forge-sub003/internal/logging"
	"github.com/antinomyhq/forge-sub003/internal/provider"
	"github.com/antinomyhq/forge-sub003/internal/store"
	"github.com/antinomyhq/forge-sub003/internal/template"
	"github.com/antinomyhq/forge-sub003/internal/tools"
	"github.com/antinomyhq/forge-sub003/internal/transform"
)

var (
	// ErrTurnActive is returned when a conversation already has a running
	// turn.
	ErrTurnActive = errors.New("conversation already has an active turn")

	// ErrTurnNotFound is returned when cancelling an unknown turn.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrTooManySubagents is returned when the sub-agent budget is spent.
	ErrTooManySubagents = errors.New("too many active sub-agents")
)

// Orchestrator owns the turn state machine. One instance serves all
// conversations of a workspace; each turn runs on its own goroutine with
// exclusive ownership of its conversation's history and variable bag.
type Orchestrator struct {
	cfg         config.Config
	client      provider.Client
	registry    *tools.Registry
	agents      *agent.Registry
	renderer    *template.Renderer
	store       *store.Store
	stream      *event.Stream
	workspaceID string

	mu    sync.Mutex
	convs map[string]*conversation
	turns map[string]*Turn

	subagents chan struct{}
}

// New wires an orchestrator. The task tool is registered here so sub-agent
// spawning is available from the first turn.
func New(cfg config.Config, client provider.Client, registry *tools.Registry,
	agents *agent.Registry, renderer *template.Renderer, st *store.Store,
	stream *event.Stream, workspaceID string) *Orchestrator {

	maxSub := cfg.Session.MaxActiveSubagents
	if maxSub < 1 {
		maxSub = 1
	}
	o := &Orchestrator{
		cfg:         cfg,
		client:      client,
		registry:    registry,
		agents:      agents,
		renderer:    renderer,
		store:       st,
		stream:      stream,
		workspaceID: workspaceID,
		convs:       make(map[string]*conversation),
		turns:       make(map[string]*Turn),
		subagents:   make(chan struct{}, maxSub),
	}
	o.registerTaskTool()
	o.registerVariableTool()
	return o
}

// StartThread creates a new conversation and returns its id.
func (o *Orchestrator) StartThread(agentID string) (string, error) {
	if agentID == "" {
		agentID = agent.DefaultID
	}
	if _, err := o.agents.Get(agentID); err != nil {
		return "", err
	}

	conv := newConversation(uuid.NewString(), o.workspaceID, agentID)
	o.mu.Lock()
	o.convs[conv.id] = conv
	o.mu.Unlock()

	if err := o.persist(conv); err != nil {
		return "", err
	}
	logging.Session("thread %s started (agent=%s)", conv.id, agentID)
	return conv.id, nil
}

// SetAgent switches the agent for future turns of a conversation.
func (o *Orchestrator) SetAgent(conversationID, agentID string) error {
	if _, err := o.agents.Get(agentID); err != nil {
		return err
	}
	conv, err := o.getConversation(conversationID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if conv.activeTurn != "" {
		return ErrTurnActive
	}
	conv.setAgent(agentID)
	return nil
}

// AgentID returns the conversation's active agent.
func (o *Orchestrator) AgentID(conversationID string) (string, error) {
	conv, err := o.getConversation(conversationID)
	if err != nil {
		return "", err
	}
	return conv.agent(), nil
}

// StartTurn begins a turn asynchronously and returns its id. Events flow
// through the stream; completion is observable via Turn.Done.
func (o *Orchestrator) StartTurn(ctx context.Context, conversationID, message string, attachments []chat.Image) (string, error) {
	conv, err := o.getConversation(conversationID)
	if err != nil {
		return "", err
	}

	tctx, cancel := context.WithCancel(ctx)
	turn := newTurn(uuid.NewString(), conversationID, cancel)

	o.mu.Lock()
	if conv.activeTurn != "" {
		o.mu.Unlock()
		cancel()
		return "", ErrTurnActive
	}
	conv.activeTurn = turn.ID
	o.turns[turn.ID] = turn
	o.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := o.runTurn(tctx, conv, turn, message, attachments); err != nil {
			logging.Session("turn %s ended with error: %v", turn.ID, err)
		}
	}()
	return turn.ID, nil
}

// RunTurn runs a turn synchronously and returns the final assistant text.
// Used by the chat command and by sub-agent spawns.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, message string, attachments []chat.Image) (string, error) {
	conv, err := o.getConversation(conversationID)
	if err != nil {
		return "", err
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	turn := newTurn(uuid.NewString(), conversationID, cancel)

	o.mu.Lock()
	if conv.activeTurn != "" {
		o.mu.Unlock()
		return "", ErrTurnActive
	}
	conv.activeTurn = turn.ID
	o.turns[turn.ID] = turn
	o.mu.Unlock()

	return o.runTurn(tctx, conv, turn, message, attachments)
}

// CancelTurn requests cooperative cancellation of a running turn.
func (o *Orchestrator) CancelTurn(conversationID, turnID string) error {
	o.mu.Lock()
	turn, ok := o.turns[turnID]
	o.mu.Unlock()
	if !ok || turn.ConversationID != conversationID {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	logging.Session("cancel requested for turn %s", turnID)
	turn.Cancel()
	return nil
}

// Turn returns a turn by id.
func (o *Orchestrator) Turn(turnID string) (*Turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.turns[turnID]
	return t, ok
}

// getConversation resolves a conversation from memory or the store.
func (o *Orchestrator) getConversation(id string) (*conversation, error) {
	o.mu.Lock()
	if conv, ok := o.convs[id]; ok {
		o.mu.Unlock()
		return conv, nil
	}
	o.mu.Unlock()

	rec, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	conv, err := loadConversation(rec, agent.DefaultID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.convs[id]; ok {
		return existing, nil
	}
	o.convs[id] = conv
	return conv, nil
}

func (o *Orchestrator) persist(conv *conversation) error {
	rec, err := conv.record()
	if err != nil {
		return err
	}
	if err := o.store.Upsert(rec); err != nil {
		return fmt.Errorf("persisting conversation %s: %w", conv.id, err)
	}
	conv.createdAt = rec.CreatedAt
	return nil
}

// runTurn executes the full state machine for one user message.
func (o *Orchestrator) runTurn(ctx context.Context, conv *conversation, turn *Turn, message string, attachments []chat.Image) (final string, err error) {
	defer func() {
		o.mu.Lock()
		if conv.activeTurn == turn.ID {
			conv.activeTurn = ""
		}
		o.mu.Unlock()
	}()

	emit := func(e event.Event) {
		o.stream.Publish(event.Envelope{
			ConversationID: conv.id,
			TurnID:         turn.ID,
			Event:          e,
		})
	}

	a, err := o.agents.Get(conv.agent())
	if err != nil {
		a, _ = o.agents.Get(agent.DefaultID)
	}

	maxRequests := o.cfg.Session.MaxRequestsPerTurn
	if a.MaxRequestsPerTurn > 0 {
		maxRequests = a.MaxRequestsPerTurn
	}

	turn.setStatus(StatusAssemblingContext)
	userMsg := chat.User(message)
	userMsg.ID = uuid.NewString()
	conv.append(userMsg)
	for _, img := range attachments {
		img := img
		conv.append(chat.Message{
			Role:       chat.RoleUser,
			Timestamp:  time.Now().UTC(),
			Attachment: &img,
		})
	}

	// The row must exist before the async title call can update it.
	if err := o.persist(conv); err != nil {
		logging.SessionWarn("initial persist for %s failed: %v", conv.id, err)
	}
	if !conv.isTitled() {
		go o.generateTitle(conv, message)
	}

	tracker := newFailureTracker(o.cfg.Session.MaxToolFailuresPerTurn)
	dispatcher := tools.NewDispatcher(o.registry, o.cfg.Session.ToolParallelism, emit)
	agg := tools.NewAggregator()

	finish := func(status Status, e event.Event, err error) (string, error) {
		turn.setStatus(status)
		emit(e)
		if perr := o.persist(conv); perr != nil {
			logging.SessionWarn("persist after turn %s failed: %v", turn.ID, perr)
		}
		logging.Session("turn %s finished: %s", turn.ID, status)
		return agg.Final(), err
	}
	cancelled := func() (string, error) {
		return finish(StatusCancelled, event.Cancelled(), context.Canceled)
	}

	requests := 0
	for {
		if ctx.Err() != nil {
			return cancelled()
		}
		if requests >= maxRequests {
			return finish(StatusFailed, event.RequestLimit(maxRequests),
				fmt.Errorf("turn exceeded %d requests", maxRequests))
		}

		// (1) Re-render context: the previous iteration's tools may have
		// changed the filesystem or the variable bag.
		turn.setStatus(StatusAssemblingContext)
		system := o.renderer.Render(a, conv.bag)

		// (2) Rewrite image-bearing tool results for the wire.
		history := transform.RewriteImages(conv.snapshot())

		req := provider.Request{
			Model:    a.Model,
			System:   system,
			Messages: history,
			Tools:    o.registry.Definitions(a.HasTool),
		}

		// (3) Stream the model call with retry.
		turn.setStatus(StatusAwaitingModel)
		var resp *provider.Response
		callErr := provider.Retry(ctx, o.cfg.Retry, func(cause string, wait time.Duration) {
			emit(event.RetryAttempt(cause, wait))
		}, func() error {
			r, err := o.client.Chat(ctx, req, func(d provider.Delta) {
				turn.setStatus(StatusStreamingResponse)
				if d.Text != "" {
					emit(event.TaskMessage(d.Text))
				}
				if d.Reasoning != "" {
					emit(event.TaskReasoning(d.Reasoning))
				}
			})
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		requests++

		if callErr != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			return finish(StatusFailed, event.ProviderFailure(callErr.Error()), callErr)
		}

		if resp.Usage.TotalTokens > 0 {
			emit(event.UsageReport(resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
				resp.Usage.TotalTokens, resp.Usage.CachedTokens))
		}

		o.recordAssistant(conv, agg, resp)

		// (4) Extract tool calls; none and no continue signal means done.
		if !resp.HasToolCalls() {
			if resp.FinishReason == provider.FinishLength {
				// Model hit its output ceiling mid-answer; let it continue.
				continue
			}
			return finish(StatusCompleted, event.TaskComplete(), nil)
		}
		agg.ToolCallsIssued()

		if ctx.Err() != nil {
			return cancelled()
		}

		turn.setStatus(StatusDispatchingTools)
		toolCtx, releaseTools := graceContext(ctx, o.cfg.Session.CancelGrace)
		outcomes := dispatcher.DispatchBatch(withConversation(toolCtx, conv), resp.ToolCalls, a.HasTool)
		releaseTools()

		for _, out := range outcomes {
			if out.Duplicate {
				continue
			}
			result := out.Result
			if result.IsError {
				tracker.record(result.Name)
				result.Values = append(result.Values, chat.TextValue(tracker.hint()))
			}
			conv.append(chat.ToolResultMessage(result))

			if out.Visibility == tools.VisibilityDirectDisplay && !result.IsError {
				content := result.Text()
				agg.Direct(content)
				conv.append(chat.Message{
					ID:              uuid.NewString(),
					Role:            chat.RoleAssistant,
					Content:         content,
					Timestamp:       time.Now().UTC(),
					IsDirectDisplay: true,
				})
			}
		}

		if ctx.Err() != nil {
			return cancelled()
		}
		if tracker.exhausted() {
			return finish(StatusFailed,
				event.ToolFailureLimit(o.cfg.Session.MaxToolFailuresPerTurn, tracker.snapshot()),
				fmt.Errorf("turn hit the tool failure limit"))
		}

		if err := o.persist(conv); err != nil {
			logging.SessionWarn("mid-turn persist failed: %v", err)
		}
	}
}

// recordAssistant mirrors one model response into the aggregator and the
// conversation history, honoring merge/duplicate rules.
func (o *Orchestrator) recordAssistant(conv *conversation, agg *tools.Aggregator, resp *provider.Response) {
	content := resp.Content
	switch agg.Text(content) {
	case tools.TextDropped:
		content = ""
	case tools.TextMerged:
		conv.mu.Lock()
		for i := len(conv.history) - 1; i >= 0; i-- {
			m := &conv.history[i]
			if m.Role == chat.RoleAssistant && !m.IsDirectDisplay {
				if len(m.ToolCalls) == 0 {
					m.Content = agg.Final()
					content = ""
				}
				break
			}
		}
		conv.mu.Unlock()
	}

	if content == "" && len(resp.ToolCalls) == 0 {
		return
	}
	conv.append(chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
		ToolCalls: resp.ToolCalls,
	})
}

// graceContext returns a context that outlives parent cancellation by grace,
// so in-flight tool calls can finish while new work observes the cancel.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	if grace <= 0 {
		return parent, func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-stop:
			}
			cancel()
		case <-stop:
			cancel()
		}
	}()
	return ctx, func() {
		close(stop)
	}
}
