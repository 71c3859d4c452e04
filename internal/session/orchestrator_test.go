package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/config"
	"github.com/antinomyhq/forge-sub003/internal/event"
	"github.com/antinomyhq/forge-sub003/internal/provider"
	"github.com/antinomyhq/forge-sub003/internal/store"
	"github.com/antinomyhq/forge-sub003/internal/template"
	"github.com/antinomyhq/forge-sub003/internal/tools"
	"github.com/antinomyhq/forge-sub003/internal/workspace"
)

// scripted is one canned model response.
type scripted struct {
	text      string
	toolCalls []chat.ToolCall
	finish    provider.FinishReason
	err       error
}

// scriptedClient plays back responses in order. The last response repeats if
// the orchestrator asks for more.
type scriptedClient struct {
	mu        sync.Mutex
	responses []scripted
	requests  []provider.Request
	calls     int
	block     chan struct{} // when set, Chat waits here before answering
}

func (c *scriptedClient) Chat(ctx context.Context, req provider.Request, deltas provider.DeltaFunc) (*provider.Response, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	r := c.responses[idx]
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if deltas != nil && r.text != "" {
		deltas(provider.Delta{Text: r.text})
	}
	finish := r.finish
	if finish == "" {
		finish = provider.FinishStop
		if len(r.toolCalls) > 0 {
			finish = provider.FinishToolCalls
		}
	}
	return &provider.Response{
		Content:      r.text,
		ToolCalls:    r.toolCalls,
		FinishReason: finish,
		Usage:        provider.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) request(i int) provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *scriptedClient) Model() string     { return "scripted" }
func (c *scriptedClient) SetModel(m string) {}

type fixture struct {
	orch   *Orchestrator
	stream *event.Stream
	store  *store.Store
	reg    *tools.Registry
	client *scriptedClient
}

func newFixture(t *testing.T, client *scriptedClient) *fixture {
	t.Helper()

	dir := t.TempDir()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Session.MaxToolFailuresPerTurn = 3
	cfg.Session.MaxRequestsPerTurn = 10
	cfg.Session.CancelGrace = 100 * time.Millisecond

	reg := tools.NewRegistry()
	stream := event.NewStream()
	t.Cleanup(stream.Close)

	renderer := template.NewRenderer(workspace.NewScanner(dir, 10), "")
	orch := New(cfg, client, reg, agent.NewRegistry(), renderer, st, stream, "test-ws")
	return &fixture{orch: orch, stream: stream, store: st, reg: reg, client: client}
}

// thread creates a pre-titled conversation so async title generation does
// not consume scripted responses.
func (f *fixture) thread(t *testing.T) string {
	t.Helper()
	convID, err := f.orch.StartThread("")
	if err != nil {
		t.Fatal(err)
	}
	conv, err := f.orch.getConversation(convID)
	if err != nil {
		t.Fatal(err)
	}
	conv.markTitled()
	return convID
}

// collect drains events for one turn until its terminal event or a timeout.
func collect(t *testing.T, ch <-chan event.Envelope, turnID string) []event.Event {
	t.Helper()
	var out []event.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return out
			}
			if env.TurnID != turnID {
				continue
			}
			out = append(out, env.Event)
			if env.Event.IsTerminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event; got %d events", len(out))
		}
	}
}

func registerOK(reg *tools.Registry, name string) *int {
	count := new(int)
	var mu sync.Mutex
	reg.MustRegister(&tools.Tool{
		Name: name,
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			mu.Lock()
			*count++
			mu.Unlock()
			return []chat.Value{chat.TextValue("ok")}, nil
		},
	})
	return count
}

func registerFailing(reg *tools.Registry, name string) *int {
	count := new(int)
	var mu sync.Mutex
	reg.MustRegister(&tools.Tool{
		Name: name,
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			mu.Lock()
			*count++
			mu.Unlock()
			return nil, errors.New("tool blew up")
		},
	})
	return count
}

func TestTurnScenarioEventOrder(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "fs_list", Arguments: "{}"}}},
		{text: "Done."},
	}}
	f := newFixture(t, client)
	registerOK(f.reg, "fs_list")

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, err := f.orch.StartTurn(context.Background(), convID, "list files", nil)
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch, turnID)
	var filtered []event.Event
	for _, e := range events {
		if e.Kind == event.KindUsage {
			continue
		}
		filtered = append(filtered, e)
	}
	var kinds []event.Kind
	for _, e := range filtered {
		kinds = append(kinds, e.Kind)
	}

	want := []event.Kind{
		event.KindToolCallStart,
		event.KindToolCallEnd,
		event.KindTaskMessage,
		event.KindTaskComplete,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	if filtered[0].ToolCall.CallID != "c1" || filtered[0].ToolCall.Name != "fs_list" {
		t.Errorf("start payload = %+v", filtered[0].ToolCall)
	}
	if filtered[1].ToolCall.IsError {
		t.Error("fs_list should have succeeded")
	}
	for _, e := range events {
		if e.Kind == event.KindTaskMessage && e.Message.Content != "Done." {
			t.Errorf("message = %q", e.Message.Content)
		}
	}
}

func TestTerminalEventIsUniqueAndLast(t *testing.T) {
	client := &scriptedClient{responses: []scripted{{text: "Hi."}}}
	f := newFixture(t, client)

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, _ := f.orch.StartTurn(context.Background(), convID, "hello", nil)
	events := collect(t, ch, turnID)

	terminals := 0
	for _, e := range events {
		if e.IsTerminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
	if !events[len(events)-1].IsTerminal() {
		t.Error("terminal event is not last")
	}
}

func TestFailureLimitAbortsTurn(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "flaky_a", Arguments: "{}"}}},
		{toolCalls: []chat.ToolCall{{CallID: "c2", Name: "flaky_b", Arguments: "{}"}}},
		{toolCalls: []chat.ToolCall{{CallID: "c3", Name: "flaky_a", Arguments: "{}"}}},
		{text: "should never get here"},
	}}
	f := newFixture(t, client)
	f.orch.cfg.Session.MaxToolFailuresPerTurn = 2
	countA := registerFailing(f.reg, "flaky_a")
	countB := registerFailing(f.reg, "flaky_b")

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, _ := f.orch.StartTurn(context.Background(), convID, "try stuff", nil)
	events := collect(t, ch, turnID)

	last := events[len(events)-1]
	if last.Kind != event.KindInterrupt || last.Interrupt.Reason != event.ReasonMaxToolFailures {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Interrupt.Limit != 2 {
		t.Errorf("limit = %d", last.Interrupt.Limit)
	}
	if last.Interrupt.FailedTools["flaky_a"] != 1 || last.Interrupt.FailedTools["flaky_b"] != 1 {
		t.Errorf("failed tools = %v", last.Interrupt.FailedTools)
	}
	// The third call is never dispatched.
	if *countA != 1 || *countB != 1 {
		t.Errorf("executions a=%d b=%d", *countA, *countB)
	}

	if turn, ok := f.orch.Turn(turnID); !ok || turn.Status() != StatusFailed {
		t.Errorf("turn status = %v", turn.Status())
	}
}

func TestCancellation(t *testing.T) {
	block := make(chan struct{})
	client := &scriptedClient{
		responses: []scripted{
			{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "fs_list", Arguments: "{}"}}},
			{text: "never"},
		},
	}
	f := newFixture(t, client)

	started := make(chan struct{}, 1)
	f.reg.MustRegister(&tools.Tool{
		Name: "fs_list",
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			started <- struct{}{}
			select {
			case <-block:
			case <-ctx.Done():
			}
			return []chat.Value{chat.TextValue("partial")}, nil
		},
	})

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, err := f.orch.StartTurn(context.Background(), convID, "go", nil)
	if err != nil {
		t.Fatal(err)
	}

	<-started
	if err := f.orch.CancelTurn(convID, turnID); err != nil {
		t.Fatal(err)
	}
	close(block)

	events := collect(t, ch, turnID)
	last := events[len(events)-1]
	if last.Kind != event.KindInterrupt || last.Interrupt.Reason != event.ReasonCancelled {
		t.Fatalf("terminal = %+v", last)
	}

	// No ToolCallStart after the interrupt, and only one overall.
	starts := 0
	for _, e := range events {
		if e.Kind == event.KindToolCallStart {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("expected a single dispatch, got %d starts", starts)
	}

	if turn, _ := f.orch.Turn(turnID); turn.Status() != StatusCancelled {
		t.Errorf("status = %s", turn.Status())
	}
}

func TestRequestLimit(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "loop_tool", Arguments: "{}"}}},
		{toolCalls: []chat.ToolCall{{CallID: "c2", Name: "loop_tool", Arguments: "{}"}}},
		{toolCalls: []chat.ToolCall{{CallID: "c3", Name: "loop_tool", Arguments: "{}"}}},
	}}
	f := newFixture(t, client)
	f.orch.cfg.Session.MaxRequestsPerTurn = 2
	registerOK(f.reg, "loop_tool")

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, _ := f.orch.StartTurn(context.Background(), convID, "loop forever", nil)
	events := collect(t, ch, turnID)

	last := events[len(events)-1]
	if last.Kind != event.KindInterrupt || last.Interrupt.Reason != event.ReasonMaxRequestsPerTurn {
		t.Fatalf("terminal = %+v", last)
	}
	if client.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", client.callCount())
	}
}

func TestDuplicateCallIDsYieldOneResult(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{
			{CallID: "dup", Name: "fs_list", Arguments: "{}"},
			{CallID: "dup", Name: "fs_list", Arguments: "{}"},
		}},
		{text: "Done."},
	}}
	f := newFixture(t, client)
	count := registerOK(f.reg, "fs_list")

	convID := f.thread(t)
	if _, err := f.orch.RunTurn(context.Background(), convID, "list", nil); err != nil {
		t.Fatal(err)
	}
	if *count != 1 {
		t.Errorf("duplicate call executed %d times", *count)
	}

	rec, err := f.store.Get(convID)
	if err != nil {
		t.Fatal(err)
	}
	var cc struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Context, &cc); err != nil {
		t.Fatal(err)
	}
	results := 0
	for _, m := range cc.Messages {
		if m.Role == chat.RoleTool {
			results++
		}
	}
	if results != 1 {
		t.Errorf("expected one tool result in history, got %d", results)
	}
}

func TestProviderFailureAfterRetries(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{err: &provider.APIError{StatusCode: 503, Body: "down"}},
	}}
	f := newFixture(t, client)
	f.orch.cfg.Retry = config.RetryConfig{MaxAttempts: 2, MinDelay: time.Millisecond, Factor: 2}

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, _ := f.orch.StartTurn(context.Background(), convID, "hi", nil)
	events := collect(t, ch, turnID)

	sawRetry := false
	for _, e := range events {
		if e.Kind == event.KindRetryAttempt {
			sawRetry = true
			if e.Retry.Cause == "" {
				t.Error("retry without a cause")
			}
		}
	}
	if !sawRetry {
		t.Error("no RetryAttempt emitted")
	}

	last := events[len(events)-1]
	if last.Kind != event.KindInterrupt || last.Interrupt.Reason != event.ReasonProviderError {
		t.Fatalf("terminal = %+v", last)
	}
	if client.callCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", client.callCount())
	}
}

func TestFailedToolResultCarriesRetryHint(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "flaky", Arguments: "{}"}}},
		{text: "Understood."},
	}}
	f := newFixture(t, client)
	registerFailing(f.reg, "flaky")

	convID := f.thread(t)
	if _, err := f.orch.RunTurn(context.Background(), convID, "try", nil); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.store.Get(convID)
	var cc struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Context, &cc); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range cc.Messages {
		if m.Role == chat.RoleTool && m.ToolResult != nil && m.ToolResult.IsError {
			found = true
			if !strings.Contains(m.ToolResult.Text(), "remaining before the turn aborts") {
				t.Errorf("no retry hint in %q", m.ToolResult.Text())
			}
		}
	}
	if !found {
		t.Fatal("no failed tool result persisted")
	}
}

func TestSubAgentSpawnAndResume(t *testing.T) {
	// Parent: spawn task -> final answer. Sub-agent turns answer directly.
	client := &scriptedClient{responses: []scripted{
		{text: "sub answer one"},
	}}
	f := newFixture(t, client)

	tool, err := f.reg.Get("task")
	if err != nil {
		t.Fatal(err)
	}

	values, err := tool.Execute(context.Background(), map[string]any{
		"prompt":   "research the bug",
		"agent_id": "researcher",
	})
	if err != nil {
		t.Fatal(err)
	}
	text := values[0].Text
	if !strings.Contains(text, "sub answer one") {
		t.Errorf("missing sub-agent answer: %q", text)
	}
	const marker = "(sub-agent session: "
	i := strings.Index(text, marker)
	if i < 0 {
		t.Fatalf("no session id in %q", text)
	}
	sessionID := strings.TrimSuffix(text[i+len(marker):], ")")

	// Resume: the prior history is reused, so the conversation accumulates.
	values, err = tool.Execute(context.Background(), map[string]any{
		"prompt":     "dig deeper",
		"session_id": sessionID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(values[0].Text, sessionID) {
		t.Errorf("resume changed the session id: %q", values[0].Text)
	}

	rec, err := f.store.Get(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	var cc struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Context, &cc); err != nil {
		t.Fatal(err)
	}
	users := 0
	for _, m := range cc.Messages {
		if m.Role == chat.RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("resumed session should hold both prompts, got %d user messages", users)
	}
}

func TestSubAgentBudget(t *testing.T) {
	client := &scriptedClient{responses: []scripted{{text: "x"}}}
	f := newFixture(t, client)
	// Occupy the whole budget.
	for i := 0; i < cap(f.orch.subagents); i++ {
		f.orch.subagents <- struct{}{}
	}

	tool, _ := f.reg.Get("task")
	if _, err := tool.Execute(context.Background(), map[string]any{"prompt": "x"}); !errors.Is(err, ErrTooManySubagents) {
		t.Errorf("want ErrTooManySubagents, got %v", err)
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	block := make(chan struct{})
	client := &scriptedClient{responses: []scripted{{text: "slow"}}, block: block}
	f := newFixture(t, client)

	convID := f.thread(t)
	turnID, err := f.orch.StartTurn(context.Background(), convID, "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.StartTurn(context.Background(), convID, "second", nil); !errors.Is(err, ErrTurnActive) {
		t.Errorf("want ErrTurnActive, got %v", err)
	}

	close(block)
	turn, _ := f.orch.Turn(turnID)
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn never finished")
	}
}

func TestVariableBagFlowsIntoNextRender(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "set_variable",
			Arguments: `{"name":"branch","value":"main"}`}}},
		{text: "done"},
	}}
	f := newFixture(t, client)

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, _ := f.orch.StartTurn(context.Background(), convID, "remember the branch", nil)
	events := collect(t, ch, turnID)

	// internal_only: no tool events surface.
	for _, e := range events {
		if e.Kind == event.KindToolCallStart || e.Kind == event.KindToolCallEnd {
			t.Errorf("internal tool leaked %s", e.Kind)
		}
	}

	conv, err := f.orch.getConversation(convID)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := conv.bag.Get("branch"); !ok || v != "main" {
		t.Errorf("bag[branch] = %v, %v", v, ok)
	}
}

func TestImageToolResultBecomesAttachment(t *testing.T) {
	client := &scriptedClient{responses: []scripted{
		{toolCalls: []chat.ToolCall{{CallID: "c1", Name: "screenshot", Arguments: "{}"}}},
		{text: "I see a button."},
	}}
	f := newFixture(t, client)
	f.reg.MustRegister(&tools.Tool{
		Name: "screenshot",
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			return []chat.Value{chat.ImageValue("cGl4ZWxz", "image/png")}, nil
		},
	})

	ch, unsub := f.stream.Subscribe(64)
	defer unsub()

	convID := f.thread(t)
	turnID, _ := f.orch.StartTurn(context.Background(), convID, "what is on screen?", nil)
	collect(t, ch, turnID)

	// The second provider request carries the rewritten history: the image is
	// replaced by a placeholder in the tool result and hoisted into a
	// synthetic user message right after it.
	req := client.request(1)
	toolIdx := -1
	for i, m := range req.Messages {
		if m.Role == chat.RoleTool {
			toolIdx = i
			break
		}
	}
	if toolIdx < 0 {
		t.Fatal("no tool result in second request")
	}
	if text := req.Messages[toolIdx].ToolResult.Text(); !strings.Contains(text, "IMG-1") {
		t.Errorf("tool result not rewritten: %q", text)
	}
	next := req.Messages[toolIdx+1]
	if next.Role != chat.RoleUser || next.Attachment == nil {
		t.Fatalf("message after tool result = %+v, want user attachment", next)
	}
	if next.Attachment.Base64 != "cGl4ZWxz" || next.Attachment.MimeType != "image/png" {
		t.Errorf("attachment payload = %+v", next.Attachment)
	}
}

func TestTitleGenerationOverlapsNextTurn(t *testing.T) {
	client := &scriptedClient{responses: []scripted{{text: "Fix the login bug"}}}
	f := newFixture(t, client)

	convID, err := f.orch.StartThread("")
	if err != nil {
		t.Fatal(err)
	}

	// The first turn kicks off the async title call; the second runs while
	// that goroutine may still be writing the titled flag.
	if _, err := f.orch.RunTurn(context.Background(), convID, "the login page 500s", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.RunTurn(context.Background(), convID, "any ideas?", nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.store.Get(convID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Title != nil {
			if *rec.Title != "Fix the login bug" {
				t.Fatalf("title = %q", *rec.Title)
			}
			conv, err := f.orch.getConversation(convID)
			if err != nil {
				t.Fatal(err)
			}
			if !conv.isTitled() {
				t.Error("conversation not marked titled")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("title never saved")
}
