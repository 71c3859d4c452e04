package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/event"
	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// Emit publishes one event into the owning turn's stream.
type Emit func(event.Event)

// Outcome is the dispatcher's verdict on one model-issued call.
type Outcome struct {
	Call       chat.ToolCall
	Result     chat.ToolResult
	Visibility Visibility

	// Duplicate marks a call whose CallID was already dispatched this turn.
	// Duplicates execute nothing and append nothing to history.
	Duplicate bool
}

// Dispatcher executes tool call batches for one turn. It owns the per-turn
// CallID set, so a dispatcher must not be shared between turns.
type Dispatcher struct {
	registry    *Registry
	parallelism int
	emit        Emit
	seen        map[string]bool
}

// NewDispatcher creates a dispatcher for a single turn. emit may be nil.
func NewDispatcher(registry *Registry, parallelism int, emit Emit) *Dispatcher {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Dispatcher{
		registry:    registry,
		parallelism: parallelism,
		emit:        emit,
		seen:        make(map[string]bool),
	}
}

// DispatchBatch runs the calls of one model response. Independent calls run
// concurrently up to the configured parallelism; outcomes come back in
// call-issue order regardless of completion order. allowed filters tools by
// name for the active agent (nil allows everything).
func (d *Dispatcher) DispatchBatch(ctx context.Context, calls []chat.ToolCall, allowed func(string) bool) []Outcome {
	outcomes := make([]Outcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)

	for i, call := range calls {
		outcomes[i].Call = call
		outcomes[i].Visibility = d.registry.Visibility(call.Name)

		if d.seen[call.CallID] {
			logging.Tools("absorbing duplicate call_id %s (%s)", call.CallID, call.Name)
			outcomes[i].Duplicate = true
			continue
		}
		d.seen[call.CallID] = true

		visible := outcomes[i].Visibility != VisibilityInternalOnly
		if visible {
			d.publish(event.ToolCallStart(call.Name, call.CallID, call.Arguments))
		}

		i, call := i, call
		g.Go(func() error {
			result := d.execute(gctx, call, allowed)
			outcomes[i].Result = result
			if visible {
				d.publish(event.ToolCallEnd(call.Name, call.CallID, result.Text(), result.IsError))
			}
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// execute runs one call. Failures never surface as Go errors; they come back
// as error-flagged results the model can read.
func (d *Dispatcher) execute(ctx context.Context, call chat.ToolCall, allowed func(string) bool) chat.ToolResult {
	fail := func(format string, args ...any) chat.ToolResult {
		msg := fmt.Sprintf(format, args...)
		logging.Tools("call %s (%s) failed: %s", call.CallID, call.Name, msg)
		return chat.ToolResult{
			CallID:  call.CallID,
			Name:    call.Name,
			Values:  []chat.Value{chat.TextValue(msg)},
			IsError: true,
		}
	}

	if allowed != nil && !allowed(call.Name) {
		return fail("tool %q is not available to this agent", call.Name)
	}

	tool, err := d.registry.Get(call.Name)
	if err != nil {
		return fail("unknown tool %q", call.Name)
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fail("malformed arguments for %s: %v", call.Name, err)
		}
	}
	if err := tool.Schema.Validate(args); err != nil {
		return fail("%v", err)
	}

	if err := ctx.Err(); err != nil {
		return fail("cancelled before execution")
	}

	values, err := tool.Execute(ctx, args)
	if err != nil {
		return fail("%v", err)
	}
	if len(values) == 0 {
		values = []chat.Value{chat.EmptyValue()}
	}
	return chat.ToolResult{CallID: call.CallID, Name: call.Name, Values: values}
}

func (d *Dispatcher) publish(e event.Event) {
	if d.emit != nil {
		d.emit(e)
	}
}
