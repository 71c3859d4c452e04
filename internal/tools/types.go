// Package tools defines the tool invocation contract and the dispatcher that
// routes model-issued tool calls to implementations.
//
// A tool takes loosely-typed arguments and returns a list of values (text,
// image, or empty) plus an error flag. Execution failures are results, not Go
// errors: they flow back into the conversation for the model to react to.
package tools

import (
	"context"
	"fmt"

	"github.com/antinomyhq/forge-sub003/internal/chat"
)

// Visibility controls how a tool's activity surfaces to front-ends.
type Visibility string

const (
	// VisibilityNormal tools emit ToolCallStart/End events as usual.
	VisibilityNormal Visibility = "normal"

	// VisibilityDirectDisplay tools write their output straight into the
	// message list as a distinguished direct message; a later identical
	// assistant text emission is suppressed.
	VisibilityDirectDisplay Visibility = "direct_display"

	// VisibilityInternalOnly tools execute but never surface
	// ToolCallStart/End to the event stream.
	VisibilityInternalOnly Visibility = "internal_only"
)

// Property describes one argument in a tool's input schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema is the JSON-schema shape advertised to the model.
type Schema struct {
	Required   []string            `json:"required,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
}

// Parameters renders the schema as a JSON-schema object map.
func (s Schema) Parameters() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// Validate checks a call's arguments against the schema's required list.
func (s Schema) Validate(args map[string]any) error {
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingArgument, name)
		}
	}
	return nil
}

// ExecuteFunc runs a tool.
type ExecuteFunc func(ctx context.Context, args map[string]any) ([]chat.Value, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Visibility  Visibility
	Schema      Schema
	Execute     ExecuteFunc
}

// Validate checks the definition is registrable.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}
