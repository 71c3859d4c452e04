// Package agent defines the read-only agent configurations the runtime can
// run: a built-in set plus user-defined specialists loaded from
// .forge/agents/*.yaml.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Agent is a named capability bundle: which provider and model to call, the
// system prompt template to render, and the tools the model may use. Agents
// are configuration; they carry no mutable state.
type Agent struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Description  string   `yaml:"description" json:"description"`
	Provider     string   `yaml:"provider" json:"provider"`
	Model        string   `yaml:"model" json:"model"`
	SystemPrompt string   `yaml:"system_prompt" json:"-"`
	Tools        []string `yaml:"tools" json:"tools"`

	// MaxRequestsPerTurn overrides the session default when positive.
	MaxRequestsPerTurn int `yaml:"max_requests_per_turn,omitempty" json:"-"`
}

// HasTool reports whether the agent may call the named tool. An empty tool
// list means everything is allowed.
func (a Agent) HasTool(name string) bool {
	if len(a.Tools) == 0 {
		return true
	}
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Registry resolves agent ids to definitions.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry seeded with the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range builtins() {
		r.agents[a.ID] = a
	}
	return r
}

// LoadDir layers user-defined agents from a directory of YAML files over the
// builtins. Files that fail to parse are skipped with the error reported;
// one bad specialist must not take the runtime down.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var a Agent
		if err := yaml.Unmarshal(data, &a); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("parse %s: %w", name, err)
			}
			continue
		}
		if a.ID == "" {
			a.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		r.mu.Lock()
		r.agents[a.ID] = a
		r.mu.Unlock()
	}
	return firstErr
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("unknown agent: %s", id)
	}
	return a, nil
}

// List returns all agents ordered by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultID is the agent used when a conversation does not pick one.
const DefaultID = "forge"

func builtins() []Agent {
	return []Agent{
		{
			ID:          DefaultID,
			Title:       "Forge",
			Description: "General-purpose coding agent with the full tool set.",
			SystemPrompt: "You are Forge, an autonomous coding agent.\n" +
				"Work step by step. Use tools to inspect and modify the workspace\n" +
				"instead of guessing. Report what you changed when you finish.",
		},
		{
			ID:          "researcher",
			Title:       "Researcher",
			Description: "Read-only agent for exploring a codebase and answering questions.",
			SystemPrompt: "You are a research assistant. Explore the workspace with the\n" +
				"read-only tools and answer precisely. Never modify files.",
			Tools: []string{"fs_list", "fs_read", "task"},
		},
	}
}
