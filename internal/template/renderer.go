// Package template renders the system prompt for each loop iteration of a
// turn: static agent instructions, project rules, live environment facts,
// and the conversation's variable bag.
//
// Rendering never fails a turn. A broken template or missing variable
// degrades to partial context; the model simply sees less.
package template

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/logging"
	"github.com/antinomyhq/forge-sub003/internal/workspace"
)

// Renderer assembles system prompts. Environment facts can change between
// loop iterations of the same turn (tools mutate the filesystem), so callers
// invoke Render once per iteration.
type Renderer struct {
	scanner   *workspace.Scanner
	rulesPath string
}

// NewRenderer creates a renderer. rulesPath may be empty; a missing rules
// file is simply absent from the output.
func NewRenderer(scanner *workspace.Scanner, rulesPath string) *Renderer {
	return &Renderer{scanner: scanner, rulesPath: rulesPath}
}

// templateData is what an agent's system prompt template sees.
type templateData struct {
	OS         string
	Shell      string
	WorkingDir string
}

// Render produces the system prompt for one loop iteration.
func (r *Renderer) Render(a agent.Agent, bag *Bag) string {
	info := r.scanner.Snapshot()

	var b strings.Builder
	b.WriteString(r.renderInstructions(a, bag, info))

	if rules := r.readRules(); rules != "" {
		b.WriteString("\n\n## Project Rules\n\n")
		b.WriteString(rules)
	}

	b.WriteString("\n\n## Environment\n\n")
	fmt.Fprintf(&b, "- OS: %s\n", info.OS)
	fmt.Fprintf(&b, "- Shell: %s\n", info.Shell)
	fmt.Fprintf(&b, "- Working directory: %s\n", info.WorkingDir)
	if len(info.Files) > 0 {
		b.WriteString("\n### Files\n\n")
		for _, f := range info.Files {
			b.WriteString(f)
			b.WriteByte('\n')
		}
		if info.Truncated {
			b.WriteString("(listing truncated)\n")
		}
	}

	if bag != nil && bag.Len() > 0 {
		b.WriteString("\n## Variables\n\n")
		for _, name := range bag.Names() {
			v, _ := bag.Get(name)
			fmt.Fprintf(&b, "- %s: %v\n", name, v)
		}
	}

	return b.String()
}

// renderInstructions executes the agent's prompt as a text/template. The
// `var` function resolves bag variables; unknown names yield an empty
// string rather than an error. On template failure the raw prompt text is
// used as-is.
func (r *Renderer) renderInstructions(a agent.Agent, bag *Bag, info workspace.Info) string {
	funcs := template.FuncMap{
		"var": func(name string) any {
			if bag == nil {
				return ""
			}
			if v, ok := bag.Get(name); ok {
				return v
			}
			return ""
		},
	}

	tmpl, err := template.New(a.ID).Funcs(funcs).Parse(a.SystemPrompt)
	if err != nil {
		logging.Template("agent %s: prompt template parse failed, using raw text: %v", a.ID, err)
		return a.SystemPrompt
	}

	var out strings.Builder
	data := templateData{OS: info.OS, Shell: info.Shell, WorkingDir: info.WorkingDir}
	if err := tmpl.Execute(&out, data); err != nil {
		logging.Template("agent %s: prompt template execute failed, using raw text: %v", a.ID, err)
		return a.SystemPrompt
	}
	return out.String()
}

func (r *Renderer) readRules() string {
	if r.rulesPath == "" {
		return ""
	}
	data, err := os.ReadFile(r.rulesPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
