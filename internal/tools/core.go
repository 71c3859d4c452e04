package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/diff"
)

// Bounds for tool output fed back into the model context.
const (
	maxReadBytes    = 256 * 1024
	maxShellOutput  = 64 * 1024
	maxListEntries   = 500
	shellTimeout     = 2 * time.Minute
	shellKillReason  = "command killed: time limit exceeded"
	shellTruncNotice = "(output truncated)"
)

// RegisterCore installs the built-in tool set rooted at dir: fs_list,
// fs_read, fs_write, fs_edit, shell. The task tool is registered separately by the
// orchestrator because it needs a spawner.
func RegisterCore(r *Registry, dir string) {
	r.MustRegister(&Tool{
		Name:        "fs_list",
		Description: "List files and directories under a relative path.",
		Schema: Schema{
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Directory to list, relative to the workspace root. Defaults to the root."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			target, err := resolvePath(dir, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) > maxListEntries {
				names = append(names[:maxListEntries], fmt.Sprintf("... (%d more)", len(names)-maxListEntries))
			}
			return []chat.Value{chat.TextValue(strings.Join(names, "\n"))}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "fs_read",
		Description: "Read a file's contents.",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "File to read, relative to the workspace root."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			target, err := resolvePath(dir, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
			}
			return []chat.Value{chat.TextValue(string(data))}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "fs_write",
		Description: "Write content to a file, creating parent directories as needed.",
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "File to write, relative to the workspace root."},
				"content": {Type: "string", Description: "Full file content."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			target, err := resolvePath(dir, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			content := stringArg(args, "content")
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return nil, err
			}
			return []chat.Value{chat.TextValue(fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(args, "path")))}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "fs_edit",
		Description: "Replace an exact text fragment in a file and return the resulting diff.",
		Schema: Schema{
			Required: []string{"path", "old", "new"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "File to edit, relative to the workspace root."},
				"old":  {Type: "string", Description: "Exact text to replace. Must occur exactly once."},
				"new":  {Type: "string", Description: "Replacement text."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			target, err := resolvePath(dir, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			oldFrag := stringArg(args, "old")
			newFrag := stringArg(args, "new")
			if oldFrag == "" {
				return nil, fmt.Errorf("old must not be empty")
			}
			before := string(data)
			switch strings.Count(before, oldFrag) {
			case 0:
				return nil, fmt.Errorf("text not found in %s", stringArg(args, "path"))
			case 1:
			default:
				return nil, fmt.Errorf("text occurs more than once in %s; include more context", stringArg(args, "path"))
			}
			after := strings.Replace(before, oldFrag, newFrag, 1)
			if err := os.WriteFile(target, []byte(after), 0644); err != nil {
				return nil, err
			}
			hunks := diff.Compute(before, after)
			added, removed := diff.Stats(hunks)
			out := fmt.Sprintf("edited %s (+%d -%d)\n%s",
				stringArg(args, "path"), added, removed, diff.Unified(stringArg(args, "path"), hunks))
			return []chat.Value{chat.TextValue(strings.TrimRight(out, "\n"))}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "shell",
		Description: "Run a shell command in the workspace and return its combined output.",
		Schema: Schema{
			Required: []string{"command"},
			Properties: map[string]Property{
				"command": {Type: "string", Description: "Command line to execute."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) ([]chat.Value, error) {
			command := stringArg(args, "command")
			ctx, cancel := context.WithTimeout(ctx, shellTimeout)
			defer cancel()

			var cmd *exec.Cmd
			if runtime.GOOS == "windows" {
				cmd = exec.CommandContext(ctx, "cmd", "/C", command)
			} else {
				cmd = exec.CommandContext(ctx, "sh", "-c", command)
			}
			cmd.Dir = dir

			out, err := cmd.CombinedOutput()
			truncated := len(out) > maxShellOutput
			if truncated {
				out = out[:maxShellOutput]
			}
			text := strings.TrimRight(string(out), "\n")
			if truncated {
				text += "\n" + shellTruncNotice
			}
			if ctx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("%s: %w", shellKillReason, ctx.Err())
			}
			if err != nil {
				if text == "" {
					return nil, err
				}
				return nil, fmt.Errorf("%s: %w", text, err)
			}
			if text == "" {
				return []chat.Value{chat.EmptyValue()}, nil
			}
			return []chat.Value{chat.TextValue(text)}, nil
		},
	})
}

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

// resolvePath confines a tool path to the workspace root.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	target := filepath.Clean(filepath.Join(root, rel))
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if targetAbs != rootAbs && !strings.HasPrefix(targetAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return targetAbs, nil
}
