// Command forge is the agent runtime: a headless websocket server for
// front-ends plus a small set of direct subcommands for terminal use.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/config"
	"github.com/antinomyhq/forge-sub003/internal/event"
	"github.com/antinomyhq/forge-sub003/internal/logging"
	"github.com/antinomyhq/forge-sub003/internal/provider"
	"github.com/antinomyhq/forge-sub003/internal/session"
	"github.com/antinomyhq/forge-sub003/internal/store"
	"github.com/antinomyhq/forge-sub003/internal/template"
	"github.com/antinomyhq/forge-sub003/internal/tools"
	"github.com/antinomyhq/forge-sub003/internal/workspace"
)

var (
	// Global flags
	flagModel       string
	flagProvider    string
	flagAddr        string
	flagDebug       bool
	flagReplay      bool
	flagRecord      bool
	flagUpdateCache bool
	flagCacheDir    string
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - autonomous coding agent runtime",
	Long: `forge runs coding agents against the current workspace.

The runtime is headless: front-ends attach over a local websocket and drive
conversations through it. The chat subcommand offers a direct terminal turn
for quick use and for scripting.

Model calls can be recorded to a local cache and replayed deterministically,
which keeps integration tests off the network.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagModel, "model", "", "Model override (default from config)")
	pf.StringVar(&flagProvider, "provider", "", "Provider override: openai or gemini")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging to .forge/logs/")
	pf.BoolVar(&flagReplay, "replay", false, "Serve model responses from the local cache only")
	pf.BoolVar(&flagRecord, "record", false, "Record model responses into the local cache")
	pf.BoolVar(&flagUpdateCache, "update-cache", false, "Overwrite existing cache entries while recording")
	pf.StringVar(&flagCacheDir, "cache-dir", "", "Replay cache directory (default .forge/http_cache)")

	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (default from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(modelsCmd)
}

// loadConfig layers the command-line flags over the file and environment
// configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: config load: %v (using defaults)\n", err)
	}

	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagProvider != "" {
		cfg.Provider = flagProvider
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagDebug {
		cfg.Logging.DebugMode = true
	}
	if flagCacheDir != "" {
		cfg.Replay.CacheDir = flagCacheDir
	}
	if flagReplay && flagRecord {
		return cfg, fmt.Errorf("--replay and --record are mutually exclusive")
	}
	if flagReplay {
		cfg.Replay.Mode = config.ModeReplay
	}
	if flagRecord {
		cfg.Replay.Mode = config.ModeRecord
	}
	if flagUpdateCache {
		cfg.Replay.UpdateCache = true
	}
	return cfg, nil
}

// runtime bundles everything a subcommand needs once the workspace is wired.
type runtime struct {
	cfg          config.Config
	client       provider.Client
	orch         *session.Orchestrator
	stream       *event.Stream
	streamHandle *event.Handle
	agents       *agent.Registry
	scanner      *workspace.Scanner
	store        *store.Store
}

// buildRuntime wires the full stack against the current working directory.
func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(cwd, cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging: %v\n", err)
	}
	logging.Get(logging.CategoryBoot).Infof("starting in %s (mode=%s)", cwd, cfg.Replay.Mode)

	client, err := provider.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cwd, ".forge", "conversations.db"))
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}

	registry := tools.NewRegistry()
	tools.RegisterCore(registry, cwd)

	agents := agent.NewRegistry()
	agentsDir := filepath.Join(cwd, ".forge", "agents")
	if err := agents.LoadDir(agentsDir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: loading agents from %s: %v\n", agentsDir, err)
	}

	scanner := workspace.NewScanner(cwd, workspace.DefaultMaxFiles)
	if err := scanner.Watch(); err != nil {
		logging.Template("workspace watch unavailable: %v", err)
	}

	renderer := template.NewRenderer(scanner, filepath.Join(cwd, ".forge", "rules.md"))
	stream, streamHandle := event.Start()

	orch := session.New(cfg, client, registry, agents, renderer, st, stream, workspaceID(cwd))

	return &runtime{
		cfg:          cfg,
		client:       client,
		orch:         orch,
		stream:       stream,
		streamHandle: streamHandle,
		agents:       agents,
		scanner:      scanner,
		store:        st,
	}, nil
}

func (rt *runtime) close() {
	rt.scanner.Close()
	rt.streamHandle.Close()
	rt.store.Close()
	logging.Sync()
}

// workspaceID is a stable identifier for the working directory, used to group
// conversations in the store.
func workspaceID(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:6])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
