package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/provider"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List available agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents := agent.NewRegistry()
		if cwd, err := os.Getwd(); err == nil {
			dir := filepath.Join(cwd, ".forge", "agents")
			if err := agents.LoadDir(dir); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tDESCRIPTION")
		for _, a := range agents.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Title, a.Description)
		}
		return w.Flush()
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known models per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		providers := make([]string, 0, len(provider.KnownModels))
		for p := range provider.KnownModels {
			providers = append(providers, p)
		}
		sort.Strings(providers)

		for _, p := range providers {
			fmt.Printf("%s:\n", p)
			for _, m := range provider.KnownModels[p] {
				fmt.Printf("  %s\n", m)
			}
		}
		fmt.Println("\nAny other model name is accepted with --model.")
		return nil
	},
}
