package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antinomyhq/forge-sub003/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket control surface for front-ends",
	Long: `Starts the runtime and listens for front-end connections.

Front-ends connect to ws://<addr>/ws and speak JSON frames: requests carry
{id, method, params}, responses {id, result|error}, and turn activity arrives
as chat/event notifications.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := server.New(rt.cfg, rt.orch, rt.stream, rt.client, rt.agents, rt.scanner)
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("forge listening on ws://%s/ws (provider=%s model=%s)\n",
		srv.Addr(), rt.cfg.Provider, rt.client.Model())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived %s, shutting down\n", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
