package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genrelay/pkg/mcp"
)

func newMCPCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve genrelay tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.Close(shutCtx)
			}()

			opts := []mcp.Option{
				mcp.WithConnectivity(rt.monitor),
				mcp.WithTracker(rt.tracker),
				mcp.WithLogger(logger.Named("mcp")),
			}
			if rt.enforcer != nil {
				opts = append(opts, mcp.WithBudget(rt.enforcer))
			}
			return mcp.New(rt.orch, version, opts...).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
