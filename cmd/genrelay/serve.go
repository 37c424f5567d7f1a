package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/server"
)

func newServeCmd(gf *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the generation API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				rt.Close(shutCtx)
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				rt.metrics,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			srv := server.New(cfg.Listen, rt.orch, reg,
				server.WithConnectivity(rt.monitor),
				server.WithLogger(logger.Named("server")),
			)
			logger.Info("starting genrelay server", zap.String("config", gf.configPath))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}
