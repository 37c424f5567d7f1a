package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/orchestrator"
)

func newGenerateCmd(gf *globalFlags) *cobra.Command {
	var (
		style      string
		model      string
		opts       map[string]string
		noCache    bool
		offlineFor time.Duration
		showStats  bool
	)

	cmd := &cobra.Command{
		Use:   "generate SUBJECT [SUBJECT...]",
		Short: "Generate text for one or more subjects concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger, offlineFor <= 0)
			if err != nil {
				return err
			}
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.Close(shutCtx)
			}()

			if offlineFor > 0 {
				logger.Info("starting offline", zap.Duration("reconnect_after", offlineFor))
				timer := time.AfterFunc(offlineFor, func() { rt.monitor.SetOnline(true) })
				defer timer.Stop()
			}

			results := make([]models.Result, len(args))
			errs := make([]error, len(args))
			var g errgroup.Group
			for i, subject := range args {
				g.Go(func() error {
					p := models.Params{Subject: subject, Style: style, Model: model, Options: opts}
					results[i], errs[i] = rt.orch.Generate(ctx, p, orchestrator.Options{BypassCache: noCache})
					return nil
				})
			}
			_ = g.Wait()

			failed := 0
			out := cmd.OutOrStdout()
			for i, subject := range args {
				if len(args) > 1 {
					fmt.Fprintf(out, "== %s ==\n", subject)
				}
				if errs[i] != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%s: %s\n", subject, generr.UserMessage(errs[i]))
					logger.Debug("generate failed", zap.String("subject", subject), zap.Error(errs[i]))
					continue
				}
				fmt.Fprintln(out, strings.TrimSpace(results[i].Text))
				if len(args) > 1 {
					fmt.Fprintln(out)
				}
			}

			if showStats {
				printMetrics(os.Stderr, rt.orch.Metrics())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d requests failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&style, "style", "s", "", "writing style, e.g. witty or confrontational")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model alias (defaults to the first provider's model)")
	cmd.Flags().StringToStringVar(&opts, "opt", nil, "generation option as key=value, e.g. --opt temperature=0.7")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the response cache lookup")
	cmd.Flags().DurationVar(&offlineFor, "offline", 0, "start offline and reconnect after this long, queueing requests meanwhile")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print request metrics to stderr when done")
	return cmd
}
