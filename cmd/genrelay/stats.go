package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/tracker"
)

func newStatsCmd(gf *globalFlags) *cobra.Command {
	var (
		recent int
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := gf.load()
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			// Per-call view
			if recent > 0 {
				recs, err := tr.Recent(ctx, time.Now().Add(-since), recent)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No calls recorded.")
					return nil
				}
				fmt.Fprintln(w, "TIME\tMODEL\tPROVIDER\tSTATUS\tOUTCOME\tTOKENS\tLATENCY")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%dms\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.Model, r.Provider,
						r.StatusCode, r.Outcome, r.TotalTokens, r.LatencyMs)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			fmt.Fprintln(w, "MODEL\tCALLS\tFAILED\tPROMPT\tCOMPLETION\tTOTAL\tAVG LATENCY")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%dms\n",
					s.Model, s.Calls, s.Failures, s.TotalPrompt, s.TotalCompletion, s.TotalTokens, s.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&recent, "recent", 0, "list the most recent N calls instead of the summary")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back --recent looks")
	return cmd
}

// printMetrics writes the orchestration counters as a table.
func printMetrics(out io.Writer, m models.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "requests\t%d\n", m.TotalRequests)
	fmt.Fprintf(w, "cache hits\t%d\t%.1f%%\n", m.CacheHits, m.CacheHitRatio*100)
	fmt.Fprintf(w, "deduplicated\t%d\t%.1f%%\n", m.DedupedRequests, m.DedupRatio*100)
	fmt.Fprintf(w, "batched\t%d\n", m.BatchedRequests)
	fmt.Fprintf(w, "api calls\t%d\n", m.APICalls)
	fmt.Fprintf(w, "retries\t%d\n", m.Retries)
	fmt.Fprintf(w, "offline queued\t%d\n", m.OfflineQueued)
	fmt.Fprintf(w, "failures\t%d\n", m.Failures)
	fmt.Fprintf(w, "efficiency\t%.1f%%\n", m.Efficiency*100)
	_ = w.Flush()
}
