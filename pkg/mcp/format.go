package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/models"
)

// formatMetrics formats the orchestration counters as text.
func formatMetrics(m models.MetricsSnapshot, inFlight, queued int) string {
	return fmt.Sprintf("Request Metrics\n"+
		"  Requests:        %d\n"+
		"  Cache hits:      %d (%.1f%%)\n"+
		"  Deduplicated:    %d (%.1f%%)\n"+
		"  Batched:         %d\n"+
		"  API calls:       %d\n"+
		"  Retries:         %d\n"+
		"  Offline queued:  %d\n"+
		"  Failures:        %d\n"+
		"  Efficiency:      %.1f%%\n"+
		"  In flight:       %d\n"+
		"  Queued now:      %d\n",
		m.TotalRequests,
		m.CacheHits, m.CacheHitRatio*100,
		m.DedupedRequests, m.DedupRatio*100,
		m.BatchedRequests, m.APICalls, m.Retries, m.OfflineQueued, m.Failures,
		m.Efficiency*100, inFlight, queued)
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %8s %8s %10s %10s %10s %10s\n",
		"Model", "Calls", "Failed", "Prompt", "Completion", "Total", "Avg ms")
	b.WriteString(strings.Repeat("-", 87) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-25s %8d %8d %10d %10d %10d %10d\n",
			r.Model, r.Calls, r.Failures, r.TotalPrompt, r.TotalCompletion, r.TotalTokens, r.AvgLatencyMs)
	}
	return b.String()
}

// formatBudgetStatus formats budget statuses as a text table.
func formatBudgetStatus(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budget policies found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-8s %12s %12s %12s %6s\n",
		"Model", "Period", "Max Tokens", "Used", "Remaining", "Usage%")
	b.WriteString(strings.Repeat("-", 79) + "\n")
	for _, s := range statuses {
		pct := float64(0)
		if s.Policy.MaxTokens > 0 {
			pct = float64(s.Used) / float64(s.Policy.MaxTokens) * 100
		}
		fmt.Fprintf(&b, "%-25s %-8s %12d %12d %12d %5.1f%%\n",
			s.Policy.Model, s.Policy.Period, s.Policy.MaxTokens, s.Used, s.Remaining, pct)
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:   %d\n"+
		"  Bytes:     %d\n"+
		"  Hits:      %d\n"+
		"  Misses:    %d\n"+
		"  Evictions: %d\n"+
		"  Hit Rate:  %.1f%%\n",
		stats.Entries, stats.Bytes, stats.Hits, stats.Misses, stats.Evictions, hitRate)
}

func formatConnectivity(st connectivity.Status, queued int) string {
	state := "offline"
	if st.Online {
		state = "online"
	}
	return fmt.Sprintf("Connectivity: %s (%s), %d request(s) queued", state, st.Quality, queued)
}
