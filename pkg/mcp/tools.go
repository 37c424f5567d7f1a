package mcp

import (
	"context"
	"encoding/json"

	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/orchestrator"
)

// Tool argument structs.

type generateArgs struct {
	Subject     string            `json:"subject"`
	Style       string            `json:"style"`
	Model       string            `json:"model"`
	Options     map[string]string `json:"options"`
	BypassCache bool              `json:"bypass_cache"`
}

type connectivityArgs struct {
	Online  *bool   `json:"online"`
	Quality *string `json:"quality"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"generate":         handleGenerate,
	"metrics":          handleMetrics,
	"cache_stats":      handleCacheStats,
	"set_connectivity": handleSetConnectivity,
	"usage_stats":      handleUsageStats,
	"budget":           handleBudget,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "generate",
		Description: "Generate text for a subject in a given style. Identical concurrent requests share one call and recent results are served from cache.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"subject"},
			"properties": map[string]any{
				"subject": map[string]any{
					"type":        "string",
					"description": "What to write about",
				},
				"style": map[string]any{
					"type":        "string",
					"description": "Writing style, e.g. witty or confrontational (optional)",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Model alias (optional, defaults to the first provider's model)",
				},
				"options": map[string]any{
					"type":                 "object",
					"description":          "Extra generation options such as temperature (optional)",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"bypass_cache": map[string]any{
					"type":        "boolean",
					"description": "Skip the cache lookup (optional)",
				},
			},
		},
	},
	{
		Name:        "metrics",
		Description: "Show request counters and efficiency ratios (cache hits, deduplication, batching, retries).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "cache_stats",
		Description: "Show response cache statistics (entries, bytes, hits, misses, evictions).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "set_connectivity",
		Description: "Report whether the generation service is reachable and how fast the link is. Requests made while offline are queued and replayed in order when back online.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"online": map[string]any{
					"type":        "boolean",
					"description": "Whether the service is reachable (optional)",
				},
				"quality": map[string]any{
					"type":        "string",
					"enum":        []string{"fast", "medium", "slow", "unknown"},
					"description": "Link quality, used to scale request timeouts (optional)",
				},
			},
		},
	},
	{
		Name:        "usage_stats",
		Description: "Show token usage per model from recorded upstream calls.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "budget",
		Description: "Show token budget usage against the configured limits.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleGenerate(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args generateArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	p := models.Params{
		Subject: args.Subject,
		Style:   args.Style,
		Model:   args.Model,
		Options: args.Options,
	}
	res, err := s.orch.Generate(ctx, p, orchestrator.Options{BypassCache: args.BypassCache})
	if err != nil {
		return errorResult(generr.UserMessage(err))
	}
	return textResult(res.Text)
}

func handleMetrics(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatMetrics(s.orch.Metrics(), s.orch.InFlight(), s.orch.QueueLen()))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	c := s.orch.Cache()
	if c == nil {
		return textResult("Cache is not configured.")
	}
	return textResult(formatCacheStats(c.Stats()))
}

func handleSetConnectivity(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.monitor == nil {
		return errorResult("Connectivity is not host-controlled in this server.")
	}
	var args connectivityArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	st := s.monitor.Status()
	if args.Online != nil {
		st.Online = *args.Online
	}
	if args.Quality != nil {
		q, err := connectivity.ParseQuality(*args.Quality)
		if err != nil {
			return errorResult(err.Error())
		}
		st.Quality = q
	}
	s.monitor.Set(st)
	return textResult(formatConnectivity(st, s.orch.QueueLen()))
}

func handleUsageStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.tracker == nil {
		return textResult("Usage tracking is not configured.")
	}
	rows, err := s.tracker.Summary(ctx)
	if err != nil {
		return errorResult("Error fetching stats: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleBudget(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.budget == nil {
		return textResult("Budget enforcement is not configured.")
	}
	statuses, err := s.budget.Status(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudgetStatus(statuses))
}
