package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord tracks one outbound call to the generation service.
type UsageRecord struct {
	ID               int64     `json:"id"`
	RequestKey       string    `json:"request_key"`
	Model            string    `json:"model"`
	Style            string    `json:"style,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	StatusCode       int       `json:"status_code"`
	Outcome          string    `json:"outcome"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageSummary aggregates usage across calls for one model.
type UsageSummary struct {
	Model           string `json:"model"`
	Calls           int    `json:"calls"`
	Failures        int    `json:"failures"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
	AvgLatencyMs    int64  `json:"avg_latency_ms"`
}
