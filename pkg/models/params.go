package models

import "time"

// Params describes one logical generation request.
//
// Subject, Style, Model and Options affect the generated text and form the
// request identity. RequestID and SubmittedAt are volatile bookkeeping and
// never take part in deduplication or caching.
type Params struct {
	Subject string            `json:"subject" yaml:"subject"`
	Style   string            `json:"style" yaml:"style"`
	Model   string            `json:"model,omitempty" yaml:"model,omitempty"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`

	RequestID   string    `json:"request_id,omitempty" yaml:"-"`
	SubmittedAt time.Time `json:"submitted_at,omitempty" yaml:"-"`
}

// Result is the outcome of a successful generation.
type Result struct {
	Text         string    `json:"text"`
	Model        string    `json:"model"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
	CreatedAt    time.Time `json:"created_at"`
	// Cached is set on results served from the response cache.
	Cached bool `json:"cached,omitempty"`
}
