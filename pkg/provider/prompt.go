package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pario-ai/genrelay/pkg/models"
)

// bodyOptions are Params.Options forwarded as request body fields instead of
// prompt text.
var bodyOptions = map[string]bool{
	"temperature":       true,
	"top_p":             true,
	"max_tokens":        true,
	"presence_penalty":  true,
	"frequency_penalty": true,
	"seed":              true,
}

// Prompt is the text sent for one request.
type Prompt struct {
	System string
	User   string
}

// PromptBuilder turns request parameters into prompt text.
type PromptBuilder interface {
	Build(p models.Params) Prompt
}

// PromptFunc adapts a function to PromptBuilder.
type PromptFunc func(p models.Params) Prompt

func (f PromptFunc) Build(p models.Params) Prompt { return f(p) }

// DefaultPrompt writes the style into the system message and the subject,
// followed by any non-body options, into the user message.
var DefaultPrompt PromptBuilder = PromptFunc(func(p models.Params) Prompt {
	system := "You write short social media posts."
	if style := strings.TrimSpace(p.Style); style != "" {
		system = fmt.Sprintf("You write short social media posts in a %s tone.", style)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Subject))
	names := make([]string, 0, len(p.Options))
	for name := range p.Options {
		if !bodyOptions[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s: %s", name, p.Options[name])
	}
	return Prompt{System: system, User: b.String()}
})
