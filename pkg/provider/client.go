// Package provider talks to the upstream text-generation services.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/config"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/router"
)

// Generator performs one generation call.
type Generator interface {
	Generate(ctx context.Context, p models.Params) (models.Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p models.Params) (models.Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, p models.Params) (models.Result, error) {
	return f(ctx, p)
}

// Call describes one upstream exchange, reported to the observer.
type Call struct {
	Params   models.Params
	Provider string
	Model    string
	Status   int
	Latency  time.Duration
	Usage    models.Usage
	Err      error
}

const defaultMaxTokens = 1024

// Client implements Generator over HTTP. Requests are routed through the
// router's fallback chain; a transient failure on one route moves on to the
// next.
type Client struct {
	router   *router.Router
	http     *http.Client
	prompt   PromptBuilder
	logger   *zap.Logger
	observer func(Call)
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPromptBuilder replaces DefaultPrompt.
func WithPromptBuilder(b PromptBuilder) Option {
	return func(c *Client) { c.prompt = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver is called after every upstream exchange.
func WithObserver(fn func(Call)) Option {
	return func(c *Client) { c.observer = fn }
}

// NewClient creates a Client.
func NewClient(r *router.Router, opts ...Option) *Client {
	c := &Client{
		router: r,
		http:   http.DefaultClient,
		prompt: DefaultPrompt,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, p models.Params) (models.Result, error) {
	routes, err := c.router.Resolve(p.Model)
	if err != nil {
		return models.Result{}, generr.Wrap(generr.InvalidRequest, err, "resolve model")
	}
	prompt := c.prompt.Build(p)

	var lastErr error
	for i, route := range routes {
		res, err := c.call(ctx, route, p, prompt)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if generr.KindOf(err) != generr.Transient || ctx.Err() != nil {
			break
		}
		if i < len(routes)-1 {
			c.logger.Warn("provider: route failed, trying next",
				zap.String("provider", route.Provider.Name), zap.String("model", route.Model), zap.Error(err))
		}
	}
	return models.Result{}, lastErr
}

// ResolveModel returns the model the first route for requested will use.
func (c *Client) ResolveModel(requested string) (string, error) {
	return c.router.Primary(requested)
}

func (c *Client) call(ctx context.Context, route router.Route, p models.Params, prompt Prompt) (models.Result, error) {
	format := providerFormat(route.Provider.Type)
	path, body, err := buildBody(format, route, p, prompt)
	if err != nil {
		return models.Result{}, generr.Wrap(generr.Internal, err, "build request")
	}

	start := c.now()
	status, header, respBody, err := c.do(ctx, route.Provider, format, path, body)
	call := Call{Params: p, Provider: route.Provider.Name, Model: route.Model, Status: status}

	var res models.Result
	switch {
	case err != nil:
		err = generr.Normalize(err)
	case status < 200 || status > 299:
		err = classify(status, header, respBody, c.now())
	default:
		res, err = parseResult(format, respBody)
		if err != nil {
			err = generr.Wrap(generr.Transient, err, "decode response")
		}
	}
	call.Latency = c.now().Sub(start)
	call.Usage = res.Usage
	call.Err = err
	if c.observer != nil {
		c.observer(call)
	}
	if err != nil {
		return models.Result{}, err
	}
	if res.Model == "" {
		res.Model = route.Model
	}
	res.CreatedAt = c.now().UTC()
	return res, nil
}

func (c *Client) do(ctx context.Context, pc config.ProviderConfig, format, path string, body []byte) (int, http.Header, []byte, error) {
	target, err := url.Parse(pc.URL)
	if err != nil {
		return 0, nil, nil, generr.Wrap(generr.InvalidRequest, err, "invalid provider URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch format {
	case "anthropic":
		req.Header.Set("x-api-key", pc.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+pc.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func providerFormat(t string) string {
	if strings.EqualFold(t, "anthropic") {
		return "anthropic"
	}
	return "openai"
}

// buildBody returns the endpoint path and JSON body for one route.
func buildBody(format string, route router.Route, p models.Params, prompt Prompt) (string, []byte, error) {
	var (
		path string
		body []byte
		err  error
	)
	switch format {
	case "anthropic":
		maxTokens := route.Provider.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		path = "/v1/messages"
		body, err = json.Marshal(models.AnthropicRequest{
			Model:     route.Model,
			System:    prompt.System,
			Messages:  []models.ChatMessage{{Role: "user", Content: prompt.User}},
			MaxTokens: maxTokens,
		})
	default:
		path = "/v1/chat/completions"
		body, err = json.Marshal(models.ChatCompletionRequest{
			Model: route.Model,
			Messages: []models.ChatMessage{
				{Role: "system", Content: prompt.System},
				{Role: "user", Content: prompt.User},
			},
		})
		if err == nil && route.Provider.MaxTokens > 0 {
			body, err = sjson.SetBytes(body, "max_tokens", route.Provider.MaxTokens)
		}
	}
	if err != nil {
		return "", nil, err
	}

	for name, raw := range p.Options {
		if !bodyOptions[name] {
			continue
		}
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			body, err = sjson.SetBytes(body, name, n)
		} else if f, perr := strconv.ParseFloat(raw, 64); perr == nil {
			body, err = sjson.SetBytes(body, name, f)
		} else {
			body, err = sjson.SetBytes(body, name, raw)
		}
		if err != nil {
			return "", nil, fmt.Errorf("set option %s: %w", name, err)
		}
	}
	return path, body, nil
}

func parseResult(format string, body []byte) (models.Result, error) {
	if !gjson.ValidBytes(body) {
		return models.Result{}, errors.New("response is not JSON")
	}
	var res models.Result
	switch format {
	case "anthropic":
		var text strings.Builder
		gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				text.WriteString(block.Get("text").String())
			}
			return true
		})
		res.Text = text.String()
		res.FinishReason = gjson.GetBytes(body, "stop_reason").String()
		in := int(gjson.GetBytes(body, "usage.input_tokens").Int())
		out := int(gjson.GetBytes(body, "usage.output_tokens").Int())
		res.Usage = models.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	default:
		choice := gjson.GetBytes(body, "choices.0")
		if !choice.Exists() {
			return models.Result{}, errors.New("response has no choices")
		}
		res.Text = choice.Get("message.content").String()
		res.FinishReason = choice.Get("finish_reason").String()
		res.Usage = models.Usage{
			PromptTokens:     int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
			TotalTokens:      int(gjson.GetBytes(body, "usage.total_tokens").Int()),
		}
	}
	res.Model = gjson.GetBytes(body, "model").String()
	return res, nil
}
