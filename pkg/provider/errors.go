package provider

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pario-ai/genrelay/pkg/generr"
)

// classify maps a non-2xx upstream response onto the error taxonomy.
func classify(status int, header http.Header, body []byte, now time.Time) *generr.Error {
	msg, code := errorDetail(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &generr.Error{Status: status, Message: msg}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = generr.Authentication
	case status == http.StatusPaymentRequired || isQuotaCode(code):
		e.Kind = generr.QuotaExhausted
	case status == http.StatusTooManyRequests:
		e.Kind = generr.RateLimited
		e.RetryAfter = retryHint(header, now)
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = generr.Transient
	default:
		e.Kind = generr.InvalidRequest
	}
	return e
}

// errorDetail pulls the message and machine code out of an OpenAI or
// Anthropic error body.
func errorDetail(body []byte) (msg, code string) {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body)), ""
	}
	errObj := gjson.GetBytes(body, "error")
	if !errObj.Exists() {
		return gjson.GetBytes(body, "message").String(), ""
	}
	if errObj.Type == gjson.String {
		return errObj.String(), ""
	}
	msg = errObj.Get("message").String()
	code = errObj.Get("code").String()
	if code == "" {
		code = errObj.Get("type").String()
	}
	return msg, code
}

func isQuotaCode(code string) bool {
	switch code {
	case "insufficient_quota", "billing_hard_limit_reached", "billing_error", "credit_balance_too_low":
		return true
	}
	return false
}

// retryHint returns how long the server asked us to wait, or 0.
//
// Recognized, in order: retry-after-ms, Retry-After (seconds or HTTP date),
// x-ratelimit-reset-requests / -tokens (Go durations such as "6m0s"), and
// anthropic-ratelimit-*-reset (RFC 3339 instants). The longest reset wins
// among the per-limit headers.
func retryHint(h http.Header, now time.Time) time.Duration {
	if v := h.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
		}
	}

	var longest time.Duration
	for _, name := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if d, err := time.ParseDuration(h.Get(name)); err == nil && d > longest {
			longest = d
		}
	}
	for _, name := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-tokens-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	} {
		if at, err := time.Parse(time.RFC3339, h.Get(name)); err == nil {
			if d := at.Sub(now); d > longest {
				longest = d
			}
		}
	}
	return longest
}
