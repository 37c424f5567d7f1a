package generr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("call: %w", &Error{Kind: Authentication, Status: 401, Message: "bad key"})

	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, Authentication, KindOf(err))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"canceled", context.Canceled, Cancelled},
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), Transient},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, Transient},
		{"other", errors.New("boom"), Internal},
		{"classified", New(Expired, "gone"), Expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e *Error
			require.ErrorAs(t, Normalize(tt.err), &e)
			assert.Equal(t, tt.want, e.Kind)
		})
	}
	assert.NoError(t, Normalize(nil))
}

func TestUserMessageIsStable(t *testing.T) {
	a := UserMessage(&Error{Kind: RateLimited, Status: 429, Message: "slow down"})
	b := UserMessage(New(RateLimited, "other text"))
	assert.Equal(t, a, b)
	assert.Contains(t, UserMessage(Cancel(context.Canceled)), "cancelled")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Transient.Retryable())
	assert.True(t, RateLimited.Retryable())
	assert.False(t, Authentication.Retryable())
	assert.False(t, QuotaExhausted.Retryable())
	assert.False(t, Cancelled.Retryable())
}
