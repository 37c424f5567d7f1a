package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/tracker"
)

// ErrBudgetExceeded is the cause carried by the QuotaExhausted error Check
// returns when a policy is spent.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Enforcer checks token usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	tracker  tracker.Tracker
	now      func() time.Time
}

// New creates an Enforcer with the given policies and tracker.
func New(policies []models.BudgetPolicy, t tracker.Tracker) *Enforcer {
	return &Enforcer{policies: policies, tracker: t, now: time.Now}
}

// Check returns a QuotaExhausted error if model has used up any applicable
// policy. model is the resolved upstream model; names compare without case.
func (e *Enforcer) Check(ctx context.Context, model string) error {
	for _, p := range e.applicablePolicies(model) {
		used, err := e.used(ctx, p)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return &generr.Error{
				Kind:    generr.QuotaExhausted,
				Message: fmt.Sprintf("%s token budget for %s spent (%d/%d)", p.Period, policyModel(p), used, p.MaxTokens),
				Err:     ErrBudgetExceeded,
			}
		}
	}
	return nil
}

// Status returns usage against every policy.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(e.policies))
	for _, p := range e.policies {
		used, err := e.used(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		remaining := p.MaxTokens - used
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, p models.BudgetPolicy) (int64, error) {
	return e.tracker.TotalByModel(ctx, p.Model, periodStart(e.now(), p.Period))
}

func (e *Enforcer) applicablePolicies(model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.Model == "" || p.Model == "*" || strings.EqualFold(p.Model, model) {
			result = append(result, p)
		}
	}
	return result
}

func policyModel(p models.BudgetPolicy) string {
	if p.Model == "" || p.Model == "*" {
		return "all models"
	}
	return p.Model
}

func periodStart(now time.Time, period models.BudgetPeriod) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
