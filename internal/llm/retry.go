package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/duckmesh/sqlagent/internal/observability"
)

type retryingModel struct {
	next       Model
	maxRetries int
	initial    time.Duration
	log        *slog.Logger
}

// WithRetry retries failed calls with exponential backoff, up to maxRetries
// extra attempts. Unsupported safety settings and caller cancellation are
// not retried. Every attempt is recorded in the model call metrics.
func WithRetry(next Model, maxRetries int, log *slog.Logger) Model {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &retryingModel{next: next, maxRetries: maxRetries, initial: 500 * time.Millisecond, log: log}
}

func (m *retryingModel) Complete(ctx context.Context, req Request) (string, error) {
	attempt := 0
	operation := func() (string, error) {
		attempt++
		if attempt > 1 {
			m.log.Warn("llm: retrying model call", "attempt", attempt)
		}
		start := time.Now()
		text, err := m.next.Complete(ctx, req)
		switch {
		case err == nil:
			observability.ObserveModelCall("ok", time.Since(start))
			return text, nil
		case errors.Is(err, context.DeadlineExceeded):
			observability.ObserveModelCall("timeout", time.Since(start))
		default:
			observability.ObserveModelCall("error", time.Since(start))
		}
		if errors.Is(err, ErrUnsupportedSafety) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initial
	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.maxRetries+1)),
	)
	if err != nil {
		var callErr *ModelCallError
		if errors.As(err, &callErr) || errors.Is(err, ErrUnsupportedSafety) {
			return "", err
		}
		return "", &ModelCallError{Provider: "model", Err: err}
	}
	return text, nil
}
