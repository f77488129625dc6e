// Package correction repairs failing SQL by asking the language model to fix
// dialect and formatting problems, re-validating after every attempt.
package correction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/nl2sql"
	"github.com/duckmesh/sqlagent/internal/observability"
	"github.com/duckmesh/sqlagent/internal/prompts"
	"github.com/duckmesh/sqlagent/internal/validator"
)

// DefaultMaxAttempts bounds the corrections tried after the first failure.
const DefaultMaxAttempts = 3

// ExecutionError is the terminal failure once corrections are exhausted.
type ExecutionError struct {
	SQL      string
	Message  string
	Attempts int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query still failing after %d correction attempts: %s", e.Attempts, e.Message)
}

type Request struct {
	SQL     string
	Dialect string
	// Schema is optional DDL context for the model.
	Schema string
	Errors string
}

type Corrector struct {
	model       llm.Model
	prompts     *prompts.Library
	temperature float64
	maxTokens   int
}

func NewCorrector(model llm.Model, library *prompts.Library, temperature float64, maxTokens int) *Corrector {
	return &Corrector{model: model, prompts: library, temperature: temperature, maxTokens: maxTokens}
}

// Correct returns the model's repaired query. The model is asked for plain
// SQL; a Markdown fence around the answer is tolerated and removed.
func (c *Corrector) Correct(ctx context.Context, req Request) (string, error) {
	schemaInsert := ""
	if strings.TrimSpace(req.Schema) != "" {
		schemaInsert = "\nSchema:\n" + req.Schema + "\n"
	}
	prompt, err := c.prompts.Render(prompts.Correction, map[string]string{
		prompts.SQLDialect:   req.Dialect,
		prompts.SQLQuery:     req.SQL,
		prompts.SchemaInsert: schemaInsert,
		prompts.Errors:       req.Errors,
	})
	if err != nil {
		return "", err
	}
	output, err := c.model.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Safety:      llm.DefaultSafety(),
	})
	if err != nil {
		return "", err
	}
	sql := nl2sql.StripFences(output)
	if sql == "" {
		return "", nl2sql.ErrEmptySQL
	}
	return sql, nil
}

type Validator interface {
	ValidateAndRun(ctx context.Context, sql string) validator.Result
}

type SQLCorrector interface {
	Correct(ctx context.Context, req Request) (string, error)
}

// Loop runs a candidate through validation and up to MaxAttempts
// corrections. MaxAttempts of zero disables correction.
type Loop struct {
	Validator   Validator
	Corrector   SQLCorrector
	Dialect     string
	MaxAttempts int
	Logger      *slog.Logger
}

// Run returns the first result that executed. A statement rejected by the
// safety check comes back as *validator.InvalidSQLError without any
// correction. A model failure while correcting ends the loop with that
// error.
func (l *Loop) Run(ctx context.Context, sql, schemaText string) (validator.Result, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result := l.Validator.ValidateAndRun(ctx, sql)
	for attempt := 1; ; attempt++ {
		if result.OK() {
			if attempt == 1 {
				observability.ObserveCorrection("clean")
			} else {
				observability.ObserveCorrection("corrected")
			}
			return result, nil
		}
		if err := result.Err(); err != nil {
			observability.ObserveCorrection("invalid")
			return result, err
		}
		if attempt > l.MaxAttempts {
			observability.ObserveCorrection("exhausted")
			return result, &ExecutionError{SQL: result.SQL, Message: result.Error, Attempts: l.MaxAttempts}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		logger.InfoContext(ctx, "correcting sql", slog.Int("attempt", attempt), slog.String("error", result.Error))
		corrected, err := l.Corrector.Correct(ctx, Request{
			SQL:     result.SQL,
			Dialect: l.Dialect,
			Schema:  schemaText,
			Errors:  result.Error,
		})
		if err != nil {
			observability.ObserveCorrection("model_error")
			return result, fmt.Errorf("correct sql (attempt %d): %w", attempt, err)
		}
		result = l.Validator.ValidateAndRun(ctx, corrected)
	}
}
