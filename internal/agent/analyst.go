package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/prompts"
	"github.com/duckmesh/sqlagent/internal/validator"
)

// SkipAnalysis is the question value that asks for the raw result only.
const SkipAnalysis = "N/A"

// Analyst summarizes query results in natural language.
type Analyst struct {
	model       llm.Model
	prompts     *prompts.Library
	temperature float64
	maxTokens   int
}

func NewAnalyst(model llm.Model, library *prompts.Library, temperature float64, maxTokens int) *Analyst {
	return &Analyst{model: model, prompts: library, temperature: temperature, maxTokens: maxTokens}
}

func (a *Analyst) Analyze(ctx context.Context, question string, rows []validator.Row) (string, error) {
	if strings.TrimSpace(question) == SkipAnalysis {
		return "", nil
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows for analysis: %w", err)
	}
	prompt, err := a.prompts.Render(prompts.Analysis, map[string]string{
		prompts.Question: question,
		prompts.Data:     string(data),
	})
	if err != nil {
		return "", err
	}
	summary, err := a.model.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		Safety:      llm.DefaultSafety(),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
