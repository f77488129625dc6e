// Package nl2sql turns a natural-language question and a rendered schema into
// a candidate SQL query using one of several prompting strategies.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/prompts"
)

var (
	ErrUnknownStrategy = errors.New("unknown generation strategy")
	ErrNoSQLBlock      = errors.New("model output contains no fenced sql block")
	ErrEmptySQL        = errors.New("model returned empty SQL")
)

// Input is everything a strategy needs for one question. Schema is the
// rendered DDL of the dataset.
type Input struct {
	Schema        string
	Question      string
	Documentation string
}

type Strategy interface {
	Name() string
	Generate(ctx context.Context, in Input) (string, error)
}

type Config struct {
	ProjectID   string
	Dialect     string
	MaxNumRows  int
	Temperature float64
	MaxTokens   int

	// Candidates above one samples the strategy that many times and keeps
	// the majority answer.
	Candidates   int
	BatchTimeout time.Duration
}

// Generator holds the collaborators shared by every strategy.
type Generator struct {
	model   llm.Model
	prompts *prompts.Library
	cfg     Config
}

func NewGenerator(model llm.Model, library *prompts.Library, cfg Config) (*Generator, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if library == nil {
		return nil, fmt.Errorf("prompt library is required")
	}
	if cfg.MaxNumRows <= 0 {
		return nil, fmt.Errorf("max rows must be positive")
	}
	if strings.TrimSpace(cfg.Dialect) == "" {
		cfg.Dialect = "GoogleSQL"
	}
	return &Generator{model: model, prompts: library, cfg: cfg}, nil
}

// New resolves a strategy by name. Aliases: baseline for direct, dc for
// divide_and_conquer and qp for query_plan.
func New(name string, g *Generator) (Strategy, error) {
	var strategy Strategy
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", prompts.Direct, "baseline":
		strategy = &direct{g: g}
	case prompts.DivideAndConquer, "dc":
		strategy = &scaffolded{g: g, template: prompts.DivideAndConquer}
	case prompts.QueryPlan, "qp":
		strategy = &scaffolded{g: g, template: prompts.QueryPlan}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	if g.cfg.Candidates > 1 {
		return NewConsensus(strategy, g, g.cfg.Candidates).WithTimeout(g.cfg.BatchTimeout), nil
	}
	return strategy, nil
}

func (g *Generator) request(prompt string) llm.Request {
	return llm.Request{
		Prompt:      prompt,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		Safety:      llm.DefaultSafety(),
	}
}

func (g *Generator) values(in Input, template string) map[string]string {
	values := map[string]string{
		prompts.SQLDialect: g.cfg.Dialect,
		prompts.MaxNumRows: strconv.Itoa(g.cfg.MaxNumRows),
		prompts.Schema:     in.Schema,
		prompts.Question:   in.Question,
	}
	if template != prompts.Direct {
		values[prompts.ProjectID] = g.cfg.ProjectID
		values[prompts.Documentation] = in.Documentation
	}
	return values
}
