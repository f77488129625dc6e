package nl2sql

import (
	"context"
	"errors"
	"strings"

	"github.com/duckmesh/sqlagent/internal/prompts"
)

// promptStrategy is a strategy that renders a single prompt and parses a
// single completion. Consensus relies on the split.
type promptStrategy interface {
	Strategy
	prompt(in Input) (string, error)
	parse(output string) (string, error)
}

type direct struct {
	g *Generator
}

func (s *direct) Name() string { return prompts.Direct }

func (s *direct) prompt(in Input) (string, error) {
	return s.g.prompts.Render(prompts.Direct, s.g.values(in, prompts.Direct))
}

// parse prefers a sql block wherever it sits in the reply. A reply without
// one is taken as the query, minus any plain fence.
func (s *direct) parse(output string) (string, error) {
	sql, err := ExtractSQL(output)
	if !errors.Is(err, ErrNoSQLBlock) {
		return sql, err
	}
	sql = StripFences(output)
	if sql == "" {
		return "", ErrEmptySQL
	}
	return sql, nil
}

func (s *direct) Generate(ctx context.Context, in Input) (string, error) {
	return generate(ctx, s.g, s, in)
}

// scaffolded covers the reasoning strategies whose completion carries the
// final query in a fenced sql block after the model's working.
type scaffolded struct {
	g        *Generator
	template string
}

func (s *scaffolded) Name() string { return s.template }

func (s *scaffolded) prompt(in Input) (string, error) {
	return s.g.prompts.Render(s.template, s.g.values(in, s.template))
}

func (s *scaffolded) parse(output string) (string, error) {
	return ExtractSQL(output)
}

func (s *scaffolded) Generate(ctx context.Context, in Input) (string, error) {
	return generate(ctx, s.g, s, in)
}

func generate(ctx context.Context, g *Generator, s promptStrategy, in Input) (string, error) {
	prompt, err := s.prompt(in)
	if err != nil {
		return "", err
	}
	output, err := g.model.Complete(ctx, g.request(prompt))
	if err != nil {
		return "", err
	}
	return s.parse(output)
}

// StripFences removes a leading Markdown code fence, with or without a
// language tag, and anything after its closing fence.
func StripFences(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		if tag := strings.TrimSpace(trimmed[:newline]); tag == "" || isLanguageTag(tag) {
			trimmed = trimmed[newline+1:]
		}
	} else {
		trimmed = strings.TrimPrefix(trimmed, "sql")
	}
	if end := strings.Index(trimmed, "```"); end >= 0 {
		trimmed = trimmed[:end]
	}
	return strings.TrimSpace(trimmed)
}

func isLanguageTag(value string) bool {
	for _, r := range value {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// ExtractSQL returns the body of the last ```sql block in output. Reasoning
// strategies may quote intermediate fragments in earlier blocks; only the
// last one is the final query.
func ExtractSQL(output string) (string, error) {
	const open = "```sql"
	start := lastIndexFold(output, open)
	if start < 0 {
		return "", ErrNoSQLBlock
	}
	body := output[start+len(open):]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	sql := strings.TrimSpace(body)
	if sql == "" {
		return "", ErrEmptySQL
	}
	return sql, nil
}

func lastIndexFold(s, substr string) int {
	return strings.LastIndex(strings.ToLower(s), strings.ToLower(substr))
}
