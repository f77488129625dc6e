package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duckmesh/sqlagent/internal/llm"
)

// DefaultBatchTimeout bounds a consensus round when the generator has none.
const DefaultBatchTimeout = 60 * time.Second

// Consensus samples a strategy n times concurrently and returns the most
// frequent answer. Answers are compared after whitespace and case
// normalization; ties go to the earliest slot. Slots that time out or fail
// do not vote.
type Consensus struct {
	inner   promptStrategy
	g       *Generator
	n       int
	timeout time.Duration
}

func NewConsensus(inner Strategy, g *Generator, n int) *Consensus {
	ps, ok := inner.(promptStrategy)
	if !ok {
		panic(fmt.Sprintf("nl2sql: strategy %s cannot be sampled", inner.Name()))
	}
	if n < 1 {
		n = 1
	}
	return &Consensus{inner: ps, g: g, n: n, timeout: DefaultBatchTimeout}
}

// WithTimeout returns a copy bounded by timeout per round.
func (c *Consensus) WithTimeout(timeout time.Duration) *Consensus {
	clone := *c
	if timeout > 0 {
		clone.timeout = timeout
	}
	return &clone
}

func (c *Consensus) Name() string { return c.inner.Name() }

func (c *Consensus) Generate(ctx context.Context, in Input) (string, error) {
	prompt, err := c.inner.prompt(in)
	if err != nil {
		return "", err
	}
	reqs := make([]llm.Request, c.n)
	for i := range reqs {
		reqs[i] = c.g.request(prompt)
	}
	completions := llm.CompleteBatch(ctx, c.g.model, reqs, c.timeout)

	candidates := make([]string, len(completions))
	var errs []error
	for i, completion := range completions {
		if !completion.OK() {
			errs = append(errs, fmt.Errorf("candidate %d: %w", i, completion.Err))
			continue
		}
		sql, err := c.inner.parse(completion.Text)
		if err != nil {
			errs = append(errs, fmt.Errorf("candidate %d: %w", i, err))
			continue
		}
		candidates[i] = sql
	}
	best, ok := majority(candidates)
	if !ok {
		return "", fmt.Errorf("no usable candidates: %w", errors.Join(errs...))
	}
	return best, nil
}

// majority returns the most frequent non-empty candidate by slot order,
// keeping the earliest slot's spelling.
func majority(candidates []string) (string, bool) {
	type tally struct {
		sql   string
		votes int
	}
	var (
		tallies []*tally
		byKey   = map[string]*tally{}
	)
	for _, sql := range candidates {
		if sql == "" {
			continue
		}
		key := normalize(sql)
		t, ok := byKey[key]
		if !ok {
			t = &tally{sql: sql}
			byKey[key] = t
			tallies = append(tallies, t)
		}
		t.votes++
	}
	if len(tallies) == 0 {
		return "", false
	}
	best := tallies[0]
	for _, t := range tallies[1:] {
		if t.votes > best.votes {
			best = t
		}
	}
	return best.sql, true
}

func normalize(sql string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimRight(strings.TrimSpace(sql), ";")), " "))
}
