// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/duckmesh/sqlagent/internal/llm"
)

// Reply is one scripted answer.
type Reply struct {
	Text string
	Err  error
}

// Model answers from Respond when set, otherwise from Replies in order,
// repeating the last reply once the script runs out.
type Model struct {
	Respond func(ctx context.Context, req llm.Request) (string, error)
	Replies []Reply

	mu       sync.Mutex
	requests []llm.Request
}

func (m *Model) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	index := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Respond != nil {
		return m.Respond(ctx, req)
	}
	if len(m.Replies) == 0 {
		return "", llm.ErrEmptyCompletion
	}
	if index >= len(m.Replies) {
		index = len(m.Replies) - 1
	}
	return m.Replies[index].Text, m.Replies[index].Err
}

func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *Model) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// Text is shorthand for a script of successful replies.
func Text(texts ...string) []Reply {
	replies := make([]Reply, len(texts))
	for i, text := range texts {
		replies[i] = Reply{Text: text}
	}
	return replies
}
