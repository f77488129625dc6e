// Package cache is the two-tier answer cache: question to SQL, and SQL to
// the response it produced.
package cache

import (
	"sync"

	"github.com/duckmesh/sqlagent/internal/observability"
)

const (
	TierQuestion = "question"
	TierQuery    = "query"
)

// Entry is a cached response. Artifacts is always present and currently
// always empty.
type Entry[R any] struct {
	Response  R        `json:"response"`
	Artifacts []string `json:"artifacts"`
}

type Stats struct {
	Questions int `json:"questions"`
	Queries   int `json:"queries"`
}

// Store is safe for concurrent use. Keys are compared verbatim: questions
// and queries are not normalized. Last write wins in both tiers.
type Store[R any] struct {
	mu        sync.RWMutex
	questions map[string]string
	queries   map[string]Entry[R]
}

func New[R any]() *Store[R] {
	return &Store[R]{
		questions: map[string]string{},
		queries:   map[string]Entry[R]{},
	}
}

func (s *Store[R]) LookupQuestion(question string) (string, bool) {
	s.mu.RLock()
	sql, ok := s.questions[question]
	s.mu.RUnlock()
	observability.ObserveCacheLookup(TierQuestion, hitOrMiss(ok))
	return sql, ok
}

func (s *Store[R]) LookupQuery(sql string) (Entry[R], bool) {
	s.mu.RLock()
	entry, ok := s.queries[sql]
	s.mu.RUnlock()
	observability.ObserveCacheLookup(TierQuery, hitOrMiss(ok))
	return entry, ok
}

func (s *Store[R]) StoreQuestion(question, sql string) {
	s.mu.Lock()
	s.questions[question] = sql
	stats := s.statsLocked()
	s.mu.Unlock()
	observability.SetCacheEntries(stats.Questions, stats.Queries)
}

// StoreQuery records a successful response. Callers must not store failures.
func (s *Store[R]) StoreQuery(sql string, response R) {
	s.mu.Lock()
	s.queries[sql] = Entry[R]{Response: response, Artifacts: []string{}}
	stats := s.statsLocked()
	s.mu.Unlock()
	observability.SetCacheEntries(stats.Questions, stats.Queries)
}

func (s *Store[R]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store[R]) statsLocked() Stats {
	return Stats{Questions: len(s.questions), Queries: len(s.queries)}
}

func hitOrMiss(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}
