package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/duckmesh/sqlagent/internal/observability"
	"github.com/duckmesh/sqlagent/internal/storage"
)

type record struct {
	Tier  string          `json:"tier"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// WriteSnapshot writes every entry as one JSON object per line, question
// tier first, keys in lexical order.
func (s *Store[R]) WriteSnapshot(w io.Writer) error {
	s.mu.RLock()
	questions := make(map[string]string, len(s.questions))
	for k, v := range s.questions {
		questions[k] = v
	}
	queries := make(map[string]Entry[R], len(s.queries))
	for k, v := range s.queries {
		queries[k] = v
	}
	s.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, key := range sortedKeys(questions) {
		if err := writeRecord(enc, TierQuestion, key, questions[key]); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(queries) {
		if err := writeRecord(enc, TierQuery, key, queries[key]); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(enc *json.Encoder, tier, key string, value any) error {
	var buf bytes.Buffer
	valueEnc := json.NewEncoder(&buf)
	valueEnc.SetEscapeHTML(false)
	if err := valueEnc.Encode(value); err != nil {
		return fmt.Errorf("encode %s entry %q: %w", tier, key, err)
	}
	raw := bytes.TrimRight(buf.Bytes(), "\n")
	if err := enc.Encode(record{Tier: tier, Key: key, Value: raw}); err != nil {
		return fmt.Errorf("write %s entry: %w", tier, err)
	}
	return nil
}

// ReadSnapshot merges a snapshot into the store, overwriting existing keys,
// and returns the number of records applied.
func (s *Store[R]) ReadSnapshot(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	questions := map[string]string{}
	queries := map[string]Entry[R]{}
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return 0, fmt.Errorf("snapshot line %d: %w", line, err)
		}
		switch rec.Tier {
		case TierQuestion:
			var sql string
			if err := json.Unmarshal(rec.Value, &sql); err != nil {
				return 0, fmt.Errorf("snapshot line %d: %w", line, err)
			}
			questions[rec.Key] = sql
		case TierQuery:
			var entry Entry[R]
			if err := json.Unmarshal(rec.Value, &entry); err != nil {
				return 0, fmt.Errorf("snapshot line %d: %w", line, err)
			}
			if entry.Artifacts == nil {
				entry.Artifacts = []string{}
			}
			queries[rec.Key] = entry
		default:
			return 0, fmt.Errorf("snapshot line %d: unknown tier %q", line, rec.Tier)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	s.mu.Lock()
	for k, v := range questions {
		s.questions[k] = v
	}
	for k, v := range queries {
		s.queries[k] = v
	}
	stats := s.statsLocked()
	s.mu.Unlock()
	observability.SetCacheEntries(stats.Questions, stats.Queries)
	return len(questions) + len(queries), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Persister saves and restores a Store under one object key.
type Persister[R any] struct {
	store   *Store[R]
	objects storage.ObjectStore
	key     string
	logger  *slog.Logger
}

func NewPersister[R any](store *Store[R], objects storage.ObjectStore, key string, logger *slog.Logger) *Persister[R] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister[R]{store: store, objects: objects, key: key, logger: logger}
}

func (p *Persister[R]) Save(ctx context.Context) (storage.ObjectInfo, error) {
	var buf bytes.Buffer
	if err := p.store.WriteSnapshot(&buf); err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := p.objects.Put(ctx, p.key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put cache snapshot: %w", err)
	}
	p.logger.InfoContext(ctx, "cache snapshot saved", slog.String("key", p.key), slog.Int64("bytes", info.Size))
	return info, nil
}

// Restore loads the snapshot if one exists. A missing snapshot is not an
// error and restores nothing.
func (p *Persister[R]) Restore(ctx context.Context) (int, error) {
	body, err := p.objects.Get(ctx, p.key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		p.logger.InfoContext(ctx, "no cache snapshot to restore", slog.String("key", p.key))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cache snapshot: %w", err)
	}
	defer func() { _ = body.Close() }()

	n, err := p.store.ReadSnapshot(body)
	if err != nil {
		return 0, err
	}
	p.logger.InfoContext(ctx, "cache snapshot restored", slog.String("key", p.key), slog.Int("records", n))
	return n, nil
}
