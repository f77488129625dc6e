package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/duckmesh/sqlagent/internal/cache"
	"github.com/duckmesh/sqlagent/internal/correction"
	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/llm/llmtest"
	"github.com/duckmesh/sqlagent/internal/nl2sql"
	"github.com/duckmesh/sqlagent/internal/prompts"
	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/validator"
	"github.com/duckmesh/sqlagent/internal/warehouse"
)

const dataset = "sales"

type fakeSchemas struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSchemas) FetchSchema(_ context.Context, datasetID string) (schema.Descriptor, error) {
	f.calls.Add(1)
	if f.err != nil {
		return schema.Descriptor{}, f.err
	}
	return schema.Descriptor{
		DatasetID:       datasetID,
		IdentifierQuote: schema.QuoteDouble,
		Tables: []schema.Table{{
			Name:    "warehouse.sales.orders",
			Columns: []schema.Column{{Name: "id", Type: "BIGINT"}, {Name: "ordered_at", Type: "DATE"}},
		}},
	}, nil
}

type fakeStrategy struct {
	calls  atomic.Int32
	sql    string
	err    error
	inputs chan nl2sql.Input
	block  chan struct{}
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Generate(ctx context.Context, in nl2sql.Input) (string, error) {
	f.calls.Add(1)
	if f.inputs != nil {
		f.inputs <- in
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.sql, f.err
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	rows  warehouse.Rows
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, sql string) (warehouse.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	return f.rows, f.err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCorrector struct {
	calls atomic.Int32
	sql   string
}

func (f *fakeCorrector) Correct(_ context.Context, req correction.Request) (string, error) {
	f.calls.Add(1)
	if f.sql == "" {
		return req.SQL, nil
	}
	return f.sql, nil
}

type fixture struct {
	schemas   *fakeSchemas
	strategy  *fakeStrategy
	executor  *fakeExecutor
	corrector *fakeCorrector
	store     *cache.Store[Response]
}

func oneRow() warehouse.Rows {
	return warehouse.Rows{
		Columns: []warehouse.Column{{Name: "orders"}, {Name: "day"}},
		Values:  [][]any{{int64(42), time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}},
	}
}

func newFixture() *fixture {
	return &fixture{
		schemas:   &fakeSchemas{},
		strategy:  &fakeStrategy{sql: "SELECT COUNT(*) AS orders, ordered_at AS day FROM \"warehouse\".\"sales\".\"orders\" GROUP BY day"},
		executor:  &fakeExecutor{rows: oneRow()},
		corrector: &fakeCorrector{},
		store:     cache.New[Response](),
	}
}

func (f *fixture) dispatcher(t *testing.T, analyst *Analyst) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Options{
		DatasetID:     dataset,
		Cache:         f.store,
		Schemas:       f.schemas,
		Strategy:      f.strategy,
		Validator:     validator.New(f.executor, nil),
		Corrector:     f.corrector,
		Dialect:       "DuckDB",
		MaxAttempts:   correction.DefaultMaxAttempts,
		Documentation: "orders are immutable",
		Analyst:       analyst,
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

func TestResolveCachesSuccessfulAnswers(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(t, nil)
	req := Request{Question: "How many orders per day?"}

	first := d.Resolve(context.Background(), req)
	if first.Response.Failed() {
		t.Fatalf("first Resolve() failed: %+v", first.Response.Error)
	}
	if first.CacheHit {
		t.Fatal("first Resolve() reported a cache hit")
	}
	if first.RequestID == "" {
		t.Fatal("RequestID not set")
	}
	wantSQL := f.strategy.sql + " LIMIT 80"
	if first.Response.SQL != wantSQL {
		t.Fatalf("SQL = %q, want %q", first.Response.SQL, wantSQL)
	}
	if got, _ := first.Response.Rows[0].Get("day"); got != "2024-03-05" {
		t.Fatalf("day = %v", got)
	}

	second := d.Resolve(context.Background(), req)
	if !second.CacheHit {
		t.Fatal("second Resolve() missed the cache")
	}
	if diff := cmp.Diff(first.Response, second.Response); diff != "" {
		t.Fatalf("cached response differs (-first +second):\n%s", diff)
	}
	if f.strategy.calls.Load() != 1 || f.schemas.calls.Load() != 1 || f.executor.count() != 1 {
		t.Fatalf("calls after hit: strategy=%d schema=%d executor=%d", f.strategy.calls.Load(), f.schemas.calls.Load(), f.executor.count())
	}

	sql, ok := f.store.LookupQuestion(req.Question)
	if !ok || sql != wantSQL {
		t.Fatalf("question tier = %q, %v", sql, ok)
	}
}

func TestResolvePassesSchemaAndDocumentation(t *testing.T) {
	f := newFixture()
	f.strategy.inputs = make(chan nl2sql.Input, 1)
	d := f.dispatcher(t, nil)
	d.Resolve(context.Background(), Request{Question: "q", DatasetID: dataset})

	in := <-f.strategy.inputs
	if in.Question != "q" || in.Documentation != "orders are immutable" {
		t.Fatalf("input = %+v", in)
	}
	if !strings.Contains(in.Schema, `CREATE OR REPLACE TABLE "warehouse"."sales"."orders"`) {
		t.Fatalf("schema = %q", in.Schema)
	}
}

func TestResolveTreatsDanglingQuestionAsMiss(t *testing.T) {
	f := newFixture()
	f.store.StoreQuestion("q", "SELECT stale")
	d := f.dispatcher(t, nil)

	result := d.Resolve(context.Background(), Request{Question: "q"})
	if result.CacheHit || result.Response.Failed() {
		t.Fatalf("result = %+v", result)
	}
	if f.strategy.calls.Load() != 1 {
		t.Fatalf("strategy calls = %d, want 1", f.strategy.calls.Load())
	}
	sql, _ := f.store.LookupQuestion("q")
	if sql != f.strategy.sql+" LIMIT 80" {
		t.Fatalf("question tier not refreshed: %q", sql)
	}
}

func TestResolveDoesNotCacheExecutionFailures(t *testing.T) {
	f := newFixture()
	f.executor.err = errors.New("Unrecognized name: ordered_at")
	d := f.dispatcher(t, nil)

	result := d.Resolve(context.Background(), Request{Question: "q"})
	if !result.Response.Failed() || result.Response.Error.Kind != KindExecution {
		t.Fatalf("response = %+v", result.Response)
	}
	if result.Response.SQL != "" || result.Response.Rows != nil {
		t.Fatal("failed response carries a payload")
	}
	if f.executor.count() != correction.DefaultMaxAttempts+1 || f.corrector.calls.Load() != correction.DefaultMaxAttempts {
		t.Fatalf("executor=%d corrector=%d", f.executor.count(), f.corrector.calls.Load())
	}
	if got := f.store.Stats(); got.Queries != 0 {
		t.Fatalf("query tier has %d entries after failure", got.Queries)
	}
	sql, ok := f.store.LookupQuestion("q")
	if !ok || sql != f.strategy.sql {
		t.Fatalf("question tier = %q, %v; want the raw candidate", sql, ok)
	}

	f.executor.err = nil
	again := d.Resolve(context.Background(), Request{Question: "q"})
	if again.CacheHit || again.Response.Failed() {
		t.Fatalf("retry = %+v", again)
	}
	if f.strategy.calls.Load() != 2 {
		t.Fatalf("strategy calls = %d, want regeneration", f.strategy.calls.Load())
	}
}

func TestResolveReportsInvalidSQLWithoutExecuting(t *testing.T) {
	f := newFixture()
	f.strategy.sql = `DELETE FROM "warehouse"."sales"."orders"`
	d := f.dispatcher(t, nil)

	result := d.Resolve(context.Background(), Request{Question: "remove everything"})
	if !result.Response.Failed() || result.Response.Error.Kind != KindInvalidSQL {
		t.Fatalf("response = %+v", result.Response)
	}
	if result.Response.Error.Message != validator.DisallowedMessage {
		t.Fatalf("message = %q", result.Response.Error.Message)
	}
	if f.executor.count() != 0 || f.corrector.calls.Load() != 0 {
		t.Fatalf("executor=%d corrector=%d", f.executor.count(), f.corrector.calls.Load())
	}
	if f.store.Stats().Queries != 0 {
		t.Fatal("invalid SQL reached the query tier")
	}
}

func TestResolveSchemaFailure(t *testing.T) {
	f := newFixture()
	f.schemas.err = schema.ErrPermissionDenied
	d := f.dispatcher(t, nil)

	result := d.Resolve(context.Background(), Request{Question: "q"})
	if !result.Response.Failed() || result.Response.Error.Kind != KindSchemaFetch {
		t.Fatalf("response = %+v", result.Response)
	}
	if f.strategy.calls.Load() != 0 {
		t.Fatal("strategy ran without a schema")
	}
	if f.store.Stats() != (cache.Stats{}) {
		t.Fatalf("cache written after schema failure: %+v", f.store.Stats())
	}
}

func TestResolveModelFailure(t *testing.T) {
	f := newFixture()
	f.strategy.err = &llm.ModelCallError{Provider: "test", Err: errors.New("503")}
	d := f.dispatcher(t, nil)

	result := d.Resolve(context.Background(), Request{Question: "q"})
	if !result.Response.Failed() || result.Response.Error.Kind != KindModelCall {
		t.Fatalf("response = %+v", result.Response)
	}
	if _, ok := f.store.LookupQuestion("q"); ok {
		t.Fatal("question cached without a candidate")
	}
}

func TestResolveRejectsBadRequests(t *testing.T) {
	d := newFixture().dispatcher(t, nil)
	for _, req := range []Request{{Question: "  "}, {Question: "q", DatasetID: "other"}} {
		result := d.Resolve(context.Background(), req)
		if !result.Response.Failed() || result.Response.Error.Kind != KindBadRequest {
			t.Fatalf("Resolve(%+v) = %+v", req, result.Response)
		}
	}
}

func TestResolveCollapsesConcurrentMisses(t *testing.T) {
	f := newFixture()
	f.strategy.block = make(chan struct{})
	d := f.dispatcher(t, nil)

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Resolve(context.Background(), Request{Question: "same question"})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.strategy.block)
	wg.Wait()

	if f.strategy.calls.Load() != 1 {
		t.Fatalf("strategy calls = %d, want 1", f.strategy.calls.Load())
	}
	for i, result := range results {
		if result.Response.Failed() {
			t.Fatalf("result %d failed: %+v", i, result.Response.Error)
		}
	}
}

func TestResolveOutlivesCancelledFirstCaller(t *testing.T) {
	f := newFixture()
	f.strategy.block = make(chan struct{})
	f.strategy.inputs = make(chan nl2sql.Input, 1)
	d := f.dispatcher(t, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- d.Resolve(firstCtx, Request{Question: "shared"}) }()
	<-f.strategy.inputs

	second := make(chan Result, 1)
	go func() { second <- d.Resolve(context.Background(), Request{Question: "shared"}) }()
	time.Sleep(30 * time.Millisecond)
	cancelFirst()

	got := <-first
	if !got.Response.Failed() || got.Response.Error.Kind != KindCanceled {
		t.Fatalf("first caller = %+v, want canceled", got.Response)
	}
	close(f.strategy.block)

	got = <-second
	if got.Response.Failed() {
		t.Fatalf("second caller failed: %+v", got.Response.Error)
	}
	if got.Response.Status != validator.StatusRows {
		t.Fatalf("second caller status = %q", got.Response.Status)
	}
	if f.strategy.calls.Load() != 1 {
		t.Fatalf("strategy calls = %d, want 1", f.strategy.calls.Load())
	}
	if _, ok := f.store.LookupQuestion("shared"); !ok {
		t.Fatal("shared answer was not cached")
	}
}

func TestResolveHitsDoNotShareRowsWithCache(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(t, nil)

	first := d.Resolve(context.Background(), Request{Question: "q"})
	if first.Response.Failed() || len(first.Response.Rows) != 1 {
		t.Fatalf("first = %+v", first.Response)
	}
	want := first.Response.Rows[0][0].Value
	first.Response.Rows[0][0].Value = "changed"

	hit := d.Resolve(context.Background(), Request{Question: "q"})
	if !hit.CacheHit {
		t.Fatal("second call missed the cache")
	}
	if diff := cmp.Diff(want, hit.Response.Rows[0][0].Value); diff != "" {
		t.Fatalf("cached value changed by first caller (-want +got):\n%s", diff)
	}
	hit.Response.Rows[0][0].Value = "changed again"

	again := d.Resolve(context.Background(), Request{Question: "q"})
	if diff := cmp.Diff(want, again.Response.Rows[0][0].Value); diff != "" {
		t.Fatalf("cached value changed by hit caller (-want +got):\n%s", diff)
	}
}

func TestResolveAddsAnalysisSummary(t *testing.T) {
	lib, err := prompts.Load()
	if err != nil {
		t.Fatalf("prompts.Load() error = %v", err)
	}
	model := &llmtest.Model{Replies: llmtest.Text("  42 orders on 2024-03-05.  ")}
	f := newFixture()
	d := f.dispatcher(t, NewAnalyst(model, lib, 0.1, 512))

	result := d.Resolve(context.Background(), Request{Question: "How many orders?"})
	if result.Response.Summary != "42 orders on 2024-03-05." {
		t.Fatalf("Summary = %q", result.Response.Summary)
	}
	prompt := model.Requests()[0].Prompt
	if !strings.Contains(prompt, `{"orders":42,"day":"2024-03-05"}`) {
		t.Fatalf("analysis prompt missing rows:\n%s", prompt)
	}
}

func TestResolveAnalysisFailureKeepsAnswer(t *testing.T) {
	lib, err := prompts.Load()
	if err != nil {
		t.Fatalf("prompts.Load() error = %v", err)
	}
	model := &llmtest.Model{Replies: []llmtest.Reply{{Err: errors.New("quota")}}}
	f := newFixture()
	d := f.dispatcher(t, NewAnalyst(model, lib, 0.1, 512))

	result := d.Resolve(context.Background(), Request{Question: "q"})
	if result.Response.Failed() || result.Response.Summary != "" || len(result.Response.Rows) != 1 {
		t.Fatalf("response = %+v", result.Response)
	}
	if f.store.Stats().Queries != 1 {
		t.Fatal("successful answer not cached after analysis failure")
	}
}

func TestAnalystSkipsNotApplicable(t *testing.T) {
	lib, err := prompts.Load()
	if err != nil {
		t.Fatalf("prompts.Load() error = %v", err)
	}
	model := &llmtest.Model{Replies: llmtest.Text("unused")}
	summary, err := NewAnalyst(model, lib, 0, 0).Analyze(context.Background(), SkipAnalysis, nil)
	if err != nil || summary != "" || model.Calls() != 0 {
		t.Fatalf("Analyze(N/A) = %q, %v, calls=%d", summary, err, model.Calls())
	}
}

func TestGenerateAndRunBypassCache(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(t, nil)

	session, err := d.Generate(context.Background(), Request{Question: "q"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if session.Candidate != f.strategy.sql || session.DDL == "" {
		t.Fatalf("session = %+v", session)
	}
	if f.store.Stats() != (cache.Stats{}) {
		t.Fatal("Generate() wrote to the cache")
	}

	result, err := d.Run(context.Background(), "SELECT 1")
	if err != nil || result.Status != validator.StatusRows {
		t.Fatalf("Run() = %+v, %v", result, err)
	}
	if _, err := d.Run(context.Background(), "DROP TABLE t"); Classify(err) != KindInvalidSQL {
		t.Fatalf("Run(DROP) error = %v", err)
	}
	if _, err := d.Run(context.Background(), " "); !errors.Is(err, ErrMissingSQL) {
		t.Fatalf("Run(blank) error = %v", err)
	}
}

func TestRefreshSchema(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(t, nil)
	if _, _, err := d.RefreshSchema(context.Background()); !errors.Is(err, ErrRefreshUnsupported) {
		t.Fatalf("RefreshSchema() error = %v, want ErrRefreshUnsupported", err)
	}

	cached, err := NewDispatcher(Options{
		DatasetID: dataset,
		Cache:     f.store,
		Schemas:   schema.NewCachingProvider(f.schemas, time.Hour),
		Strategy:  f.strategy,
		Validator: validator.New(f.executor, nil),
		Corrector: f.corrector,
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if _, _, err := cached.Schema(context.Background()); err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	descriptor, ddl, err := cached.RefreshSchema(context.Background())
	if err != nil {
		t.Fatalf("RefreshSchema() error = %v", err)
	}
	if descriptor.DatasetID != dataset || !strings.Contains(ddl, `"warehouse"."sales"."orders"`) {
		t.Fatalf("RefreshSchema() = %+v, %q", descriptor, ddl)
	}
	if got := f.schemas.calls.Load(); got != 2 {
		t.Fatalf("schema fetches = %d, want 2", got)
	}
}

func TestClassify(t *testing.T) {
	tests := map[ErrorKind]error{
		KindBadRequest:  ErrMissingQuestion,
		KindSchemaFetch: &schema.FetchError{DatasetID: "d", Err: schema.ErrDatasetNotFound},
		KindInvalidSQL:  fmt.Errorf("wrapped: %w", &validator.InvalidSQLError{}),
		KindExecution:   &correction.ExecutionError{Message: "boom"},
		KindModelCall:   fmt.Errorf("generate: %w", nl2sql.ErrNoSQLBlock),
		KindCanceled:    context.DeadlineExceeded,
		KindInternal:    errors.New("other"),
	}
	for want, err := range tests {
		if got := Classify(err); got != want {
			t.Fatalf("Classify(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestNewSession(t *testing.T) {
	session, err := NewSession(dataset, Request{Question: " How many? "})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if session.Question != " How many? " || session.DatasetID != dataset || session.RequestID == "" {
		t.Fatalf("session = %+v", session)
	}
	if _, err := NewSession("", Request{Question: "q"}); !errors.Is(err, ErrMissingDataset) {
		t.Fatalf("NewSession() error = %v", err)
	}
}
