package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/duckmesh/sqlagent/internal/cache"
	"github.com/duckmesh/sqlagent/internal/correction"
	"github.com/duckmesh/sqlagent/internal/nl2sql"
	"github.com/duckmesh/sqlagent/internal/observability"
	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/validator"
)

type Options struct {
	DatasetID     string
	Cache         *cache.Store[Response]
	Schemas       schema.Provider
	Strategy      nl2sql.Strategy
	Validator     correction.Validator
	Corrector     correction.SQLCorrector
	Dialect       string
	MaxAttempts   int
	Documentation string
	// ResolveTimeout bounds a shared generation once it no longer follows
	// the context of the caller that started it. Zero means
	// DefaultResolveTimeout.
	ResolveTimeout time.Duration
	// Analyst is optional. When nil no summary is produced.
	Analyst *Analyst
	Logger  *slog.Logger
}

const DefaultResolveTimeout = 5 * time.Minute

// Dispatcher answers questions for one dataset. Concurrent misses for the
// same question share a single generation.
type Dispatcher struct {
	datasetID      string
	cache          *cache.Store[Response]
	schemas        schema.Provider
	strategy       nl2sql.Strategy
	validator      correction.Validator
	loop           *correction.Loop
	documentation  string
	resolveTimeout time.Duration
	analyst        *Analyst
	logger         *slog.Logger
	inflight       singleflight.Group
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Schemas == nil {
		return nil, fmt.Errorf("schema provider is required")
	}
	if opts.Strategy == nil {
		return nil, fmt.Errorf("generation strategy is required")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if opts.Corrector == nil {
		return nil, fmt.Errorf("corrector is required")
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max correction attempts must be >= 0")
	}
	if opts.ResolveTimeout < 0 {
		return nil, fmt.Errorf("resolve timeout must be >= 0")
	}
	resolveTimeout := opts.ResolveTimeout
	if resolveTimeout == 0 {
		resolveTimeout = DefaultResolveTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		datasetID: opts.DatasetID,
		cache:     opts.Cache,
		schemas:   opts.Schemas,
		strategy:  opts.Strategy,
		validator: opts.Validator,
		loop: &correction.Loop{
			Validator:   opts.Validator,
			Corrector:   opts.Corrector,
			Dialect:     opts.Dialect,
			MaxAttempts: opts.MaxAttempts,
			Logger:      logger,
		},
		documentation:  opts.Documentation,
		resolveTimeout: resolveTimeout,
		analyst:        opts.Analyst,
		logger:         logger,
	}, nil
}

func (d *Dispatcher) DatasetID() string {
	return d.datasetID
}

func (d *Dispatcher) Cache() *cache.Store[Response] {
	return d.cache
}

func (d *Dispatcher) CacheStats() cache.Stats {
	return d.cache.Stats()
}

// Resolve answers req from the cache when both tiers agree, and otherwise
// generates, validates and corrects a query. Only successful responses are
// written to the query tier. Every failure is reported in the Response.
func (d *Dispatcher) Resolve(ctx context.Context, req Request) Result {
	started := time.Now()
	session, err := NewSession(d.datasetID, req)
	if err != nil {
		observability.ObserveResolve("rejected", time.Since(started))
		return Result{Response: failure(err)}
	}
	logger := d.logger.With(slog.String("request_id", session.RequestID), slog.String("dataset_id", session.DatasetID))

	if response, ok := d.lookup(ctx, logger, session.Question); ok {
		observability.ObserveResolve("hit", time.Since(started))
		return Result{RequestID: session.RequestID, Response: response, CacheHit: true}
	}

	// The shared generation is detached from the caller that started it. A
	// caller that goes away only stops waiting.
	results := d.inflight.DoChan(session.Question, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.resolveTimeout)
		defer cancel()
		return d.resolveMiss(shared, logger, session), nil
	})
	var response Response
	select {
	case <-ctx.Done():
		logger.DebugContext(ctx, "caller left before resolution finished", slog.Any("error", ctx.Err()))
		response = failure(ctx.Err())
	case res := <-results:
		response = res.Val.(Response).Clone()
		if res.Shared {
			logger.DebugContext(ctx, "joined in-flight resolution")
		}
	}

	outcome := "miss"
	if response.Failed() {
		outcome = string(response.Error.Kind)
	}
	observability.ObserveResolve(outcome, time.Since(started))
	return Result{RequestID: session.RequestID, Response: response}
}

// lookup reports a hit only when the question maps to a query that has a
// cached response. A question whose query is missing is treated as a miss.
func (d *Dispatcher) lookup(ctx context.Context, logger *slog.Logger, question string) (Response, bool) {
	sql, ok := d.cache.LookupQuestion(question)
	if !ok {
		return Response{}, false
	}
	entry, ok := d.cache.LookupQuery(sql)
	if !ok {
		observability.ObserveCacheLookup(cache.TierQuestion, "inconsistent")
		logger.DebugContext(ctx, "question cached without response", slog.String("sql", sql))
		return Response{}, false
	}
	return entry.Response.Clone(), true
}

func (d *Dispatcher) resolveMiss(ctx context.Context, logger *slog.Logger, session *Session) Response {
	if err := d.generate(ctx, session); err != nil {
		logger.WarnContext(ctx, "sql generation failed", slog.Any("error", err))
		return failure(err)
	}
	d.cache.StoreQuestion(session.Question, session.Candidate)

	result, err := d.loop.Run(ctx, session.Candidate, session.DDL)
	session.Result = result
	if err != nil {
		logger.WarnContext(ctx, "sql validation failed", slog.Any("error", err))
		return failure(err)
	}

	response := Response{
		SQL:     result.SQL,
		Status:  result.Status,
		Rows:    result.Rows,
		Message: result.Message,
	}
	if d.analyst != nil && result.Status == validator.StatusRows {
		summary, err := d.analyst.Analyze(ctx, session.Question, result.Rows)
		if err != nil {
			logger.WarnContext(ctx, "result analysis failed", slog.Any("error", err))
		}
		response.Summary = summary
	}

	d.cache.StoreQuestion(session.Question, result.SQL)
	d.cache.StoreQuery(result.SQL, response.Clone())
	logger.InfoContext(ctx, "question resolved", slog.String("status", string(result.Status)), slog.Int("rows", len(result.Rows)))
	return response
}

func (d *Dispatcher) generate(ctx context.Context, session *Session) error {
	descriptor, err := d.schemas.FetchSchema(ctx, session.DatasetID)
	if err != nil {
		return schema.Fail(session.DatasetID, err)
	}
	session.Schema = descriptor
	session.DDL = schema.RenderDDL(descriptor)

	candidate, err := d.strategy.Generate(ctx, nl2sql.Input{
		Schema:        session.DDL,
		Question:      session.Question,
		Documentation: d.documentation,
	})
	if err != nil {
		return fmt.Errorf("generate sql with %s: %w", d.strategy.Name(), err)
	}
	session.Candidate = candidate
	return nil
}

// Generate runs schema lookup and the strategy only. Nothing is cached.
func (d *Dispatcher) Generate(ctx context.Context, req Request) (*Session, error) {
	session, err := NewSession(d.datasetID, req)
	if err != nil {
		return nil, err
	}
	if err := d.generate(ctx, session); err != nil {
		return session, err
	}
	return session, nil
}

// Run validates and executes sql once, without correction or caching.
func (d *Dispatcher) Run(ctx context.Context, sql string) (validator.Result, error) {
	if strings.TrimSpace(sql) == "" {
		return validator.Result{}, ErrMissingSQL
	}
	result := d.validator.ValidateAndRun(ctx, sql)
	return result, result.Err()
}

// Schema returns the descriptor of the served dataset and its DDL.
func (d *Dispatcher) Schema(ctx context.Context) (schema.Descriptor, string, error) {
	descriptor, err := d.schemas.FetchSchema(ctx, d.datasetID)
	if err != nil {
		return schema.Descriptor{}, "", schema.Fail(d.datasetID, err)
	}
	return descriptor, schema.RenderDDL(descriptor), nil
}

// RefreshSchema regenerates the served dataset's descriptor and returns it.
// Cached answers are kept.
func (d *Dispatcher) RefreshSchema(ctx context.Context) (schema.Descriptor, string, error) {
	refresher, ok := d.schemas.(schema.Refresher)
	if !ok {
		return schema.Descriptor{}, "", ErrRefreshUnsupported
	}
	if err := refresher.Refresh(ctx, d.datasetID); err != nil {
		return schema.Descriptor{}, "", schema.Fail(d.datasetID, err)
	}
	d.logger.InfoContext(ctx, "schema refreshed", slog.String("dataset_id", d.datasetID))
	return d.Schema(ctx)
}
