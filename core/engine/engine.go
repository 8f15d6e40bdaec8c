package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/observability"
	sharedctx "github.com/querybridge/querybridge/core/shared/context"
	"github.com/querybridge/querybridge/core/shared/errors"
)

const defaultExecTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/querybridge/querybridge/core/engine")

// ExecuteRequest is one execution ask
type ExecuteRequest struct {
	QueryID      string         `json:"queryId" validate:"required"`
	Parameters   map[string]any `json:"parameters"`
	CredentialID string         `json:"credentialId,omitempty"`
	NoCache      bool           `json:"noCache,omitempty"`
}

// ErrorInfo is the externally visible error payload of a failed execution
type ErrorInfo struct {
	Code              string       `json:"code"`
	Message           string       `json:"message"`
	Details           []FieldError `json:"details,omitempty"`
	RetryAfterSeconds int          `json:"retryAfterSeconds,omitempty"`
}

// ResultMetadata describes how an execution was served
type ResultMetadata struct {
	ExecutionTimeMs int64                 `json:"executionTimeMs"`
	RowCount        int                   `json:"rowCount"`
	Cached          bool                  `json:"cached"`
	DataSource      definition.DataSource `json:"dataSource,omitempty"`
}

// ExecutionResult is the uniform outcome of a single execution. Exactly one
// of Data and Error is meaningful, keyed by Success.
type ExecutionResult struct {
	QueryID  string         `json:"queryId"`
	Success  bool           `json:"success"`
	Data     []Row          `json:"data,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// Config assembles an Engine. Registry and Manager are required; nil
// optional fields fall back to in-process defaults.
type Config struct {
	Registry    *definition.Registry
	Manager     *backends.Manager
	Credentials backends.CredentialResolver
	CacheStore  CacheStore
	HistorySink HistorySink
	Limiter     RateLimiter

	BatchConcurrency int
	DefaultTimeout   time.Duration
}

// Engine executes query definitions against their backends through a
// uniform pipeline: resolve, bind, cache, dispatch, map, record.
type Engine struct {
	registry    *definition.Registry
	manager     *backends.Manager
	credentials backends.CredentialResolver
	binder      *Binder
	cache       *ResultCache
	recorder    *Recorder
	limiter     RateLimiter
	schemas     *schemaDiscovery
	health      *healthChecker
	batch       *batchCoordinator

	defaultTimeout time.Duration
	log            *logging.Logger
}

// New assembles an engine from its parts
func New(cfg Config) *Engine {
	e := &Engine{
		registry:       cfg.Registry,
		manager:        cfg.Manager,
		credentials:    cfg.Credentials,
		binder:         NewBinder(),
		cache:          NewResultCache(cfg.CacheStore),
		recorder:       NewRecorder(cfg.HistorySink),
		limiter:        cfg.Limiter,
		defaultTimeout: cfg.DefaultTimeout,
		log:            logging.New("engine"),
	}
	if e.credentials == nil {
		e.credentials = backends.StaticCredentials{}
	}
	if e.limiter == nil {
		e.limiter = NewLocalRateLimiter()
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = defaultExecTimeout
	}
	e.schemas = newSchemaDiscovery(cfg.Manager)
	e.health = &healthChecker{manager: cfg.Manager, cache: e.cache, definitions: cfg.Registry}
	e.batch = newBatchCoordinator(cfg.BatchConcurrency, func(ctx context.Context, req BatchRequest) *ExecutionResult {
		return e.Execute(ctx, ExecuteRequest{QueryID: req.QueryID, Parameters: req.Parameters})
	})
	return e
}

// Execute runs one definition end to end. Failures are returned inside the
// result, never as a Go error: the caller always gets a settled outcome.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) *ExecutionResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(attribute.String(observability.AttrQueryID, req.QueryID)))
	defer span.End()

	if id := sharedctx.GetRequestID(ctx); id != "" {
		span.SetAttributes(attribute.String(observability.AttrRequestID, id))
	}

	e.recorder.ExecutionStarted()
	observability.QueryStarted()
	defer func() {
		e.recorder.ExecutionFinished()
		observability.QueryFinished()
	}()

	def, err := e.registry.Get(req.QueryID)
	if err != nil {
		return e.settle(ctx, req.QueryID, "", start, nil, false, err, nil)
	}

	bound, fieldErrs := e.binder.Bind(def, req.Parameters)
	if len(fieldErrs) > 0 {
		err := errors.New(errors.ErrCodeValidationError, "parameter validation failed")
		return e.settle(ctx, def.ID, def.DataSource, start, nil, false, err, fieldErrs)
	}

	if observability.ActiveConfig().TracesEnabled {
		for name, value := range bound.Parameters {
			span.SetAttributes(attribute.String(
				observability.AttrQueryParamPrefix+name,
				observability.RedactAttributeValue(name, fmt.Sprintf("%v", value)),
			))
		}
	}

	if ok, wait, limErr := e.limiter.Allow(ctx, def.ID, def.Constraints.RateLimitPerMinute); limErr != nil {
		// Limiter faults fail open.
		e.log.Warnf("rate limiter unavailable for '%s': %v", def.ID, limErr)
	} else if !ok {
		err := errors.New(errors.ErrCodeRateLimited,
			fmt.Sprintf("query '%s' exceeded %d executions per minute", def.ID, def.Constraints.RateLimitPerMinute)).
			WithRetryAfter(wait)
		return e.settle(ctx, def.ID, def.DataSource, start, nil, false, err, nil)
	}

	ec, err := e.execContext(ctx, req, def)
	if err != nil {
		return e.settle(ctx, def.ID, def.DataSource, start, nil, false, err, nil)
	}

	compute := func(ctx context.Context) ([]Row, error) {
		return e.dispatch(ctx, def, bound, ec)
	}

	var rows []Row
	var cached bool
	if def.Cache.Enabled && !req.NoCache {
		key := CacheKey(def.ID, bound.Parameters)
		ttl := time.Duration(def.Cache.TTLSeconds) * time.Second
		rows, cached, err = e.cache.GetOrCompute(ctx, key, ttl, compute)
	} else {
		rows, err = compute(ctx)
	}
	if cached {
		observability.ObserveCacheEvent("hit")
		observability.RecordCacheEvent(ctx, "hit")
	} else if def.Cache.Enabled && !req.NoCache {
		observability.ObserveCacheEvent("miss")
		observability.RecordCacheEvent(ctx, "miss")
	}

	return e.settle(ctx, def.ID, def.DataSource, start, rows, cached, err, nil)
}

// dispatch resolves the executor, runs the backend call and maps the raw
// result into the definition's output shape.
func (e *Engine) dispatch(ctx context.Context, def *definition.QueryDefinition, bound *definition.BoundQuery, ec backends.ExecContext) ([]Row, error) {
	exec, err := e.manager.Get(def.DataSource)
	if err != nil {
		return nil, err
	}

	backendStart := time.Now()
	raw, err := exec.Execute(ctx, bound, ec)
	observability.RecordBackendOperation(ctx, string(def.DataSource), "execute", err == nil, float64(time.Since(backendStart).Milliseconds()))
	if err != nil {
		return nil, err
	}

	return MapResult(raw, def.ResultMapping)
}

func (e *Engine) execContext(ctx context.Context, req ExecuteRequest, def *definition.QueryDefinition) (backends.ExecContext, error) {
	credentialID := req.CredentialID
	if credentialID == "" {
		credentialID = sharedctx.GetCredentialID(ctx)
	}

	var cred backends.Credential
	if credentialID != "" {
		var err error
		cred, err = e.credentials.Resolve(ctx, credentialID)
		if err != nil {
			return backends.ExecContext{}, err
		}
	}

	timeout := e.defaultTimeout
	if def.Constraints.TimeoutMs > 0 {
		timeout = time.Duration(def.Constraints.TimeoutMs) * time.Millisecond
	}
	return backends.ExecContext{Credential: cred, Timeout: timeout}, nil
}

// settle turns a pipeline outcome into the uniform result, records history
// and feeds the metrics pipeline.
func (e *Engine) settle(ctx context.Context, queryID string, ds definition.DataSource, start time.Time, rows []Row, cached bool, err error, details []FieldError) *ExecutionResult {
	elapsed := time.Since(start)

	result := &ExecutionResult{
		QueryID: queryID,
		Success: err == nil,
		Metadata: ResultMetadata{
			ExecutionTimeMs: elapsed.Milliseconds(),
			RowCount:        len(rows),
			Cached:          cached,
			DataSource:      ds,
		},
	}
	if err == nil {
		if rows == nil {
			rows = []Row{}
		}
		result.Data = rows
	} else {
		result.Error = &ErrorInfo{
			Code:    string(errors.CodeOf(err)),
			Message: err.Error(),
			Details: details,
		}
		if ra := errors.RetryAfterOf(err); ra > 0 {
			result.Error.RetryAfterSeconds = int(ra.Seconds())
		}
	}

	record := ExecutionRecord{
		QueryID:         queryID,
		ExecutedAt:      time.Now().UTC(),
		ExecutionTimeMs: elapsed.Milliseconds(),
		RowCount:        len(result.Data),
		Cached:          cached,
		Success:         result.Success,
	}
	outcome := "success"
	if err != nil {
		record.ErrorCode = string(errors.CodeOf(err))
		outcome = string(errors.CodeOf(err))
	}
	e.recorder.Record(record)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(observability.AttrDataSource, string(ds)),
		attribute.Bool(observability.AttrCacheHit, cached),
	)
	if err != nil {
		span.SetAttributes(attribute.String(observability.AttrErrorCode, string(errors.CodeOf(err))))
	}

	observability.RecordQueryExecution(ctx, queryID, string(ds), result.Success, cached, float64(elapsed.Milliseconds()))
	observability.ObserveQueryExecution(string(ds), outcome, cached, elapsed.Seconds())
	return result
}

func failedResult(queryID string, err error) *ExecutionResult {
	return &ExecutionResult{
		QueryID: queryID,
		Success: false,
		Error: &ErrorInfo{
			Code:    string(errors.CodeOf(err)),
			Message: err.Error(),
		},
	}
}

// ExecuteBatch fans the requests out with bounded concurrency. Item
// failures are isolated; the batch always settles.
func (e *Engine) ExecuteBatch(ctx context.Context, requests []BatchRequest) *BatchResult {
	return e.batch.run(ctx, requests)
}

// Definitions exposes the definition registry
func (e *Engine) Definitions() *definition.Registry { return e.registry }

// ValidateDefinition checks a definition without registering it
func (e *Engine) ValidateDefinition(def *definition.QueryDefinition) definition.ValidationResult {
	return definition.Validate(def)
}

// InvalidateCache drops one cached result, or a query's result for the
// given parameter set. Executions cache under the bound parameter map,
// defaults filled and transforms applied, so the key is derived the same
// way; raw parameters that do not bind fall back to a literal key.
func (e *Engine) InvalidateCache(ctx context.Context, queryID string, params map[string]any) error {
	observability.ObserveCacheEvent("invalidate")
	observability.RecordCacheEvent(ctx, "invalidate")
	key := CacheKey(queryID, params)
	if def, err := e.registry.Get(queryID); err == nil {
		if bound, fieldErrs := e.binder.Bind(def, params); len(fieldErrs) == 0 {
			key = CacheKey(queryID, bound.Parameters)
		}
	}
	return e.cache.Invalidate(ctx, key)
}

// FlushCache drops all cached results
func (e *Engine) FlushCache(ctx context.Context) error {
	observability.ObserveCacheEvent("flush")
	observability.RecordCacheEvent(ctx, "flush")
	return e.cache.InvalidateAll(ctx)
}

// Health probes every registered backend concurrently
func (e *Engine) Health(ctx context.Context) HealthReport {
	return e.health.check(ctx)
}

// Schema discovers the live field metadata of one backend
func (e *Engine) Schema(ctx context.Context, ds definition.DataSource, refresh bool) (SchemaReport, error) {
	return e.schemas.discover(ctx, ds, refresh)
}

// Statistics aggregates execution history for one query or all of them
func (e *Engine) Statistics(queryID string, windowHours int) QueryStatistics {
	return e.recorder.Statistics(queryID, windowHours)
}

// Metrics reports process-wide execution totals
func (e *Engine) Metrics(ctx context.Context) QueryMetrics {
	m := e.recorder.Metrics()
	m.CacheSize = e.cache.Len(ctx)
	return m
}

// History returns the most recent execution records, newest first
func (e *Engine) History(n int) []ExecutionRecord {
	return e.recorder.Recent(n)
}

// Close drains the history recorder and closes all backends
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if err := e.recorder.Close(ctx); err != nil {
		firstErr = err
	}
	if err := e.manager.CloseAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
