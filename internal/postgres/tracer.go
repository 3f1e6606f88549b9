package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// appPrefix marks frames that belong to this module.
const appPrefix = "github.com/linnemanlabs/muster/internal/"

// storeFrames are skipped when looking for the handler that caused a query.
var storeFrames = []string{
	appPrefix + "postgres.",
	appPrefix + "store/pgstore.",
}

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyHTTPMethod
)

type dbStatsKey struct{}

// queryInfo is carried from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    int
	argVals []any
	start   time.Time
	caller  string
	handler string
}

// ReqDBStats accumulates per-request database query statistics.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under the lock.
func (s *ReqDBStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// TracerOptions controls query logging.
type TracerOptions struct {
	// SlowQuery suppresses info logs for successful queries faster than this.
	// Zero logs every query.
	SlowQuery time.Duration
	// LogArgs includes bind arguments in logs. Webhook payloads and headers
	// pass through as arguments, so this is off unless debugging.
	LogArgs bool
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line, request stats and metrics for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
	opts  TracerOptions
}

func wrapQueryTracer(inner pgx.QueryTracer, opts TracerOptions) pgx.QueryTracer {
	return loggingTracer{inner: inner, opts: opts}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{sql: data.SQL, args: len(data.Args), start: time.Now()}
	if t.opts.LogArgs {
		qi.argVals = data.Args
	}
	qi.caller, qi.handler = findDBCallerAndHandler()

	// inner tracer creates the span first so the attributes land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		var attrs []attribute.KeyValue
		if qi.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", qi.caller))
		}
		if qi.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", qi.handler))
		}
		span.SetAttributes(attrs...)
	}

	return context.WithValue(ctx, ctxKeyQuery, qi)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if qi == nil {
		return
	}
	dur := time.Since(qi.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, orDefault(httpMethodFromContext(ctx), "UNKNOWN"),
			orDefault(routePatternFromContext(ctx), "unknown"), outcome(data.Err), dur)
	}

	if data.Err == nil && t.opts.SlowQuery > 0 && dur < t.opts.SlowQuery {
		return
	}

	fields := []any{
		"db.statement", qi.sql,
		"db.args_count", qi.args,
		"db.duration", dur.Seconds(),
	}
	if t.opts.LogArgs {
		fields = append(fields, "db.args", qi.argVals)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields,
			"db.operation.name", strings.ToUpper(strings.Fields(tag)[0]),
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if qi.caller != "" {
		fields = append(fields, "db.caller", qi.caller)
	}
	if qi.handler != "" {
		fields = append(fields, "db.handler", qi.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// findDBCallerAndHandler walks the stack for the function that issued the
// query and the first frame above it outside the store layer.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if !skipFrame(fn) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !isStoreFrame(fn):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery")
}

func isStoreFrame(fn string) bool {
	for _, p := range storeFrames {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// shortenFuncName trims the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
