package postgres

import (
	"net/http"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestStats tags the request context with the HTTP method and a fresh
// ReqDBStats. After the handler returns, requests that ran queries get
// db.* attributes on the active span and a debug log line.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, _ := ReqDBStatsFromContext(ctx)
		count, total, errs := stats.Snapshot()
		if count == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.query_count", count),
			attribute.Int64("db.time_ms", total.Milliseconds()),
			attribute.Int("db.error_count", errs),
		)
		log.FromContext(ctx).Debug(ctx, "request db stats",
			"db_queries", count,
			"db_time", total,
			"db_errors", errs,
		)
	})
}
