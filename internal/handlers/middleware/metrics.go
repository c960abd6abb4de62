package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/safepay/internal/metrics"
)

// MetricsMiddleware counts requests by chi route pattern, so path values don't blow up label cardinality
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newRecorder(w)

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		metrics.BankRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.BankLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
