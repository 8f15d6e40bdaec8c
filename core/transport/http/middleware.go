package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/observability"
	sharedctx "github.com/querybridge/querybridge/core/shared/context"
)

// RequestID assigns each request an id, honoring one supplied by the caller
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = sharedctx.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(sharedctx.WithRequestID(r.Context(), id)))
	})
}

// CredentialID lifts the credential reference header into the context so
// the engine can resolve per-request credentials.
func CredentialID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Credential-Id"); id != "" {
			r = r.WithContext(sharedctx.WithCredentialID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

var accessLog = logging.New("http:access")

// AccessLog writes one structured line per served request
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		accessLog.Infof("%s %s %d %dB %s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

// Metrics feeds the Prometheus and OTel HTTP collectors
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		path := routePattern(r)
		observability.ObserveHTTPRequest(r.Method, path, strconv.Itoa(ww.Status()), elapsed.Seconds())
		observability.RecordHTTPRequest(r.Context(), r.Method, path, ww.Status(), float64(elapsed.Milliseconds()))
	})
}

// routePattern prefers the chi pattern so path parameters do not explode
// metric cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
