// Package middleware wraps the public HTTP handler with tracing, access
// logging and panic recovery.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// healthPrefix marks the routes whose successful calls aren't logged.
const healthPrefix = "/v1alpha/health/"

// Chain wraps h with the middlewares, the first one being the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Tracing starts a server span for every request, continuing the caller's
// trace. Health checks aren't traced.
func Tracing(operation string, opts ...otelhttp.Option) func(http.Handler) http.Handler {
	opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
		return !strings.HasPrefix(r.URL.Path, healthPrefix)
	}))
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, operation, opts...)
	}
}

// Recovery turns a panicking handler into a 500 response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Recovered from panic",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("panic", fmt.Sprint(p)),
						zap.Stack("stack"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"code":13,"message":"Internal error."}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog logs every request with its status and latency. Successful
// health checks are skipped.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			if m.Code < 400 && strings.HasPrefix(r.URL.Path, healthPrefix) {
				return
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", m.Code),
				zap.Duration("latency", m.Duration),
				zap.Int64("bytes", m.Written),
			}
			switch {
			case m.Code >= 500:
				logger.Error("Finished HTTP call", fields...)
			case m.Code >= 400:
				logger.Warn("Finished HTTP call", fields...)
			default:
				logger.Info("Finished HTTP call", fields...)
			}
		})
	}
}
