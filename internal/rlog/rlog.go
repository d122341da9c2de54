// Package rlog provides the structured logging conventions shared by
// every reelcache component: a configurable base logger, per-component
// child loggers, and an HTTP request-logging middleware for the debug
// server in cmd/reelcached.
package rlog

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the global base logger.
type Config struct {
	Level   string
	Output  io.Writer
	Service string
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Configure initializes the global logger. Safe to call more than
// once; the most recent call wins.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "reelcache"
	}

	base = zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Logger()
	initialized = true
}

func logger() zerolog.Logger {
	mu.RLock()
	if initialized {
		l := base
		mu.RUnlock()
		return l
	}
	mu.RUnlock()
	Configure(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// L returns the global base logger.
func L() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// WithTrace enriches l with trace_id/span_id when ctx carries a valid
// OpenTelemetry span. The SDK and exporters are intentionally not
// wired — this only reads the span context a caller's instrumentation
// may already have put on ctx.
func WithTrace(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return l
	}
	return l.With().
		Str("trace_id", span.SpanContext().TraceID().String()).
		Str("span_id", span.SpanContext().SpanID().String()).
		Logger()
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request/run correlation ID to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the correlation ID attached to ctx, or
// "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Middleware logs method/path/status/duration for every request
// handled by the debug HTTP server.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := RequestIDFromContext(r.Context())
			if reqID == "" {
				reqID = uuid.New().String()
			}
			ctx := ContextWithRequestID(r.Context(), reqID)
			r = r.WithContext(ctx)

			if w.Header().Get("X-Request-ID") == "" {
				w.Header().Set("X-Request-ID", reqID)
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			WithComponent("http").Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", reqID).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}
