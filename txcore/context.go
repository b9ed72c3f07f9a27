package txcore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/seventv/txcore/txcore/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilParentContext is returned by WithTimeoutSafe for a nil parent.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

const defaultTracerName = "txcore.default"

type customContextKey string

// CustomContextKey is the key under which CustomContextKeyValue is stored.
var CustomContextKey = customContextKey("txcore_context")

// CustomContextKeyValue holds the request-scoped facilities attached to a context.
type CustomContextKeyValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger

	// AttrBag is applied to every span started under the context. Keep it to
	// low-cardinality values such as actor kind or route.
	AttrBag []attribute.KeyValue
}

// values returns a copy of the container in ctx so that derived contexts
// never mutate their parent's view.
func values(ctx context.Context) *CustomContextKeyValue {
	if v, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && v != nil {
		cp := *v
		cp.AttrBag = append([]attribute.KeyValue(nil), v.AttrBag...)

		return &cp
	}

	return &CustomContextKeyValue{}
}

// NewLoggerFromContext returns the logger stored in ctx, or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if v, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && v.Logger != nil {
		return v.Logger
	}

	return log.NewNop()
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	v := values(ctx)
	v.Logger = logger

	return context.WithValue(ctx, CustomContextKey, v)
}

// ContextWithTracer stores tracer in ctx.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	v := values(ctx)
	v.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, v)
}

// ContextWithHeaderID stores the request correlation id in ctx.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	v := values(ctx)
	v.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, v)
}

// HeaderIDFromContext returns the stored correlation id, or "" when unset.
func HeaderIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && v != nil {
		return strings.TrimSpace(v.HeaderID)
	}

	return ""
}

// NewTrackingFromContext returns the logger, tracer and correlation id for
// ctx. Missing pieces fall back to a no-op logger, the global tracer and a
// fresh UUID, so callers never need nil checks.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	v, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if v == nil {
		v = &CustomContextKeyValue{}
	}

	logger := v.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := v.Tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}

	headerID := strings.TrimSpace(v.HeaderID)
	if headerID == "" {
		headerID = uuid.NewString()
	}

	return logger, tracer, headerID
}

// ContextWithSpanAttributes appends kv to the context's attribute bag.
func ContextWithSpanAttributes(ctx context.Context, kv ...attribute.KeyValue) context.Context {
	if len(kv) == 0 {
		return ctx
	}

	v := values(ctx)
	v.AttrBag = append(v.AttrBag, kv...)

	return context.WithValue(ctx, CustomContextKey, v)
}

// AttributesFromContext returns a copy of the attribute bag.
func AttributesFromContext(ctx context.Context) []attribute.KeyValue {
	if v, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && v != nil && len(v.AttrBag) > 0 {
		return append([]attribute.KeyValue(nil), v.AttrBag...)
	}

	return nil
}

// WithTimeoutSafe is context.WithTimeout that keeps a parent deadline when
// it is sooner than timeout.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < timeout {
		ctx, cancel := context.WithCancel(parent)

		return ctx, cancel, nil
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
