package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy decides what happens after a panic has been recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after recording.
	CrashProcess
)

// RecoverAndLogWithContext recovers a panic in the calling goroutine and
// records it. Must be invoked directly by defer.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handle(ctx, logger, r, debug.Stack(), component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext with a policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handle(ctx, logger, r, debug.Stack(), component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue records a panic value recovered elsewhere.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	handle(ctx, logger, panicValue, debug.Stack(), component, name)
}

// SafeGo runs fn in a new goroutine with panic recovery.
func SafeGo(ctx context.Context, logger log.Logger, component, name string, fn func(ctx context.Context)) {
	go func() {
		defer RecoverAndLogWithContext(ctx, logger, component, name)

		fn(ctx)
	}()
}

func handle(ctx context.Context, logger log.Logger, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	log.OrNop(logger).Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", fmt.Sprint(panicValue)),
		log.String("stack", string(stack)),
	)

	recordPanicMetric(ctx, component, name)

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(constant.EventPanicRecovered, trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", name),
		attribute.String("panic.value", fmt.Sprint(panicValue)),
	))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}
