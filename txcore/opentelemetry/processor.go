package opentelemetry

import (
	"context"

	"github.com/seventv/txcore/txcore"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// AttrBagSpanProcessor stamps the attributes stored with
// txcore.ContextWithSpanAttributes onto every span started under that context.
type AttrBagSpanProcessor struct{}

func (AttrBagSpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	if kv := txcore.AttributesFromContext(ctx); len(kv) > 0 {
		s.SetAttributes(kv...)
	}
}

func (AttrBagSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (AttrBagSpanProcessor) Shutdown(context.Context) error { return nil }

func (AttrBagSpanProcessor) ForceFlush(context.Context) error { return nil }
