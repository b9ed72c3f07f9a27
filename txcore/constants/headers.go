package constant

// Message headers set on every published event batch.
const (
	HeaderID          = "X-Request-Id"
	HeaderEventCount  = "X-Event-Count"
	HeaderSubject     = "X-Subject"
	HeaderTraceparent = "traceparent"
	HeaderTracestate  = "tracestate"
	ContentTypeJSON   = "application/json"
)
