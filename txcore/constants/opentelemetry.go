package constant

// TelemetrySDKName identifies txcore in instrumentation scopes.
const TelemetrySDKName = "github.com/seventv/txcore"

// MaxMetricLabelLength bounds metric label values.
const MaxMetricLabelLength = 64

// Span attribute keys.
const (
	AttrDBSystem            = "db.system"
	AttrDBName              = "db.name"
	AttrDBMongoDBCollection = "db.mongodb.collection"
	AttrDBOperation         = "db.operation"

	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination.name"
	AttrMessagingMessageID   = "messaging.message.id"

	AttrTxAttempt    = "txcore.transaction.attempt"
	AttrTxOutcome    = "txcore.transaction.outcome"
	AttrTxEventCount = "txcore.transaction.events"
	AttrMutexKey     = "txcore.mutex.key"
	AttrEventKind    = "txcore.event.kind"
)

const (
	DBSystemMongoDB  = "mongodb"
	DBSystemRedis    = "redis"
	DBSystemRabbitMQ = "rabbitmq"
)

// Span event names.
const (
	EventPanicRecovered = "panic.recovered"
	EventTxRetry        = "transaction.retry"
	EventTxCommitRetry  = "transaction.commit_retry"
)

// SanitizeMetricLabel truncates value to MaxMetricLabelLength.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}
