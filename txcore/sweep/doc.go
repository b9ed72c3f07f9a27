// Package sweep reconciles the event log with the search index.
//
// A transaction whose post-commit publish failed leaves its StoredEvents
// with a null search_updated_at. The Dispatcher periodically lists those
// events, hands each one to the handler registered for its kind and stamps
// search_updated_at once the handler succeeds. Events that keep failing are
// quarantined after MaxAttempts deliveries.
package sweep
