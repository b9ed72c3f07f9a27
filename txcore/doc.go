// Package txcore carries the process-level plumbing shared by the txcore
// packages: request-scoped tracking values on the context, environment
// driven configuration, and a Launcher for long-running apps.
//
//	ctx = txcore.ContextWithLogger(ctx, logger)
//	ctx = txcore.ContextWithHeaderID(ctx, requestID)
//	logger, tracer, headerID := txcore.NewTrackingFromContext(ctx)
//
// The transactional core lives in the transaction subpackage.
package txcore
