// Package zap backs the txcore log.Logger contract with go.uber.org/zap.
package zap
