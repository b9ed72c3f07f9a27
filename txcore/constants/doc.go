// Package constant holds the literal names shared by txcore's telemetry,
// storage and transport code. It has no runtime behavior.
package constant
