// Package log is the logging contract shared by every txcore component.
//
// Components depend on Logger only. The zap package provides the production
// backend, NopLogger is the default, and MemoryLogger captures entries in tests.
package log
