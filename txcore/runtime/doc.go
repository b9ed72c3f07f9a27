// Package runtime keeps background goroutines from taking the process down.
//
// SafeGo starts a goroutine whose panics are recovered, logged with a stack
// trace, counted and attached to the active span.
package runtime
