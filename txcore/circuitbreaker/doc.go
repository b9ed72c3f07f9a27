// Package circuitbreaker keeps named breakers over sony/gobreaker so calls
// to a failing dependency fail fast instead of piling up.
//
// Use NewManager to create per-dependency breakers, then run calls through
// Manager.Execute so failures are tracked consistently across callers.
package circuitbreaker
