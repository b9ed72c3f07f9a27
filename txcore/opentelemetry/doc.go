// Package opentelemetry sets up trace and metric providers and carries the
// span and queue-header helpers used across txcore.
//
// With Enabled false, Init returns in-process providers with no exporters so
// instrumented code keeps working in local runs and tests.
package opentelemetry
