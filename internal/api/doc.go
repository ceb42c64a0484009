// Package api holds the contracts shared across providers: the error
// taxonomy every emulator boundary maps into, the invocation request/result
// shapes exchanged with the function runtime, and the refined provider
// capabilities (FunctionInvoker, QueueConsumer, ...) that event-source
// wiring and dispatch layers accept instead of concrete provider types.
package api
