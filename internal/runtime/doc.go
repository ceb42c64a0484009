// Package runtime executes function code on demand. Each function is bound
// at load time to one execution strategy, native subprocess or container,
// both speaking the same stdin/stdout contract: the event arrives as JSON
// on standard input and the child answers with {"result": ...} on success
// or {"error": {errorMessage, errorType, stackTrace}} on handler failure.
// Deadlines are enforced here with a graceful-termination signal followed
// by a kill, so callers never need their own invocation timers.
package runtime
