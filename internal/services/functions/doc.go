// Package functions emulates the function-compute service. Declared
// functions are bound to an execution strategy at start and invoked through
// the shared invoker capability; the REST surface adds the invocation
// endpoint with synchronous and event-type modes.
package functions
