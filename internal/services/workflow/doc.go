// Package workflow emulates the state-machine service: an interpreter for
// the Pass/Succeed/Fail/Choice/Wait/Task subset of the states language,
// with the full input/output pipeline (InputPath, Parameters, result
// selection and injection, OutputPath) built on JSON path projection.
// Machines are registered definitions; executions run in memory, serially
// within one execution and concurrently across executions. Express
// executions block the caller; standard executions run asynchronously and
// are inspected by identifier.
package workflow
