package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"localcloud/internal/api"
)

const runtimeSubsystem = "FunctionRuntime"

// Function describes one deployable function as declared by the assembly.
type Function struct {
	Name     string
	Runtime  string // runtime identifier, e.g. "nodejs18.x" or "python3.11"
	Handler  string // "<file>.<export>"
	CodePath string // directory holding the unpacked code asset
	Image    string // container image; when set the container strategy applies
	Env      map[string]string
	Timeout  time.Duration
	MemoryMB int
}

// Strategy executes a function's code. Implementations are bound to one
// function at load time.
type Strategy interface {
	// Prepare verifies prerequisites (interpreter on PATH, image
	// available) and fails fast when they are missing.
	Prepare(ctx context.Context) error
	// Invoke serializes the event as JSON to the child's standard input,
	// reads a JSON result from its standard output and enforces the
	// deadline carried by the invocation context.
	Invoke(ctx context.Context, event []byte, ic api.InvocationContext) (*api.InvocationResult, error)
}

// ForFunction selects the execution strategy: container when an image is
// declared, native subprocess otherwise.
func ForFunction(fn *Function) (Strategy, error) {
	if fn.Image != "" {
		return NewContainer(fn), nil
	}
	return NewSubprocess(fn)
}

// childOutput is the wire contract with the child process: exactly one of
// result or error is set.
type childOutput struct {
	Result json.RawMessage      `json:"result"`
	Error  *api.InvocationError `json:"error"`
}

// parseChildOutput turns the child's stdout into an InvocationResult.
// Malformed output is preserved in the error message rather than dropped.
func parseChildOutput(raw []byte, requestID string, elapsed time.Duration) *api.InvocationResult {
	res := &api.InvocationResult{RequestID: requestID, Duration: elapsed}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		res.Error = &api.InvocationError{
			Type:    "Runtime.ParseError",
			Message: "function produced no output",
		}
		return res
	}

	var out childOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil || (out.Result == nil && out.Error == nil) {
		res.Error = &api.InvocationError{
			Type:    "Runtime.ParseError",
			Message: fmt.Sprintf("malformed function output: %s", truncate(trimmed, 512)),
		}
		return res
	}

	if out.Error != nil {
		res.Error = out.Error
		return res
	}
	res.Payload = out.Result
	return res
}

func timeoutResult(requestID string, elapsed time.Duration) *api.InvocationResult {
	return &api.InvocationResult{
		RequestID: requestID,
		Duration:  elapsed,
		Error: &api.InvocationError{
			Type:    "TimeoutError",
			Message: fmt.Sprintf("function did not complete within the deadline (ran %s)", elapsed.Round(time.Millisecond)),
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// deadlineFor resolves the effective deadline: the context's own deadline
// when set, otherwise now plus the function timeout (or a 3s default).
func deadlineFor(fn *Function, ic api.InvocationContext) time.Time {
	if !ic.Deadline.IsZero() {
		return ic.Deadline
	}
	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return time.Now().Add(timeout)
}
