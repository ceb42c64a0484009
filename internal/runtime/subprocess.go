package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"localcloud/internal/api"
	"localcloud/pkg/logging"
)

// nodeDriver loads the handler module from the task root, feeds it the
// event read from stdin and prints the result contract on stdout.
const nodeDriver = `const fs = require("fs");
const path = require("path");
const [file, fn] = process.env._HANDLER.split(".");
const event = JSON.parse(fs.readFileSync(0, "utf8"));
const context = {
  functionName: process.env.AWS_LAMBDA_FUNCTION_NAME,
  invokedFunctionArn: process.env.AWS_LAMBDA_FUNCTION_ARN,
  awsRequestId: process.env.AWS_REQUEST_ID,
  memoryLimitInMB: process.env.AWS_LAMBDA_FUNCTION_MEMORY_SIZE,
};
Promise.resolve()
  .then(() => require(path.join(process.env.LAMBDA_TASK_ROOT, file))[fn](event, context))
  .then((r) => process.stdout.write(JSON.stringify({ result: r === undefined ? null : r })))
  .catch((e) => process.stdout.write(JSON.stringify({ error: {
    errorMessage: String((e && e.message) || e),
    errorType: (e && e.name) || "Error",
    stackTrace: ((e && e.stack) || "").split("\n"),
  }})));
`

// pythonDriver is the python counterpart of nodeDriver.
const pythonDriver = `import importlib, json, os, sys, traceback

file, fn = os.environ["_HANDLER"].rsplit(".", 1)
sys.path.insert(0, os.environ["LAMBDA_TASK_ROOT"])
event = json.load(sys.stdin)
try:
    module = importlib.import_module(file)
    result = getattr(module, fn)(event, {"aws_request_id": os.environ.get("AWS_REQUEST_ID")})
    sys.stdout.write(json.dumps({"result": result}))
except Exception as exc:
    sys.stdout.write(json.dumps({"error": {
        "errorMessage": str(exc),
        "errorType": type(exc).__name__,
        "stackTrace": traceback.format_exc().splitlines(),
    }}))
`

// Subprocess runs a function as a short-lived child of the emulator using
// the interpreter matching its runtime identifier.
type Subprocess struct {
	fn      *Function
	command string
	args    []string
}

// NewSubprocess binds a function to its interpreter. Runtime families are
// mapped to interpreters on PATH; unknown families are rejected here so the
// provider fails at load time rather than on first invoke.
func NewSubprocess(fn *Function) (*Subprocess, error) {
	switch {
	case strings.HasPrefix(fn.Runtime, "nodejs"):
		return &Subprocess{fn: fn, command: "node", args: []string{"-e", nodeDriver}}, nil
	case strings.HasPrefix(fn.Runtime, "python"):
		return &Subprocess{fn: fn, command: "python3", args: []string{"-c", pythonDriver}}, nil
	default:
		return nil, api.NewConfiguration("function %s: unsupported runtime %q", fn.Name, fn.Runtime)
	}
}

// Prepare checks the interpreter and the handler file so missing
// prerequisites surface at provider start.
func (s *Subprocess) Prepare(ctx context.Context) error {
	if _, err := exec.LookPath(s.command); err != nil {
		return api.NewConfiguration("function %s: interpreter %q not found in PATH", s.fn.Name, s.command)
	}
	file, _, ok := strings.Cut(s.fn.Handler, ".")
	if !ok {
		return api.NewConfiguration("function %s: handler %q is not of the form file.export", s.fn.Name, s.fn.Handler)
	}
	ext := ".js"
	if s.command == "python3" {
		ext = ".py"
	}
	handlerPath := filepath.Join(s.fn.CodePath, file+ext)
	if _, err := os.Stat(handlerPath); err != nil {
		return api.NewConfiguration("function %s: handler file %s missing", s.fn.Name, handlerPath)
	}
	return nil
}

// Invoke runs one invocation to completion, enforcing the deadline with a
// graceful-termination signal followed one second later by a kill.
func (s *Subprocess) Invoke(ctx context.Context, event []byte, ic api.InvocationContext) (*api.InvocationResult, error) {
	cmd := exec.Command(s.command, s.args...)
	cmd.Dir = s.fn.CodePath
	cmd.Env = BuildEnv(s.fn, ic)
	return runChild(ctx, cmd, s.fn, event, ic)
}

// runChild is the shared child lifecycle for the subprocess and container
// strategies: write the event, wait for exit or deadline, parse stdout.
func runChild(ctx context.Context, cmd *exec.Cmd, fn *Function, event []byte, ic api.InvocationContext) (*api.InvocationResult, error) {
	if len(event) == 0 {
		event = []byte("{}")
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(event)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start function %s: %w", fn.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := deadlineFor(fn, ic)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		if stderr.Len() > 0 {
			logging.Debug(runtimeSubsystem, "function %s stderr: %s", fn.Name, truncate(stderr.String(), 2048))
		}
		result := parseChildOutput(stdout.Bytes(), ic.RequestID, elapsed)
		if err != nil && result.Error != nil && result.Error.Type == "Runtime.ParseError" {
			result.Error.Message = fmt.Sprintf("%s (process: %v, stderr: %s)",
				result.Error.Message, err, truncate(strings.TrimSpace(stderr.String()), 512))
		}
		return result, nil

	case <-timer.C:
		terminate(cmd, done)
		elapsed := time.Since(start)
		logging.Warn(runtimeSubsystem, "function %s exceeded its deadline after %s", fn.Name, elapsed.Round(time.Millisecond))
		return timeoutResult(ic.RequestID, elapsed), nil

	case <-ctx.Done():
		terminate(cmd, done)
		return nil, ctx.Err()
	}
}

// terminate asks the child to exit, then forces it after one second.
func terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}
