package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"localcloud/internal/api"
)

// maxTransitions caps a single execution so definition cycles cannot spin
// forever.
const maxTransitions = 5000

// stateError carries the error name and cause a failing state reports.
type stateError struct {
	name  string
	cause string
}

func (e *stateError) Error() string { return e.name + ": " + e.cause }

func runtimeError(format string, args ...interface{}) *stateError {
	return &stateError{name: "States.Runtime", cause: fmt.Sprintf(format, args...)}
}

// interpreter walks one execution through its definition. Transitions are
// strictly serial within the execution.
type interpreter struct {
	def     *Definition
	exec    *Execution
	invoker api.FunctionInvoker
}

// run drives the execution to a terminal status. It is the only writer of
// the execution's status and records while the execution is running.
func (in *interpreter) run(ctx context.Context) {
	input := in.exec.Input
	current := in.def.StartAt

	for transitions := 0; ; transitions++ {
		if ctx.Err() != nil {
			in.exec.abort()
			return
		}
		if transitions >= maxTransitions {
			in.exec.fail("States.Runtime", fmt.Sprintf("execution exceeded %d transitions", maxTransitions))
			return
		}

		state, ok := in.def.States[current]
		if !ok {
			in.exec.fail("States.Runtime", fmt.Sprintf("undefined state %q", current))
			return
		}

		output, next, err := in.step(ctx, current, state, input)
		if err != nil {
			if ctx.Err() != nil {
				in.exec.abort()
				return
			}
			var se *stateError
			if !errors.As(err, &se) {
				se = runtimeError("%v", err)
			}
			in.exec.recordFailure(current, input, se.name, se.cause)
			in.exec.fail(se.name, se.cause)
			return
		}

		in.exec.record(current, input, output)

		switch {
		case state.Type == "Succeed" || (next == "" && state.End):
			in.exec.succeed(output)
			return
		case state.Type == "Fail":
			in.exec.fail(state.Error, state.Cause)
			return
		case next == "":
			in.exec.fail("States.Runtime", fmt.Sprintf("state %q ended without End or Next", current))
			return
		}
		input = output
		current = next
	}
}

// step runs one state through the input/output pipeline and returns its
// output and successor.
func (in *interpreter) step(ctx context.Context, name string, state *State, input json.RawMessage) (json.RawMessage, string, error) {
	if state.Type == "Fail" {
		return input, "", nil
	}

	contextDoc := in.contextDocument(name)

	effective := input
	if state.InputPath != "" {
		projected, err := getPath(input, state.InputPath)
		if err != nil {
			return nil, "", runtimeError("InputPath %s: %v", state.InputPath, err)
		}
		effective = projected
	}
	if state.Parameters != nil {
		resolved, err := resolveTemplate(state.Parameters, effective, contextDoc)
		if err != nil {
			return nil, "", runtimeError("Parameters: %v", err)
		}
		effective = resolved
	}

	var result json.RawMessage
	next := state.Next
	switch state.Type {
	case "Pass":
		result = effective
		if state.Result != nil {
			result = state.Result
		}

	case "Succeed":
		result = effective

	case "Task":
		taskResult, err := in.invokeTask(ctx, state, effective)
		if err != nil {
			return nil, "", err
		}
		result = taskResult

	case "Wait":
		if err := in.wait(ctx, state, effective); err != nil {
			return nil, "", err
		}
		result = effective

	case "Choice":
		output, err := in.finishOutput(state, input, effective, effective)
		if err != nil {
			return nil, "", err
		}
		for _, rule := range state.Choices {
			if rule.Evaluate(effective) {
				return output, rule.Next, nil
			}
		}
		if state.Default == "" {
			return nil, "", &stateError{name: "States.NoChoiceMatched", cause: "no choice rule matched and no Default is set"}
		}
		return output, state.Default, nil

	default:
		return nil, "", runtimeError("unknown state type %q", state.Type)
	}

	if state.ResultSelector != nil {
		selected, err := resolveTemplate(state.ResultSelector, result, contextDoc)
		if err != nil {
			return nil, "", runtimeError("ResultSelector: %v", err)
		}
		result = selected
	}

	output, err := in.finishOutput(state, input, effective, result)
	if err != nil {
		return nil, "", err
	}
	return output, next, nil
}

// finishOutput applies ResultPath and OutputPath. An absent ResultPath
// replaces the input with the result; an explicit null discards the result
// and passes the input through; a path injects the result into a copy of
// the input, extending lists when the index runs past the end.
func (in *interpreter) finishOutput(state *State, input, effective, result json.RawMessage) (json.RawMessage, error) {
	var output json.RawMessage
	switch {
	case state.Type == "Choice" || state.Type == "Succeed":
		output = effective
	case len(state.ResultPath) == 0:
		output = result
	case string(state.ResultPath) == "null":
		output = input
	default:
		var path string
		if err := json.Unmarshal(state.ResultPath, &path); err != nil {
			return nil, runtimeError("ResultPath must be a path or null")
		}
		merged, err := setPath(input, path, result)
		if err != nil {
			return nil, runtimeError("ResultPath %s: %v", path, err)
		}
		output = merged
	}
	if state.OutputPath != "" {
		projected, err := getPath(output, state.OutputPath)
		if err != nil {
			return nil, runtimeError("OutputPath %s: %v", state.OutputPath, err)
		}
		output = projected
	}
	return output, nil
}

// invokeTask calls the function named by the state's resource arn.
func (in *interpreter) invokeTask(ctx context.Context, state *State, input json.RawMessage) (json.RawMessage, error) {
	if in.invoker == nil {
		return nil, runtimeError("no function invoker wired")
	}
	req := api.InvocationRequest{
		FunctionName: functionNameFromResource(state.Resource),
		Payload:      input,
	}
	if state.TimeoutSeconds > 0 {
		req.Context.Deadline = time.Now().Add(time.Duration(state.TimeoutSeconds) * time.Second)
	}
	res, err := in.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, &stateError{name: "States.TaskFailed", cause: err.Error()}
	}
	if res.Failed() {
		name := res.Error.Type
		if name == "" {
			name = "States.TaskFailed"
		}
		return nil, &stateError{name: name, cause: res.Error.Message}
	}
	return res.Payload, nil
}

func (in *interpreter) wait(ctx context.Context, state *State, input json.RawMessage) error {
	var delay time.Duration
	switch {
	case state.Seconds > 0:
		delay = time.Duration(state.Seconds) * time.Second
	case state.SecondsPath != "":
		raw, err := getPath(input, state.SecondsPath)
		if err != nil {
			return runtimeError("SecondsPath %s: %v", state.SecondsPath, err)
		}
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil || secs < 0 {
			return runtimeError("SecondsPath %s is not a non-negative number", state.SecondsPath)
		}
		delay = time.Duration(secs * float64(time.Second))
	case state.Timestamp != "" || state.TimestampPath != "":
		stamp := state.Timestamp
		if state.TimestampPath != "" {
			raw, err := getPath(input, state.TimestampPath)
			if err != nil {
				return runtimeError("TimestampPath %s: %v", state.TimestampPath, err)
			}
			if err := json.Unmarshal(raw, &stamp); err != nil {
				return runtimeError("TimestampPath %s is not a string", state.TimestampPath)
			}
		}
		target, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return runtimeError("invalid wait timestamp %q", stamp)
		}
		delay = time.Until(target)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contextDocument builds the "$$" document templates can reference.
func (in *interpreter) contextDocument(stateName string) json.RawMessage {
	doc, _ := json.Marshal(map[string]interface{}{
		"Execution": map[string]interface{}{
			"Id":        in.exec.Arn,
			"Name":      in.exec.Name,
			"Input":     in.exec.Input,
			"StartTime": in.exec.StartedAt.UTC().Format(time.RFC3339),
		},
		"StateMachine": map[string]interface{}{
			"Id": in.exec.MachineArn,
		},
		"State": map[string]interface{}{
			"Name":        stateName,
			"EnteredTime": time.Now().UTC().Format(time.RFC3339),
		},
	})
	return doc
}

// functionNameFromResource reduces a task resource arn to the function
// name; plain names pass through.
func functionNameFromResource(resource string) string {
	idx := strings.LastIndexAny(resource, ":/")
	return resource[idx+1:]
}
