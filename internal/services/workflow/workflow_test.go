package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/api"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   map[string][]json.RawMessage
	results map[string]*api.InvocationResult
}

func (f *fakeInvoker) Invoke(ctx context.Context, req api.InvocationRequest) (*api.InvocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]json.RawMessage)
	}
	f.calls[req.FunctionName] = append(f.calls[req.FunctionName], req.Payload)
	if res, ok := f.results[req.FunctionName]; ok {
		return res, nil
	}
	return &api.InvocationResult{Payload: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeInvoker) FunctionArn(name string) string {
	return "arn:aws:lambda:local-1:000000000000:function:" + name
}

func newTestProvider(t *testing.T, invoker api.FunctionInvoker) *Provider {
	t.Helper()
	p := NewProvider(invoker, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

// runSync registers a machine and runs one express execution over input.
func runSync(t *testing.T, p *Provider, name, definition, input string) ExecutionInfo {
	t.Helper()
	machine, err := p.CreateStateMachine(name, definition, TypeExpress)
	require.NoError(t, err)
	exec, err := p.StartSyncExecution(context.Background(), machine.Arn, "", json.RawMessage(input))
	require.NoError(t, err)
	return exec.Snapshot()
}

const choiceDefinition = `{
	"StartAt": "C",
	"States": {
		"C": {
			"Type": "Choice",
			"Choices": [{"Variable": "$.n", "NumericGreaterThan": 10, "Next": "Big"}],
			"Default": "Small"
		},
		"Big": {"Type": "Pass", "Result": "big", "End": true},
		"Small": {"Type": "Pass", "Result": "small", "End": true}
	}
}`

func TestChoiceRouting(t *testing.T) {
	p := newTestProvider(t, nil)

	for i, tc := range []struct {
		input string
		want  string
	}{
		{`{"n":20}`, `"big"`},
		{`{"n":5}`, `"small"`},
		{`{}`, `"small"`}, // missing variable: rule is false, default taken
	} {
		info := runSync(t, p, fmt.Sprintf("choice-%d", i), choiceDefinition, tc.input)
		require.Equal(t, StatusSucceeded, info.Status, "%s: %s %s", tc.input, info.Error, info.Cause)
		assert.JSONEq(t, tc.want, string(info.Output), "input %s", tc.input)
	}
}

func TestPassResultPathInjection(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "Result": {"status": "done"}, "ResultPath": "$.step", "End": true}
		}
	}`
	info := runSync(t, p, "inject", definition, `{"order":"o1"}`)
	require.Equal(t, StatusSucceeded, info.Status)
	assert.JSONEq(t, `{"order":"o1","step":{"status":"done"}}`, string(info.Output))
}

func TestNullResultPathDiscardsResult(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "Result": "ignored", "ResultPath": null, "End": true}
		}
	}`
	info := runSync(t, p, "discard", definition, `{"kept":true}`)
	require.Equal(t, StatusSucceeded, info.Status)
	assert.JSONEq(t, `{"kept":true}`, string(info.Output))
}

func TestInputOutputProjection(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "P",
		"States": {
			"P": {"Type": "Pass", "InputPath": "$.order", "ResultPath": "$.echo", "OutputPath": "$.echo", "End": true}
		}
	}`
	info := runSync(t, p, "project", definition, `{"order":{"id":"o1"},"noise":1}`)
	require.Equal(t, StatusSucceeded, info.Status)
	assert.JSONEq(t, `{"id":"o1"}`, string(info.Output))
}

func TestMissingInputPathFailsExecution(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "P",
		"States": {"P": {"Type": "Pass", "InputPath": "$.absent", "End": true}}
	}`
	info := runSync(t, p, "missing-path", definition, `{}`)
	require.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "States.Runtime", info.Error)
}

func TestParametersWithPathsAndContext(t *testing.T) {
	invoker := &fakeInvoker{}
	p := newTestProvider(t, invoker)
	definition := `{
		"StartAt": "T",
		"States": {
			"T": {
				"Type": "Task",
				"Resource": "arn:aws:lambda:local-1:000000000000:function:work",
				"Parameters": {
					"orderId.$": "$.order.id",
					"execName.$": "$$.State.Name",
					"static": 7
				},
				"End": true
			}
		}
	}`
	info := runSync(t, p, "params", definition, `{"order":{"id":"o7"}}`)
	require.Equal(t, StatusSucceeded, info.Status, info.Cause)

	invoker.mu.Lock()
	payload := invoker.calls["work"][0]
	invoker.mu.Unlock()
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "o7", event["orderId"])
	assert.Equal(t, "T", event["execName"])
	assert.Equal(t, float64(7), event["static"])
}

func TestResultSelector(t *testing.T) {
	invoker := &fakeInvoker{
		results: map[string]*api.InvocationResult{
			"work": {Payload: json.RawMessage(`{"code":201,"body":"created"}`)},
		},
	}
	p := newTestProvider(t, invoker)
	definition := `{
		"StartAt": "T",
		"States": {
			"T": {
				"Type": "Task",
				"Resource": "work",
				"ResultSelector": {"status.$": "$.code"},
				"End": true
			}
		}
	}`
	info := runSync(t, p, "selector", definition, `{}`)
	require.Equal(t, StatusSucceeded, info.Status, info.Cause)
	assert.JSONEq(t, `{"status":201}`, string(info.Output))
}

func TestTaskFailureEndsExecution(t *testing.T) {
	invoker := &fakeInvoker{
		results: map[string]*api.InvocationResult{
			"boom": {Error: &api.InvocationError{Type: "ValueError", Message: "bad input"}},
		},
	}
	p := newTestProvider(t, invoker)
	definition := `{
		"StartAt": "T",
		"States": {"T": {"Type": "Task", "Resource": "boom", "End": true}}
	}`
	info := runSync(t, p, "task-fail", definition, `{}`)
	require.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "ValueError", info.Error)
	assert.Equal(t, "bad input", info.Cause)

	exec, err := p.Execution(info.Arn)
	require.NoError(t, err)
	records := exec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "T", records[0].State)
	assert.Equal(t, "ValueError", records[0].Error)
}

func TestFailState(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "F",
		"States": {"F": {"Type": "Fail", "Error": "OrderRejected", "Cause": "limit exceeded"}}
	}`
	info := runSync(t, p, "fail-state", definition, `{}`)
	require.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "OrderRejected", info.Error)
	assert.Equal(t, "limit exceeded", info.Cause)
}

func TestExecutionHistoryChain(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "A",
		"States": {
			"A": {"Type": "Pass", "Result": 1, "ResultPath": "$.a", "Next": "B"},
			"B": {"Type": "Pass", "Result": 2, "ResultPath": "$.b", "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`
	info := runSync(t, p, "chain", definition, `{}`)
	require.Equal(t, StatusSucceeded, info.Status)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(info.Output))

	exec, err := p.Execution(info.Arn)
	require.NoError(t, err)
	records := exec.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "A", records[0].State)
	assert.Equal(t, "B", records[1].State)
	assert.Equal(t, "Done", records[2].State)
	assert.JSONEq(t, `{"a":1}`, string(records[0].Output))
	assert.JSONEq(t, `{"a":1,"b":2}`, string(records[1].Output))
}

func TestStandardExecutionRunsAsync(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "W",
		"States": {
			"W": {"Type": "Wait", "Seconds": 30, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`
	machine, err := p.CreateStateMachine("slow", definition, TypeStandard)
	require.NoError(t, err)

	exec, err := p.StartExecution(context.Background(), machine.Arn, "run-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, exec.CurrentStatus())

	stopped, err := p.StopExecution(exec.Arn)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, stopped.CurrentStatus())

	records := stopped.Records()
	require.NotEmpty(t, records)
	assert.Equal(t, "ExecutionAborted", records[len(records)-1].State)
}

func TestWaitSecondsPath(t *testing.T) {
	p := newTestProvider(t, nil)
	definition := `{
		"StartAt": "W",
		"States": {
			"W": {"Type": "Wait", "SecondsPath": "$.delay", "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`
	start := time.Now()
	info := runSync(t, p, "wait-path", definition, `{"delay":0}`)
	require.Equal(t, StatusSucceeded, info.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChoiceOperators(t *testing.T) {
	doc := json.RawMessage(`{"s":"abc","n":5,"b":true,"t":"2024-01-02T00:00:00Z","z":null}`)
	str := func(v string) *string { return &v }
	num := func(v float64) *float64 { return &v }
	boolean := func(v bool) *bool { return &v }

	cases := []struct {
		name string
		rule ChoiceRule
		want bool
	}{
		{"string equals", ChoiceRule{Variable: "$.s", StringEquals: str("abc")}, true},
		{"string less than", ChoiceRule{Variable: "$.s", StringLessThan: str("abd")}, true},
		{"numeric gte", ChoiceRule{Variable: "$.n", NumericGreaterThanEquals: num(5)}, true},
		{"numeric lt false", ChoiceRule{Variable: "$.n", NumericLessThan: num(5)}, false},
		{"boolean equals", ChoiceRule{Variable: "$.b", BooleanEquals: boolean(true)}, true},
		{"timestamp ordered", ChoiceRule{Variable: "$.t", TimestampLessThan: str("2025-01-01T00:00:00Z")}, true},
		{"is string", ChoiceRule{Variable: "$.s", IsString: boolean(true)}, true},
		{"is numeric on string", ChoiceRule{Variable: "$.s", IsNumeric: boolean(true)}, false},
		{"is null", ChoiceRule{Variable: "$.z", IsNull: boolean(true)}, true},
		{"missing variable is false", ChoiceRule{Variable: "$.ghost", StringEquals: str("x")}, false},
		{"is present missing", ChoiceRule{Variable: "$.ghost", IsPresent: boolean(true)}, false},
		{"is present inverted", ChoiceRule{Variable: "$.ghost", IsPresent: boolean(false)}, true},
		{"and", ChoiceRule{And: []*ChoiceRule{
			{Variable: "$.n", NumericGreaterThan: num(1)},
			{Variable: "$.s", StringEquals: str("abc")},
		}}, true},
		{"or", ChoiceRule{Or: []*ChoiceRule{
			{Variable: "$.n", NumericGreaterThan: num(100)},
			{Variable: "$.b", BooleanEquals: boolean(true)},
		}}, true},
		{"not", ChoiceRule{Not: &ChoiceRule{Variable: "$.n", NumericEquals: num(5)}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rule.Evaluate(doc))
		})
	}
}

func TestDefinitionValidation(t *testing.T) {
	p := newTestProvider(t, nil)
	for name, definition := range map[string]string{
		"no start":       `{"States":{"A":{"Type":"Succeed"}}}`,
		"unknown start":  `{"StartAt":"X","States":{"A":{"Type":"Succeed"}}}`,
		"dangling next":  `{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"X"}}}`,
		"no terminator":  `{"StartAt":"A","States":{"A":{"Type":"Pass"}}}`,
		"task sans arn":  `{"StartAt":"A","States":{"A":{"Type":"Task","End":true}}}`,
		"bad state type": `{"StartAt":"A","States":{"A":{"Type":"Parallel","End":true}}}`,
	} {
		_, err := p.CreateStateMachine("bad", definition, TypeExpress)
		assert.True(t, api.IsValidation(err), "%s should be rejected", name)
	}
}

func TestWireExecutionLifecycle(t *testing.T) {
	p := newTestProvider(t, nil)
	h := NewSurface(p).Handler()

	do := func(operation string, req interface{}) *httptest.ResponseRecorder {
		encoded, err := json.Marshal(req)
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(encoded))
		r.Header.Set("X-Amz-Target", targetPrefix+"."+operation)
		r.Header.Set("Content-Type", "application/x-amz-json-1.0")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do("CreateStateMachine", map[string]string{
		"name":       "router",
		"definition": choiceDefinition,
		"type":       "EXPRESS",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created struct {
		StateMachineArn string `json:"stateMachineArn"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do("StartSyncExecution", map[string]string{
		"stateMachineArn": created.StateMachineArn,
		"input":           `{"n":42}`,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sync struct {
		ExecutionArn string `json:"executionArn"`
		Status       string `json:"status"`
		Output       string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sync))
	assert.Equal(t, "SUCCEEDED", sync.Status)
	assert.JSONEq(t, `"big"`, sync.Output)

	w = do("DescribeExecution", map[string]string{"executionArn": sync.ExecutionArn})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"SUCCEEDED"`)

	w = do("GetExecutionHistory", map[string]string{"executionArn": sync.ExecutionArn})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stateName":"C"`)
	assert.Contains(t, w.Body.String(), `"stateName":"Big"`)

	w = do("DescribeExecution", map[string]string{"executionArn": "arn:aws:states:local-1:000000000000:execution:router:ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
