package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/api"
)

// shellStrategy builds a Subprocess whose child is an inline shell script,
// which keeps these tests independent of node or python being installed.
func shellStrategy(t *testing.T, script string) *Subprocess {
	t.Helper()
	fn := &Function{Name: "t", Runtime: "nodejs18.x", Handler: "index.handler", CodePath: t.TempDir(), Timeout: 5 * time.Second}
	return &Subprocess{fn: fn, command: "sh", args: []string{"-c", script}}
}

func TestInvokeSuccess(t *testing.T) {
	s := shellStrategy(t, `cat > /dev/null; printf '{"result": {"ok": true}}'`)
	res, err := s.Invoke(context.Background(), []byte(`{"in":1}`), api.InvocationContext{RequestID: "r-1"})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.JSONEq(t, `{"ok": true}`, string(res.Payload))
	assert.Equal(t, "r-1", res.RequestID)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestInvokeEchoesEvent(t *testing.T) {
	s := shellStrategy(t, `printf '{"result": %s}' "$(cat)"`)
	res, err := s.Invoke(context.Background(), []byte(`{"value":"hello"}`), api.InvocationContext{})
	require.NoError(t, err)
	require.False(t, res.Failed())
	assert.JSONEq(t, `{"value":"hello"}`, string(res.Payload))
}

func TestInvokeHandlerError(t *testing.T) {
	s := shellStrategy(t, `cat > /dev/null; printf '{"error": {"errorMessage": "boom", "errorType": "ValueError"}}'`)
	res, err := s.Invoke(context.Background(), nil, api.InvocationContext{})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "boom", res.Error.Message)
	assert.Equal(t, "ValueError", res.Error.Type)
}

func TestInvokeMalformedOutput(t *testing.T) {
	s := shellStrategy(t, `cat > /dev/null; printf 'not json at all'`)
	res, err := s.Invoke(context.Background(), nil, api.InvocationContext{})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "Runtime.ParseError", res.Error.Type)
	assert.Contains(t, res.Error.Message, "not json at all")
}

func TestInvokeNoOutput(t *testing.T) {
	s := shellStrategy(t, `cat > /dev/null`)
	res, err := s.Invoke(context.Background(), nil, api.InvocationContext{})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "Runtime.ParseError", res.Error.Type)
}

func TestInvokeDeadline(t *testing.T) {
	s := shellStrategy(t, `sleep 10`)
	start := time.Now()
	res, err := s.Invoke(context.Background(), nil, api.InvocationContext{
		Deadline: time.Now().Add(150 * time.Millisecond),
	})
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.Equal(t, "TimeoutError", res.Error.Type)
	assert.Less(t, time.Since(start), 5*time.Second, "child must be terminated, not awaited")
}

func TestInvokeContextCancel(t *testing.T) {
	s := shellStrategy(t, `sleep 10`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := s.Invoke(ctx, nil, api.InvocationContext{Deadline: time.Now().Add(time.Minute)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSubprocessRuntimes(t *testing.T) {
	node, err := NewSubprocess(&Function{Name: "f", Runtime: "nodejs20.x"})
	require.NoError(t, err)
	assert.Equal(t, "node", node.command)

	py, err := NewSubprocess(&Function{Name: "f", Runtime: "python3.11"})
	require.NoError(t, err)
	assert.Equal(t, "python3", py.command)

	_, err = NewSubprocess(&Function{Name: "f", Runtime: "java17"})
	require.Error(t, err)
	assert.Equal(t, api.KindConfiguration, api.KindOf(err))
}

func TestBuildEnvLayering(t *testing.T) {
	t.Setenv("LAYER_TEST", "process")
	fn := &Function{
		Name:     "orders",
		Handler:  "index.handler",
		CodePath: "/tmp/code",
		MemoryMB: 256,
		Env:      map[string]string{"LAYER_TEST": "function", "TABLE_NAME": "orders"},
	}
	ic := api.InvocationContext{
		RequestID:   "req-9",
		FunctionArn: "arn:aws:lambda:local-1:000000000000:function:orders",
		EnvOverride: map[string]string{"LAYER_TEST": "override", "AWS_ENDPOINT_URL_SQS": "http://127.0.0.1:4581"},
	}

	env := BuildEnv(fn, ic)
	lookup := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		lookup[k] = v
	}

	assert.Equal(t, "override", lookup["LAYER_TEST"], "later layers win")
	assert.Equal(t, "orders", lookup["TABLE_NAME"])
	assert.Equal(t, "http://127.0.0.1:4581", lookup["AWS_ENDPOINT_URL_SQS"])
	assert.Equal(t, "orders", lookup["AWS_LAMBDA_FUNCTION_NAME"])
	assert.Equal(t, "256", lookup["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"])
	assert.Equal(t, "req-9", lookup["AWS_REQUEST_ID"])
	assert.Equal(t, "/tmp/code", lookup["LAMBDA_TASK_ROOT"])
	assert.Equal(t, "index.handler", lookup["_HANDLER"])
}

func TestForFunctionPicksContainer(t *testing.T) {
	s, err := ForFunction(&Function{Name: "f", Image: "example/image:1"})
	require.NoError(t, err)
	_, ok := s.(*Container)
	assert.True(t, ok)
}
