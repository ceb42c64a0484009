package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/api"
	"localcloud/internal/runtime"
)

type fakeStrategy struct {
	mu     sync.Mutex
	events [][]byte
	ics    []api.InvocationContext
	result *api.InvocationResult
}

func (f *fakeStrategy) Prepare(ctx context.Context) error { return nil }

func (f *fakeStrategy) Invoke(ctx context.Context, event []byte, ic api.InvocationContext) (*api.InvocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.ics = append(f.ics, ic)
	if f.result != nil {
		return f.result, nil
	}
	return &api.InvocationResult{Payload: json.RawMessage(`{"echo":true}`), RequestID: ic.RequestID}, nil
}

func newTestProvider(t *testing.T, endpointEnv map[string]string) *Provider {
	t.Helper()
	p := NewProvider(nil, endpointEnv, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func TestInvokeCompletesContext(t *testing.T) {
	p := newTestProvider(t, map[string]string{"QUEUE_ENDPOINT": "http://127.0.0.1:4581"})
	strategy := &fakeStrategy{}
	p.register(&runtime.Function{Name: "work", MemoryMB: 256}, strategy)

	res, err := p.Invoke(context.Background(), api.InvocationRequest{
		FunctionName: "work",
		Payload:      json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.False(t, res.Failed())

	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	require.Len(t, strategy.ics, 1)
	ic := strategy.ics[0]
	assert.NotEmpty(t, ic.RequestID)
	assert.Equal(t, "arn:aws:lambda:local-1:000000000000:function:work", ic.FunctionArn)
	assert.Equal(t, 256, ic.MemoryMB)
	assert.Equal(t, "http://127.0.0.1:4581", ic.EnvOverride["QUEUE_ENDPOINT"])
	assert.JSONEq(t, `{"n":1}`, string(strategy.events[0]))
}

func TestInvokeUnknownFunction(t *testing.T) {
	p := newTestProvider(t, nil)
	_, err := p.Invoke(context.Background(), api.InvocationRequest{FunctionName: "ghost"})
	assert.True(t, api.IsNotFound(err))
}

func TestEmptyPayloadDefaults(t *testing.T) {
	p := newTestProvider(t, nil)
	strategy := &fakeStrategy{}
	p.register(&runtime.Function{Name: "work"}, strategy)

	_, err := p.Invoke(context.Background(), api.InvocationRequest{FunctionName: "work"})
	require.NoError(t, err)
	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	assert.JSONEq(t, `{}`, string(strategy.events[0]))
}

func TestRequestEnvOverrideWinsOverEndpoints(t *testing.T) {
	p := newTestProvider(t, map[string]string{"SHARED": "endpoint"})
	strategy := &fakeStrategy{}
	p.register(&runtime.Function{Name: "work"}, strategy)

	_, err := p.Invoke(context.Background(), api.InvocationRequest{
		FunctionName: "work",
		Context:      api.InvocationContext{EnvOverride: map[string]string{"SHARED": "request"}},
	})
	require.NoError(t, err)
	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	assert.Equal(t, "request", strategy.ics[0].EnvOverride["SHARED"])
}

func TestWireInvoke(t *testing.T) {
	p := newTestProvider(t, nil)
	p.register(&runtime.Function{Name: "work", Runtime: "nodejs18.x", Handler: "index.handler", Timeout: 5 * time.Second}, &fakeStrategy{})
	h := NewSurface(p).Handler()

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/work/invocations", bytes.NewReader([]byte(`{"n":1}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"echo":true}`, w.Body.String())
	assert.Empty(t, w.Header().Get("X-Amz-Function-Error"))
}

func TestWireInvokeHandlerError(t *testing.T) {
	p := newTestProvider(t, nil)
	p.register(&runtime.Function{Name: "boom"}, &fakeStrategy{
		result: &api.InvocationResult{Error: &api.InvocationError{Type: "ValueError", Message: "bad"}},
	})
	h := NewSurface(p).Handler()

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/boom/invocations", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Unhandled", w.Header().Get("X-Amz-Function-Error"))
	assert.Contains(t, w.Body.String(), `"errorType":"ValueError"`)
}

func TestWireInvokeEventType(t *testing.T) {
	p := newTestProvider(t, nil)
	strategy := &fakeStrategy{}
	p.register(&runtime.Function{Name: "bg"}, strategy)
	h := NewSurface(p).Handler()

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/bg/invocations", bytes.NewReader([]byte(`{"n":2}`)))
	req.Header.Set("X-Amz-Invocation-Type", "Event")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		strategy.mu.Lock()
		defer strategy.mu.Unlock()
		return len(strategy.events) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWireGetAndList(t *testing.T) {
	p := newTestProvider(t, nil)
	p.register(&runtime.Function{Name: "work", Runtime: "python3.11", Handler: "app.handler"}, &fakeStrategy{})
	h := NewSurface(p).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/2015-03-31/functions/work", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"FunctionName":"work"`)
	assert.Contains(t, w.Body.String(), `"Runtime":"python3.11"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/2015-03-31/functions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Functions"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/2015-03-31/functions/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
