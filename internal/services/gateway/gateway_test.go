package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/api"
)

// echoInvoker replies with a canned handler response and records the
// events it received.
type echoInvoker struct {
	mu       sync.Mutex
	events   []json.RawMessage
	response interface{}
	result   *api.InvocationResult
	err      error
}

func (f *echoInvoker) Invoke(ctx context.Context, req api.InvocationRequest) (*api.InvocationResult, error) {
	f.mu.Lock()
	f.events = append(f.events, req.Payload)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	payload, err := json.Marshal(f.response)
	if err != nil {
		return nil, err
	}
	return &api.InvocationResult{Payload: payload}, nil
}

func (f *echoInvoker) FunctionArn(name string) string {
	return "arn:aws:lambda:local-1:000000000000:function:" + name
}

func (f *echoInvoker) lastEvent(t *testing.T) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.events)
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(f.events[len(f.events)-1], &event))
	return event
}

func TestV2RoundTrip(t *testing.T) {
	invoker := &echoInvoker{response: map[string]interface{}{
		"statusCode": 201,
		"body":       "ok",
		"cookies":    []string{"c=v"},
	}}
	g := New(API{
		Name:    "items-api",
		Payload: PayloadV2,
		Routes:  []Route{{Method: "GET", Path: "/items/{id}", Function: "get-item"}},
	}, invoker, nil)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/items/abc?x=1&x=2", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", "s=1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, []string{"c=v"}, resp.Header.Values("Set-Cookie"))

	event := invoker.lastEvent(t)
	assert.Equal(t, "GET /items/{id}", event["routeKey"])
	assert.Equal(t, "/items/abc", event["rawPath"])
	params := event["pathParameters"].(map[string]interface{})
	assert.Equal(t, "abc", params["id"])
	query := event["queryStringParameters"].(map[string]interface{})
	assert.Equal(t, "1,2", query["x"])
	cookies := event["cookies"].([]interface{})
	assert.Equal(t, []interface{}{"s=1"}, cookies)
}

func TestV1EventShape(t *testing.T) {
	invoker := &echoInvoker{response: map[string]interface{}{"statusCode": 200, "body": "fine"}}
	g := New(API{
		Name:    "legacy",
		Payload: PayloadV1,
		Routes:  []Route{{Method: "POST", Path: "/orders/{orderId}", Function: "create"}},
	}, invoker, nil)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/orders/o1?v=a&v=b", "application/json", strings.NewReader(`{"qty":2}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event := invoker.lastEvent(t)
	assert.Equal(t, "POST", event["httpMethod"])
	assert.Equal(t, "/orders/o1", event["path"])
	assert.Equal(t, "/orders/{orderId}", event["resource"])
	assert.Equal(t, `{"qty":2}`, event["body"])
	multi := event["multiValueQueryStringParameters"].(map[string]interface{})
	assert.Len(t, multi["v"], 2)
}

func TestFunctionURLDefaultRouteKey(t *testing.T) {
	invoker := &echoInvoker{response: map[string]interface{}{"statusCode": 200, "body": "hi"}}
	g := New(FunctionURL("fn-url", "handler"), invoker, nil)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/anything/goes")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event := invoker.lastEvent(t)
	assert.Equal(t, "$default", event["routeKey"])
	params := event["pathParameters"].(map[string]interface{})
	assert.Equal(t, "anything/goes", params["proxy"])
}

func TestHandlerErrorBecomes500(t *testing.T) {
	invoker := &echoInvoker{result: &api.InvocationResult{
		Error: &api.InvocationError{Type: "ValueError", Message: "no such item"},
	}}
	g := New(API{
		Name:    "err-api",
		Payload: PayloadV2,
		Routes:  []Route{{Method: "GET", Path: "/x", Function: "fn"}},
	}, invoker, nil)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "no such item", body["message"])
}

func TestTimeoutBecomes504(t *testing.T) {
	invoker := &echoInvoker{result: &api.InvocationResult{
		Error: &api.InvocationError{Type: "TimeoutError", Message: "deadline exceeded"},
	}}
	g := New(API{
		Name:    "slow-api",
		Payload: PayloadV2,
		Routes:  []Route{{Method: "GET", Path: "/slow", Function: "fn"}},
	}, invoker, nil)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/slow")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestUnmatchedRouteIs404(t *testing.T) {
	g := New(API{
		Name:    "small",
		Payload: PayloadV2,
		Routes:  []Route{{Method: "GET", Path: "/only", Function: "fn"}},
	}, &echoInvoker{response: map[string]interface{}{"statusCode": 200}}, nil)
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProviderLifecycle(t *testing.T) {
	p := NewProvider([]API{
		{Name: "a", Payload: PayloadV2, Routes: []Route{{Method: "GET", Path: "/x", Function: "fn"}}},
		FunctionURL("b", "fn"),
	}, &echoInvoker{}, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.Equal(t, []string{"a", "b"}, p.Names())
	_, err := p.Gateway("a")
	require.NoError(t, err)
	_, err = p.Gateway("ghost")
	assert.True(t, api.IsNotFound(err))
}
