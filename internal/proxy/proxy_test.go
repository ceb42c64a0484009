package proxy

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBinary(t *testing.T) {
	tests := []struct {
		ct    string
		extra []string
		want  bool
	}{
		{"application/octet-stream", nil, true},
		{"image/png", nil, true},
		{"audio/mpeg", nil, true},
		{"video/mp4; codecs=avc1", nil, true},
		{"application/json", nil, false},
		{"text/plain; charset=utf-8", nil, false},
		{"application/pdf", []string{"application/pdf"}, true},
		{"font/woff2", []string{"font/*"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsBinary(tt.ct, tt.extra), tt.ct)
	}
}

func TestBuildV1BinaryRoundTrip(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "image/png")

	event, err := BuildV1Event(req, "/upload", nil, nil)
	require.NoError(t, err)

	assert.True(t, event.IsBase64Encoded)
	decoded, err := base64.StdEncoding.DecodeString(event.Body)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestBuildV1TextBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/submit?a=1&a=2&b=3", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("X-Tag", "one")
	req.Header.Add("X-Tag", "two")

	event, err := BuildV1Event(req, "/submit", map[string]string{"id": "abc"}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, event.HTTPMethod)
	assert.Equal(t, "/submit", event.Path)
	assert.False(t, event.IsBase64Encoded)
	assert.Equal(t, `{"x":1}`, event.Body)
	assert.Equal(t, "abc", event.PathParameters["id"])

	assert.Equal(t, []string{"1", "2"}, event.MultiValueQueryStringParameters["a"])
	assert.Equal(t, "2", event.QueryStringParameters["a"], "single map keeps the last value")
	assert.Equal(t, []string{"one", "two"}, event.MultiValueHeaders["X-Tag"])
	assert.Equal(t, "two", event.Headers["X-Tag"])
	assert.NotEmpty(t, event.RequestContext.RequestID)
}

func TestBuildV2Event(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/items/abc?x=1&x=2", nil)
	req.Header.Set("Cookie", "s=1; theme=dark")
	req.Header.Set("User-Agent", "test-agent")

	event, err := BuildV2Event(req, "GET /items/{id}", map[string]string{"id": "abc"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "2.0", event.Version)
	assert.Equal(t, "GET /items/{id}", event.RouteKey)
	assert.Equal(t, "/items/abc", event.RawPath)
	assert.Equal(t, "x=1&x=2", event.RawQueryString)
	assert.Equal(t, "1,2", event.QueryStringParameters["x"], "repeats are comma-joined")
	assert.Equal(t, []string{"s=1", "theme=dark"}, event.Cookies)
	assert.NotContains(t, event.Headers, "cookie", "cookies leave the header map")
	assert.Equal(t, "abc", event.PathParameters["id"])
	assert.Equal(t, http.MethodGet, event.RequestContext.HTTP.Method)
	assert.Equal(t, "/items/abc", event.RequestContext.HTTP.Path)
	assert.Equal(t, "test-agent", event.RequestContext.HTTP.UserAgent)
}

func TestParseHandlerResponse(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantStatus int
		wantBody   string
	}{
		{"structured", `{"statusCode":201,"body":"ok"}`, 201, "ok"},
		{"status defaults to 200", `{"body":"hello"}`, 200, "hello"},
		{"bare string", `"plain"`, 200, "plain"},
		{"bare object passthrough", `{"answer":42}`, 200, `{"answer":42}`},
		{"empty", ``, 200, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseHandlerResponse([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, resp.Body)
		})
	}
}

func TestWriteV2Cookies(t *testing.T) {
	resp := &HandlerResponse{StatusCode: 201, Body: "ok", Cookies: []string{"c=v"}}
	w := httptest.NewRecorder()
	require.NoError(t, WriteV2(w, resp))

	assert.Equal(t, 201, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, []string{"c=v"}, w.Header().Values("Set-Cookie"))
}

func TestWriteV1MultiValueHeaders(t *testing.T) {
	resp := &HandlerResponse{
		StatusCode:        200,
		Headers:           map[string]string{"X-One": "1"},
		MultiValueHeaders: map[string][]string{"X-Many": {"a", "b"}},
		Body:              "done",
	}
	w := httptest.NewRecorder()
	require.NoError(t, WriteV1(w, resp))

	assert.Equal(t, "1", w.Header().Get("X-One"))
	assert.Equal(t, []string{"a", "b"}, w.Header().Values("X-Many"))
}

func TestWriteBase64Body(t *testing.T) {
	raw := []byte{0x01, 0x02, 0xff}
	resp := &HandlerResponse{
		StatusCode:      200,
		Body:            base64.StdEncoding.EncodeToString(raw),
		IsBase64Encoded: true,
	}
	w := httptest.NewRecorder()
	require.NoError(t, WriteV2(w, resp))
	assert.Equal(t, raw, w.Body.Bytes())
}
