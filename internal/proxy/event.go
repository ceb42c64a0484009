package proxy

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// defaultBinaryTypes is the content-type set whose request bodies are
// base64-encoded into the proxy event.
var defaultBinaryTypes = []string{
	"application/octet-stream",
	"image/*",
	"audio/*",
	"video/*",
}

// IsBinary reports whether a request content type belongs to the binary
// set. extra lists additional configured types; entries may use the
// family wildcard form "type/*".
func IsBinary(contentType string, extra []string) bool {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(mediaType)
	for _, t := range append(append([]string{}, defaultBinaryTypes...), extra...) {
		t = strings.ToLower(t)
		if strings.HasSuffix(t, "/*") {
			if strings.HasPrefix(mediaType, strings.TrimSuffix(t, "*")) {
				return true
			}
		} else if mediaType == t {
			return true
		}
	}
	return false
}

func sourceIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func readBody(r *http.Request, extraBinary []string) (body string, isBase64 bool, err error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", false, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(raw) == 0 {
		return "", false, nil
	}
	if IsBinary(r.Header.Get("Content-Type"), extraBinary) {
		return base64.StdEncoding.EncodeToString(raw), true, nil
	}
	return string(raw), false, nil
}

// BuildV1Event converts an HTTP request into a payload-format v1 proxy
// event (legacy gateway). resource is the route template the request
// matched; pathParams its extracted variables.
func BuildV1Event(r *http.Request, resource string, pathParams map[string]string, extraBinary []string) (*events.APIGatewayProxyRequest, error) {
	body, isBase64, err := readBody(r, extraBinary)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	multiHeaders := make(map[string][]string)
	for name, values := range r.Header {
		multiHeaders[name] = values
		headers[name] = values[len(values)-1]
	}

	query := make(map[string]string)
	multiQuery := make(map[string][]string)
	for name, values := range r.URL.Query() {
		multiQuery[name] = values
		query[name] = values[len(values)-1]
	}
	if len(query) == 0 {
		query = nil
		multiQuery = nil
	}

	return &events.APIGatewayProxyRequest{
		Resource:                        resource,
		Path:                            r.URL.Path,
		HTTPMethod:                      r.Method,
		Headers:                         headers,
		MultiValueHeaders:               multiHeaders,
		QueryStringParameters:           query,
		MultiValueQueryStringParameters: multiQuery,
		PathParameters:                  pathParams,
		Body:                            body,
		IsBase64Encoded:                 isBase64,
		RequestContext: events.APIGatewayProxyRequestContext{
			AccountID:    "000000000000",
			Stage:        "local",
			RequestID:    uuid.NewString(),
			ResourcePath: resource,
			HTTPMethod:   r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Identity: events.APIGatewayRequestIdentity{
				SourceIP:  sourceIP(r),
				UserAgent: r.UserAgent(),
			},
		},
	}, nil
}

// BuildV2Event converts an HTTP request into a payload-format v2 proxy
// event (http api / function url). Repeated headers and query parameters
// are comma-joined; cookies move out of headers into the cookie list.
func BuildV2Event(r *http.Request, routeKey string, pathParams map[string]string, extraBinary []string) (*events.APIGatewayV2HTTPRequest, error) {
	body, isBase64, err := readBody(r, extraBinary)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	var cookies []string
	for name, values := range r.Header {
		if strings.EqualFold(name, "Cookie") {
			for _, v := range values {
				for _, c := range strings.Split(v, "; ") {
					if c != "" {
						cookies = append(cookies, c)
					}
				}
			}
			continue
		}
		headers[strings.ToLower(name)] = strings.Join(values, ",")
	}

	var query map[string]string
	if params := r.URL.Query(); len(params) > 0 {
		// Deterministic comma-join ordering for repeated parameters.
		query = make(map[string]string, len(params))
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			query[name] = strings.Join(params[name], ",")
		}
	}

	return &events.APIGatewayV2HTTPRequest{
		Version:               "2.0",
		RouteKey:              routeKey,
		RawPath:               r.URL.Path,
		RawQueryString:        r.URL.RawQuery,
		Cookies:               cookies,
		Headers:               headers,
		QueryStringParameters: query,
		PathParameters:        pathParams,
		Body:                  body,
		IsBase64Encoded:       isBase64,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			AccountID: "000000000000",
			Stage:     "$default",
			RouteKey:  routeKey,
			RequestID: uuid.NewString(),
			Time:      time.Now().UTC().Format("02/Jan/2006:15:04:05 -0700"),
			TimeEpoch: time.Now().UnixMilli(),
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:    r.Method,
				Path:      r.URL.Path,
				Protocol:  r.Proto,
				SourceIP:  sourceIP(r),
				UserAgent: r.UserAgent(),
			},
		},
	}, nil
}
