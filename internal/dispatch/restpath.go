package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"localcloud/internal/api"
)

// RESTResponse is the structured response a REST-path handler returns; the
// mux serializes it.
type RESTResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// RESTHandler handles one REST-path route. body is the raw request body;
// pathVars holds the named template variables.
type RESTHandler func(ctx context.Context, rc RequestContext, body []byte, pathVars map[string]string, r *http.Request) (*RESTResponse, error)

type restRoute struct {
	method   string
	template string
	re       *regexp.Regexp
	handler  RESTHandler
}

// RESTMux dispatches the REST-with-path dialect: routes are compiled from
// templates like /v1/resources/{id}/items/{itemId} into regexes with named
// groups, iterated in insertion order; the first method+path match wins.
// The hybrid variant (XML bodies, sub-resource queries) reuses the same
// mux with ErrorFormatXML.
type RESTMux struct {
	routes    []restRoute
	errFormat ErrorFormat
}

// NewRESTMux creates a mux with the given error envelope format.
func NewRESTMux(errFormat ErrorFormat) *RESTMux {
	return &RESTMux{errFormat: errFormat}
}

var templateVar = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)(\+?)\}`)

// compileTemplate converts a path template into an anchored regex. A
// variable written {name} matches one segment; {name+} matches greedily
// across segments (used for object keys).
func compileTemplate(template string) (*regexp.Regexp, error) {
	pattern := regexp.QuoteMeta(template)
	// QuoteMeta escapes the braces; operate on the escaped forms.
	pattern = strings.ReplaceAll(pattern, `\{`, `{`)
	pattern = strings.ReplaceAll(pattern, `\}`, `}`)
	pattern = strings.ReplaceAll(pattern, `\+`, `+`)
	pattern = templateVar.ReplaceAllStringFunc(pattern, func(match string) string {
		groups := templateVar.FindStringSubmatch(match)
		name, greedy := groups[1], groups[2] == "+"
		if greedy {
			return fmt.Sprintf(`(?P<%s>.+)`, name)
		}
		return fmt.Sprintf(`(?P<%s>[^/]+)`, name)
	})
	return regexp.Compile("^" + pattern + "$")
}

// Handle registers a route. Registration order is match order.
func (m *RESTMux) Handle(method, template string, handler RESTHandler) error {
	re, err := compileTemplate(template)
	if err != nil {
		return fmt.Errorf("invalid route template %s: %w", template, err)
	}
	m.routes = append(m.routes, restRoute{method: method, template: template, re: re, handler: handler})
	return nil
}

// MustHandle registers a route and panics on an invalid template. Route
// tables are static, so a bad template is a programming error.
func (m *RESTMux) MustHandle(method, template string, handler RESTHandler) {
	if err := m.Handle(method, template, handler); err != nil {
		panic(err)
	}
}

func (m *RESTMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext()

	for _, route := range m.routes {
		if route.method != r.Method {
			continue
		}
		match := route.re.FindStringSubmatch(r.URL.Path)
		if match == nil {
			continue
		}
		pathVars := make(map[string]string)
		for i, name := range route.re.SubexpNames() {
			if i > 0 && name != "" {
				pathVars[name] = match[i]
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, m.errFormat, rc, api.NewValidation("", "failed to read request body"))
			return
		}

		resp, err := route.handler(r.Context(), rc, body, pathVars, r)
		if err != nil {
			WriteError(w, m.errFormat, rc, err)
			return
		}
		if resp == nil {
			resp = &RESTResponse{Status: http.StatusOK}
		}
		for key, values := range resp.Headers {
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		w.Header().Set("x-amzn-RequestId", rc.RequestID)
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
		return
	}

	WriteError(w, m.errFormat, rc, api.NewNotFound("route", r.Method+" "+r.URL.Path))
}
