package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"localcloud/internal/api"
	"localcloud/pkg/logging"
)

// JSONHandler handles one JSON-target operation. body is the decoded
// request document; the returned value is serialized as the response body.
type JSONHandler func(ctx context.Context, rc RequestContext, body map[string]interface{}) (interface{}, error)

// JSONTargetMux dispatches the JSON-with-operation-header dialect: the
// operation is selected by the X-Amz-Target header value
// "ServicePrefix.Operation" and bodies are JSON documents both ways.
type JSONTargetMux struct {
	prefix string
	ops    map[string]JSONHandler
}

// NewJSONTargetMux creates a mux for one service prefix (e.g.
// "DynamoDB_20120810" or "AWSEvents").
func NewJSONTargetMux(prefix string) *JSONTargetMux {
	return &JSONTargetMux{prefix: prefix, ops: make(map[string]JSONHandler)}
}

// Handle registers an operation handler.
func (m *JSONTargetMux) Handle(operation string, h JSONHandler) {
	m.ops[operation] = h
}

// Operations returns the registered operation names.
func (m *JSONTargetMux) Operations() []string {
	out := make([]string, 0, len(m.ops))
	for op := range m.ops {
		out = append(out, op)
	}
	return out
}

func (m *JSONTargetMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext()

	target := r.Header.Get("X-Amz-Target")
	dot := strings.LastIndex(target, ".")
	if target == "" || dot < 0 {
		WriteError(w, ErrorFormatJSON, rc, api.NewValidation("MissingAction", "missing X-Amz-Target header"))
		return
	}
	prefix, operation := target[:dot], target[dot+1:]
	if prefix != m.prefix {
		WriteError(w, ErrorFormatJSON, rc, api.NewValidation("InvalidAction", "unexpected target service %s", prefix))
		return
	}
	handler, ok := m.ops[operation]
	if !ok {
		WriteError(w, ErrorFormatJSON, rc, api.NewValidation("UnknownOperationException", "unknown operation %s", operation))
		return
	}

	body := map[string]interface{}{}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, ErrorFormatJSON, rc, api.NewValidation("", "failed to read request body"))
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			WriteError(w, ErrorFormatJSON, rc, api.NewValidation("SerializationException", "invalid JSON body"))
			return
		}
	}

	logging.Debug("Dispatch", "%s.%s request %s", m.prefix, operation, rc.RequestID)
	result, err := handler(r.Context(), rc, body)
	if err != nil {
		WriteError(w, ErrorFormatJSON, rc, err)
		return
	}
	if result == nil {
		result = map[string]interface{}{}
	}

	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	w.Header().Set("x-amzn-RequestId", rc.RequestID)
	_ = json.NewEncoder(w).Encode(result)
}
