package dispatch

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"

	"localcloud/internal/api"
	"localcloud/pkg/logging"
)

// QueryHandler handles one query-action operation. params carries the
// merged form fields and query parameters.
type QueryHandler func(ctx context.Context, rc RequestContext, params url.Values) (interface{}, error)

// QueryActionMux dispatches the form-encoded action dialect: the operation
// is the Action form field or query parameter, and responses are XML
// envelopes <OpResponse><OpResult>...</OpResult>...</OpResponse>.
type QueryActionMux struct {
	xmlns string
	ops   map[string]QueryHandler
}

// NewQueryActionMux creates a mux with the service XML namespace.
func NewQueryActionMux(xmlns string) *QueryActionMux {
	return &QueryActionMux{xmlns: xmlns, ops: make(map[string]QueryHandler)}
}

// Handle registers an operation handler.
func (m *QueryActionMux) Handle(operation string, h QueryHandler) {
	m.ops[operation] = h
}

func (m *QueryActionMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext()

	if err := r.ParseForm(); err != nil {
		WriteError(w, ErrorFormatXML, rc, api.NewValidation("MalformedInput", "unparseable form body"))
		return
	}
	action := r.Form.Get("Action")
	if action == "" {
		WriteError(w, ErrorFormatXML, rc, api.NewValidation("MissingAction", "missing Action parameter"))
		return
	}
	handler, ok := m.ops[action]
	if !ok {
		WriteError(w, ErrorFormatXML, rc, api.NewValidation("InvalidAction", "unknown action %s", action))
		return
	}

	logging.Debug("Dispatch", "%s request %s", action, rc.RequestID)
	result, err := handler(r.Context(), rc, r.Form)
	if err != nil {
		WriteError(w, ErrorFormatXML, rc, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-amzn-RequestId", rc.RequestID)
	writeQueryResponse(w, m.xmlns, action, rc.RequestID, result)
}

func writeQueryResponse(w http.ResponseWriter, xmlns, action, requestID string, result interface{}) {
	fmt.Fprintf(w, "<%sResponse xmlns=%q>", action, xmlns)
	if result != nil {
		enc := xml.NewEncoder(w)
		_ = enc.EncodeElement(result, xml.StartElement{Name: xml.Name{Local: action + "Result"}})
		_ = enc.Flush()
	}
	fmt.Fprintf(w, "<ResponseMetadata><RequestId>%s</RequestId></ResponseMetadata></%sResponse>", requestID, action)
}
