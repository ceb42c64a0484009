package dispatch

import (
	"encoding/json"
	"encoding/xml"
	"net/http"

	"localcloud/internal/api"
	"localcloud/pkg/logging"
)

// ErrorFormat selects the error envelope dialect. Services that serve both
// JSON and XML surfaces inject the format instead of duplicating handlers.
type ErrorFormat int

const (
	ErrorFormatJSON ErrorFormat = iota
	ErrorFormatXML
)

type jsonErrorEnvelope struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

type xmlErrorEnvelope struct {
	XMLName   xml.Name `xml:"ErrorResponse"`
	Code      string   `xml:"Error>Code"`
	Message   string   `xml:"Error>Message"`
	Type      string   `xml:"Error>Type"`
	RequestID string   `xml:"RequestId"`
}

// WriteError renders err into the dialect's native envelope with the
// request identifier attached. Internal errors are logged with their cause;
// only the sanitized message reaches the wire.
func WriteError(w http.ResponseWriter, format ErrorFormat, rc RequestContext, err error) {
	status := api.HTTPStatus(err)
	code := api.WireCode(err)
	message := api.WireMessage(err)

	if api.KindOf(err) == api.KindInternal {
		logging.Error("Dispatch", err, "Internal error serving request %s", rc.RequestID)
	}

	w.Header().Set("x-amzn-RequestId", rc.RequestID)
	switch format {
	case ErrorFormatXML:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_ = xml.NewEncoder(w).Encode(xmlErrorEnvelope{
			Code:      code,
			Message:   message,
			Type:      "Sender",
			RequestID: rc.RequestID,
		})
	default:
		w.Header().Set("Content-Type", "application/x-amz-json-1.0")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(jsonErrorEnvelope{Type: code, Message: message})
	}
}
