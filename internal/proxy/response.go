package proxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// HandlerResponse is the normalized shape of a function's proxy response,
// accepted from both payload dialects:
// {statusCode, headers?, multiValueHeaders?, body, isBase64Encoded?, cookies?}.
type HandlerResponse struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders"`
	Body              string              `json:"body"`
	IsBase64Encoded   bool                `json:"isBase64Encoded"`
	Cookies           []string            `json:"cookies"`
}

// ParseHandlerResponse decodes the raw payload a function returned. A JSON
// object carrying a statusCode (or headers/body keys) is treated as a
// structured response; anything else becomes the body of a 200, matching
// the lenient v2 behavior.
func ParseHandlerResponse(payload []byte) (*HandlerResponse, error) {
	if len(payload) == 0 {
		return &HandlerResponse{StatusCode: http.StatusOK}, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err == nil {
		_, hasStatus := probe["statusCode"]
		_, hasBody := probe["body"]
		if hasStatus || hasBody {
			var resp HandlerResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				return nil, fmt.Errorf("malformed proxy response: %w", err)
			}
			if resp.StatusCode == 0 {
				resp.StatusCode = http.StatusOK
			}
			return &resp, nil
		}
		// A JSON object without proxy keys is passed through as the body.
		return &HandlerResponse{StatusCode: http.StatusOK, Body: string(payload)}, nil
	}

	// Non-object payloads: a JSON string becomes its unquoted value.
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return &HandlerResponse{StatusCode: http.StatusOK, Body: s}, nil
	}
	return &HandlerResponse{StatusCode: http.StatusOK, Body: string(payload)}, nil
}

// WriteV1 renders a handler response as the HTTP reply for a v1 surface.
// multiValueHeaders populate repeated response headers.
func WriteV1(w http.ResponseWriter, resp *HandlerResponse) error {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	for name, values := range resp.MultiValueHeaders {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	return writeBody(w, resp)
}

// WriteV2 renders a handler response as the HTTP reply for a v2 surface.
// Cookies populate repeated set-cookie headers.
func WriteV2(w http.ResponseWriter, resp *HandlerResponse) error {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	for _, cookie := range resp.Cookies {
		w.Header().Add("Set-Cookie", cookie)
	}
	return writeBody(w, resp)
}

func writeBody(w http.ResponseWriter, resp *HandlerResponse) error {
	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return fmt.Errorf("invalid base64 proxy response body: %w", err)
		}
		body = decoded
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}
