package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
		code   string
	}{
		{"not found", NewNotFound("queue", "orders"), KindNotFound, http.StatusNotFound, "ResourceNotFoundException"},
		{"conflict", NewConflict("bucket", "assets"), KindConflict, http.StatusConflict, "ResourceConflictException"},
		{"validation", NewValidation("", "missing field %s", "QueueUrl"), KindValidation, http.StatusBadRequest, "ValidationException"},
		{"timeout", NewTimeout("deadline exceeded"), KindTimeout, http.StatusGatewayTimeout, "TimeoutError"},
		{"handler", NewHandler("boom"), KindHandler, http.StatusInternalServerError, "HandlerError"},
		{"internal", NewInternal(errors.New("disk full")), KindInternal, http.StatusInternalServerError, "InternalFailure"},
		{"untyped", errors.New("plain"), KindInternal, http.StatusInternalServerError, "InternalFailure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.code, WireCode(tt.err))
		})
	}
}

func TestErrorUnwrapsThroughWrapping(t *testing.T) {
	inner := NewNotFound("table", "orders")
	wrapped := fmt.Errorf("query failed: %w", inner)

	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, "ResourceNotFoundException", WireCode(wrapped))
	assert.Equal(t, "table orders not found", WireMessage(wrapped))
}

func TestInternalSanitizesMessage(t *testing.T) {
	err := NewInternal(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal error", WireMessage(err))
	assert.Contains(t, err.Error(), "password", "full cause should remain available for logs")
}
