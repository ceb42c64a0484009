package dispatch

import (
	"github.com/google/uuid"
)

// RequestContext carries per-request metadata through every dialect into
// the emulator handlers.
type RequestContext struct {
	RequestID string
}

// NewRequestContext allocates a fresh request identifier.
func NewRequestContext() RequestContext {
	return RequestContext{RequestID: uuid.NewString()}
}
