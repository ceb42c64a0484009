package api

import (
	"context"
	"encoding/json"
	"time"
)

// InvocationContext carries the per-invocation metadata handed to the
// function runtime alongside the event payload.
type InvocationContext struct {
	RequestID   string
	FunctionArn string
	Deadline    time.Time
	MemoryMB    int
	EnvOverride map[string]string
}

// InvocationRequest targets one function with an opaque JSON event.
type InvocationRequest struct {
	FunctionName string
	Payload      json.RawMessage
	Context      InvocationContext
}

// InvocationError is the structured error descriptor a handler reports.
type InvocationError struct {
	Message    string   `json:"errorMessage"`
	Type       string   `json:"errorType"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

// InvocationResult holds exactly one of Payload or Error.
type InvocationResult struct {
	Payload   json.RawMessage
	Error     *InvocationError
	Duration  time.Duration
	RequestID string
}

// Failed reports whether the invocation ended with an error descriptor.
func (r *InvocationResult) Failed() bool { return r.Error != nil }

// Message is one queue message as seen by consumers and pollers.
type Message struct {
	ID               string
	Body             string
	Attributes       map[string]string
	SystemAttributes map[string]string
	ReceiveCount     int
	GroupID          string
	DedupID          string
	SentAt           time.Time
	FirstReceivedAt  time.Time
	ReceiptHandle    string
}

// FunctionInvoker is the refined capability the event-source wiring and the
// gateways need from the function-compute provider.
type FunctionInvoker interface {
	Invoke(ctx context.Context, req InvocationRequest) (*InvocationResult, error)
	FunctionArn(name string) string
}

// QueueConsumer is the refined capability a queue poller needs.
type QueueConsumer interface {
	ReceiveMessages(ctx context.Context, queue string, max int) ([]Message, error)
	DeleteMessage(ctx context.Context, queue, receiptHandle string) error
	QueueArn(name string) string
}

// QueueSender is the refined capability push producers (pub/sub topics,
// event-bus targets) need to enqueue into the queue provider.
type QueueSender interface {
	SendMessage(ctx context.Context, queue, body string, attrs map[string]string, groupID, dedupID string) (string, error)
}

// EventPublisher is the refined capability for putting events on a bus.
type EventPublisher interface {
	PutEvent(ctx context.Context, bus, source, detailType string, detail json.RawMessage) error
}
