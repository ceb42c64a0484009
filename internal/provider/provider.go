package provider

import (
	"context"
)

// Status represents the lifecycle state of a provider.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Provider is the uniform lifecycle contract implemented by every service
// emulator. Start and Stop are idempotent; HealthCheck is a cheap probe.
type Provider interface {
	// Name returns the stable provider identifier.
	Name() string

	// Start brings the provider up. Idempotent: starting a running
	// provider is a no-op. An error means the provider is unusable and
	// triggers orchestrator rollback.
	Start(ctx context.Context) error

	// Stop brings the provider down. Idempotent.
	Stop(ctx context.Context) error

	// HealthCheck reports whether the provider is serving. Failures
	// after a successful start are logged, not fatal.
	HealthCheck(ctx context.Context) bool

	// Status returns the current lifecycle state.
	Status() Status
}

// Flusher is implemented by providers that hold in-memory state worth
// persisting before shutdown.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Resetter is implemented by providers that can drop all state, used by the
// management reset endpoint.
type Resetter interface {
	Reset(ctx context.Context) error
}

// transitions encodes the legal status state machine:
// stopped -> starting -> (running | error); running -> stopping -> stopped;
// error -> stopping -> stopped.
var transitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusError},
	StatusRunning:  {StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusError:    {StatusStopping},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
