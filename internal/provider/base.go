package provider

import (
	"context"
	"sync"
)

// Base provides the lifecycle bookkeeping shared by every provider: status
// tracking with transition checks and idempotent Start/Stop guards.
// Providers embed Base and pass their start/stop bodies to RunStart/RunStop.
type Base struct {
	mu      sync.RWMutex
	name    string
	status  Status
	lastErr error
}

// NewBase creates lifecycle bookkeeping for a named provider.
func NewBase(name string) *Base {
	return &Base{name: name, status: StatusStopped}
}

// Name returns the provider identifier.
func (b *Base) Name() string { return b.name }

// Status returns the current lifecycle state.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// LastError returns the error recorded by the most recent failed transition.
func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// setStatus moves to the given status unconditionally.
func (b *Base) setStatus(s Status, err error) {
	b.mu.Lock()
	b.status = s
	b.lastErr = err
	b.mu.Unlock()
}

// RunStart executes fn under the starting/running transition. Calling it on
// a provider that is already running (or starting) is a no-op.
func (b *Base) RunStart(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.status == StatusRunning || b.status == StatusStarting {
		b.mu.Unlock()
		return nil
	}
	b.status = StatusStarting
	b.mu.Unlock()

	if err := fn(ctx); err != nil {
		b.setStatus(StatusError, err)
		return err
	}
	b.setStatus(StatusRunning, nil)
	return nil
}

// RunStop executes fn under the stopping/stopped transition. Calling it on
// a provider that is already stopped (or stopping) is a no-op. fn runs even
// when the provider is in the error state so partial startup is cleaned up.
func (b *Base) RunStop(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.status == StatusStopped || b.status == StatusStopping {
		b.mu.Unlock()
		return nil
	}
	b.status = StatusStopping
	b.mu.Unlock()

	err := fn(ctx)
	// Stop failures are recorded but the provider still counts as stopped;
	// remaining cleanup must not be blocked.
	b.setStatus(StatusStopped, err)
	return err
}
