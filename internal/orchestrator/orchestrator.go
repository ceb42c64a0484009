package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"localcloud/internal/api"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const subsystem = "Orchestrator"

const (
	// DefaultStartTimeout bounds each individual provider start.
	DefaultStartTimeout = 60 * time.Second
	// DefaultStopTimeout bounds each individual provider stop.
	DefaultStopTimeout = 30 * time.Second
)

// Config holds the orchestrator's knobs.
type Config struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Orchestrator owns every provider. It starts them in topological order,
// monitors health, and stops them in exact reverse order on shutdown.
type Orchestrator struct {
	registry *provider.Registry
	order    []string // topological startup order over provider names
	cfg      Config

	mu       sync.Mutex
	started  []string // providers that actually started, in start order
	running  bool
	shutdown chan struct{}
	once     sync.Once
}

// New creates an orchestrator over a registry and a startup order. Every
// name in order must be registered; names not in order are ignored.
func New(registry *provider.Registry, order []string, cfg Config) (*Orchestrator, error) {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	for _, name := range order {
		if _, ok := registry.Get(name); !ok {
			return nil, fmt.Errorf("startup order names unregistered provider %s", name)
		}
	}
	return &Orchestrator{
		registry: registry,
		order:    order,
		cfg:      cfg,
		shutdown: make(chan struct{}),
	}, nil
}

// Start brings up every provider sequentially in topological order. On the
// first failure it stops the already-started providers in reverse order and
// returns a provider-start error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	for _, name := range o.order {
		p, _ := o.registry.Get(name)

		startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartTimeout)
		err := p.Start(startCtx)
		cancel()
		if err != nil {
			logging.Error(subsystem, err, "Provider %s failed to start, rolling back", name)
			o.rollback(ctx)
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			return api.NewProviderStart(name, err)
		}

		o.mu.Lock()
		o.started = append(o.started, name)
		o.mu.Unlock()

		if !p.HealthCheck(ctx) {
			// Providers may need warm-up; not fatal.
			logging.Warn(subsystem, "Provider %s started but health check failed", name)
		}
		logging.Info(subsystem, "Started provider %s", name)
	}

	logging.Info(subsystem, "All %d providers running", len(o.order))
	return nil
}

// rollback stops every already-started provider in reverse start order.
// Failures are logged; remaining providers are still stopped.
func (o *Orchestrator) rollback(ctx context.Context) {
	o.mu.Lock()
	started := make([]string, len(o.started))
	copy(started, o.started)
	o.started = nil
	o.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		p, _ := o.registry.Get(name)
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
		if err := p.Stop(stopCtx); err != nil {
			logging.Error(subsystem, err, "Provider %s failed to stop during rollback", name)
		}
		cancel()
	}
}

// Stop flushes every flushable provider, then stops all started providers
// in exact reverse start order, each bounded by the stop timeout. Stop
// failures and timeouts are logged and skipped; remaining providers still
// stop.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	started := make([]string, len(o.started))
	copy(started, o.started)
	o.started = nil
	o.mu.Unlock()

	// Flush before any provider goes down so flush callbacks can still
	// reach their dependencies.
	for _, name := range started {
		p, _ := o.registry.Get(name)
		if f, ok := p.(provider.Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				logging.Warn(subsystem, "Provider %s flush failed: %v", name, err)
			}
		}
	}

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		p, _ := o.registry.Get(name)

		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
		done := make(chan error, 1)
		go func() { done <- p.Stop(stopCtx) }()
		select {
		case err := <-done:
			if err != nil {
				logging.Error(subsystem, err, "Provider %s failed to stop", name)
			} else {
				logging.Info(subsystem, "Stopped provider %s", name)
			}
		case <-stopCtx.Done():
			logging.Warn(subsystem, "Provider %s stop timed out after %s, skipping", name, o.cfg.StopTimeout)
		}
		cancel()
	}
}

// Running reports whether Start completed and Stop has not been requested.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// StartedProviders returns the names of providers that actually started,
// in start order.
func (o *Orchestrator) StartedProviders() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.started))
	copy(out, o.started)
	return out
}

// RequestShutdown asks for graceful shutdown programmatically. Safe to call
// multiple times.
func (o *Orchestrator) RequestShutdown() {
	o.once.Do(func() { close(o.shutdown) })
}

// ShutdownRequested returns a channel closed when shutdown is requested.
func (o *Orchestrator) ShutdownRequested() <-chan struct{} {
	return o.shutdown
}

// Wait blocks until an interrupt/termination signal arrives or shutdown is
// requested, then runs graceful Stop. A second signal forces immediate
// process exit with code 1. Signal handlers are installed here, so Wait
// must only be used when the orchestrator runs on the main goroutine;
// otherwise the caller delivers RequestShutdown itself.
func (o *Orchestrator) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Info(subsystem, "Received %s, shutting down gracefully (signal again to force)", sig)
	case <-o.shutdown:
		logging.Info(subsystem, "Shutdown requested, stopping providers")
	case <-ctx.Done():
		logging.Info(subsystem, "Context cancelled, stopping providers")
	}

	// Second signal during graceful shutdown forces exit.
	done := make(chan struct{})
	go func() {
		o.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-sigCh:
		logging.Warn(subsystem, "Forced exit")
		os.Exit(1)
	}
}
