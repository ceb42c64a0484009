package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"localcloud/internal/api"
	"localcloud/internal/assembly"
	"localcloud/internal/config"
	"localcloud/internal/eventsource"
	"localcloud/internal/graph"
	"localcloud/internal/intrinsics"
	"localcloud/internal/metrics"
	"localcloud/internal/mgmt"
	"localcloud/internal/orchestrator"
	"localcloud/internal/provider"
	"localcloud/internal/services/eventbus"
	"localcloud/internal/services/functions"
	"localcloud/internal/services/gateway"
	"localcloud/internal/services/identity"
	"localcloud/internal/services/kvstore"
	"localcloud/internal/services/objectstore"
	"localcloud/internal/services/pubsub"
	"localcloud/internal/services/queue"
	"localcloud/internal/services/workflow"
	"localcloud/pkg/logging"
)

const appSubsystem = "App"

// startOrder is the leaves-first provider startup sequence: storage and
// queues before the function runtime, the function runtime before
// everything that pushes work into it. Resource-level ordering inside each
// provider is validated separately against the dependency graph.
var startOrder = []string{
	"objectstore", "kvstore", "queue", "identity",
	"functions", "pubsub", "workflow", "eventbus", "gateway",
}

// serverShutdownTimeout bounds the drain of each HTTP listener.
const serverShutdownTimeout = 10 * time.Second

// App owns one emulator instance: the parsed assembly, the resource graph,
// every provider, the event-source wiring and the HTTP listeners.
type App struct {
	cfg      config.Config
	asm      *assembly.Assembly
	graph    *graph.Graph
	refs     *intrinsics.RefMap
	trans    *translator
	registry *provider.Registry
	orch     *orchestrator.Orchestrator
	stats    *metrics.Collector

	objectstore *objectstore.Provider
	kvstore     *kvstore.Provider
	queue       *queue.Provider
	pubsub      *pubsub.Provider
	eventbus    *eventbus.Provider
	workflow    *workflow.Provider
	functions   *functions.Provider
	gateway     *gateway.Provider
	identity    *identity.Provider

	dataDir   string
	ephemeral bool

	runCtx    context.Context
	runCancel context.CancelFunc
	pollers   []*eventsource.Poller
	servers   []*http.Server
	group     *errgroup.Group
}

// New loads the assembly, validates the dependency graph and constructs
// every provider. Nothing starts until Start.
func New(cfg config.Config) (*App, error) {
	asm, err := assembly.Load(cfg.AssemblyDir)
	if err != nil {
		return nil, api.NewConfiguration("cannot load assembly: %v", err)
	}
	g, err := assembly.BuildGraph(asm.Resources)
	if err != nil {
		return nil, api.NewConfiguration("cannot build resource graph: %v", err)
	}
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, api.NewConfiguration("dependency cycle among resources: %v", cycles)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, api.NewConfiguration("cannot order resources: %v", err)
	}
	logging.Debug(appSubsystem, "resource startup order: %v", order)

	dataDir := cfg.DataDir
	ephemeral := !cfg.Persist
	if ephemeral {
		dataDir, err = os.MkdirTemp("", "localcloud-*")
		if err != nil {
			return nil, fmt.Errorf("cannot create ephemeral data dir: %w", err)
		}
	}

	a := &App{
		cfg:       cfg,
		asm:       asm,
		graph:     g,
		refs:      intrinsics.NewRefMap(),
		stats:     metrics.NewCollector("localcloud"),
		registry:  provider.NewRegistry(),
		dataDir:   dataDir,
		ephemeral: ephemeral,
	}
	a.trans = newTranslator(cfg, asm, g, a.refs)

	streamDelay := time.Duration(cfg.EventualConsistencyDelayMS) * time.Millisecond
	a.objectstore = objectstore.NewProvider(filepath.Join(dataDir, "obj"), a.trans.bucketNames())
	a.kvstore = kvstore.NewProvider(filepath.Join(dataDir, "kv"), a.trans.tableConfigs(), streamDelay)
	a.queue = queue.NewProvider(filepath.Join(dataDir, "queue"), a.trans.queueConfigs(), a.stats)
	a.identity = identity.NewProvider()
	a.functions = functions.NewProvider(a.trans.functionDefs(), a.serviceEnv(), a.stats)
	a.pubsub = pubsub.NewProvider(a.trans.topicNames(), a.functions, a.queue)
	a.workflow = workflow.NewProvider(a.functions, a.stats)
	a.eventbus = eventbus.NewProvider(a.trans.busNames(), a.functions, a.queue, a.stats)
	a.gateway = gateway.NewProvider(a.trans.gatewayAPIs(), a.functions, a.stats)

	for _, p := range []provider.Provider{
		a.objectstore, a.kvstore, a.queue, a.identity,
		a.functions, a.pubsub, a.workflow, a.eventbus, a.gateway,
	} {
		if err := a.registry.Register(p); err != nil {
			return nil, err
		}
	}
	a.orch, err = orchestrator.New(a.registry, startOrder, orchestrator.Config{})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// serviceEnv is the environment layered under every function invocation so
// SDK clients inside handlers talk to the local surfaces.
func (a *App) serviceEnv() map[string]string {
	c := a.cfg
	return map[string]string{
		"AWS_REGION":                        intrinsics.LocalRegion,
		"AWS_DEFAULT_REGION":                intrinsics.LocalRegion,
		"AWS_ACCESS_KEY_ID":                 "local",
		"AWS_SECRET_ACCESS_KEY":             "local",
		"AWS_ENDPOINT_URL_S3":               c.Endpoint("objectstore", offsetObjectStore),
		"AWS_ENDPOINT_URL_DYNAMODB":         c.Endpoint("kvstore", offsetKVStore),
		"AWS_ENDPOINT_URL_SQS":              c.Endpoint("queue", offsetQueue),
		"AWS_ENDPOINT_URL_SNS":              c.Endpoint("pubsub", offsetPubSub),
		"AWS_ENDPOINT_URL_EVENTBRIDGE":      c.Endpoint("eventbus", offsetEventBus),
		"AWS_ENDPOINT_URL_SFN":              c.Endpoint("workflow", offsetWorkflow),
		"AWS_ENDPOINT_URL_LAMBDA":           c.Endpoint("functions", offsetFunctions),
		"AWS_ENDPOINT_URL_COGNITO_IDENTITY": c.Endpoint("identity", offsetIdentity),
	}
}

// Start brings up the providers leaves-first, wires triggers and
// subscriptions, and opens every HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	if err := a.orch.Start(ctx); err != nil {
		a.cleanup()
		return err
	}
	if err := a.wire(ctx); err != nil {
		a.orch.Stop(ctx)
		a.cleanup()
		return err
	}
	if err := a.startServers(); err != nil {
		a.Stop(ctx)
		return err
	}
	logging.Info(appSubsystem, "emulator up: management on http://%s:%d", a.cfg.Host, a.cfg.Port)
	return nil
}

// Stop tears everything down in reverse: listeners, pollers, providers,
// then the ephemeral data directory.
func (a *App) Stop(ctx context.Context) {
	for _, srv := range a.servers {
		shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn(appSubsystem, "listener %s did not drain: %v", srv.Addr, err)
		}
		cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			logging.Error(appSubsystem, err, "listener failed")
		}
	}
	a.servers = nil

	for _, p := range a.pollers {
		stopCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
		if err := p.Stop(stopCtx); err != nil {
			logging.Warn(appSubsystem, "poller stop: %v", err)
		}
		cancel()
	}
	a.pollers = nil

	if a.runCancel != nil {
		a.runCancel()
	}
	a.orch.Stop(ctx)
	a.cleanup()
}

func (a *App) cleanup() {
	if a.ephemeral && a.dataDir != "" {
		if err := os.RemoveAll(a.dataDir); err != nil {
			logging.Warn(appSubsystem, "cannot remove ephemeral data dir %s: %v", a.dataDir, err)
		}
	}
}

// Wait blocks until an interrupt arrives, shutdown is requested over the
// management API, or the context ends, then stops the app. A second signal
// during the graceful stop forces the process out with exit code 1.
func (a *App) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Info(appSubsystem, "received %s, shutting down (signal again to force)", sig)
	case <-a.orch.ShutdownRequested():
		logging.Info(appSubsystem, "shutdown requested")
	case <-ctx.Done():
		logging.Info(appSubsystem, "context cancelled, shutting down")
	}

	done := make(chan struct{})
	go func() {
		a.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-sigCh:
		logging.Warn(appSubsystem, "forced exit")
		os.Exit(1)
	}
}

// Run is the CLI entry point: build, start, wait for shutdown.
func Run(ctx context.Context, cfg config.Config) error {
	a, err := New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.Wait(ctx)
	return nil
}

// startServers opens one listener per service surface plus the management
// surface on the primary port.
func (a *App) startServers() error {
	type surface struct {
		name    string
		port    int
		handler http.Handler
		// measured says the handler already observes its own metrics,
		// as gateways do.
		measured bool
	}

	mgmtServer := mgmt.NewServer(a.registry, a.orch, a.graph, a.refs, a.stats)
	queueBase := a.cfg.Endpoint("queue", offsetQueue)
	surfaces := []surface{
		{"mgmt", a.cfg.Port, mgmtServer.Handler(), false},
		{"objectstore", a.cfg.ServicePort("objectstore", offsetObjectStore), objectstore.NewSurface(a.objectstore).Handler(), false},
		{"kvstore", a.cfg.ServicePort("kvstore", offsetKVStore), kvstore.NewSurface(a.kvstore).Handler(), false},
		{"queue", a.cfg.ServicePort("queue", offsetQueue), queue.NewSurface(a.queue, queueBase).Handler(), false},
		{"pubsub", a.cfg.ServicePort("pubsub", offsetPubSub), pubsub.NewSurface(a.pubsub).Handler(), false},
		{"eventbus", a.cfg.ServicePort("eventbus", offsetEventBus), eventbus.NewSurface(a.eventbus).Handler(), false},
		{"workflow", a.cfg.ServicePort("workflow", offsetWorkflow), workflow.NewSurface(a.workflow).Handler(), false},
		{"functions", a.cfg.ServicePort("functions", offsetFunctions), functions.NewSurface(a.functions).Handler(), false},
		{"identity", a.cfg.ServicePort("identity", offsetIdentity), identity.NewSurface(a.identity).Handler(), false},
	}
	for _, name := range a.gateway.Names() {
		gw, err := a.gateway.Gateway(name)
		if err != nil {
			return err
		}
		surfaces = append(surfaces, surface{"gateway:" + name, a.trans.gatewayPorts[name], gw.Handler(), true})
	}

	a.group = &errgroup.Group{}
	for _, s := range surfaces {
		handler := s.handler
		if !s.measured {
			handler = a.measure(s.name, handler)
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", a.cfg.Host, s.port),
			Handler: handler,
		}
		a.servers = append(a.servers, srv)
		logging.Info(appSubsystem, "%s listening on http://%s", s.name, srv.Addr)
		a.group.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error(appSubsystem, err, "listener %s failed", srv.Addr)
				return err
			}
			return nil
		})
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// measure wraps a surface handler with request counting and latency
// observation.
func (a *App) measure(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(sw, r)
		a.stats.HTTPRequests.WithLabelValues(service, r.Method, fmt.Sprintf("%d", sw.status)).Inc()
		a.stats.HTTPDuration.WithLabelValues(service, r.Method).Observe(time.Since(started).Seconds())
	})
}
