package functions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"localcloud/internal/api"
	"localcloud/internal/intrinsics"
	"localcloud/internal/metrics"
	"localcloud/internal/provider"
	"localcloud/internal/runtime"
	"localcloud/pkg/logging"
)

const functionsSubsystem = "Functions"

type registered struct {
	fn       *runtime.Function
	strategy runtime.Strategy
}

// Provider emulates the function-compute service: declared functions bound
// to their execution strategies, invoked synchronously through the shared
// invoker capability.
type Provider struct {
	*provider.Base
	declared []*runtime.Function
	// endpointEnv points function code at the local service ports; it is
	// the last environment layer merged before the fixed overlay.
	endpointEnv map[string]string
	stats       *metrics.Collector

	mu        sync.Mutex
	functions map[string]*registered
	inflight  sync.WaitGroup
}

func NewProvider(declared []*runtime.Function, endpointEnv map[string]string, stats *metrics.Collector) *Provider {
	return &Provider{
		Base:        provider.NewBase("functions"),
		declared:    declared,
		endpointEnv: endpointEnv,
		stats:       stats,
		functions:   make(map[string]*registered),
	}
}

// Start binds every declared function to its strategy and verifies the
// strategy's prerequisites.
func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		for _, fn := range p.declared {
			strategy, err := runtime.ForFunction(fn)
			if err != nil {
				return api.NewProviderStart("functions", err)
			}
			if err := strategy.Prepare(ctx); err != nil {
				return api.NewProviderStart("functions", fmt.Errorf("function %s: %w", fn.Name, err))
			}
			p.register(fn, strategy)
		}
		logging.Info(functionsSubsystem, "functions provider started with %d function(s)", len(p.declared))
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error {
		p.inflight.Wait()
		return nil
	})
}

func (p *Provider) HealthCheck(ctx context.Context) bool { return true }

// register binds one function to a strategy. Exposed inside the package so
// tests can substitute strategies.
func (p *Provider) register(fn *runtime.Function, strategy runtime.Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.functions[fn.Name] = &registered{fn: fn, strategy: strategy}
}

// FunctionArn returns the stand-in arn for a function name.
func (p *Provider) FunctionArn(name string) string {
	return fmt.Sprintf("arn:%s:lambda:%s:%s:function:%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

// Functions lists the registered functions sorted by name.
func (p *Provider) Functions() []*runtime.Function {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*runtime.Function, 0, len(p.functions))
	for _, reg := range p.functions {
		out = append(out, reg.fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Function looks a registered function up by name.
func (p *Provider) Function(name string) (*runtime.Function, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.functions[name]
	if !ok {
		return nil, api.NewNotFound("function", name)
	}
	return reg.fn, nil
}

// Invoke runs one invocation through the function's strategy. The request's
// invocation context is completed with the request id, arn and the
// service-endpoint environment before the strategy sees it.
func (p *Provider) Invoke(ctx context.Context, req api.InvocationRequest) (*api.InvocationResult, error) {
	p.mu.Lock()
	reg, ok := p.functions[req.FunctionName]
	p.mu.Unlock()
	if !ok {
		return nil, api.NewNotFound("function", req.FunctionName)
	}

	ic := req.Context
	if ic.RequestID == "" {
		ic.RequestID = uuid.NewString()
	}
	ic.FunctionArn = p.FunctionArn(req.FunctionName)
	if ic.MemoryMB == 0 {
		ic.MemoryMB = reg.fn.MemoryMB
	}
	if len(p.endpointEnv) > 0 {
		merged := make(map[string]string, len(p.endpointEnv)+len(ic.EnvOverride))
		for k, v := range p.endpointEnv {
			merged[k] = v
		}
		for k, v := range ic.EnvOverride {
			merged[k] = v
		}
		ic.EnvOverride = merged
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	p.inflight.Add(1)
	defer p.inflight.Done()
	started := time.Now()
	res, err := reg.strategy.Invoke(ctx, payload, ic)
	elapsed := time.Since(started)
	if err != nil {
		p.observe(req.FunctionName, "error", elapsed)
		return nil, err
	}

	outcome := "success"
	if res.Failed() {
		outcome = "error"
		if res.Error.Type == "TimeoutError" {
			outcome = "timeout"
		}
		logging.Warn(functionsSubsystem, "function %s failed: %s: %s",
			req.FunctionName, res.Error.Type, res.Error.Message)
	}
	p.observe(req.FunctionName, outcome, elapsed)
	return res, nil
}

func (p *Provider) observe(name, outcome string, elapsed time.Duration) {
	if p.stats == nil {
		return
	}
	p.stats.Invocations.WithLabelValues(name, outcome).Inc()
	p.stats.InvocationDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
