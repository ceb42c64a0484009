package gateway

import (
	"context"
	"sort"
	"sync"

	"localcloud/internal/api"
	"localcloud/internal/metrics"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

// Provider owns the declared gateways and function URLs so they share the
// orchestrated lifecycle with the other services.
type Provider struct {
	*provider.Base
	invoker api.FunctionInvoker
	stats   *metrics.Collector

	mu       sync.Mutex
	declared []API
	gateways map[string]*Gateway
}

func NewProvider(declared []API, invoker api.FunctionInvoker, stats *metrics.Collector) *Provider {
	return &Provider{
		Base:     provider.NewBase("gateway"),
		invoker:  invoker,
		stats:    stats,
		declared: declared,
		gateways: make(map[string]*Gateway),
	}
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, a := range p.declared {
			p.gateways[a.Name] = New(a, p.invoker, p.stats)
			logging.Debug(gatewaySubsystem, "gateway %s serves %d route(s)", a.Name, len(a.Routes))
		}
		logging.Info(gatewaySubsystem, "gateway provider started with %d api(s)", len(p.gateways))
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error { return nil })
}

func (p *Provider) HealthCheck(ctx context.Context) bool { return true }

// Gateway looks a gateway up by API name.
func (p *Provider) Gateway(name string) (*Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gateways[name]
	if !ok {
		return nil, api.NewNotFound("gateway", name)
	}
	return g, nil
}

// Names lists the gateway names in sorted order.
func (p *Provider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.gateways))
	for name := range p.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
