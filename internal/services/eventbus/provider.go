package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"localcloud/internal/api"
	"localcloud/internal/eventsource"
	"localcloud/internal/intrinsics"
	"localcloud/internal/metrics"
	"localcloud/internal/pattern"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const busSubsystem = "EventBus"

// DefaultBus is the bus events land on when no bus name is given.
const DefaultBus = "default"

// TargetKind says how a rule target is delivered.
type TargetKind string

const (
	TargetFunction TargetKind = "function"
	TargetQueue    TargetKind = "queue"
)

// Target is one delivery destination of a rule.
type Target struct {
	ID   string
	Arn  string
	Kind TargetKind
	// Name is the function or queue name extracted from the arn.
	Name string
}

// Rule matches events on a bus and routes them to its targets. Exactly one
// of Pattern and Schedule is set.
type Rule struct {
	Name     string
	Arn      string
	Bus      string
	Pattern  map[string]interface{}
	Schedule string
	Enabled  bool
	Targets  []Target
}

type busState struct {
	name  string
	rules map[string]*Rule
}

// Provider emulates the event-bus service: named buses carrying rules whose
// patterns route published events to function and queue targets. Schedule
// rules fire on their own timers.
type Provider struct {
	*provider.Base
	invoker api.FunctionInvoker
	sender  api.QueueSender
	stats   *metrics.Collector

	mu       sync.Mutex
	buses    map[string]*busState
	runners  map[string]*eventsource.Runner // keyed by bus/rule
	declared []string
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewProvider(declared []string, invoker api.FunctionInvoker, sender api.QueueSender, stats *metrics.Collector) *Provider {
	return &Provider{
		Base:     provider.NewBase("eventbus"),
		invoker:  invoker,
		sender:   sender,
		stats:    stats,
		declared: declared,
		buses:    make(map[string]*busState),
		runners:  make(map[string]*eventsource.Runner),
	}
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.runCtx, p.cancel = context.WithCancel(context.Background())
		p.buses[DefaultBus] = &busState{name: DefaultBus, rules: make(map[string]*Rule)}
		for _, name := range p.declared {
			if _, exists := p.buses[name]; !exists {
				p.buses[name] = &busState{name: name, rules: make(map[string]*Rule)}
			}
		}
		logging.Info(busSubsystem, "event bus provider started with %d bus(es)", len(p.buses))
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		cancel := p.cancel
		runners := p.runners
		p.runners = make(map[string]*eventsource.Runner)
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		for _, r := range runners {
			r.Stop()
		}
		p.inflight.Wait()
		return nil
	})
}

func (p *Provider) HealthCheck(ctx context.Context) bool { return true }

// Reset drops every rule on every bus; the buses themselves survive.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	runners := p.runners
	p.runners = make(map[string]*eventsource.Runner)
	for _, b := range p.buses {
		b.rules = make(map[string]*Rule)
	}
	p.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}
	return nil
}

// BusArn returns the stand-in arn for a bus name.
func (p *Provider) BusArn(name string) string {
	return fmt.Sprintf("arn:%s:events:%s:%s:event-bus/%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

func (p *Provider) ruleArn(bus, rule string) string {
	return fmt.Sprintf("arn:%s:events:%s:%s:rule/%s/%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, bus, rule)
}

// CreateBus registers an additional named bus.
func (p *Provider) CreateBus(name string) (string, error) {
	if name == "" {
		return "", api.NewValidation("", "bus name must not be empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.buses[name]; exists {
		return p.BusArn(name), api.NewConflict("event bus", name)
	}
	p.buses[name] = &busState{name: name, rules: make(map[string]*Rule)}
	return p.BusArn(name), nil
}

// ListBuses returns bus names in sorted order.
func (p *Provider) ListBuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.buses))
	for name := range p.buses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PutRule creates or replaces a rule. A schedule rule is armed immediately;
// replacing one rearms it with the new expression.
func (p *Provider) PutRule(bus, name string, eventPattern map[string]interface{}, scheduleExpr string, enabled bool) (string, error) {
	if bus == "" {
		bus = DefaultBus
	}
	if name == "" {
		return "", api.NewValidation("", "rule name must not be empty")
	}
	if (eventPattern == nil) == (scheduleExpr == "") {
		return "", api.NewValidation("", "rule %s needs exactly one of EventPattern and ScheduleExpression", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buses[bus]
	if !ok {
		return "", api.NewNotFound("event bus", bus)
	}

	rule := &Rule{
		Name:     name,
		Arn:      p.ruleArn(bus, name),
		Bus:      bus,
		Pattern:  eventPattern,
		Schedule: scheduleExpr,
		Enabled:  enabled,
	}
	if prior, exists := b.rules[name]; exists {
		rule.Targets = prior.Targets
	}

	key := bus + "/" + name
	if prior := p.runners[key]; prior != nil {
		prior.Stop()
		delete(p.runners, key)
	}
	if scheduleExpr != "" && enabled {
		runner := eventsource.NewRunner()
		if err := runner.Add(key, scheduleExpr, func(ctx context.Context, firedAt time.Time) error {
			p.fireSchedule(ctx, rule, firedAt)
			return nil
		}); err != nil {
			return "", err
		}
		runner.Start(p.runCtx)
		p.runners[key] = runner
	}

	b.rules[name] = rule
	logging.Debug(busSubsystem, "rule %s put on bus %s", name, bus)
	return rule.Arn, nil
}

// DeleteRule removes a rule and disarms its schedule if it has one.
func (p *Provider) DeleteRule(bus, name string) error {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	b, ok := p.buses[bus]
	if !ok {
		p.mu.Unlock()
		return api.NewNotFound("event bus", bus)
	}
	if _, exists := b.rules[name]; !exists {
		p.mu.Unlock()
		return api.NewNotFound("rule", name)
	}
	delete(b.rules, name)
	key := bus + "/" + name
	runner := p.runners[key]
	delete(p.runners, key)
	p.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	return nil
}

// ListRules returns a bus's rules sorted by name, optionally filtered by a
// name prefix.
func (p *Provider) ListRules(bus, namePrefix string) ([]*Rule, error) {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buses[bus]
	if !ok {
		return nil, api.NewNotFound("event bus", bus)
	}
	rules := make([]*Rule, 0, len(b.rules))
	for _, rule := range b.rules {
		if namePrefix != "" && !strings.HasPrefix(rule.Name, namePrefix) {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

// PutTargets adds or replaces targets on a rule, keyed by target id.
func (p *Provider) PutTargets(bus, rule string, targets []Target) error {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.ruleLocked(bus, rule)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if target.Kind == "" {
			return api.NewValidation("", "target %s has an unroutable arn %q", target.ID, target.Arn)
		}
		replaced := false
		for i, existing := range r.Targets {
			if existing.ID == target.ID {
				r.Targets[i] = target
				replaced = true
				break
			}
		}
		if !replaced {
			r.Targets = append(r.Targets, target)
		}
	}
	return nil
}

// RemoveTargets removes targets from a rule by id. Unknown ids are ignored.
func (p *Provider) RemoveTargets(bus, rule string, ids []string) error {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.ruleLocked(bus, rule)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := r.Targets[:0]
	for _, target := range r.Targets {
		if !drop[target.ID] {
			kept = append(kept, target)
		}
	}
	r.Targets = kept
	return nil
}

// Targets lists a rule's targets.
func (p *Provider) Targets(bus, rule string) ([]Target, error) {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.ruleLocked(bus, rule)
	if err != nil {
		return nil, err
	}
	return append([]Target(nil), r.Targets...), nil
}

func (p *Provider) ruleLocked(bus, rule string) (*Rule, error) {
	b, ok := p.buses[bus]
	if !ok {
		return nil, api.NewNotFound("event bus", bus)
	}
	r, ok := b.rules[rule]
	if !ok {
		return nil, api.NewNotFound("rule", rule)
	}
	return r, nil
}

// PutEvent publishes one event on a bus and returns once every matching
// rule's deliveries are scheduled. It satisfies the event-publisher
// capability other providers and the wire surface share.
func (p *Provider) PutEvent(ctx context.Context, bus, source, detailType string, detail json.RawMessage) error {
	_, err := p.publish(ctx, bus, source, detailType, detail)
	return err
}

// publish builds the event envelope, matches it against the bus's enabled
// pattern rules and fans out to their targets. The returned id names the
// event in wire responses.
func (p *Provider) publish(ctx context.Context, bus, source, detailType string, detail json.RawMessage) (string, error) {
	if bus == "" {
		bus = DefaultBus
	}
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}

	id := uuid.NewString()
	envelope := map[string]interface{}{
		"version":     "0",
		"id":          id,
		"detail-type": detailType,
		"source":      source,
		"account":     intrinsics.LocalAccountID,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"region":      intrinsics.LocalRegion,
		"resources":   []interface{}{},
	}
	var detailDoc interface{}
	if err := json.Unmarshal(detail, &detailDoc); err != nil {
		return "", api.NewValidation("", "event detail is not valid JSON")
	}
	envelope["detail"] = detailDoc

	p.mu.Lock()
	b, ok := p.buses[bus]
	if !ok {
		p.mu.Unlock()
		return "", api.NewNotFound("event bus", bus)
	}
	matched := make([]*Rule, 0, len(b.rules))
	for _, rule := range b.rules {
		if rule.Enabled && rule.Pattern != nil && pattern.Match(rule.Pattern, envelope) {
			matched = append(matched, rule)
		}
	}
	p.mu.Unlock()

	if p.stats != nil {
		p.stats.EventsDispatched.WithLabelValues("eventbus").Inc()
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	for _, rule := range matched {
		p.deliverToTargets(ctx, rule, payload)
	}
	return id, nil
}

// fireSchedule delivers the scheduled-event envelope to a schedule rule's
// targets.
func (p *Provider) fireSchedule(ctx context.Context, rule *Rule, firedAt time.Time) {
	if p.stats != nil {
		p.stats.ScheduleTriggered.WithLabelValues(rule.Name).Inc()
	}
	envelope := map[string]interface{}{
		"version":     "0",
		"id":          uuid.NewString(),
		"detail-type": "Scheduled Event",
		"source":      "aws.events",
		"account":     intrinsics.LocalAccountID,
		"time":        firedAt.UTC().Format(time.RFC3339),
		"region":      intrinsics.LocalRegion,
		"resources":   []interface{}{rule.Arn},
		"detail":      map[string]interface{}{},
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error(busSubsystem, err, "schedule rule %s envelope", rule.Name)
		return
	}
	p.deliverToTargets(ctx, rule, payload)
}

// deliverToTargets schedules one asynchronous delivery per target. Failures
// are logged and isolated from each other and from the publisher.
func (p *Provider) deliverToTargets(ctx context.Context, rule *Rule, payload []byte) {
	p.mu.Lock()
	targets := append([]Target(nil), rule.Targets...)
	p.mu.Unlock()

	for _, target := range targets {
		target := target
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			if err := p.deliver(ctx, target, payload); err != nil {
				logging.Error(busSubsystem, err, "rule %s delivery to %s failed", rule.Name, target.Name)
			}
		}()
	}
}

func (p *Provider) deliver(ctx context.Context, target Target, payload []byte) error {
	switch target.Kind {
	case TargetQueue:
		if p.sender == nil {
			return fmt.Errorf("no queue sender wired")
		}
		_, err := p.sender.SendMessage(ctx, target.Name, string(payload), nil, "", "")
		return err

	case TargetFunction:
		if p.invoker == nil {
			return fmt.Errorf("no function invoker wired")
		}
		res, err := p.invoker.Invoke(ctx, api.InvocationRequest{FunctionName: target.Name, Payload: payload})
		if err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("function %s returned %s: %s", target.Name, res.Error.Type, res.Error.Message)
		}
		return nil

	default:
		return fmt.Errorf("unroutable target kind %q", target.Kind)
	}
}

// ParseTargetArn classifies a target arn into a kind and resource name.
func ParseTargetArn(id, arn string) (Target, error) {
	target := Target{ID: id, Arn: arn}
	switch {
	case strings.Contains(arn, ":lambda:"):
		target.Kind = TargetFunction
	case strings.Contains(arn, ":sqs:"):
		target.Kind = TargetQueue
	default:
		return target, api.NewValidation("", "target arn %q is not a function or queue", arn)
	}
	idx := strings.LastIndexAny(arn, ":/")
	target.Name = arn[idx+1:]
	return target, nil
}
