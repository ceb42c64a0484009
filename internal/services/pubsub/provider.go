package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"localcloud/internal/api"
	"localcloud/internal/intrinsics"
	"localcloud/internal/pattern"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const pubsubSubsystem = "PubSub"

// Protocol names a subscription delivery mechanism.
type Protocol string

const (
	ProtocolFunction Protocol = "lambda"
	ProtocolQueue    Protocol = "sqs"
)

// Subscription binds a topic to one consumer endpoint.
type Subscription struct {
	Arn      string
	TopicArn string
	Protocol Protocol
	// Endpoint is the function name or queue name depending on protocol.
	Endpoint string
	// FilterPolicy, when set, is matched against the message attributes;
	// non-matching messages are skipped for this subscription.
	FilterPolicy map[string]interface{}
}

type topicState struct {
	name          string
	arn           string
	subscriptions map[string]*Subscription
}

// Provider emulates the pub/sub topic service: in-memory topics whose
// publishes fan out to function and queue subscribers in parallel.
type Provider struct {
	*provider.Base
	invoker api.FunctionInvoker
	sender  api.QueueSender

	mu       sync.Mutex
	topics   map[string]*topicState // keyed by arn
	declared []string
	inflight sync.WaitGroup
}

func NewProvider(declared []string, invoker api.FunctionInvoker, sender api.QueueSender) *Provider {
	return &Provider{
		Base:     provider.NewBase("pubsub"),
		invoker:  invoker,
		sender:   sender,
		declared: declared,
		topics:   make(map[string]*topicState),
	}
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		for _, name := range p.declared {
			if _, err := p.CreateTopic(name); err != nil && !api.IsConflict(err) {
				return err
			}
		}
		logging.Info(pubsubSubsystem, "pubsub provider started with %d topic(s)", len(p.topics))
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

// Reset drops every topic and subscription.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = make(map[string]*topicState)
	for _, name := range p.declared {
		arn := p.TopicArn(name)
		p.topics[arn] = &topicState{name: name, arn: arn, subscriptions: make(map[string]*Subscription)}
	}
	return nil
}

// TopicArn returns the stand-in arn for a topic name.
func (p *Provider) TopicArn(name string) string {
	return fmt.Sprintf("arn:%s:sns:%s:%s:%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

// CreateTopic registers a topic and returns its arn. Creating an existing
// topic returns the arn together with a conflict error so callers that
// want idempotent creation can treat it as success.
func (p *Provider) CreateTopic(name string) (string, error) {
	if name == "" {
		return "", api.NewValidation("InvalidParameter", "topic name must not be empty")
	}
	arn := p.TopicArn(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.topics[arn]; exists {
		return arn, api.NewConflict("topic", name)
	}
	p.topics[arn] = &topicState{name: name, arn: arn, subscriptions: make(map[string]*Subscription)}
	logging.Debug(pubsubSubsystem, "topic %s created", name)
	return arn, nil
}

// DeleteTopic removes a topic and its subscriptions.
func (p *Provider) DeleteTopic(arn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.topics[arn]; !exists {
		return api.NewNotFound("topic", arn)
	}
	delete(p.topics, arn)
	return nil
}

// ListTopics returns topic arns in sorted order.
func (p *Provider) ListTopics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	arns := make([]string, 0, len(p.topics))
	for arn := range p.topics {
		arns = append(arns, arn)
	}
	sort.Strings(arns)
	return arns
}

// Subscribe attaches a consumer to a topic and returns the subscription
// arn.
func (p *Provider) Subscribe(topicArn string, protocol Protocol, endpoint string, filterPolicy map[string]interface{}) (string, error) {
	if protocol != ProtocolFunction && protocol != ProtocolQueue {
		return "", api.NewValidation("InvalidParameter", "unsupported protocol %q", protocol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topicArn]
	if !ok {
		return "", api.NewNotFound("topic", topicArn)
	}
	sub := &Subscription{
		Arn:          topicArn + ":" + uuid.NewString(),
		TopicArn:     topicArn,
		Protocol:     protocol,
		Endpoint:     endpoint,
		FilterPolicy: filterPolicy,
	}
	t.subscriptions[sub.Arn] = sub
	logging.Debug(pubsubSubsystem, "subscription %s -> %s (%s)", t.name, endpoint, protocol)
	return sub.Arn, nil
}

// Unsubscribe removes a subscription by arn.
func (p *Provider) Unsubscribe(subscriptionArn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if _, ok := t.subscriptions[subscriptionArn]; ok {
			delete(t.subscriptions, subscriptionArn)
			return nil
		}
	}
	return api.NewNotFound("subscription", subscriptionArn)
}

// Subscriptions lists a topic's subscriptions.
func (p *Provider) Subscriptions(topicArn string) ([]*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topicArn]
	if !ok {
		return nil, api.NewNotFound("topic", topicArn)
	}
	subs := make([]*Subscription, 0, len(t.subscriptions))
	for _, sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Arn < subs[j].Arn })
	return subs, nil
}

// Publish fans a message out to every matching subscription. Delivery is
// asynchronous per subscriber; failures are logged and never reach the
// publisher.
func (p *Provider) Publish(ctx context.Context, topicArn, message, subject string, attributes map[string]string) (string, error) {
	p.mu.Lock()
	t, ok := p.topics[topicArn]
	if !ok {
		p.mu.Unlock()
		return "", api.NewNotFound("topic", topicArn)
	}
	subs := make([]*Subscription, 0, len(t.subscriptions))
	for _, sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	messageID := uuid.NewString()
	for _, sub := range subs {
		if !matchesFilter(sub.FilterPolicy, attributes) {
			continue
		}
		sub := sub
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			if err := p.deliver(ctx, sub, topicArn, messageID, message, subject, attributes); err != nil {
				logging.Error(pubsubSubsystem, err, "delivery to %s (%s) failed", sub.Endpoint, sub.Protocol)
			}
		}()
	}
	return messageID, nil
}

// matchesFilter applies the subscription filter policy to the flattened
// message attributes using the rule pattern matcher.
func matchesFilter(policy map[string]interface{}, attributes map[string]string) bool {
	if policy == nil {
		return true
	}
	event := make(map[string]interface{}, len(attributes))
	for k, v := range attributes {
		event[k] = v
	}
	return pattern.Match(policy, event)
}

func (p *Provider) deliver(ctx context.Context, sub *Subscription, topicArn, messageID, message, subject string, attributes map[string]string) error {
	switch sub.Protocol {
	case ProtocolQueue:
		if p.sender == nil {
			return fmt.Errorf("no queue sender wired")
		}
		envelope, err := json.Marshal(map[string]interface{}{
			"Type":      "Notification",
			"MessageId": messageID,
			"TopicArn":  topicArn,
			"Subject":   subject,
			"Message":   message,
			"Timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		_, err = p.sender.SendMessage(ctx, sub.Endpoint, string(envelope), attributes, "", "")
		return err

	case ProtocolFunction:
		if p.invoker == nil {
			return fmt.Errorf("no function invoker wired")
		}
		event, err := json.Marshal(snsEvent(topicArn, sub.Arn, messageID, message, subject, attributes))
		if err != nil {
			return err
		}
		res, err := p.invoker.Invoke(ctx, api.InvocationRequest{FunctionName: sub.Endpoint, Payload: event})
		if err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("function %s returned %s: %s", sub.Endpoint, res.Error.Type, res.Error.Message)
		}
		return nil

	default:
		return fmt.Errorf("unsupported protocol %q", sub.Protocol)
	}
}

// snsEvent builds the records envelope function subscribers receive.
func snsEvent(topicArn, subscriptionArn, messageID, message, subject string, attributes map[string]string) map[string]interface{} {
	wireAttrs := make(map[string]interface{}, len(attributes))
	for k, v := range attributes {
		wireAttrs[k] = map[string]string{"Type": "String", "Value": v}
	}
	return map[string]interface{}{
		"Records": []map[string]interface{}{{
			"EventSource":          "aws:sns",
			"EventSubscriptionArn": subscriptionArn,
			"Sns": map[string]interface{}{
				"Type":              "Notification",
				"MessageId":         messageID,
				"TopicArn":          topicArn,
				"Subject":           subject,
				"Message":           message,
				"Timestamp":         time.Now().UTC().Format(time.RFC3339),
				"MessageAttributes": wireAttrs,
			},
		}},
	}
}
