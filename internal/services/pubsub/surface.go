package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
)

const wireNamespace = "http://sns.amazonaws.com/doc/2010-03-31/"

// Surface serves the topic service's form-encoded action dialect.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewQueryActionMux(wireNamespace)
	mux.Handle("CreateTopic", s.createTopic)
	mux.Handle("DeleteTopic", s.deleteTopic)
	mux.Handle("ListTopics", s.listTopics)
	mux.Handle("Subscribe", s.subscribe)
	mux.Handle("Unsubscribe", s.unsubscribe)
	mux.Handle("ListSubscriptionsByTopic", s.listSubscriptionsByTopic)
	mux.Handle("Publish", s.publish)
	return mux
}

type createTopicResult struct {
	TopicArn string `xml:"TopicArn"`
}

func (s *Surface) createTopic(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	arn, err := s.provider.CreateTopic(params.Get("Name"))
	// CreateTopic is idempotent on the wire.
	if err != nil && !api.IsConflict(err) {
		return nil, err
	}
	return createTopicResult{TopicArn: arn}, nil
}

func (s *Surface) deleteTopic(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	if err := s.provider.DeleteTopic(params.Get("TopicArn")); err != nil {
		return nil, err
	}
	return nil, nil
}

type topicEntry struct {
	TopicArn string `xml:"TopicArn"`
}

type listTopicsResult struct {
	Topics []topicEntry `xml:"Topics>member"`
}

func (s *Surface) listTopics(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	result := listTopicsResult{}
	for _, arn := range s.provider.ListTopics() {
		result.Topics = append(result.Topics, topicEntry{TopicArn: arn})
	}
	return result, nil
}

type subscribeResult struct {
	SubscriptionArn string `xml:"SubscriptionArn"`
}

func (s *Surface) subscribe(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	var filterPolicy map[string]interface{}
	if raw := filterPolicyAttribute(params); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filterPolicy); err != nil {
			return nil, api.NewValidation("InvalidParameter", "FilterPolicy is not valid JSON")
		}
	}
	arn, err := s.provider.Subscribe(
		params.Get("TopicArn"),
		Protocol(params.Get("Protocol")),
		endpointName(params.Get("Endpoint")),
		filterPolicy,
	)
	if err != nil {
		return nil, err
	}
	return subscribeResult{SubscriptionArn: arn}, nil
}

// filterPolicyAttribute walks the indexed Attributes.entry.N.key/value form
// fields looking for FilterPolicy.
func filterPolicyAttribute(params url.Values) string {
	for i := 1; ; i++ {
		key := params.Get(fmt.Sprintf("Attributes.entry.%d.key", i))
		if key == "" {
			return ""
		}
		if key == "FilterPolicy" {
			return params.Get(fmt.Sprintf("Attributes.entry.%d.value", i))
		}
	}
}

// endpointName reduces an arn endpoint to its resource name; plain names
// pass through unchanged.
func endpointName(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' || endpoint[i] == '/' {
			return endpoint[i+1:]
		}
	}
	return endpoint
}

func (s *Surface) unsubscribe(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	if err := s.provider.Unsubscribe(params.Get("SubscriptionArn")); err != nil {
		return nil, err
	}
	return nil, nil
}

type subscriptionEntry struct {
	SubscriptionArn string `xml:"SubscriptionArn"`
	TopicArn        string `xml:"TopicArn"`
	Protocol        string `xml:"Protocol"`
	Endpoint        string `xml:"Endpoint"`
}

type listSubscriptionsResult struct {
	Subscriptions []subscriptionEntry `xml:"Subscriptions>member"`
}

func (s *Surface) listSubscriptionsByTopic(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	subs, err := s.provider.Subscriptions(params.Get("TopicArn"))
	if err != nil {
		return nil, err
	}
	result := listSubscriptionsResult{}
	for _, sub := range subs {
		result.Subscriptions = append(result.Subscriptions, subscriptionEntry{
			SubscriptionArn: sub.Arn,
			TopicArn:        sub.TopicArn,
			Protocol:        string(sub.Protocol),
			Endpoint:        sub.Endpoint,
		})
	}
	return result, nil
}

type publishResult struct {
	MessageId string `xml:"MessageId"`
}

func (s *Surface) publish(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	message := params.Get("Message")
	if message == "" {
		return nil, api.NewValidation("InvalidParameter", "Message must not be empty")
	}
	id, err := s.provider.Publish(ctx,
		params.Get("TopicArn"), message, params.Get("Subject"), publishAttributes(params))
	if err != nil {
		return nil, err
	}
	return publishResult{MessageId: id}, nil
}

// publishAttributes walks MessageAttributes.entry.N.Name / .Value.StringValue.
func publishAttributes(params url.Values) map[string]string {
	attrs := make(map[string]string)
	for i := 1; ; i++ {
		name := params.Get(fmt.Sprintf("MessageAttributes.entry.%d.Name", i))
		if name == "" {
			break
		}
		attrs[name] = params.Get(fmt.Sprintf("MessageAttributes.entry.%d.Value.StringValue", i))
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
