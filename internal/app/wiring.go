package app

import (
	"context"
	"fmt"
	"strings"

	"localcloud/internal/api"
	"localcloud/internal/eventsource"
	"localcloud/internal/graph"
	"localcloud/internal/services/eventbus"
	"localcloud/internal/services/pubsub"
	"localcloud/internal/services/workflow"
	"localcloud/pkg/logging"
)

// wire performs the post-start wiring: state machines, topic
// subscriptions, event rules, event-source mappings and bucket
// notifications. It runs after every provider is up so every target
// exists.
func (a *App) wire(ctx context.Context) error {
	if err := a.wireStateMachines(); err != nil {
		return err
	}
	if err := a.wireSubscriptions(); err != nil {
		return err
	}
	if err := a.wireRules(); err != nil {
		return err
	}
	if err := a.wireEventSources(); err != nil {
		return err
	}
	a.wireBucketNotifications()
	return nil
}

// functionHandler adapts a function into an event-source handler. Handler
// errors propagate to the dispatcher, which logs them.
func (a *App) functionHandler(fnName, source string) eventsource.Handler {
	return func(ctx context.Context, ev eventsource.Event) error {
		res, err := a.functions.Invoke(ctx, api.InvocationRequest{FunctionName: fnName, Payload: ev.Payload})
		if err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("function %s returned %s: %s", fnName, res.Error.Type, res.Error.Message)
		}
		a.stats.EventsDispatched.WithLabelValues(source).Inc()
		return nil
	}
}

func (a *App) wireStateMachines() error {
	for _, node := range a.graph.Nodes() {
		if node.Kind != graph.KindWorkflow {
			continue
		}
		props := a.trans.resolved(node)
		definition := strProp(props, "DefinitionString")
		if definition == "" {
			return api.NewConfiguration("state machine %s has no definition", node.ID)
		}
		typ := workflow.MachineType(strProp(props, "StateMachineType"))
		if typ == "" {
			typ = workflow.TypeStandard
		}
		if _, err := a.workflow.CreateStateMachine(physicalName(node), definition, typ); err != nil && !api.IsConflict(err) {
			return fmt.Errorf("state machine %s: %w", node.ID, err)
		}
	}
	return nil
}

func (a *App) wireSubscriptions() error {
	for _, res := range a.asm.Resources {
		if res.Type != "AWS::SNS::Subscription" {
			continue
		}
		props, _ := a.trans.resolver.Resolve(res.Properties).(map[string]interface{})
		topicArn := strProp(props, "TopicArn")
		endpoint := nameFromArn(strProp(props, "Endpoint"))

		var protocol pubsub.Protocol
		switch strProp(props, "Protocol") {
		case "lambda":
			protocol = pubsub.ProtocolFunction
		case "sqs":
			protocol = pubsub.ProtocolQueue
		default:
			logging.Warn(appSubsystem, "subscription %s uses unsupported protocol %q, skipping",
				res.LogicalID, strProp(props, "Protocol"))
			continue
		}

		if _, err := a.pubsub.Subscribe(topicArn, protocol, endpoint, mapProp(props, "FilterPolicy")); err != nil {
			return fmt.Errorf("subscription %s: %w", res.LogicalID, err)
		}
	}
	return nil
}

func (a *App) wireRules() error {
	for _, node := range a.graph.Nodes() {
		if node.Kind != graph.KindEventRule {
			continue
		}
		props := a.trans.resolved(node)
		bus := a.trans.ruleBus(node)
		name := physicalName(node)
		pattern := mapProp(props, "EventPattern")
		schedule := strProp(props, "ScheduleExpression")
		enabled := strProp(props, "State") != "DISABLED"

		if _, err := a.eventbus.PutRule(bus, name, pattern, schedule, enabled); err != nil {
			return fmt.Errorf("rule %s: %w", node.ID, err)
		}

		var targets []eventbus.Target
		for i, raw := range listProp(props, "Targets") {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			id := strProp(entry, "Id")
			if id == "" {
				id = fmt.Sprintf("%s-target-%d", name, i)
			}
			target, err := eventbus.ParseTargetArn(id, strProp(entry, "Arn"))
			if err != nil {
				logging.Warn(appSubsystem, "rule %s target %s: %v, skipping", name, id, err)
				continue
			}
			targets = append(targets, target)
		}
		if len(targets) > 0 {
			if err := a.eventbus.PutTargets(bus, name, targets); err != nil {
				return fmt.Errorf("rule %s targets: %w", node.ID, err)
			}
		}
	}
	return nil
}

// wireEventSources binds pull mappings: queues feed their functions through
// pollers, table streams through the store's change dispatcher.
func (a *App) wireEventSources() error {
	for _, node := range a.graph.Nodes() {
		if node.Kind != graph.KindEventSource {
			continue
		}
		props := a.trans.resolved(node)
		sourceArn := strProp(props, "EventSourceArn")
		fnName := nameFromArn(strProp(props, "FunctionName"))
		if fnName == "" {
			return api.NewConfiguration("event-source mapping %s names no function", node.ID)
		}
		enabled := true
		if _, ok := props["Enabled"]; ok {
			enabled = boolProp(props, "Enabled")
		}

		switch {
		case strings.Contains(sourceArn, ":sqs:"):
			poller := eventsource.NewPoller(eventsource.PollerConfig{
				Queue:     nameFromArn(sourceArn),
				Function:  fnName,
				BatchSize: intProp(props, "BatchSize"),
				Enabled:   enabled,
			}, a.queue, a.functions)
			poller.Start(a.runCtx)
			a.pollers = append(a.pollers, poller)

		case strings.Contains(sourceArn, ":dynamodb:"):
			table := tableFromStreamArn(sourceArn)
			if !enabled {
				logging.Info(appSubsystem, "stream mapping %s registered but disabled", node.ID)
				continue
			}
			handler := a.functionHandler(fnName, "stream:"+table)
			a.kvstore.Streams().Register(node.ID, eventsource.Selector{}, func(ctx context.Context, ev eventsource.Event) error {
				if ev.Key != table {
					return nil
				}
				return handler(ctx, ev)
			})

		default:
			logging.Warn(appSubsystem, "event-source mapping %s has unsupported source %q, skipping", node.ID, sourceArn)
		}
	}
	return nil
}

// tableFromStreamArn extracts the table name from a table or stream arn,
// e.g. "arn:aws:dynamodb:...:table/orders/stream/2026".
func tableFromStreamArn(arn string) string {
	const marker = "table/"
	i := strings.Index(arn, marker)
	if i < 0 {
		return nameFromArn(arn)
	}
	rest := arn[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// wireBucketNotifications registers function targets declared in each
// bucket's notification configuration.
func (a *App) wireBucketNotifications() {
	for _, node := range a.graph.Nodes() {
		if node.Kind != graph.KindBucket {
			continue
		}
		props := a.trans.resolved(node)
		notif := mapProp(props, "NotificationConfiguration")
		if notif == nil {
			continue
		}
		bucket := physicalName(node)
		for i, raw := range listProp(notif, "LambdaConfigurations") {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			fnName := nameFromArn(strProp(entry, "Function"))
			if fnName == "" {
				continue
			}
			sel := eventsource.Selector{EventType: translateNotificationEvent(strProp(entry, "Event"))}
			if filter := mapProp(entry, "Filter"); filter != nil {
				for _, rule := range listProp(mapProp(filter, "S3Key"), "Rules") {
					r, ok := rule.(map[string]interface{})
					if !ok {
						continue
					}
					switch strings.ToLower(strProp(r, "Name")) {
					case "prefix":
						sel.Prefix = strProp(r, "Value")
					case "suffix":
						sel.Suffix = strProp(r, "Value")
					}
				}
			}
			name := fmt.Sprintf("%s-notify-%d", node.ID, i)
			a.objectstore.Notifications(bucket).Register(name, sel, a.functionHandler(fnName, "bucket:"+bucket))
		}
	}
}

// translateNotificationEvent maps the template event form ("s3:ObjectCreated:*")
// to the dispatched event type ("ObjectCreated:*").
func translateNotificationEvent(event string) string {
	return strings.TrimPrefix(event, "s3:")
}
