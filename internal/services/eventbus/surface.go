package eventbus

import (
	"context"
	"encoding/json"
	"net/http"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
)

const targetPrefix = "AWSEvents"

// Surface serves the event bus's JSON-target dialect.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

// Handler builds the HTTP handler with the full operation table.
func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewJSONTargetMux(targetPrefix)
	mux.Handle("PutEvents", s.putEvents)
	mux.Handle("PutRule", s.putRule)
	mux.Handle("DeleteRule", s.deleteRule)
	mux.Handle("ListRules", s.listRules)
	mux.Handle("PutTargets", s.putTargets)
	mux.Handle("RemoveTargets", s.removeTargets)
	mux.Handle("ListTargetsByRule", s.listTargetsByRule)
	mux.Handle("CreateEventBus", s.createEventBus)
	mux.Handle("ListEventBuses", s.listEventBuses)
	return mux
}

// decode re-marshals the dispatcher's generic body into a typed request.
func decode(body map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return api.NewValidation("SerializationException", "unreadable request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return api.NewValidation("SerializationException", "malformed request: %v", err)
	}
	return nil
}

type putEventsEntry struct {
	Source       string `json:"Source"`
	DetailType   string `json:"DetailType"`
	Detail       string `json:"Detail"`
	EventBusName string `json:"EventBusName"`
}

type putEventsResultEntry struct {
	EventId      string `json:"EventId,omitempty"`
	ErrorCode    string `json:"ErrorCode,omitempty"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

func (s *Surface) putEvents(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Entries []putEventsEntry `json:"Entries"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if len(req.Entries) == 0 {
		return nil, api.NewValidation("", "PutEvents needs at least one entry")
	}

	failed := 0
	entries := make([]putEventsResultEntry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		id, err := s.provider.publish(ctx, entry.EventBusName, entry.Source, entry.DetailType, json.RawMessage(entry.Detail))
		if err != nil {
			failed++
			entries = append(entries, putEventsResultEntry{
				ErrorCode:    api.WireCode(err),
				ErrorMessage: api.WireMessage(err),
			})
			continue
		}
		entries = append(entries, putEventsResultEntry{EventId: id})
	}
	return map[string]interface{}{
		"FailedEntryCount": failed,
		"Entries":          entries,
	}, nil
}

func (s *Surface) putRule(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Name               string `json:"Name"`
		EventBusName       string `json:"EventBusName"`
		EventPattern       string `json:"EventPattern"`
		ScheduleExpression string `json:"ScheduleExpression"`
		State              string `json:"State"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	var eventPattern map[string]interface{}
	if req.EventPattern != "" {
		if err := json.Unmarshal([]byte(req.EventPattern), &eventPattern); err != nil {
			return nil, api.NewValidation("InvalidEventPatternException", "event pattern is not valid JSON")
		}
	}
	enabled := req.State == "" || req.State == "ENABLED"
	arn, err := s.provider.PutRule(req.EventBusName, req.Name, eventPattern, req.ScheduleExpression, enabled)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"RuleArn": arn}, nil
}

func (s *Surface) deleteRule(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Name         string `json:"Name"`
		EventBusName string `json:"EventBusName"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if err := s.provider.DeleteRule(req.EventBusName, req.Name); err != nil {
		return nil, err
	}
	return nil, nil
}

type ruleDescription struct {
	Name               string `json:"Name"`
	Arn                string `json:"Arn"`
	EventBusName       string `json:"EventBusName"`
	EventPattern       string `json:"EventPattern,omitempty"`
	ScheduleExpression string `json:"ScheduleExpression,omitempty"`
	State              string `json:"State"`
}

func describeRule(r *Rule) ruleDescription {
	desc := ruleDescription{
		Name:               r.Name,
		Arn:                r.Arn,
		EventBusName:       r.Bus,
		ScheduleExpression: r.Schedule,
		State:              "ENABLED",
	}
	if !r.Enabled {
		desc.State = "DISABLED"
	}
	if r.Pattern != nil {
		if encoded, err := json.Marshal(r.Pattern); err == nil {
			desc.EventPattern = string(encoded)
		}
	}
	return desc
}

func (s *Surface) listRules(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		EventBusName string `json:"EventBusName"`
		NamePrefix   string `json:"NamePrefix"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	rules, err := s.provider.ListRules(req.EventBusName, req.NamePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ruleDescription, 0, len(rules))
	for _, r := range rules {
		out = append(out, describeRule(r))
	}
	return map[string]interface{}{"Rules": out}, nil
}

type targetEntry struct {
	Id  string `json:"Id"`
	Arn string `json:"Arn"`
}

func (s *Surface) putTargets(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Rule         string        `json:"Rule"`
		EventBusName string        `json:"EventBusName"`
		Targets      []targetEntry `json:"Targets"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(req.Targets))
	for _, entry := range req.Targets {
		target, err := ParseTargetArn(entry.Id, entry.Arn)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := s.provider.PutTargets(req.EventBusName, req.Rule, targets); err != nil {
		return nil, err
	}
	return map[string]interface{}{"FailedEntryCount": 0, "FailedEntries": []interface{}{}}, nil
}

func (s *Surface) removeTargets(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Rule         string   `json:"Rule"`
		EventBusName string   `json:"EventBusName"`
		Ids          []string `json:"Ids"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if err := s.provider.RemoveTargets(req.EventBusName, req.Rule, req.Ids); err != nil {
		return nil, err
	}
	return map[string]interface{}{"FailedEntryCount": 0, "FailedEntries": []interface{}{}}, nil
}

func (s *Surface) listTargetsByRule(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Rule         string `json:"Rule"`
		EventBusName string `json:"EventBusName"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	targets, err := s.provider.Targets(req.EventBusName, req.Rule)
	if err != nil {
		return nil, err
	}
	out := make([]targetEntry, 0, len(targets))
	for _, target := range targets {
		out = append(out, targetEntry{Id: target.ID, Arn: target.Arn})
	}
	return map[string]interface{}{"Targets": out}, nil
}

func (s *Surface) createEventBus(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Name string `json:"Name"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	arn, err := s.provider.CreateBus(req.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"EventBusArn": arn}, nil
}

func (s *Surface) listEventBuses(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	type busEntry struct {
		Name string `json:"Name"`
		Arn  string `json:"Arn"`
	}
	out := []busEntry{}
	for _, name := range s.provider.ListBuses() {
		out = append(out, busEntry{Name: name, Arn: s.provider.BusArn(name)})
	}
	return map[string]interface{}{"EventBuses": out}, nil
}
