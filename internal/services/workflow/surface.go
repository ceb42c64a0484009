package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
)

const targetPrefix = "AWSStepFunctions"

// Surface serves the workflow service's JSON-target dialect.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

// Handler builds the HTTP handler with the full operation table.
func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewJSONTargetMux(targetPrefix)
	mux.Handle("CreateStateMachine", s.createStateMachine)
	mux.Handle("DeleteStateMachine", s.deleteStateMachine)
	mux.Handle("DescribeStateMachine", s.describeStateMachine)
	mux.Handle("ListStateMachines", s.listStateMachines)
	mux.Handle("StartExecution", s.startExecution)
	mux.Handle("StartSyncExecution", s.startSyncExecution)
	mux.Handle("DescribeExecution", s.describeExecution)
	mux.Handle("StopExecution", s.stopExecution)
	mux.Handle("ListExecutions", s.listExecutions)
	mux.Handle("GetExecutionHistory", s.getExecutionHistory)
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

func epoch(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func (s *Surface) createStateMachine(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		Name       string `json:"name"`
		Definition string `json:"definition"`
		Type       string `json:"type"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	machine, err := s.provider.CreateStateMachine(req.Name, req.Definition, MachineType(req.Type))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"stateMachineArn": machine.Arn,
		"creationDate":    epoch(machine.CreatedAt),
	}, nil
}

func (s *Surface) deleteStateMachine(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		StateMachineArn string `json:"stateMachineArn"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if err := s.provider.DeleteStateMachine(req.StateMachineArn); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Surface) describeStateMachine(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		StateMachineArn string `json:"stateMachineArn"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	machine, err := s.provider.Machine(req.StateMachineArn)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"stateMachineArn": machine.Arn,
		"name":            machine.Name,
		"type":            string(machine.Type),
		"definition":      machine.Source,
		"creationDate":    epoch(machine.CreatedAt),
	}, nil
}

func (s *Surface) listStateMachines(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	machines := []map[string]interface{}{}
	for _, machine := range s.provider.ListStateMachines() {
		machines = append(machines, map[string]interface{}{
			"stateMachineArn": machine.Arn,
			"name":            machine.Name,
			"type":            string(machine.Type),
			"creationDate":    epoch(machine.CreatedAt),
		})
	}
	return map[string]interface{}{"stateMachines": machines}, nil
}

type startExecutionRequest struct {
	StateMachineArn string `json:"stateMachineArn"`
	Name            string `json:"name"`
	Input           string `json:"input"`
}

func (s *Surface) startExecution(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req startExecutionRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	exec, err := s.provider.StartExecution(ctx, req.StateMachineArn, req.Name, json.RawMessage(req.Input))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"executionArn": exec.Arn,
		"startDate":    epoch(exec.StartedAt),
	}, nil
}

func (s *Surface) startSyncExecution(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req startExecutionRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	exec, err := s.provider.StartSyncExecution(ctx, req.StateMachineArn, req.Name, json.RawMessage(req.Input))
	if err != nil {
		return nil, err
	}
	info := exec.Snapshot()
	result := map[string]interface{}{
		"executionArn": info.Arn,
		"status":       string(info.Status),
		"startDate":    epoch(info.StartedAt),
		"stopDate":     epoch(info.StoppedAt),
	}
	if info.Status == StatusSucceeded {
		result["output"] = string(info.Output)
	} else {
		result["error"] = info.Error
		result["cause"] = info.Cause
	}
	return result, nil
}

func executionDescription(info ExecutionInfo) map[string]interface{} {
	result := map[string]interface{}{
		"executionArn":    info.Arn,
		"stateMachineArn": info.MachineArn,
		"name":            info.Name,
		"status":          string(info.Status),
		"startDate":       epoch(info.StartedAt),
		"input":           string(info.Input),
	}
	if info.Status != StatusRunning {
		result["stopDate"] = epoch(info.StoppedAt)
	}
	switch info.Status {
	case StatusSucceeded:
		result["output"] = string(info.Output)
	case StatusFailed:
		result["error"] = info.Error
		result["cause"] = info.Cause
	}
	return result
}

func (s *Surface) describeExecution(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		ExecutionArn string `json:"executionArn"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	exec, err := s.provider.Execution(req.ExecutionArn)
	if err != nil {
		return nil, err
	}
	return executionDescription(exec.Snapshot()), nil
}

func (s *Surface) stopExecution(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		ExecutionArn string `json:"executionArn"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	exec, err := s.provider.StopExecution(req.ExecutionArn)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"stopDate": epoch(exec.Snapshot().StoppedAt)}, nil
}

func (s *Surface) listExecutions(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		StateMachineArn string `json:"stateMachineArn"`
		StatusFilter    string `json:"statusFilter"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	execs, err := s.provider.ListExecutions(req.StateMachineArn, Status(req.StatusFilter))
	if err != nil {
		return nil, err
	}
	out := []map[string]interface{}{}
	for _, exec := range execs {
		info := exec.Snapshot()
		entry := map[string]interface{}{
			"executionArn":    info.Arn,
			"stateMachineArn": info.MachineArn,
			"name":            info.Name,
			"status":          string(info.Status),
			"startDate":       epoch(info.StartedAt),
		}
		if info.Status != StatusRunning {
			entry["stopDate"] = epoch(info.StoppedAt)
		}
		out = append(out, entry)
	}
	return map[string]interface{}{"executions": out}, nil
}

func (s *Surface) getExecutionHistory(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		ExecutionArn string `json:"executionArn"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	exec, err := s.provider.Execution(req.ExecutionArn)
	if err != nil {
		return nil, err
	}
	events := []map[string]interface{}{}
	for i, record := range exec.Records() {
		entry := map[string]interface{}{
			"id":        i + 1,
			"stateName": record.State,
			"enteredAt": epoch(record.EnteredAt),
			"exitedAt":  epoch(record.ExitedAt),
		}
		if record.Input != nil {
			entry["input"] = string(record.Input)
		}
		if record.Output != nil {
			entry["output"] = string(record.Output)
		}
		if record.Error != "" {
			entry["error"] = record.Error
			entry["cause"] = record.Cause
		}
		events = append(events, entry)
	}
	return map[string]interface{}{"events": events}, nil
}
