package workflow

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
	"localcloud/internal/metrics"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const workflowSubsystem = "Workflow"

// MachineType selects the execution mode of a state machine.
type MachineType string

const (
	TypeStandard MachineType = "STANDARD"
	TypeExpress  MachineType = "EXPRESS"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// StateMachine is a registered definition.
type StateMachine struct {
	Name       string
	Arn        string
	Type       MachineType
	Definition *Definition
	Source     string // the raw definition document
	CreatedAt  time.Time
}

// StateRecord is one history entry of an execution.
type StateRecord struct {
	State     string
	EnteredAt time.Time
	ExitedAt  time.Time
	Input     json.RawMessage
	Output    json.RawMessage
	Error     string
	Cause     string
}

// Execution is one run of a state machine. Executions live in memory only
// and do not survive restarts.
type Execution struct {
	Arn        string
	Name       string
	MachineArn string
	Status     Status
	StartedAt  time.Time
	StoppedAt  time.Time
	Input      json.RawMessage
	Output     json.RawMessage
	Error      string
	Cause      string

	mu      sync.Mutex
	records []StateRecord
	entered time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	finish  func(status Status)
}

func (e *Execution) record(state string, input, output json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, StateRecord{
		State:     state,
		EnteredAt: e.entered,
		ExitedAt:  time.Now(),
		Input:     input,
		Output:    output,
	})
	e.entered = time.Now()
}

func (e *Execution) recordFailure(state string, input json.RawMessage, errName, cause string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, StateRecord{
		State:     state,
		EnteredAt: e.entered,
		ExitedAt:  time.Now(),
		Input:     input,
		Error:     errName,
		Cause:     cause,
	})
}

// Records returns a copy of the execution history.
func (e *Execution) Records() []StateRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StateRecord(nil), e.records...)
}

func (e *Execution) succeed(output json.RawMessage) {
	e.mu.Lock()
	e.Status = StatusSucceeded
	e.Output = output
	e.StoppedAt = time.Now()
	e.mu.Unlock()
	e.finish(StatusSucceeded)
	close(e.done)
}

func (e *Execution) fail(errName, cause string) {
	e.mu.Lock()
	e.Status = StatusFailed
	e.Error = errName
	e.Cause = cause
	e.StoppedAt = time.Now()
	e.mu.Unlock()
	e.finish(StatusFailed)
	close(e.done)
}

func (e *Execution) abort() {
	e.mu.Lock()
	e.Status = StatusAborted
	e.StoppedAt = time.Now()
	e.records = append(e.records, StateRecord{
		State:     "ExecutionAborted",
		EnteredAt: time.Now(),
		ExitedAt:  time.Now(),
	})
	e.mu.Unlock()
	e.finish(StatusAborted)
	close(e.done)
}

// CurrentStatus reads the status under the execution lock.
func (e *Execution) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Status
}

// ExecutionInfo is a consistent copy of an execution's public fields, safe
// to read while the execution is still running.
type ExecutionInfo struct {
	Arn        string
	Name       string
	MachineArn string
	Status     Status
	StartedAt  time.Time
	StoppedAt  time.Time
	Input      json.RawMessage
	Output     json.RawMessage
	Error      string
	Cause      string
}

// Snapshot copies the execution's public fields under its lock.
func (e *Execution) Snapshot() ExecutionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExecutionInfo{
		Arn:        e.Arn,
		Name:       e.Name,
		MachineArn: e.MachineArn,
		Status:     e.Status,
		StartedAt:  e.StartedAt,
		StoppedAt:  e.StoppedAt,
		Input:      e.Input,
		Output:     e.Output,
		Error:      e.Error,
		Cause:      e.Cause,
	}
}

// Provider emulates the workflow service: registered state machines and
// their in-memory executions, interpreted by the state-machine engine.
type Provider struct {
	*provider.Base
	invoker api.FunctionInvoker
	stats   *metrics.Collector

	mu         sync.Mutex
	machines   map[string]*StateMachine // keyed by arn
	executions map[string]*Execution    // keyed by arn
	runCtx     context.Context
	cancel     context.CancelFunc
	running    sync.WaitGroup
}

func NewProvider(invoker api.FunctionInvoker, stats *metrics.Collector) *Provider {
	return &Provider{
		Base:       provider.NewBase("workflow"),
		invoker:    invoker,
		stats:      stats,
		machines:   make(map[string]*StateMachine),
		executions: make(map[string]*Execution),
	}
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		p.runCtx, p.cancel = context.WithCancel(context.Background())
		p.mu.Unlock()
		logging.Info(workflowSubsystem, "workflow provider started")
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.running.Wait()
		return nil
	})
}

func (p *Provider) HealthCheck(ctx context.Context) bool { return true }

// Reset drops every machine and execution.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.machines = make(map[string]*StateMachine)
	p.executions = make(map[string]*Execution)
	return nil
}

// MachineArn returns the stand-in arn for a machine name.
func (p *Provider) MachineArn(name string) string {
	return fmt.Sprintf("arn:%s:states:%s:%s:stateMachine:%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

// CreateStateMachine parses and registers a definition.
func (p *Provider) CreateStateMachine(name, definition string, typ MachineType) (*StateMachine, error) {
	if name == "" {
		return nil, api.NewValidation("", "state machine name must not be empty")
	}
	if typ == "" {
		typ = TypeStandard
	}
	if typ != TypeStandard && typ != TypeExpress {
		return nil, api.NewValidation("", "unknown state machine type %q", typ)
	}
	def, err := ParseDefinition(definition)
	if err != nil {
		return nil, err
	}

	machine := &StateMachine{
		Name:       name,
		Arn:        p.MachineArn(name),
		Type:       typ,
		Definition: def,
		Source:     definition,
		CreatedAt:  time.Now(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.machines[machine.Arn]; exists {
		return nil, api.NewConflict("state machine", name)
	}
	p.machines[machine.Arn] = machine
	logging.Debug(workflowSubsystem, "state machine %s created (%s)", name, typ)
	return machine, nil
}

// DeleteStateMachine removes a machine; its past executions stay readable.
func (p *Provider) DeleteStateMachine(arn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.machines[arn]; !exists {
		return api.NewNotFound("state machine", arn)
	}
	delete(p.machines, arn)
	return nil
}

// ListStateMachines returns machines sorted by name.
func (p *Provider) ListStateMachines() []*StateMachine {
	p.mu.Lock()
	defer p.mu.Unlock()
	machines := make([]*StateMachine, 0, len(p.machines))
	for _, m := range p.machines {
		machines = append(machines, m)
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].Name < machines[j].Name })
	return machines
}

// Machine looks a machine up by arn.
func (p *Provider) Machine(arn string) (*StateMachine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.machines[arn]
	if !ok {
		return nil, api.NewNotFound("state machine", arn)
	}
	return m, nil
}

// StartExecution starts an asynchronous execution and returns immediately.
func (p *Provider) StartExecution(ctx context.Context, machineArn, name string, input json.RawMessage) (*Execution, error) {
	exec, err := p.beginExecution(machineArn, name, input)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// StartSyncExecution runs an execution to completion before returning.
// This is the express mode; the machine may still be standard when called
// through the sync wire operation.
func (p *Provider) StartSyncExecution(ctx context.Context, machineArn, name string, input json.RawMessage) (*Execution, error) {
	exec, err := p.beginExecution(machineArn, name, input)
	if err != nil {
		return nil, err
	}
	select {
	case <-exec.done:
	case <-ctx.Done():
		exec.cancel()
		<-exec.done
	}
	return exec, nil
}

func (p *Provider) beginExecution(machineArn, name string, input json.RawMessage) (*Execution, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return nil, api.NewValidation("InvalidExecutionInput", "execution input is not valid JSON")
	}
	if name == "" {
		name = uuid.NewString()
	}

	p.mu.Lock()
	machine, ok := p.machines[machineArn]
	if !ok {
		p.mu.Unlock()
		return nil, api.NewNotFound("state machine", machineArn)
	}
	if p.runCtx == nil {
		p.mu.Unlock()
		return nil, api.NewProviderStart("workflow", fmt.Errorf("provider not started"))
	}

	execCtx, cancel := context.WithCancel(p.runCtx)
	now := time.Now()
	exec := &Execution{
		Arn:        executionArn(machine.Name, name),
		Name:       name,
		MachineArn: machineArn,
		Status:     StatusRunning,
		StartedAt:  now,
		Input:      input,
		entered:    now,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	exec.finish = func(status Status) {
		if p.stats != nil {
			p.stats.ExecutionsFinished.WithLabelValues(machine.Name, string(status)).Inc()
		}
	}
	if _, dup := p.executions[exec.Arn]; dup {
		p.mu.Unlock()
		cancel()
		return nil, api.NewConflict("execution", name)
	}
	p.executions[exec.Arn] = exec
	p.mu.Unlock()

	if p.stats != nil {
		p.stats.ExecutionsStarted.WithLabelValues(machine.Name).Inc()
	}

	in := &interpreter{def: machine.Definition, exec: exec, invoker: p.invoker}
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer cancel()
		in.run(execCtx)
	}()
	return exec, nil
}

func executionArn(machine, name string) string {
	return fmt.Sprintf("arn:%s:states:%s:%s:execution:%s:%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, machine, name)
}

// Execution looks an execution up by arn.
func (p *Provider) Execution(arn string) (*Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, ok := p.executions[arn]
	if !ok {
		return nil, api.NewNotFound("execution", arn)
	}
	return exec, nil
}

// ListExecutions returns a machine's executions newest first, optionally
// filtered by status.
func (p *Provider) ListExecutions(machineArn string, statusFilter Status) ([]*Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.machines[machineArn]; !ok {
		return nil, api.NewNotFound("state machine", machineArn)
	}
	execs := make([]*Execution, 0)
	for _, exec := range p.executions {
		if exec.MachineArn != machineArn {
			continue
		}
		if statusFilter != "" && exec.CurrentStatus() != statusFilter {
			continue
		}
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.After(execs[j].StartedAt) })
	return execs, nil
}

// StopExecution aborts a running execution. Stopping a finished execution
// is a no-op that reports its stop time.
func (p *Provider) StopExecution(arn string) (*Execution, error) {
	exec, err := p.Execution(arn)
	if err != nil {
		return nil, err
	}
	if exec.CurrentStatus() == StatusRunning {
		exec.cancel()
		<-exec.done
	}
	return exec, nil
}
