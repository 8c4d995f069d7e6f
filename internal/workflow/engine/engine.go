// Package engine executes workflow DAGs: topological order, concurrent
// branches, per-node retries and event publication.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentmodels "github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/service"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/common/stringutil"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/internal/tools"
	"github.com/jarvishq/jarvisd/internal/workflow/models"
	"github.com/jarvishq/jarvisd/internal/workflow/repository"
)

// maxExecutionErrorLen bounds the error string stored on a failed
// execution.
const maxExecutionErrorLen = 500

// Dispatcher dispatches agent nodes. Satisfied by *service.Runner.
type Dispatcher interface {
	ExecuteAgentTask(ctx context.Context, req service.TaskRequest) (*service.TaskResult, error)
}

// RunReader reads run outcomes for agent nodes.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*agentmodels.Run, error)
}

// Engine executes workflows. Executions run in the background; Execute
// returns once the execution record exists.
type Engine struct {
	store      repository.Store
	registry   *tools.Registry
	dispatcher Dispatcher
	runs       RunReader
	bus        bus.Bus
	logger     *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a workflow engine.
func New(store repository.Store, registry *tools.Registry, dispatcher Dispatcher, runs RunReader, eventBus bus.Bus, log *logger.Logger) *Engine {
	return &Engine{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		runs:       runs,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "workflow-engine")),
		active:     make(map[string]context.CancelFunc),
	}
}

// ExecutionHandle is returned by Execute; Done closes when the
// execution reaches a terminal status.
type ExecutionHandle struct {
	Execution *models.Execution
	Done      <-chan struct{}
}

// Execute starts one execution of a workflow. Deleted workflows do not
// execute.
func (e *Engine) Execute(ctx context.Context, workflowID string, input json.RawMessage) (*ExecutionHandle, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.DeletedAt != nil {
		return nil, apperr.NotFoundf("workflow %s is deleted", workflowID)
	}
	graph, err := models.ParseGraph(wf.Graph)
	if err != nil {
		return nil, apperr.InvalidArgumentf("workflow graph rejected: %v", err)
	}

	execution, err := e.store.CreateExecution(ctx, wf.ID, input)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.active[execution.ID] = cancel
	e.mu.Unlock()

	done := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		defer func() {
			e.mu.Lock()
			cancel()
			delete(e.active, execution.ID)
			e.mu.Unlock()
		}()
		e.run(execCtx, wf, graph, execution)
	}()

	return &ExecutionHandle{Execution: execution, Done: done}, nil
}

// Cancel signals a running execution.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("execution %s is not active", executionID)
	}
	cancel()
	return nil
}

// Shutdown cancels active executions and waits for them, bounded by
// ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// execState is the shared per-execution bookkeeping.
type execState struct {
	mu      sync.Mutex
	status  map[string]models.NodeStatus
	outputs map[string]json.RawMessage
	// pass records condition results; non-condition nodes pass when
	// they succeed.
	pass   map[string]bool
	errors []string
}

func (s *execState) set(nodeID string, status models.NodeStatus, output json.RawMessage, pass bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[nodeID] = status
	if output != nil {
		s.outputs[nodeID] = output
	}
	s.pass[nodeID] = pass
}

func (s *execState) addError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

func (s *execState) result(nodeID string) (models.NodeStatus, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[nodeID]
	return status, s.pass[nodeID], ok
}

// context assembles the accumulated outputs keyed by node id.
func (s *execState) context() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make(map[string]any, len(s.outputs))
	for id, raw := range s.outputs {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			merged[id] = decoded
		}
	}
	return merged
}

// run walks the graph in topological levels. Nodes within a level run
// concurrently; a critical failure aborts remaining levels while
// non-critical failures only skip their descendants.
func (e *Engine) run(ctx context.Context, wf *models.Workflow, graph *models.Graph, execution *models.Execution) {
	log := e.logger.WithFields(
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", execution.ID))

	state := &execState{
		status:  make(map[string]models.NodeStatus),
		outputs: make(map[string]json.RawMessage),
		pass:    make(map[string]bool),
	}

	order, err := graph.TopoSort()
	if err != nil {
		e.finish(execution, models.ExecutionFailed, err.Error(), wf.ID, log)
		return
	}

	remaining := order
	criticalFailure := false
	for len(remaining) > 0 && !criticalFailure {
		ready, rest := e.readyNodes(execution, wf.ID, graph, state, remaining)
		if len(ready) == 0 {
			// Remaining nodes all wait on skipped or failed parents.
			for _, id := range rest {
				e.recordSkip(execution, wf.ID, id, state)
			}
			break
		}
		remaining = rest

		g, gctx := errgroup.WithContext(ctx)
		for _, nodeID := range ready {
			node, _ := graph.Node(nodeID)
			g.Go(func() error {
				return e.runNode(gctx, execution, wf.ID, node, state)
			})
		}
		if err := g.Wait(); err != nil {
			criticalFailure = true
		}
	}

	status := models.ExecutionSuccess
	var errMsg string
	state.mu.Lock()
	if len(state.errors) > 0 {
		if criticalFailure {
			status = models.ExecutionFailed
		}
		errMsg = strings.Join(state.errors, "; ")
	}
	state.mu.Unlock()
	if ctx.Err() != nil {
		status = models.ExecutionFailed
		errMsg = "cancelled"
	}
	e.finish(execution, status, errMsg, wf.ID, log)
}

// readyNodes splits remaining into nodes whose parents all succeeded
// and the rest. A node behind a failed, skipped or non-passing parent
// is skipped immediately; its own descendants skip on later passes.
func (e *Engine) readyNodes(execution *models.Execution, workflowID string, graph *models.Graph, state *execState, remaining []string) (ready, rest []string) {
	for _, id := range remaining {
		allDone := true
		blocked := false
		for _, parent := range graph.Parents(id) {
			status, pass, ok := state.result(parent)
			if !ok {
				allDone = false
				break
			}
			if status != models.NodeStatusSuccess || !pass {
				blocked = true
			}
		}
		switch {
		case !allDone:
			rest = append(rest, id)
		case blocked:
			e.recordSkip(execution, workflowID, id, state)
		default:
			ready = append(ready, id)
		}
	}
	return ready, rest
}

// recordSkip persists a skipped node state.
func (e *Engine) recordSkip(execution *models.Execution, workflowID, nodeID string, state *execState) {
	state.set(nodeID, models.NodeStatusSkipped, nil, false)
	e.persistNodeState(execution.ID, workflowID, &models.NodeState{
		ExecutionID: execution.ID,
		NodeID:      nodeID,
		Status:      models.NodeStatusSkipped,
	})
}

// runNode executes one node with retries. Only a critical failure
// returns an error; non-critical failures are recorded and isolated.
func (e *Engine) runNode(ctx context.Context, execution *models.Execution, workflowID string, node *models.Node, state *execState) error {
	e.persistNodeState(execution.ID, workflowID, &models.NodeState{
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		Status:      models.NodeStatusRunning,
	})

	var output json.RawMessage
	var pass bool
	var err error
	attempts := 0
	for attempt := 0; attempt <= node.MaxRetries; attempt++ {
		attempts = attempt + 1
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		output, pass, err = e.executeNode(ctx, execution, node, state)
		if err == nil {
			break
		}
		if attempt < node.MaxRetries {
			e.publishNodeLog(execution.ID, workflowID, node.ID,
				fmt.Sprintf("attempt %d failed: %v", attempts, err))
		}
	}

	if err != nil {
		errStr := stringutil.TruncateRunes(err.Error(), maxExecutionErrorLen)
		state.set(node.ID, models.NodeStatusFailed, nil, false)
		state.addError(fmt.Sprintf("node %s: %s", node.ID, errStr))
		e.persistNodeState(execution.ID, workflowID, &models.NodeState{
			ExecutionID: execution.ID,
			NodeID:      node.ID,
			Status:      models.NodeStatusFailed,
			Error:       &errStr,
			Attempts:    attempts,
		})
		if node.Critical() {
			return fmt.Errorf("node %s failed: %s", node.ID, errStr)
		}
		return nil
	}

	state.set(node.ID, models.NodeStatusSuccess, output, pass)
	e.persistNodeState(execution.ID, workflowID, &models.NodeState{
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		Status:      models.NodeStatusSuccess,
		Output:      output,
		Attempts:    attempts,
	})
	return nil
}

// executeNode runs the node body once. The bool result is the condition
// outcome; non-condition nodes always pass on success.
func (e *Engine) executeNode(ctx context.Context, execution *models.Execution, node *models.Node, state *execState) (json.RawMessage, bool, error) {
	switch node.Type {
	case models.NodeTrigger:
		if len(execution.Input) > 0 {
			return execution.Input, true, nil
		}
		return json.RawMessage(`{}`), true, nil

	case models.NodeTool:
		return e.executeToolNode(ctx, node, state)

	case models.NodeAgent:
		return e.executeAgentNode(ctx, node, state)

	case models.NodeCondition:
		return e.executeConditionNode(node, state)

	case models.NodeAction:
		return e.executeActionNode(execution, node)

	default:
		return nil, false, fmt.Errorf("unknown node type %q", node.Type)
	}
}

type toolNodeConfig struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (e *Engine) executeToolNode(ctx context.Context, node *models.Node, state *execState) (json.RawMessage, bool, error) {
	var cfg toolNodeConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, false, fmt.Errorf("invalid tool node config: %w", err)
	}
	if cfg.Tool == "" {
		return nil, false, fmt.Errorf("tool node %s names no tool", node.ID)
	}

	args := cfg.Arguments
	if len(args) == 0 {
		// No explicit arguments: feed the accumulated context.
		merged, err := json.Marshal(state.context())
		if err != nil {
			return nil, false, err
		}
		args = merged
	}

	result, err := e.registry.Invoke(ctx, cfg.Tool, args)
	if err != nil {
		return nil, false, err
	}
	output, err := json.Marshal(map[string]string{"result": result})
	if err != nil {
		return nil, false, err
	}
	return output, true, nil
}

type agentNodeConfig struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task,omitempty"`
}

func (e *Engine) executeAgentNode(ctx context.Context, node *models.Node, state *execState) (json.RawMessage, bool, error) {
	var cfg agentNodeConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, false, fmt.Errorf("invalid agent node config: %w", err)
	}
	if cfg.AgentID == "" {
		return nil, false, fmt.Errorf("agent node %s names no agent", node.ID)
	}

	override := cfg.Task
	if upstream := state.context(); len(upstream) > 0 {
		if doc, err := json.Marshal(upstream); err == nil {
			if override == "" {
				override = fmt.Sprintf("Process the following workflow context:\n%s", doc)
			} else {
				override = fmt.Sprintf("%s\n\nWorkflow context:\n%s", override, doc)
			}
		}
	}

	result, err := e.dispatcher.ExecuteAgentTask(ctx, service.TaskRequest{
		AgentID:      cfg.AgentID,
		Trigger:      agentmodels.TriggerWorkflow,
		TaskOverride: override,
	})
	if err != nil {
		return nil, false, err
	}

	select {
	case <-result.Done:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	run, err := e.runs.GetRun(ctx, result.RunID)
	if err != nil {
		return nil, false, err
	}
	if run.Status != agentmodels.RunStatusSuccess {
		msg := "run failed"
		if run.Error != nil {
			msg = *run.Error
		}
		return nil, false, fmt.Errorf("agent run %s: %s", run.ID, msg)
	}

	doc := map[string]string{"run_id": run.ID, "thread_id": run.ThreadID}
	if run.Summary != nil {
		doc["summary"] = *run.Summary
	}
	output, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return output, true, nil
}

type conditionNodeConfig struct {
	// Field is a dot path into the accumulated context, rooted at node
	// ids (e.g. "fetch.result").
	Field  string `json:"field"`
	Equals any    `json:"equals"`
}

func (e *Engine) executeConditionNode(node *models.Node, state *execState) (json.RawMessage, bool, error) {
	var cfg conditionNodeConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, false, fmt.Errorf("invalid condition node config: %w", err)
	}
	if cfg.Field == "" {
		return nil, false, fmt.Errorf("condition node %s names no field", node.ID)
	}

	value, found := lookupPath(state.context(), cfg.Field)
	result := found && equalJSON(value, cfg.Equals)

	output, err := json.Marshal(map[string]bool{"result": result})
	if err != nil {
		return nil, false, err
	}
	return output, result, nil
}

type actionNodeConfig struct {
	Message string `json:"message,omitempty"`
}

func (e *Engine) executeActionNode(execution *models.Execution, node *models.Node) (json.RawMessage, bool, error) {
	var cfg actionNodeConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, false, fmt.Errorf("invalid action node config: %w", err)
		}
	}
	if cfg.Message != "" {
		e.publishNodeLog(execution.ID, execution.WorkflowID, node.ID, cfg.Message)
	}
	if len(node.Config) > 0 {
		return node.Config, true, nil
	}
	return json.RawMessage(`{}`), true, nil
}

// finish persists and announces the terminal execution state.
func (e *Engine) finish(execution *models.Execution, status models.ExecutionStatus, errMsg, workflowID string, log *logger.Logger) {
	ctx := context.Background()

	var errPtr *string
	if errMsg != "" {
		trimmed := stringutil.TruncateRunes(errMsg, maxExecutionErrorLen)
		errPtr = &trimmed
	}
	finished, err := e.store.FinishExecution(ctx, execution.ID, status, errPtr)
	if err != nil {
		log.Error("Failed to finalize execution", zap.Error(err))
		finished = execution
		finished.Status = status
	}

	var durationMs int64
	if finished.DurationMs != nil {
		durationMs = *finished.DurationMs
	} else {
		durationMs = time.Since(execution.StartedAt).Milliseconds()
	}

	payload := events.ExecutionFinishedPayload{
		ExecutionID: execution.ID,
		WorkflowID:  workflowID,
		Status:      string(status),
		DurationMs:  durationMs,
	}
	if errPtr != nil {
		payload.Error = *errPtr
	}
	if err := e.bus.Publish(ctx, events.New(events.ExecutionFinished, payload)); err != nil {
		log.Warn("Failed to publish execution finished", zap.Error(err))
	}

	log.Info("Execution finished",
		zap.String("status", string(status)),
		zap.Int64("duration_ms", durationMs))
}

// persistNodeState stores the node state and publishes NODE_STATE.
func (e *Engine) persistNodeState(executionID, workflowID string, state *models.NodeState) {
	ctx := context.Background()
	if err := e.store.UpsertNodeState(ctx, state); err != nil {
		e.logger.Warn("Failed to persist node state",
			zap.String("execution_id", executionID),
			zap.String("node_id", state.NodeID),
			zap.Error(err))
	}

	payload := events.NodePayload{
		Kind:        events.NodeState,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		NodeID:      state.NodeID,
		Status:      string(state.Status),
		Output:      state.Output,
	}
	if state.Error != nil {
		payload.Error = *state.Error
	}
	if err := e.bus.Publish(ctx, events.New(events.NodeState, payload)); err != nil {
		e.logger.Warn("Failed to publish node state", zap.Error(err))
	}
}

func (e *Engine) publishNodeLog(executionID, workflowID, nodeID, line string) {
	payload := events.NodePayload{
		Kind:        events.NodeLog,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		NodeID:      nodeID,
		Log:         line,
	}
	if err := e.bus.Publish(context.Background(), events.New(events.NodeLog, payload)); err != nil {
		e.logger.Warn("Failed to publish node log", zap.Error(err))
	}
}

// lookupPath resolves a dot path in nested maps.
func lookupPath(root map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = root
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equalJSON compares a decoded JSON value with a config literal,
// normalizing both through JSON round-trips.
func equalJSON(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
