// Package service fronts workflow storage and execution for the API
// layer.
package service

import (
	"context"
	"encoding/json"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/workflow/engine"
	"github.com/jarvishq/jarvisd/internal/workflow/models"
	"github.com/jarvishq/jarvisd/internal/workflow/repository"
)

// Service provides workflow CRUD and execution.
type Service struct {
	store  repository.Store
	engine *engine.Engine
}

// New creates a workflow service.
func New(store repository.Store, eng *engine.Engine) *Service {
	return &Service{store: store, engine: eng}
}

// CreateWorkflow validates and stores a new workflow.
func (s *Service) CreateWorkflow(ctx context.Context, ownerID, name, description string, graph json.RawMessage) (*models.Workflow, error) {
	wf := &models.Workflow{
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		Graph:       graph,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflow loads a live workflow; deleted ones report NotFound.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.DeletedAt != nil {
		return nil, apperr.NotFoundf("workflow %s", id)
	}
	return wf, nil
}

// ListWorkflows returns the owner's live workflows.
func (s *Service) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx, ownerID)
}

// UpdateWorkflow replaces name, description and graph.
func (s *Service) UpdateWorkflow(ctx context.Context, id, name, description string, graph json.RawMessage) (*models.Workflow, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		wf.Name = name
	}
	wf.Description = description
	if len(graph) > 0 {
		wf.Graph = graph
	}
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// DeleteWorkflow soft-deletes; execution history stays readable.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	return s.store.DeleteWorkflow(ctx, id)
}

// Execute starts an execution and returns its id immediately.
func (s *Service) Execute(ctx context.Context, id string, input json.RawMessage) (*models.Execution, error) {
	handle, err := s.engine.Execute(ctx, id, input)
	if err != nil {
		return nil, err
	}
	return handle.Execution, nil
}

// GetExecution loads one execution with its node states.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.Execution, []*models.NodeState, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	states, err := s.store.ListNodeStates(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return exec, states, nil
}

// ListExecutions returns a workflow's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, workflowID)
}
