package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/graph/checkpoint"
)

// Scheduler hands a created run to the execution side (broker queue or
// local fallback).
type Scheduler interface {
	Schedule(ctx context.Context, runID string) error
}

// Service is the run lifecycle facade the API layer calls.
type Service struct {
	store     *Store
	saver     checkpoint.Saver
	scheduler Scheduler
	log       *zap.Logger
}

// NewService wires the lifecycle dependencies. scheduler may be nil when
// runs are executed synchronously by the caller.
func NewService(store *Store, saver checkpoint.Saver, scheduler Scheduler, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, saver: saver, scheduler: scheduler, log: log}
}

// Store exposes the underlying store for collaborators (worker, HITL).
func (s *Service) Store() *Store { return s.store }

// Create registers a new pending run with a fresh ID.
func (s *Service) Create(ctx context.Context, workflowID, tenantID string, input, cfg map[string]any) (*Run, error) {
	r := &Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Status:     StatusPending,
		Input:      input,
		Config:     cfg,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("run created",
		zap.String("run_id", r.ID),
		zap.String("workflow_id", workflowID))
	return r, nil
}

// Execute schedules a pending run for execution.
func (s *Service) Execute(ctx context.Context, runID string) error {
	r, err := s.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if Terminal(r.Status) {
		return fmt.Errorf("run: %s is already %s", runID, r.Status)
	}
	if s.scheduler == nil {
		return fmt.Errorf("run: no scheduler configured")
	}
	return s.scheduler.Schedule(ctx, runID)
}

// Get loads one run.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	return s.store.Get(ctx, runID)
}

// Fork copies a run's checkpoint onto a brand-new pending run so an
// alternate continuation can be explored. The source run is untouched.
func (s *Service) Fork(ctx context.Context, runID, checkpointID string) (*Run, error) {
	src, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	forked := &Run{
		ID:         uuid.NewString(),
		WorkflowID: src.WorkflowID,
		TenantID:   src.TenantID,
		Status:     StatusPending,
		Input:      src.Input,
		Config:     src.Config,
	}
	if _, err := s.saver.Fork(ctx, runID, checkpointID, forked.ID); err != nil {
		return nil, fmt.Errorf("run: fork checkpoint: %w", err)
	}
	if err := s.store.Create(ctx, forked); err != nil {
		return nil, err
	}
	s.log.Info("run forked",
		zap.String("source_run_id", runID),
		zap.String("forked_run_id", forked.ID),
		zap.String("checkpoint_id", checkpointID))
	return forked, nil
}

// History lists a workflow's runs, newest first.
func (s *Service) History(ctx context.Context, workflowID string, limit int) ([]*Run, error) {
	return s.store.ListByWorkflow(ctx, workflowID, limit)
}

// Checkpoints lists a run's checkpoint chain, newest first.
func (s *Service) Checkpoints(ctx context.Context, runID string, limit int) ([]checkpoint.Tuple, error) {
	return s.saver.List(ctx, runID, limit)
}

// StaleRunCount counts terminal runs older than the retention period.
func (s *Service) StaleRunCount(ctx context.Context, retention time.Duration) (int, error) {
	return s.store.CountStale(ctx, time.Now().UTC().Add(-retention))
}
