package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qualboard/qualboard/internal/models"
	"github.com/qualboard/qualboard/internal/store"
)

// BatchCapacity is the hard cap on executions per batch.
const BatchCapacity = 100

// SubmissionItem is one requested verification run.
type SubmissionItem struct {
	Target       string `json:"target"`
	Criterion    string `json:"criterion"`
	Branch       string `json:"branch"`
	WorkflowType string `json:"workflow_type"`
}

type SubmissionResult struct {
	Executions []models.Execution `json:"data"`
	BatchIDs   []int64            `json:"batch_ids"`
	Total      int                `json:"total_executions"`
}

// SubmitExecutions creates or reuses a pending execution per item, partitions
// them into capacity-bounded batches ordered by repository name, and hands
// each batch to the build trigger. Items that fail to resolve are skipped and
// logged; the request fails only when nothing resolves. Trigger failures do
// not roll back created batches; they surface as one aggregate error after
// all batches were attempted.
func (s *Service) SubmitExecutions(ctx context.Context, requestedBy string, items []SubmissionItem) (SubmissionResult, error) {
	if len(items) == 0 {
		return SubmissionResult{}, fmt.Errorf("%w: empty submission", ErrValidation)
	}

	var executions []models.Execution
	var branchName string
	for _, item := range items {
		branchName = item.Branch
		workflowType := item.WorkflowType
		if workflowType == "" {
			workflowType = models.WorkflowIP
		}
		if !models.ValidWorkflowType(workflowType) {
			s.logger.Error("skipping execution with unknown workflow type",
				"target", item.Target, "criterion", item.Criterion, "workflow_type", workflowType)
			continue
		}
		exec, created, err := s.resolveExecution(ctx, item, workflowType, requestedBy)
		if err != nil {
			s.logger.Error("failed to create execution",
				"target", item.Target, "criterion", item.Criterion, "error", err)
			continue
		}
		s.logger.Debug("execution resolved",
			"execution_id", exec.ID, "created", created)
		if created {
			s.broadcastExecution(ctx, exec, true)
		}
		executions = append(executions, exec)
	}
	if len(executions) == 0 {
		return SubmissionResult{}, fmt.Errorf("%w: no valid executions created", ErrValidation)
	}

	batchIDs, err := s.allocateBatches(ctx, executions, requestedBy, branchName)
	if err != nil {
		return SubmissionResult{}, err
	}

	var failed []int64
	for _, batchID := range batchIDs {
		if err := s.trigger.TriggerBatch(ctx, batchID, branchName); err != nil {
			s.logger.Error("failed to submit batch", "batch_id", batchID, "error", err)
			failed = append(failed, batchID)
			continue
		}
		if err := s.store.MarkBatchSubmitted(ctx, batchID, time.Now().UTC()); err != nil {
			s.logger.Error("failed to mark batch submitted", "batch_id", batchID, "error", err)
		}
		if batch, err := s.store.GetBatch(ctx, batchID); err == nil {
			s.broadcastBatch(ctx, batch, true)
		}
	}

	result := SubmissionResult{
		Executions: executions,
		BatchIDs:   batchIDs,
		Total:      len(executions),
	}
	if len(failed) > 0 {
		return result, fmt.Errorf("failed to submit %d of %d batches to jenkins: batch ids %v",
			len(failed), len(batchIDs), failed)
	}
	return result, nil
}

func (s *Service) resolveExecution(ctx context.Context, item SubmissionItem, workflowType, requestedBy string) (models.Execution, bool, error) {
	ct, err := s.store.GetCriterionTargetByNames(ctx, item.Criterion, item.Target)
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("no pair for %s and %s: %w", item.Target, item.Criterion, err)
	}

	// Maturity snapshot: computed once at creation from the repository's
	// projects, never recomputed after.
	maturity, err := s.highestMaturity(ctx, ct.RepositoryID)
	if err != nil {
		return models.Execution{}, false, err
	}

	exec, created, err := s.store.GetOrCreatePendingExecution(ctx, store.ExecutionInput{
		CriterionTargetID: ct.ID,
		Branch:            item.Branch,
		WorkflowType:      workflowType,
		EvaluatedMaturity: maturity,
		ExecutedBy:        requestedBy,
	})
	if err != nil {
		return models.Execution{}, false, err
	}
	if created {
		// Last-write-wins; the recent pointer is always overwritten for a
		// new execution, never compared against the previous one.
		if err := s.store.SetRecentExecution(ctx, ct.ID, exec.ID); err != nil {
			s.logger.Warn("failed to update recent execution pointer",
				"criterion_target_id", ct.ID, "execution_id", exec.ID, "error", err)
		}
	}
	return exec, created, nil
}

func (s *Service) highestMaturity(ctx context.Context, repositoryID int64) (string, error) {
	projects, err := s.store.ProjectsForRepository(ctx, repositoryID)
	if err != nil {
		return "", fmt.Errorf("load projects for maturity: %w", err)
	}
	levels := make([]string, 0, len(projects))
	for _, p := range projects {
		levels = append(levels, p.Maturity)
	}
	return models.HighestMaturity(levels), nil
}

// allocateBatches sorts executions by owning repository name (stable, so
// arrival order breaks ties), chunks them into groups of at most
// BatchCapacity, and persists batch membership and sizes.
func (s *Service) allocateBatches(ctx context.Context, executions []models.Execution, createdBy, branchName string) ([]int64, error) {
	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].RepositoryName < executions[j].RepositoryName
	})

	var batchIDs []int64
	for start := 0; start < len(executions); start += BatchCapacity {
		end := start + BatchCapacity
		if end > len(executions) {
			end = len(executions)
		}
		batch, err := s.store.CreateBatch(ctx, store.BatchInput{
			CreatedBy:  createdBy,
			BranchName: branchName,
		})
		if err != nil {
			return nil, fmt.Errorf("create batch: %w", err)
		}
		for i := start; i < end; i++ {
			if err := s.store.AssignBatch(ctx, executions[i].ID, batch.ID); err != nil {
				return nil, fmt.Errorf("assign execution %d to batch %d: %w", executions[i].ID, batch.ID, err)
			}
			executions[i].BatchID = &batch.ID
		}
		if err := s.store.SetBatchSize(ctx, batch.ID, end-start); err != nil {
			return nil, fmt.Errorf("set batch size: %w", err)
		}
		batchIDs = append(batchIDs, batch.ID)
	}
	return batchIDs, nil
}

// BatchDetail is the denormalized payload the build system consumes.
type BatchDetail struct {
	Batch      models.ExecutionBatch `json:"batch"`
	Executions []models.Execution    `json:"executions"`
}

func (s *Service) GetBatch(ctx context.Context, id int64) (BatchDetail, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	executions, err := s.store.ListBatchExecutions(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	return BatchDetail{Batch: batch, Executions: executions}, nil
}

// ResubmitBatch re-triggers an unsubmitted batch. Submission flags are still
// set at most once; an already-submitted batch is rejected.
func (s *Service) ResubmitBatch(ctx context.Context, id int64) (models.ExecutionBatch, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return models.ExecutionBatch{}, err
	}
	if batch.JenkinsSubmitted {
		return models.ExecutionBatch{}, fmt.Errorf("%w: batch %d already submitted", ErrValidation, id)
	}
	if err := s.trigger.TriggerBatch(ctx, id, batch.BranchName); err != nil {
		return models.ExecutionBatch{}, fmt.Errorf("resubmit batch %d: %w", id, err)
	}
	if err := s.store.MarkBatchSubmitted(ctx, id, time.Now().UTC()); err != nil {
		return models.ExecutionBatch{}, err
	}
	batch, err = s.store.GetBatch(ctx, id)
	if err != nil {
		return models.ExecutionBatch{}, err
	}
	s.broadcastBatch(ctx, batch, false)
	return batch, nil
}

// normalizeOwnerNames drops empty entries and surrounding whitespace.
func normalizeOwnerNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if trimmed := strings.TrimSpace(n); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
