// Package service implements the execution lifecycle: submission,
// evaluation on result write-back, criterion/target auto-linking, and the
// post-commit side effects (recent pointer, change broadcast) made explicit.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qualboard/qualboard/internal/archive"
	"github.com/qualboard/qualboard/internal/broadcast"
	"github.com/qualboard/qualboard/internal/models"
	"github.com/qualboard/qualboard/internal/rules"
	"github.com/qualboard/qualboard/internal/store"
)

// ErrValidation marks client errors: malformed requests, unknown names,
// invariant violations. No side effects have happened when it is returned.
var ErrValidation = errors.New("validation failed")

// BulkCleanLogMessage is stamped on executions force-failed by BulkClean.
const BulkCleanLogMessage = "Failed in execution"

// BuildTrigger is the outbound collaborator that hands a batch to the build
// system.
type BuildTrigger interface {
	TriggerBatch(ctx context.Context, batchID int64, branch string) error
}

type Service struct {
	store     store.Store
	evaluator *rules.Evaluator
	publisher broadcast.Publisher
	trigger   BuildTrigger
	archiver  archive.Archiver
	logger    *slog.Logger
}

func New(st store.Store, publisher broadcast.Publisher, trigger BuildTrigger, archiver archive.Archiver, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = broadcast.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		evaluator: rules.NewEvaluator(st),
		publisher: publisher,
		trigger:   trigger,
		archiver:  archiver,
		logger:    logger,
	}
}

type ProjectInput = store.ProjectInput

func (s *Service) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	if in.Name == "" {
		return models.Project{}, fmt.Errorf("%w: project name required", ErrValidation)
	}
	if in.Maturity == "" {
		in.Maturity = models.MaturityML1
	}
	if !models.ValidMaturity(in.Maturity) {
		return models.Project{}, fmt.Errorf("%w: unknown maturity %q", ErrValidation, in.Maturity)
	}
	return s.store.CreateProject(ctx, in)
}

func (s *Service) ListProjects(ctx context.Context) ([]models.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) CreateRepository(ctx context.Context, in store.RepositoryInput) (models.Repository, error) {
	if in.Name == "" || in.URL == "" {
		return models.Repository{}, fmt.Errorf("%w: repository name and url required", ErrValidation)
	}
	return s.store.CreateRepository(ctx, in)
}

type TargetInput struct {
	Repository string
	Name       string
	IsIP       bool
	IsHPDF     bool
	IsDFTed    bool
}

// CreateTarget validates the type-flag invariant, creates the target, and
// auto-links a CriterionTarget for every criterion whose availability flags
// intersect the target's type flags. Linking is get-or-create, so re-running
// it never duplicates pairs.
func (s *Service) CreateTarget(ctx context.Context, in TargetInput) (models.Target, error) {
	t := models.Target{Name: in.Name, IsIP: in.IsIP, IsHPDF: in.IsHPDF, IsDFTed: in.IsDFTed}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return models.Target{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.Name == "" {
		return models.Target{}, fmt.Errorf("%w: target name required", ErrValidation)
	}
	repo, err := s.store.GetRepositoryByName(ctx, in.Repository)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Target{}, fmt.Errorf("%w: repository %q does not exist", ErrValidation, in.Repository)
		}
		return models.Target{}, err
	}
	created, err := s.store.CreateTarget(ctx, store.TargetInput{
		RepositoryID: repo.ID,
		Name:         t.Name,
		IsIP:         t.IsIP,
		IsHPDF:       t.IsHPDF,
		IsDFTed:      t.IsDFTed,
	})
	if err != nil {
		return models.Target{}, err
	}

	criteria, err := s.store.ListCriteria(ctx)
	if err != nil {
		return models.Target{}, fmt.Errorf("auto-link criteria: %w", err)
	}
	for i := range criteria {
		if models.Matches(&created, &criteria[i]) {
			if _, _, err := s.store.GetOrCreateCriterionTarget(ctx, criteria[i].ID, created.ID); err != nil {
				return models.Target{}, fmt.Errorf("auto-link criterion %q: %w", criteria[i].Name, err)
			}
		}
	}
	return created, nil
}

func (s *Service) ListTargets(ctx context.Context) ([]models.Target, error) {
	return s.store.ListTargets(ctx)
}

func (s *Service) CreateCriteriaGroup(ctx context.Context, in store.CriteriaGroupInput) (models.CriteriaGroup, error) {
	if in.Name == "" {
		return models.CriteriaGroup{}, fmt.Errorf("%w: group name required", ErrValidation)
	}
	if in.Color == "" {
		in.Color = "#6c757d"
	}
	return s.store.CreateCriteriaGroup(ctx, in)
}

// CreateCriterion mirrors CreateTarget's auto-linking from the criterion
// side: every existing target whose type flags intersect gets a pair.
func (s *Service) CreateCriterion(ctx context.Context, in store.CriterionInput) (models.Criterion, error) {
	if in.Name == "" {
		return models.Criterion{}, fmt.Errorf("%w: criterion name required", ErrValidation)
	}
	if in.DisplayType == "" {
		in.DisplayType = models.DisplaySuccessFail
	}
	if in.DisplayType != models.DisplaySuccessFail && in.DisplayType != models.DisplayNumericValue {
		return models.Criterion{}, fmt.Errorf("%w: unknown display type %q", ErrValidation, in.DisplayType)
	}
	created, err := s.store.CreateCriterion(ctx, in)
	if err != nil {
		return models.Criterion{}, err
	}

	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return models.Criterion{}, fmt.Errorf("auto-link targets: %w", err)
	}
	for i := range targets {
		if models.Matches(&targets[i], &created) {
			if _, _, err := s.store.GetOrCreateCriterionTarget(ctx, created.ID, targets[i].ID); err != nil {
				return models.Criterion{}, fmt.Errorf("auto-link target %q: %w", targets[i].Name, err)
			}
		}
	}
	return created, nil
}

func (s *Service) ListCriteria(ctx context.Context) ([]models.Criterion, error) {
	return s.store.ListCriteria(ctx)
}

func (s *Service) CreateEvaluationPattern(ctx context.Context, name, text string) (models.EvaluationPattern, error) {
	// Pattern text is intentionally not compiled here; a bad pattern
	// surfaces as an evaluation-time failure.
	if name == "" || text == "" {
		return models.EvaluationPattern{}, fmt.Errorf("%w: pattern name and text required", ErrValidation)
	}
	return s.store.CreateEvaluationPattern(ctx, name, text)
}

type RuleInput struct {
	Criterion string
	Maturity  *string
	Pattern   string
	Ruleset   string
}

func (s *Service) CreateEvaluationRule(ctx context.Context, in RuleInput) (models.EvaluationRule, error) {
	if in.Maturity != nil && !models.ValidMaturity(*in.Maturity) {
		return models.EvaluationRule{}, fmt.Errorf("%w: unknown maturity %q", ErrValidation, *in.Maturity)
	}
	criteria, err := s.store.ListCriteria(ctx)
	if err != nil {
		return models.EvaluationRule{}, err
	}
	var criterionID int64 = -1
	for _, c := range criteria {
		if c.Name == in.Criterion {
			criterionID = c.ID
			break
		}
	}
	if criterionID < 0 {
		return models.EvaluationRule{}, fmt.Errorf("%w: criterion %q does not exist", ErrValidation, in.Criterion)
	}
	pattern, err := s.store.GetEvaluationPattern(ctx, in.Pattern)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.EvaluationRule{}, fmt.Errorf("%w: pattern %q does not exist", ErrValidation, in.Pattern)
		}
		return models.EvaluationRule{}, err
	}
	return s.store.CreateEvaluationRule(ctx, store.RuleInput{
		CriterionID: criterionID,
		Maturity:    in.Maturity,
		PatternID:   pattern.ID,
		Ruleset:     in.Ruleset,
	})
}

// UpdateOwners replaces the owners of a (target, criterion) pair.
func (s *Service) UpdateOwners(ctx context.Context, targetName, criterionName string, owners []string) error {
	ct, err := s.store.GetCriterionTargetByNames(ctx, criterionName, targetName)
	if err != nil {
		return err
	}
	return s.store.SetCriterionTargetOwners(ctx, ct.ID, normalizeOwnerNames(owners))
}

func (s *Service) GetExecution(ctx context.Context, id int64) (models.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions accepts case-insensitive status tokens, matching the
// tolerant filter of the HTTP API.
func (s *Service) ListExecutions(ctx context.Context, statusToken, branch string) ([]models.Execution, error) {
	f := store.ExecutionFilter{Branch: branch}
	if statusToken != "" {
		normalized := models.NormalizeStatus(statusToken)
		if normalized == "" {
			normalized = strings.ToUpper(statusToken)
		}
		f.Status = normalized
	}
	return s.store.ListExecutions(ctx, f)
}

// BulkClean force-fails every execution for the build number that is not
// already terminal. One-way; there is no undo.
func (s *Service) BulkClean(ctx context.Context, buildNumber int64) (int64, error) {
	return s.store.BulkFailByBuildNumber(ctx, buildNumber, BulkCleanLogMessage)
}

type ResultPatch struct {
	Status      *string
	LogContent  *string
	Commit      *string
	BuildNumber *int64
}

// SaveResult applies a write-back from the build system. When the patch
// leaves the execution UNVERIFIED with log content present, the evaluator
// runs and the final status and display value are derived before persisting.
func (s *Service) SaveResult(ctx context.Context, id int64, patch ResultPatch) (models.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return models.Execution{}, err
	}
	if patch.Status != nil {
		normalized := models.NormalizeStatus(*patch.Status)
		if normalized == "" {
			return models.Execution{}, fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
		}
		exec.Status = normalized
	}
	if patch.LogContent != nil {
		exec.LogContent = *patch.LogContent
	}
	if patch.Commit != nil {
		exec.Commit = *patch.Commit
	}
	if patch.BuildNumber != nil {
		exec.BuildNumber = patch.BuildNumber
	}

	if exec.LogContent != "" && exec.Status == models.StatusUnverified {
		s.evaluate(ctx, &exec)
	}

	updated, err := s.store.UpdateExecution(ctx, exec)
	if err != nil {
		return models.Execution{}, err
	}

	if s.archiver != nil && updated.LogContent != "" && updated.LogObjectKey == "" {
		if key, err := s.archiver.ArchiveLog(ctx, updated.ID, updated.LogContent); err != nil {
			s.logger.Warn("failed to archive execution log", "execution_id", updated.ID, "error", err)
		} else {
			updated.LogObjectKey = key
			if updated, err = s.store.UpdateExecution(ctx, updated); err != nil {
				return models.Execution{}, err
			}
		}
	}

	s.broadcastExecution(ctx, updated, false)
	return updated, nil
}

func (s *Service) evaluate(ctx context.Context, exec *models.Execution) {
	outcome, err := s.evaluator.Evaluate(ctx, exec.LogContent, exec.EvaluatedMaturity, exec.CriterionName)
	if err != nil {
		s.logger.Warn("evaluation degraded to failure",
			"execution_id", exec.ID, "criterion", exec.CriterionName, "error", err)
	}
	exec.Status = strings.ToUpper(outcome.Status)

	criterion := s.criterionFor(ctx, exec.CriterionName)
	exec.DisplayValue = rules.DeriveDisplayValue(criterion, exec.Status, outcome.DisplayCandidate)
}

func (s *Service) criterionFor(ctx context.Context, name string) models.Criterion {
	criteria, err := s.store.ListCriteria(ctx)
	if err != nil {
		s.logger.Warn("failed to load criteria for display derivation", "error", err)
		return models.Criterion{DisplayType: models.DisplaySuccessFail}
	}
	for _, c := range criteria {
		if c.Name == name {
			return c
		}
	}
	return models.Criterion{DisplayType: models.DisplaySuccessFail}
}

type executionEvent struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	CriterionName     string `json:"criterion_name"`
	TargetName        string `json:"target_name"`
	RepositoryName    string `json:"repository_name"`
	BuildNumber       *int64 `json:"build_number"`
	Branch            string `json:"branch"`
	Commit            string `json:"commit"`
	WorkflowType      string `json:"workflow_type"`
	ExecutedAt        string `json:"executed_at"`
	UpdatedAt         string `json:"updated_at"`
	EvaluatedMaturity string `json:"evaluated_maturity"`
	BatchID           *int64 `json:"batch_id"`
	Created           bool   `json:"created"`
}

func (executionEvent) EventType() string { return "execution_update" }

// broadcastExecution fans one event out to every project that contains the
// execution's repository. Failures are logged and swallowed; a notification
// must never fail the write that triggered it.
func (s *Service) broadcastExecution(ctx context.Context, exec models.Execution, created bool) {
	ct, err := s.store.GetCriterionTargetByNames(ctx, exec.CriterionName, exec.TargetName)
	if err != nil {
		s.logger.Warn("failed to resolve projects for broadcast", "execution_id", exec.ID, "error", err)
		return
	}
	projects, err := s.store.ProjectsForRepository(ctx, ct.RepositoryID)
	if err != nil {
		s.logger.Warn("failed to resolve projects for broadcast", "execution_id", exec.ID, "error", err)
		return
	}
	event := executionEvent{
		ID:                exec.ID,
		Status:            exec.Status,
		CriterionName:     exec.CriterionName,
		TargetName:        exec.TargetName,
		RepositoryName:    exec.RepositoryName,
		BuildNumber:       exec.BuildNumber,
		Branch:            exec.Branch,
		Commit:            exec.Commit,
		WorkflowType:      exec.WorkflowType,
		ExecutedAt:        exec.ExecutedAt.Format(time.RFC3339),
		UpdatedAt:         exec.UpdatedAt.Format(time.RFC3339),
		EvaluatedMaturity: exec.EvaluatedMaturity,
		BatchID:           exec.BatchID,
		Created:           created,
	}
	for _, p := range projects {
		key := broadcast.ExecutionChannelKey(p.Name)
		if err := s.publisher.Publish(ctx, key, event); err != nil {
			s.logger.Warn("failed to broadcast execution update",
				"execution_id", exec.ID, "channel", key, "error", err)
		}
	}
}

type batchEvent struct {
	ID                 int64  `json:"id"`
	BatchSize          int    `json:"batch_size"`
	JenkinsSubmitted   bool   `json:"jenkins_submitted"`
	JenkinsSubmittedAt string `json:"jenkins_submitted_at,omitempty"`
	BranchName         string `json:"branch_name"`
	CreatedAt          string `json:"created_at"`
	Created            bool   `json:"created"`
}

func (batchEvent) EventType() string { return "batch_operation_update" }

func (s *Service) broadcastBatch(ctx context.Context, batch models.ExecutionBatch, created bool) {
	projects, err := s.store.ProjectsForBatch(ctx, batch.ID)
	if err != nil {
		s.logger.Warn("failed to resolve projects for batch broadcast", "batch_id", batch.ID, "error", err)
		return
	}
	event := batchEvent{
		ID:               batch.ID,
		BatchSize:        batch.BatchSize,
		JenkinsSubmitted: batch.JenkinsSubmitted,
		BranchName:       batch.BranchName,
		CreatedAt:        batch.CreatedAt.Format(time.RFC3339),
		Created:          created,
	}
	if batch.JenkinsSubmittedAt != nil {
		event.JenkinsSubmittedAt = batch.JenkinsSubmittedAt.Format(time.RFC3339)
	}
	for _, p := range projects {
		key := broadcast.ExecutionChannelKey(p.Name)
		if err := s.publisher.Publish(ctx, key, event); err != nil {
			s.logger.Warn("failed to broadcast batch update",
				"batch_id", batch.ID, "channel", key, "error", err)
		}
	}
}
