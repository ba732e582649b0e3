package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/qualboard/qualboard/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateProject(ctx context.Context, in ProjectInput) (models.Project, error)
	GetProjectByName(ctx context.Context, name string) (models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)

	CreateRepository(ctx context.Context, in RepositoryInput) (models.Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (models.Repository, error)
	ProjectsForRepository(ctx context.Context, repositoryID int64) ([]models.Project, error)

	CreateTarget(ctx context.Context, in TargetInput) (models.Target, error)
	ListTargets(ctx context.Context) ([]models.Target, error)

	CreateCriteriaGroup(ctx context.Context, in CriteriaGroupInput) (models.CriteriaGroup, error)
	CreateCriterion(ctx context.Context, in CriterionInput) (models.Criterion, error)
	ListCriteria(ctx context.Context) ([]models.Criterion, error)

	GetOrCreateCriterionTarget(ctx context.Context, criterionID, targetID int64) (models.CriterionTarget, bool, error)
	GetCriterionTargetByNames(ctx context.Context, criterionName, targetName string) (models.CriterionTarget, error)
	SetCriterionTargetOwners(ctx context.Context, id int64, owners []string) error
	SetRecentExecution(ctx context.Context, criterionTargetID, executionID int64) error

	GetOrCreatePendingExecution(ctx context.Context, in ExecutionInput) (models.Execution, bool, error)
	GetExecution(ctx context.Context, id int64) (models.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error)
	UpdateExecution(ctx context.Context, exec models.Execution) (models.Execution, error)
	AssignBatch(ctx context.Context, executionID, batchID int64) error
	BulkFailByBuildNumber(ctx context.Context, buildNumber int64, logMessage string) (int64, error)

	CreateBatch(ctx context.Context, in BatchInput) (models.ExecutionBatch, error)
	GetBatch(ctx context.Context, id int64) (models.ExecutionBatch, error)
	SetBatchSize(ctx context.Context, id int64, size int) error
	MarkBatchSubmitted(ctx context.Context, id int64, at time.Time) error
	ListBatchExecutions(ctx context.Context, batchID int64) ([]models.Execution, error)
	ProjectsForBatch(ctx context.Context, batchID int64) ([]models.Project, error)

	CreateEvaluationPattern(ctx context.Context, name, text string) (models.EvaluationPattern, error)
	GetEvaluationPattern(ctx context.Context, name string) (models.EvaluationPattern, error)
	CreateEvaluationRule(ctx context.Context, in RuleInput) (models.EvaluationRule, error)
	ResolveEvaluationRule(ctx context.Context, criterionName, maturity string) (models.EvaluationRule, error)

	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type ProjectInput struct {
	Name     string
	URL      string
	Maturity string
}

type RepositoryInput struct {
	Name         string
	URL          string
	ProjectNames []string
}

type TargetInput struct {
	RepositoryID int64
	Name         string
	IsIP         bool
	IsHPDF       bool
	IsDFTed      bool
}

type CriteriaGroupInput struct {
	Name        string
	Description string
	Color       string
	Order       int
}

type CriterionInput struct {
	Name           string
	Description    string
	DisplayType    string
	Unit           string
	GroupID        *int64
	OrderInGroup   int
	AvailableIP    bool
	AvailableHPDF  bool
	AvailableDFTed bool
}

type ExecutionInput struct {
	CriterionTargetID int64
	Branch            string
	WorkflowType      string
	EvaluatedMaturity string
	ExecutedBy        string
}

type ExecutionFilter struct {
	Status string
	Branch string
}

type BatchInput struct {
	CreatedBy  string
	BranchName string
}

type RuleInput struct {
	CriterionID int64
	Maturity    *string
	PatternID   int64
	Ruleset     string
}

func (s *PGStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	query := `
		INSERT INTO projects (name, url, maturity)
		VALUES ($1,$2,$3)
		RETURNING id, created_at, updated_at
	`
	p := models.Project{Name: in.Name, URL: in.URL, Maturity: in.Maturity}
	if err := s.db.QueryRowContext(ctx, query, in.Name, in.URL, in.Maturity).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetProjectByName(ctx context.Context, name string) (models.Project, error) {
	const query = `
		SELECT id, name, url, maturity, created_at, updated_at
		FROM projects
		WHERE name=$1
	`
	var p models.Project
	var url sql.NullString
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&p.ID, &p.Name, &url, &p.Maturity, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Project{}, ErrNotFound
		}
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.URL = url.String
	return p, nil
}

func (s *PGStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	const query = `
		SELECT id, name, url, maturity, created_at, updated_at
		FROM projects
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		var p models.Project
		var url sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &url, &p.Maturity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.URL = url.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateRepository(ctx context.Context, in RepositoryInput) (models.Repository, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Repository{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	repo := models.Repository{Name: in.Name, URL: in.URL, Projects: in.ProjectNames}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO repositories (name, url) VALUES ($1,$2) RETURNING id`,
		in.Name, in.URL,
	).Scan(&repo.ID); err != nil {
		return models.Repository{}, fmt.Errorf("insert repository: %w", err)
	}

	if len(in.ProjectNames) > 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO repository_projects (repository_id, project_id)
			SELECT $1, id FROM projects WHERE name = ANY($2)
		`, repo.ID, pq.Array(in.ProjectNames))
		if err != nil {
			return models.Repository{}, fmt.Errorf("link projects: %w", err)
		}
		linked, _ := res.RowsAffected()
		if linked != int64(len(in.ProjectNames)) {
			return models.Repository{}, fmt.Errorf("unknown project in %v", in.ProjectNames)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Repository{}, fmt.Errorf("commit: %w", err)
	}
	return repo, nil
}

func (s *PGStore) GetRepositoryByName(ctx context.Context, name string) (models.Repository, error) {
	const query = `SELECT id, name, url FROM repositories WHERE name=$1`
	var repo models.Repository
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&repo.ID, &repo.Name, &repo.URL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Repository{}, ErrNotFound
		}
		return models.Repository{}, fmt.Errorf("get repository: %w", err)
	}
	return repo, nil
}

func (s *PGStore) ProjectsForRepository(ctx context.Context, repositoryID int64) ([]models.Project, error) {
	const query = `
		SELECT p.id, p.name, p.url, p.maturity, p.created_at, p.updated_at
		FROM projects p
		JOIN repository_projects rp ON rp.project_id = p.id
		WHERE rp.repository_id = $1
		ORDER BY p.name
	`
	rows, err := s.db.QueryContext(ctx, query, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("projects for repository: %w", err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		var p models.Project
		var url sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &url, &p.Maturity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.URL = url.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateTarget(ctx context.Context, in TargetInput) (models.Target, error) {
	query := `
		INSERT INTO targets (repository_id, name, is_ip, is_hpdf, is_dfted)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`
	t := models.Target{
		RepositoryID: in.RepositoryID,
		Name:         in.Name,
		IsIP:         in.IsIP,
		IsHPDF:       in.IsHPDF,
		IsDFTed:      in.IsDFTed,
	}
	if err := s.db.QueryRowContext(ctx, query, in.RepositoryID, in.Name, in.IsIP, in.IsHPDF, in.IsDFTed).Scan(&t.ID); err != nil {
		return models.Target{}, fmt.Errorf("insert target: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	const query = `
		SELECT t.id, t.repository_id, r.name, t.name, t.is_ip, t.is_hpdf, t.is_dfted
		FROM targets t
		JOIN repositories r ON r.id = t.repository_id
		ORDER BY r.name, t.name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	var out []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.RepositoryID, &t.Repository, &t.Name, &t.IsIP, &t.IsHPDF, &t.IsDFTed); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateCriteriaGroup(ctx context.Context, in CriteriaGroupInput) (models.CriteriaGroup, error) {
	query := `
		INSERT INTO criteria_groups (name, description, color, "order")
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`
	g := models.CriteriaGroup{Name: in.Name, Description: in.Description, Color: in.Color, Order: in.Order}
	if err := s.db.QueryRowContext(ctx, query, in.Name, in.Description, in.Color, in.Order).Scan(&g.ID); err != nil {
		return models.CriteriaGroup{}, fmt.Errorf("insert criteria group: %w", err)
	}
	return g, nil
}

func (s *PGStore) CreateCriterion(ctx context.Context, in CriterionInput) (models.Criterion, error) {
	query := `
		INSERT INTO criteria (name, description, display_type, unit, group_id, order_in_group,
		                      available_ip, available_hpdf, available_dfted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`
	c := models.Criterion{
		Name:           in.Name,
		Description:    in.Description,
		DisplayType:    in.DisplayType,
		Unit:           in.Unit,
		GroupID:        in.GroupID,
		OrderInGroup:   in.OrderInGroup,
		AvailableIP:    in.AvailableIP,
		AvailableHPDF:  in.AvailableHPDF,
		AvailableDFTed: in.AvailableDFTed,
	}
	if err := s.db.QueryRowContext(ctx, query,
		in.Name, in.Description, in.DisplayType, in.Unit, in.GroupID, in.OrderInGroup,
		in.AvailableIP, in.AvailableHPDF, in.AvailableDFTed,
	).Scan(&c.ID); err != nil {
		return models.Criterion{}, fmt.Errorf("insert criterion: %w", err)
	}
	return c, nil
}

// ListCriteria returns criteria in display order: group order first, then
// order within the group, then name. Ungrouped criteria sort last.
func (s *PGStore) ListCriteria(ctx context.Context) ([]models.Criterion, error) {
	const query = `
		SELECT c.id, c.name, c.description, c.display_type, c.unit, c.group_id, c.order_in_group,
		       c.available_ip, c.available_hpdf, c.available_dfted
		FROM criteria c
		LEFT JOIN criteria_groups g ON g.id = c.group_id
		ORDER BY g."order" NULLS LAST, c.order_in_group, c.name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list criteria: %w", err)
	}
	defer rows.Close()
	var out []models.Criterion
	for rows.Next() {
		var c models.Criterion
		var desc, unit sql.NullString
		var groupID sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.DisplayType, &unit, &groupID, &c.OrderInGroup,
			&c.AvailableIP, &c.AvailableHPDF, &c.AvailableDFTed); err != nil {
			return nil, fmt.Errorf("scan criterion: %w", err)
		}
		c.Description = desc.String
		c.Unit = unit.String
		if groupID.Valid {
			id := groupID.Int64
			c.GroupID = &id
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) GetOrCreateCriterionTarget(ctx context.Context, criterionID, targetID int64) (models.CriterionTarget, bool, error) {
	ct := models.CriterionTarget{CriterionID: criterionID, TargetID: targetID}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO criterion_targets (criterion_id, target_id)
		VALUES ($1,$2)
		ON CONFLICT (criterion_id, target_id) DO NOTHING
		RETURNING id
	`, criterionID, targetID).Scan(&ct.ID)
	if err == nil {
		return ct, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CriterionTarget{}, false, fmt.Errorf("insert criterion target: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM criterion_targets WHERE criterion_id=$1 AND target_id=$2`,
		criterionID, targetID,
	).Scan(&ct.ID)
	if err != nil {
		return models.CriterionTarget{}, false, fmt.Errorf("get criterion target: %w", err)
	}
	return ct, false, nil
}

func (s *PGStore) GetCriterionTargetByNames(ctx context.Context, criterionName, targetName string) (models.CriterionTarget, error) {
	const query = `
		SELECT ct.id, ct.criterion_id, ct.target_id, ct.recent_id,
		       c.name, t.name, r.id, r.name
		FROM criterion_targets ct
		JOIN criteria c ON c.id = ct.criterion_id
		JOIN targets t ON t.id = ct.target_id
		JOIN repositories r ON r.id = t.repository_id
		WHERE c.name=$1 AND t.name=$2
	`
	var ct models.CriterionTarget
	var recentID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, criterionName, targetName).Scan(
		&ct.ID, &ct.CriterionID, &ct.TargetID, &recentID,
		&ct.CriterionName, &ct.TargetName, &ct.RepositoryID, &ct.RepositoryName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CriterionTarget{}, ErrNotFound
		}
		return models.CriterionTarget{}, fmt.Errorf("get criterion target by names: %w", err)
	}
	if recentID.Valid {
		id := recentID.Int64
		ct.RecentID = &id
	}
	return ct, nil
}

func (s *PGStore) SetCriterionTargetOwners(ctx context.Context, id int64, owners []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM criterion_target_owners WHERE criterion_target_id=$1`, id); err != nil {
		return fmt.Errorf("clear owners: %w", err)
	}
	for _, owner := range owners {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO criterion_target_owners (criterion_target_id, owner) VALUES ($1,$2)`,
			id, owner,
		); err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PGStore) SetRecentExecution(ctx context.Context, criterionTargetID, executionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE criterion_targets SET recent_id=$1 WHERE id=$2`,
		executionID, criterionTargetID,
	)
	if err != nil {
		return fmt.Errorf("set recent execution: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const executionColumns = `
	e.id, e.criterion_target_id, e.status, e.display_value, e.log_content, e.log_object_key,
	e.evaluated_maturity, e.branch, e.commit_hash, e.workflow_type, e.batch_id, e.build_number,
	e.executed_by, e.executed_at, e.updated_at,
	c.name, t.name, r.name
`

const executionJoins = `
	FROM executions e
	JOIN criterion_targets ct ON ct.id = e.criterion_target_id
	JOIN criteria c ON c.id = ct.criterion_id
	JOIN targets t ON t.id = ct.target_id
	JOIN repositories r ON r.id = t.repository_id
`

func scanExecution(row interface{ Scan(...any) error }) (models.Execution, error) {
	var e models.Execution
	var displayValue, logContent, logObjectKey, maturity, branch, commit, executedBy sql.NullString
	var batchID, buildNumber sql.NullInt64
	err := row.Scan(
		&e.ID, &e.CriterionTargetID, &e.Status, &displayValue, &logContent, &logObjectKey,
		&maturity, &branch, &commit, &e.WorkflowType, &batchID, &buildNumber,
		&executedBy, &e.ExecutedAt, &e.UpdatedAt,
		&e.CriterionName, &e.TargetName, &e.RepositoryName,
	)
	if err != nil {
		return models.Execution{}, err
	}
	e.DisplayValue = displayValue.String
	e.LogContent = logContent.String
	e.LogObjectKey = logObjectKey.String
	e.EvaluatedMaturity = maturity.String
	e.Branch = branch.String
	e.Commit = commit.String
	e.ExecutedBy = executedBy.String
	if batchID.Valid {
		id := batchID.Int64
		e.BatchID = &id
	}
	if buildNumber.Valid {
		n := buildNumber.Int64
		e.BuildNumber = &n
	}
	return e, nil
}

// GetOrCreatePendingExecution reuses an unresolved execution for the same
// (criterion_target, branch, workflow_type) when one is still REQUESTED or
// PENDING, otherwise inserts a fresh REQUESTED row. The row lock keeps
// concurrent submissions from creating duplicates.
func (s *PGStore) GetOrCreatePendingExecution(ctx context.Context, in ExecutionInput) (models.Execution, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM executions
		WHERE criterion_target_id=$1 AND branch=$2 AND workflow_type=$3
		  AND status IN ('REQUESTED','PENDING')
		ORDER BY id
		LIMIT 1
		FOR UPDATE
	`, in.CriterionTargetID, in.Branch, in.WorkflowType).Scan(&id)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO executions (criterion_target_id, status, branch, workflow_type, evaluated_maturity, executed_by)
			VALUES ($1,'REQUESTED',$2,$3,$4,$5)
			RETURNING id
		`, in.CriterionTargetID, in.Branch, in.WorkflowType, in.EvaluatedMaturity, in.ExecutedBy).Scan(&id)
		if err != nil {
			return models.Execution{}, false, fmt.Errorf("insert execution: %w", err)
		}
		created = true
	default:
		return models.Execution{}, false, fmt.Errorf("find pending execution: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+executionJoins+` WHERE e.id=$1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("load execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Execution{}, false, fmt.Errorf("commit: %w", err)
	}
	return exec, created, nil
}

func (s *PGStore) GetExecution(ctx context.Context, id int64) (models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+executionJoins+` WHERE e.id=$1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Execution{}, ErrNotFound
		}
		return models.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

func (s *PGStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error) {
	query := `SELECT ` + executionColumns + executionJoins + ` WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND e.status=$%d", len(args))
	}
	if f.Branch != "" {
		args = append(args, f.Branch)
		query += fmt.Sprintf(" AND e.branch=$%d", len(args))
	}
	query += " ORDER BY e.id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateExecution(ctx context.Context, exec models.Execution) (models.Execution, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status=$2,
		    display_value=$3,
		    log_content=$4,
		    log_object_key=$5,
		    commit_hash=$6,
		    build_number=$7,
		    updated_at=NOW()
		WHERE id=$1
	`, exec.ID, exec.Status, exec.DisplayValue, exec.LogContent, exec.LogObjectKey, exec.Commit, exec.BuildNumber)
	if err != nil {
		return models.Execution{}, fmt.Errorf("update execution: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.Execution{}, ErrNotFound
	}
	return s.GetExecution(ctx, exec.ID)
}

func (s *PGStore) AssignBatch(ctx context.Context, executionID, batchID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET batch_id=$1, updated_at=NOW() WHERE id=$2`,
		batchID, executionID,
	)
	if err != nil {
		return fmt.Errorf("assign batch: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) BulkFailByBuildNumber(ctx context.Context, buildNumber int64, logMessage string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status=$2, log_content=$3, updated_at=NOW()
		WHERE build_number=$1 AND status NOT IN ($4,$5,$6,$7)
	`, buildNumber, models.StatusFailed, logMessage,
		models.StatusSuccess, models.StatusFailed, models.StatusDMNotReady, models.StatusExecNotReady)
	if err != nil {
		return 0, fmt.Errorf("bulk fail executions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk fail executions: %w", err)
	}
	return affected, nil
}

func (s *PGStore) CreateBatch(ctx context.Context, in BatchInput) (models.ExecutionBatch, error) {
	query := `
		INSERT INTO execution_batches (created_by, branch_name)
		VALUES ($1,$2)
		RETURNING id, created_at
	`
	b := models.ExecutionBatch{CreatedBy: in.CreatedBy, BranchName: in.BranchName}
	if err := s.db.QueryRowContext(ctx, query, in.CreatedBy, in.BranchName).Scan(&b.ID, &b.CreatedAt); err != nil {
		return models.ExecutionBatch{}, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

func (s *PGStore) GetBatch(ctx context.Context, id int64) (models.ExecutionBatch, error) {
	const query = `
		SELECT id, created_by, batch_size, jenkins_submitted, jenkins_submitted_at, branch_name, created_at
		FROM execution_batches
		WHERE id=$1
	`
	var b models.ExecutionBatch
	var createdBy, branchName sql.NullString
	var submittedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &createdBy, &b.BatchSize, &b.JenkinsSubmitted, &submittedAt, &branchName, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ExecutionBatch{}, ErrNotFound
		}
		return models.ExecutionBatch{}, fmt.Errorf("get batch: %w", err)
	}
	b.CreatedBy = createdBy.String
	b.BranchName = branchName.String
	if submittedAt.Valid {
		t := submittedAt.Time
		b.JenkinsSubmittedAt = &t
	}
	return b, nil
}

func (s *PGStore) SetBatchSize(ctx context.Context, id int64, size int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_batches SET batch_size=$1 WHERE id=$2`,
		size, id,
	)
	if err != nil {
		return fmt.Errorf("set batch size: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBatchSubmitted flips the submission flag exactly once; a batch already
// submitted is left untouched.
func (s *PGStore) MarkBatchSubmitted(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_batches
		SET jenkins_submitted=TRUE, jenkins_submitted_at=$2
		WHERE id=$1 AND jenkins_submitted=FALSE
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark batch submitted: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListBatchExecutions(ctx context.Context, batchID int64) ([]models.Execution, error) {
	query := `SELECT ` + executionColumns + executionJoins + ` WHERE e.batch_id=$1 ORDER BY r.name, e.id`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch executions: %w", err)
	}
	defer rows.Close()
	var out []models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PGStore) ProjectsForBatch(ctx context.Context, batchID int64) ([]models.Project, error) {
	const query = `
		SELECT DISTINCT p.id, p.name, p.url, p.maturity, p.created_at, p.updated_at
		FROM projects p
		JOIN repository_projects rp ON rp.project_id = p.id
		JOIN targets t ON t.repository_id = rp.repository_id
		JOIN criterion_targets ct ON ct.target_id = t.id
		JOIN executions e ON e.criterion_target_id = ct.id
		WHERE e.batch_id = $1
		ORDER BY p.name
	`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("projects for batch: %w", err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		var p models.Project
		var url sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &url, &p.Maturity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.URL = url.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateEvaluationPattern(ctx context.Context, name, text string) (models.EvaluationPattern, error) {
	query := `INSERT INTO evaluation_patterns (name, text) VALUES ($1,$2) RETURNING id`
	p := models.EvaluationPattern{Name: name, Text: text}
	if err := s.db.QueryRowContext(ctx, query, name, text).Scan(&p.ID); err != nil {
		return models.EvaluationPattern{}, fmt.Errorf("insert evaluation pattern: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetEvaluationPattern(ctx context.Context, name string) (models.EvaluationPattern, error) {
	const query = `SELECT id, name, text FROM evaluation_patterns WHERE name=$1`
	var p models.EvaluationPattern
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&p.ID, &p.Name, &p.Text); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvaluationPattern{}, ErrNotFound
		}
		return models.EvaluationPattern{}, fmt.Errorf("get evaluation pattern: %w", err)
	}
	return p, nil
}

func (s *PGStore) CreateEvaluationRule(ctx context.Context, in RuleInput) (models.EvaluationRule, error) {
	query := `
		INSERT INTO evaluation_rules (criterion_id, maturity, pattern_id, ruleset)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`
	r := models.EvaluationRule{
		CriterionID: in.CriterionID,
		Maturity:    in.Maturity,
		PatternID:   in.PatternID,
		Ruleset:     in.Ruleset,
	}
	if err := s.db.QueryRowContext(ctx, query, in.CriterionID, in.Maturity, in.PatternID, in.Ruleset).Scan(&r.ID); err != nil {
		return models.EvaluationRule{}, fmt.Errorf("insert evaluation rule: %w", err)
	}
	return r, nil
}

// ResolveEvaluationRule prefers the exact-maturity rule and falls back to the
// maturity-agnostic one. At most one rule exists per (criterion, maturity),
// which the ORDER BY relies on.
func (s *PGStore) ResolveEvaluationRule(ctx context.Context, criterionName, maturity string) (models.EvaluationRule, error) {
	const query = `
		SELECT er.id, er.criterion_id, er.maturity, er.pattern_id, er.ruleset, c.name, ep.text
		FROM evaluation_rules er
		JOIN criteria c ON c.id = er.criterion_id
		JOIN evaluation_patterns ep ON ep.id = er.pattern_id
		WHERE c.name=$1 AND (er.maturity=$2 OR er.maturity IS NULL)
		ORDER BY er.maturity NULLS LAST
		LIMIT 1
	`
	var r models.EvaluationRule
	var mat sql.NullString
	err := s.db.QueryRowContext(ctx, query, criterionName, maturity).Scan(
		&r.ID, &r.CriterionID, &mat, &r.PatternID, &r.Ruleset, &r.CriterionName, &r.PatternText,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvaluationRule{}, ErrNotFound
		}
		return models.EvaluationRule{}, fmt.Errorf("resolve evaluation rule: %w", err)
	}
	if mat.Valid {
		m := mat.String
		r.Maturity = &m
	}
	return r, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
