package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qualboard/qualboard/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests.
type MemoryStore struct {
	mu sync.RWMutex

	nextID int64

	projects     map[int64]models.Project
	repositories map[int64]models.Repository
	repoProjects map[int64][]int64
	targets      map[int64]models.Target
	groups       map[int64]models.CriteriaGroup
	criteria     map[int64]models.Criterion
	pairs        map[int64]models.CriterionTarget
	owners       map[int64][]string
	executions   map[int64]models.Execution
	batches      map[int64]models.ExecutionBatch
	patterns     map[int64]models.EvaluationPattern
	rules        map[int64]models.EvaluationRule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:     map[int64]models.Project{},
		repositories: map[int64]models.Repository{},
		repoProjects: map[int64][]int64{},
		targets:      map[int64]models.Target{},
		groups:       map[int64]models.CriteriaGroup{},
		criteria:     map[int64]models.Criterion{},
		pairs:        map[int64]models.CriterionTarget{},
		owners:       map[int64][]string{},
		executions:   map[int64]models.Execution{},
		batches:      map[int64]models.ExecutionBatch{},
		patterns:     map[int64]models.EvaluationPattern{},
		rules:        map[int64]models.EvaluationRule{},
	}
}

func (m *MemoryStore) nextIDLocked() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.Name == in.Name {
			return models.Project{}, fmt.Errorf("project %q already exists", in.Name)
		}
	}
	now := time.Now().UTC()
	p := models.Project{
		ID:        m.nextIDLocked(),
		Name:      in.Name,
		URL:       in.URL,
		Maturity:  in.Maturity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.projects[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetProjectByName(ctx context.Context, name string) (models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.Name == name {
			return p, nil
		}
	}
	return models.Project{}, ErrNotFound
}

func (m *MemoryStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateRepository(ctx context.Context, in RepositoryInput) (models.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.repositories {
		if r.Name == in.Name {
			return models.Repository{}, fmt.Errorf("repository %q already exists", in.Name)
		}
	}
	var projectIDs []int64
	for _, name := range in.ProjectNames {
		found := false
		for id, p := range m.projects {
			if p.Name == name {
				projectIDs = append(projectIDs, id)
				found = true
				break
			}
		}
		if !found {
			return models.Repository{}, fmt.Errorf("unknown project %q", name)
		}
	}
	repo := models.Repository{
		ID:       m.nextIDLocked(),
		Name:     in.Name,
		URL:      in.URL,
		Projects: in.ProjectNames,
	}
	m.repositories[repo.ID] = repo
	m.repoProjects[repo.ID] = projectIDs
	return repo, nil
}

func (m *MemoryStore) GetRepositoryByName(ctx context.Context, name string) (models.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.repositories {
		if r.Name == name {
			return r, nil
		}
	}
	return models.Repository{}, ErrNotFound
}

func (m *MemoryStore) ProjectsForRepository(ctx context.Context, repositoryID int64) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projectsForRepositoryLocked(repositoryID), nil
}

func (m *MemoryStore) projectsForRepositoryLocked(repositoryID int64) []models.Project {
	var out []models.Project
	for _, pid := range m.repoProjects[repositoryID] {
		if p, ok := m.projects[pid]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MemoryStore) CreateTarget(ctx context.Context, in TargetInput) (models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.RepositoryID == in.RepositoryID && t.Name == in.Name {
			return models.Target{}, fmt.Errorf("target %q already exists in repository", in.Name)
		}
	}
	repo, ok := m.repositories[in.RepositoryID]
	if !ok {
		return models.Target{}, ErrNotFound
	}
	t := models.Target{
		ID:           m.nextIDLocked(),
		RepositoryID: in.RepositoryID,
		Repository:   repo.Name,
		Name:         in.Name,
		IsIP:         in.IsIP,
		IsHPDF:       in.IsHPDF,
		IsDFTed:      in.IsDFTed,
	}
	m.targets[t.ID] = t
	return t, nil
}

func (m *MemoryStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repository != out[j].Repository {
			return out[i].Repository < out[j].Repository
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) CreateCriteriaGroup(ctx context.Context, in CriteriaGroupInput) (models.CriteriaGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := models.CriteriaGroup{
		ID:          m.nextIDLocked(),
		Name:        in.Name,
		Description: in.Description,
		Color:       in.Color,
		Order:       in.Order,
	}
	m.groups[g.ID] = g
	return g, nil
}

func (m *MemoryStore) CreateCriterion(ctx context.Context, in CriterionInput) (models.Criterion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.criteria {
		if c.Name == in.Name {
			return models.Criterion{}, fmt.Errorf("criterion %q already exists", in.Name)
		}
	}
	c := models.Criterion{
		ID:             m.nextIDLocked(),
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
	m.criteria[c.ID] = c
	return c, nil
}

func (m *MemoryStore) ListCriteria(ctx context.Context) ([]models.Criterion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Criterion, 0, len(m.criteria))
	for _, c := range m.criteria {
		out = append(out, c)
	}
	groupOrder := func(c models.Criterion) (int, bool) {
		if c.GroupID == nil {
			return 0, false
		}
		g, ok := m.groups[*c.GroupID]
		if !ok {
			return 0, false
		}
		return g.Order, true
	}
	sort.Slice(out, func(i, j int) bool {
		oi, geni := groupOrder(out[i])
		oj, genj := groupOrder(out[j])
		if geni != genj {
			return geni // grouped before ungrouped
		}
		if oi != oj {
			return oi < oj
		}
		if out[i].OrderInGroup != out[j].OrderInGroup {
			return out[i].OrderInGroup < out[j].OrderInGroup
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) GetOrCreateCriterionTarget(ctx context.Context, criterionID, targetID int64) (models.CriterionTarget, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ct := range m.pairs {
		if ct.CriterionID == criterionID && ct.TargetID == targetID {
			return ct, false, nil
		}
	}
	ct := models.CriterionTarget{
		ID:          m.nextIDLocked(),
		CriterionID: criterionID,
		TargetID:    targetID,
	}
	m.pairs[ct.ID] = ct
	return ct, true, nil
}

func (m *MemoryStore) GetCriterionTargetByNames(ctx context.Context, criterionName, targetName string) (models.CriterionTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ct := range m.pairs {
		c, okC := m.criteria[ct.CriterionID]
		t, okT := m.targets[ct.TargetID]
		if okC && okT && c.Name == criterionName && t.Name == targetName {
			ct.CriterionName = c.Name
			ct.TargetName = t.Name
			ct.RepositoryID = t.RepositoryID
			if repo, ok := m.repositories[t.RepositoryID]; ok {
				ct.RepositoryName = repo.Name
			}
			ct.Owners = append([]string(nil), m.owners[ct.ID]...)
			return ct, nil
		}
	}
	return models.CriterionTarget{}, ErrNotFound
}

func (m *MemoryStore) SetCriterionTargetOwners(ctx context.Context, id int64, owners []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[id]; !ok {
		return ErrNotFound
	}
	m.owners[id] = append([]string(nil), owners...)
	return nil
}

func (m *MemoryStore) SetRecentExecution(ctx context.Context, criterionTargetID, executionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.pairs[criterionTargetID]
	if !ok {
		return ErrNotFound
	}
	ct.RecentID = &executionID
	m.pairs[criterionTargetID] = ct
	return nil
}

func (m *MemoryStore) denormalizeLocked(e models.Execution) models.Execution {
	ct, ok := m.pairs[e.CriterionTargetID]
	if !ok {
		return e
	}
	if c, ok := m.criteria[ct.CriterionID]; ok {
		e.CriterionName = c.Name
	}
	if t, ok := m.targets[ct.TargetID]; ok {
		e.TargetName = t.Name
		if repo, ok := m.repositories[t.RepositoryID]; ok {
			e.RepositoryName = repo.Name
		}
	}
	return e
}

func (m *MemoryStore) GetOrCreatePendingExecution(ctx context.Context, in ExecutionInput) (models.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []models.Execution
	for _, e := range m.executions {
		if e.CriterionTargetID == in.CriterionTargetID && e.Branch == in.Branch &&
			e.WorkflowType == in.WorkflowType &&
			(e.Status == models.StatusRequested || e.Status == models.StatusPending) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		return m.denormalizeLocked(candidates[0]), false, nil
	}
	now := time.Now().UTC()
	e := models.Execution{
		ID:                m.nextIDLocked(),
		CriterionTargetID: in.CriterionTargetID,
		Status:            models.StatusRequested,
		Branch:            in.Branch,
		WorkflowType:      in.WorkflowType,
		EvaluatedMaturity: in.EvaluatedMaturity,
		ExecutedBy:        in.ExecutedBy,
		ExecutedAt:        now,
		UpdatedAt:         now,
	}
	m.executions[e.ID] = e
	return m.denormalizeLocked(e), true, nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id int64) (models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return models.Execution{}, ErrNotFound
	}
	return m.denormalizeLocked(e), nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Execution
	for _, e := range m.executions {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Branch != "" && e.Branch != f.Branch {
			continue
		}
		out = append(out, m.denormalizeLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec models.Execution) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[exec.ID]
	if !ok {
		return models.Execution{}, ErrNotFound
	}
	e.Status = exec.Status
	e.DisplayValue = exec.DisplayValue
	e.LogContent = exec.LogContent
	e.LogObjectKey = exec.LogObjectKey
	e.Commit = exec.Commit
	e.BuildNumber = exec.BuildNumber
	e.UpdatedAt = time.Now().UTC()
	m.executions[e.ID] = e
	return m.denormalizeLocked(e), nil
}

func (m *MemoryStore) AssignBatch(ctx context.Context, executionID, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	e.BatchID = &batchID
	e.UpdatedAt = time.Now().UTC()
	m.executions[executionID] = e
	return nil
}

func (m *MemoryStore) BulkFailByBuildNumber(ctx context.Context, buildNumber int64, logMessage string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	terminal := map[string]bool{}
	for _, st := range models.TerminalStatuses {
		terminal[st] = true
	}
	var count int64
	for id, e := range m.executions {
		if e.BuildNumber == nil || *e.BuildNumber != buildNumber || terminal[e.Status] {
			continue
		}
		e.Status = models.StatusFailed
		e.LogContent = logMessage
		e.UpdatedAt = time.Now().UTC()
		m.executions[id] = e
		count++
	}
	return count, nil
}

func (m *MemoryStore) CreateBatch(ctx context.Context, in BatchInput) (models.ExecutionBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := models.ExecutionBatch{
		ID:         m.nextIDLocked(),
		CreatedBy:  in.CreatedBy,
		BranchName: in.BranchName,
		CreatedAt:  time.Now().UTC(),
	}
	m.batches[b.ID] = b
	return b, nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id int64) (models.ExecutionBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return models.ExecutionBatch{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) SetBatchSize(ctx context.Context, id int64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.BatchSize = size
	m.batches[id] = b
	return nil
}

func (m *MemoryStore) MarkBatchSubmitted(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.JenkinsSubmitted {
		return ErrNotFound
	}
	b.JenkinsSubmitted = true
	b.JenkinsSubmittedAt = &at
	m.batches[id] = b
	return nil
}

func (m *MemoryStore) ListBatchExecutions(ctx context.Context, batchID int64) ([]models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Execution
	for _, e := range m.executions {
		if e.BatchID != nil && *e.BatchID == batchID {
			out = append(out, m.denormalizeLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RepositoryName != out[j].RepositoryName {
			return out[i].RepositoryName < out[j].RepositoryName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ProjectsForBatch(ctx context.Context, batchID int64) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]bool{}
	var out []models.Project
	for _, e := range m.executions {
		if e.BatchID == nil || *e.BatchID != batchID {
			continue
		}
		ct, ok := m.pairs[e.CriterionTargetID]
		if !ok {
			continue
		}
		t, ok := m.targets[ct.TargetID]
		if !ok {
			continue
		}
		for _, p := range m.projectsForRepositoryLocked(t.RepositoryID) {
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateEvaluationPattern(ctx context.Context, name, text string) (models.EvaluationPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patterns {
		if p.Name == name {
			return models.EvaluationPattern{}, fmt.Errorf("pattern %q already exists", name)
		}
	}
	p := models.EvaluationPattern{ID: m.nextIDLocked(), Name: name, Text: text}
	m.patterns[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetEvaluationPattern(ctx context.Context, name string) (models.EvaluationPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patterns {
		if p.Name == name {
			return p, nil
		}
	}
	return models.EvaluationPattern{}, ErrNotFound
}

func (m *MemoryStore) CreateEvaluationRule(ctx context.Context, in RuleInput) (models.EvaluationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.CriterionID != in.CriterionID {
			continue
		}
		if (r.Maturity == nil) == (in.Maturity == nil) &&
			(r.Maturity == nil || *r.Maturity == *in.Maturity) {
			return models.EvaluationRule{}, fmt.Errorf("rule already exists for criterion %d", in.CriterionID)
		}
	}
	r := models.EvaluationRule{
		ID:          m.nextIDLocked(),
		CriterionID: in.CriterionID,
		Maturity:    in.Maturity,
		PatternID:   in.PatternID,
		Ruleset:     in.Ruleset,
	}
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryStore) ResolveEvaluationRule(ctx context.Context, criterionName, maturity string) (models.EvaluationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var criterionID int64 = -1
	for id, c := range m.criteria {
		if c.Name == criterionName {
			criterionID = id
			break
		}
	}
	if criterionID < 0 {
		return models.EvaluationRule{}, ErrNotFound
	}
	var fallback *models.EvaluationRule
	for _, r := range m.rules {
		if r.CriterionID != criterionID {
			continue
		}
		if r.Maturity != nil && *r.Maturity == maturity {
			return m.withPatternLocked(r, criterionName), nil
		}
		if r.Maturity == nil {
			rc := r
			fallback = &rc
		}
	}
	if fallback != nil {
		return m.withPatternLocked(*fallback, criterionName), nil
	}
	return models.EvaluationRule{}, ErrNotFound
}

func (m *MemoryStore) withPatternLocked(r models.EvaluationRule, criterionName string) models.EvaluationRule {
	r.CriterionName = criterionName
	if p, ok := m.patterns[r.PatternID]; ok {
		r.PatternText = p.Text
	}
	return r
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
