package models

import (
	"fmt"
	"strings"
	"time"
)

// Maturity levels, ordered ML1 < ML2 < ML3.
const (
	MaturityML1 = "ML1"
	MaturityML2 = "ML2"
	MaturityML3 = "ML3"
)

var maturityRank = map[string]int{
	MaturityML1: 1,
	MaturityML2: 2,
	MaturityML3: 3,
}

// HighestMaturity returns the maximum maturity of the given levels,
// defaulting to ML1 when the list is empty.
func HighestMaturity(levels []string) string {
	best := MaturityML1
	for _, l := range levels {
		if maturityRank[l] > maturityRank[best] {
			best = l
		}
	}
	return best
}

// ValidMaturity reports whether m is one of the known maturity levels.
func ValidMaturity(m string) bool {
	_, ok := maturityRank[m]
	return ok
}

// Workflow types an execution can belong to.
const (
	WorkflowIP    = "IP"
	WorkflowHPDF  = "HPDF"
	WorkflowDFTed = "DFTed"
)

// WorkflowTypes lists the fixed workflow-type vocabulary in stable order.
var WorkflowTypes = []string{WorkflowIP, WorkflowHPDF, WorkflowDFTed}

// ValidWorkflowType reports whether wt is one of the known workflow types.
func ValidWorkflowType(wt string) bool {
	for _, t := range WorkflowTypes {
		if t == wt {
			return true
		}
	}
	return false
}

// Execution statuses.
const (
	StatusRequested    = "REQUESTED"
	StatusPending      = "PENDING"
	StatusRunning      = "RUNNING"
	StatusWaiting      = "WAITING"
	StatusUnverified   = "UNVERIFIED"
	StatusSuccess      = "SUCCESS"
	StatusFailed       = "FAILED"
	StatusDMNotReady   = "DM Not Ready"
	StatusExecNotReady = "EXEC Not Ready"
)

// TerminalStatuses are the statuses the bulk-clean operation must not touch.
var TerminalStatuses = []string{StatusSuccess, StatusFailed, StatusDMNotReady, StatusExecNotReady}

var allStatuses = []string{
	StatusRequested, StatusPending, StatusRunning, StatusWaiting,
	StatusUnverified, StatusSuccess, StatusFailed, StatusDMNotReady, StatusExecNotReady,
}

// NormalizeStatus maps a case-insensitive status token to its canonical form.
// Returns "" when the token is unknown.
func NormalizeStatus(s string) string {
	for _, known := range allStatuses {
		if strings.EqualFold(known, s) {
			return known
		}
	}
	return ""
}

// Criterion display modes.
const (
	DisplaySuccessFail  = "success_fail"
	DisplayNumericValue = "numeric_value"
)

type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Maturity  string    `json:"maturity"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Repository struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Projects []string `json:"projects,omitempty"`
}

// Target is a build artifact scoped uniquely within its repository. The three
// type flags mark which workflow types it is eligible for; at least one must
// be set.
type Target struct {
	ID           int64  `json:"id"`
	RepositoryID int64  `json:"repositoryId"`
	Repository   string `json:"repository,omitempty"`
	Name         string `json:"name"`
	IsIP         bool   `json:"is_IP"`
	IsHPDF       bool   `json:"is_HPDF"`
	IsDFTed      bool   `json:"is_DFTed"`
}

// Normalize applies the HPDF/DFTed back-compat sync: setting either flag
// implies the other.
func (t *Target) Normalize() {
	if t.IsHPDF && !t.IsDFTed {
		t.IsDFTed = true
	} else if t.IsDFTed && !t.IsHPDF {
		t.IsHPDF = true
	}
}

// Validate enforces the entity invariant that a target is eligible for at
// least one workflow type.
func (t *Target) Validate() error {
	if !t.IsIP && !t.IsHPDF && !t.IsDFTed {
		return fmt.Errorf("at least one target type must be selected (IP, HPDF, or DFTed)")
	}
	return nil
}

// FlagFor returns the type flag for the given workflow type.
func (t *Target) FlagFor(workflowType string) bool {
	switch workflowType {
	case WorkflowIP:
		return t.IsIP
	case WorkflowHPDF:
		return t.IsHPDF
	case WorkflowDFTed:
		return t.IsDFTed
	}
	return false
}

type CriteriaGroup struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color"`
	Order       int    `json:"order"`
}

type Criterion struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	DisplayType  string `json:"displayType"`
	Unit         string `json:"unit,omitempty"`
	GroupID      *int64 `json:"groupId,omitempty"`
	OrderInGroup int    `json:"orderInGroup"`
	AvailableIP    bool `json:"available_IP"`
	AvailableHPDF  bool `json:"available_HPDF"`
	AvailableDFTed bool `json:"available_DFTed"`
}

// FlagFor returns the availability flag for the given workflow type.
func (c *Criterion) FlagFor(workflowType string) bool {
	switch workflowType {
	case WorkflowIP:
		return c.AvailableIP
	case WorkflowHPDF:
		return c.AvailableHPDF
	case WorkflowDFTed:
		return c.AvailableDFTed
	}
	return false
}

// Matches reports whether target and criterion intersect on at least one
// workflow type (is_X on the target vs available_X on the criterion).
func Matches(t *Target, c *Criterion) bool {
	for _, wt := range WorkflowTypes {
		if t.FlagFor(wt) && c.FlagFor(wt) {
			return true
		}
	}
	return false
}

// CriterionTarget links a Criterion to a Target. Recent caches the latest
// execution for the pair; it is overwritten on every new execution and never
// cleared.
type CriterionTarget struct {
	ID          int64    `json:"id"`
	CriterionID int64    `json:"criterionId"`
	TargetID    int64    `json:"targetId"`
	Owners      []string `json:"owners,omitempty"`
	RecentID    *int64   `json:"recentId,omitempty"`

	// Denormalized names, populated on reads that join.
	CriterionName  string `json:"criterion,omitempty"`
	TargetName     string `json:"target,omitempty"`
	RepositoryID   int64  `json:"-"`
	RepositoryName string `json:"repository,omitempty"`
}

type Execution struct {
	ID                int64      `json:"id"`
	CriterionTargetID int64      `json:"criterionTargetId"`
	Status            string     `json:"status"`
	DisplayValue      string     `json:"displayValue,omitempty"`
	LogContent        string     `json:"logContent,omitempty"`
	LogObjectKey      string     `json:"logObjectKey,omitempty"`
	EvaluatedMaturity string     `json:"evaluatedMaturity,omitempty"`
	Branch            string     `json:"branch,omitempty"`
	Commit            string     `json:"commit,omitempty"`
	WorkflowType      string     `json:"workflowType"`
	BatchID           *int64     `json:"batchId,omitempty"`
	BuildNumber       *int64     `json:"buildNumber,omitempty"`
	ExecutedBy        string     `json:"executedBy,omitempty"`
	ExecutedAt        time.Time  `json:"executedAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	// Denormalized for the batch retrieval endpoint and broadcasts.
	CriterionName  string `json:"criterion,omitempty"`
	TargetName     string `json:"target,omitempty"`
	RepositoryName string `json:"repository,omitempty"`
}

// ExecutionBatch groups executions for a single Jenkins submission.
// BatchSize mirrors the actual member count after every mutation.
type ExecutionBatch struct {
	ID                 int64      `json:"id"`
	CreatedBy          string     `json:"createdBy,omitempty"`
	BatchSize          int        `json:"batchSize"`
	JenkinsSubmitted   bool       `json:"jenkinsSubmitted"`
	JenkinsSubmittedAt *time.Time `json:"jenkinsSubmittedAt,omitempty"`
	BranchName         string     `json:"branchName,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

type EvaluationPattern struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// EvaluationRule scopes a pattern plus ordered numeric thresholds to a
// criterion and optional maturity. A nil maturity applies to all levels and
// is used only as fallback.
type EvaluationRule struct {
	ID          int64   `json:"id"`
	CriterionID int64   `json:"criterionId"`
	Maturity    *string `json:"maturity,omitempty"`
	PatternID   int64   `json:"patternId"`
	Ruleset     string  `json:"ruleset"`

	CriterionName string `json:"criterion,omitempty"`
	PatternText   string `json:"-"`
}
