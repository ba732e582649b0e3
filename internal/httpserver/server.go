package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qualboard/qualboard/internal/auth"
	"github.com/qualboard/qualboard/internal/service"
	"github.com/qualboard/qualboard/internal/store"
)

type Server struct {
	service   *service.Service
	store     store.Store
	jwtSecret string
}

func New(svc *service.Service, st store.Store, jwtSecret string) *Server {
	return &Server{
		service:   svc,
		store:     st,
		jwtSecret: jwtSecret,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(auth.Middleware(s.jwtSecret))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/executions", s.handleSubmitExecutions)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Patch("/executions/{id}", s.handlePatchExecution)

		r.Get("/execution-batch/{id}", s.handleGetBatch)

		r.Get("/projects", s.handleListProjects)
		r.Get("/targets", s.handleListTargets)
		r.Get("/criteria", s.handleListCriteria)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin(s.jwtSecret))

			r.Post("/executions/clean/{build_number}", s.handleBulkClean)
			r.Post("/execution-batch/{id}/resubmit", s.handleResubmitBatch)
			r.Post("/owners/{target}/{criteria}", s.handleUpdateOwners)

			r.Post("/projects", s.handleCreateProject)
			r.Post("/repositories", s.handleCreateRepository)
			r.Post("/targets", s.handleCreateTarget)
			r.Post("/criteria", s.handleCreateCriterion)
			r.Post("/criteria-groups", s.handleCreateCriteriaGroup)
			r.Post("/evaluation-patterns", s.handleCreatePattern)
			r.Post("/evaluation-rules", s.handleCreateRule)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitExecutions(w http.ResponseWriter, r *http.Request) {
	var items []service.SubmissionItem
	if err := decodeJSON(r, &items); err != nil {
		respondError(w, http.StatusBadRequest, "invalid data format")
		return
	}
	requestedBy := ""
	if ai := auth.FromContext(r.Context()); ai != nil {
		requestedBy = ai.Subject
	}
	result, err := s.service.SubmitExecutions(r.Context(), requestedBy, items)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Batches already created; the aggregate trigger failure is the
		// whole response.
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"message":          fmt.Sprintf("Created %d executions in %d batches", result.Total, len(result.BatchIDs)),
		"data":             result.Executions,
		"batch_ids":        result.BatchIDs,
		"total_executions": result.Total,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.service.ListExecutions(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("branch"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := s.service.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Execution not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

type patchExecutionRequest struct {
	Status      *string `json:"status"`
	LogContent  *string `json:"log_content"`
	Commit      *string `json:"commit"`
	BuildNumber *int64  `json:"build_number"`
}

func (s *Server) handlePatchExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req patchExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := s.service.SaveResult(r.Context(), id, service.ResultPatch{
		Status:      req.Status,
		LogContent:  req.LogContent,
		Commit:      req.Commit,
		BuildNumber: req.BuildNumber,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Execution not found")
		case errors.Is(err, service.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.service.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Execution batch not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleResubmitBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := s.service.ResubmitBatch(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Execution batch not found")
		case errors.Is(err, service.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

func (s *Server) handleBulkClean(w http.ResponseWriter, r *http.Request) {
	buildNumber, err := strconv.ParseInt(chi.URLParam(r, "build_number"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid build number")
		return
	}
	count, err := s.service.BulkClean(r.Context(), buildNumber)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"updated_count": count,
		"build_number":  buildNumber,
	})
}

type updateOwnersRequest struct {
	Owners []string `json:"owners"`
}

func (s *Server) handleUpdateOwners(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateOwnersRequest
	if body, ok := raw["owners"]; ok {
		if err := json.Unmarshal(body, &req.Owners); err != nil {
			respondError(w, http.StatusBadRequest, "'owners' must be a list of user names")
			return
		}
	}
	err := s.service.UpdateOwners(r.Context(), chi.URLParam(r, "target"), chi.URLParam(r, "criteria"), req.Owners)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "No row for target and criteria pair")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Owners have been changed"})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, projects)
}

type createProjectRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Maturity string `json:"maturity"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	project, err := s.service.CreateProject(r.Context(), store.ProjectInput{
		Name:     req.Name,
		URL:      req.URL,
		Maturity: req.Maturity,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, project)
}

type createRepositoryRequest struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	ProjectNames []string `json:"project_names"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo, err := s.service.CreateRepository(r.Context(), store.RepositoryInput{
		Name:         req.Name,
		URL:          req.URL,
		ProjectNames: req.ProjectNames,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, repo)
}

type createTargetRequest struct {
	Repository string `json:"repository"`
	Name       string `json:"name"`
	IsIP       bool   `json:"is_IP"`
	IsHPDF     bool   `json:"is_HPDF"`
	IsDFTed    bool   `json:"is_DFTed"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := s.service.CreateTarget(r.Context(), service.TargetInput{
		Repository: req.Repository,
		Name:       req.Name,
		IsIP:       req.IsIP,
		IsHPDF:     req.IsHPDF,
		IsDFTed:    req.IsDFTed,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.service.ListTargets(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, targets)
}

type createCriterionRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	DisplayType    string `json:"display_type"`
	Unit           string `json:"unit"`
	GroupID        *int64 `json:"group_id"`
	OrderInGroup   int    `json:"order_in_group"`
	AvailableIP    *bool  `json:"available_IP"`
	AvailableHPDF  *bool  `json:"available_HPDF"`
	AvailableDFTed *bool  `json:"available_DFTed"`
}

func (s *Server) handleCreateCriterion(w http.ResponseWriter, r *http.Request) {
	var req createCriterionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Availability flags default to true, like the original data model.
	boolOr := func(v *bool, fallback bool) bool {
		if v == nil {
			return fallback
		}
		return *v
	}
	criterion, err := s.service.CreateCriterion(r.Context(), store.CriterionInput{
		Name:           req.Name,
		Description:    req.Description,
		DisplayType:    req.DisplayType,
		Unit:           req.Unit,
		GroupID:        req.GroupID,
		OrderInGroup:   req.OrderInGroup,
		AvailableIP:    boolOr(req.AvailableIP, true),
		AvailableHPDF:  boolOr(req.AvailableHPDF, true),
		AvailableDFTed: boolOr(req.AvailableDFTed, true),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, criterion)
}

func (s *Server) handleListCriteria(w http.ResponseWriter, r *http.Request) {
	criteria, err := s.service.ListCriteria(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, criteria)
}

type createCriteriaGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Order       int    `json:"order"`
}

func (s *Server) handleCreateCriteriaGroup(w http.ResponseWriter, r *http.Request) {
	var req createCriteriaGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, err := s.service.CreateCriteriaGroup(r.Context(), store.CriteriaGroupInput{
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		Order:       req.Order,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, group)
}

type createPatternRequest struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var req createPatternRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pattern, err := s.service.CreateEvaluationPattern(r.Context(), req.Name, req.Text)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pattern)
}

type createRuleRequest struct {
	Criterion string  `json:"criterion"`
	Maturity  *string `json:"maturity"`
	Pattern   string  `json:"pattern"`
	Ruleset   string  `json:"ruleset"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := s.service.CreateEvaluationRule(r.Context(), service.RuleInput{
		Criterion: req.Criterion,
		Maturity:  req.Maturity,
		Pattern:   req.Pattern,
		Ruleset:   req.Ruleset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrValidation) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
