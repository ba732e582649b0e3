package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualboard/qualboard/internal/httpserver"
	"github.com/qualboard/qualboard/internal/models"
	"github.com/qualboard/qualboard/internal/service"
	"github.com/qualboard/qualboard/internal/store"
)

type okTrigger struct{}

func (okTrigger) TriggerBatch(ctx context.Context, batchID int64, branch string) error { return nil }

func newTestServer(t *testing.T, jwtSecret string) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(st, nil, okTrigger{}, nil, logger)
	srv := httptest.NewServer(httpserver.New(svc, st, jwtSecret).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func seed(t *testing.T, srv *httptest.Server) {
	t.Helper()
	postJSON(t, srv, "/api/projects", map[string]any{"name": "apollo", "maturity": "ML2"}, http.StatusCreated)
	postJSON(t, srv, "/api/repositories", map[string]any{
		"name": "core", "url": "https://git.example.com/core", "project_names": []string{"apollo"},
	}, http.StatusCreated)
	postJSON(t, srv, "/api/criteria", map[string]any{"name": "lint"}, http.StatusCreated)
	postJSON(t, srv, "/api/targets", map[string]any{
		"repository": "core", "name": "libcore", "is_IP": true,
	}, http.StatusCreated)
}

func postJSON(t *testing.T, srv *httptest.Server, path string, payload any, wantStatus int) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "unexpected status for %s: %s", path, data)
	return data
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "")
	var body map[string]string
	getJSON(t, srv, "/healthz", http.StatusOK, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitAndFetchExecution(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv)

	data := postJSON(t, srv, "/api/executions", []map[string]string{
		{"target": "libcore", "criterion": "lint", "branch": "develop"},
	}, http.StatusCreated)

	var created struct {
		Data     []models.Execution `json:"data"`
		BatchIDs []int64            `json:"batch_ids"`
		Total    int                `json:"total_executions"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	require.Len(t, created.Data, 1)
	require.Len(t, created.BatchIDs, 1)
	assert.Equal(t, 1, created.Total)
	assert.Equal(t, models.StatusRequested, created.Data[0].Status)

	var exec models.Execution
	getJSON(t, srv, fmt.Sprintf("/api/executions/%d", created.Data[0].ID), http.StatusOK, &exec)
	assert.Equal(t, "lint", exec.CriterionName)
	assert.Equal(t, "libcore", exec.TargetName)

	var batch struct {
		Batch      models.ExecutionBatch `json:"batch"`
		Executions []models.Execution    `json:"executions"`
	}
	getJSON(t, srv, fmt.Sprintf("/api/execution-batch/%d", created.BatchIDs[0]), http.StatusOK, &batch)
	assert.True(t, batch.Batch.JenkinsSubmitted)
	require.Len(t, batch.Executions, 1)
	assert.Equal(t, created.Data[0].ID, batch.Executions[0].ID)
}

func TestSubmitRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv)

	postJSON(t, srv, "/api/executions", map[string]string{"not": "a list"}, http.StatusBadRequest)
	postJSON(t, srv, "/api/executions", []map[string]string{}, http.StatusBadRequest)
}

func TestPatchExecution(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv)

	data := postJSON(t, srv, "/api/executions", []map[string]string{
		{"target": "libcore", "criterion": "lint", "branch": "develop"},
	}, http.StatusCreated)
	var created struct {
		Data []models.Execution `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	id := created.Data[0].ID

	req, err := http.NewRequest(http.MethodPatch,
		fmt.Sprintf("%s/api/executions/%d", srv.URL, id),
		bytes.NewReader([]byte(`{"status":"running","build_number":42}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated models.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.Equal(t, models.StatusRunning, updated.Status)
	require.NotNil(t, updated.BuildNumber)
	assert.Equal(t, int64(42), *updated.BuildNumber)
}

func TestGetExecutionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	getJSON(t, srv, "/api/executions/999", http.StatusNotFound, nil)
	getJSON(t, srv, "/api/executions/abc", http.StatusBadRequest, nil)
}

func TestBulkCleanEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	seed(t, srv)

	data := postJSON(t, srv, "/api/executions/clean/42", nil, http.StatusOK)
	var body struct {
		UpdatedCount int64 `json:"updated_count"`
		BuildNumber  int64 `json:"build_number"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, int64(42), body.BuildNumber)
	assert.Equal(t, int64(0), body.UpdatedCount)

	postJSON(t, srv, "/api/executions/clean/notanumber", nil, http.StatusBadRequest)
}

func TestUpdateOwnersEndpoint(t *testing.T) {
	srv, st := newTestServer(t, "")
	seed(t, srv)

	postJSON(t, srv, "/api/owners/libcore/lint", map[string]any{
		"owners": []string{"alice", "bob"},
	}, http.StatusOK)

	ct, err := st.GetCriterionTargetByNames(context.Background(), "lint", "libcore")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ct.Owners)

	postJSON(t, srv, "/api/owners/ghost/lint", map[string]any{
		"owners": []string{"alice"},
	}, http.StatusNotFound)
	postJSON(t, srv, "/api/owners/libcore/lint", map[string]any{
		"owners": "not a list",
	}, http.StatusBadRequest)
}

func adminToken(t *testing.T, secret string, admin bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "tester",
		"admin": admin,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAdminRoutesRequireToken(t *testing.T) {
	const secret = "test-secret"
	srv, _ := newTestServer(t, secret)

	payload := []byte(`{"name":"apollo"}`)
	do := func(token string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/projects", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, do(""))
	assert.Equal(t, http.StatusForbidden, do("garbage"))
	assert.Equal(t, http.StatusForbidden, do(adminToken(t, secret, false)))
	assert.Equal(t, http.StatusCreated, do(adminToken(t, secret, true)))

	// Read endpoints stay open.
	getJSON(t, srv, "/api/projects", http.StatusOK, nil)
}
