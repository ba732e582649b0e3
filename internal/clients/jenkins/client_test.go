package jenkins_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualboard/qualboard/internal/clients/jenkins"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTriggerBatch(t *testing.T) {
	var gotPath string
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = map[string]string{
			"token":    r.URL.Query().Get("token"),
			"BRANCH":   r.URL.Query().Get("BRANCH"),
			"BATCH_ID": r.URL.Query().Get("BATCH_ID"),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := jenkins.New(jenkins.Config{
		BaseURL: srv.URL,
		Job:     "verify",
		Token:   "secret",
	}, quietLogger())

	err := c.TriggerBatch(context.Background(), 42, "develop")
	require.NoError(t, err)
	assert.Equal(t, "/verify/buildWithParameters", gotPath)
	assert.Equal(t, "secret", gotQuery["token"])
	assert.Equal(t, "develop", gotQuery["BRANCH"])
	assert.Equal(t, "42", gotQuery["BATCH_ID"])
}

func TestTriggerBatchUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := jenkins.New(jenkins.Config{BaseURL: srv.URL, Job: "verify"}, quietLogger())
	err := c.TriggerBatch(context.Background(), 7, "main")
	assert.ErrorContains(t, err, "unexpected status 500")
}

func TestTriggerBatchSoftSuccessOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := jenkins.New(jenkins.Config{BaseURL: srv.URL, Job: "verify", SoftSuccess: true}, quietLogger())
	assert.NoError(t, c.TriggerBatch(context.Background(), 7, "main"))
}

func TestTriggerBatchSoftSuccessOnConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	soft := jenkins.New(jenkins.Config{BaseURL: srv.URL, Job: "verify", SoftSuccess: true}, quietLogger())
	assert.NoError(t, soft.TriggerBatch(context.Background(), 7, "main"))

	hard := jenkins.New(jenkins.Config{BaseURL: srv.URL, Job: "verify"}, quietLogger())
	assert.Error(t, hard.TriggerBatch(context.Background(), 7, "main"))
}
