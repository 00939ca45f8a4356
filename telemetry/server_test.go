package telemetry_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/telemetry"
)

func TestHandlerServesCommitMetrics(t *testing.T) {
	telemetry.CommitAttempts.WithLabelValues("db.events", "success-file").Inc()

	server := httptest.NewServer(telemetry.NewHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `partition_commit_attempts_total{policy="success-file",table="db.events"}`)
}

func TestHandlerServesWriterMetrics(t *testing.T) {
	server := httptest.NewServer(telemetry.NewHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics/writer")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
