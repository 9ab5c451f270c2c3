package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/audit"
	"github.com/FairForge/pgwarden/internal/ha"
	"github.com/FairForge/pgwarden/internal/metrics"
)

type staticClusters []ha.ClusterStatus

func (s staticClusters) Snapshot(name string) (ha.ClusterStatus, bool) {
	for _, c := range s {
		if c.Cluster == name {
			return c, true
		}
	}
	return ha.ClusterStatus{}, false
}

func (s staticClusters) Snapshots() []ha.ClusterStatus { return s }

func testServer(t *testing.T, opts Options) *Server {
	t.Helper()
	clusters := staticClusters{
		{Cluster: "billing", Detector: "healthy"},
		{Cluster: "main", Detector: "degrading", ConsecutiveFailures: 2},
	}
	return NewServer("127.0.0.1:0", clusters, opts, zap.NewNop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	w := get(t, testServer(t, Options{}), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestServer_Clusters(t *testing.T) {
	s := testServer(t, Options{})

	t.Run("GET /v1/clusters", func(t *testing.T) {
		w := get(t, s, "/v1/clusters")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Clusters []ha.ClusterStatus `json:"clusters"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Clusters, 2)
		assert.Equal(t, "billing", body.Clusters[0].Cluster)
	})

	t.Run("GET /v1/clusters/{name}", func(t *testing.T) {
		w := get(t, s, "/v1/clusters/main")
		require.Equal(t, http.StatusOK, w.Code)
		var st ha.ClusterStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, 2, st.ConsecutiveFailures)
	})

	t.Run("unknown cluster", func(t *testing.T) {
		w := get(t, s, "/v1/clusters/nope")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestServer_Metrics(t *testing.T) {
	w := get(t, testServer(t, Options{}), "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)

	c := metrics.NewCollector()
	c.SetConsecutiveFailures("main", 2)
	w = get(t, testServer(t, Options{Metrics: c.Handler()}), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pgwarden_")
}

func TestServer_History(t *testing.T) {
	dir := t.TempDir()
	log, err := audit.Open(dir, nil)
	require.NoError(t, err)
	now := time.Now()
	for _, cluster := range []string{"main", "billing", "main"} {
		require.NoError(t, log.AppendFailover(ha.FailoverEvent{
			Cluster: cluster, Kind: ha.KindSwitchover, Outcome: ha.OutcomeSucceeded, FinishedAt: now,
		}))
	}
	require.NoError(t, log.Close())

	s := testServer(t, Options{AuditPath: log.Path()})

	w := get(t, s, "/v1/history?cluster=main&limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Records []audit.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "main", body.Records[0].Cluster)

	w = get(t, s, "/v1/history?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := testServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
