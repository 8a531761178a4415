package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/missionfleet/internal/core"
	"github.com/3cpo-dev/missionfleet/internal/telemetry"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

func testServer() *Server {
	c := telemetry.NewCollector(true, "", time.Hour)
	c.Counter("mfleet_cycles", 3, nil)
	return &Server{
		Version:   "test",
		Collector: c,
		Workers: func() []core.WorkerStatus {
			return []core.WorkerStatus{
				{Agent: "code:0", Address: "0xa", Busy: true, LastOutcome: api.OutcomeSubmitted},
				{Agent: "research:0", Address: "0xb"},
			}
		},
	}
}

func TestHealth(t *testing.T) {
	h := testServer().Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 2, resp.Workers)
	assert.Equal(t, 1, resp.Busy)
	assert.Equal(t, 3.0, resp.Totals["mfleet_cycles"])
}

func TestHealthBeforeRosterLoaded(t *testing.T) {
	srv := &Server{Version: "test", Workers: func() []core.WorkerStatus { return nil }}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/health", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "starting", resp.Status)
	assert.Zero(t, resp.Workers)
}

func TestWorkers(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/workers", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	testServer().Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var resp WorkersResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 2)
	assert.Equal(t, "code:0", resp.Workers[0].Agent)
	assert.True(t, resp.Workers[0].Busy)
	assert.Equal(t, api.OutcomeSubmitted, resp.Workers[0].LastOutcome)
}

func TestWorkersRejectsWrites(t *testing.T) {
	rr := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/workers", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestMTLSMiddlewareRequiresCertificate(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestConfigureTLSNeedsCertificate(t *testing.T) {
	_, err := ConfigureTLS(MTLSConfig{})
	assert.Error(t, err)
	assert.False(t, MTLSConfig{}.Enabled())
}

func TestShutdownBeforeListen(t *testing.T) {
	srv := testServer()
	assert.Error(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, srv.ListenAndServe("127.0.0.1:0"), http.ErrServerClosed)
}
