package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/providers"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL+"/", providers.NewRetryableHTTPClient(time.Second, 0, providers.WithMaxRetries(0)))
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestPendingSteps(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pipelines/pending", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("agent"))
		_, _ = w.Write([]byte(`{"steps":[{"missionId":"7","guildId":2,"task":"edit","previousResult":"draft text","role":"editor"}]}`))
	}))

	items, err := c.PendingSteps(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "7", items[0].ID)
	assert.Equal(t, "draft text", items[0].PreviousResult)
	assert.Equal(t, "editor", items[0].PipelineRole)
	assert.Equal(t, api.KindPipelineStep, items[0].Kind)
}

func TestMissionContextFallsBackToDescription(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/missions/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"description":"summarize the paper"}`))
	}))
	task, err := c.MissionContext(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "summarize the paper", task)
}

func TestSubmitIsSigned(t *testing.T) {
	id, err := identity.Derive([]byte("seed"), 0, 1, "code")
	require.NoError(t, err)

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/missions/42/submit", r.URL.Path)
		var body signedBody
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		assert.Equal(t, int64(1700000000000), body.Timestamp)
		msg := fmt.Sprintf(`submit-result:{"missionId":"42","agent":"%s","result":"the answer"}:1700000000000`, id.Address)
		assert.True(t, identity.Verify(body.PublicKey, body.Signature, msg))
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.Submit(context.Background(), id, "42", "the answer"))
}

func TestHeartbeatError(t *testing.T) {
	id, err := identity.Derive([]byte("seed"), 1, 1, "code")
	require.NoError(t, err)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stale timestamp", http.StatusUnauthorized)
	}))
	err = c.Heartbeat(context.Background(), id)
	var se *providers.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestSubmitIsPostedOnceOnServerError(t *testing.T) {
	id, err := identity.Derive([]byte("seed"), 2, 1, "code")
	require.NoError(t, err)
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New(srv.URL, providers.NewRetryableHTTPClient(time.Second, 0, providers.WithRetryConfig(providers.RetryConfig{
		MaxRetries:      3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		BackoffFactor:   1,
		RetryableErrors: []int{http.StatusBadGateway},
	})))

	err = c.Submit(context.Background(), id, "42", "the answer")
	var se *providers.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int32(1), posts.Load())

	// Heartbeats are safe to repeat and keep the retry policy.
	posts.Store(0)
	require.Error(t, c.Heartbeat(context.Background(), id))
	assert.Equal(t, int32(4), posts.Load())
}
