package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangofish163/procurator/internal/api"
	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/worker"
)

func newTestBroker(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Queue.Backend = "memory"

	d := worker.NewDispatcher()
	d.Register("echo", func(ctx context.Context, data map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echoed": data}, nil
	})

	manager := queue.NewManagerWithBackend(queue.NewMemoryBackend(0))
	server := api.NewServer(cfg, manager, d, nil, nil)

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_SubmitAndGet(t *testing.T) {
	ts := newTestBroker(t)
	c := New(ts.URL)
	ctx := context.Background()

	resp, err := c.Submit(ctx, SubmitRequest{
		Queue:    "api",
		Task:     "echo",
		TaskData: map[string]interface{}{"x": float64(1)},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	require.NotEmpty(t, resp.TaskID)

	status, err := c.GetTask(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, "echo", status.Task)
}

func TestClient_SubmitSync(t *testing.T) {
	ts := newTestBroker(t)
	c := New(ts.URL)

	resp, err := c.Submit(context.Background(), SubmitRequest{
		Task:     "echo",
		TaskData: map[string]interface{}{"x": float64(1)},
		Sync:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	require.NotNil(t, resp.Result)
}

func TestClient_UnknownTask(t *testing.T) {
	ts := newTestBroker(t)
	c := New(ts.URL)

	_, err := c.Submit(context.Background(), SubmitRequest{Task: "nope"})
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "unknown task")
}

func TestClient_GetTask_Unknown(t *testing.T) {
	ts := newTestBroker(t)
	c := New(ts.URL)

	status, err := c.GetTask(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "unknown", status.Status)
}

func TestClient_Headers(t *testing.T) {
	var gotAPIKey, gotAuth, gotCustom string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := New(ts.URL,
		WithAPIKey("key"),
		WithToken("tok"),
		WithHeader("X-Custom", "v"),
	)

	_, err := c.GetTask(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "key", gotAPIKey)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "v", gotCustom)
}
