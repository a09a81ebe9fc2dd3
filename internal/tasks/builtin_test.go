package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangofish163/procurator/internal/worker"
)

func newDispatcher() *worker.Dispatcher {
	d := worker.NewDispatcher()
	RegisterBuiltins(d)
	return d
}

func TestRegisterBuiltins(t *testing.T) {
	d := newDispatcher()

	for _, name := range []string{"_doc_example", "system.ping", "proxy_forward", "sleep", "fail"} {
		assert.True(t, d.Has(name), "missing builtin %s", name)
	}
	assert.Equal(t, worker.SyncProhibited, d.SyncModeFor("proxy_forward"))
}

func TestDocExample(t *testing.T) {
	d := newDispatcher()

	result, err := d.Dispatch(context.Background(), "_doc_example", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Hello World", result)
}

func TestPing(t *testing.T) {
	d := newDispatcher()

	result, err := d.Dispatch(context.Background(), "system.ping", nil)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, m["pong"])
}

func TestFail(t *testing.T) {
	d := newDispatcher()

	_, err := d.Dispatch(context.Background(), "fail", map[string]interface{}{"message": "boom"})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())

	_, err = d.Dispatch(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Equal(t, "intentional failure for testing", err.Error())
}

func TestProxyForward(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"echo": body})
	}))
	defer server.Close()

	d := newDispatcher()
	result, err := d.Dispatch(context.Background(), "proxy_forward", map[string]interface{}{
		"url":  server.URL,
		"body": map[string]interface{}{"x": float64(1)},
	})
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 200, m["status_code"])

	echoed, ok := m["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, echoed["echo"])
}

func TestProxyForward_MissingURL(t *testing.T) {
	d := newDispatcher()

	_, err := d.Dispatch(context.Background(), "proxy_forward", map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'url' is required")
}
