package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mangofish163/procurator/internal/worker"
)

// RegisterBuiltins installs the task handlers that ship with the broker.
func RegisterBuiltins(d *worker.Dispatcher) {
	d.Register("_doc_example", docExample)
	d.Register("system.ping", ping)
	d.RegisterWithMode("proxy_forward", proxyForward, worker.SyncProhibited)
	d.Register("sleep", sleep)
	d.Register("fail", fail)
}

func docExample(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	return "Hello World", nil
}

func ping(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// proxyForward POSTs taskData.body to taskData.url and returns the response.
// The per-request timeout keeps a slow upstream from monopolising a worker.
func proxyForward(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	url, _ := data["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("proxy_forward: 'url' is required")
	}

	var body io.Reader
	if raw, ok := data["body"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy_forward: failed to encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"status_code": resp.StatusCode,
	}
	var parsed interface{}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		result["body"] = parsed
	} else {
		result["body"] = string(respBody)
	}
	return result, nil
}

func sleep(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	duration := 1 * time.Second
	if ms, ok := data["duration"].(float64); ok {
		duration = time.Duration(ms) * time.Millisecond
	}

	select {
	case <-time.After(duration):
		return map[string]interface{}{"slept_for": duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	msg := "intentional failure for testing"
	if m, ok := data["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, fmt.Errorf("%s", msg)
}
