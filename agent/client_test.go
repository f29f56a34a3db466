package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, RequestsPerMinute: 600})
}

func TestInvokeSingleJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/json/invoke", r.URL.Path)

		var req invokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, `{"a":1}`, string(req.Input))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":{"transformed":true}}`)
	})

	output, err := client.Invoke(context.Background(), "json",
		json.RawMessage(`{"mode":"strict"}`), json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transformed":true}`, string(output))
}

func TestInvokeStreamWithProgress(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"progress","progress":25,"message":"parsing"}`)
		fmt.Fprintln(w, `{"type":"log","message":"4 pages found"}`)
		fmt.Fprintln(w, `{"type":"progress","progress":80}`)
		fmt.Fprintln(w, `{"type":"result","output":{"summary":"done"}}`)
	})

	var progresses []int
	var messages []string
	output, err := client.Invoke(context.Background(), "pdf", nil, nil,
		func(progress int, message string) {
			progresses = append(progresses, progress)
			messages = append(messages, message)
		})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"done"}`, string(output))
	assert.Equal(t, []int{25, -1, 80}, progresses)
	assert.Equal(t, "4 pages found", messages[1])
}

func TestInvokeStreamErrorFrame(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"progress","progress":10}`)
		fmt.Fprintln(w, `{"type":"error","error":"model unavailable"}`)
	})

	_, err := client.Invoke(context.Background(), "classifier", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvoker(err))
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestInvokeNon200(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent type not deployed", http.StatusBadGateway)
	})

	_, err := client.Invoke(context.Background(), "email", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvoker(err))
	assert.Contains(t, err.Error(), "502")
}

func TestInvokeTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Invoke(ctx, "json", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvoker(err))
	assert.Contains(t, err.Error(), "timeout")
}

func TestInvokeStreamWithoutResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"progress","progress":50}`)
	})

	_, err := client.Invoke(context.Background(), "json", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvoker(err))
}

func TestHealthMonitor(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, RequestsPerMinute: 600})
	monitor := NewHealthMonitor(client, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	require.Eventually(t, func() bool { return monitor.Healthy() }, time.Second, 5*time.Millisecond)
	assert.False(t, monitor.LastSeen().IsZero())

	healthy = false
	require.Eventually(t, func() bool { return !monitor.Healthy() }, time.Second, 5*time.Millisecond)
}

func TestSetRequestsPerMinute(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://localhost:0", RequestsPerMinute: 60})
	client.SetRequestsPerMinute(120)
	assert.Equal(t, 120, client.limiter.Burst())
}
