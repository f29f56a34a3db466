package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/errors"
	loomtest "github.com/loomworks/loom/internal/testing"
	"github.com/loomworks/loom/schedule"
	"github.com/loomworks/loom/stream"
	"github.com/loomworks/loom/webhook"
	"github.com/loomworks/loom/workflow"
)

// echoInvoker answers every invocation with a fixed document.
type echoInvoker struct {
	mu     sync.Mutex
	output json.RawMessage
	err    error
}

func (s *echoInvoker) Invoke(ctx context.Context, agentType string, configuration, input json.RawMessage, onProgress agent.ProgressFunc) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, s.err
}

type testEnv struct {
	srv        *Server
	ts         *httptest.Server
	workflows  *workflow.Store
	webhooks   *webhook.Store
	executions *engine.Store
	cronJobs   *schedule.Store
	machine    *engine.Machine
}

func newTestEnv(t *testing.T, invoker agent.Invoker) *testEnv {
	t.Helper()
	if invoker == nil {
		invoker = &echoInvoker{output: json.RawMessage(`{"ok":true}`)}
	}

	conn := loomtest.CreateTestDB(t)
	workflows := workflow.NewStore(conn)
	webhooks := webhook.NewStore(conn)
	executions := engine.NewStore(conn)
	cronJobs := schedule.NewStore(conn)

	broadcaster := stream.NewBroadcaster(stream.DefaultSubscriberBuffer, nil)
	t.Cleanup(broadcaster.Shutdown)

	machine := engine.NewMachine(executions, invoker, broadcaster, engine.MachineConfig{
		ExecutionTimeout: time.Minute,
		MaxConcurrent:    4,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		machine.Stop(ctx)
	})

	dispatcher := engine.NewDispatcher(workflows, webhooks, executions, machine, nil)
	ticker := schedule.NewTicker(cronJobs, dispatcher, executions, broadcaster, schedule.DefaultTickerConfig(), nil)
	t.Cleanup(ticker.Stop)

	srv := NewServer(config.ServerConfig{}, Deps{
		Workflows:   workflows,
		Webhooks:    webhooks,
		Executions:  executions,
		CronJobs:    cronJobs,
		Dispatcher:  dispatcher,
		Machine:     machine,
		Ticker:      ticker,
		Broadcaster: broadcaster,
	})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.cancel)

	return &testEnv{
		srv:        srv,
		ts:         ts,
		workflows:  workflows,
		webhooks:   webhooks,
		executions: executions,
		cronJobs:   cronJobs,
		machine:    machine,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.ts.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (env *testEnv) createWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	w := &workflow.Workflow{
		Name:          "ticket triage",
		AgentType:     workflow.AgentClassifier,
		Configuration: json.RawMessage(`{"labels":["p1","p2"]}`),
	}
	require.NoError(t, env.workflows.Create(w))
	return w
}

func (env *testEnv) waitForStatus(t *testing.T, id string, want engine.Status) *engine.Execution {
	t.Helper()
	var got *engine.Execution
	require.Eventually(t, func() bool {
		e, err := env.executions.Get(id)
		if err != nil {
			return false
		}
		got = e
		return e.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestInboundHookAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)

	wh := &webhook.Webhook{WorkflowID: w.ID, AuthMethod: webhook.AuthAPIKey, AuthKey: "hunter2"}
	require.NoError(t, env.webhooks.Create(wh))

	resp, body := env.do(t, http.MethodPost, "/hooks/"+wh.URLFragment,
		map[string]string{"subject": "disk full"},
		map[string]string{"X-API-Key": "hunter2"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	id, _ := body["execution_id"].(string)
	require.NotEmpty(t, id)
	env.waitForStatus(t, id, engine.StatusCompleted)
}

func TestInboundHookErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)

	wh := &webhook.Webhook{
		WorkflowID:    w.ID,
		AuthMethod:    webhook.AuthBearerToken,
		AuthKey:       "tok",
		PayloadSchema: json.RawMessage(`{"type":"object","required":["subject"]}`),
	}
	require.NoError(t, env.webhooks.Create(wh))

	resp, _ := env.do(t, http.MethodPost, "/hooks/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/hooks/"+wh.URLFragment, map[string]string{"subject": "x"},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/hooks/"+wh.URLFragment, map[string]string{"body": "x"},
		map[string]string{"Authorization": "Bearer tok"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.NoError(t, env.webhooks.SetActive(wh.ID, false))
	resp, _ = env.do(t, http.MethodPost, "/hooks/"+wh.URLFragment, map[string]string{"subject": "x"},
		map[string]string{"Authorization": "Bearer tok"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// None of the rejected requests may leave an execution behind.
	all, err := env.executions.List("", "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkflowEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/workflows", map[string]interface{}{
		"name":          "digest",
		"agent_type":    "email",
		"configuration": map[string]string{"subject": "daily"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	resp, body = env.do(t, http.MethodGet, "/api/workflows/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "digest", body["name"])

	resp, body = env.do(t, http.MethodPut, "/api/workflows/"+id, map[string]string{"name": "weekly digest"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "weekly digest", body["name"])

	resp, _ = env.do(t, http.MethodPost, "/api/workflows", map[string]string{"name": "bad", "agent_type": "toaster"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/workflows/wf_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowDeleteWithHistoryConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows/"+w.ID+"/executions",
		map[string]interface{}{"input": map[string]string{"k": "v"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["execution_id"].(string)
	env.waitForStatus(t, id, engine.StatusCompleted)

	resp, _ = env.do(t, http.MethodDelete, "/api/workflows/"+w.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/workflows/"+w.ID+"/archive", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := env.workflows.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusArchived, got.Status)
}

func TestManualTriggerAndCancelSemantics(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows/"+w.ID+"/executions", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["execution_id"].(string)
	env.waitForStatus(t, id, engine.StatusCompleted)

	resp, body = env.do(t, http.MethodGet, "/api/executions/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(100), body["progress"])

	// Terminal executions cannot be cancelled.
	resp, _ = env.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTriggerInactiveWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)
	w.Status = workflow.StatusInactive
	require.NoError(t, env.workflows.Update(w))

	resp, _ := env.do(t, http.MethodPost, "/api/workflows/"+w.ID+"/executions", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecutionLogsEndpoint(t *testing.T) {
	env := newTestEnv(t, &echoInvoker{err: errors.NewInvokerf("agent reported failure: nope")})
	w := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/workflows/"+w.ID+"/executions", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["execution_id"].(string)
	env.waitForStatus(t, id, engine.StatusFailed)

	resp, body = env.do(t, http.MethodGet, "/api/executions/"+id+"/logs", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	logs, _ := body["logs"].([]interface{})
	require.NotEmpty(t, logs)
}

func TestCronJobEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/cron-jobs", map[string]interface{}{
		"workflow_id": w.ID,
		"expression":  "0 9 * * 1-5",
		"timezone":    "UTC",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, body["next_run_at"])

	resp, _ = env.do(t, http.MethodPost, "/api/cron-jobs", map[string]interface{}{
		"workflow_id": w.ID,
		"expression":  "whenever",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/cron-jobs?workflow_id="+w.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, _ := body["cron_jobs"].([]interface{})
	assert.Len(t, jobs, 1)

	resp, _ = env.do(t, http.MethodPut, "/api/cron-jobs/"+id, map[string]interface{}{
		"expression": "*/10 * * * *",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/cron-jobs/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	require.Contains(t, body, "scheduler")
	require.Contains(t, body, "stream")
}

func TestWebhookDeleteEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.createWorkflow(t)

	fresh := &webhook.Webhook{WorkflowID: w.ID}
	require.NoError(t, env.webhooks.Create(fresh))
	resp, _ := env.do(t, http.MethodDelete, "/api/webhooks/"+fresh.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	fired := &webhook.Webhook{WorkflowID: w.ID}
	require.NoError(t, env.webhooks.Create(fired))
	resp, body := env.do(t, http.MethodPost, "/hooks/"+fired.URLFragment,
		map[string]string{"subject": "x"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["execution_id"].(string)
	env.waitForStatus(t, id, engine.StatusCompleted)

	resp, _ = env.do(t, http.MethodDelete, "/api/webhooks/"+fired.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
