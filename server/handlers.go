package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/schedule"
	"github.com/loomworks/loom/webhook"
	"github.com/loomworks/loom/workflow"
)

func decodeBody(r *http.Request, into interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return errors.NewValidationf("malformed request body: %v", err)
	}
	return nil
}

// --- workflows ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.workflows.List(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": list})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := decodeBody(r, &wf); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.workflows.Create(&wf); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var patch struct {
		Name          *string         `json:"name"`
		Description   *string         `json:"description"`
		AgentType     *string         `json:"agent_type"`
		Configuration json.RawMessage `json:"configuration"`
		Status        *string         `json:"status"`
	}
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	if patch.Name != nil {
		wf.Name = *patch.Name
	}
	if patch.Description != nil {
		wf.Description = *patch.Description
	}
	if patch.AgentType != nil {
		wf.AgentType = workflow.AgentType(*patch.AgentType)
	}
	if patch.Configuration != nil {
		wf.Configuration = patch.Configuration
	}
	if patch.Status != nil {
		wf.Status = *patch.Status
	}

	if err := s.workflows.Update(wf); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Archive(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerWorkflow starts a manual execution.
func (s *Server) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input json.RawMessage `json:"input"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}

	e, err := s.dispatcher.Dispatch(r.Context(), r.PathValue("id"), engine.TriggerManual, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": e.ID,
		"status":       string(e.Status),
	})
}

// --- executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errors.NewValidationf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	list, err := s.executions.List(q.Get("workflow_id"), engine.Status(q.Get("status")), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": list})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.executions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.executions.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.executions.Logs(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.machine.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.executions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- webhooks ---

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	list, err := s.webhooks.List(r.URL.Query().Get("workflow_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": list})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID    string          `json:"workflow_id"`
		AuthMethod    string          `json:"auth_method"`
		AuthKey       string          `json:"auth_key"`
		PayloadSchema json.RawMessage `json:"payload_schema"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.workflows.Get(req.WorkflowID); err != nil {
		s.writeError(w, err)
		return
	}

	wh := &webhook.Webhook{
		WorkflowID:    req.WorkflowID,
		AuthMethod:    webhook.AuthMethod(req.AuthMethod),
		AuthKey:       req.AuthKey,
		PayloadSchema: req.PayloadSchema,
	}
	if err := s.webhooks.Create(wh); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.webhooks.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetWebhookActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.webhooks.SetActive(r.PathValue("id"), active); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- cron jobs ---

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.cronJobs.List(r.URL.Query().Get("workflow_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cron_jobs": list})
}

func (s *Server) handleCreateCronJob(w http.ResponseWriter, r *http.Request) {
	var j schedule.CronJob
	if err := decodeBody(r, &j); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.workflows.Get(j.WorkflowID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cronJobs.Create(&j); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &j)
}

func (s *Server) handleGetCronJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.cronJobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleUpdateCronJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.cronJobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var patch struct {
		Expression  *string    `json:"expression"`
		Timezone    *string    `json:"timezone"`
		StartDate   *time.Time `json:"start_date"`
		EndDate     *time.Time `json:"end_date"`
		IsActive    *bool      `json:"is_active"`
		RetryFailed *bool      `json:"retry_failed"`
	}
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	if patch.Expression != nil {
		j.Expression = *patch.Expression
	}
	if patch.Timezone != nil {
		j.Timezone = *patch.Timezone
	}
	if patch.StartDate != nil {
		j.StartDate = patch.StartDate
	}
	if patch.EndDate != nil {
		j.EndDate = patch.EndDate
	}
	if patch.IsActive != nil {
		j.IsActive = *patch.IsActive
	}
	if patch.RetryFailed != nil {
		j.RetryFailed = *patch.RetryFailed
	}

	if err := s.cronJobs.Update(j); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteCronJob(w http.ResponseWriter, r *http.Request) {
	if err := s.cronJobs.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
	}
	if s.health != nil {
		agentStatus := map[string]interface{}{"healthy": s.health.Healthy()}
		if last := s.health.LastSeen(); !last.IsZero() {
			agentStatus["last_seen"] = last
		}
		status["agent"] = agentStatus
	}
	if s.ticker != nil {
		status["scheduler"] = s.ticker.Stats()
	}
	if s.broadcaster != nil {
		status["stream"] = map[string]interface{}{
			"subscribers": s.broadcaster.SubscriberCount(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}
