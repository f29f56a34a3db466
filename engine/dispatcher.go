package engine

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/schema"
	"github.com/loomworks/loom/webhook"
	"github.com/loomworks/loom/workflow"
)

// Dispatcher is the single entry point through which workflows are
// triggered. It validates the trigger, snapshots the workflow's
// configuration into a new execution, and hands the execution to the
// machine. All trigger sources converge here so they share one set of
// checks.
type Dispatcher struct {
	workflows  *workflow.Store
	webhooks   *webhook.Store
	executions *Store
	machine    *Machine
	logger     *zap.SugaredLogger
}

// NewDispatcher creates a trigger dispatcher.
func NewDispatcher(workflows *workflow.Store, webhooks *webhook.Store, executions *Store, machine *Machine, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		workflows:  workflows,
		webhooks:   webhooks,
		executions: executions,
		machine:    machine,
		logger:     logger,
	}
}

// Dispatch triggers a workflow. The workflow must exist and be active.
// The returned execution is pending; the machine runs it asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID string, trigger TriggerType, input json.RawMessage) (*Execution, error) {
	return d.dispatch(ctx, workflowID, trigger, input, "")
}

// DispatchRetry triggers a cron retry for a failed execution. The link to
// the failed execution lands in the new execution's log before the run
// starts.
func (d *Dispatcher) DispatchRetry(ctx context.Context, workflowID, failedExecutionID string) (*Execution, error) {
	return d.dispatch(ctx, workflowID, TriggerCron, nil, failedExecutionID)
}

func (d *Dispatcher) dispatch(ctx context.Context, workflowID string, trigger TriggerType, input json.RawMessage, retryOf string) (*Execution, error) {
	if !ValidTriggerType(string(trigger)) {
		return nil, errors.NewValidationf("unknown trigger type %q", trigger)
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, errors.NewValidationf("trigger input is not valid JSON")
	}

	wf, err := d.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive() {
		return nil, errors.NewInactivef("workflow %s is %s", wf.ID, wf.Status)
	}

	e := &Execution{
		WorkflowID:     wf.ID,
		TriggerType:    trigger,
		AgentType:      string(wf.AgentType),
		Input:          input,
		ConfigSnapshot: wf.Configuration,
	}
	if err := d.executions.Create(e); err != nil {
		return nil, err
	}
	if retryOf != "" {
		if _, err := d.executions.AppendLog(e.ID, "info", "retry of failed execution "+retryOf); err != nil {
			d.logger.Warnw("failed to record retry link", "execution_id", e.ID, "error", err)
		}
	}

	d.logger.Infow("execution dispatched",
		"execution_id", e.ID, "workflow_id", wf.ID, "trigger", trigger)
	d.machine.StartAsync(e)
	return e, nil
}

// DispatchWebhook resolves an inbound webhook request to its workflow and
// triggers it. The fragment must name an active webhook, the request must
// pass the webhook's auth method, and the payload must satisfy the
// webhook's schema when one is set.
func (d *Dispatcher) DispatchWebhook(ctx context.Context, fragment string, payload json.RawMessage, headers http.Header) (*Execution, error) {
	wh, err := d.webhooks.GetByFragment(fragment)
	if err != nil {
		return nil, err
	}
	if !wh.IsActive {
		return nil, errors.NewInactivef("webhook %s is inactive", wh.ID)
	}
	if err := wh.Authenticate(headers); err != nil {
		return nil, err
	}

	sch, err := schema.Parse(wh.PayloadSchema)
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(payload); err != nil {
		return nil, err
	}

	return d.Dispatch(ctx, wh.WorkflowID, TriggerWebhook, payload)
}
