package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/stream"
)

// Dispatcher is the trigger entry point the ticker fires jobs through.
// Satisfied by *engine.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, trigger engine.TriggerType, input json.RawMessage) (*engine.Execution, error)
	DispatchRetry(ctx context.Context, workflowID, failedExecutionID string) (*engine.Execution, error)
}

// ExecutionReader resolves execution state when the event stream has
// gaps. Satisfied by *engine.Store.
type ExecutionReader interface {
	Get(id string) (*engine.Execution, error)
}

// TickerConfig contains configuration for the scheduler ticker.
type TickerConfig struct {
	// Interval is how often due jobs are polled for. Default 1 second.
	Interval time.Duration
}

// DefaultTickerConfig returns sensible defaults.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 1 * time.Second}
}

type pendingRetry struct {
	jobID       string
	executionID string
}

// Ticker polls for due cron jobs and fires them through the dispatcher.
// One goroutine runs the tick loop; each fire dispatches in its own
// goroutine so a slow or failing job never stalls the rest.
//
// When a job has RetryFailed, the ticker watches the broadcaster for the
// failure of executions it fired and dispatches exactly one retry at the
// next tick. Retries themselves are never watched, so a permanently
// failing workflow costs one retry per scheduled fire, not a loop.
type Ticker struct {
	store      *Store
	dispatcher Dispatcher
	executions ExecutionReader
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
	ticks      int64
	fired      map[string]string // execution id -> job id, awaiting settle
	// settled holds terminal events that arrived before fire() could
	// register the execution in fired. Bounded by periodic reset.
	settled map[string]stream.EventType
	retries []pendingRetry
}

// NewTicker creates a scheduler ticker. broadcaster may be nil, which
// disables failure retries. executions backs reconciliation when the
// event stream overflows; nil disables it.
func NewTicker(store *Store, dispatcher Dispatcher, executions ExecutionReader, broadcaster *stream.Broadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticker{
		store:      store,
		dispatcher: dispatcher,
		executions: executions,
		interval:   cfg.Interval,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log,
		fired:      make(map[string]string),
		settled:    make(map[string]stream.EventType),
	}
	if broadcaster != nil {
		if sub := broadcaster.Subscribe(stream.Filter{}); sub != nil {
			t.wg.Add(1)
			go t.watchSettles(sub)
		}
	}
	return t
}

// Start begins the tick loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("scheduler started", "interval", t.interval)
}

// Stop halts the tick loop and waits for it to exit. In-flight
// executions keep running; only the firing of new jobs stops.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("scheduler stopped")
}

// Stats describes the ticker's progress for the status endpoint.
type Stats struct {
	LastTickAt time.Time  `json:"last_tick_at"`
	Ticks      int64      `json:"ticks"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// Stats returns a snapshot of ticker activity.
func (t *Ticker) Stats() Stats {
	t.mu.Lock()
	stats := Stats{LastTickAt: t.lastTickAt, Ticks: t.ticks}
	t.mu.Unlock()

	next, err := t.store.Next()
	if err == nil && next != nil {
		stats.NextRunAt = next.NextRunAt
	}
	return stats
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticks++
			t.mu.Unlock()

			t.Tick(tickTime)
		}
	}
}

// Tick fires everything due at now: scheduled jobs first, then retries
// collected since the previous tick. Exported so tests can drive the
// loop deterministically.
func (t *Ticker) Tick(now time.Time) {
	jobs, err := t.store.ListDue(now)
	if err != nil {
		t.logger.Warnw("scheduler tick error", "error", err)
	}
	for _, job := range jobs {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		t.fire(job, now)
	}

	t.mu.Lock()
	retries := t.retries
	t.retries = nil
	t.mu.Unlock()
	for _, r := range retries {
		t.retry(r, now)
	}
}

// fire dispatches one due job and advances its schedule. The schedule
// advances even when dispatch fails, otherwise a broken workflow would
// be re-fired every tick.
func (t *Ticker) fire(job *CronJob, now time.Time) {
	if err := t.store.MarkFired(job, now); err != nil {
		t.logger.Errorw("failed to advance cron schedule",
			"job_id", job.ID, "error", err)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		e, err := t.dispatcher.Dispatch(t.ctx, job.WorkflowID, engine.TriggerCron, nil)
		if err != nil {
			t.logger.Errorw("scheduled dispatch failed",
				"job_id", job.ID, "workflow_id", job.WorkflowID, "error", err)
			return
		}
		t.logger.Infow("scheduled execution dispatched",
			"job_id", job.ID, "execution_id", e.ID, "next_run_at", job.NextRunAt)
		if job.RetryFailed {
			t.mu.Lock()
			if typ, done := t.settled[e.ID]; done {
				delete(t.settled, e.ID)
				if typ == stream.EventFailed {
					t.retries = append(t.retries, pendingRetry{jobID: job.ID, executionID: e.ID})
				}
			} else {
				t.fired[e.ID] = job.ID
			}
			t.mu.Unlock()
		}
	}()
}

// retry dispatches the single retry owed for a failed scheduled
// execution. The new execution is not watched.
func (t *Ticker) retry(r pendingRetry, now time.Time) {
	job, err := t.store.Get(r.jobID)
	if err != nil {
		t.logger.Warnw("retry skipped, cron job gone", "job_id", r.jobID, "error", err)
		return
	}
	if !job.IsActive || !job.InWindow(now) {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		e, err := t.dispatcher.DispatchRetry(t.ctx, job.WorkflowID, r.executionID)
		if err != nil {
			t.logger.Errorw("retry dispatch failed",
				"job_id", job.ID, "failed_execution_id", r.executionID, "error", err)
			return
		}
		t.logger.Infow("retry dispatched",
			"job_id", job.ID, "execution_id", e.ID, "failed_execution_id", r.executionID)
	}()
}

// reconcile re-checks every tracked execution against the store and
// settles the ones that reached a terminal status while their events
// were being dropped. Still-running executions stay tracked.
func (t *Ticker) reconcile() {
	if t.executions == nil {
		return
	}
	t.mu.Lock()
	tracked := make(map[string]string, len(t.fired))
	for id, jobID := range t.fired {
		tracked[id] = jobID
	}
	t.mu.Unlock()

	for id, jobID := range tracked {
		e, err := t.executions.Get(id)
		if err != nil || !e.Status.IsTerminal() {
			continue
		}
		t.mu.Lock()
		if _, still := t.fired[id]; still {
			delete(t.fired, id)
			if e.Status == engine.StatusFailed {
				t.retries = append(t.retries, pendingRetry{jobID: jobID, executionID: id})
			}
		}
		t.mu.Unlock()
	}
}

// watchSettles consumes lifecycle events and queues a retry when an
// execution this ticker fired settles failed.
func (t *Ticker) watchSettles(sub *stream.Subscription) {
	defer t.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == stream.EventDropped {
				// The gap may have swallowed a terminal event for an
				// execution we still track.
				t.reconcile()
				continue
			}
			if !ev.IsTerminal() {
				continue
			}
			t.mu.Lock()
			jobID, tracked := t.fired[ev.ExecutionID]
			if tracked {
				delete(t.fired, ev.ExecutionID)
				if ev.Type == stream.EventFailed {
					t.retries = append(t.retries, pendingRetry{
						jobID:       jobID,
						executionID: ev.ExecutionID,
					})
				}
			} else {
				if len(t.settled) > 1024 {
					t.settled = make(map[string]stream.EventType)
				}
				t.settled[ev.ExecutionID] = ev.Type
			}
			t.mu.Unlock()
		}
	}
}
