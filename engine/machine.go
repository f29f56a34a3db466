package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/stream"
)

// Machine drives executions through their lifecycle. Each started
// execution is owned by one goroutine which performs the agent
// invocation and settles the record into a terminal status. Cancellation
// races are resolved by the store's compare-and-swap transitions, so a
// result arriving after a cancel is discarded rather than applied.
type Machine struct {
	store       *Store
	invoker     agent.Invoker
	broadcaster *stream.Broadcaster
	logger      *zap.SugaredLogger

	// execution timeout in nanoseconds, hot-reloadable
	timeout atomic.Int64

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// MachineConfig carries the tunables for a Machine.
type MachineConfig struct {
	// ExecutionTimeout bounds a single agent invocation.
	ExecutionTimeout time.Duration
	// MaxConcurrent caps the number of simultaneously running executions.
	MaxConcurrent int
	Logger        *zap.SugaredLogger
}

// NewMachine creates an execution state machine.
func NewMachine(store *Store, invoker agent.Invoker, broadcaster *stream.Broadcaster, cfg MachineConfig) *Machine {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		store:       store,
		invoker:     invoker,
		broadcaster: broadcaster,
		logger:      cfg.Logger,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.timeout.Store(int64(cfg.ExecutionTimeout))
	return m
}

// SetExecutionTimeout changes the per-execution timeout. Applies to
// executions started after the call.
func (m *Machine) SetExecutionTimeout(d time.Duration) {
	if d > 0 {
		m.timeout.Store(int64(d))
	}
}

// StartAsync hands a pending execution to the machine and returns
// immediately. The execution runs once a concurrency slot frees up. After
// Stop the execution is left pending; it is recovered on the next start.
func (m *Machine) StartAsync(e *Execution) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case m.sem <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		defer func() { <-m.sem }()
		m.run(e)
	}()
}

func (m *Machine) run(e *Execution) {
	startedAt := time.Now()
	if err := m.store.MarkRunning(e.ID, startedAt); err != nil {
		// Cancelled before it started, or claimed by another actor.
		if errors.IsConcurrentModification(err) {
			m.logger.Debugw("execution not started", "execution_id", e.ID, "reason", err.Error())
		} else {
			m.logger.Errorw("failed to start execution", "execution_id", e.ID, "error", err)
		}
		return
	}
	m.publish(e, stream.EventStarted, map[string]interface{}{
		"trigger_type": string(e.TriggerType),
	})
	m.logger.Infow("execution started",
		"execution_id", e.ID, "workflow_id", e.WorkflowID, "trigger", e.TriggerType)

	ctx, cancel := context.WithTimeout(m.ctx, time.Duration(m.timeout.Load()))
	defer cancel()

	lastProgress := 0
	onProgress := func(progress int, message string) {
		if progress < 0 {
			// Log frame without a progress value.
			if message != "" {
				m.log(e, "info", message)
			}
			return
		}
		if progress < lastProgress {
			progress = lastProgress
		}
		if progress > 100 {
			progress = 100
		}
		applied, err := m.store.UpdateProgress(e.ID, progress)
		if err != nil {
			m.logger.Warnw("progress update failed", "execution_id", e.ID, "error", err)
			return
		}
		if !applied {
			return
		}
		lastProgress = progress
		payload := map[string]interface{}{"progress": progress}
		if message != "" {
			payload["message"] = message
		}
		m.publish(e, stream.EventProgress, payload)
	}

	output, err := m.invoker.Invoke(ctx, e.AgentType, e.ConfigSnapshot, e.Input, onProgress)
	completedAt := time.Now()
	duration := completedAt.Sub(startedAt)

	if err != nil {
		m.log(e, "error", err.Error())
		if terr := m.store.MarkFailed(e.ID, completedAt, duration); terr != nil {
			m.discarded(e, terr)
			return
		}
		m.publish(e, stream.EventFailed, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		m.logger.Warnw("execution failed",
			"execution_id", e.ID, "duration", duration, "error", err)
		return
	}

	if terr := m.store.MarkCompleted(e.ID, output, completedAt, duration); terr != nil {
		m.discarded(e, terr)
		return
	}
	m.publish(e, stream.EventCompleted, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	m.logger.Infow("execution completed", "execution_id", e.ID, "duration", duration)
}

// discarded handles a settle transition that lost to a concurrent one,
// typically a cancel landing while the agent call was in flight.
func (m *Machine) discarded(e *Execution, err error) {
	if errors.IsConcurrentModification(err) {
		m.logger.Debugw("execution result discarded", "execution_id", e.ID, "reason", err.Error())
		return
	}
	m.logger.Errorw("failed to settle execution", "execution_id", e.ID, "error", err)
}

// Cancel terminates a pending or running execution. A terminal execution
// yields ErrInvalidState; losing a settle race to another actor yields
// ErrConcurrentModification.
func (m *Machine) Cancel(id string) error {
	e, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if e.Status.IsTerminal() {
		return errors.NewInvalidStatef("cannot cancel %s execution %s", e.Status, id)
	}

	completedAt := time.Now()
	var duration time.Duration
	if e.StartedAt != nil {
		duration = completedAt.Sub(*e.StartedAt)
	}
	if err := m.store.MarkCancelled(id, completedAt, duration); err != nil {
		return err
	}
	m.publish(e, stream.EventCancelled, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	m.logger.Infow("execution cancelled", "execution_id", id)
	return nil
}

// AppendLog adds an entry to a live execution's log and publishes it.
// Entries against a terminal execution are dropped silently.
func (m *Machine) AppendLog(id, level, message string) error {
	e, err := m.store.Get(id)
	if err != nil {
		return err
	}
	m.log(e, level, message)
	return nil
}

func (m *Machine) log(e *Execution, level, message string) {
	appended, err := m.store.AppendLog(e.ID, level, message)
	if err != nil {
		m.logger.Warnw("log append failed", "execution_id", e.ID, "error", err)
		return
	}
	if !appended {
		return
	}
	m.publish(e, stream.EventLog, map[string]interface{}{
		"level":   level,
		"message": message,
	})
}

// Recover settles work left over from an unclean shutdown: executions
// stuck in running are failed (their goroutine is gone), pending ones are
// restarted.
func (m *Machine) Recover() error {
	orphaned, err := m.store.ListByStatus(StatusRunning)
	if err != nil {
		return errors.Wrap(err, "list orphaned executions")
	}
	for _, e := range orphaned {
		m.log(e, "error", "execution interrupted by restart")
		completedAt := time.Now()
		var duration time.Duration
		if e.StartedAt != nil {
			duration = completedAt.Sub(*e.StartedAt)
		}
		if err := m.store.MarkFailed(e.ID, completedAt, duration); err != nil {
			m.logger.Errorw("failed to settle orphaned execution", "execution_id", e.ID, "error", err)
			continue
		}
		m.publish(e, stream.EventFailed, map[string]interface{}{
			"error":       "execution interrupted by restart",
			"duration_ms": duration.Milliseconds(),
		})
		m.logger.Warnw("orphaned execution marked failed", "execution_id", e.ID)
	}

	pending, err := m.store.ListByStatus(StatusPending)
	if err != nil {
		return errors.Wrap(err, "list pending executions")
	}
	for _, e := range pending {
		m.StartAsync(e)
	}
	if len(orphaned) > 0 || len(pending) > 0 {
		m.logger.Infow("execution recovery finished",
			"orphaned", len(orphaned), "restarted", len(pending))
	}
	return nil
}

// Stop waits for in-flight executions to finish. When the context expires
// first, the remaining invocations are aborted and settle as failed.
func (m *Machine) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()
}

func (m *Machine) publish(e *Execution, typ stream.EventType, payload map[string]interface{}) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Publish(stream.Event{
		ExecutionID: e.ID,
		WorkflowID:  e.WorkflowID,
		Type:        typ,
		Payload:     payload,
	})
}
