package engine

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// Store handles persistence of executions and their logs.
//
// Status transitions are compare-and-swap writes: the UPDATE carries the
// expected pre-state in its WHERE clause, and zero affected rows on an
// existing execution surfaces ErrConcurrentModification. This is the
// serialization point that keeps two actors from driving the same
// execution.
type Store struct {
	db *sql.DB
}

// NewStore creates an execution store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const executionColumns = `id, workflow_id, status, trigger_type, agent_type, input, output,
	config_snapshot, progress, started_at, completed_at, duration_ms, created_at, updated_at`

// Create inserts a new pending execution. Assigns an id when empty.
func (s *Store) Create(e *Execution) error {
	if e.ID == "" {
		e.ID = "exec_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if !ValidTriggerType(string(e.TriggerType)) {
		return errors.NewValidationf("unknown trigger type %q", e.TriggerType)
	}
	if len(e.ConfigSnapshot) == 0 {
		e.ConfigSnapshot = json.RawMessage("{}")
	}
	if e.AgentType == "" {
		e.AgentType = "json"
	}

	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	query := `
		INSERT INTO executions (id, workflow_id, status, trigger_type, agent_type, input, config_snapshot, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.db.Exec(query,
		e.ID,
		e.WorkflowID,
		string(e.Status),
		string(e.TriggerType),
		e.AgentType,
		sql.NullString{String: string(e.Input), Valid: len(e.Input) > 0},
		string(e.ConfigSnapshot),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "create execution")
	}
	return nil
}

// Get retrieves an execution by id.
func (s *Store) Get(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get execution")
	}
	return e, nil
}

// List returns executions newest first, optionally filtered by workflow
// and status. limit <= 0 means no limit.
func (s *Store) List(workflowID string, status Status, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var conditions []string
	var args []interface{}
	if workflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, workflowID)
	}
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// ListByStatus returns all executions in the given status, oldest first.
// Used at startup to recover work interrupted by a restart.
func (s *Store) ListByStatus(status Status) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status = ? ORDER BY created_at ASC`
	rows, err := s.db.Query(query, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "list executions by status")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// MarkRunning transitions pending -> running and records the start time.
func (s *Store) MarkRunning(id string, startedAt time.Time) error {
	return s.transition(id,
		`UPDATE executions SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning),
		startedAt.Format(time.RFC3339Nano),
		time.Now().Format(time.RFC3339Nano),
		id,
		string(StatusPending),
	)
}

// MarkCompleted transitions running -> completed, recording output,
// progress 100, end time, and duration.
func (s *Store) MarkCompleted(id string, output json.RawMessage, completedAt time.Time, duration time.Duration) error {
	return s.transition(id,
		`UPDATE executions SET status = ?, output = ?, progress = 100, completed_at = ?, duration_ms = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusCompleted),
		sql.NullString{String: string(output), Valid: len(output) > 0},
		completedAt.Format(time.RFC3339Nano),
		duration.Milliseconds(),
		time.Now().Format(time.RFC3339Nano),
		id,
		string(StatusRunning),
	)
}

// MarkFailed transitions running -> failed, recording end time and duration.
func (s *Store) MarkFailed(id string, completedAt time.Time, duration time.Duration) error {
	return s.transition(id,
		`UPDATE executions SET status = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusFailed),
		completedAt.Format(time.RFC3339Nano),
		duration.Milliseconds(),
		time.Now().Format(time.RFC3339Nano),
		id,
		string(StatusRunning),
	)
}

// MarkCancelled transitions pending or running -> cancelled.
func (s *Store) MarkCancelled(id string, completedAt time.Time, duration time.Duration) error {
	return s.transition(id,
		`UPDATE executions SET status = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled),
		completedAt.Format(time.RFC3339Nano),
		duration.Milliseconds(),
		time.Now().Format(time.RFC3339Nano),
		id,
		string(StatusPending),
		string(StatusRunning),
	)
}

// transition executes a compare-and-swap status write. Zero affected
// rows on an existing execution means the stored status no longer
// matches the expected pre-state.
func (s *Store) transition(id, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "transition execution")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "transition rows affected")
	}
	if affected == 0 {
		var current string
		err := s.db.QueryRow("SELECT status FROM executions WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundf("execution %s", id)
		}
		if err != nil {
			return errors.Wrap(err, "check execution status")
		}
		return errors.Wrapf(errors.ErrConcurrentModification,
			"execution %s is %s", id, current)
	}
	return nil
}

// UpdateProgress records progress for a running execution. The WHERE
// clause enforces monotonicity and the running-only rule; returns whether
// the write applied.
func (s *Store) UpdateProgress(id string, progress int) (bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(
		`UPDATE executions SET progress = ?, updated_at = ? WHERE id = ? AND status = ? AND progress <= ?`,
		progress,
		time.Now().Format(time.RFC3339Nano),
		id,
		string(StatusRunning),
		progress,
	)
	if err != nil {
		return false, errors.Wrap(err, "update progress")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update progress rows affected")
	}
	return affected > 0, nil
}

// AppendLog appends an entry to the execution's log. Valid only while the
// execution is non-terminal; appends against a terminal execution are
// dropped silently (returns false) rather than failing, so late logging
// can never resurrect or block an execution.
func (s *Store) AppendLog(id, level, message string) (bool, error) {
	if level == "" {
		level = "info"
	}
	res, err := s.db.Exec(`
		INSERT INTO execution_logs (execution_id, ts, level, message)
		SELECT ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM executions WHERE id = ? AND status IN (?, ?))`,
		id,
		time.Now().Format(time.RFC3339Nano),
		level,
		message,
		id,
		string(StatusPending),
		string(StatusRunning),
	)
	if err != nil {
		return false, errors.Wrap(err, "append execution log")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "append log rows affected")
	}
	return affected > 0, nil
}

// Logs returns an execution's log entries in append order.
func (s *Store) Logs(id string) ([]LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT seq, ts, level, message FROM execution_logs WHERE execution_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, errors.Wrap(err, "load execution logs")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var ts string
		if err := rows.Scan(&entry.Seq, &ts, &entry.Level, &entry.Message); err != nil {
			return nil, errors.Wrap(err, "scan log entry")
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var input, output sql.NullString
	var configSnapshot string
	var startedAt, completedAt sql.NullString
	var durationMs sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&e.ID, &e.WorkflowID, (*string)(&e.Status), (*string)(&e.TriggerType), &e.AgentType,
		&input, &output, &configSnapshot, &e.Progress,
		&startedAt, &completedAt, &durationMs, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		e.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		e.Output = json.RawMessage(output.String)
	}
	e.ConfigSnapshot = json.RawMessage(configSnapshot)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		e.CompletedAt = &t
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}
