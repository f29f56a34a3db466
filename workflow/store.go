package workflow

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// Store handles persistence of workflows.
type Store struct {
	db *sql.DB
}

// NewStore creates a workflow store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a workflow. Assigns an id when empty and
// defaults status to active.
func (s *Store) Create(w *Workflow) error {
	if w.Status == "" {
		w.Status = StatusActive
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = "wf_" + uuid.NewString()
	}
	if len(w.Configuration) == 0 {
		w.Configuration = json.RawMessage("{}")
	}

	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now

	query := `
		INSERT INTO workflows (id, name, description, agent_type, configuration, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		w.ID,
		w.Name,
		nullString(w.Description),
		string(w.AgentType),
		string(w.Configuration),
		w.Status,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "create workflow")
	}
	return nil
}

// Get retrieves a workflow by id.
func (s *Store) Get(id string) (*Workflow, error) {
	query := `
		SELECT id, name, description, agent_type, configuration, status, created_at, updated_at
		FROM workflows WHERE id = ?
	`
	var w Workflow
	var description sql.NullString
	var configuration string
	var createdAt, updatedAt string

	err := s.db.QueryRow(query, id).Scan(
		&w.ID, &w.Name, &description, (*string)(&w.AgentType),
		&configuration, &w.Status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("workflow %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get workflow")
	}

	w.Description = description.String
	w.Configuration = json.RawMessage(configuration)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

// List returns workflows, optionally filtered by status, newest first.
func (s *Store) List(status string) ([]*Workflow, error) {
	query := `
		SELECT id, name, description, agent_type, configuration, status, created_at, updated_at
		FROM workflows
	`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var w Workflow
		var description sql.NullString
		var configuration string
		var createdAt, updatedAt string
		if err := rows.Scan(
			&w.ID, &w.Name, &description, (*string)(&w.AgentType),
			&configuration, &w.Status, &createdAt, &updatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan workflow")
		}
		w.Description = description.String
		w.Configuration = json.RawMessage(configuration)
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		workflows = append(workflows, &w)
	}
	return workflows, rows.Err()
}

// Update validates and rewrites a workflow's mutable fields. In-flight
// executions are unaffected: they run on their configuration snapshot.
func (s *Store) Update(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	w.UpdatedAt = time.Now()
	query := `
		UPDATE workflows
		SET name = ?, description = ?, agent_type = ?, configuration = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.Exec(query,
		w.Name,
		nullString(w.Description),
		string(w.AgentType),
		string(w.Configuration),
		w.Status,
		w.UpdatedAt.Format(time.RFC3339Nano),
		w.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update workflow")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update workflow rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundf("workflow %s", w.ID)
	}
	return nil
}

// Archive marks a workflow archived. Archived workflows cannot be
// triggered but remain queryable for execution history.
func (s *Store) Archive(id string) error {
	res, err := s.db.Exec(
		"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?",
		StatusArchived, time.Now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return errors.Wrap(err, "archive workflow")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "archive workflow rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundf("workflow %s", id)
	}
	return nil
}

// Delete removes a workflow that has never executed. Workflows with
// execution history must be archived instead, preserving the audit trail.
func (s *Store) Delete(id string) error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM executions WHERE workflow_id = ?", id).Scan(&count); err != nil {
		return errors.Wrap(err, "count executions")
	}
	if count > 0 {
		return errors.NewInvalidStatef("workflow %s has %d executions; archive it instead", id, count)
	}

	res, err := s.db.Exec("DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete workflow")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete workflow rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundf("workflow %s", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
