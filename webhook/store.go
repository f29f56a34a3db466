package webhook

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// Store handles persistence of webhooks.
type Store struct {
	db *sql.DB
}

// NewStore creates a webhook store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a webhook. Assigns an id and a unique url
// fragment when empty; uniqueness of the fragment is enforced by the
// store's unique index.
func (s *Store) Create(w *Webhook) error {
	if w.AuthMethod == "" {
		w.AuthMethod = AuthNone
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = "wh_" + uuid.NewString()
	}
	if w.URLFragment == "" {
		w.URLFragment = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	now := time.Now()
	w.IsActive = true
	w.CreatedAt = now
	w.UpdatedAt = now

	query := `
		INSERT INTO webhooks (id, workflow_id, url_fragment, auth_method, auth_key, payload_schema, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		w.ID,
		w.WorkflowID,
		w.URLFragment,
		string(w.AuthMethod),
		sql.NullString{String: w.AuthKey, Valid: w.AuthKey != ""},
		sql.NullString{String: string(w.PayloadSchema), Valid: len(w.PayloadSchema) > 0},
		w.IsActive,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.NewValidationf("url fragment %q already in use", w.URLFragment)
		}
		return errors.Wrap(err, "create webhook")
	}
	return nil
}

// Get retrieves a webhook by id.
func (s *Store) Get(id string) (*Webhook, error) {
	return s.getBy("id", id)
}

// GetByFragment retrieves a webhook by its url fragment. This is the
// lookup the inbound HTTP path uses.
func (s *Store) GetByFragment(fragment string) (*Webhook, error) {
	return s.getBy("url_fragment", fragment)
}

func (s *Store) getBy(column, value string) (*Webhook, error) {
	query := `
		SELECT id, workflow_id, url_fragment, auth_method, auth_key, payload_schema, is_active, created_at, updated_at
		FROM webhooks WHERE ` + column + ` = ?`

	var w Webhook
	var authKey, payloadSchema sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRow(query, value).Scan(
		&w.ID, &w.WorkflowID, &w.URLFragment, (*string)(&w.AuthMethod),
		&authKey, &payloadSchema, &w.IsActive, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("webhook %s=%s", column, value)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get webhook")
	}

	w.AuthKey = authKey.String
	if payloadSchema.Valid {
		w.PayloadSchema = json.RawMessage(payloadSchema.String)
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

// List returns webhooks, optionally filtered to one workflow.
func (s *Store) List(workflowID string) ([]*Webhook, error) {
	query := `
		SELECT id, workflow_id, url_fragment, auth_method, auth_key, payload_schema, is_active, created_at, updated_at
		FROM webhooks
	`
	var args []interface{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list webhooks")
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		var w Webhook
		var authKey, payloadSchema sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(
			&w.ID, &w.WorkflowID, &w.URLFragment, (*string)(&w.AuthMethod),
			&authKey, &payloadSchema, &w.IsActive, &createdAt, &updatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan webhook")
		}
		w.AuthKey = authKey.String
		if payloadSchema.Valid {
			w.PayloadSchema = json.RawMessage(payloadSchema.String)
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		webhooks = append(webhooks, &w)
	}
	return webhooks, rows.Err()
}

// SetActive toggles whether the webhook accepts inbound requests.
// Webhooks that have triggered executions are deactivated rather than
// deleted, preserving the audit trail of past triggers.
func (s *Store) SetActive(id string, active bool) error {
	res, err := s.db.Exec(
		"UPDATE webhooks SET is_active = ?, updated_at = ? WHERE id = ?",
		active, time.Now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return errors.Wrap(err, "set webhook active")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "set webhook active rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundf("webhook %s", id)
	}
	return nil
}

// Delete removes a webhook that has never fired. Once webhook-triggered
// executions exist on the workflow the delete is refused; retire the
// endpoint with SetActive instead so execution history stays resolvable.
func (s *Store) Delete(id string) error {
	wh, err := s.Get(id)
	if err != nil {
		return err
	}
	var fired bool
	err = s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM executions
			WHERE workflow_id = ? AND trigger_type = 'webhook'
		)`, wh.WorkflowID).Scan(&fired)
	if err != nil {
		return errors.Wrap(err, "check webhook executions")
	}
	if fired {
		return errors.NewInvalidStatef(
			"webhook %s has triggered executions, deactivate it instead", id)
	}

	res, err := s.db.Exec("DELETE FROM webhooks WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete webhook")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete webhook rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundf("webhook %s", id)
	}
	return nil
}
