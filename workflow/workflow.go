// Package workflow defines workflow configurations and their persistence.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/errors"
)

// AgentType identifies which agent runtime capability a workflow drives.
type AgentType string

const (
	AgentEmail      AgentType = "email"
	AgentPDF        AgentType = "pdf"
	AgentJSON       AgentType = "json"
	AgentClassifier AgentType = "classifier"
)

// ValidAgentType reports whether s names a known agent type.
func ValidAgentType(s string) bool {
	switch AgentType(s) {
	case AgentEmail, AgentPDF, AgentJSON, AgentClassifier:
		return true
	default:
		return false
	}
}

// Status values for workflows.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
)

// ValidStatus reports whether s is a known workflow status.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	default:
		return false
	}
}

// Workflow binds a name and an opaque configuration document to an agent
// type. Executions snapshot Configuration at trigger time, so edits here
// never affect runs already in flight.
type Workflow struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	AgentType     AgentType       `json:"agent_type"`
	Configuration json.RawMessage `json:"configuration"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks the fields a workflow must carry before it is stored.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return errors.NewValidationf("workflow name must not be empty")
	}
	if !ValidAgentType(string(w.AgentType)) {
		return errors.NewValidationf("unknown agent type %q", w.AgentType)
	}
	if w.Status != "" && !ValidStatus(w.Status) {
		return errors.NewValidationf("unknown workflow status %q", w.Status)
	}
	if len(w.Configuration) > 0 && !json.Valid(w.Configuration) {
		return errors.NewValidationf("workflow configuration is not valid JSON")
	}
	return nil
}

// IsActive reports whether the workflow may be triggered.
func (w *Workflow) IsActive() bool {
	return w.Status == StatusActive
}
