// Package webhook defines inbound webhook endpoints bound to workflows.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/errors"
)

// AuthMethod controls how inbound webhook requests authenticate.
type AuthMethod string

const (
	AuthNone        AuthMethod = "none"
	AuthAPIKey      AuthMethod = "api_key"
	AuthBearerToken AuthMethod = "bearer_token"
)

// ValidAuthMethod reports whether s names a known auth method.
func ValidAuthMethod(s string) bool {
	switch AuthMethod(s) {
	case AuthNone, AuthAPIKey, AuthBearerToken:
		return true
	default:
		return false
	}
}

// Webhook is an externally-addressable trigger endpoint for a workflow.
// URLFragment is the unique path component external callers post to.
type Webhook struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	URLFragment   string          `json:"url_fragment"`
	AuthMethod    AuthMethod      `json:"auth_method"`
	AuthKey       string          `json:"-"`
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks the fields a webhook must carry before it is stored.
func (w *Webhook) Validate() error {
	if w.WorkflowID == "" {
		return errors.NewValidationf("webhook workflow_id must not be empty")
	}
	if !ValidAuthMethod(string(w.AuthMethod)) {
		return errors.NewValidationf("unknown auth method %q", w.AuthMethod)
	}
	if w.AuthMethod != AuthNone && w.AuthKey == "" {
		return errors.NewValidationf("auth method %s requires an auth key", w.AuthMethod)
	}
	if len(w.PayloadSchema) > 0 && !json.Valid(w.PayloadSchema) {
		return errors.NewValidationf("payload schema is not valid JSON")
	}
	return nil
}
