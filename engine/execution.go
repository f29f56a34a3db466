// Package engine implements the execution orchestration core: the
// execution lifecycle state machine and the trigger dispatcher.
package engine

import (
	"encoding/json"
	"time"
)

// Status represents the current state of an execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final. No transition is valid
// out of a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TriggerType records what started an execution.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
	TriggerCron    TriggerType = "cron"
)

// ValidTriggerType returns true if s names a known trigger type.
func ValidTriggerType(s string) bool {
	switch TriggerType(s) {
	case TriggerManual, TriggerWebhook, TriggerCron:
		return true
	default:
		return false
	}
}

// LogEntry is one timestamped entry in an execution's append-only log.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Execution is one run of a workflow.
//
// ConfigSnapshot is the workflow's configuration captured at trigger
// time; later workflow edits never affect an in-flight execution.
// Progress is monotonically non-decreasing while running and reaches 100
// only on completion. CompletedAt and DurationMs are set exactly when the
// status is terminal.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         Status          `json:"status"`
	TriggerType    TriggerType     `json:"trigger_type"`
	AgentType      string          `json:"agent_type"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	Progress       int             `json:"progress"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Duration returns the execution's wall-clock duration, or zero while it
// has not settled.
func (e *Execution) Duration() time.Duration {
	if e.DurationMs == nil {
		return 0
	}
	return time.Duration(*e.DurationMs) * time.Millisecond
}
