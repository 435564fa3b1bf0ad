package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ActionKind identifies which handler executes a task's payload
type ActionKind string

const (
	ActionWebhook ActionKind = "webhook"
	ActionMessage ActionKind = "message"
)

// RecurrencePattern names a rule for deriving the next run time
type RecurrencePattern string

const (
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
)

// Task represents a unit of work scheduled for a point in time.
// A recurring task never reschedules itself; each occurrence is a new
// record linked back to its predecessor through ParentTaskID.
type Task struct {
	ID           string            `json:"task_id"`
	RunAt        time.Time         `json:"run_at"`
	Action       ActionKind        `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	Status       TaskStatus        `json:"status"`
	Recurrence   RecurrencePattern `json:"recurrence,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
