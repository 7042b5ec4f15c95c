package models

import "time"

// ExecutionStatus is the state-machine state of a Job Execution. A running
// execution ends completed, failed or cancelled; the cleanup sweep marks
// heartbeat-stale runs abandoned.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionAbandoned ExecutionStatus = "abandoned"
)

// ExecutionError is the full error detail retained on a failed/abandoned
// Execution.
type ExecutionError struct {
	Message string `bson:"message" json:"message"`
	Stack   string `bson:"stack,omitempty" json:"stack,omitempty"`
	Code    string `bson:"code,omitempty" json:"code,omitempty"`
}

// ExecutionLogEntry is one timestamped, levelled log line attached to an
// Execution.
type ExecutionLogEntry struct {
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Level     string    `bson:"level" json:"level"`
	Message   string    `bson:"message" json:"message"`
}

// ExecutionSystem identifies the worker process that ran an Execution.
type ExecutionSystem struct {
	WorkerID string `bson:"workerId" json:"workerId"`
	Host     string `bson:"host" json:"host"`
	PID      int    `bson:"pid" json:"pid"`
	Version  string `bson:"version" json:"version"`
}

// ExecutionStats carries the record counters surfaced by a completed
// Execution.
type ExecutionStats struct {
	RecordsProcessed int64          `bson:"recordsProcessed" json:"recordsProcessed"`
	PerEntity        map[string]int64 `bson:"perEntity,omitempty" json:"perEntity,omitempty"`
}

// JobExecution is a persisted record of one attempted run of a sync job.
// Executions are appended per run and never rewritten after
// reaching a terminal status.
type JobExecution struct {
	ID            ID                     `bson:"_id" json:"id"`
	JobID         ID                     `bson:"jobId" json:"jobId"`
	WorkspaceID   ID                     `bson:"workspaceId" json:"workspaceId"`
	StartedAt     time.Time              `bson:"startedAt" json:"startedAt"`
	LastHeartbeat time.Time              `bson:"lastHeartbeat" json:"lastHeartbeat"`
	CompletedAt   *time.Time             `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMs    *int64                 `bson:"durationMs,omitempty" json:"durationMs,omitempty"`
	Status        ExecutionStatus        `bson:"status" json:"status"`
	Success       bool                   `bson:"success" json:"success"`
	Error         *ExecutionError        `bson:"error,omitempty" json:"error,omitempty"`
	Logs          []ExecutionLogEntry    `bson:"logs,omitempty" json:"logs,omitempty"`
	Context       map[string]any         `bson:"context,omitempty" json:"context,omitempty"`
	Stats         *ExecutionStats        `bson:"stats,omitempty" json:"stats,omitempty"`
	System        ExecutionSystem        `bson:"system" json:"system"`
}

// IsTerminal reports whether the status is one that Executions never leave
// once entered.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionAbandoned:
		return true
	default:
		return false
	}
}
