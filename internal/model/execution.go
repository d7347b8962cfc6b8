package model

import "time"

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusPartial   ExecutionStatus = "partial"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// NodeStatus represents a single node's terminal state within a run
type NodeStatus string

const (
	NodeStatusDone   NodeStatus = "done"
	NodeStatusFailed NodeStatus = "failed"
)

// NodeOutcome records whether every command on a node completed without a
// transport or timeout error.
type NodeOutcome struct {
	Node   string     `json:"node"`
	Status NodeStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// HostLoad is a snapshot of orchestrator host resource usage taken when a
// run starts.
type HostLoad struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ExecutionRecord is the finalized, immutable summary of one run. It is
// mutated only by the orchestrator and finalized exactly once.
type ExecutionRecord struct {
	ID            string          `json:"id"`
	RunbookName   string          `json:"runbook_name,omitempty"`
	TriggeredBy   string          `json:"triggered_by"`
	OverallStatus ExecutionStatus `json:"overall_status"`
	Timeline      []TimelineEvent `json:"timeline"`
	Outcomes      []NodeOutcome   `json:"outcomes"`
	HostLoad      *HostLoad       `json:"host_load,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}
