package model

// EventKind represents the type of a timeline event
type EventKind string

const (
	EventStep     EventKind = "step"
	EventIncident EventKind = "incident"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// StepStatus annotates step events with an outcome
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusWarning StepStatus = "warning"
)

// StepName identifies the phase a step event belongs to
type StepName string

const (
	StepConnecting      StepName = "connecting"
	StepConnected       StepName = "connected"
	StepExecuting       StepName = "executing"
	StepOutputReceived  StepName = "output_received"
	StepAnalyzing       StepName = "analyzing"
	StepConditionMet    StepName = "condition_met"
	StepConditionNotMet StepName = "condition_not_met"
)

// TimelineEvent is one observable step in a run's progress, streamed live
// and retained for audit. The wire form is newline-delimited JSON.
type TimelineEvent struct {
	Kind     EventKind       `json:"type"`
	Step     StepName        `json:"step,omitempty"`
	Message  string          `json:"message"`
	Status   StepStatus      `json:"status,omitempty"`
	Node     string          `json:"node,omitempty"`
	Severity Severity        `json:"severity,omitempty"`
	Details  *AnalysisResult `json:"details,omitempty"`
}
