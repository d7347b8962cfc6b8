package model

import "time"

// Incident signals that a command's output matched the failure condition.
// Incidents are raised as timeline events and delivered at least once to
// the durable incident stream.
type Incident struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Node        string         `json:"node"`
	Severity    Severity       `json:"severity"`
	Summary     string         `json:"summary"`
	Analysis    AnalysisResult `json:"analysis"`
	RaisedAt    time.Time      `json:"raised_at"`
}
