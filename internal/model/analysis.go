package model

// Severity represents the severity level reported by the output analyzer
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnalysisResult is the output analyzer's verdict on one command's output.
type AnalysisResult struct {
	ExtractedValue string   `json:"extracted_value"`
	ConditionMet   bool     `json:"condition_met"`
	Summary        string   `json:"summary"`
	Severity       Severity `json:"severity"`
}

// DegradedAnalysis is the recovery value used when the analyzer is
// unreachable or misbehaves. A single node's analyzer failure must never
// abort command execution.
func DegradedAnalysis() *AnalysisResult {
	return &AnalysisResult{
		ExtractedValue: "unknown",
		ConditionMet:   false,
		Summary:        "analysis unavailable",
		Severity:       SeverityInfo,
	}
}
