package orchestrator

import (
	"fmt"

	"github.com/runbookd/runbookd/internal/model"
)

// narrateStep renders the human-readable timeline message for a step.
func narrateStep(step model.StepName, node, command, summary string) string {
	switch step {
	case model.StepConnecting:
		return fmt.Sprintf("Connecting to %s...", node)
	case model.StepConnected:
		return fmt.Sprintf("SSH connection established to %s", node)
	case model.StepExecuting:
		return fmt.Sprintf("Running command: %s", command)
	case model.StepOutputReceived:
		return "Output received successfully"
	case model.StepAnalyzing:
		return "Analyzing output..."
	case model.StepConditionMet:
		if summary == "" {
			summary = "threshold exceeded"
		}
		return fmt.Sprintf("Condition met: %s", summary)
	case model.StepConditionNotMet:
		if summary == "" {
			summary = "within normal range"
		}
		return fmt.Sprintf("All clear: %s", summary)
	}
	return string(step)
}

func narrateIncident(summary string) string {
	return fmt.Sprintf("Incident raised: %s", summary)
}

func narrateFailure(node string, err error) string {
	return fmt.Sprintf("Execution failed on %s: %v", node, err)
}

func narrateComplete() string {
	return "Execution completed successfully"
}
