package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/runbookd/runbookd/internal/model"
)

// incidentEvent transforms a condition-met analysis into an incident-typed
// timeline event. Pure; persistence happens when the consumer loop observes
// the event.
func incidentEvent(node string, analysis *model.AnalysisResult) model.TimelineEvent {
	severity := analysis.Severity
	if severity == "" {
		severity = model.SeverityWarning
	}
	return model.TimelineEvent{
		Kind:     model.EventIncident,
		Message:  narrateIncident(analysis.Summary),
		Node:     node,
		Severity: severity,
		Details:  analysis,
	}
}

// incidentFromEvent reconstructs the durable incident handed to the sink.
func incidentFromEvent(executionID string, ev model.TimelineEvent) *model.Incident {
	incident := &model.Incident{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Node:        ev.Node,
		Severity:    ev.Severity,
		Summary:     ev.Message,
		RaisedAt:    time.Now().UTC(),
	}
	if ev.Details != nil {
		incident.Analysis = *ev.Details
		incident.Summary = ev.Details.Summary
	}
	return incident
}
