package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/runbookd/runbookd/internal/model"
)

// recordBuilder assembles the execution record while a run is in flight.
// Only the orchestrator's consumer loop touches it, so no locking is needed.
type recordBuilder struct {
	record *model.ExecutionRecord
}

func newRecordBuilder(plan *model.Plan, triggeredBy string) *recordBuilder {
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	return &recordBuilder{
		record: &model.ExecutionRecord{
			ID:            uuid.New().String(),
			RunbookName:   plan.RunbookName,
			TriggeredBy:   triggeredBy,
			OverallStatus: model.ExecutionStatusRunning,
			StartedAt:     time.Now().UTC(),
		},
	}
}

func (b *recordBuilder) append(ev model.TimelineEvent) {
	b.record.Timeline = append(b.record.Timeline, ev)
}

func (b *recordBuilder) addOutcome(outcome model.NodeOutcome) {
	b.record.Outcomes = append(b.record.Outcomes, outcome)
}

// finalize stamps the completion time and status. Called exactly once; the
// record is immutable afterwards.
func (b *recordBuilder) finalize(status model.ExecutionStatus) *model.ExecutionRecord {
	now := time.Now().UTC()
	b.record.CompletedAt = &now
	b.record.OverallStatus = status
	return b.record
}

// classify derives the run's overall status from per-node outcomes: success
// when every node reached done, failed when none did, partial otherwise.
func classify(outcomes []model.NodeOutcome) model.ExecutionStatus {
	done := 0
	for _, outcome := range outcomes {
		if outcome.Status == model.NodeStatusDone {
			done++
		}
	}
	switch {
	case len(outcomes) == 0 || done == 0:
		return model.ExecutionStatusFailed
	case done == len(outcomes):
		return model.ExecutionStatusSuccess
	default:
		return model.ExecutionStatusPartial
	}
}
