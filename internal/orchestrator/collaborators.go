package orchestrator

import (
	"context"

	"github.com/runbookd/runbookd/internal/model"
)

// NodeResolver resolves node names to connection targets and looks up stored
// credentials. Plans built entirely from inline targets may run without one.
type NodeResolver interface {
	// ResolveNode maps a friendly node name to its connection parameters.
	ResolveNode(ctx context.Context, name string) (*model.NodeTarget, error)

	// GetCredential returns the decrypted secret for a target.
	GetCredential(ctx context.Context, target *model.NodeTarget) (string, error)
}

// OutputAnalyzer classifies one command's output against the caller's
// success logic and the plan's global condition. Implementations may fail;
// the worker degrades such failures locally and never lets them abort a
// node's command sequence.
type OutputAnalyzer interface {
	AnalyzeOutput(ctx context.Context, output, hint, condition string) (*model.AnalysisResult, error)
}

// RecordSink receives the finalized execution record exactly once per run.
type RecordSink interface {
	SaveExecution(ctx context.Context, record *model.ExecutionRecord) error
}

// IncidentSink receives incidents observed on the timeline. Delivery is
// at-least-once and decoupled from the live event stream; a sink failure
// never fails the run.
type IncidentSink interface {
	PublishIncident(ctx context.Context, incident *model.Incident) error
}
