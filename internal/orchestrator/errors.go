package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/runbookd/runbookd/internal/model"
)

var (
	// ErrNilPlan is returned when Execute is called without a plan
	ErrNilPlan = errors.New("plan is nil")

	// ErrNoNodes is returned when a plan names no nodes
	ErrNoNodes = errors.New("plan has no nodes")

	// ErrNoCommands is returned when a plan names no commands
	ErrNoCommands = errors.New("plan has no commands")

	// ErrMissingHost is returned when a node has neither a host nor a
	// resolvable name
	ErrMissingHost = errors.New("node has no host")

	// ErrEmptyCommand is returned when a command spec is blank
	ErrEmptyCommand = errors.New("command is empty")

	// ErrUnknownMode is returned for an unrecognized execution mode
	ErrUnknownMode = errors.New("unknown execution mode")

	// ErrExecutionNotFound is returned when cancelling an unknown execution
	ErrExecutionNotFound = errors.New("execution not found")
)

// ValidatePlan rejects empty or ambiguous plans before any worker starts.
// A validation failure surfaces as a single terminal error event on the
// stream; no execution record is persisted.
func ValidatePlan(plan *model.Plan) error {
	if plan == nil {
		return ErrNilPlan
	}
	if len(plan.Nodes) == 0 {
		return ErrNoNodes
	}
	if len(plan.Commands) == 0 {
		return ErrNoCommands
	}
	for i, cmd := range plan.Commands {
		if strings.TrimSpace(cmd.Text) == "" {
			return fmt.Errorf("command %d: %w", i, ErrEmptyCommand)
		}
	}
	for _, node := range plan.Nodes {
		if node.Host == "" && node.Name == "" {
			return ErrMissingHost
		}
	}
	switch plan.Mode {
	case model.ModeSequential, model.ModeParallel, "":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, plan.Mode)
	}
	return nil
}
