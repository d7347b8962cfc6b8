package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
	"github.com/runbookd/runbookd/internal/transport"
)

// nodeWorker owns one node's session lifecycle and drives its ordered
// command list sequentially, emitting timeline events along the way.
// Workers never retry; retry policy belongs to the caller.
type nodeWorker struct {
	logger         *zap.Logger
	dialer         transport.Dialer
	resolver       NodeResolver
	analyzer       OutputAnalyzer
	bus            *eventBus
	commandTimeout time.Duration
}

// run drives the node to Done or Failed. A transport error at any stage
// emits a single error event and terminates this node's sequence without
// touching any other node.
func (w *nodeWorker) run(ctx context.Context, target model.NodeTarget, commands []model.CommandSpec, condition string) model.NodeOutcome {
	name := target.Name
	if name == "" {
		name = target.Host
	}

	w.emitStep(model.StepConnecting, "", name, "", "")

	target, err := w.resolveTarget(ctx, target)
	if err != nil {
		return w.fail(name, err)
	}

	credential, err := w.credential(ctx, &target)
	if err != nil {
		return w.fail(name, err)
	}

	session, err := w.dialer.OpenSession(ctx, target, credential)
	if err != nil {
		return w.fail(name, err)
	}
	defer session.Close()

	w.emitStep(model.StepConnected, model.StepStatusSuccess, name, "", "")

	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return w.fail(name, err)
		}

		w.emitStep(model.StepExecuting, "", name, cmd.Text, "")

		result, err := session.Run(ctx, cmd.Text, w.commandTimeout)
		if err != nil {
			return w.fail(name, err)
		}

		w.emitStep(model.StepOutputReceived, model.StepStatusSuccess, name, "", "")
		w.emitStep(model.StepAnalyzing, "", name, "", "")

		analysis := w.analyze(ctx, result.Stdout, cmd.SuccessLogic, condition)
		if analysis.ConditionMet {
			w.emitStep(model.StepConditionMet, model.StepStatusWarning, name, "", analysis.Summary)
			w.bus.publish(incidentEvent(name, analysis))
		} else {
			w.emitStep(model.StepConditionNotMet, model.StepStatusSuccess, name, "", analysis.Summary)
		}
	}

	return model.NodeOutcome{Node: name, Status: model.NodeStatusDone}
}

// resolveTarget fills in connection parameters for name-only targets.
func (w *nodeWorker) resolveTarget(ctx context.Context, target model.NodeTarget) (model.NodeTarget, error) {
	if target.Host != "" {
		return target, nil
	}
	if w.resolver == nil {
		return target, fmt.Errorf("node %q: %w", target.Name, ErrMissingHost)
	}
	resolved, err := w.resolver.ResolveNode(ctx, target.Name)
	if err != nil {
		return target, fmt.Errorf("resolve node %q: %w", target.Name, err)
	}
	resolved.Name = target.Name
	return *resolved, nil
}

// credential prefers the inline secret, then the resolver's stored one.
// Without either, the transport is left to try an empty credential.
func (w *nodeWorker) credential(ctx context.Context, target *model.NodeTarget) (string, error) {
	if target.InlineCredential != "" {
		return target.InlineCredential, nil
	}
	if w.resolver == nil {
		return "", nil
	}
	secret, err := w.resolver.GetCredential(ctx, target)
	if err != nil {
		return "", fmt.Errorf("credential for node %q: %w", target.Name, err)
	}
	return secret, nil
}

// analyze invokes the output analyzer and degrades any failure, including a
// panic, to the standard "analysis unavailable" result.
func (w *nodeWorker) analyze(ctx context.Context, output, hint, condition string) (analysis *model.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("Analyzer panicked", zap.Any("panic", r))
			analysis = model.DegradedAnalysis()
		}
	}()

	if w.analyzer == nil {
		return model.DegradedAnalysis()
	}

	result, err := w.analyzer.AnalyzeOutput(ctx, output, hint, condition)
	if err != nil || result == nil {
		w.logger.Warn("Analyzer unavailable, degrading", zap.Error(err))
		return model.DegradedAnalysis()
	}
	if result.Severity == "" {
		result.Severity = model.SeverityInfo
	}
	return result
}

// fail emits the node's single terminal error event.
func (w *nodeWorker) fail(node string, err error) model.NodeOutcome {
	w.logger.Warn("Node failed",
		zap.String("node", node),
		zap.Error(err))

	w.bus.publish(model.TimelineEvent{
		Kind:    model.EventError,
		Message: narrateFailure(node, err),
		Node:    node,
	})

	return model.NodeOutcome{Node: node, Status: model.NodeStatusFailed, Error: err.Error()}
}

func (w *nodeWorker) emitStep(step model.StepName, status model.StepStatus, node, command, summary string) {
	w.bus.publish(model.TimelineEvent{
		Kind:    model.EventStep,
		Step:    step,
		Status:  status,
		Node:    node,
		Message: narrateStep(step, node, command, summary),
	})
}
