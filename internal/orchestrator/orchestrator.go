package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
	"github.com/runbookd/runbookd/internal/transport"
)

// Config defines configuration for the orchestrator
type Config struct {
	// CommandTimeout bounds every remote command, on the streaming path as
	// well as the synchronous one. Defaults to transport.DefaultCommandTimeout.
	CommandTimeout time.Duration

	// RunDeadline, when positive, is an overall wall-clock limit after which
	// all outstanding node workers are cancelled and their sessions torn down.
	RunDeadline time.Duration

	// EventBuffer sizes the event bus channel.
	EventBuffer int

	// MaxParallel caps concurrent node workers in parallel mode. Zero means
	// one worker per node with no cap.
	MaxParallel int
}

// Dependencies are the collaborators an orchestrator is constructed with.
// Resolver, Records and Incidents are optional; Dialer is required.
type Dependencies struct {
	Dialer    transport.Dialer
	Resolver  NodeResolver
	Analyzer  OutputAnalyzer
	Records   RecordSink
	Incidents IncidentSink
}

// Orchestrator translates a plan's execution mode into a worker topology,
// multiplexes worker events into a single ordered stream, and guarantees
// termination.
type Orchestrator struct {
	logger *zap.Logger
	cfg    Config
	deps   Dependencies

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an orchestrator with its collaborators passed in explicitly.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Dialer == nil {
		return nil, errors.New("orchestrator requires a transport dialer")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = transport.DefaultCommandTimeout
	}
	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		cfg:     cfg,
		deps:    deps,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Run is a live handle on one execution. Events carries the ordered
// timeline as it is observed and is closed after the terminal event. The
// caller must drain Events (or cancel the execution's context); the
// consumer loop applies no backpressure to workers but does block on an
// abandoned stream.
type Run struct {
	ID     string
	Events <-chan model.TimelineEvent

	done   chan struct{}
	record *model.ExecutionRecord
	err    error
}

// Record blocks until the run finishes and returns the finalized execution
// record. A run rejected at validation has no record and returns the
// validation error.
func (r *Run) Record() (*model.ExecutionRecord, error) {
	<-r.done
	return r.record, r.err
}

// Execute starts a manually triggered run.
func (o *Orchestrator) Execute(ctx context.Context, plan *model.Plan) *Run {
	return o.ExecuteTriggered(ctx, plan, "manual")
}

// ExecuteTriggered starts a run attributed to the given trigger. The
// returned Run's event channel streams the timeline live; the finalized
// record is handed to the record sink and available via Run.Record.
func (o *Orchestrator) ExecuteTriggered(ctx context.Context, plan *model.Plan, triggeredBy string) *Run {
	out := make(chan model.TimelineEvent, 16)
	run := &Run{Events: out, done: make(chan struct{})}

	if err := ValidatePlan(plan); err != nil {
		o.logger.Warn("Rejecting invalid plan", zap.Error(err))
		run.err = err
		out <- model.TimelineEvent{
			Kind:    model.EventError,
			Message: fmt.Sprintf("execution could not start: %v", err),
		}
		close(out)
		close(run.done)
		return run
	}

	builder := newRecordBuilder(plan, triggeredBy)
	run.ID = builder.record.ID

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if o.cfg.RunDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunDeadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	o.register(run.ID, cancel)

	bus := newEventBus(o.cfg.EventBuffer)
	outcomes := make(chan model.NodeOutcome, len(plan.Nodes))

	worker := &nodeWorker{
		logger:         o.logger.Named("worker"),
		dialer:         o.deps.Dialer,
		resolver:       o.deps.Resolver,
		analyzer:       o.deps.Analyzer,
		bus:            bus,
		commandTimeout: o.cfg.CommandTimeout,
	}

	o.logger.Info("Starting execution",
		zap.String("execution_id", run.ID),
		zap.String("mode", string(plan.Mode)),
		zap.Int("nodes", len(plan.Nodes)),
		zap.Int("commands", len(plan.Commands)))

	var wg sync.WaitGroup
	if plan.Mode == model.ModeParallel {
		var sem chan struct{}
		if o.cfg.MaxParallel > 0 {
			sem = make(chan struct{}, o.cfg.MaxParallel)
		}
		for _, node := range plan.Nodes {
			wg.Add(1)
			go func(target model.NodeTarget) {
				defer wg.Done()
				if sem != nil {
					sem <- struct{}{}
					defer func() { <-sem }()
				}
				outcomes <- worker.run(runCtx, target, plan.Commands, plan.Condition)
			}(node)
		}
	} else {
		// Sequential: one logical worker visits nodes in list order,
		// finishing each node's state machine before the next.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, target := range plan.Nodes {
				outcomes <- worker.run(runCtx, target, plan.Commands, plan.Condition)
			}
		}()
	}

	// Close the bus only once every worker has signalled completion.
	// Ranging over the closed channel then drains any events produced
	// between the last receive and worker exit, so a fast node's final
	// events are never lost.
	go func() {
		wg.Wait()
		close(outcomes)
		bus.close()
	}()

	go o.consume(runCtx, run, builder, bus, outcomes, out, cancel)

	return run
}

// consume is the orchestrator's single consumer loop: it orders events,
// hands incidents to the sink, forwards the stream to the caller, and
// finalizes the record when all workers are done.
func (o *Orchestrator) consume(
	runCtx context.Context,
	run *Run,
	builder *recordBuilder,
	bus *eventBus,
	outcomes <-chan model.NodeOutcome,
	out chan<- model.TimelineEvent,
	cancel context.CancelFunc,
) {
	defer cancel()
	defer o.unregister(run.ID)

	builder.record.HostLoad = sampleHostLoad(o.logger)

	stopped := false
	forward := func(ev model.TimelineEvent) {
		if stopped {
			return
		}
		select {
		case out <- ev:
		case <-runCtx.Done():
			// The caller is gone or the run was cancelled. The timeline
			// is still collected for persistence.
			stopped = true
		}
	}

	for ev := range bus.events() {
		builder.append(ev)
		if ev.Kind == model.EventIncident && o.deps.Incidents != nil {
			incident := incidentFromEvent(run.ID, ev)
			if err := o.deps.Incidents.PublishIncident(context.Background(), incident); err != nil {
				o.logger.Error("Failed to publish incident",
					zap.String("execution_id", run.ID),
					zap.String("node", incident.Node),
					zap.Error(err))
			}
		}
		forward(ev)
	}

	for outcome := range outcomes {
		builder.addOutcome(outcome)
	}

	status := classify(builder.record.Outcomes)
	if errors.Is(runCtx.Err(), context.Canceled) {
		status = model.ExecutionStatusCancelled
	}

	complete := model.TimelineEvent{Kind: model.EventComplete, Message: narrateComplete()}
	builder.append(complete)
	forward(complete)
	close(out)

	record := builder.finalize(status)
	run.record = record

	if o.deps.Records != nil {
		if err := o.deps.Records.SaveExecution(context.Background(), record); err != nil {
			o.logger.Error("Failed to persist execution record",
				zap.String("execution_id", record.ID),
				zap.Error(err))
		}
	}

	o.logger.Info("Execution finished",
		zap.String("execution_id", record.ID),
		zap.String("status", string(record.OverallStatus)),
		zap.Int("events", len(record.Timeline)))

	close(run.done)
}

// Cancel aborts a running execution. Outstanding node workers are cancelled
// and their sessions released; the partial timeline is preserved.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	cancel, ok := o.running[executionID]
	o.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	cancel()
	return nil
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}
