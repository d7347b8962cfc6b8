package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
	"github.com/runbookd/runbookd/internal/transport"
)

// stubSession returns canned output instantly, or blocks until the context
// is cancelled when block is set.
type stubSession struct {
	node   string
	runErr error
	block  bool
}

func (s *stubSession) Run(ctx context.Context, command string, timeout time.Duration) (*transport.CommandResult, error) {
	if s.block {
		<-ctx.Done()
		return nil, &transport.ConnectError{Node: s.node, Err: ctx.Err()}
	}
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &transport.CommandResult{
		ExitCode: 0,
		Stdout:   fmt.Sprintf("output of %s on %s", command, s.node),
	}, nil
}

func (s *stubSession) Close() error { return nil }

// stubDialer hands out stub sessions and records every dial. Dials for
// nodes listed in dialErrs fail instead.
type stubDialer struct {
	mu       sync.Mutex
	dialErrs map[string]error
	runErrs  map[string]error
	block    bool
	dialed   chan string
}

func (d *stubDialer) OpenSession(ctx context.Context, target model.NodeTarget, credential string) (transport.Session, error) {
	if d.dialed != nil {
		d.dialed <- target.Name
	}
	d.mu.Lock()
	dialErr := d.dialErrs[target.Name]
	runErr := d.runErrs[target.Name]
	d.mu.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}
	return &stubSession{node: target.Name, runErr: runErr, block: d.block}, nil
}

// stubAnalyzer returns a fixed result, a fixed error, or panics.
type stubAnalyzer struct {
	result *model.AnalysisResult
	err    error
	panics bool
}

func (a *stubAnalyzer) AnalyzeOutput(ctx context.Context, output, hint, condition string) (*model.AnalysisResult, error) {
	if a.panics {
		panic("analyzer exploded")
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.result == nil {
		return &model.AnalysisResult{
			ExtractedValue: "42%",
			ConditionMet:   false,
			Summary:        "within normal range",
			Severity:       model.SeverityInfo,
		}, nil
	}
	copied := *a.result
	return &copied, nil
}

// memorySinks captures persisted records and incidents in memory.
type memorySinks struct {
	mu        sync.Mutex
	records   []*model.ExecutionRecord
	incidents []*model.Incident
}

func (m *memorySinks) SaveExecution(ctx context.Context, record *model.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memorySinks) PublishIncident(ctx context.Context, incident *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, incident)
	return nil
}

func newTestOrchestrator(t *testing.T, cfg Config, deps Dependencies) *Orchestrator {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	if deps.Dialer == nil {
		deps.Dialer = &stubDialer{}
	}
	if deps.Analyzer == nil {
		deps.Analyzer = &stubAnalyzer{}
	}
	orch, err := New(cfg, deps, logger)
	require.NoError(t, err)
	return orch
}

func testPlan(mode model.ExecutionMode, commands int, nodes ...string) *model.Plan {
	plan := &model.Plan{
		RunbookName: "disk-health",
		Mode:        mode,
		Condition:   "alert if usage exceeds 90%",
	}
	for _, name := range nodes {
		plan.Nodes = append(plan.Nodes, model.NodeTarget{
			Name:             name,
			Host:             name + ".internal",
			Username:         "ops",
			InlineCredential: "secret",
		})
	}
	for i := 0; i < commands; i++ {
		plan.Commands = append(plan.Commands, model.CommandSpec{
			Text:         fmt.Sprintf("df -h /vol%d", i),
			SuccessLogic: "usage below 90%",
		})
	}
	return plan
}

func collectEvents(t *testing.T, run *Run) []model.TimelineEvent {
	t.Helper()
	var events []model.TimelineEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func countSteps(events []model.TimelineEvent, step model.StepName) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == model.EventStep && ev.Step == step {
			n++
		}
	}
	return n
}

func countKind(events []model.TimelineEvent, kind model.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func nodeEvents(events []model.TimelineEvent, node string) []model.TimelineEvent {
	var filtered []model.TimelineEvent
	for _, ev := range events {
		if ev.Node == node {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

func TestOrchestrator_ParallelExecution(t *testing.T) {
	sinks := &memorySinks{}
	orch := newTestOrchestrator(t, Config{}, Dependencies{
		Records: sinks,
	})

	plan := testPlan(model.ModeParallel, 2, "web-1", "web-2")
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	record, err := run.Record()
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusSuccess, record.OverallStatus)
	require.NotNil(t, record.CompletedAt)

	// Every node runs the full state machine for every command.
	assert.Equal(t, 2, countSteps(events, model.StepConnecting))
	assert.Equal(t, 2, countSteps(events, model.StepConnected))
	assert.Equal(t, 4, countSteps(events, model.StepExecuting))
	assert.Equal(t, 4, countSteps(events, model.StepOutputReceived))
	assert.Equal(t, 4, countSteps(events, model.StepAnalyzing))
	assert.Equal(t, 4, countSteps(events, model.StepConditionNotMet))
	assert.Equal(t, 1, countKind(events, model.EventComplete))
	assert.Equal(t, 0, countKind(events, model.EventError))

	// Per-node relative order is preserved through the merge.
	for _, node := range []string{"web-1", "web-2"} {
		ordered := nodeEvents(events, node)
		require.NotEmpty(t, ordered)
		assert.Equal(t, model.StepConnecting, ordered[0].Step)
		assert.Equal(t, model.StepConnected, ordered[1].Step)
		assert.Equal(t, model.StepExecuting, ordered[2].Step)
	}

	// The single terminal event closes the stream.
	assert.Equal(t, model.EventComplete, events[len(events)-1].Kind)

	// Two done outcomes, record persisted once.
	require.Len(t, record.Outcomes, 2)
	for _, outcome := range record.Outcomes {
		assert.Equal(t, model.NodeStatusDone, outcome.Status)
	}
	require.Len(t, sinks.records, 1)
	assert.Equal(t, run.ID, sinks.records[0].ID)
}

func TestOrchestrator_SequentialOrdering(t *testing.T) {
	orch := newTestOrchestrator(t, Config{}, Dependencies{})

	plan := testPlan(model.ModeSequential, 2, "db-1", "db-2")
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	_, err := run.Record()
	require.NoError(t, err)

	// All of db-1's events come before any of db-2's.
	lastFirst, firstSecond := -1, -1
	for i, ev := range events {
		if ev.Node == "db-1" {
			lastFirst = i
		}
		if ev.Node == "db-2" && firstSecond == -1 {
			firstSecond = i
		}
	}
	require.NotEqual(t, -1, lastFirst)
	require.NotEqual(t, -1, firstSecond)
	assert.Less(t, lastFirst, firstSecond,
		"sequential mode must finish one node before starting the next")
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	dialer := &stubDialer{
		dialErrs: map[string]error{
			"web-2": errors.New("connection refused"),
		},
	}
	sinks := &memorySinks{}
	orch := newTestOrchestrator(t, Config{}, Dependencies{
		Dialer:  dialer,
		Records: sinks,
	})

	plan := testPlan(model.ModeParallel, 1, "web-1", "web-2")
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	record, err := run.Record()
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPartial, record.OverallStatus)

	// The unreachable node gets connecting plus one error event, nothing else.
	failed := nodeEvents(events, "web-2")
	require.Len(t, failed, 2)
	assert.Equal(t, model.StepConnecting, failed[0].Step)
	assert.Equal(t, model.EventError, failed[1].Kind)
	assert.Contains(t, failed[1].Message, "Execution failed on web-2")
	assert.Contains(t, failed[1].Message, "connection refused")

	// The healthy node runs its full sequence regardless.
	healthy := nodeEvents(events, "web-1")
	assert.Equal(t, 6, len(healthy))

	require.Len(t, record.Outcomes, 2)
	byNode := map[string]model.NodeOutcome{}
	for _, outcome := range record.Outcomes {
		byNode[outcome.Node] = outcome
	}
	assert.Equal(t, model.NodeStatusDone, byNode["web-1"].Status)
	assert.Equal(t, model.NodeStatusFailed, byNode["web-2"].Status)
	assert.Contains(t, byNode["web-2"].Error, "connection refused")
}

func TestOrchestrator_AllNodesFailed(t *testing.T) {
	dialer := &stubDialer{
		dialErrs: map[string]error{
			"web-1": errors.New("no route to host"),
			"web-2": errors.New("no route to host"),
		},
	}
	orch := newTestOrchestrator(t, Config{}, Dependencies{Dialer: dialer})

	plan := testPlan(model.ModeParallel, 1, "web-1", "web-2")
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	record, err := run.Record()
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, record.OverallStatus)
	assert.Equal(t, 2, countKind(events, model.EventError))
	assert.Equal(t, 1, countKind(events, model.EventComplete))
}

func TestOrchestrator_AnalyzerDegraded(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *stubAnalyzer
	}{
		{"returns error", &stubAnalyzer{err: errors.New("analysis service unavailable")}},
		{"panics", &stubAnalyzer{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sinks := &memorySinks{}
			orch := newTestOrchestrator(t, Config{}, Dependencies{
				Analyzer:  tt.analyzer,
				Incidents: sinks,
			})

			plan := testPlan(model.ModeSequential, 1, "web-1")
			run := orch.Execute(context.Background(), plan)
			events := collectEvents(t, run)

			record, err := run.Record()
			require.NoError(t, err)

			// Analysis failure degrades locally and never fails the node.
			assert.Equal(t, model.ExecutionStatusSuccess, record.OverallStatus)
			assert.Equal(t, 0, countKind(events, model.EventError))
			assert.Equal(t, 0, countKind(events, model.EventIncident))
			assert.Empty(t, sinks.incidents)

			require.Equal(t, 1, countSteps(events, model.StepConditionNotMet))
			for _, ev := range events {
				if ev.Step == model.StepConditionNotMet {
					assert.Contains(t, ev.Message, "analysis unavailable")
				}
			}
		})
	}
}

func TestOrchestrator_IncidentEmission(t *testing.T) {
	analyzer := &stubAnalyzer{
		result: &model.AnalysisResult{
			ExtractedValue: "97%",
			ConditionMet:   true,
			Summary:        "disk usage at 97%",
			Severity:       model.SeverityCritical,
		},
	}
	sinks := &memorySinks{}
	orch := newTestOrchestrator(t, Config{}, Dependencies{
		Analyzer:  analyzer,
		Records:   sinks,
		Incidents: sinks,
	})

	plan := testPlan(model.ModeSequential, 1, "web-1")
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	record, err := run.Record()
	require.NoError(t, err)

	// Condition met is a warning step, not a failure.
	assert.Equal(t, model.ExecutionStatusSuccess, record.OverallStatus)
	require.Equal(t, 1, countSteps(events, model.StepConditionMet))
	require.Equal(t, 1, countKind(events, model.EventIncident))

	var incidentEv model.TimelineEvent
	for _, ev := range events {
		if ev.Kind == model.EventIncident {
			incidentEv = ev
		}
	}
	assert.Equal(t, "web-1", incidentEv.Node)
	assert.Equal(t, model.SeverityCritical, incidentEv.Severity)
	assert.Contains(t, incidentEv.Message, "disk usage at 97%")
	require.NotNil(t, incidentEv.Details)
	assert.Equal(t, "97%", incidentEv.Details.ExtractedValue)

	// The sink received the durable incident tied to this execution.
	require.Len(t, sinks.incidents, 1)
	incident := sinks.incidents[0]
	assert.Equal(t, run.ID, incident.ExecutionID)
	assert.Equal(t, "web-1", incident.Node)
	assert.Equal(t, model.SeverityCritical, incident.Severity)
	assert.Equal(t, "disk usage at 97%", incident.Summary)
	assert.False(t, incident.RaisedAt.IsZero())
}

func TestOrchestrator_IncidentOrdering(t *testing.T) {
	// Only the second command trips the condition.
	calls := 0
	analyzer := analyzerFunc(func(ctx context.Context, output, hint, condition string) (*model.AnalysisResult, error) {
		calls++
		if calls == 2 {
			return &model.AnalysisResult{
				ExtractedValue: "95%",
				ConditionMet:   true,
				Summary:        "memory usage at 95%",
				Severity:       model.SeverityWarning,
			}, nil
		}
		return &model.AnalysisResult{Summary: "ok", Severity: model.SeverityInfo}, nil
	})
	orch := newTestOrchestrator(t, Config{}, Dependencies{Analyzer: analyzer})

	plan := testPlan(model.ModeSequential, 2, "web-1")
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	_, err := run.Record()
	require.NoError(t, err)

	secondAnalyzing, incidentIdx, completeIdx := -1, -1, -1
	analyzing := 0
	for i, ev := range events {
		switch {
		case ev.Step == model.StepAnalyzing:
			analyzing++
			if analyzing == 2 {
				secondAnalyzing = i
			}
		case ev.Kind == model.EventIncident:
			incidentIdx = i
		case ev.Kind == model.EventComplete:
			completeIdx = i
		}
	}
	require.NotEqual(t, -1, secondAnalyzing)
	require.NotEqual(t, -1, incidentIdx)
	require.NotEqual(t, -1, completeIdx)
	assert.Greater(t, incidentIdx, secondAnalyzing)
	assert.Less(t, incidentIdx, completeIdx)
}

// analyzerFunc adapts a function to the OutputAnalyzer interface.
type analyzerFunc func(ctx context.Context, output, hint, condition string) (*model.AnalysisResult, error)

func (f analyzerFunc) AnalyzeOutput(ctx context.Context, output, hint, condition string) (*model.AnalysisResult, error) {
	return f(ctx, output, hint, condition)
}

func TestOrchestrator_InvalidPlan(t *testing.T) {
	sinks := &memorySinks{}
	orch := newTestOrchestrator(t, Config{}, Dependencies{Records: sinks})

	plan := &model.Plan{
		Commands: []model.CommandSpec{{Text: "uptime"}},
	}
	run := orch.Execute(context.Background(), plan)
	events := collectEvents(t, run)

	// One error event, then the stream closes. No record is persisted.
	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Kind)
	assert.Contains(t, events[0].Message, "execution could not start")

	record, err := run.Record()
	require.ErrorIs(t, err, ErrNoNodes)
	assert.Nil(t, record)
	assert.Empty(t, sinks.records)
}

func TestOrchestrator_Cancel(t *testing.T) {
	dialer := &stubDialer{
		block:  true,
		dialed: make(chan string, 2),
	}
	sinks := &memorySinks{}
	orch := newTestOrchestrator(t, Config{}, Dependencies{
		Dialer:  dialer,
		Records: sinks,
	})

	plan := testPlan(model.ModeParallel, 1, "web-1", "web-2")
	run := orch.Execute(context.Background(), plan)

	// Wait until both workers hold sessions, then cancel.
	for i := 0; i < 2; i++ {
		select {
		case <-dialer.dialed:
		case <-time.After(5 * time.Second):
			t.Fatal("workers never dialed")
		}
	}
	require.NoError(t, orch.Cancel(run.ID))
	collectEvents(t, run)

	record, err := run.Record()
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, record.OverallStatus)

	// The partial timeline survives cancellation.
	assert.GreaterOrEqual(t, countSteps(record.Timeline, model.StepConnecting), 2)
	require.Len(t, sinks.records, 1)

	// A finished execution can no longer be cancelled.
	assert.ErrorIs(t, orch.Cancel(run.ID), ErrExecutionNotFound)
}

func TestOrchestrator_MaxParallel(t *testing.T) {
	dialer := &stubDialer{dialed: make(chan string, 4)}
	orch := newTestOrchestrator(t, Config{MaxParallel: 1}, Dependencies{Dialer: dialer})

	plan := testPlan(model.ModeParallel, 1, "a", "b", "c", "d")
	run := orch.Execute(context.Background(), plan)
	collectEvents(t, run)

	record, err := run.Record()
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusSuccess, record.OverallStatus)
	require.Len(t, record.Outcomes, 4)
}

func TestOrchestrator_Deterministic(t *testing.T) {
	orch := newTestOrchestrator(t, Config{}, Dependencies{})
	plan := testPlan(model.ModeSequential, 2, "web-1", "web-2")

	kinds := func() []string {
		run := orch.Execute(context.Background(), plan)
		events := collectEvents(t, run)
		_, err := run.Record()
		require.NoError(t, err)
		var seq []string
		for _, ev := range events {
			seq = append(seq, string(ev.Kind)+"/"+string(ev.Step))
		}
		return seq
	}

	// Two runs of the same plan against deterministic stubs observe the
	// same event kinds in the same order.
	assert.Equal(t, kinds(), kinds())
}

func TestValidatePlan(t *testing.T) {
	valid := testPlan(model.ModeParallel, 1, "web-1")

	tests := []struct {
		name    string
		mutate  func(*model.Plan)
		wantErr error
	}{
		{"valid", func(p *model.Plan) {}, nil},
		{"default mode", func(p *model.Plan) { p.Mode = "" }, nil},
		{"no nodes", func(p *model.Plan) { p.Nodes = nil }, ErrNoNodes},
		{"no commands", func(p *model.Plan) { p.Commands = nil }, ErrNoCommands},
		{"blank command", func(p *model.Plan) { p.Commands[0].Text = "   " }, ErrEmptyCommand},
		{"anonymous node", func(p *model.Plan) { p.Nodes[0].Name, p.Nodes[0].Host = "", "" }, ErrMissingHost},
		{"unknown mode", func(p *model.Plan) { p.Mode = "round-robin" }, ErrUnknownMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := testPlan(valid.Mode, 1, "web-1")
			tt.mutate(plan)
			err := ValidatePlan(plan)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("nil plan", func(t *testing.T) {
		assert.ErrorIs(t, ValidatePlan(nil), ErrNilPlan)
	})
}

func TestClassify(t *testing.T) {
	done := model.NodeOutcome{Node: "a", Status: model.NodeStatusDone}
	failed := model.NodeOutcome{Node: "b", Status: model.NodeStatusFailed}

	tests := []struct {
		name     string
		outcomes []model.NodeOutcome
		want     model.ExecutionStatus
	}{
		{"all done", []model.NodeOutcome{done, done}, model.ExecutionStatusSuccess},
		{"mixed", []model.NodeOutcome{done, failed}, model.ExecutionStatusPartial},
		{"all failed", []model.NodeOutcome{failed, failed}, model.ExecutionStatusFailed},
		{"empty", nil, model.ExecutionStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.outcomes))
		})
	}
}

func TestNarrateStep(t *testing.T) {
	assert.Equal(t, "Connecting to web-1...",
		narrateStep(model.StepConnecting, "web-1", "", ""))
	assert.Equal(t, "SSH connection established to web-1",
		narrateStep(model.StepConnected, "web-1", "", ""))
	assert.Equal(t, "Running command: df -h",
		narrateStep(model.StepExecuting, "web-1", "df -h", ""))
	assert.Equal(t, "Condition met: disk full",
		narrateStep(model.StepConditionMet, "web-1", "", "disk full"))
	assert.Equal(t, "Condition met: threshold exceeded",
		narrateStep(model.StepConditionMet, "web-1", "", ""))
	assert.Equal(t, "All clear: within normal range",
		narrateStep(model.StepConditionNotMet, "web-1", "", ""))
	assert.True(t, strings.HasPrefix(narrateIncident("cpu at 99%"), "Incident raised:"))
}
