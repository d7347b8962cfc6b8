package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
)

func testSchedule(expression string) *model.RunbookSchedule {
	return &model.RunbookSchedule{
		RunbookName: "disk-health",
		Expression:  expression,
		Plan: model.Plan{
			RunbookName: "disk-health",
			Nodes:       []model.NodeTarget{{Name: "web-1", Host: "web-1.internal"}},
			Commands:    []model.CommandSpec{{Text: "df -h"}},
			Mode:        model.ModeSequential,
		},
	}
}

func TestScheduler_AddAndFire(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	var fired atomic.Int32
	done := make(chan struct{}, 4)
	scheduler := NewRunbookScheduler(func(ctx context.Context, sched *model.RunbookSchedule) {
		assert.Equal(t, "disk-health", sched.RunbookName)
		fired.Add(1)
		done <- struct{}{}
	}, logger)
	scheduler.Start()
	defer scheduler.Stop()

	id, err := scheduler.Add(testSchedule("@every 100ms"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule never fired")
	}

	// Fire bookkeeping updated the schedule.
	sched, err := scheduler.Get(id)
	require.NoError(t, err)
	require.NotNil(t, sched.LastRunAt)
	require.NotNil(t, sched.NextRunAt)
	assert.GreaterOrEqual(t, fired.Load(), int32(1))
}

func TestScheduler_InvalidExpression(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	scheduler := NewRunbookScheduler(func(context.Context, *model.RunbookSchedule) {}, logger)

	_, err := scheduler.Add(testSchedule("every full moon"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule expression")
}

func TestScheduler_Replace(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	scheduler := NewRunbookScheduler(func(context.Context, *model.RunbookSchedule) {}, logger)
	scheduler.Start()
	defer scheduler.Stop()

	sched := testSchedule("0 * * * *")
	id, err := scheduler.Add(sched)
	require.NoError(t, err)

	// Re-adding with the same ID replaces the entry, not duplicates it.
	sched.Expression = "30 * * * *"
	replacedID, err := scheduler.Add(sched)
	require.NoError(t, err)
	assert.Equal(t, id, replacedID)
	assert.Len(t, scheduler.List(), 1)
}

func TestScheduler_RemoveAndGet(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	scheduler := NewRunbookScheduler(func(context.Context, *model.RunbookSchedule) {}, logger)
	scheduler.Start()
	defer scheduler.Stop()

	id, err := scheduler.Add(testSchedule("0 * * * *"))
	require.NoError(t, err)

	sched, err := scheduler.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "disk-health", sched.RunbookName)

	require.NoError(t, scheduler.Remove(id))
	_, err = scheduler.Get(id)
	require.ErrorIs(t, err, ErrScheduleNotFound)
	require.ErrorIs(t, scheduler.Remove(id), ErrScheduleNotFound)
	assert.Empty(t, scheduler.List())
}
