package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
)

// ErrScheduleNotFound is returned when a schedule ID is unknown
var ErrScheduleNotFound = errors.New("schedule not found")

// TriggerFunc starts an execution for a schedule that has fired. The
// scheduler does not wait for the run to finish.
type TriggerFunc func(ctx context.Context, schedule *model.RunbookSchedule)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// RunbookScheduler fires stored plans on cron expressions. Adding a
// schedule with an existing ID replaces it.
type RunbookScheduler struct {
	logger    *zap.Logger
	cron      *cron.Cron
	trigger   TriggerFunc
	schedules sync.Map
	entryIDs  sync.Map
}

// NewRunbookScheduler creates a scheduler that invokes trigger on every fire.
func NewRunbookScheduler(trigger TriggerFunc, logger *zap.Logger) *RunbookScheduler {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &RunbookScheduler{
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cron.WithChain(cron.Recover(cl))),
		trigger: trigger,
	}
}

// Start starts the scheduler
func (s *RunbookScheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop stops the scheduler and waits for in-flight jobs
func (s *RunbookScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Add registers a schedule and returns its ID.
func (s *RunbookScheduler) Add(schedule *model.RunbookSchedule) (string, error) {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}
	schedule.UpdatedAt = time.Now().UTC()

	// Replace semantics: an existing entry for this ID is dropped first.
	if existing, ok := s.entryIDs.Load(schedule.ID); ok {
		s.cron.Remove(existing.(cron.EntryID))
	}

	id := schedule.ID
	entryID, err := s.cron.AddFunc(schedule.Expression, func() {
		s.fire(id)
	})
	if err != nil {
		return "", fmt.Errorf("invalid schedule expression %q: %w", schedule.Expression, err)
	}

	next := s.cron.Entry(entryID).Next
	if !next.IsZero() {
		schedule.NextRunAt = &next
	}

	s.schedules.Store(schedule.ID, schedule)
	s.entryIDs.Store(schedule.ID, entryID)

	s.logger.Info("Schedule added",
		zap.String("schedule_id", schedule.ID),
		zap.String("runbook", schedule.RunbookName),
		zap.String("expression", schedule.Expression))
	return schedule.ID, nil
}

func (s *RunbookScheduler) fire(id string) {
	value, ok := s.schedules.Load(id)
	if !ok {
		return
	}
	schedule := value.(*model.RunbookSchedule)

	now := time.Now().UTC()
	schedule.LastRunAt = &now
	if entry, ok := s.entryIDs.Load(id); ok {
		next := s.cron.Entry(entry.(cron.EntryID)).Next
		if !next.IsZero() {
			schedule.NextRunAt = &next
		}
	}

	s.logger.Info("Schedule fired",
		zap.String("schedule_id", schedule.ID),
		zap.String("runbook", schedule.RunbookName))

	s.trigger(context.Background(), schedule)
}

// Remove deletes a schedule.
func (s *RunbookScheduler) Remove(id string) error {
	entry, ok := s.entryIDs.Load(id)
	if !ok {
		return ErrScheduleNotFound
	}
	s.cron.Remove(entry.(cron.EntryID))
	s.entryIDs.Delete(id)
	s.schedules.Delete(id)
	s.logger.Info("Schedule removed", zap.String("schedule_id", id))
	return nil
}

// Get returns a schedule by ID.
func (s *RunbookScheduler) Get(id string) (*model.RunbookSchedule, error) {
	value, ok := s.schedules.Load(id)
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return value.(*model.RunbookSchedule), nil
}

// List returns all registered schedules.
func (s *RunbookScheduler) List() []*model.RunbookSchedule {
	var schedules []*model.RunbookSchedule
	s.schedules.Range(func(_, value interface{}) bool {
		schedules = append(schedules, value.(*model.RunbookSchedule))
		return true
	})
	return schedules
}
