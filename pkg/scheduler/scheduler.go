package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/config"
)

// Task defines the interface for any engine cycle that can be scheduled.
type Task interface {
	Name() string
	Tick(ctx context.Context, now time.Time)
}

// Scheduler manages the registration and execution of periodic tasks.
type Scheduler struct {
	tasks  []Task
	config *config.Config
	logger zerolog.Logger
	clock  func() time.Time
	wg     sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		clock:  time.Now,
	}
}

// SetClock replaces the time passed to each tick.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

// RegisterTask adds a task to the scheduler's list.
func (s *Scheduler) RegisterTask(t Task) {
	s.tasks = append(s.tasks, t)
	s.logger.Info().Msgf("Task '%s' registered.", t.Name())
}

// Start launches all enabled tasks with their configured intervals. Each
// task runs on its own goroutine until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("Scheduler starting...")

	for _, task := range s.tasks {
		taskConfig := s.config.GetTaskConfig(task.Name())
		if taskConfig == nil || !taskConfig.Enabled {
			s.logger.Info().Msgf("Task '%s' is disabled or not configured, skipping.", task.Name())
			continue
		}

		duration, err := time.ParseDuration(taskConfig.Interval)
		if err != nil || duration <= 0 {
			s.logger.Error().Err(err).Msgf("Invalid interval for task '%s', skipping.", task.Name())
			continue
		}

		s.logger.Info().Msgf("Starting task '%s' with interval %s", task.Name(), duration)
		s.wg.Add(1)
		go s.runTask(ctx, task, duration)
	}

	s.logger.Info().Msg("All configured tasks started.")
}

// Wait blocks until every started task has observed cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task, interval time.Duration) {
	defer s.wg.Done()

	// Run immediately on start
	s.logger.Debug().Msgf("Running task '%s' for the first time.", t.Name())
	s.tick(ctx, t)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Debug().Msgf("Running task '%s'.", t.Name())
			s.tick(ctx, t)
		case <-ctx.Done():
			s.logger.Info().Msgf("Task '%s' received shutdown signal.", t.Name())
			return
		}
	}
}

// tick runs one cycle, keeping the loop alive if the task panics.
func (s *Scheduler) tick(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msgf("Task '%s' panicked.", t.Name())
		}
	}()
	t.Tick(ctx, s.clock())
}
