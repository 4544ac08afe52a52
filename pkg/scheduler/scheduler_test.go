package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/lucid-vigil/threatcore/pkg/config"
)

// MockTask is a mock implementation of the Task interface.
type MockTask struct {
	mock.Mock
}

func (m *MockTask) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockTask) Tick(ctx context.Context, now time.Time) {
	m.Called(ctx, now)
}

func TestScheduler_RegisterTask(t *testing.T) {
	sched := NewScheduler(&config.Config{}, zerolog.Nop())

	task := new(MockTask)
	task.On("Name").Return("test_task")

	sched.RegisterTask(task)

	assert.Len(t, sched.tasks, 1)
	assert.Equal(t, task, sched.tasks[0])
	task.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	cfg := &config.Config{
		Tasks: []config.TaskConfig{
			{Name: "task_enabled", Enabled: true, Interval: "100ms"},
			{Name: "task_disabled", Enabled: false, Interval: "100ms"},
			{Name: "task_invalid_interval", Enabled: true, Interval: "invalid"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sched := NewScheduler(cfg, zerolog.Nop())
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return fixed })

	enabledTask := new(MockTask)
	enabledTask.On("Name").Return("task_enabled")

	// one immediate run plus two ticks
	expectedCalls := int32(3)
	var calls int32
	var wg sync.WaitGroup
	wg.Add(int(expectedCalls))
	enabledTask.On("Tick", mock.Anything, fixed).Run(func(args mock.Arguments) {
		if atomic.AddInt32(&calls, 1) <= expectedCalls {
			wg.Done()
		}
	}).Return()
	sched.RegisterTask(enabledTask)

	disabledTask := new(MockTask)
	disabledTask.On("Name").Return("task_disabled")
	sched.RegisterTask(disabledTask)

	invalidIntervalTask := new(MockTask)
	invalidIntervalTask.On("Name").Return("task_invalid_interval")
	sched.RegisterTask(invalidIntervalTask)

	unconfiguredTask := new(MockTask)
	unconfiguredTask.On("Name").Return("task_unconfigured")
	sched.RegisterTask(unconfiguredTask)

	sched.Start(ctx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("enabled task was not ticked in time")
	}
	cancel()
	sched.Wait()

	enabledTask.AssertExpectations(t)
	disabledTask.AssertNotCalled(t, "Tick", mock.Anything, mock.Anything)
	invalidIntervalTask.AssertNotCalled(t, "Tick", mock.Anything, mock.Anything)
	unconfiguredTask.AssertNotCalled(t, "Tick", mock.Anything, mock.Anything)
}

func TestScheduler_Shutdown(t *testing.T) {
	cfg := &config.Config{
		Tasks: []config.TaskConfig{
			{Name: "shutdown_task", Enabled: true, Interval: "100ms"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(cfg, zerolog.Nop())

	task := new(MockTask)
	task.On("Name").Return("shutdown_task")
	var once sync.Once
	ran := make(chan struct{})
	task.On("Tick", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		once.Do(func() { close(ran) })
	}).Return()
	sched.RegisterTask(task)

	sched.Start(ctx)
	<-ran
	cancel()

	stopped := make(chan struct{})
	go func() {
		sched.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	task.AssertExpectations(t)
}

type panickingTask struct {
	mu    sync.Mutex
	calls int
}

func (p *panickingTask) Name() string { return "panicky" }

func (p *panickingTask) Tick(ctx context.Context, now time.Time) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	panic("boom")
}

func (p *panickingTask) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestScheduler_RecoversFromPanickingTask(t *testing.T) {
	cfg := &config.Config{Tasks: []config.TaskConfig{{Name: "panicky", Enabled: true, Interval: "20ms"}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(cfg, zerolog.Nop())
	task := &panickingTask{}
	sched.RegisterTask(task)
	sched.Start(ctx)

	assert.Eventually(t, func() bool { return task.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	sched.Wait()
}
