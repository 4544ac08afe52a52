// pkg/testing/task_test_framework.go
package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lucid-vigil/threatcore/pkg/scheduler"
)

// StatsReporter is implemented by tasks exposing counters.
type StatsReporter interface {
	Stats() map[string]interface{}
}

// TaskTestSuite runs the checks every scheduled engine must pass
type TaskTestSuite struct {
	t           *testing.T
	task        scheduler.Task
	now         time.Time
	testTimeout time.Duration
}

// NewTaskTestSuite creates a new test suite
func NewTaskTestSuite(t *testing.T, task scheduler.Task) *TaskTestSuite {
	return &TaskTestSuite{
		t:           t,
		task:        task,
		now:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		testTimeout: 10 * time.Second,
	}
}

// WithClock sets the time passed to Tick
func (tts *TaskTestSuite) WithClock(now time.Time) *TaskTestSuite {
	tts.now = now
	return tts
}

// WithTimeout sets test timeout
func (tts *TaskTestSuite) WithTimeout(timeout time.Duration) *TaskTestSuite {
	tts.testTimeout = timeout
	return tts
}

// RunBasicTests executes standard task tests
func (tts *TaskTestSuite) RunBasicTests() {
	tts.t.Run("TestTaskName", tts.testTaskName)
	tts.t.Run("TestTaskTick", tts.testTaskTick)
	tts.t.Run("TestTaskCancelledContext", tts.testTaskCancelledContext)
}

// RunConcurrencyTests ticks the task from several goroutines while
// reading its stats.
func (tts *TaskTestSuite) RunConcurrencyTests() {
	tts.t.Run("TestTaskConcurrency", tts.testTaskConcurrency)
}

func (tts *TaskTestSuite) testTaskName(t *testing.T) {
	name := tts.task.Name()
	assert.NotEmpty(t, name, "Task name should not be empty")
	assert.False(t, strings.ContainsAny(name, " -"), "Task name should be snake_case")
}

func (tts *TaskTestSuite) testTaskTick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), tts.testTimeout)
	defer cancel()

	assert.NotPanics(t, func() {
		tts.task.Tick(ctx, tts.now)
	}, "Task Tick should not panic")
}

func (tts *TaskTestSuite) testTaskCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.NotPanics(t, func() {
		tts.task.Tick(ctx, tts.now.Add(time.Minute))
	})
	assert.Less(t, time.Since(start), tts.testTimeout, "Task should return promptly on a cancelled context")
}

func (tts *TaskTestSuite) testTaskConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), tts.testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errors := make(chan error, 10)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errors <- fmt.Errorf("panic: %v", r)
				}
			}()
			tts.task.Tick(ctx, tts.now.Add(time.Duration(i)*time.Second))
		}(i)
	}

	if reporter, ok := tts.task.(StatsReporter); ok {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						errors <- fmt.Errorf("panic reading stats: %v", r)
					}
				}()
				_ = reporter.Stats()
			}()
		}
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		assert.NoError(t, err, "Concurrent task execution should not error")
	}
}

// LogCapture is an io.Writer collecting zerolog lines for assertions.
type LogCapture struct {
	mu   sync.Mutex
	logs []string
}

func (lc *LogCapture) Write(p []byte) (n int, err error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.logs = append(lc.logs, string(p))
	return len(p), nil
}

// GetLogs returns a copy of the captured lines.
func (lc *LogCapture) GetLogs() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	result := make([]string, len(lc.logs))
	copy(result, lc.logs)
	return result
}

// Contains reports whether any captured line contains substr.
func (lc *LogCapture) Contains(substr string) bool {
	for _, line := range lc.GetLogs() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
