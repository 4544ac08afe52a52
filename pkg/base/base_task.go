package base

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BaseTask carries the bookkeeping shared by every periodically ticked
// component: name, component logger, last run time, last error and a small
// map of counters exposed through Stats.
type BaseTask struct {
	name      string
	lastRun   time.Time
	lastError error
	runs      int64
	stats     map[string]interface{}
	logger    zerolog.Logger
	mu        sync.Mutex
}

// NewBaseTask creates a BaseTask whose logger is tagged with the component name.
func NewBaseTask(name string, logger zerolog.Logger) *BaseTask {
	return &BaseTask{
		name:   name,
		logger: logger.With().Str("component", name).Logger(),
		stats:  make(map[string]interface{}),
	}
}

// Name returns the task's name.
func (b *BaseTask) Name() string {
	return b.name
}

// Logger returns the component logger.
func (b *BaseTask) Logger() *zerolog.Logger {
	return &b.logger
}

// RecordRun marks the end of a cycle at now with its (possibly nil) error.
func (b *BaseTask) RecordRun(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = now
	b.lastError = err
	b.runs++
}

// LastRun returns the time of the last completed cycle.
func (b *BaseTask) LastRun() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

// LastError returns the error of the last completed cycle.
func (b *BaseTask) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// Runs returns the number of completed cycles.
func (b *BaseTask) Runs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// UpdateStat sets a named counter or gauge.
func (b *BaseTask) UpdateStat(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats[key] = value
}

// IncStat adds delta to an integer stat, creating it when missing.
func (b *BaseTask) IncStat(key string, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, _ := b.stats[key].(int64)
	b.stats[key] = current + delta
}

// BaseStats returns a copy of the stats map including run bookkeeping.
func (b *BaseTask) BaseStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	dest := make(map[string]interface{}, len(b.stats)+3)
	for k, v := range b.stats {
		dest[k] = v
	}
	dest["runs"] = b.runs
	if !b.lastRun.IsZero() {
		dest["last_run"] = b.lastRun
	}
	if b.lastError != nil {
		dest["last_error"] = b.lastError.Error()
	}
	return dest
}
