// pkg/events/event_bus.go
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/metrics"
)

// EventHandler consumes threat events from the bus. Categories returns the
// event types it subscribes to; an empty slice subscribes to every type.
type EventHandler interface {
	Handle(ctx context.Context, event ThreatEvent) error
	Categories() []Category
}

// EventBus fans threat events out from producers to the engines
type EventBus struct {
	handlers     map[Category][]EventHandler
	allHandlers  []EventHandler
	buffer       chan ThreatEvent
	logger       zerolog.Logger
	validator    *EventValidator
	deduplicator *EventDeduplicator
	prom         *metrics.Metrics
	now          func() time.Time
	mu           sync.RWMutex
	metrics      EventMetrics
	running      bool
	stopChannel  chan struct{}
	wg           sync.WaitGroup
}

type EventMetrics struct {
	EventsPublished   int64            `json:"events_published"`
	EventsProcessed   int64            `json:"events_processed"`
	EventsRejected    int64            `json:"events_rejected"`
	EventsDuplicate   int64            `json:"events_duplicate"`
	EventsDropped     int64            `json:"events_dropped"`
	EventsByType      map[string]int64 `json:"events_by_type"`
	EventsBySeverity  map[string]int64 `json:"events_by_severity"`
	HandlerErrors     int64            `json:"handler_errors"`
	AverageProcessing time.Duration    `json:"average_processing_time"`
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &EventBus{
		handlers:    make(map[Category][]EventHandler),
		buffer:      make(chan ThreatEvent, bufferSize),
		logger:      logger.With().Str("component", "event_bus").Logger(),
		now:         time.Now,
		stopChannel: make(chan struct{}),
		metrics: EventMetrics{
			EventsByType:     make(map[string]int64),
			EventsBySeverity: make(map[string]int64),
		},
	}
}

// SetValidator installs a validator run on every published event
func (eb *EventBus) SetValidator(v *EventValidator) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.validator = v
}

// SetDeduplicator installs a deduplicator run on every published event
func (eb *EventBus) SetDeduplicator(d *EventDeduplicator) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.deduplicator = d
}

// SetMetrics attaches Prometheus collectors
func (eb *EventBus) SetMetrics(m *metrics.Metrics) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.prom = m
}

// SetClock overrides the time source used to stamp events
func (eb *EventBus) SetClock(now func() time.Time) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.now = now
}

// Subscribe registers an event handler for its categories
func (eb *EventBus) Subscribe(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	categories := handler.Categories()
	if len(categories) == 0 {
		eb.allHandlers = append(eb.allHandlers, handler)
		eb.logger.Info().Msg("Handler subscribed to all event types")
		return
	}

	for _, category := range categories {
		eb.handlers[category] = append(eb.handlers[category], handler)
		eb.logger.Info().
			Str("event_type", string(category)).
			Msg("Handler subscribed to event type")
	}
}

// Publish validates, deduplicates and enqueues an event. The event is copied,
// so the caller may reuse its metadata map.
func (eb *EventBus) Publish(ctx context.Context, event ThreatEvent) error {
	eb.mu.RLock()
	validator, dedup, prom, now := eb.validator, eb.deduplicator, eb.prom, eb.now
	eb.mu.RUnlock()

	event = event.Clone()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}

	if validator != nil {
		if err := validator.ValidateEvent(&event); err != nil {
			eb.countDrop(func(m *EventMetrics) { m.EventsRejected++ })
			prom.ObserveDropped("invalid")
			eb.logger.Warn().
				Err(err).
				Str("event_id", event.ID).
				Str("device_id", event.DeviceID).
				Msg("Event rejected by validator")
			return err
		}
	}

	if dedup != nil && dedup.IsDuplicate(event, now()) {
		eb.countDrop(func(m *EventMetrics) { m.EventsDuplicate++ })
		prom.ObserveDropped("duplicate")
		eb.logger.Debug().
			Str("event_id", event.ID).
			Msg("Duplicate event dropped")
		return ErrDuplicateEvent
	}

	select {
	case eb.buffer <- event:
		eb.updateMetrics(event, true)
		prom.ObservePublished()
		eb.logger.Debug().
			Str("event_id", event.ID).
			Str("type", string(event.Category)).
			Str("device_id", event.DeviceID).
			Msg("Event published to bus")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		eb.countDrop(func(m *EventMetrics) { m.EventsDropped++ })
		prom.ObserveDropped("buffer_full")
		eb.logger.Error().
			Str("event_id", event.ID).
			Str("type", string(event.Category)).
			Msg("Event bus buffer full, dropping event")
		return ErrEventBusBufferFull
	}
}

// Start begins processing events from the buffer
func (eb *EventBus) Start(ctx context.Context) {
	eb.mu.Lock()
	if eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = true
	eb.mu.Unlock()

	eb.logger.Info().Msg("Event bus starting...")

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-eb.buffer:
				eb.processEvent(ctx, event)
			case <-ctx.Done():
				eb.logger.Info().Msg("Event bus shutting down due to context cancellation...")
				return
			case <-eb.stopChannel:
				eb.logger.Info().Msg("Event bus shutting down...")
				return
			}
		}
	}()
}

// Stop gracefully shuts down the event bus
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = false
	eb.mu.Unlock()

	close(eb.stopChannel)
	eb.wg.Wait()
	eb.logger.Info().Msg("Event bus stopped")
}

// Flush delivers every buffered event on the calling goroutine and returns
// how many were processed. It is meant for a bus that was never started.
func (eb *EventBus) Flush(ctx context.Context) int {
	n := 0
	for {
		select {
		case event := <-eb.buffer:
			eb.processEvent(ctx, event)
			n++
		default:
			return n
		}
	}
}

// processEvent delivers one event to every subscribed handler
func (eb *EventBus) processEvent(ctx context.Context, event ThreatEvent) {
	start := time.Now()

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Category])+len(eb.allHandlers))
	handlers = append(handlers, eb.handlers[event.Category]...)
	handlers = append(handlers, eb.allHandlers...)
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		eb.logger.Debug().
			Str("event_type", string(event.Category)).
			Msg("No handlers registered for event type")
		return
	}

	var wg sync.WaitGroup
	errorChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			// each handler gets its own copy
			if err := h.Handle(ctx, event.Clone()); err != nil {
				errorChan <- err
				eb.logger.Error().
					Err(err).
					Str("event_id", event.ID).
					Str("event_type", string(event.Category)).
					Msg("Handler error processing event")
			}
		}(handler)
	}

	wg.Wait()
	close(errorChan)

	errorCount := 0
	for range errorChan {
		errorCount++
	}

	eb.mu.Lock()
	eb.metrics.HandlerErrors += int64(errorCount)
	eb.metrics.AverageProcessing = time.Since(start)
	eb.mu.Unlock()

	eb.updateMetrics(event, false)

	eb.logger.Debug().
		Str("event_id", event.ID).
		Dur("processing_time", time.Since(start)).
		Int("handlers", len(handlers)).
		Int("errors", errorCount).
		Msg("Event processed by all handlers")
}

// updateMetrics updates internal metrics
func (eb *EventBus) updateMetrics(event ThreatEvent, published bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if published {
		eb.metrics.EventsPublished++
		eb.metrics.EventsByType[string(event.Category)]++
		eb.metrics.EventsBySeverity[string(event.Severity)]++
	} else {
		eb.metrics.EventsProcessed++
	}
}

func (eb *EventBus) countDrop(update func(m *EventMetrics)) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	update(&eb.metrics)
}

// GetMetrics returns current event bus metrics
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	metricsCopy := eb.metrics
	metricsCopy.EventsByType = make(map[string]int64, len(eb.metrics.EventsByType))
	metricsCopy.EventsBySeverity = make(map[string]int64, len(eb.metrics.EventsBySeverity))

	for k, v := range eb.metrics.EventsByType {
		metricsCopy.EventsByType[k] = v
	}
	for k, v := range eb.metrics.EventsBySeverity {
		metricsCopy.EventsBySeverity[k] = v
	}

	return metricsCopy
}

// Errors
var (
	ErrEventBusBufferFull = fmt.Errorf("event bus buffer is full")
	ErrDuplicateEvent     = fmt.Errorf("duplicate event")
)
