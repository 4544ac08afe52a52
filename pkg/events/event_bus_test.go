package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
)

type recordingHandler struct {
	mu         sync.Mutex
	categories []Category
	received   []ThreatEvent
	err        error
}

func (h *recordingHandler) Handle(ctx context.Context, event ThreatEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, event)
	return h.err
}

func (h *recordingHandler) Categories() []Category { return h.categories }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func sampleEvent() ThreatEvent {
	return ThreatEvent{
		Category:   CategoryNetwork,
		Severity:   SeverityHigh,
		Confidence: 0.9,
		DeviceID:   "WS-FINANCE-01",
		Metadata:   map[string]interface{}{"protocol": "HTTPS"},
	}
}

func TestEventBus_PublishAndDeliver(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 10)
	network := &recordingHandler{categories: []Category{CategoryNetwork}}
	all := &recordingHandler{}
	malware := &recordingHandler{categories: []Category{CategoryMalware}}
	bus.Subscribe(network)
	bus.Subscribe(all)
	bus.Subscribe(malware)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	require.NoError(t, bus.Publish(ctx, sampleEvent()))

	assert.Eventually(t, func() bool { return network.count() == 1 && all.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, malware.count())

	network.mu.Lock()
	got := network.received[0]
	network.mu.Unlock()
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())

	m := bus.GetMetrics()
	assert.Equal(t, int64(1), m.EventsPublished)
	assert.Equal(t, int64(1), m.EventsByType["network"])
	assert.Equal(t, int64(1), m.EventsBySeverity["high"])
}

func TestEventBus_CopiesMetadata(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 10)
	handler := &recordingHandler{}
	bus.Subscribe(handler)

	ev := sampleEvent()
	require.NoError(t, bus.Publish(context.Background(), ev))
	ev.Metadata["protocol"] = "mutated"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "HTTPS", handler.received[0].Metadata["protocol"])
}

func TestEventBus_BufferFull(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 1)

	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))
	err := bus.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrEventBusBufferFull)
	assert.Equal(t, int64(1), bus.GetMetrics().EventsDropped)
}

func TestEventBus_ValidatorRejects(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 10)
	bus.SetValidator(NewEventValidator(0, 0))

	ev := sampleEvent()
	ev.Confidence = 1.5
	err := bus.Publish(context.Background(), ev)
	assert.True(t, errors.Is(err, apperrors.ErrMalformedSample))
	assert.Equal(t, int64(1), bus.GetMetrics().EventsRejected)
	assert.Equal(t, int64(0), bus.GetMetrics().EventsPublished)
}

func TestEventBus_DeduplicatesByID(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 10)
	bus.SetDeduplicator(NewEventDeduplicator(time.Minute, 16))

	ev := sampleEvent()
	ev.ID = "evt-1"
	require.NoError(t, bus.Publish(context.Background(), ev))
	assert.ErrorIs(t, bus.Publish(context.Background(), ev), ErrDuplicateEvent)
	assert.Equal(t, int64(1), bus.GetMetrics().EventsDuplicate)
}

func TestEventBus_HandlerErrorsCounted(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 10)
	failing := &recordingHandler{err: errors.New("boom")}
	bus.Subscribe(failing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	require.NoError(t, bus.Publish(ctx, sampleEvent()))
	assert.Eventually(t, func() bool { return bus.GetMetrics().EventsProcessed == 1 }, time.Second, 10*time.Millisecond)
	bus.Stop()

	assert.Equal(t, int64(1), bus.GetMetrics().HandlerErrors)
}

func TestEventBus_UsesClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := NewEventBus(zerolog.Nop(), 10)
	bus.SetClock(func() time.Time { return fixed })
	handler := &recordingHandler{}
	bus.Subscribe(handler)

	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, fixed, handler.received[0].Timestamp)
}

func TestEventBus_FlushWithoutStart(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), 10)
	h := &recordingHandler{}
	bus.Subscribe(h)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, sampleEvent()))
	}
	assert.Equal(t, 0, h.count())

	assert.Equal(t, 3, bus.Flush(ctx))
	assert.Equal(t, 3, h.count())
	assert.Equal(t, 0, bus.Flush(ctx))
	assert.Equal(t, int64(3), bus.GetMetrics().EventsProcessed)
}
