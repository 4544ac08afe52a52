package features

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/base"
	"github.com/lucid-vigil/threatcore/pkg/events"
)

// EventPublisher accepts threat events. *events.EventBus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event events.ThreatEvent) error
}

var simulatedProcesses = []string{"chrome.exe", "notepad.exe", "powershell.exe", "cmd.exe"}

// EventSimulator emits one random threat event per tick.
type EventSimulator struct {
	*base.BaseTask
	rng       Rand
	publisher EventPublisher
	intel     *ThreatIntel
}

// NewEventSimulator creates a simulator publishing to publisher. intel may be
// nil, in which case no IOC tagging happens.
func NewEventSimulator(logger zerolog.Logger, rng Rand, publisher EventPublisher, intel *ThreatIntel) *EventSimulator {
	return &EventSimulator{
		BaseTask:  base.NewBaseTask("event_simulator", logger),
		rng:       rng,
		publisher: publisher,
		intel:     intel,
	}
}

// Generate builds a random event stamped at now.
func (s *EventSimulator) Generate(now time.Time) events.ThreatEvent {
	action := "file_access"
	if s.rng.Float64() > 0.5 {
		action = "privilege_escalation"
	}
	protocol := "HTTPS"
	if s.rng.Float64() > 0.5 {
		protocol = "HTTP"
	}

	ev := events.ThreatEvent{
		Timestamp:   now,
		Category:    events.Categories[Pick(s.rng, len(events.Categories))],
		Severity:    events.Severities[Pick(s.rng, len(events.Severities))],
		SourceIP:    fmt.Sprintf("192.168.1.%d", Pick(s.rng, 255)),
		TargetIP:    fmt.Sprintf("10.0.0.%d", Pick(s.rng, 255)),
		DeviceID:    RandomDeviceID(s.rng),
		UserID:      fmt.Sprintf("user%d", Pick(s.rng, 100)),
		ProcessName: simulatedProcesses[Pick(s.rng, len(simulatedProcesses))],
		Confidence:  s.rng.Float64(),
		Metadata: map[string]interface{}{
			"action":   action,
			"protocol": protocol,
			"port":     Pick(s.rng, 65535),
		},
	}

	if s.intel != nil {
		if hits := s.intel.Match(ev); len(hits) > 0 {
			ev.Metadata["ioc_match"] = hits
		}
	}
	return ev
}

// Tick publishes one simulated event.
func (s *EventSimulator) Tick(ctx context.Context, now time.Time) {
	ev := s.Generate(now)
	err := s.publisher.Publish(ctx, ev)
	if err != nil {
		s.Logger().Warn().Err(err).Str("device_id", ev.DeviceID).Msg("Failed to publish simulated event")
		s.IncStat("publish_errors", 1)
	} else {
		s.IncStat("events_generated", 1)
		if _, ok := ev.Metadata["ioc_match"]; ok {
			s.IncStat("ioc_matches", 1)
		}
	}
	s.RecordRun(now, err)
}

// Stats returns simulator counters.
func (s *EventSimulator) Stats() map[string]interface{} {
	return s.BaseStats()
}
