package testing

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/threatcore/pkg/anomaly"
	"github.com/lucid-vigil/threatcore/pkg/correlation"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/features"
	"github.com/lucid-vigil/threatcore/pkg/risk"
)

type discardPublisher struct{}

func (discardPublisher) Publish(ctx context.Context, ev events.ThreatEvent) error { return nil }

// ingestPublisher stamps ids the way the event bus does before ingesting.
type ingestPublisher struct {
	engine *correlation.Engine
	next   int
}

func (p *ingestPublisher) Publish(ctx context.Context, ev events.ThreatEvent) error {
	p.next++
	ev.ID = fmt.Sprintf("ev-%d", p.next)
	return p.engine.Ingest(ctx, ev)
}

func TestAnomalyDetectorTask(t *testing.T) {
	rng := features.NewRand(1)
	d, err := anomaly.NewDetector(zerolog.Nop(), anomaly.DefaultConfig(), features.NewSyntheticSource(rng), rng)
	require.NoError(t, err)

	suite := NewTaskTestSuite(t, d)
	suite.RunBasicTests()
	suite.RunConcurrencyTests()
}

func TestCorrelationEngineTask(t *testing.T) {
	e, err := correlation.NewEngine(zerolog.Nop(), correlation.Config{}, correlation.DefaultRules())
	require.NoError(t, err)

	sim := features.NewEventSimulator(zerolog.Nop(), features.NewRand(2), &ingestPublisher{engine: e}, features.NewThreatIntel())
	suite := NewTaskTestSuite(t, e)
	for i := 0; i < 20; i++ {
		sim.Tick(context.Background(), suite.now)
	}
	suite.RunBasicTests()
	suite.RunConcurrencyTests()
	assert.Len(t, e.Events(), 20)
}

func TestRiskEngineTask(t *testing.T) {
	rng := features.NewRand(3)
	e, err := risk.NewEngine(zerolog.Nop(), risk.DefaultConfig(), features.NewSyntheticMetrics(rng, nil), rng)
	require.NoError(t, err)

	suite := NewTaskTestSuite(t, e)
	suite.RunBasicTests()
	suite.RunConcurrencyTests()
	assert.Len(t, e.AllRiskAssessments(), len(features.DefaultDevices))
}

func TestEventSimulatorTask(t *testing.T) {
	sim := features.NewEventSimulator(zerolog.Nop(), features.NewRand(4), discardPublisher{}, nil)

	suite := NewTaskTestSuite(t, sim)
	suite.RunBasicTests()
	suite.RunConcurrencyTests()
}

func TestLogCapture(t *testing.T) {
	capture := &LogCapture{}
	logger := zerolog.New(capture)
	logger.Warn().Str("component", "risk_engine").Msg("Device risk escalated")

	assert.Len(t, capture.GetLogs(), 1)
	assert.True(t, capture.Contains(`"component":"risk_engine"`))
	assert.False(t, capture.Contains("correlation"))
}
