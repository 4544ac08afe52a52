package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LogCapture is a helper to capture zerolog output for testing.
type LogCapture struct {
	sync.Mutex
	logs []string
}

func (lc *LogCapture) Write(p []byte) (n int, err error) {
	lc.Lock()
	defer lc.Unlock()
	lc.logs = append(lc.logs, string(p))
	return len(p), nil
}

func (lc *LogCapture) GetLogs() []string {
	lc.Lock()
	defer lc.Unlock()
	return lc.logs
}

func TestAnalyticsError_IsMatchesKind(t *testing.T) {
	err := NewConfigError("risk_engine", "weights sum to 0.9", nil)

	assert.True(t, stderrors.Is(err, ErrInvalidConfiguration))
	assert.False(t, stderrors.Is(err, ErrMalformedSample))

	wrapped := fmt.Errorf("update weights: %w", err)
	assert.True(t, stderrors.Is(wrapped, ErrInvalidConfiguration))

	var ae *AnalyticsError
	require.True(t, stderrors.As(wrapped, &ae))
	assert.Equal(t, "risk_engine", ae.Component)
}

func TestAnalyticsError_Error(t *testing.T) {
	err := NewNotFoundError("correlation_engine", "rule", "lateral_movement")
	assert.Equal(t, `[correlation_engine] not_found: rule "lateral_movement" not found`, err.Error())

	bare := &AnalyticsError{Kind: KindMalformedSample, Message: "empty vector"}
	assert.Equal(t, "malformed_sample: empty vector", bare.Error())
}

func TestAnalyticsError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := NewSourceError("anomaly_detector", "host", cause)
	assert.ErrorIs(t, err, cause)
}

func TestErrorHandler_HandleError(t *testing.T) {
	lc := &LogCapture{}
	logger := zerolog.New(lc)
	collector := NewStatsCollector()
	handler := NewErrorHandler(logger, collector)

	ctx := context.Background()
	require.NoError(t, handler.HandleError(ctx, NewMalformedSampleError("anomaly_detector", "empty feature vector", map[string]interface{}{"category": "network"})))
	require.NoError(t, handler.HandleError(ctx, NewConfigError("risk_engine", "bad weight", nil)))
	require.NoError(t, handler.HandleError(ctx, NewConfigError("risk_engine", "bad weight again", nil)))

	stats := handler.Stats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByKind[KindInvalidConfiguration])
	assert.Equal(t, 1, stats.ErrorsByComponent["anomaly_detector"])
	assert.Equal(t, 2, stats.ErrorsBySeverity[SeverityHigh])
	require.NotNil(t, stats.LastError)
	assert.Equal(t, "bad weight again", stats.LastError.Message)

	logs := strings.Join(lc.GetLogs(), "")
	assert.Contains(t, logs, "Analytics error occurred")
	assert.Contains(t, logs, `"error_kind":"malformed_sample"`)
	assert.Contains(t, logs, `"level":"error"`)
}

func TestErrorHandler_NilIsNoop(t *testing.T) {
	var handler *ErrorHandler
	assert.NoError(t, handler.HandleError(context.Background(), NewConfigError("x", "y", nil)))
	assert.Equal(t, 0, handler.Stats().TotalErrors)
}

func TestStatsCollector_ReturnsCopy(t *testing.T) {
	collector := NewStatsCollector()
	_ = collector.CollectError(context.Background(), NewTransitionError("correlation_engine", "resolved", "active"))

	stats := collector.GetErrorStats()
	stats.ErrorsByKind[KindInvalidTransition] = 99

	assert.Equal(t, 1, collector.GetErrorStats().ErrorsByKind[KindInvalidTransition])
}
