// pkg/errors/analytics_errors.go
package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an analytics error.
type Kind string

const (
	KindInsufficientHistory  Kind = "insufficient_history"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindMalformedSample      Kind = "malformed_sample"
	KindNotFound             Kind = "not_found"
	KindInvalidTransition    Kind = "invalid_transition"
	KindSource               Kind = "source"
)

// Sentinel values for errors.Is comparisons. Matching is by Kind only.
var (
	ErrInsufficientHistory  = &AnalyticsError{Kind: KindInsufficientHistory}
	ErrInvalidConfiguration = &AnalyticsError{Kind: KindInvalidConfiguration}
	ErrMalformedSample      = &AnalyticsError{Kind: KindMalformedSample}
	ErrNotFound             = &AnalyticsError{Kind: KindNotFound}
	ErrInvalidTransition    = &AnalyticsError{Kind: KindInvalidTransition}
)

// AnalyticsError represents a structured error raised by one of the engines
type AnalyticsError struct {
	Component   string                 `json:"component"`
	Kind        Kind                   `json:"kind"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error implements the error interface
func (ae *AnalyticsError) Error() string {
	if ae.Component == "" {
		return fmt.Sprintf("%s: %s", ae.Kind, ae.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", ae.Component, ae.Kind, ae.Message)
}

// Unwrap returns the underlying cause
func (ae *AnalyticsError) Unwrap() error {
	return ae.Cause
}

// Is reports whether target is an AnalyticsError of the same kind.
func (ae *AnalyticsError) Is(target error) bool {
	t, ok := target.(*AnalyticsError)
	if !ok {
		return false
	}
	return t.Kind == ae.Kind
}

// ErrorHandler logs analytics errors and forwards them to a collector
type ErrorHandler struct {
	logger    zerolog.Logger
	collector ErrorCollector
}

// ErrorCollector defines how errors are collected and reported
type ErrorCollector interface {
	CollectError(ctx context.Context, err *AnalyticsError) error
	GetErrorStats() ErrorStats
}

type ErrorStats struct {
	TotalErrors       int              `json:"total_errors"`
	ErrorsByKind      map[Kind]int     `json:"errors_by_kind"`
	ErrorsByComponent map[string]int   `json:"errors_by_component"`
	ErrorsBySeverity  map[Severity]int `json:"errors_by_severity"`
	LastError         *AnalyticsError  `json:"last_error,omitempty"`
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger, collector ErrorCollector) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		collector: collector,
	}
}

// HandleError processes and reports an analytics error. A nil handler is a no-op
// so engines can run without one.
func (eh *ErrorHandler) HandleError(ctx context.Context, err *AnalyticsError) error {
	if eh == nil || err == nil {
		return nil
	}

	logEvent := eh.getLogEvent(err.Severity).
		Str("component", err.Component).
		Str("error_kind", string(err.Kind)).
		Str("message", err.Message).
		Bool("recoverable", err.Recoverable)

	if err.Details != nil {
		logEvent = logEvent.Interface("details", err.Details)
	}

	if err.Cause != nil {
		logEvent = logEvent.AnErr("cause", err.Cause)
	}

	logEvent.Msg("Analytics error occurred")

	if eh.collector != nil {
		return eh.collector.CollectError(ctx, err)
	}

	return nil
}

// Stats returns the collector's statistics, or empty stats without a collector.
func (eh *ErrorHandler) Stats() ErrorStats {
	if eh == nil || eh.collector == nil {
		return ErrorStats{}
	}
	return eh.collector.GetErrorStats()
}

// getLogEvent returns the appropriate zerolog event for severity.
// Nothing in the analytics core is fatal, so critical maps to error.
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

// StatsCollector is an in-memory ErrorCollector.
type StatsCollector struct {
	mu    sync.Mutex
	stats ErrorStats
}

// NewStatsCollector creates an empty collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		stats: ErrorStats{
			ErrorsByKind:      make(map[Kind]int),
			ErrorsByComponent: make(map[string]int),
			ErrorsBySeverity:  make(map[Severity]int),
		},
	}
}

// CollectError records the error
func (sc *StatsCollector) CollectError(ctx context.Context, err *AnalyticsError) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.TotalErrors++
	sc.stats.ErrorsByKind[err.Kind]++
	sc.stats.ErrorsByComponent[err.Component]++
	sc.stats.ErrorsBySeverity[err.Severity]++
	sc.stats.LastError = err
	return nil
}

// GetErrorStats returns a copy of the collected statistics
func (sc *StatsCollector) GetErrorStats() ErrorStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	out := ErrorStats{
		TotalErrors:       sc.stats.TotalErrors,
		ErrorsByKind:      make(map[Kind]int, len(sc.stats.ErrorsByKind)),
		ErrorsByComponent: make(map[string]int, len(sc.stats.ErrorsByComponent)),
		ErrorsBySeverity:  make(map[Severity]int, len(sc.stats.ErrorsBySeverity)),
		LastError:         sc.stats.LastError,
	}
	for k, v := range sc.stats.ErrorsByKind {
		out.ErrorsByKind[k] = v
	}
	for k, v := range sc.stats.ErrorsByComponent {
		out.ErrorsByComponent[k] = v
	}
	for k, v := range sc.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}

// Helper functions for creating common error types

func NewConfigError(component string, message string, details map[string]interface{}) *AnalyticsError {
	return &AnalyticsError{
		Component:   component,
		Kind:        KindInvalidConfiguration,
		Message:     message,
		Details:     details,
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: true,
	}
}

func NewMalformedSampleError(component string, message string, details map[string]interface{}) *AnalyticsError {
	return &AnalyticsError{
		Component:   component,
		Kind:        KindMalformedSample,
		Message:     message,
		Details:     details,
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
	}
}

func NewInsufficientHistoryError(component string, have, want int) *AnalyticsError {
	return &AnalyticsError{
		Component: component,
		Kind:      KindInsufficientHistory,
		Message:   fmt.Sprintf("have %d samples, need %d", have, want),
		Details: map[string]interface{}{
			"have": have,
			"want": want,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityInfo,
		Recoverable: true,
	}
}

func NewNotFoundError(component string, what string, id string) *AnalyticsError {
	return &AnalyticsError{
		Component: component,
		Kind:      KindNotFound,
		Message:   fmt.Sprintf("%s %q not found", what, id),
		Details: map[string]interface{}{
			"id": id,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
	}
}

func NewTransitionError(component string, from, to string) *AnalyticsError {
	return &AnalyticsError{
		Component: component,
		Kind:      KindInvalidTransition,
		Message:   fmt.Sprintf("cannot move from %s to %s", from, to),
		Details: map[string]interface{}{
			"from": from,
			"to":   to,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
	}
}

func NewSourceError(component string, source string, cause error) *AnalyticsError {
	return &AnalyticsError{
		Component: component,
		Kind:      KindSource,
		Message:   fmt.Sprintf("Source unavailable: %s", source),
		Details: map[string]interface{}{
			"source": source,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}
