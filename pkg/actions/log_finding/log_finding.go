package log_finding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// LogFindingAction implements the actions.Action interface. It writes each
// finding to the structured log, at error level for critical findings.
type LogFindingAction struct {
	logger zerolog.Logger
}

// New creates a LogFindingAction writing to logger.
func New(logger zerolog.Logger) *LogFindingAction {
	return &LogFindingAction{logger: logger.With().Str("action", "log_finding").Logger()}
}

// Name returns the unique name of the action.
func (a *LogFindingAction) Name() string {
	return "log_finding"
}

// Execute logs the finding. The data map must carry a "kind" key.
func (a *LogFindingAction) Execute(ctx context.Context, data map[string]interface{}) error {
	kind, ok := data["kind"].(string)
	if !ok || kind == "" {
		return fmt.Errorf("missing or invalid 'kind' in action data for log_finding action")
	}

	event := a.logger.Warn()
	if data["severity"] == "critical" {
		event = a.logger.Error()
	}
	event.Fields(data).Msgf("Security finding raised: %s", kind)
	return nil
}
