package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ActionDispatcher manages and executes finding actions
type ActionDispatcher struct {
	actions map[string]Action
	enabled bool
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewActionDispatcher creates a new action dispatcher with no actions registered.
func NewActionDispatcher(logger zerolog.Logger, enabled bool) *ActionDispatcher {
	return &ActionDispatcher{
		actions: make(map[string]Action),
		enabled: enabled,
		logger:  logger.With().Str("component", "action_dispatcher").Logger(),
	}
}

// RegisterAction registers a new action with the dispatcher
func (ad *ActionDispatcher) RegisterAction(action Action) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	ad.actions[action.Name()] = action
	ad.logger.Info().Msgf("Action '%s' registered.", action.Name())
}

// Names returns the registered action names, sorted.
func (ad *ActionDispatcher) Names() []string {
	ad.mu.RLock()
	defer ad.mu.RUnlock()

	names := make([]string, 0, len(ad.actions))
	for name := range ad.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the specified action with the given data
func (ad *ActionDispatcher) Execute(ctx context.Context, actionName string, data map[string]interface{}) error {
	if !ad.IsEnabled() {
		ad.logger.Debug().Str("action", actionName).Msg("Actions are disabled, skipping execution.")
		return nil
	}

	ad.mu.RLock()
	action, exists := ad.actions[actionName]
	ad.mu.RUnlock()

	if !exists {
		return fmt.Errorf("action '%s' not found", actionName)
	}

	if err := action.Execute(ctx, data); err != nil {
		ad.logger.Error().Err(err).Str("action", actionName).Msg("Action execution failed.")
		return err
	}

	ad.logger.Debug().Str("action", actionName).Msg("Action executed successfully.")
	return nil
}

// ExecuteAll runs every registered action, logging failures. It returns the
// number of actions that failed.
func (ad *ActionDispatcher) ExecuteAll(ctx context.Context, data map[string]interface{}) int {
	return ad.ExecuteActions(ctx, ad.Names(), data)
}

// ExecuteActions runs the named actions in order, logging failures. It
// returns the number of actions that failed.
func (ad *ActionDispatcher) ExecuteActions(ctx context.Context, actionNames []string, data map[string]interface{}) int {
	failed := 0
	for _, actionName := range actionNames {
		if err := ad.Execute(ctx, actionName, data); err != nil {
			failed++
		}
	}
	return failed
}

// IsEnabled returns whether actions are enabled
func (ad *ActionDispatcher) IsEnabled() bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return ad.enabled
}

// SetEnabled enables or disables action execution
func (ad *ActionDispatcher) SetEnabled(enabled bool) {
	ad.mu.Lock()
	ad.enabled = enabled
	ad.mu.Unlock()
	ad.logger.Info().Bool("enabled", enabled).Msg("Action execution status changed.")
}
