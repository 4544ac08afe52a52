package actions

import (
	"context"
)

// Action defines the interface for anything run when an engine raises a
// finding. Each action must have a name and an execution method.
type Action interface {
	// Name returns the unique name of the action.
	Name() string
	// Execute performs the action. It is passed a context for cancellation and a
	// map describing the finding (see CorrelationData and AssessmentData).
	Execute(ctx context.Context, data map[string]interface{}) error
}
