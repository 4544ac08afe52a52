package publish_finding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "threatcore.findings"

// Publisher is the subset of *nats.Conn the action needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublishFindingAction implements the actions.Action interface. It publishes
// each finding as JSON to a NATS subject; subscribers pick findings up from
// "<subject>.<kind>".
type PublishFindingAction struct {
	publisher Publisher
	subject   string
}

// New creates a PublishFindingAction.
func New(publisher Publisher, subject string) *PublishFindingAction {
	if subject == "" {
		subject = DefaultSubject
	}
	return &PublishFindingAction{publisher: publisher, subject: subject}
}

// Connect dials the NATS server at url.
func Connect(url string, timeout time.Duration) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("threatcore"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Name returns the unique name of the action.
func (a *PublishFindingAction) Name() string {
	return "publish_finding"
}

// Execute publishes the finding. The data map must carry a "kind" key.
func (a *PublishFindingAction) Execute(ctx context.Context, data map[string]interface{}) error {
	kind, ok := data["kind"].(string)
	if !ok || kind == "" {
		return fmt.Errorf("missing or invalid 'kind' in action data for publish_finding action")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	subject := a.subject + "." + kind
	if err := a.publisher.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish finding to %s: %w", subject, err)
	}
	return nil
}
