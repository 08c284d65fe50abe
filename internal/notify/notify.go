// Package notify publishes committed workflow events to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "approvals.workflow."

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes workflow events. Publishing is best effort: failures
// are logged and never returned to the transition that produced the event.
type NATSNotifier struct {
	pub Publisher
}

// New returns a notifier over pub. A nil pub disables publishing.
func New(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

// Connect dials NATS at url and returns a notifier plus a close func.
func Connect(url string) (*NATSNotifier, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("approvalhub"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			slog.Warn("nats drain failed", "error", err)
		}
	}
	return New(nc), closeFn, nil
}

// Subject returns the subject an event type is published on.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Notify publishes ev on approvals.workflow.<type>.
func (n *NATSNotifier) Notify(ctx context.Context, ev models.WorkflowEvent) {
	if n == nil || n.pub == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.WarnContext(ctx, "notify: failed to marshal event", "event_type", ev.Type, "error", err)
		return
	}

	subject := Subject(ev.Type)
	if err := n.pub.Publish(subject, data); err != nil {
		slog.WarnContext(ctx, "notify: failed to publish event (non-fatal)",
			"subject", subject,
			"document", ev.Ref.String(),
			"error", err,
		)
		return
	}

	slog.DebugContext(ctx, "notify: event published", "subject", subject, "document", ev.Ref.String())
}
