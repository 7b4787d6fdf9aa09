// Package notify delivers structured notifications to riders and drivers.
// Delivery is best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Gateway interface {
	Notify(ctx context.Context, n models.Notification) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, n models.Notification) error

func (f GatewayFunc) Notify(ctx context.Context, n models.Notification) error { return f(ctx, n) }

// LogGateway only logs. It is the fallback when no transport is configured.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Notify(_ context.Context, n models.Notification) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "recipient", n.RecipientUserID, "role", n.RecipientRole, "kind", n.Kind, "title", n.Title)
	return nil
}

type named struct {
	name string
	gw   Gateway
}

// Multi delivers to every gateway and joins their errors.
type Multi struct {
	gateways []named
}

func NewMulti() *Multi { return &Multi{} }

// Add registers gw under name, which labels its failure metric.
func (m *Multi) Add(name string, gw Gateway) *Multi {
	m.gateways = append(m.gateways, named{name: name, gw: gw})
	return m
}

func (m *Multi) Len() int { return len(m.gateways) }

func (m *Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, g := range m.gateways {
		if err := g.gw.Notify(ctx, n); err != nil {
			observability.NotifyFailures.WithLabelValues(g.name).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pusher delivers an event to every live connection of one user.
type Pusher interface {
	NotifyUser(role models.Role, userID int64, ev models.NotificationEvent)
}

// Mirror forwards each notification to the recipient's realtime group
// before handing it to the wrapped gateway.
type Mirror struct {
	Pusher Pusher
	Next   Gateway // optional
}

func (m Mirror) Notify(ctx context.Context, n models.Notification) error {
	if m.Pusher != nil && n.RecipientRole != "" {
		m.Pusher.NotifyUser(n.RecipientRole, n.RecipientUserID, Event(n))
	}
	if m.Next == nil {
		return nil
	}
	return m.Next.Notify(ctx, n)
}

// Event converts n to the shape pushed down a tracking connection.
func Event(n models.Notification) models.NotificationEvent {
	return models.NotificationEvent{
		Type:    models.MsgNotification,
		Kind:    n.Kind,
		Title:   n.Title,
		Message: n.Message,
		Data:    n.Payload,
	}
}
