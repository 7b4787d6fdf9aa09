package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultExchange = "notifications_topic"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPGateway publishes notifications to a topic exchange with routing key
// notification.<role>.<kind>, for a downstream notification service.
type AMQPGateway struct {
	exchange string
	ch       publisher
	conn     *amqp.Connection
}

func DialAMQP(url, exchange string) (*AMQPGateway, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPGateway{exchange: exchange, ch: ch, conn: conn}, nil
}

func RoutingKey(n models.Notification) string {
	return fmt.Sprintf("notification.%s.%s", n.RecipientRole, n.Kind)
}

func (g *AMQPGateway) Notify(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return g.ch.PublishWithContext(ctx, g.exchange, RoutingKey(n), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (g *AMQPGateway) Close() error {
	if g.conn == nil || g.conn.IsClosed() {
		return nil
	}
	return g.conn.Close()
}
