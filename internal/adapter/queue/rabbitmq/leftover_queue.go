package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/leadflow/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "ex.leadflow"
	QueueName    = "q.leftover_leads"
	DLXName      = "ex.leadflow.dlx"
	DLQName      = "q.leftover_leads.dlq"
	RoutingKey   = "k.leftover"
)

// channel is the subset of *amqp.Channel the queue uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

type leftoverMessage struct {
	BatchID    string      `json:"batch_id"`
	DeferredAt time.Time   `json:"deferred_at"`
	Lead       domain.Lead `json:"lead"`
}

// LeftoverQueue implements domain.LeftoverQueue on a durable RabbitMQ queue.
// Each lead is its own message; unreadable messages are dead-lettered.
type LeftoverQueue struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     channel
	logger *slog.Logger
}

// Dial connects to url and declares the queue topology.
func Dial(url string, logger *slog.Logger) (*LeftoverQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := setupTopology(ch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}
	q := newLeftoverQueue(ch, logger)
	q.conn = conn
	return q, nil
}

func newLeftoverQueue(ch channel, logger *slog.Logger) *LeftoverQueue {
	return &LeftoverQueue{ch: ch, logger: logger.With("component", "rabbitmq_leftovers")}
}

func setupTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DLXName, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DLQName, RoutingKey, DLXName, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DLXName,
		"x-dead-letter-routing-key": RoutingKey,
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, args); err != nil {
		return err
	}
	return ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil)
}

// Defer publishes each lead as a persistent message.
func (q *LeftoverQueue) Defer(ctx context.Context, batchID string, leads []domain.Lead) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	for _, lead := range leads {
		body, err := json.Marshal(leftoverMessage{BatchID: batchID, DeferredAt: now, Lead: lead})
		if err != nil {
			return fmt.Errorf("encode leftover %s: %w", lead.ID, err)
		}
		err = q.ch.PublishWithContext(ctx, ExchangeName, RoutingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    lead.ID,
			Body:         body,
		})
		if err != nil {
			return domain.NewExternalError("rabbitmq", "defer", domain.ErrServiceUnavailable, err, true)
		}
	}
	q.logger.Info("deferred leftover leads", "batch_id", batchID, "count", len(leads))
	return nil
}

// Drain takes up to max leads off the queue. Messages are acked as they are
// read, so the caller owns the returned leads.
func (q *LeftoverQueue) Drain(ctx context.Context, max int) ([]domain.Lead, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var leads []domain.Lead
	for len(leads) < max {
		if err := ctx.Err(); err != nil {
			return leads, err
		}
		d, ok, err := q.ch.Get(QueueName, false)
		if err != nil {
			return leads, domain.NewExternalError("rabbitmq", "drain", domain.ErrServiceUnavailable, err, true)
		}
		if !ok {
			break
		}
		var msg leftoverMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil || msg.Lead.Email == "" {
			q.logger.Warn("dead-lettering unreadable leftover", "message_id", d.MessageId, "error", err)
			_ = d.Nack(false, false)
			continue
		}
		if err := d.Ack(false); err != nil {
			return leads, fmt.Errorf("ack leftover: %w", err)
		}
		leads = append(leads, msg.Lead)
	}
	return leads, nil
}

func (q *LeftoverQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Close(); err != nil {
		q.logger.Warn("failed to close channel", "error", err)
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
