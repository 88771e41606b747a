package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castrelay/castrelay/internal/models"
)

// claimGrace is how long a dedup claim outlives its message's scheduled
// delivery before it is considered abandoned.
const claimGrace = time.Hour

// claimExpiry returns when a claim for a message with the given delivery
// delay may be reaped.
func claimExpiry(now time.Time, delay time.Duration) time.Time {
	if delay < 0 {
		delay = 0
	}
	return now.Add(delay + claimGrace)
}

// AMQPQueue is a RabbitMQ-backed Queue. Delayed jobs are published to a
// side queue with a per-message TTL whose dead-letter routing points back at
// the work queue. Dedup keys live in the queue_keys table so that concurrent
// producers across processes share one ledger.
type AMQPQueue struct {
	name     string
	conn     *amqp.Connection
	ch       *amqp.Channel
	db       *gorm.DB
	logger   *zap.Logger
	prefetch int
}

func NewAMQPQueue(url, name string, prefetch int, db *gorm.DB, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	// Delay queue dead-letters expired messages back onto the work queue.
	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}
	if _, err := ch.QueueDeclare(name+".delay", true, false, false, false, delayArgs); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare delay queue for %s: %w", name, err)
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	return &AMQPQueue{
		name:     name,
		conn:     conn,
		ch:       ch,
		db:       db,
		logger:   logger,
		prefetch: prefetch,
	}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, key string, p *Payload, delay time.Duration) (bool, error) {
	now := time.Now()

	// Expired claims belong to jobs that died without settling; reap them so
	// a crashed worker cannot block a key forever. Each claim carries its own
	// expiry covering the message's delay, so a claim for a long-delayed
	// retry is never freed while the message still sits in the delay queue.
	q.db.WithContext(ctx).
		Where("queue_name = ? AND expires_at <= ?", q.name, now).
		Delete(&models.QueueKey{})

	// Claim the dedup key first; losing the claim means the job is already
	// outstanding and this enqueue is a no-op.
	row := models.QueueKey{Key: key, QueueName: q.name, ExpiresAt: claimExpiry(now, delay)}
	result := q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim job key %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Body:         body,
	}

	routingKey := q.name
	if delay > 0 {
		routingKey = q.name + ".delay"
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	if err := q.ch.Publish("", routingKey, false, false, msg); err != nil {
		// Roll the claim back so the next tick can retry the enqueue.
		q.db.WithContext(ctx).Delete(&models.QueueKey{}, "key = ?", key)
		return false, fmt.Errorf("failed to publish job %s: %w", key, err)
	}

	return true, nil
}

func (q *AMQPQueue) Consume(ctx context.Context, h Handler) error {
	msgs, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", q.name, err)
	}

	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			go q.handle(ctx, m, h)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, m amqp.Delivery, h Handler) {
	var p Payload
	if err := json.Unmarshal(m.Body, &p); err != nil {
		q.logger.Warn("Dropping malformed job",
			zap.String("queue", q.name),
			zap.String("key", m.MessageId),
			zap.Error(err))
		m.Ack(false)
		return
	}

	attempt := 1
	if m.Redelivered {
		attempt = 2
	}

	d := &Delivery{Key: m.MessageId, Payload: p, Attempt: attempt}
	if err := h(ctx, d); err != nil {
		q.logger.Warn("Job handler failed",
			zap.String("queue", q.name),
			zap.String("key", d.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		// One broker-level redelivery before the job is parked; the
		// producer tick re-enqueues from persisted state after that.
		m.Nack(false, !m.Redelivered)
		return
	}

	m.Ack(false)
}

func (q *AMQPQueue) Complete(ctx context.Context, key string) error {
	return q.db.WithContext(ctx).Delete(&models.QueueKey{}, "key = ?", key).Error
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
