package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Dial connects to RabbitMQ and checks a channel can be opened within 3s
func Dial(ctx context.Context, url string) (*amqp.Connection, error) {
	if url == "" {
		return nil, ErrNotConfigured
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err == nil {
			_ = ch.Close()
		}
		done <- err
	}()

	select {
	case <-checkCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", checkCtx.Err())
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
		return conn, nil
	}
}

// AMQPQueue publishes tasks to a durable queue and consumes them into a Registry
type AMQPQueue struct {
	conn      *amqp.Connection
	queueName string
	registry  *Registry
	timeout   time.Duration
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAMQPQueue(conn *amqp.Connection, queueName string, registry *Registry, timeout time.Duration) *AMQPQueue {
	if queueName == "" {
		queueName = "agentdesk.tasks"
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &AMQPQueue{
		conn:      conn,
		queueName: queueName,
		registry:  registry,
		timeout:   timeout,
		logger:    logging.NewLogger("tasks.amqp"),
	}
}

func (q *AMQPQueue) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		q.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// Submit publishes t as a persistent message
func (q *AMQPQueue) Submit(ctx context.Context, t Task) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if err := q.declare(ch); err != nil {
		return err
	}

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		q.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    t.ID.String(),
			Type:         string(t.Kind),
			Timestamp:    t.EnqueuedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// Start consumes the queue until ctx is canceled or Close is called
func (q *AMQPQueue) Start(ctx context.Context, prefetch int) error {
	if q.cancel != nil {
		return nil
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open worker channel: %w", err)
	}
	if err := q.declare(ch); err != nil {
		_ = ch.Close()
		return err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		q.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to consume queue: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				q.deliver(workerCtx, d)
			}
		}
	}()

	q.logger.Info().Str("queue", q.queueName).Msg("Task consumer started")
	return nil
}

// acknowledger is the part of amqp.Delivery deliver needs
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (q *AMQPQueue) deliver(ctx context.Context, d amqp.Delivery) {
	q.process(ctx, d.Body, &d)
}

// process handles one message body. Undecodable or unknown tasks are dropped; a failed
// handler is dropped too, since background tasks are advisory and must not loop.
func (q *AMQPQueue) process(ctx context.Context, body []byte, ack acknowledger) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		q.logger.Error().Err(err).Msg("Failed to decode task")
		monitoring.RecordTaskProcessed("unknown", "invalid")
		_ = ack.Nack(false, false)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := q.registry.Handle(taskCtx, t); err != nil {
		status := "failed"
		if errors.Is(err, ErrUnknownKind) {
			status = "unknown_kind"
		}
		monitoring.RecordTaskProcessed(string(t.Kind), status)
		q.logger.Error().Err(err).Str("task_id", t.ID.String()).Str("kind", string(t.Kind)).Msg("Task failed")
		_ = ack.Nack(false, false)
		return
	}

	monitoring.RecordTaskProcessed(string(t.Kind), "success")
	_ = ack.Ack(false)
}

// Close stops consuming and waits for the in-flight task
func (q *AMQPQueue) Close() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}
