package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"feedsync/logger"
	"feedsync/realtime"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultChangeExchange = "table_changes"

// ChangeRoutingKey - "<table>.<event>", например comments.insert
func ChangeRoutingKey(ev realtime.ChangeEvent) string {
	return ev.Table + "." + strings.ToLower(string(ev.Type))
}

// NodeQueueName - имя очереди узла, каждый узел получает все изменения
func NodeQueueName(queue, nodeID string) string {
	if queue == "" || nodeID == "" {
		return queue
	}
	return queue + "." + nodeID
}

// ChangeFeed публикует изменения хранилища в topic exchange RabbitMQ,
// а консьюмер каждого узла доставляет их в локальный хаб.
// Пока соединения нет, события идут в хаб напрямую
type ChangeFeed struct {
	url      string
	exchange string
	queue    string
	local    realtime.Publisher

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewChangeFeed(url, exchange, queue string, local realtime.Publisher) *ChangeFeed {
	if exchange == "" {
		exchange = DefaultChangeExchange
	}
	return &ChangeFeed{url: url, exchange: exchange, queue: queue, local: local}
}

// Connect открывает соединение, канал и объявляет exchange
func (f *ChangeFeed) Connect() error {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(
		f.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // args
	); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.channel = channel
	f.mu.Unlock()
	logger.Infof("RabbitMQ change feed connected, exchange %s", f.exchange)
	return nil
}

func (f *ChangeFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel != nil && !f.channel.IsClosed()
}

// Publish отправляет событие в exchange. При ошибке брокера событие
// доставляется в локальный хаб, чтобы подписчики этого узла его не потеряли
func (f *ChangeFeed) Publish(ctx context.Context, ev realtime.ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	f.mu.Lock()
	channel := f.channel
	if channel != nil && !channel.IsClosed() {
		err = channel.PublishWithContext(ctx,
			f.exchange,
			ChangeRoutingKey(ev),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			},
		)
	} else {
		err = fmt.Errorf("RabbitMQ channel not initialized")
	}
	f.mu.Unlock()

	if err != nil {
		logger.Debugf("RabbitMQ publish failed, delivering %s locally: %v", ChangeRoutingKey(ev), err)
		return f.local.Publish(ctx, ev)
	}
	return nil
}

// StartConsumer - очередь узла привязана ко всем изменениям ("#"). Имя очереди
// должно быть уникальным для узла (см. NodeQueueName). Пустое имя дает
// эксклюзивную очередь, которая исчезнет вместе с узлом
func (f *ChangeFeed) StartConsumer(ctx context.Context) error {
	f.mu.Lock()
	channel := f.channel
	f.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("RabbitMQ channel not initialized")
	}

	durable := f.queue != ""
	q, err := channel.QueueDeclare(
		f.queue,
		durable,  // durable
		!durable, // auto-delete
		!durable, // exclusive
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := channel.QueueBind(q.Name, "#", f.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := channel.Consume(
		q.Name,
		"",
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Warnf("RabbitMQ consumer for %s stopped", q.Name)
					return
				}
				f.deliver(ctx, msg.Body)
			}
		}
	}()
	return nil
}

func (f *ChangeFeed) deliver(ctx context.Context, body []byte) {
	var ev realtime.ChangeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Errorf("Failed to unmarshal change event: %v", err)
		return
	}
	if err := f.local.Publish(ctx, ev); err != nil {
		logger.Errorf("Failed to deliver change event %s: %v", ChangeRoutingKey(ev), err)
	}
}

func (f *ChangeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn, f.channel = nil, nil
	return err
}
