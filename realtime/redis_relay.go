package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"feedsync/logger"

	"github.com/go-redis/redis/v8"
)

const RelayChannel = "feedsync:changes"

// relayEnvelope - событие, пересылаемое между узлами
type relayEnvelope struct {
	Node  string      `json:"node"`
	Event ChangeEvent `json:"event"`
}

// RedisRelay публикует изменения в Redis Pub/Sub и доставляет изменения
// других узлов в локальный Hub. Presence между узлами ходит через RedisPresence
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	nodeID  string
	channel string
}

func NewRedisRelay(client *redis.Client, hub *Hub, nodeID string) *RedisRelay {
	return &RedisRelay{
		client:  client,
		hub:     hub,
		nodeID:  nodeID,
		channel: RelayChannel,
	}
}

// Publish доставляет событие локально и отправляет остальным узлам.
// Если Redis недоступен, локальная доставка все равно происходит
func (r *RedisRelay) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := r.hub.Publish(ctx, ev); err != nil {
		return err
	}
	body, err := encodeEnvelope(r.nodeID, ev)
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("failed to relay change event: %w", err)
	}
	return nil
}

// Start слушает канал до отмены контекста
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(ctx, []byte(msg.Payload))
			}
		}
	}()
	logger.Infof("Redis relay subscribed to %s as node %s", r.channel, r.nodeID)
	return nil
}

func (r *RedisRelay) handle(ctx context.Context, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		logger.Errorf("Failed to unmarshal relay envelope: %v", err)
		return
	}
	if env.Node == r.nodeID {
		return
	}
	_ = r.hub.Publish(ctx, env.Event)
}

func encodeEnvelope(node string, ev ChangeEvent) ([]byte, error) {
	return json.Marshal(relayEnvelope{Node: node, Event: ev})
}

func decodeEnvelope(payload []byte) (relayEnvelope, error) {
	var env relayEnvelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
