package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedsync/logger"

	"github.com/go-redis/redis/v8"
)

const (
	PresenceRelayChannel = "feedsync:presence"
	DefaultPresenceTTL   = 30 * time.Second

	presenceKeyPrefix = "feedsync:presence:"
	presenceOpTrack   = "track"
	presenceOpUntrack = "untrack"
)

// presenceKey: feedsync:presence:<node>:<topic>:<key>, значение - presenceOp,
// TTL ограничивает жизнь записей упавшего узла
func presenceKey(node, topic, key string) string {
	return presenceKeyPrefix + node + ":" + topic + ":" + key
}

type presenceOp struct {
	Op      string          `json:"op"`
	Node    string          `json:"node"`
	Topic   string          `json:"topic"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (op presenceOp) remote() RemotePresence {
	return RemotePresence{Topic: op.Topic, Node: op.Node, Key: op.Key, Payload: op.Payload}
}

// RedisPresence делает presence общим для узлов: свои ключи пишет в Redis с TTL
// и рассылает join/leave через Pub/Sub, чужие отдает хабу как удаленные
type RedisPresence struct {
	client  *redis.Client
	hub     *Hub
	nodeID  string
	ttl     time.Duration
	channel string

	mu    sync.Mutex
	local map[string]presenceOp
	ops   chan presenceOp
}

func NewRedisPresence(client *redis.Client, hub *Hub, nodeID string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresence{
		client:  client,
		hub:     hub,
		nodeID:  nodeID,
		ttl:     ttl,
		channel: PresenceRelayChannel,
		local:   make(map[string]presenceOp),
		ops:     make(chan presenceOp, 256),
	}
}

func (r *RedisPresence) PresenceTracked(topic, key string, payload json.RawMessage) {
	op := presenceOp{Op: presenceOpTrack, Node: r.nodeID, Topic: topic, Key: key, Payload: payload}
	r.mu.Lock()
	r.local[presenceKey(r.nodeID, topic, key)] = op
	r.mu.Unlock()
	r.enqueue(op)
}

func (r *RedisPresence) PresenceUntracked(topic, key string) {
	r.mu.Lock()
	delete(r.local, presenceKey(r.nodeID, topic, key))
	r.mu.Unlock()
	r.enqueue(presenceOp{Op: presenceOpUntrack, Node: r.nodeID, Topic: topic, Key: key})
}

// enqueue не блокирует хаб. Потерянную запись догонит heartbeat или TTL
func (r *RedisPresence) enqueue(op presenceOp) {
	select {
	case r.ops <- op:
	default:
		logger.Warnf("Presence queue is full, %s %s/%s waits for heartbeat", op.Op, op.Topic, op.Key)
	}
}

// Start подписывается на канал, забирает снимок чужих ключей и крутит
// запись и heartbeat до отмены ctx. При остановке свои ключи удаляются
func (r *RedisPresence) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.hub.SetPresenceObserver(r)
	if err := r.reconcile(ctx); err != nil {
		logger.Warnf("Failed to load presence of other nodes: %v", err)
	}

	go func() {
		defer pubsub.Close()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				r.hub.SetPresenceObserver(nil)
				r.shutdown()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle([]byte(msg.Payload))
			case op := <-r.ops:
				if err := r.apply(ctx, op); err != nil {
					logger.Warnf("Failed to write presence %s/%s: %v", op.Topic, op.Key, err)
				}
			case <-ticker.C:
				r.heartbeat(ctx)
			}
		}
	}()
	logger.Infof("Redis presence started as node %s, ttl %s", r.nodeID, r.ttl)
	return nil
}

func (r *RedisPresence) apply(ctx context.Context, op presenceOp) error {
	body, err := json.Marshal(op)
	if err != nil {
		return err
	}
	key := presenceKey(op.Node, op.Topic, op.Key)
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if op.Op == presenceOpTrack {
			pipe.Set(ctx, key, body, r.ttl)
		} else {
			pipe.Del(ctx, key)
		}
		pipe.Publish(ctx, r.channel, body)
		return nil
	})
	return err
}

func (r *RedisPresence) snapshot() map[string]presenceOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]presenceOp, len(r.local))
	for k, op := range r.local {
		out[k] = op
	}
	return out
}

// heartbeat продлевает TTL своих ключей и сверяет чужие со снимком Redis
func (r *RedisPresence) heartbeat(ctx context.Context) {
	local := r.snapshot()
	if len(local) > 0 {
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, op := range local {
				body, err := json.Marshal(op)
				if err != nil {
					continue
				}
				pipe.Set(ctx, key, body, r.ttl)
			}
			return nil
		})
		if err != nil {
			logger.Warnf("Failed to renew presence: %v", err)
		}
	}
	if err := r.reconcile(ctx); err != nil {
		logger.Warnf("Failed to reconcile presence: %v", err)
	}
}

func (r *RedisPresence) reconcile(ctx context.Context) error {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, presenceKeyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	own := presenceKeyPrefix + r.nodeID + ":"
	others := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, own) {
			others = append(others, k)
		}
	}
	var values []interface{}
	if len(others) > 0 {
		var err error
		values, err = r.client.MGet(ctx, others...).Result()
		if err != nil {
			return err
		}
	}
	r.hub.ReplaceRemote(remoteEntries(r.nodeID, values))
	return nil
}

// remoteEntries разбирает значения MGET, пропуская истекшие ключи и свой узел
func remoteEntries(nodeID string, values []interface{}) []RemotePresence {
	entries := make([]RemotePresence, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var op presenceOp
		if err := json.Unmarshal([]byte(s), &op); err != nil || op.Node == nodeID || op.Op != presenceOpTrack {
			continue
		}
		entries = append(entries, op.remote())
	}
	return entries
}

func (r *RedisPresence) handle(payload []byte) {
	var op presenceOp
	if err := json.Unmarshal(payload, &op); err != nil {
		logger.Errorf("Failed to unmarshal presence op: %v", err)
		return
	}
	if op.Node == r.nodeID {
		return
	}
	switch op.Op {
	case presenceOpTrack:
		r.hub.TrackRemote(op.remote())
	case presenceOpUntrack:
		r.hub.UntrackRemote(op.Topic, op.Node, op.Key)
	}
}

// shutdown удаляет свои ключи и сообщает остальным узлам об уходе
func (r *RedisPresence) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	local := r.snapshot()
	for _, op := range local {
		op.Op = presenceOpUntrack
		op.Payload = nil
		if err := r.apply(ctx, op); err != nil {
			logger.Warnf("Failed to drop presence %s/%s: %v", op.Topic, op.Key, err)
			return
		}
	}
}
