package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemotePresenceMergesWithLocal(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	watcher := newRecorder()
	_, err := hub.JoinPresence("online-users", "watcher", watcher.handlers())
	require.NoError(t, err)

	hub.TrackRemote(RemotePresence{Topic: "online-users", Node: "node-b", Key: "alice", Payload: json.RawMessage(`{"online":true}`)})
	assert.Equal(t, []string{"alice"}, watcher.joins)
	assert.True(t, watcher.keys["alice"])

	// тот же пользователь открыл вкладку на этом узле: повторного join нет
	local, err := hub.JoinPresence("online-users", "alice", PresenceHandlers{})
	require.NoError(t, err)
	require.NoError(t, local.Track(ctx, map[string]bool{"online": true}))
	assert.Equal(t, []string{"alice"}, watcher.joins)
	assert.Len(t, hub.PresenceState("online-users")["alice"], 2)

	hub.UntrackRemote("online-users", "node-b", "alice")
	assert.Empty(t, watcher.leaves)
	assert.True(t, watcher.keys["alice"])

	local.Leave()
	assert.Equal(t, []string{"alice"}, watcher.leaves)
	assert.False(t, watcher.keys["alice"])
}

func TestRemotePresenceWithoutLocalTopic(t *testing.T) {
	hub := NewHub()
	hub.TrackRemote(RemotePresence{Topic: "typing-c1", Node: "node-b", Key: "bob", Payload: json.RawMessage(`{"typing":true}`)})

	state := hub.PresenceState("typing-c1")
	require.Len(t, state["bob"], 1)
	assert.JSONEq(t, `{"typing":true}`, string(state["bob"][0]))

	// вошедший позже участник видит удаленный ключ в первом sync
	watcher := newRecorder()
	_, err := hub.JoinPresence("typing-c1", "carol", watcher.handlers())
	require.NoError(t, err)
	assert.True(t, watcher.keys["bob"])

	hub.UntrackRemote("typing-c1", "node-b", "nobody")
	hub.UntrackRemote("typing-c1", "node-b", "bob")
	assert.Equal(t, []string{"bob"}, watcher.leaves)
}

func TestReplaceRemoteDropsExpiredNode(t *testing.T) {
	hub := NewHub()
	watcher := newRecorder()
	_, err := hub.JoinPresence("online-users", "watcher", watcher.handlers())
	require.NoError(t, err)

	hub.TrackRemote(RemotePresence{Topic: "online-users", Node: "node-b", Key: "alice", Payload: json.RawMessage(`{}`)})
	hub.TrackRemote(RemotePresence{Topic: "online-users", Node: "node-c", Key: "bob", Payload: json.RawMessage(`{}`)})

	hub.ReplaceRemote([]RemotePresence{
		{Topic: "online-users", Node: "node-c", Key: "bob", Payload: json.RawMessage(`{}`)},
		{Topic: "online-users", Node: "node-c", Key: "dave", Payload: json.RawMessage(`{}`)},
	})
	assert.Equal(t, []string{"alice"}, watcher.leaves)
	assert.Equal(t, []string{"alice", "bob", "dave"}, watcher.joins)
	assert.Equal(t, []string{"bob", "dave"}, watcher.sortedKeys())
}

func drainOp(t *testing.T, r *RedisPresence) []byte {
	t.Helper()
	select {
	case op := <-r.ops:
		body, err := json.Marshal(op)
		require.NoError(t, err)
		return body
	default:
		t.Fatal("no presence op queued")
		return nil
	}
}

func TestRedisPresenceOpsCarryPresenceBetweenNodes(t *testing.T) {
	ctx := context.Background()
	hubA, hubB := NewHub(), NewHub()
	nodeA := NewRedisPresence(nil, hubA, "node-a", 0)
	nodeB := NewRedisPresence(nil, hubB, "node-b", 0)
	hubA.SetPresenceObserver(nodeA)
	hubB.SetPresenceObserver(nodeB)

	watcher := newRecorder()
	_, err := hubB.JoinPresence("online-users", "bob", watcher.handlers())
	require.NoError(t, err)

	alice, err := hubA.JoinPresence("online-users", "alice", PresenceHandlers{})
	require.NoError(t, err)
	require.NoError(t, alice.Track(ctx, map[string]bool{"online": true}))
	assert.Contains(t, nodeA.snapshot(), presenceKey("node-a", "online-users", "alice"))

	track := drainOp(t, nodeA)
	nodeA.handle(track)
	assert.Len(t, hubA.PresenceState("online-users")["alice"], 1, "own ops are ignored")
	nodeB.handle(track)
	assert.Equal(t, []string{"alice"}, watcher.joins)
	assert.True(t, watcher.keys["alice"])

	alice.Leave()
	assert.Empty(t, nodeA.snapshot())
	nodeB.handle(drainOp(t, nodeA))
	assert.Equal(t, []string{"alice"}, watcher.leaves)
	assert.False(t, watcher.keys["alice"])

	nodeB.handle([]byte("not json"))
}

func TestSetPresenceObserverReplaysLocalKeys(t *testing.T) {
	hub := NewHub()
	ch, err := hub.JoinPresence("typing-c1", "erin", PresenceHandlers{})
	require.NoError(t, err)
	require.NoError(t, ch.Track(context.Background(), map[string]bool{"typing": true}))
	_, err = hub.JoinPresence("typing-c1", "idle", PresenceHandlers{})
	require.NoError(t, err)

	r := NewRedisPresence(nil, hub, "node-a", time.Minute)
	hub.SetPresenceObserver(r)

	local := r.snapshot()
	require.Len(t, local, 1)
	op := local[presenceKey("node-a", "typing-c1", "erin")]
	assert.Equal(t, presenceOpTrack, op.Op)
	assert.JSONEq(t, `{"typing":true}`, string(op.Payload))
}

func TestRemoteEntriesSkipsOwnNodeAndExpired(t *testing.T) {
	own, _ := json.Marshal(presenceOp{Op: presenceOpTrack, Node: "node-a", Topic: "online-users", Key: "alice"})
	other, _ := json.Marshal(presenceOp{Op: presenceOpTrack, Node: "node-b", Topic: "online-users", Key: "bob", Payload: json.RawMessage(`{}`)})

	entries := remoteEntries("node-a", []interface{}{nil, string(own), string(other), "garbage"})
	require.Len(t, entries, 1)
	assert.Equal(t, RemotePresence{Topic: "online-users", Node: "node-b", Key: "bob", Payload: json.RawMessage(`{}`)}, entries[0])
}

// Работает с локальным Redis, без него пропускается
func TestRedisPresenceAcrossNodes(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}

	suffix := fmt.Sprint(time.Now().UnixNano())
	topic := "online-test-" + suffix
	hubA, hubB := NewHub(), NewHub()
	nodeA := NewRedisPresence(client, hubA, "node-a-"+suffix, 3*time.Second)
	nodeB := NewRedisPresence(client, hubB, "node-b-"+suffix, 3*time.Second)
	nodeA.channel = "feedsync:presence:test:" + suffix
	nodeB.channel = nodeA.channel

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	require.NoError(t, nodeA.Start(ctxA))
	require.NoError(t, nodeB.Start(ctxB))

	alice, err := hubA.JoinPresence(topic, "alice", PresenceHandlers{})
	require.NoError(t, err)
	require.NoError(t, alice.Track(context.Background(), map[string]bool{"online": true}))

	require.Eventually(t, func() bool {
		return len(hubB.PresenceState(topic)["alice"]) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// остановка узла удаляет его ключи
	cancelA()
	require.Eventually(t, func() bool {
		return len(hubB.PresenceState(topic)["alice"]) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
