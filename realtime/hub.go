package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"feedsync/metrics"
)

var (
	ErrChannelClosed = errors.New("presence channel is closed")
	ErrEmptyKey      = errors.New("presence key is empty")
)

type subscription struct {
	id      uint64
	topic   string
	filter  ChangeFilter
	handler func(ChangeEvent)
	hub     *Hub
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

type presenceTopic struct {
	// deliverMu упорядочивает доставку событий одного топика
	deliverMu sync.Mutex
	members   map[uint64]*presenceMember
}

type presenceMember struct {
	ref      uint64
	key      string
	handlers PresenceHandlers
	payload  json.RawMessage
	tracked  bool
	left     bool
}

// PresenceObserver получает изменения presence этого узла: payload ключа
// (последнего отслеживающего соединения) или его уход. Вызывается под
// блокировкой хаба, обратно в хаб ходить нельзя
type PresenceObserver interface {
	PresenceTracked(topic, key string, payload json.RawMessage)
	PresenceUntracked(topic, key string)
}

// RemotePresence - ключ, отслеживаемый на другом узле
type RemotePresence struct {
	Topic   string          `json:"topic"`
	Node    string          `json:"node"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub - realtime-брокер внутри процесса. Доставка синхронная, в порядке публикации
type Hub struct {
	mu        sync.RWMutex
	publishMu sync.Mutex
	nextID    uint64
	subs      map[uint64]*subscription
	presence  map[string]*presenceTopic
	// topic -> node -> key -> payload
	remote   map[string]map[string]map[string]json.RawMessage
	observer PresenceObserver
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[uint64]*subscription),
		presence: make(map[string]*presenceTopic),
		remote:   make(map[string]map[string]map[string]json.RawMessage),
	}
}

func (h *Hub) Subscribe(topic string, filter ChangeFilter, handler func(ChangeEvent)) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &subscription{id: h.nextID, topic: topic, filter: filter, handler: handler, hub: h}
	h.subs[sub.id] = sub
	return sub, nil
}

// Publish доставляет событие всем подпискам, чей фильтр совпал.
// Обработчики не должны публиковать синхронно из своего тела
func (h *Hub) Publish(ctx context.Context, ev ChangeEvent) error {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.Matches(ev) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, sub := range targets {
		sub.handler(ev)
	}
	metrics.RecordDelivered("change", len(targets))
	return nil
}

// SubscriberCount - число подписок на топик, для диагностики и тестов
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sub := range h.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}

func (h *Hub) JoinPresence(topic, key string, handlers PresenceHandlers) (PresenceChannel, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	h.mu.Lock()
	t, ok := h.presence[topic]
	if !ok {
		t = &presenceTopic{members: make(map[uint64]*presenceMember)}
		h.presence[topic] = t
	}
	h.nextID++
	m := &presenceMember{ref: h.nextID, key: key, handlers: handlers}
	t.members[m.ref] = m
	h.mu.Unlock()

	metrics.SetPresenceMembers(channelKind(topic), 1)

	// новый участник получает текущее состояние канала
	t.deliverMu.Lock()
	if handlers.OnSync != nil {
		handlers.OnSync(h.PresenceState(topic))
		metrics.RecordDelivered("presence", 1)
	}
	t.deliverMu.Unlock()

	return &hubPresenceChannel{hub: h, topic: topic, member: m}, nil
}

// PresenceState - ключ -> payload'ы всех отслеживаемых соединений с этим ключом,
// в порядке входа в канал
func (h *Hub) PresenceState(topic string) map[string][]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state := make(map[string][]json.RawMessage)
	t, ok := h.presence[topic]
	if ok {
		for _, m := range sortedMembers(t) {
			if m.tracked {
				state[m.key] = append(state[m.key], m.payload)
			}
		}
	}
	// соединения других узлов идут после своих, узлы по имени
	nodes := h.remote[topic]
	names := make([]string, 0, len(nodes))
	for node := range nodes {
		names = append(names, node)
	}
	sort.Strings(names)
	for _, node := range names {
		for key, payload := range nodes[node] {
			state[key] = append(state[key], payload)
		}
	}
	return state
}

func sortedMembers(t *presenceTopic) []*presenceMember {
	members := make([]*presenceMember, 0, len(t.members))
	for _, m := range t.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ref < members[j].ref })
	return members
}

func keyTracked(t *presenceTopic, key string, except uint64) bool {
	for ref, m := range t.members {
		if ref != except && m.key == key && m.tracked {
			return true
		}
	}
	return false
}

// remoteTrackedLocked - ключ отслеживается хотя бы на одном другом узле
func (h *Hub) remoteTrackedLocked(topic, key string) bool {
	for _, keys := range h.remote[topic] {
		if _, ok := keys[key]; ok {
			return true
		}
	}
	return false
}

// notifyObserverLocked сообщает наблюдателю итоговое состояние ключа на узле
func (h *Hub) notifyObserverLocked(topic string, t *presenceTopic, key string) {
	if h.observer == nil {
		return
	}
	var last *presenceMember
	for _, m := range t.members {
		if m.key == key && m.tracked && (last == nil || m.ref > last.ref) {
			last = m
		}
	}
	if last == nil {
		h.observer.PresenceUntracked(topic, key)
		return
	}
	h.observer.PresenceTracked(topic, key, last.payload)
}

// SetPresenceObserver подключает наблюдателя и сразу отдает ему текущие ключи узла
func (h *Hub) SetPresenceObserver(o PresenceObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
	if o == nil {
		return
	}
	for topic, t := range h.presence {
		seen := make(map[string]bool)
		for _, m := range sortedMembers(t) {
			if m.tracked && !seen[m.key] {
				seen[m.key] = true
				h.notifyObserverLocked(topic, t, m.key)
			}
		}
	}
}

// TrackRemote добавляет или обновляет ключ другого узла
func (h *Hub) TrackRemote(p RemotePresence) {
	if p.Key == "" || p.Node == "" {
		return
	}
	h.mu.Lock()
	joined := !h.remoteTrackedLocked(p.Topic, p.Key)
	if t, ok := h.presence[p.Topic]; ok && keyTracked(t, p.Key, 0) {
		joined = false
	}
	nodes, ok := h.remote[p.Topic]
	if !ok {
		nodes = make(map[string]map[string]json.RawMessage)
		h.remote[p.Topic] = nodes
	}
	if nodes[p.Node] == nil {
		nodes[p.Node] = make(map[string]json.RawMessage)
	}
	nodes[p.Node][p.Key] = p.Payload
	t := h.presence[p.Topic]
	h.mu.Unlock()

	if t == nil {
		return
	}
	var joinEv *presenceDiff
	if joined {
		joinEv = &presenceDiff{key: p.Key, presences: []json.RawMessage{p.Payload}}
	}
	h.deliverPresence(p.Topic, t, joinEv, nil)
}

// UntrackRemote убирает ключ другого узла
func (h *Hub) UntrackRemote(topic, node, key string) {
	h.mu.Lock()
	payload, ok := h.remote[topic][node][key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.remote[topic][node], key)
	if len(h.remote[topic][node]) == 0 {
		delete(h.remote[topic], node)
	}
	if len(h.remote[topic]) == 0 {
		delete(h.remote, topic)
	}
	left := !h.remoteTrackedLocked(topic, key)
	t := h.presence[topic]
	if t != nil && keyTracked(t, key, 0) {
		left = false
	}
	h.mu.Unlock()

	if t == nil {
		return
	}
	var leaveEv *presenceDiff
	if left {
		leaveEv = &presenceDiff{key: key, presences: []json.RawMessage{payload}}
	}
	h.deliverPresence(topic, t, nil, leaveEv)
}

// ReplaceRemote приводит ключи других узлов к полному снимку: чего нет в
// entries, то ушло (например, истек TTL упавшего узла)
func (h *Hub) ReplaceRemote(entries []RemotePresence) {
	type ref struct{ topic, node, key string }
	next := make(map[ref]json.RawMessage, len(entries))
	for _, e := range entries {
		next[ref{e.Topic, e.Node, e.Key}] = e.Payload
	}

	h.mu.RLock()
	var gone []ref
	changed := make([]RemotePresence, 0, len(entries))
	for topic, nodes := range h.remote {
		for node, keys := range nodes {
			for key := range keys {
				if _, ok := next[ref{topic, node, key}]; !ok {
					gone = append(gone, ref{topic, node, key})
				}
			}
		}
	}
	for _, e := range entries {
		current, ok := h.remote[e.Topic][e.Node][e.Key]
		if !ok || string(current) != string(e.Payload) {
			changed = append(changed, e)
		}
	}
	h.mu.RUnlock()

	for _, g := range gone {
		h.UntrackRemote(g.topic, g.node, g.key)
	}
	for _, e := range changed {
		h.TrackRemote(e)
	}
}

func (h *Hub) track(topic string, m *presenceMember, payload json.RawMessage) error {
	h.mu.Lock()
	t, ok := h.presence[topic]
	if !ok || m.left {
		h.mu.Unlock()
		return ErrChannelClosed
	}
	joined := !m.tracked && !keyTracked(t, m.key, m.ref) && !h.remoteTrackedLocked(topic, m.key)
	m.payload = payload
	m.tracked = true
	h.notifyObserverLocked(topic, t, m.key)
	h.mu.Unlock()

	var joinEv *presenceDiff
	if joined {
		joinEv = &presenceDiff{key: m.key, presences: []json.RawMessage{payload}}
	}
	h.deliverPresence(topic, t, joinEv, nil)
	return nil
}

func (h *Hub) untrack(topic string, m *presenceMember) error {
	h.mu.Lock()
	t, ok := h.presence[topic]
	if !ok || m.left {
		h.mu.Unlock()
		return ErrChannelClosed
	}
	if !m.tracked {
		h.mu.Unlock()
		return nil
	}
	m.tracked = false
	left := !keyTracked(t, m.key, m.ref) && !h.remoteTrackedLocked(topic, m.key)
	payload := m.payload
	m.payload = nil
	h.notifyObserverLocked(topic, t, m.key)
	h.mu.Unlock()

	var leaveEv *presenceDiff
	if left {
		leaveEv = &presenceDiff{key: m.key, presences: []json.RawMessage{payload}}
	}
	h.deliverPresence(topic, t, nil, leaveEv)
	return nil
}

func (h *Hub) leave(topic string, m *presenceMember) {
	h.mu.Lock()
	t, ok := h.presence[topic]
	if !ok || m.left {
		h.mu.Unlock()
		return
	}
	m.left = true
	delete(t.members, m.ref)
	var leaveEv *presenceDiff
	if m.tracked && !keyTracked(t, m.key, m.ref) && !h.remoteTrackedLocked(topic, m.key) {
		leaveEv = &presenceDiff{key: m.key, presences: []json.RawMessage{m.payload}}
	}
	wasTracked := m.tracked
	m.tracked = false
	if wasTracked {
		h.notifyObserverLocked(topic, t, m.key)
	}
	if len(t.members) == 0 {
		delete(h.presence, topic)
	}
	h.mu.Unlock()

	metrics.SetPresenceMembers(channelKind(topic), -1)
	h.deliverPresence(topic, t, nil, leaveEv)
}

type presenceDiff struct {
	key       string
	presences []json.RawMessage
}

func (h *Hub) deliverPresence(topic string, t *presenceTopic, join, leave *presenceDiff) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	h.mu.RLock()
	members := sortedMembers(t)
	h.mu.RUnlock()
	state := h.PresenceState(topic)

	delivered := 0
	for _, m := range members {
		if join != nil && m.handlers.OnJoin != nil {
			m.handlers.OnJoin(join.key, join.presences)
			delivered++
		}
		if leave != nil && m.handlers.OnLeave != nil {
			m.handlers.OnLeave(leave.key, leave.presences)
			delivered++
		}
		if m.handlers.OnSync != nil {
			m.handlers.OnSync(copyState(state))
			delivered++
		}
	}
	metrics.RecordDelivered("presence", delivered)
}

func copyState(state map[string][]json.RawMessage) map[string][]json.RawMessage {
	out := make(map[string][]json.RawMessage, len(state))
	for k, v := range state {
		out[k] = append([]json.RawMessage(nil), v...)
	}
	return out
}

// channelKind отрезает id из имени топика: "typing-<id>" -> "typing"
func channelKind(topic string) string {
	if i := strings.Index(topic, "-"); i > 0 && strings.HasPrefix(topic, "typing") {
		return topic[:i]
	}
	return topic
}

type hubPresenceChannel struct {
	hub    *Hub
	topic  string
	member *presenceMember
	once   sync.Once
}

func (c *hubPresenceChannel) Topic() string { return c.topic }
func (c *hubPresenceChannel) Key() string   { return c.member.key }

func (c *hubPresenceChannel) Track(ctx context.Context, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.hub.track(c.topic, c.member, raw)
}

func (c *hubPresenceChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.untrack(c.topic, c.member)
}

func (c *hubPresenceChannel) State() map[string][]json.RawMessage {
	return c.hub.PresenceState(c.topic)
}

// Leave освобождает канал, остальные участники получают leave и sync
func (c *hubPresenceChannel) Leave() {
	c.once.Do(func() {
		c.hub.leave(c.topic, c.member)
	})
}
