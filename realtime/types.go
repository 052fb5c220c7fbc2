// Package realtime описывает канал push-событий: подписки на изменения таблиц
// и presence-каналы с членством клиентов. Hub - реализация внутри процесса,
// RedisRelay размножает изменения между узлами.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// ChangeEvent - изменение строки в таблице. Columns содержит значения колонок,
// по которым разрешена фильтрация (post_id, user_id, conversation_id и т.д.)
type ChangeEvent struct {
	Table     string            `json:"table"`
	Type      EventType         `json:"type"`
	New       json.RawMessage   `json:"new,omitempty"`
	Old       json.RawMessage   `json:"old,omitempty"`
	Columns   map[string]string `json:"columns,omitempty"`
	Timestamp time.Time         `json:"commit_timestamp"`
}

// NewChangeEvent сериализует запись в New (для DELETE - в Old)
func NewChangeEvent(table string, eventType EventType, record interface{}, columns map[string]string) (ChangeEvent, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return ChangeEvent{}, err
	}
	ev := ChangeEvent{
		Table:     table,
		Type:      eventType,
		Columns:   columns,
		Timestamp: time.Now().UTC(),
	}
	if eventType == EventDelete {
		ev.Old = raw
	} else {
		ev.New = raw
	}
	return ev, nil
}

// Record декодирует New, а если его нет - Old
func (e ChangeEvent) Record(v interface{}) error {
	raw := e.New
	if len(raw) == 0 {
		raw = e.Old
	}
	return json.Unmarshal(raw, v)
}

// ChangeFilter - аналог "post_id=eq.<id>" для одной таблицы
type ChangeFilter struct {
	Event  EventType
	Table  string
	Column string
	Value  string
}

func (f ChangeFilter) Matches(ev ChangeEvent) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.Event != "" && f.Event != EventAll && f.Event != ev.Type {
		return false
	}
	if f.Column == "" {
		return true
	}
	return ev.Columns[f.Column] == f.Value
}

type Subscription interface {
	Unsubscribe()
}

// PresenceHandlers - колбэки presence-канала. Они вызываются синхронно
// и не должны обращаться к тому же каналу (Track/Leave) из своего тела
type PresenceHandlers struct {
	OnSync  func(state map[string][]json.RawMessage)
	OnJoin  func(key string, presences []json.RawMessage)
	OnLeave func(key string, presences []json.RawMessage)
}

type PresenceChannel interface {
	Topic() string
	Key() string
	Track(ctx context.Context, payload interface{}) error
	Untrack(ctx context.Context) error
	State() map[string][]json.RawMessage
	Leave()
}

// Publisher принимает изменения от хранилища
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Broker - то, что нужно синхронизаторам от realtime-канала
type Broker interface {
	Subscribe(topic string, filter ChangeFilter, handler func(ChangeEvent)) (Subscription, error)
	JoinPresence(topic, key string, handlers PresenceHandlers) (PresenceChannel, error)
}
