package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"feedsync/logger"
	"feedsync/models"
	"feedsync/realtime"
	"feedsync/repository"
)

const (
	ActivityTopic        = "activity"
	DefaultActivityLimit = 50
)

type NotifyService struct {
	Event      string `json:"event"`
	NotifyType string `json:"notify_type"`
	Message    string `json:"message"`
}

func truncateMessage(message string, max int) string {
	if utf8.RuneCountInString(message) <= max {
		return message
	}
	runes := []rune(message)
	return string(runes[:max]) + "..."
}

// SendWsNotify - отправка уведомления через WebSocket
func SendWsNotify(userID string, notifyType string, message string) error {
	if len(notifyType) == 0 {
		notifyType = "info"
	}
	if len(message) == 0 {
		return nil
	}
	notify := NotifyService{Event: "notify", NotifyType: notifyType, Message: truncateMessage(message, 100)}
	jsonData, err := json.Marshal(notify)
	if err != nil {
		return err
	}
	GlobalWSConnManager.Send(userID, jsonData)
	return nil
}

// Notification - лайк или комментарий к посту пользователя
type Notification struct {
	Type      string                 `json:"type"`
	PostID    string                 `json:"post_id"`
	Actor     *models.ProfileSummary `json:"actor,omitempty"`
	ActorID   string                 `json:"actor_id"`
	Text      string                 `json:"text,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type activityStore interface {
	repository.PostRepository
	repository.ProfileRepository
}

// ActivityNotifier слушает лайки и комментарии, хранит последние уведомления
// для владельцев постов в памяти узла и пушит их в открытые сокеты
type ActivityNotifier struct {
	store activityStore
	ws    *WSConnManager
	limit int

	mu    sync.Mutex
	items map[string][]Notification
	subs  []realtime.Subscription
	wg    sync.WaitGroup
}

func NewActivityNotifier(store activityStore, ws *WSConnManager, limit int) *ActivityNotifier {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	if ws == nil {
		ws = GlobalWSConnManager
	}
	return &ActivityNotifier{store: store, ws: ws, limit: limit, items: make(map[string][]Notification)}
}

func (n *ActivityNotifier) Start(broker realtime.Broker) error {
	for _, table := range []string{"likes", "comments"} {
		sub, err := broker.Subscribe(ActivityTopic, realtime.ChangeFilter{Event: realtime.EventInsert, Table: table}, n.handleEvent)
		if err != nil {
			n.Stop()
			return err
		}
		n.mu.Lock()
		n.subs = append(n.subs, sub)
		n.mu.Unlock()
	}
	return nil
}

// handleEvent не ходит в хранилище синхронно: доставка хаба идет в горутине писателя
func (n *ActivityNotifier) handleEvent(ev realtime.ChangeEvent) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.process(ctx, ev)
	}()
}

func (n *ActivityNotifier) process(ctx context.Context, ev realtime.ChangeEvent) {
	var row struct {
		PostID    string    `json:"post_id"`
		UserID    string    `json:"user_id"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := ev.Record(&row); err != nil || row.PostID == "" {
		return
	}

	post, err := n.store.GetPost(ctx, row.PostID)
	if err != nil {
		logger.Debugf("Skip activity for post %s: %v", row.PostID, err)
		return
	}
	if post.UserID == row.UserID {
		return
	}

	item := Notification{PostID: row.PostID, ActorID: row.UserID, CreatedAt: row.CreatedAt}
	switch ev.Table {
	case "likes":
		item.Type = "like"
	case "comments":
		item.Type = "comment"
		item.Text = truncateMessage(row.Content, 100)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = ev.Timestamp
	}
	if actor, err := n.store.GetProfile(ctx, row.UserID); err == nil {
		summary := actor.Summary()
		item.Actor = &summary
	}

	n.mu.Lock()
	list := append([]Notification{item}, n.items[post.UserID]...)
	if len(list) > n.limit {
		list = list[:n.limit]
	}
	n.items[post.UserID] = list
	n.mu.Unlock()

	frame, err := notificationFrame(item)
	if err != nil {
		logger.Errorf("Failed to marshal notification: %v", err)
		return
	}
	n.ws.Send(post.UserID, frame)
}

// notificationFrame - кадр {"event":"notification","data":{...}}, в отличие от
// текстового notify несет само уведомление
func notificationFrame(item Notification) ([]byte, error) {
	return json.Marshal(struct {
		Event string       `json:"event"`
		Data  Notification `json:"data"`
	}{Event: "notification", Data: item})
}

// Notifications - уведомления пользователя, новые первыми
func (n *ActivityNotifier) Notifications(userID string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.items[userID]))
	copy(out, n.items[userID])
	return out
}

func (n *ActivityNotifier) Stop() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	n.wg.Wait()
}
