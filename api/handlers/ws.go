package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"feedsync/api/middleware"
	"feedsync/auth"
	"feedsync/logger"
	"feedsync/models"
	"feedsync/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadTimeout   = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsSendQueueSize = 64
	wsActionTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSRequest - команда клиента
type WSRequest struct {
	Action         string `json:"action"`
	PostID         string `json:"post_id,omitempty"`
	CommentID      string `json:"comment_id,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

// WSEvent - push-сообщение сервера
type WSEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// wsSession держит синхронизаторы одного соединения. Колбэки синхронизаторов
// только кладут кадр в очередь, пишет в сокет одна горутина
type wsSession struct {
	viewer auth.Viewer
	conn   *services.WSConn
	send   chan []byte
	done   chan struct{}

	mu        sync.Mutex
	posts     map[string]*services.PostInteractions
	reactions map[string]*services.MessageReactions
	presence  *services.Presence
	inbox     *services.Inbox
}

func newWSSession(viewer auth.Viewer, conn *services.WSConn) *wsSession {
	return &wsSession{
		viewer:    viewer,
		conn:      conn,
		send:      make(chan []byte, wsSendQueueSize),
		done:      make(chan struct{}),
		posts:     make(map[string]*services.PostInteractions),
		reactions: make(map[string]*services.MessageReactions),
	}
}

func (s *wsSession) push(event string, data interface{}) {
	frame, err := json.Marshal(WSEvent{Event: event, Data: data})
	if err != nil {
		logger.Errorf("Failed to marshal ws event %s: %v", event, err)
		return
	}
	select {
	case <-s.done:
	case s.send <- frame:
	default:
		logger.Warn("WebSocket send queue is full, dropping event",
			zap.String("user_id", s.viewer.UserID), zap.String("event", event))
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debugf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconcileLoop - авторитетное перечитывание открытых постов поверх push-событий
func (s *wsSession) reconcileLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			posts := make([]*services.PostInteractions, 0, len(s.posts))
			for _, p := range s.posts {
				posts = append(posts, p)
			}
			s.mu.Unlock()
			for _, p := range posts {
				ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
				p.Refresh(ctx)
				cancel()
			}
		}
	}
}

func (s *wsSession) start(ctx context.Context) {
	presence := services.NewPresence(deps.Broker, s.viewer, deps.Presence)
	presence.OnChange(func(state services.PresenceState) { s.push("presence", state) })
	if err := presence.Start(ctx); err != nil {
		logger.Errorf("Failed to join presence for %s: %v", s.viewer.UserID, err)
	}

	inbox := services.NewInbox(deps.Conversations, deps.Store, deps.Broker, s.viewer)
	inbox.OnChange(func(list []models.ConversationSummary) { s.push("conversations", list) })
	if err := inbox.Load(ctx); err != nil {
		logger.Errorf("Failed to load inbox for %s: %v", s.viewer.UserID, err)
	}

	s.mu.Lock()
	s.presence = presence
	s.inbox = inbox
	s.mu.Unlock()
}

func (s *wsSession) close() {
	close(s.done)
	s.mu.Lock()
	posts, reactions := s.posts, s.reactions
	s.posts, s.reactions = map[string]*services.PostInteractions{}, map[string]*services.MessageReactions{}
	presence, inbox := s.presence, s.inbox
	s.mu.Unlock()

	for _, p := range posts {
		p.Close()
	}
	for _, r := range reactions {
		r.Close()
	}
	if presence != nil {
		presence.Close()
	}
	if inbox != nil {
		inbox.Close()
	}
}

func (s *wsSession) post(id string) *services.PostInteractions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts[id]
}

func (s *wsSession) subscribePost(ctx context.Context, postID string) error {
	if s.post(postID) != nil {
		return nil
	}
	post, err := deps.Posts.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	p := services.NewPostInteractions(deps.Store, deps.Broker, s.viewer, post.ID, post.LikesCount)
	p.OnChange(func(state services.InteractionState) { s.push("post", state) })

	s.mu.Lock()
	if _, ok := s.posts[postID]; ok {
		s.mu.Unlock()
		p.Close()
		return nil
	}
	s.posts[postID] = p
	s.mu.Unlock()

	p.Load(ctx)
	return nil
}

func (s *wsSession) unsubscribePost(postID string) {
	s.mu.Lock()
	p := s.posts[postID]
	delete(s.posts, postID)
	s.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func (s *wsSession) subscribeReactions(ctx context.Context, convID, messageID string) error {
	ok, err := deps.Store.IsParticipant(ctx, convID, s.viewer.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return services.ErrNotParticipant
	}

	s.mu.Lock()
	if _, exists := s.reactions[messageID]; exists {
		s.mu.Unlock()
		return nil
	}
	r := services.NewMessageReactions(deps.Store, deps.Broker, s.viewer, messageID)
	s.reactions[messageID] = r
	s.mu.Unlock()

	r.OnChange(func(groups []services.ReactionGroup) {
		s.push("reactions", gin.H{"message_id": messageID, "reactions": groups})
	})
	return r.Load(ctx)
}

func (s *wsSession) reactionsFor(messageID string) *services.MessageReactions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactions[messageID]
}

func (s *wsSession) unsubscribeReactions(messageID string) {
	s.mu.Lock()
	r := s.reactions[messageID]
	delete(s.reactions, messageID)
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// handle выполняет команду клиента. Ошибка уходит клиенту уведомлением
func (s *wsSession) handle(ctx context.Context, req WSRequest) error {
	switch req.Action {
	case "subscribe_post":
		return s.subscribePost(ctx, req.PostID)
	case "unsubscribe_post":
		s.unsubscribePost(req.PostID)
	case "toggle_like":
		if p := s.post(req.PostID); p != nil {
			p.ToggleLike(ctx)
		}
	case "add_comment":
		if p := s.post(req.PostID); p != nil {
			p.AddComment(ctx, req.Content, req.ParentID)
		}
	case "delete_comment":
		if p := s.post(req.PostID); p != nil {
			p.DeleteComment(ctx, req.CommentID)
		}
	case "toggle_save":
		saved := services.NewSavedPost(deps.Store, s.viewer, req.PostID)
		defer saved.Close()
		saved.Load(ctx)
		if err := saved.ToggleSave(ctx); err != nil {
			return err
		}
		s.push("saved", gin.H{"post_id": req.PostID, "saved": saved.Saved()})
	case "watch_conversation":
		return s.presence.WatchConversation(ctx, req.ConversationID)
	case "typing":
		return s.presence.SetTyping(ctx, req.Typing)
	case "start_conversation":
		summary, err := s.inbox.StartConversation(ctx, req.UserID)
		if err != nil {
			return err
		}
		s.push("conversation_started", summary)
	case "send_message":
		_, err := s.inbox.SendMessage(ctx, req.ConversationID, req.Content)
		return err
	case "mark_read":
		_, err := s.inbox.MarkRead(ctx, req.ConversationID)
		return err
	case "subscribe_reactions":
		return s.subscribeReactions(ctx, req.ConversationID, req.MessageID)
	case "unsubscribe_reactions":
		s.unsubscribeReactions(req.MessageID)
	case "toggle_reaction":
		if r := s.reactionsFor(req.MessageID); r != nil {
			return r.Toggle(ctx, req.Emoji)
		}
	default:
		s.push("error", gin.H{"action": req.Action, "error": "unknown action"})
	}
	return nil
}

// WSHandler - WebSocket-шлюз: presence, диалоги, подписки на посты и реакции
func WSHandler(c *gin.Context) {
	viewer := middleware.Viewer(c)
	if viewer.Anonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	defer raw.Close()

	conn := services.NewWSConn(raw)
	deps.WS.Add(viewer.UserID, conn)
	defer deps.WS.Remove(viewer.UserID, conn)

	// выход по этому токену закрывает сокет, read loop завершится сам
	token := c.GetString(middleware.TokenKey)
	var closeOnce sync.Once
	if deps.Auth != nil && token != "" {
		defer deps.Auth.OnSessionChange(func(ev auth.SessionEvent) {
			if ev.Type != auth.EventSignedOut || ev.Session == nil || ev.Session.Token != token {
				return
			}
			closeOnce.Do(func() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "signed out"))
				_ = raw.Close()
			})
		})()
	}

	session := newWSSession(viewer, conn)
	defer session.close()
	go session.writeLoop()
	if deps.ReconcileInterval > 0 {
		go session.reconcileLoop(deps.ReconcileInterval)
	}

	raw.SetReadLimit(1 << 20)
	_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	session.push("connected", viewer)
	startCtx, cancelStart := context.WithTimeout(context.Background(), wsActionTimeout)
	session.start(startCtx)
	cancelStart()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			logger.Debugf("WebSocket read error: %v", err)
			break
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var req WSRequest
		if err := json.Unmarshal(data, &req); err != nil {
			session.push("error", gin.H{"error": "invalid request"})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
		err = session.handle(ctx, req)
		cancel()
		if err != nil {
			_ = services.SendWsNotify(viewer.UserID, "error", req.Action+": "+err.Error())
		}
	}
}
