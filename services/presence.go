package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/realtime"
)

const OnlineChannel = "online-users"

func TypingChannel(conversationID string) string {
	return "typing-" + conversationID
}

type PresenceOptions struct {
	// TypingIdleTimeout > 0 сбрасывает typing=true, если SetTyping не повторялся
	TypingIdleTimeout time.Duration
}

type PresenceState struct {
	Online         []string `json:"online"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Typing         []string `json:"typing"`
}

type onlinePayload struct {
	OnlineAt string `json:"online_at"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

// Presence - множество пользователей онлайн и, для открытого диалога, тех, кто печатает
type Presence struct {
	broker realtime.Broker
	viewer auth.Viewer
	opts   PresenceOptions

	mu             sync.Mutex
	online         map[string]struct{}
	typing         map[string]struct{}
	onlineCh       realtime.PresenceChannel
	typingCh       realtime.PresenceChannel
	conversationID string
	typingTimer    *time.Timer
	// поколение таймера: сработавший, но устаревший таймер статус не сбрасывает
	typingGen uint64
	// typingMu упорядочивает Track статуса набора между SetTyping и таймером
	typingMu sync.Mutex
	closed   bool
	onChange       func(PresenceState)
}

func NewPresence(broker realtime.Broker, viewer auth.Viewer, opts PresenceOptions) *Presence {
	return &Presence{
		broker: broker,
		viewer: viewer,
		opts:   opts,
		online: make(map[string]struct{}),
		typing: make(map[string]struct{}),
	}
}

func (p *Presence) OnChange(fn func(PresenceState)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Presence) snapshotLocked() PresenceState {
	return PresenceState{
		Online:         sortedKeys(p.online),
		ConversationID: p.conversationID,
		Typing:         sortedKeys(p.typing),
	}
}

func (p *Presence) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Presence) commit() {
	snap := p.snapshotLocked()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Start входит в канал online-users с ключом зрителя и объявляет себя онлайн
func (p *Presence) Start(ctx context.Context) error {
	if p.viewer.Anonymous() {
		return nil
	}
	p.mu.Lock()
	if p.closed || p.onlineCh != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ch, err := p.broker.JoinPresence(OnlineChannel, p.viewer.UserID, realtime.PresenceHandlers{
		OnSync:  p.handleOnlineSync,
		OnJoin:  p.handleOnlineJoin,
		OnLeave: p.handleOnlineLeave,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed || p.onlineCh != nil {
		p.mu.Unlock()
		ch.Leave()
		return nil
	}
	p.onlineCh = ch
	p.mu.Unlock()

	return ch.Track(ctx, onlinePayload{OnlineAt: time.Now().UTC().Format(time.RFC3339)})
}

func (p *Presence) handleOnlineSync(state map[string][]json.RawMessage) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	online := make(map[string]struct{}, len(state))
	for key := range state {
		online[key] = struct{}{}
	}
	p.online = online
	p.commit()
}

func (p *Presence) handleOnlineJoin(key string, _ []json.RawMessage) {
	p.mu.Lock()
	if _, ok := p.online[key]; ok || p.closed {
		p.mu.Unlock()
		return
	}
	p.online[key] = struct{}{}
	p.commit()
}

// handleOnlineLeave для неизвестного ключа ничего не меняет
func (p *Presence) handleOnlineLeave(key string, _ []json.RawMessage) {
	p.mu.Lock()
	if _, ok := p.online[key]; !ok || p.closed {
		p.mu.Unlock()
		return
	}
	delete(p.online, key)
	p.commit()
}

// WatchConversation переключает канал typing на другой диалог.
// Пустой id просто закрывает текущий канал
func (p *Presence) WatchConversation(ctx context.Context, conversationID string) error {
	if p.viewer.Anonymous() {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.conversationID == conversationID && p.typingCh != nil {
		p.mu.Unlock()
		return nil
	}
	prev := p.typingCh
	p.typingCh = nil
	p.conversationID = conversationID
	p.typing = make(map[string]struct{})
	p.stopTypingTimerLocked()
	p.commit()

	if prev != nil {
		prev.Leave()
	}
	if conversationID == "" {
		return nil
	}

	ch, err := p.broker.JoinPresence(TypingChannel(conversationID), p.viewer.UserID, realtime.PresenceHandlers{
		OnSync: func(state map[string][]json.RawMessage) {
			p.handleTypingSync(conversationID, state)
		},
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed || p.conversationID != conversationID || p.typingCh != nil {
		p.mu.Unlock()
		ch.Leave()
		return nil
	}
	p.typingCh = ch
	p.mu.Unlock()
	return nil
}

// handleTypingSync - печатают все участники, кроме себя, у которых первый payload typing=true
func (p *Presence) handleTypingSync(conversationID string, state map[string][]json.RawMessage) {
	typing := make(map[string]struct{})
	for key, presences := range state {
		if key == p.viewer.UserID || len(presences) == 0 {
			continue
		}
		var payload typingPayload
		if err := json.Unmarshal(presences[0], &payload); err != nil {
			continue
		}
		if payload.Typing {
			typing[key] = struct{}{}
		}
	}

	p.mu.Lock()
	if p.closed || p.conversationID != conversationID {
		p.mu.Unlock()
		return
	}
	p.typing = typing
	p.commit()
}

// SetTyping публикует свой статус набора в открытом диалоге, без подтверждения
func (p *Presence) SetTyping(ctx context.Context, typing bool) error {
	p.typingMu.Lock()
	defer p.typingMu.Unlock()

	p.mu.Lock()
	ch := p.typingCh
	if ch == nil || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.stopTypingTimerLocked()
	if typing && p.opts.TypingIdleTimeout > 0 {
		gen := p.typingGen
		p.typingTimer = time.AfterFunc(p.opts.TypingIdleTimeout, func() {
			p.clearTyping(ch, gen)
		})
	}
	p.mu.Unlock()

	return ch.Track(ctx, typingPayload{Typing: typing})
}

func (p *Presence) clearTyping(ch realtime.PresenceChannel, gen uint64) {
	p.typingMu.Lock()
	defer p.typingMu.Unlock()

	p.mu.Lock()
	if p.closed || p.typingCh != ch || p.typingGen != gen {
		p.mu.Unlock()
		return
	}
	p.typingTimer = nil
	p.mu.Unlock()

	if err := ch.Track(context.Background(), typingPayload{Typing: false}); err != nil {
		logger.Debugf("Failed to clear typing state: %v", err)
	}
}

func (p *Presence) stopTypingTimerLocked() {
	p.typingGen++
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

func (p *Presence) IsTyping(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[userID]
	return ok
}

func (p *Presence) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.online)
}

func (p *Presence) TypingUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.typing)
}

// Close освобождает каналы, остальные участники получат leave
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	channels := []realtime.PresenceChannel{p.onlineCh, p.typingCh}
	p.onlineCh, p.typingCh = nil, nil
	p.stopTypingTimerLocked()
	p.onChange = nil
	p.mu.Unlock()

	for _, ch := range channels {
		if ch != nil {
			ch.Leave()
		}
	}
}
