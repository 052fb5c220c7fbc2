package services

import (
	"context"
	"sync"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/models"
	"feedsync/realtime"
	"feedsync/repository"

	"github.com/pkg/errors"
)

// ReactionEmojis - допустимые реакции на сообщение, в порядке показа в пикере
var ReactionEmojis = []string{"❤️", "😂", "😮", "😢", "😡", "👍"}

var ErrUnknownReaction = errors.New("unknown reaction emoji")

func IsReactionEmoji(emoji string) bool {
	for _, e := range ReactionEmojis {
		if e == emoji {
			return true
		}
	}
	return false
}

// ReactionGroup - одна эмодзи и кто ее поставил
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// MessageReactions - реакции на одно сообщение
type MessageReactions struct {
	store     repository.ReactionRepository
	broker    realtime.Broker
	viewer    auth.Viewer
	messageID string

	mu        sync.Mutex
	reactions []models.MessageReaction
	closed    bool
	sub       realtime.Subscription
	onChange  func([]ReactionGroup)
}

func NewMessageReactions(store repository.ReactionRepository, broker realtime.Broker, viewer auth.Viewer, messageID string) *MessageReactions {
	return &MessageReactions{store: store, broker: broker, viewer: viewer, messageID: messageID}
}

func (r *MessageReactions) OnChange(fn func([]ReactionGroup)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *MessageReactions) Load(ctx context.Context) error {
	r.mu.Lock()
	needSubscribe := r.broker != nil && r.sub == nil && !r.closed
	r.mu.Unlock()
	if needSubscribe {
		sub, err := r.broker.Subscribe("reactions-"+r.messageID, realtime.ChangeFilter{
			Event: realtime.EventAll, Table: "message_reactions", Column: "message_id", Value: r.messageID,
		}, r.handleEvent)
		if err != nil {
			logger.Errorf("Failed to subscribe to reactions of %s: %v", r.messageID, err)
		} else {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				sub.Unsubscribe()
			} else {
				r.sub = sub
				r.mu.Unlock()
			}
		}
	}

	list, err := r.store.ListReactions(ctx, r.messageID)
	if err != nil {
		return errors.Wrap(err, "failed to load reactions")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.reactions = list
	r.commit()
	return nil
}

func (r *MessageReactions) commit() {
	groups := groupReactions(r.reactions)
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(groups)
	}
}

// Toggle снимает свою реакцию этой эмодзи или ставит ее
func (r *MessageReactions) Toggle(ctx context.Context, emoji string) error {
	if r.viewer.Anonymous() {
		return nil
	}
	if !IsReactionEmoji(emoji) {
		return ErrUnknownReaction
	}

	r.mu.Lock()
	var existing *models.MessageReaction
	for _, re := range r.reactions {
		if re.UserID == r.viewer.UserID && re.Emoji == emoji {
			re := re
			existing = &re
			break
		}
	}
	r.mu.Unlock()

	if existing != nil {
		if _, err := r.store.DeleteReaction(ctx, existing.ID, r.viewer.UserID); err != nil {
			return errors.Wrap(err, "failed to remove reaction")
		}
		r.mu.Lock()
		r.removeLocked(existing.ID)
		r.commit()
		return nil
	}

	re := &models.MessageReaction{MessageID: r.messageID, UserID: r.viewer.UserID, Emoji: emoji}
	if err := r.store.InsertReaction(ctx, re); err != nil {
		return errors.Wrap(err, "failed to add reaction")
	}
	r.mu.Lock()
	r.addLocked(*re)
	r.commit()
	return nil
}

func (r *MessageReactions) addLocked(re models.MessageReaction) {
	for _, existing := range r.reactions {
		if existing.ID == re.ID {
			return
		}
	}
	r.reactions = append(r.reactions, re)
}

func (r *MessageReactions) removeLocked(id string) {
	out := r.reactions[:0]
	for _, re := range r.reactions {
		if re.ID != id {
			out = append(out, re)
		}
	}
	r.reactions = out
}

func (r *MessageReactions) handleEvent(ev realtime.ChangeEvent) {
	var re models.MessageReaction
	if err := ev.Record(&re); err != nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	switch ev.Type {
	case realtime.EventInsert:
		r.addLocked(re)
	case realtime.EventDelete:
		r.removeLocked(re.ID)
	}
	r.commit()
}

func (r *MessageReactions) Grouped() []ReactionGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return groupReactions(r.reactions)
}

// groupReactions группирует по эмодзи в порядке первого появления
func groupReactions(reactions []models.MessageReaction) []ReactionGroup {
	groups := make([]ReactionGroup, 0)
	index := make(map[string]int)
	for _, re := range reactions {
		i, ok := index[re.Emoji]
		if !ok {
			i = len(groups)
			index[re.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: re.Emoji})
		}
		groups[i].UserIDs = append(groups[i].UserIDs, re.UserID)
	}
	return groups
}

func (r *MessageReactions) Close() {
	r.mu.Lock()
	r.closed = true
	sub := r.sub
	r.sub = nil
	r.onChange = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
