package repository

import (
	"context"

	"feedsync/logger"
	"feedsync/models"
	"feedsync/realtime"
)

// changeFeedStore публикует изменения после каждой успешной записи,
// так realtime-канал видит то же, что легло в базу
type changeFeedStore struct {
	Store
	pub realtime.Publisher
}

// WithChangeFeed оборачивает хранилище публикацией ChangeEvent
func WithChangeFeed(store Store, pub realtime.Publisher) Store {
	if pub == nil {
		return store
	}
	return &changeFeedStore{Store: store, pub: pub}
}

func (s *changeFeedStore) emit(ctx context.Context, table string, eventType realtime.EventType, record interface{}, columns map[string]string) {
	ev, err := realtime.NewChangeEvent(table, eventType, record, columns)
	if err != nil {
		logger.Errorf("Failed to build %s %s event: %v", table, eventType, err)
		return
	}
	// запись уже закоммичена, ошибка доставки ее не отменяет
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.Warnf("Failed to publish %s %s event: %v", table, eventType, err)
	}
}

func (s *changeFeedStore) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.Profile, error) {
	p, err := s.Store.UpdateProfile(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "profiles", realtime.EventUpdate, p.Summary(), map[string]string{"id": p.ID})
	return p, nil
}

func (s *changeFeedStore) CreatePost(ctx context.Context, p *models.Post) error {
	if err := s.Store.CreatePost(ctx, p); err != nil {
		return err
	}
	s.emit(ctx, "posts", realtime.EventInsert, postRow(*p), map[string]string{"id": p.ID, "user_id": p.UserID})
	return nil
}

func (s *changeFeedStore) DeletePost(ctx context.Context, id, ownerID string) (*models.Post, error) {
	p, err := s.Store.DeletePost(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "posts", realtime.EventDelete, postRow(*p), map[string]string{"id": p.ID, "user_id": p.UserID})
	return p, nil
}

func postRow(p models.Post) models.Post {
	p.Profile = nil
	return p
}

func (s *changeFeedStore) InsertLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	like, err := s.Store.InsertLike(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "likes", realtime.EventInsert, like, likeColumns(like))
	return like, nil
}

func (s *changeFeedStore) DeleteLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	like, err := s.Store.DeleteLike(ctx, postID, userID)
	if err != nil || like == nil {
		return like, err
	}
	s.emit(ctx, "likes", realtime.EventDelete, like, likeColumns(like))
	return like, nil
}

func likeColumns(l *models.Like) map[string]string {
	return map[string]string{"post_id": l.PostID, "user_id": l.UserID}
}

func (s *changeFeedStore) InsertComment(ctx context.Context, c *models.Comment) error {
	if err := s.Store.InsertComment(ctx, c); err != nil {
		return err
	}
	s.emit(ctx, "comments", realtime.EventInsert, commentRow(*c), commentColumns(c))
	return nil
}

func (s *changeFeedStore) DeleteComment(ctx context.Context, id, authorID string) (*models.Comment, error) {
	c, err := s.Store.DeleteComment(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "comments", realtime.EventDelete, commentRow(*c), commentColumns(c))
	return c, nil
}

// commentRow - строка таблицы без join-проекции, как ее отдает лента изменений
func commentRow(c models.Comment) models.Comment {
	c.Profile = nil
	c.Replies = nil
	return c
}

func commentColumns(c *models.Comment) map[string]string {
	cols := map[string]string{"id": c.ID, "post_id": c.PostID, "user_id": c.UserID}
	if c.ParentID != nil {
		cols["parent_id"] = *c.ParentID
	}
	return cols
}

func (s *changeFeedStore) InsertSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error) {
	sp, err := s.Store.InsertSaved(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "saved_posts", realtime.EventInsert, sp, map[string]string{"user_id": userID, "post_id": postID})
	return sp, nil
}

func (s *changeFeedStore) DeleteSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error) {
	sp, err := s.Store.DeleteSaved(ctx, userID, postID)
	if err != nil || sp == nil {
		return sp, err
	}
	s.emit(ctx, "saved_posts", realtime.EventDelete, sp, map[string]string{"user_id": userID, "post_id": postID})
	return sp, nil
}

func (s *changeFeedStore) InsertParticipants(ctx context.Context, ps []models.ConversationParticipant) error {
	if err := s.Store.InsertParticipants(ctx, ps); err != nil {
		return err
	}
	for _, p := range ps {
		s.emit(ctx, "conversation_participants", realtime.EventInsert, p,
			map[string]string{"conversation_id": p.ConversationID, "user_id": p.UserID})
	}
	return nil
}

func (s *changeFeedStore) CreateConversation(ctx context.Context, c *models.Conversation, ps []models.ConversationParticipant) error {
	if err := s.Store.CreateConversation(ctx, c, ps); err != nil {
		return err
	}
	for _, p := range ps {
		s.emit(ctx, "conversation_participants", realtime.EventInsert, p,
			map[string]string{"conversation_id": p.ConversationID, "user_id": p.UserID})
	}
	return nil
}

func (s *changeFeedStore) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := s.Store.InsertMessage(ctx, m); err != nil {
		return err
	}
	s.emit(ctx, "messages", realtime.EventInsert, m,
		map[string]string{"conversation_id": m.ConversationID, "sender_id": m.SenderID})
	return nil
}

// readReceipt - UPDATE для messages.is_read, затрагивает сразу несколько строк
type readReceipt struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	IsRead         bool   `json:"is_read"`
}

func (s *changeFeedStore) MarkRead(ctx context.Context, convID, readerID string) (int64, error) {
	n, err := s.Store.MarkRead(ctx, convID, readerID)
	if err != nil || n == 0 {
		return n, err
	}
	s.emit(ctx, "messages", realtime.EventUpdate, readReceipt{ConversationID: convID, ReaderID: readerID, IsRead: true},
		map[string]string{"conversation_id": convID})
	return n, nil
}

func (s *changeFeedStore) InsertReaction(ctx context.Context, r *models.MessageReaction) error {
	if err := s.Store.InsertReaction(ctx, r); err != nil {
		return err
	}
	s.emit(ctx, "message_reactions", realtime.EventInsert, r, map[string]string{"message_id": r.MessageID, "user_id": r.UserID})
	return nil
}

func (s *changeFeedStore) DeleteReaction(ctx context.Context, id, userID string) (*models.MessageReaction, error) {
	r, err := s.Store.DeleteReaction(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "message_reactions", realtime.EventDelete, r, map[string]string{"message_id": r.MessageID, "user_id": r.UserID})
	return r, nil
}
