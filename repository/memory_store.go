package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"feedsync/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryStore - Store в памяти процесса для демо-режима и тестов.
// Возвращает копии записей, чтобы вызывающий код не менял состояние в обход хранилища
type MemoryStore struct {
	mu sync.RWMutex

	profiles      map[string]models.Profile
	tokens        map[string]models.UserToken
	posts         []models.Post
	likes         []models.Like
	comments      []models.Comment
	saved         []models.SavedPost
	conversations map[string]models.Conversation
	participants  []models.ConversationParticipant
	messages      []models.Message
	reactions     []models.MessageReaction

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      make(map[string]models.Profile),
		tokens:        make(map[string]models.UserToken),
		conversations: make(map[string]models.Conversation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) stamp(t *time.Time) {
	if t.IsZero() {
		*t = s.now()
	}
}

func (s *MemoryStore) withProfile(userID string) *models.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	return &p
}

func (s *MemoryStore) CreateProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range s.profiles {
		if existing.ID == p.ID || existing.Username == p.Username || (p.Email != "" && existing.Email == p.Email) {
			return errors.Wrap(ErrAlreadyExists, "failed to create profile")
		}
	}
	s.stamp(&p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	s.profiles[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.withProfile(id); p != nil {
		return p, nil
	}
	return nil, errors.Wrap(ErrNotFound, "failed to get profile")
}

func (s *MemoryStore) findProfile(match func(models.Profile) bool) *models.Profile {
	for _, p := range s.profiles {
		if match(p) {
			p := p
			return &p
		}
	}
	return nil
}

func (s *MemoryStore) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.findProfile(func(p models.Profile) bool { return p.Username == username }); p != nil {
		return p, nil
	}
	return nil, errors.Wrap(ErrNotFound, "failed to get profile by username")
}

func (s *MemoryStore) GetProfileByEmail(ctx context.Context, email string) (*models.Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.findProfile(func(p models.Profile) bool { return p.Email == email }); p != nil {
		return p, nil
	}
	return nil, errors.Wrap(ErrNotFound, "failed to get profile by email")
}

func (s *MemoryStore) GetProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Profile, 0, len(ids))
	for _, id := range uniqueIDs(ids) {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchProfiles(ctx context.Context, query string, limit int) ([]models.Profile, error) {
	limit = clampLimit(limit, 20, 50)
	q := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	out := make([]models.Profile, 0)
	for _, p := range s.profiles {
		if strings.Contains(strings.ToLower(p.Username), q) || strings.Contains(strings.ToLower(p.FullName), q) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "failed to update profile")
	}
	if upd.FullName != nil {
		p.FullName = *upd.FullName
	}
	if upd.Avatar != nil {
		avatar := *upd.Avatar
		p.Avatar = &avatar
	}
	if upd.Bio != nil {
		p.Bio = *upd.Bio
	}
	if upd.Website != nil {
		website := *upd.Website
		p.Website = &website
	}
	p.UpdatedAt = s.now()
	s.profiles[id] = p
	return &p, nil
}

func (s *MemoryStore) CreateToken(ctx context.Context, t *models.UserToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.stamp(&t.CreatedAt)
	s.tokens[t.ID] = *t
	return nil
}

func (s *MemoryStore) GetToken(ctx context.Context, id string) (*models.UserToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "failed to get token")
	}
	return &t, nil
}

func (s *MemoryStore) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *MemoryStore) CreatePost(ctx context.Context, p *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range s.posts {
		if existing.ID == p.ID {
			return errors.Wrap(ErrAlreadyExists, "failed to create post")
		}
	}
	s.stamp(&p.CreatedAt)
	stored := *p
	stored.Profile = nil
	s.posts = append(s.posts, stored)
	return nil
}

func (s *MemoryStore) postIndex(id string) int {
	for i := range s.posts {
		if s.posts[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) joinedPost(p models.Post) models.Post {
	p.Profile = s.withProfile(p.UserID)
	return p
}

func (s *MemoryStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.postIndex(id)
	if i < 0 {
		return nil, errors.Wrap(ErrNotFound, "failed to get post")
	}
	p := s.joinedPost(s.posts[i])
	return &p, nil
}

func (s *MemoryStore) GetPostsByIDs(ctx context.Context, ids []string) ([]models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make([]models.Post, 0, len(wanted))
	for _, p := range s.posts {
		if _, ok := wanted[p.ID]; ok {
			out = append(out, s.joinedPost(p))
		}
	}
	return out, nil
}

func newestFirst(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID > posts[j].ID
	})
}

func (s *MemoryStore) ListPosts(ctx context.Context, before *time.Time, limit int) ([]models.Post, error) {
	limit = clampLimit(limit, 20, 100)
	s.mu.RLock()
	out := make([]models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if before == nil || p.CreatedAt.Before(*before) {
			out = append(out, s.joinedPost(p))
		}
	}
	s.mu.RUnlock()

	newestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPostsByUser(ctx context.Context, userID string, limit int) ([]models.Post, error) {
	limit = clampLimit(limit, 30, 100)
	s.mu.RLock()
	out := make([]models.Post, 0)
	for _, p := range s.posts {
		if p.UserID == userID {
			out = append(out, s.joinedPost(p))
		}
	}
	s.mu.RUnlock()

	newestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeletePost(ctx context.Context, id, ownerID string) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.postIndex(id)
	if i < 0 || s.posts[i].UserID != ownerID {
		return nil, errors.Wrap(ErrNotFound, "failed to delete post")
	}
	post := s.posts[i]
	s.posts = append(s.posts[:i], s.posts[i+1:]...)

	s.likes = filterSlice(s.likes, func(l models.Like) bool { return l.PostID != id })
	s.comments = filterSlice(s.comments, func(c models.Comment) bool { return c.PostID != id })
	s.saved = filterSlice(s.saved, func(sp models.SavedPost) bool { return sp.PostID != id })
	return &post, nil
}

func filterSlice[T any](items []T, keep func(T) bool) []T {
	out := items[:0]
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

func (s *MemoryStore) likeIndex(postID, userID string) int {
	for i, l := range s.likes {
		if l.PostID == postID && l.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) HasLike(ctx context.Context, postID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.likeIndex(postID, userID) >= 0, nil
}

func (s *MemoryStore) InsertLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi := s.postIndex(postID)
	if pi < 0 {
		return nil, errors.Wrap(ErrNotFound, "failed to insert like")
	}
	if s.likeIndex(postID, userID) >= 0 {
		return nil, errors.Wrap(ErrAlreadyExists, "failed to insert like")
	}
	like := models.Like{ID: uuid.NewString(), PostID: postID, UserID: userID, CreatedAt: s.now()}
	s.likes = append(s.likes, like)
	s.posts[pi].LikesCount++
	return &like, nil
}

func (s *MemoryStore) DeleteLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.likeIndex(postID, userID)
	if i < 0 {
		return nil, nil
	}
	like := s.likes[i]
	s.likes = append(s.likes[:i], s.likes[i+1:]...)
	if pi := s.postIndex(postID); pi >= 0 && s.posts[pi].LikesCount > 0 {
		s.posts[pi].LikesCount--
	}
	return &like, nil
}

func (s *MemoryStore) CountLikes(ctx context.Context, postID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, l := range s.likes {
		if l.PostID == postID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) joinedComment(c models.Comment) models.Comment {
	c.Profile = s.withProfile(c.UserID)
	c.Replies = nil
	return c
}

func (s *MemoryStore) commentIndex(id string) int {
	for i := range s.comments {
		if s.comments[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	s.mu.RLock()
	out := make([]models.Comment, 0)
	for _, c := range s.comments {
		if c.PostID == postID {
			out = append(out, s.joinedComment(c))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.commentIndex(id)
	if i < 0 {
		return nil, errors.Wrap(ErrNotFound, "failed to get comment")
	}
	c := s.joinedComment(s.comments[i])
	return &c, nil
}

func (s *MemoryStore) InsertComment(ctx context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if s.commentIndex(c.ID) >= 0 {
		return errors.Wrap(ErrAlreadyExists, "failed to insert comment")
	}
	if s.postIndex(c.PostID) < 0 {
		return errors.Wrap(ErrNotFound, "failed to insert comment")
	}
	if c.IsTopLevel() {
		c.ParentID = nil
	} else {
		pi := s.commentIndex(*c.ParentID)
		if pi < 0 {
			return errors.Wrap(ErrParentNotFound, "failed to insert comment")
		}
		parent := s.comments[pi]
		if parent.PostID != c.PostID {
			return errors.Wrap(ErrCrossPostReply, "failed to insert comment")
		}
		if !parent.IsTopLevel() {
			root := *parent.ParentID
			c.ParentID = &root
		}
	}
	s.stamp(&c.CreatedAt)
	stored := *c
	stored.Profile = nil
	stored.Replies = nil
	s.comments = append(s.comments, stored)
	return nil
}

func (s *MemoryStore) DeleteComment(ctx context.Context, id, authorID string) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.commentIndex(id)
	if i < 0 || s.comments[i].UserID != authorID {
		return nil, errors.Wrap(ErrNotFound, "failed to delete comment")
	}
	deleted := s.comments[i]
	s.comments = filterSlice(s.comments, func(c models.Comment) bool {
		return c.ID != id && (c.ParentID == nil || *c.ParentID != id)
	})
	return &deleted, nil
}

func (s *MemoryStore) savedIndex(userID, postID string) int {
	for i, sp := range s.saved {
		if sp.UserID == userID && sp.PostID == postID {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) IsSaved(ctx context.Context, userID, postID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.savedIndex(userID, postID) >= 0, nil
}

func (s *MemoryStore) InsertSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.savedIndex(userID, postID) >= 0 {
		return nil, errors.Wrap(ErrAlreadyExists, "failed to save post")
	}
	sp := models.SavedPost{ID: uuid.NewString(), UserID: userID, PostID: postID, CreatedAt: s.now()}
	s.saved = append(s.saved, sp)
	return &sp, nil
}

// SeedSaved добавляет закладку с заданным временем, нужна сидеру и тестам
func (s *MemoryStore) SeedSaved(sp models.SavedPost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	s.stamp(&sp.CreatedAt)
	s.saved = append(s.saved, sp)
}

func (s *MemoryStore) DeleteSaved(ctx context.Context, userID, postID string) (*models.SavedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.savedIndex(userID, postID)
	if i < 0 {
		return nil, nil
	}
	sp := s.saved[i]
	s.saved = append(s.saved[:i], s.saved[i+1:]...)
	return &sp, nil
}

func (s *MemoryStore) ListSaved(ctx context.Context, userID string) ([]models.SavedPost, error) {
	s.mu.RLock()
	out := make([]models.SavedPost, 0)
	for _, sp := range s.saved {
		if sp.UserID == userID {
			out = append(out, sp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, userID string) ([]models.ConversationParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationParticipant, 0)
	for _, p := range s.participants {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOtherParticipants(ctx context.Context, convIDs []string, excludeUserID string) ([]models.ConversationParticipant, error) {
	wanted := make(map[string]struct{}, len(convIDs))
	for _, id := range convIDs {
		wanted[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationParticipant, 0, len(convIDs))
	for _, p := range s.participants {
		if _, ok := wanted[p.ConversationID]; ok && p.UserID != excludeUserID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) IsParticipant(ctx context.Context, convID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.ConversationID == convID && p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) InsertConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.conversations[c.ID]; ok {
		return errors.Wrap(ErrAlreadyExists, "failed to create conversation")
	}
	s.stamp(&c.CreatedAt)
	s.conversations[c.ID] = *c
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *models.Conversation, ps []models.ConversationParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.conversations[c.ID]; ok {
		return errors.Wrap(ErrAlreadyExists, "failed to create conversation")
	}
	seen := make(map[string]bool, len(ps))
	for i := range ps {
		ps[i].ConversationID = c.ID
		if seen[ps[i].UserID] {
			return errors.Wrap(ErrAlreadyExists, "failed to create conversation")
		}
		seen[ps[i].UserID] = true
	}
	s.stamp(&c.CreatedAt)
	s.conversations[c.ID] = *c
	for _, p := range ps {
		s.stamp(&p.CreatedAt)
		s.participants = append(s.participants, p)
	}
	return nil
}

func (s *MemoryStore) InsertParticipants(ctx context.Context, ps []models.ConversationParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// проверяем всю пачку до вставки, как одна команда INSERT
	for _, p := range ps {
		if _, ok := s.conversations[p.ConversationID]; !ok {
			return errors.Wrap(ErrNotFound, "failed to add participants")
		}
		for _, existing := range s.participants {
			if existing.ConversationID == p.ConversationID && existing.UserID == p.UserID {
				return errors.Wrap(ErrAlreadyExists, "failed to add participants")
			}
		}
	}
	for _, p := range ps {
		s.stamp(&p.CreatedAt)
		s.participants = append(s.participants, p)
	}
	return nil
}

func (s *MemoryStore) conversationMessages(convID string) []models.Message {
	out := make([]models.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) LatestMessage(ctx context.Context, convID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversationMessages(convID)
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, convID string, limit int) ([]models.Message, error) {
	limit = clampLimit(limit, 50, 200)
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversationMessages(convID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return errors.Wrap(ErrNotFound, "failed to send message")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.stamp(&m.CreatedAt)
	s.messages = append(s.messages, *m)
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, convID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConversationID == convID && m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MessageReaction, 0)
	for _, r := range s.reactions {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertReaction(ctx context.Context, r *models.MessageReaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reactions {
		if existing.MessageID == r.MessageID && existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			return errors.Wrap(ErrAlreadyExists, "failed to add reaction")
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.stamp(&r.CreatedAt)
	s.reactions = append(s.reactions, *r)
	return nil
}

func (s *MemoryStore) DeleteReaction(ctx context.Context, id, userID string) (*models.MessageReaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.reactions {
		if r.ID == id && r.UserID == userID {
			s.reactions = append(s.reactions[:i], s.reactions[i+1:]...)
			return &r, nil
		}
	}
	return nil, errors.Wrap(ErrNotFound, "failed to remove reaction")
}
