package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/metrics"
	"feedsync/models"
	"feedsync/realtime"
	"feedsync/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type interactionStore interface {
	repository.LikeRepository
	repository.CommentRepository
	repository.ProfileRepository
}

type InteractionState struct {
	PostID    string           `json:"post_id"`
	Liked     bool             `json:"liked"`
	LikeCount int64            `json:"like_count"`
	Comments  []models.Comment `json:"comments"`
	Loading   bool             `json:"loading"`
}

// PostInteractions - лайк, счетчик и дерево комментариев одного поста для одного зрителя.
// Локальное состояние меняется сразу, запись в хранилище идет следом без отката
type PostInteractions struct {
	store  interactionStore
	broker realtime.Broker
	viewer auth.Viewer
	postID string

	// writeMu сериализует удаленные записи и Refresh
	writeMu sync.Mutex

	mu        sync.Mutex
	liked     bool
	likeCount int64
	// flat хранит все известные комментарии, включая ответы, чей родитель еще не пришел
	flat     []models.Comment
	tree     []models.Comment
	loading  bool
	closed   bool
	subs     []realtime.Subscription
	onChange func(InteractionState)
}

func NewPostInteractions(store interactionStore, broker realtime.Broker, viewer auth.Viewer, postID string, initialLikes int64) *PostInteractions {
	return &PostInteractions{
		store:     store,
		broker:    broker,
		viewer:    viewer,
		postID:    postID,
		likeCount: initialLikes,
		tree:      []models.Comment{},
	}
}

func CommentsTopic(postID string) string { return "comments-" + postID }
func LikesTopic(postID string) string    { return "likes-" + postID }

func (s *PostInteractions) OnChange(fn func(InteractionState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *PostInteractions) snapshotLocked() InteractionState {
	return InteractionState{
		PostID:    s.postID,
		Liked:     s.liked,
		LikeCount: s.likeCount,
		Comments:  copyTree(s.tree),
		Loading:   s.loading,
	}
}

func (s *PostInteractions) State() InteractionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// commit вызывается под s.mu, отпускает его и уведомляет подписчика
func (s *PostInteractions) commit() InteractionState {
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return snap
}

// Load подписывается на изменения поста и читает текущее состояние
func (s *PostInteractions) Load(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.loading = true
	needSubscribe := s.broker != nil && len(s.subs) == 0
	s.mu.Unlock()

	if needSubscribe {
		s.subscribe()
	}
	s.Refresh(ctx)
}

func (s *PostInteractions) subscribe() {
	var subs []realtime.Subscription
	commentsSub, err := s.broker.Subscribe(CommentsTopic(s.postID), realtime.ChangeFilter{
		Event: realtime.EventAll, Table: "comments", Column: "post_id", Value: s.postID,
	}, s.handleCommentEvent)
	if err != nil {
		logger.Errorf("Failed to subscribe to %s: %v", CommentsTopic(s.postID), err)
	} else {
		subs = append(subs, commentsSub)
	}

	likesSub, err := s.broker.Subscribe(LikesTopic(s.postID), realtime.ChangeFilter{
		Event: realtime.EventAll, Table: "likes", Column: "post_id", Value: s.postID,
	}, s.handleLikeEvent)
	if err != nil {
		logger.Errorf("Failed to subscribe to %s: %v", LikesTopic(s.postID), err)
	} else {
		subs = append(subs, likesSub)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return
	}
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
}

// Refresh перечитывает лайк, счетчик и комментарии из хранилища и заменяет
// локальное состояние. Ошибка чтения оставляет прежнее значение
func (s *PostInteractions) Refresh(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		liked, likedOK bool
		count          int64
		countOK        bool
		flat           []models.Comment
		flatOK         bool
	)

	if !s.viewer.Anonymous() {
		v, err := s.store.HasLike(ctx, s.postID, s.viewer.UserID)
		if err != nil {
			logger.Error("Failed to read like", zap.String("post_id", s.postID), zap.Error(err))
		} else {
			liked, likedOK = v, true
		}
	}
	if n, err := s.store.CountLikes(ctx, s.postID); err != nil {
		logger.Error("Failed to count likes", zap.String("post_id", s.postID), zap.Error(err))
	} else {
		count, countOK = n, true
	}
	if list, err := s.store.ListComments(ctx, s.postID); err != nil {
		logger.Error("Failed to list comments", zap.String("post_id", s.postID), zap.Error(err))
	} else {
		flat, flatOK = list, true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if likedOK {
		s.liked = liked
	}
	if countOK {
		s.likeCount = count
	}
	if flatOK {
		s.flat = flat
		s.tree = BuildCommentTree(s.flat)
	}
	s.loading = false
	s.commit()
	metrics.RecordReconciliation()
}

func (s *PostInteractions) scheduleRefresh() {
	go s.Refresh(context.Background())
}

// ToggleLike переключает лайк зрителя. Состояние меняется до удаленной записи,
// ошибка записи не откатывает его, а запускает Refresh
func (s *PostInteractions) ToggleLike(ctx context.Context) InteractionState {
	if s.viewer.Anonymous() {
		return s.State()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		defer s.mu.Unlock()
		return s.snapshotLocked()
	}
	wasLiked := s.liked
	s.liked = !wasLiked
	if wasLiked {
		if s.likeCount > 0 {
			s.likeCount--
		}
	} else {
		s.likeCount++
	}
	snap := s.commit()

	start := time.Now()
	var err error
	if wasLiked {
		var removed *models.Like
		removed, err = s.store.DeleteLike(ctx, s.postID, s.viewer.UserID)
		if err == nil && removed == nil {
			// лайка в базе не было, счетчик разошелся
			s.scheduleRefresh()
		}
	} else {
		_, err = s.store.InsertLike(ctx, s.postID, s.viewer.UserID)
	}
	metrics.RecordSyncOperation("toggle_like", time.Since(start), err)
	if err != nil {
		logger.Error("Failed to toggle like",
			zap.String("post_id", s.postID), zap.String("user_id", s.viewer.UserID), zap.Error(err))
		metrics.RecordWriteFailure("toggle_like")
		s.scheduleRefresh()
	}
	return snap
}

// AddComment добавляет комментарий с клиентским id, тот же id придет в push-событии.
// Пустой текст или аноним - nil без изменений
func (s *PostInteractions) AddComment(ctx context.Context, content, parentID string) *models.Comment {
	content = strings.TrimSpace(content)
	if content == "" || s.viewer.Anonymous() {
		logger.Debugf("Skip empty or anonymous comment on post %s", s.postID)
		return nil
	}

	comment := models.Comment{
		ID:        uuid.NewString(),
		PostID:    s.postID,
		UserID:    s.viewer.UserID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Profile:   &models.Profile{ID: s.viewer.UserID, Username: s.viewer.Username},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if parentID != "" {
		parent := parentID
		// ответ на ответ вешаем на корневой комментарий
		if p, ok := findComment(s.tree, parentID); ok && !p.IsTopLevel() {
			parent = *p.ParentID
		}
		comment.ParentID = &parent
	}
	s.flat = append(s.flat, comment)
	s.tree = BuildCommentTree(s.flat)
	s.commit()

	remote := comment
	remote.Profile = nil
	start := time.Now()
	err := s.store.InsertComment(ctx, &remote)
	metrics.RecordSyncOperation("add_comment", time.Since(start), err)
	if err != nil {
		logger.Error("Failed to add comment",
			zap.String("post_id", s.postID), zap.String("comment_id", comment.ID), zap.Error(err))
		metrics.RecordWriteFailure("add_comment")
		s.scheduleRefresh()
	}
	return &comment
}

// DeleteComment удаляет комментарий автора вместе с ответами
func (s *PostInteractions) DeleteComment(ctx context.Context, id string) bool {
	if s.viewer.Anonymous() {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	target, ok := s.findFlat(id)
	if s.closed || !ok || target.UserID != s.viewer.UserID {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(id)
	s.commit()

	start := time.Now()
	_, err := s.store.DeleteComment(ctx, id, s.viewer.UserID)
	metrics.RecordSyncOperation("delete_comment", time.Since(start), err)
	if err != nil {
		logger.Error("Failed to delete comment",
			zap.String("post_id", s.postID), zap.String("comment_id", id), zap.Error(err))
		metrics.RecordWriteFailure("delete_comment")
		s.scheduleRefresh()
	}
	return true
}

func (s *PostInteractions) findFlat(id string) (models.Comment, bool) {
	for _, c := range s.flat {
		if c.ID == id {
			return c, true
		}
	}
	return models.Comment{}, false
}

// removeLocked убирает комментарий и всех, чей корневой предок - он
func (s *PostInteractions) removeLocked(id string) {
	byID := make(map[string]models.Comment, len(s.flat))
	for _, c := range s.flat {
		byID[c.ID] = c
	}
	kept := s.flat[:0]
	for _, c := range s.flat {
		if c.ID == id {
			continue
		}
		if !c.IsTopLevel() {
			if root, ok := rootAncestor(c, byID); ok && root == id {
				continue
			}
		}
		kept = append(kept, c)
	}
	s.flat = kept
	s.tree = RemoveComment(BuildCommentTree(s.flat), id)
}

func (s *PostInteractions) handleCommentEvent(ev realtime.ChangeEvent) {
	var row models.Comment
	if err := ev.Record(&row); err != nil {
		logger.Errorf("Failed to decode comment event: %v", err)
		return
	}

	switch ev.Type {
	case realtime.EventInsert:
		s.mu.Lock()
		_, known := s.findFlat(row.ID)
		closed := s.closed
		s.mu.Unlock()
		if known || closed {
			return
		}

		// профиль автора подтягиваем отдельно, в событии только строка таблицы
		if profile, err := s.store.GetProfile(context.Background(), row.UserID); err == nil {
			row.Profile = profile
		} else {
			logger.Warnf("Failed to load profile %s for comment %s: %v", row.UserID, row.ID, err)
		}

		s.mu.Lock()
		if _, known := s.findFlat(row.ID); known || s.closed {
			s.mu.Unlock()
			return
		}
		row.Replies = nil
		s.flat = append(s.flat, row)
		s.tree = BuildCommentTree(s.flat)
		s.commit()

	case realtime.EventDelete:
		s.mu.Lock()
		if _, known := s.findFlat(row.ID); !known || s.closed {
			s.mu.Unlock()
			return
		}
		s.removeLocked(row.ID)
		s.commit()
	}
}

// handleLikeEvent двигает счетчик на лайки других пользователей,
// свои лайки уже учтены оптимистично
func (s *PostInteractions) handleLikeEvent(ev realtime.ChangeEvent) {
	var like models.Like
	if err := ev.Record(&like); err != nil {
		logger.Errorf("Failed to decode like event: %v", err)
		return
	}
	own := like.UserID == s.viewer.UserID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch ev.Type {
	case realtime.EventInsert:
		// свой лайк из другой вкладки; эхо собственного ToggleLike уже учтено
		if own {
			if s.liked {
				s.mu.Unlock()
				return
			}
			s.liked = true
		}
		s.likeCount++
	case realtime.EventDelete:
		if own {
			if !s.liked {
				s.mu.Unlock()
				return
			}
			s.liked = false
		}
		if s.likeCount > 0 {
			s.likeCount--
		}
	default:
		s.mu.Unlock()
		return
	}
	s.commit()
}

// Close снимает подписки, поздние ответы больше не меняют состояние
func (s *PostInteractions) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.onChange = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
