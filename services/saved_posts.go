package services

import (
	"context"
	"sync"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/metrics"
	"feedsync/models"
	"feedsync/repository"

	"github.com/pkg/errors"
)

var ErrSaveInFlight = errors.New("save toggle is already in flight")

// SavedPost - закладка зрителя на один пост. В отличие от лайка флаг меняется
// только после успешной записи, а повторный вызов во время записи отклоняется
type SavedPost struct {
	store  repository.SavedRepository
	viewer auth.Viewer
	postID string

	mu       sync.Mutex
	saved    bool
	inFlight bool
	closed   bool
}

func NewSavedPost(store repository.SavedRepository, viewer auth.Viewer, postID string) *SavedPost {
	return &SavedPost{store: store, viewer: viewer, postID: postID}
}

func (s *SavedPost) Load(ctx context.Context) {
	if s.viewer.Anonymous() || s.postID == "" {
		return
	}
	saved, err := s.store.IsSaved(ctx, s.viewer.UserID, s.postID)
	if err != nil {
		logger.Errorf("Failed to check saved post %s: %v", s.postID, err)
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.saved = saved
	}
	s.mu.Unlock()
}

func (s *SavedPost) Saved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func (s *SavedPost) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// ToggleSave проверяет закладку в хранилище, удаляет или создает ее
// и только потом меняет флаг
func (s *SavedPost) ToggleSave(ctx context.Context) error {
	if s.viewer.Anonymous() || s.postID == "" {
		return nil
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrSaveInFlight
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	start := time.Now()
	saved, err := s.toggleRemote(ctx)
	metrics.RecordSyncOperation("toggle_save", time.Since(start), err)
	if err != nil {
		logger.Errorf("Failed to toggle save for post %s: %v", s.postID, err)
		metrics.RecordWriteFailure("toggle_save")
		return err
	}

	s.mu.Lock()
	if !s.closed {
		s.saved = saved
	}
	s.mu.Unlock()
	return nil
}

func (s *SavedPost) toggleRemote(ctx context.Context) (bool, error) {
	exists, err := s.store.IsSaved(ctx, s.viewer.UserID, s.postID)
	if err != nil {
		return false, errors.Wrap(err, "failed to check saved post")
	}
	if exists {
		if _, err := s.store.DeleteSaved(ctx, s.viewer.UserID, s.postID); err != nil {
			return true, errors.Wrap(err, "failed to unsave post")
		}
		return false, nil
	}
	if _, err := s.store.InsertSaved(ctx, s.viewer.UserID, s.postID); err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
		return false, errors.Wrap(err, "failed to save post")
	}
	return true, nil
}

func (s *SavedPost) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type savedListStore interface {
	repository.SavedRepository
	repository.PostRepository
}

type SavedPostsService struct {
	store savedListStore
}

func NewSavedPostsService(store savedListStore) *SavedPostsService {
	return &SavedPostsService{store: store}
}

// List - посты из закладок пользователя, последние сохраненные первыми.
// Посты читаются одним запросом и переупорядочиваются по закладкам
func (s *SavedPostsService) List(ctx context.Context, userID string) (SavedList, error) {
	if userID == "" {
		return SavedList{}, nil
	}
	saved, err := s.store.ListSaved(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list saved posts")
	}
	if len(saved) == 0 {
		return SavedList{}, nil
	}

	ids := make([]string, len(saved))
	for i, sp := range saved {
		ids[i] = sp.PostID
	}
	posts, err := s.store.GetPostsByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load saved posts")
	}
	return OrderBySavedIDs(ids, posts), nil
}

// OrderBySavedIDs раскладывает посты в порядке ids, id без поста пропускаются
func OrderBySavedIDs(ids []string, posts []models.Post) SavedList {
	return SavedList(orderPosts(ids, posts))
}

// SavedList - уже загруженный список закладок
type SavedList []models.Post

// Remove убирает пост из загруженного списка без запроса к хранилищу
func (l SavedList) Remove(postID string) SavedList {
	out := make(SavedList, 0, len(l))
	for _, p := range l {
		if p.ID != postID {
			out = append(out, p)
		}
	}
	return out
}
