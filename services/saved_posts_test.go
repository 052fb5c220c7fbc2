package services

import (
	"context"
	"testing"
	"time"

	"feedsync/auth"
	"feedsync/models"
	"feedsync/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSavedListKeepsBookmarkOrder(t *testing.T) {
	f := newFixture(t)
	author, viewer := f.user(t), f.user(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// посты созданы в порядке P1, P2, P3, а сохранены как P3, P1, P2
	p1 := f.post(t, author, base)
	p2 := f.post(t, author, base.Add(time.Hour))
	p3 := f.post(t, author, base.Add(2*time.Hour))
	f.mem.SeedSaved(models.SavedPost{UserID: viewer.ID, PostID: p2.ID, CreatedAt: base.Add(3 * time.Hour)})
	f.mem.SeedSaved(models.SavedPost{UserID: viewer.ID, PostID: p1.ID, CreatedAt: base.Add(4 * time.Hour)})
	f.mem.SeedSaved(models.SavedPost{UserID: viewer.ID, PostID: p3.ID, CreatedAt: base.Add(5 * time.Hour)})

	list, err := NewSavedPostsService(f.store).List(context.Background(), viewer.ID)
	require.NoError(t, err)

	got := make([]string, len(list))
	for i, p := range list {
		got[i] = p.ID
	}
	assert.Equal(t, []string{p3.ID, p1.ID, p2.ID}, got)
	require.NotNil(t, list[0].Profile)
	assert.Equal(t, author.Username, list[0].Profile.Username)

	trimmed := list.Remove(p1.ID)
	assert.Len(t, trimmed, 2)
	assert.Len(t, list, 3)
}

func TestOrderBySavedIDsDropsMissingPosts(t *testing.T) {
	posts := []models.Post{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}}
	ordered := OrderBySavedIDs([]string{"p3", "gone", "p1", "p2"}, posts)

	got := make([]string, len(ordered))
	for i, p := range ordered {
		got[i] = p.ID
	}
	assert.Equal(t, []string{"p3", "p1", "p2"}, got)
}

func TestSavedListForAnonymousIsEmpty(t *testing.T) {
	f := newFixture(t)
	list, err := NewSavedPostsService(f.store).List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestToggleSaveFlipsAfterWrite(t *testing.T) {
	f := newFixture(t)
	viewer := f.user(t)
	post := f.post(t, f.user(t), time.Now())

	s := NewSavedPost(f.store, viewerOf(viewer), post.ID)
	defer s.Close()
	s.Load(context.Background())
	assert.False(t, s.Saved())

	require.NoError(t, s.ToggleSave(context.Background()))
	assert.True(t, s.Saved())
	saved, err := f.mem.IsSaved(context.Background(), viewer.ID, post.ID)
	require.NoError(t, err)
	assert.True(t, saved)

	require.NoError(t, s.ToggleSave(context.Background()))
	assert.False(t, s.Saved())
}

func TestToggleSaveAnonymousIsNoop(t *testing.T) {
	f := newFixture(t)
	post := f.post(t, f.user(t), time.Now())

	s := NewSavedPost(f.store, auth.Anonymous(), post.ID)
	require.NoError(t, s.ToggleSave(context.Background()))
	assert.False(t, s.Saved())
}

// blockingSaved держит IsSaved, пока тест не отпустит release
type blockingSaved struct {
	*repository.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSaved) IsSaved(ctx context.Context, userID, postID string) (bool, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.IsSaved(ctx, userID, postID)
}

func TestToggleSaveRejectsSecondCallInFlight(t *testing.T) {
	f := newFixture(t)
	viewer := f.user(t)
	post := f.post(t, f.user(t), time.Now())
	store := &blockingSaved{MemoryStore: f.mem, entered: make(chan struct{}), release: make(chan struct{})}

	s := NewSavedPost(store, viewerOf(viewer), post.ID)
	done := make(chan error, 1)
	go func() { done <- s.ToggleSave(context.Background()) }()

	<-store.entered
	assert.True(t, s.Loading())
	assert.ErrorIs(t, s.ToggleSave(context.Background()), ErrSaveInFlight)
	assert.False(t, s.Saved())

	close(store.release)
	require.NoError(t, <-done)
	assert.True(t, s.Saved())
	assert.False(t, s.Loading())
}
