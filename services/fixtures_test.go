package services

import (
	"context"
	"testing"
	"time"

	"feedsync/auth"
	"feedsync/models"
	"feedsync/realtime"
	"feedsync/repository"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	hub   *realtime.Hub
	mem   *repository.MemoryStore
	store repository.Store
}

// newFixture - сидированное хранилище, чьи записи публикуются в хаб
func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := realtime.NewHub()
	mem := repository.NewMemoryStore()
	return &fixture{hub: hub, mem: mem, store: repository.WithChangeFeed(mem, hub)}
}

func (f *fixture) user(t *testing.T) *models.Profile {
	t.Helper()
	p := &models.Profile{
		Username: gofakeit.Numerify("user_####_####"),
		FullName: gofakeit.Name(),
		Email:    gofakeit.Numerify("mail####_####") + "@example.com",
	}
	require.NoError(t, f.mem.CreateProfile(context.Background(), p))
	return p
}

func (f *fixture) post(t *testing.T, owner *models.Profile, createdAt time.Time) *models.Post {
	t.Helper()
	p := &models.Post{UserID: owner.ID, ImageURL: gofakeit.URL(), CreatedAt: createdAt}
	require.NoError(t, f.mem.CreatePost(context.Background(), p))
	return p
}

func viewerOf(p *models.Profile) auth.Viewer {
	return auth.Viewer{UserID: p.ID, Username: p.Username}
}

// changeCounter считает вызовы OnChange
type changeCounter struct {
	n int
}

func (c *changeCounter) interactions(InteractionState) { c.n++ }

// flakyStore отдает ошибку на выбранные записи, остальное идет в MemoryStore
type flakyStore struct {
	*repository.MemoryStore
	failLikes    bool
	failComments bool
}

func (s *flakyStore) InsertLike(ctx context.Context, postID, userID string) (*models.Like, error) {
	if s.failLikes {
		return nil, context.DeadlineExceeded
	}
	return s.MemoryStore.InsertLike(ctx, postID, userID)
}

func (s *flakyStore) InsertComment(ctx context.Context, c *models.Comment) error {
	if s.failComments {
		return context.DeadlineExceeded
	}
	return s.MemoryStore.InsertComment(ctx, c)
}
