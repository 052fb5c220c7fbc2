package seed

import (
	"context"
	"testing"
	"time"

	"feedsync/auth"
	"feedsync/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seedNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func TestRunFillsStore(t *testing.T) {
	store := repository.NewMemoryStore()
	res, err := Run(context.Background(), store, Options{Profiles: 6, PostsPerProfile: 2, Now: seedNow})
	require.NoError(t, err)

	assert.Len(t, res.Profiles, 6)
	assert.Len(t, res.Posts, 12)
	assert.NotEmpty(t, res.Conversations)
	assert.GreaterOrEqual(t, res.Messages, len(res.Conversations))

	feed, err := store.ListPosts(context.Background(), nil, 100)
	require.NoError(t, err)
	assert.Len(t, feed, 12)
	for _, p := range feed {
		assert.True(t, p.CreatedAt.Before(seedNow))
		require.NotNil(t, p.Profile)
	}

	for _, conv := range res.Conversations {
		others, err := store.ListOtherParticipants(context.Background(), []string{conv.ID}, "")
		require.NoError(t, err)
		assert.Len(t, others, 2)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	first, err := Run(context.Background(), repository.NewMemoryStore(), Options{Profiles: 4, Seed: 7, Now: seedNow})
	require.NoError(t, err)
	second, err := Run(context.Background(), repository.NewMemoryStore(), Options{Profiles: 4, Seed: 7, Now: seedNow})
	require.NoError(t, err)

	require.Len(t, second.Profiles, len(first.Profiles))
	for i := range first.Profiles {
		assert.Equal(t, first.Profiles[i].Username, second.Profiles[i].Username)
	}
	assert.Equal(t, first.Likes, second.Likes)
	assert.Equal(t, first.Comments, second.Comments)
}

func TestSeededAccountCanSignIn(t *testing.T) {
	store := repository.NewMemoryStore()
	res, err := Run(context.Background(), store, Options{Profiles: 2, Now: seedNow})
	require.NoError(t, err)

	svc := auth.NewService(auth.NewStoreProvider(store), "test-secret", time.Hour)
	session, err := svc.SignIn(context.Background(), res.Profiles[0].Email, DemoPassword)
	require.NoError(t, err)
	assert.Equal(t, res.Profiles[0].ID, session.Viewer().UserID)
}
