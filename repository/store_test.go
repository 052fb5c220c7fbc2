package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"feedsync/db"
	"feedsync/models"
	"feedsync/realtime"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGormStore(t *testing.T) Store {
	t.Helper()
	database, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database))
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewGormStore(database)
}

func newMemoryStore(t *testing.T) Store {
	return NewMemoryStore()
}

var stores = map[string]func(t *testing.T) Store{
	"gorm":   newGormStore,
	"memory": newMemoryStore,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func mkProfile(t *testing.T, s Store) *models.Profile {
	t.Helper()
	p := &models.Profile{
		Username: gofakeit.Username() + gofakeit.Numerify("####"),
		FullName: gofakeit.Name(),
		Email:    gofakeit.Numerify("user####") + "@" + gofakeit.DomainName(),
	}
	require.NoError(t, s.CreateProfile(context.Background(), p))
	return p
}

func mkPost(t *testing.T, s Store, owner *models.Profile, createdAt time.Time) *models.Post {
	t.Helper()
	caption := gofakeit.Sentence(5)
	p := &models.Post{UserID: owner.ID, ImageURL: gofakeit.URL(), Caption: &caption, CreatedAt: createdAt}
	require.NoError(t, s.CreatePost(context.Background(), p))
	return p
}

func TestLikesKeepCountInSync(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mkProfile(t, s)
		fan := mkProfile(t, s)
		post := mkPost(t, s, owner, time.Now().UTC())

		_, err := s.InsertLike(ctx, post.ID, fan.ID)
		require.NoError(t, err)
		_, err = s.InsertLike(ctx, post.ID, fan.ID)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.LikesCount)
		require.NotNil(t, got.Profile)
		assert.Equal(t, owner.Username, got.Profile.Username)

		liked, err := s.HasLike(ctx, post.ID, fan.ID)
		require.NoError(t, err)
		assert.True(t, liked)

		deleted, err := s.DeleteLike(ctx, post.ID, fan.ID)
		require.NoError(t, err)
		require.NotNil(t, deleted)
		again, err := s.DeleteLike(ctx, post.ID, fan.ID)
		require.NoError(t, err)
		assert.Nil(t, again)

		n, err := s.CountLikes(ctx, post.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
		got, _ = s.GetPost(ctx, post.ID)
		assert.Zero(t, got.LikesCount)
	})
}

func TestLikeUnknownPost(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		fan := mkProfile(t, s)
		_, err := s.InsertLike(context.Background(), "missing-post", fan.ID)
		assert.Error(t, err)
	})
}

func TestCommentRepliesAreFlattenedAndValidated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mkProfile(t, s)
		other := mkProfile(t, s)
		now := time.Now().UTC()
		post := mkPost(t, s, owner, now)
		otherPost := mkPost(t, s, owner, now)

		root := &models.Comment{PostID: post.ID, UserID: owner.ID, Content: "hello", CreatedAt: now}
		require.NoError(t, s.InsertComment(ctx, root))

		reply := &models.Comment{PostID: post.ID, UserID: other.ID, Content: "hi back", ParentID: &root.ID, CreatedAt: now.Add(time.Second)}
		require.NoError(t, s.InsertComment(ctx, reply))

		nested := &models.Comment{PostID: post.ID, UserID: owner.ID, Content: "deeper", ParentID: &reply.ID, CreatedAt: now.Add(2 * time.Second)}
		require.NoError(t, s.InsertComment(ctx, nested))
		require.NotNil(t, nested.ParentID)
		assert.Equal(t, root.ID, *nested.ParentID)

		cross := &models.Comment{PostID: otherPost.ID, UserID: owner.ID, Content: "wrong", ParentID: &root.ID}
		assert.ErrorIs(t, s.InsertComment(ctx, cross), ErrCrossPostReply)

		missing := "missing"
		orphan := &models.Comment{PostID: post.ID, UserID: owner.ID, Content: "orphan", ParentID: &missing}
		assert.ErrorIs(t, s.InsertComment(ctx, orphan), ErrParentNotFound)

		list, err := s.ListComments(ctx, post.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"hello", "hi back", "deeper"}, []string{list[0].Content, list[1].Content, list[2].Content})
		require.NotNil(t, list[1].Profile)
		assert.Equal(t, other.Username, list[1].Profile.Username)

		_, err = s.DeleteComment(ctx, root.ID, other.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.DeleteComment(ctx, root.ID, owner.ID)
		require.NoError(t, err)
		list, err = s.ListComments(ctx, post.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestListSavedNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := mkProfile(t, s)
		now := time.Now().UTC()
		var ids []string
		for i := 0; i < 3; i++ {
			p := mkPost(t, s, u, now)
			ids = append(ids, p.ID)
			_, err := s.InsertSaved(ctx, u.ID, p.ID)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}
		_, err := s.InsertSaved(ctx, u.ID, ids[0])
		assert.ErrorIs(t, err, ErrAlreadyExists)

		saved, err := s.ListSaved(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, saved, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{saved[0].PostID, saved[1].PostID, saved[2].PostID})

		gone, err := s.DeleteSaved(ctx, u.ID, ids[1])
		require.NoError(t, err)
		require.NotNil(t, gone)
		ok, err := s.IsSaved(ctx, u.ID, ids[1])
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestConversationsAndReadReceipts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		me := mkProfile(t, s)
		bob := mkProfile(t, s)

		conv := &models.Conversation{}
		require.NoError(t, s.InsertConversation(ctx, conv))
		require.NotEmpty(t, conv.ID)
		require.NoError(t, s.InsertParticipants(ctx, []models.ConversationParticipant{
			{ConversationID: conv.ID, UserID: me.ID},
			{ConversationID: conv.ID, UserID: bob.ID},
		}))

		memberships, err := s.ListMemberships(ctx, me.ID)
		require.NoError(t, err)
		require.Len(t, memberships, 1)

		others, err := s.ListOtherParticipants(ctx, []string{conv.ID}, me.ID)
		require.NoError(t, err)
		require.Len(t, others, 1)
		assert.Equal(t, bob.ID, others[0].UserID)

		last, err := s.LatestMessage(ctx, conv.ID)
		require.NoError(t, err)
		assert.Nil(t, last)

		now := time.Now().UTC()
		require.NoError(t, s.InsertMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: bob.ID, Content: "yo", CreatedAt: now}))
		require.NoError(t, s.InsertMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: me.ID, Content: "hey", CreatedAt: now.Add(time.Second)}))

		last, err = s.LatestMessage(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "hey", last.Content)

		n, err := s.MarkRead(ctx, conv.ID, me.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = s.MarkRead(ctx, conv.ID, me.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		msgs, err := s.ListMessages(ctx, conv.ID, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].IsRead)
		assert.False(t, msgs[1].IsRead, "own message stays unread")
	})
}

func TestCreateConversationIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		me := mkProfile(t, s)
		bob := mkProfile(t, s)

		conv := &models.Conversation{ID: uuid.NewString()}
		err := s.CreateConversation(ctx, conv, []models.ConversationParticipant{
			{UserID: me.ID},
			{UserID: me.ID},
		})
		require.Error(t, err)

		memberships, err := s.ListMemberships(ctx, me.ID)
		require.NoError(t, err)
		assert.Empty(t, memberships)

		// строка диалога откатилась, тот же id свободен
		retry := &models.Conversation{ID: conv.ID}
		require.NoError(t, s.CreateConversation(ctx, retry, []models.ConversationParticipant{
			{UserID: me.ID},
			{UserID: bob.ID},
		}))
		ok, err := s.IsParticipant(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestReactionsUniquePerEmoji(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		me := mkProfile(t, s)
		conv := &models.Conversation{}
		require.NoError(t, s.InsertConversation(ctx, conv))
		msg := &models.Message{ConversationID: conv.ID, SenderID: me.ID, Content: "x"}
		require.NoError(t, s.InsertMessage(ctx, msg))

		r := &models.MessageReaction{MessageID: msg.ID, UserID: me.ID, Emoji: "🔥"}
		require.NoError(t, s.InsertReaction(ctx, r))
		assert.ErrorIs(t, s.InsertReaction(ctx, &models.MessageReaction{MessageID: msg.ID, UserID: me.ID, Emoji: "🔥"}), ErrAlreadyExists)

		_, err := s.DeleteReaction(ctx, r.ID, "someone-else")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.DeleteReaction(ctx, r.ID, me.ID)
		require.NoError(t, err)

		list, err := s.ListReactions(ctx, msg.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestDeletePostOwnerOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mkProfile(t, s)
		other := mkProfile(t, s)
		post := mkPost(t, s, owner, time.Now().UTC())
		_, err := s.InsertLike(ctx, post.ID, other.ID)
		require.NoError(t, err)

		_, err = s.DeletePost(ctx, post.ID, other.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.DeletePost(ctx, post.ID, owner.ID)
		require.NoError(t, err)
		_, err = s.GetPost(ctx, post.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		n, _ := s.CountLikes(ctx, post.ID)
		assert.Zero(t, n)
	})
}

func TestChangeFeedPublishesAfterWrite(t *testing.T) {
	hub := realtime.NewHub()
	s := WithChangeFeed(NewMemoryStore(), hub)
	ctx := context.Background()
	owner := mkProfile(t, s)
	post := mkPost(t, s, owner, time.Now().UTC())

	var events []realtime.ChangeEvent
	_, err := hub.Subscribe("comments-"+post.ID, realtime.ChangeFilter{Table: "comments", Column: "post_id", Value: post.ID}, func(ev realtime.ChangeEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	c := &models.Comment{PostID: post.ID, UserID: owner.ID, Content: "hello"}
	require.NoError(t, s.InsertComment(ctx, c))
	_, err = s.DeleteComment(ctx, c.ID, owner.ID)
	require.NoError(t, err)

	// неудачная запись не публикуется
	missing := "missing"
	assert.Error(t, s.InsertComment(ctx, &models.Comment{PostID: post.ID, UserID: owner.ID, Content: "x", ParentID: &missing}))

	require.Len(t, events, 2)
	assert.Equal(t, realtime.EventInsert, events[0].Type)
	assert.Equal(t, realtime.EventDelete, events[1].Type)

	var row map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].New, &row))
	assert.Equal(t, c.ID, row["id"])
	assert.NotContains(t, row, "profile")
}

func TestGetProfilesByIDsSkipsUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mkProfile(t, s)
		b := mkProfile(t, s)
		got, err := s.GetProfilesByIDs(context.Background(), []string{a.ID, b.ID, a.ID, "nope"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}
