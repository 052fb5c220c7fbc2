package services

import (
	"context"
	"testing"
	"time"

	"feedsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) conversation(t *testing.T, a, b *models.Profile, createdAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{CreatedAt: createdAt}
	require.NoError(t, f.mem.InsertConversation(ctx, conv))
	require.NoError(t, f.mem.InsertParticipants(ctx, []models.ConversationParticipant{
		{ConversationID: conv.ID, UserID: a.ID, CreatedAt: createdAt},
		{ConversationID: conv.ID, UserID: b.ID, CreatedAt: createdAt},
	}))
	return conv.ID
}

func (f *fixture) message(t *testing.T, convID string, sender *models.Profile, text string, at time.Time) {
	t.Helper()
	require.NoError(t, f.mem.InsertMessage(context.Background(), &models.Message{
		ConversationID: convID, SenderID: sender.ID, Content: text, CreatedAt: at,
	}))
}

func TestConversationListOnePerCounterpart(t *testing.T) {
	f := newFixture(t)
	me, bob := f.user(t), f.user(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	f.conversation(t, me, bob, base)
	f.conversation(t, me, bob, base.Add(time.Minute))

	list, err := NewConversationService(f.store, ConversationOptions{}).List(context.Background(), me.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, bob.ID, list[0].User.ID)
	assert.Equal(t, bob.Username, list[0].User.Username)
}

func TestConversationListSortsByLastMessage(t *testing.T) {
	f := newFixture(t)
	me, bob, carol, dave := f.user(t), f.user(t), f.user(t), f.user(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	withBob := f.conversation(t, me, bob, base)
	withCarol := f.conversation(t, me, carol, base)
	withDave := f.conversation(t, me, dave, base)
	f.message(t, withBob, bob, "old", base.Add(time.Minute))
	f.message(t, withCarol, me, "new", base.Add(time.Hour))

	list, err := NewConversationService(f.store, ConversationOptions{}).List(context.Background(), me.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{withCarol, withBob, withDave}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, "new", list[0].LastMessage.Content)
	assert.Nil(t, list[2].LastMessage)
}

func TestConversationListPreviewLimit(t *testing.T) {
	f := newFixture(t)
	me := f.user(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		other := f.user(t)
		conv := f.conversation(t, me, other, base)
		f.message(t, conv, other, "hi", base.Add(time.Duration(i)*time.Minute))
	}

	svc := NewConversationService(f.store, ConversationOptions{PreviewLimit: 1, PreviewConcurrency: 1})
	list, err := svc.List(context.Background(), me.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)

	withPreview := 0
	for _, c := range list {
		if c.LastMessage != nil {
			withPreview++
		}
	}
	assert.Equal(t, 1, withPreview)
	assert.NotNil(t, list[0].LastMessage)
}

func TestConversationCreateRejectsSelf(t *testing.T) {
	f := newFixture(t)
	me := f.user(t)
	_, err := NewConversationService(f.store, ConversationOptions{}).Create(context.Background(), me.ID, me.ID)
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestInboxStartConversationReusesExisting(t *testing.T) {
	f := newFixture(t)
	me, bob, carol := f.user(t), f.user(t), f.user(t)
	existing := f.conversation(t, me, bob, time.Now().UTC())

	svc := NewConversationService(f.store, ConversationOptions{})
	inbox := NewInbox(svc, f.store, f.hub, viewerOf(me))
	defer inbox.Close()
	require.NoError(t, inbox.Load(context.Background()))

	again, err := inbox.StartConversation(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, existing, again.ID)
	assert.Len(t, inbox.Conversations(), 1)

	created, err := inbox.StartConversation(context.Background(), carol.ID)
	require.NoError(t, err)
	assert.NotEqual(t, existing, created.ID)
	assert.Equal(t, carol.Username, created.User.Username)
	assert.Len(t, inbox.Conversations(), 2)

	ok, err := f.mem.IsParticipant(context.Background(), created.ID, carol.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInboxStartConversationFailureKeepsList(t *testing.T) {
	f := newFixture(t)
	me := f.user(t)
	inbox := NewInbox(NewConversationService(f.store, ConversationOptions{}), f.store, f.hub, viewerOf(me))
	defer inbox.Close()
	require.NoError(t, inbox.Load(context.Background()))

	_, err := inbox.StartConversation(context.Background(), "no-such-user")
	require.Error(t, err)
	assert.Empty(t, inbox.Conversations())
}

func TestInboxLivePreviewAndMarkRead(t *testing.T) {
	f := newFixture(t)
	me, bob := f.user(t), f.user(t)
	conv := f.conversation(t, me, bob, time.Now().UTC())

	svc := NewConversationService(f.store, ConversationOptions{})
	mine := NewInbox(svc, f.store, f.hub, viewerOf(me))
	defer mine.Close()
	require.NoError(t, mine.Load(context.Background()))

	bobs := NewInbox(svc, f.store, f.hub, viewerOf(bob))
	defer bobs.Close()
	require.NoError(t, bobs.Load(context.Background()))

	sent, err := bobs.SendMessage(context.Background(), conv, "  ping ")
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, "ping", sent.Content)

	list := mine.Conversations()
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, sent.ID, list[0].LastMessage.ID)
	assert.False(t, list[0].LastMessage.IsRead)

	// отправитель не может прочитать свое сообщение
	n, err := bobs.MarkRead(context.Background(), conv)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = mine.MarkRead(context.Background(), conv)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.True(t, mine.Conversations()[0].LastMessage.IsRead)

	msgs, err := mine.Messages(context.Background(), conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
}

func TestInboxRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	me, bob, eve := f.user(t), f.user(t), f.user(t)
	conv := f.conversation(t, me, bob, time.Now().UTC())

	inbox := NewInbox(NewConversationService(f.store, ConversationOptions{}), f.store, nil, viewerOf(eve))
	_, err := inbox.SendMessage(context.Background(), conv, "let me in")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = inbox.Messages(context.Background(), conv, 10)
	assert.ErrorIs(t, err, ErrNotParticipant)

	msg, err := inbox.SendMessage(context.Background(), conv, "   ")
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestInboxPicksUpConversationStartedByOthers(t *testing.T) {
	f := newFixture(t)
	me, bob := f.user(t), f.user(t)
	svc := NewConversationService(f.store, ConversationOptions{})

	mine := NewInbox(svc, f.store, f.hub, viewerOf(me))
	defer mine.Close()
	require.NoError(t, mine.Load(context.Background()))

	_, err := svc.Create(context.Background(), bob.ID, me.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(mine.Conversations()) == 1
	}, time.Second, 10*time.Millisecond)
}
