package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"feedsync/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewStoreProvider(repository.NewMemoryStore()), "test-secret", time.Hour)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)

	ok, err := CheckPassword(hash, "s3cret!")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword(hash, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CheckPassword("garbage", "x")
	assert.Error(t, err)
}

func TestSignUpSignInSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.SignUp(ctx, SignUpRequest{Email: " Alice@Example.com ", Password: "password", Username: "Alice", FullName: "Alice A"})
	require.NoError(t, err)
	assert.Equal(t, "alice", session.User.Username)
	assert.Equal(t, "alice", session.Viewer().Username)

	_, err = svc.SignUp(ctx, SignUpRequest{Email: "alice@example.com", Password: "password", Username: "other"})
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = svc.SignIn(ctx, "alice@example.com", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	signedIn, err := svc.SignIn(ctx, "alice@example.com", "password")
	require.NoError(t, err)

	current, err := svc.Session(ctx, signedIn.Token)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, current.User.ID)
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService(t)
	for _, req := range []SignUpRequest{
		{Email: "no-at-sign", Password: "password", Username: "bob"},
		{Email: "bob@example.com", Password: "123", Username: "bob"},
		{Email: "bob@example.com", Password: "password", Username: "b!"},
	} {
		_, err := svc.SignUp(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidSignUp)
	}
}

func TestSignOutRevokesToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	session, err := svc.SignUp(ctx, SignUpRequest{Email: "bob@example.com", Password: "password", Username: "bob"})
	require.NoError(t, err)

	require.NoError(t, svc.SignOut(ctx, session.Token))
	_, err = svc.Session(ctx, session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Session(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshReplacesToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	session, err := svc.SignUp(ctx, SignUpRequest{Email: "carol@example.com", Password: "password", Username: "carol"})
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, session.Token)
	require.NoError(t, err)
	assert.NotEqual(t, session.Token, next.Token)

	_, err = svc.Session(ctx, session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Session(ctx, next.Token)
	assert.NoError(t, err)
}

func TestTokenFromAnotherSecretIsRejected(t *testing.T) {
	store := repository.NewMemoryStore()
	a := NewService(NewStoreProvider(store), "secret-a", time.Hour)
	b := NewService(NewStoreProvider(store), "secret-b", time.Hour)

	session, err := a.SignUp(context.Background(), SignUpRequest{Email: "dan@example.com", Password: "password", Username: "dan"})
	require.NoError(t, err)
	_, err = b.Session(context.Background(), session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStartRunsOnceAndFiltersRefresh(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	svc.Start(ctx)
	assert.EqualValues(t, 1, svc.starts.Load())

	var mu sync.Mutex
	var got []EventType
	unsubscribe := svc.OnSessionChange(func(ev SessionEvent) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	session, err := svc.SignUp(ctx, SignUpRequest{Email: "erin@example.com", Password: "password", Username: "erin"})
	require.NoError(t, err)
	next, err := svc.Refresh(ctx, session.Token)
	require.NoError(t, err)
	require.NoError(t, svc.SignOut(ctx, next.Token))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []EventType{EventSignedIn, EventSignedOut}, got)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	svc.NotifyUserUpdated(session.User)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}

func TestSignOutEventCarriesSession(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	events := make(chan SessionEvent, 4)
	defer svc.OnSessionChange(func(ev SessionEvent) { events <- ev })()

	session, err := svc.SignUp(ctx, SignUpRequest{Email: "frank@example.com", Password: "password", Username: "frank"})
	require.NoError(t, err)
	require.NoError(t, svc.SignOut(ctx, session.Token))

	for {
		select {
		case ev := <-events:
			if ev.Type != EventSignedOut {
				continue
			}
			require.NotNil(t, ev.Session)
			assert.Equal(t, session.Token, ev.Session.Token)
			assert.Equal(t, session.User.ID, ev.Session.User.ID)
			return
		case <-time.After(time.Second):
			t.Fatal("no SIGNED_OUT event")
		}
	}
}

func TestViewerContext(t *testing.T) {
	assert.True(t, ViewerFrom(context.Background()).Anonymous())
	ctx := WithViewer(context.Background(), Viewer{UserID: "u1", Username: "frank"})
	assert.Equal(t, "u1", ViewerFrom(ctx).UserID)
}
