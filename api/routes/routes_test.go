package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedsync/api/handlers"
	"feedsync/api/routes"
	"feedsync/auth"
	"feedsync/models"
	"feedsync/realtime"
	"feedsync/repository"
	"feedsync/services"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	store  repository.Store
	posts  *services.PostService
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := realtime.NewHub()
	store := repository.WithChangeFeed(repository.NewMemoryStore(), hub)
	authService := auth.NewService(auth.NewStoreProvider(store), "test-secret", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	authService.Start(ctx)

	uploader, err := services.NewLocalUploader(t.TempDir(), "/media/")
	require.NoError(t, err)
	posts := services.NewPostService(store, uploader, nil, authService)

	handlers.Init(&handlers.Deps{
		Store:         store,
		Broker:        hub,
		Auth:          authService,
		Posts:         posts,
		Saved:         services.NewSavedPostsService(store),
		Conversations: services.NewConversationService(store, services.ConversationOptions{}),
	})

	r := gin.New()
	routes.PublicApi(r, authService)
	routes.PrivateApi(r, authService)
	return &testServer{router: r, store: store, posts: posts}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// signUp регистрирует пользователя и возвращает сессию
func (s *testServer) signUp(t *testing.T) auth.Session {
	t.Helper()
	req := auth.SignUpRequest{
		Email:    gofakeit.Numerify("user####_####") + "@example.com",
		Password: "secret-password",
		Username: gofakeit.Numerify("user_####_####"),
		FullName: gofakeit.Name(),
	}
	w := s.do(t, http.MethodPost, "/api/v1/auth/signup", "", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var session auth.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	require.NotEmpty(t, session.Token)
	return session
}

func (s *testServer) createPost(t *testing.T, session auth.Session, caption string) models.Post {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/create", session.Token, gin.H{
		"image_url": "https://example.com/" + gofakeit.UUID() + ".jpg",
		"caption":   caption,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var post models.Post
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &post))
	return post
}

func TestSignUpAndSignIn(t *testing.T) {
	s := setupServer(t)

	req := auth.SignUpRequest{
		Email:    "Alice@Example.com",
		Password: "secret-password",
		Username: "alice_test",
	}
	w := s.do(t, http.MethodPost, "/api/v1/auth/signup", "", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// повторная регистрация
	w = s.do(t, http.MethodPost, "/api/v1/auth/signup", "", req)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/signin", "", gin.H{"email": "alice@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/signin", "", gin.H{"email": "alice@example.com", "password": "secret-password"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var session auth.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, "alice_test", session.User.Username)

	w = s.do(t, http.MethodGet, "/api/v1/auth/session", session.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/signout", session.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/auth/session", session.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignUpValidation(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/auth/signup", "", gin.H{
		"email": "bob@example.com", "password": "123", "username": "bob_test",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/signup", "", gin.H{"email": "bob@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrivateRoutesRequireToken(t *testing.T) {
	s := setupServer(t)

	for _, path := range []string{"/api/v1/profile", "/api/v1/saved", "/api/v1/messages", "/api/v1/ws"} {
		w := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := s.do(t, http.MethodGet, "/api/v1/profile", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFeedIsPublic(t *testing.T) {
	s := setupServer(t)
	author := s.signUp(t)
	s.createPost(t, author, "first")
	s.createPost(t, author, "second")

	w := s.do(t, http.MethodGet, "/api/v1/?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var feed models.FeedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &feed))
	require.Len(t, feed.Posts, 1)
	require.NotNil(t, feed.Posts[0].Caption)
	assert.Equal(t, "second", *feed.Posts[0].Caption)
	assert.True(t, feed.HasMore)
	require.NotNil(t, feed.Before)

	w = s.do(t, http.MethodGet, "/api/v1/?before="+feed.Before.Format(time.RFC3339Nano), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &feed))
	require.Len(t, feed.Posts, 1)
	require.NotNil(t, feed.Posts[0].Caption)
	assert.Equal(t, "first", *feed.Posts[0].Caption)

	w = s.do(t, http.MethodGet, "/api/v1/?before=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLikeCommentAndSave(t *testing.T) {
	s := setupServer(t)
	author := s.signUp(t)
	fan := s.signUp(t)
	post := s.createPost(t, author, "sunset")
	postPath := "/api/v1/post/" + post.ID

	w := s.do(t, http.MethodPost, postPath+"/like", fan.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var state services.InteractionState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.True(t, state.Liked)
	assert.Equal(t, int64(1), state.LikeCount)

	w = s.do(t, http.MethodPost, postPath+"/comments", fan.Token, gin.H{"content": "nice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var comment models.Comment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &comment))

	w = s.do(t, http.MethodPost, postPath+"/comments", fan.Token, gin.H{"content": "reply", "parent_id": comment.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, postPath+"/save", fan.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"saved":true}`, w.Body.String())

	w = s.do(t, http.MethodGet, postPath, fan.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var details handlers.PostDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &details))
	assert.True(t, details.Interactions.Liked)
	assert.True(t, details.Saved)
	require.Len(t, details.Interactions.Comments, 1)
	require.Len(t, details.Interactions.Comments[0].Replies, 1)
	assert.Equal(t, "reply", details.Interactions.Comments[0].Replies[0].Content)

	// аноним видит счетчик, но не свой лайк
	w = s.do(t, http.MethodGet, postPath, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &details))
	assert.False(t, details.Interactions.Liked)
	assert.Equal(t, int64(1), details.Interactions.LikeCount)

	w = s.do(t, http.MethodGet, "/api/v1/saved", fan.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), post.ID)

	w = s.do(t, http.MethodDelete, postPath+"/comments/"+comment.ID, author.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodDelete, postPath+"/comments/"+comment.ID, fan.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPostErrorsMapToStatus(t *testing.T) {
	s := setupServer(t)
	author := s.signUp(t)
	other := s.signUp(t)
	post := s.createPost(t, author, "mine")

	w := s.do(t, http.MethodGet, "/api/v1/post/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/post/does-not-exist/like", other.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/post/"+post.ID, other.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/create", author.Token, gin.H{"caption": "no image"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/post/"+post.ID, author.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/post/"+post.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProfileAndSearch(t *testing.T) {
	s := setupServer(t)
	me := s.signUp(t)
	s.createPost(t, me, "hello")

	w := s.do(t, http.MethodGet, "/api/v1/profile", me.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), me.User.Username)

	w = s.do(t, http.MethodGet, "/api/v1/profile/"+me.User.Username, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/profile/nobody_here", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/profile", me.Token, gin.H{"bio": "photos only"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "photos only")

	w = s.do(t, http.MethodGet, "/api/v1/search?q="+me.User.Username[:6], "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), me.User.ID)
}

func TestConversationFlow(t *testing.T) {
	s := setupServer(t)
	alice := s.signUp(t)
	bob := s.signUp(t)
	mallory := s.signUp(t)

	w := s.do(t, http.MethodPost, "/api/v1/messages", alice.Token, gin.H{"user_id": alice.User.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/messages", alice.Token, gin.H{"user_id": bob.User.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary models.ConversationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.NotEmpty(t, summary.ID)
	convPath := "/api/v1/messages/" + summary.ID

	w = s.do(t, http.MethodPost, convPath, alice.Token, gin.H{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))

	w = s.do(t, http.MethodGet, convPath, mallory.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, convPath, bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hi bob")

	w = s.do(t, http.MethodPost, convPath+"/read", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"marked":1}`, w.Body.String())

	reactPath := convPath + "/reactions/" + msg.ID
	w = s.do(t, http.MethodPost, reactPath, bob.Token, gin.H{"emoji": "❤️"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, reactPath, bob.Token, gin.H{"emoji": "not-an-emoji"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, reactPath, mallory.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/messages", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), summary.ID)
}

type wsEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readEvent читает кадры, пока не встретит нужное событие
func readEvent(t *testing.T, conn *websocket.Conn, event string) wsEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev wsEvent
		if json.Unmarshal(data, &ev) == nil && ev.Event == event {
			return ev
		}
	}
}

func TestWebSocketPostSubscription(t *testing.T) {
	s := setupServer(t)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	author := s.signUp(t)
	fan := s.signUp(t)
	post := s.createPost(t, author, "live")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + fan.Token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "WebSocket dial failed, resp: %+v", resp)
	defer conn.Close()

	hello := readEvent(t, conn, "connected")
	var viewer auth.Viewer
	require.NoError(t, json.Unmarshal(hello.Data, &viewer))
	assert.Equal(t, fan.User.ID, viewer.UserID)

	require.NoError(t, conn.WriteJSON(handlers.WSRequest{Action: "subscribe_post", PostID: post.ID}))
	readEvent(t, conn, "post")

	// лайк другого пользователя через хранилище приходит событием
	_, err = s.store.InsertLike(context.Background(), post.ID, author.User.ID)
	require.NoError(t, err)
	for {
		ev := readEvent(t, conn, "post")
		var state services.InteractionState
		require.NoError(t, json.Unmarshal(ev.Data, &state))
		if state.LikeCount == 1 {
			assert.False(t, state.Liked)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(handlers.WSRequest{Action: "no_such_action"}))
	ev := readEvent(t, conn, "error")
	assert.Contains(t, string(ev.Data), "unknown action")
}

func TestWebSocketClosesOnSignOut(t *testing.T) {
	s := setupServer(t)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	user := s.signUp(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + user.Token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "WebSocket dial failed, resp: %+v", resp)
	defer conn.Close()
	readEvent(t, conn, "connected")

	w := s.do(t, http.MethodPost, "/api/v1/auth/signout", user.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
		break
	}
}

func TestWebSocketRejectsAnonymous(t *testing.T) {
	s := setupServer(t)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
