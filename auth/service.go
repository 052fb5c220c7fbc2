// Package auth - сессии пользователей. Service создается один раз на процесс
// и передается всем, кому нужна текущая identity.
package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"feedsync/logger"
	"feedsync/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
)

type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	User      models.Profile `json:"user"`
}

func (s *Session) Viewer() Viewer {
	if s == nil {
		return Viewer{}
	}
	return Viewer{UserID: s.User.ID, Username: s.User.Username}
}

type SessionEvent struct {
	Type    EventType
	Session *Session
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	provider Provider
	secret   []byte
	ttl      time.Duration

	startOnce sync.Once
	starts    atomic.Int32
	started   atomic.Bool
	events    chan SessionEvent

	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(SessionEvent)
}

func NewService(provider Provider, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{
		provider:  provider,
		secret:    []byte(secret),
		ttl:       ttl,
		events:    make(chan SessionEvent, 64),
		listeners: make(map[uint64]func(SessionEvent)),
	}
}

// Start поднимает слушателя событий провайдера. Повторные вызовы ничего не делают
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.starts.Add(1)
		s.started.Store(true)
		go s.dispatch(ctx)
		logger.Infof("Auth event listener started")
	})
}

func (s *Service) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.started.Store(false)
			return
		case ev := <-s.events:
			// обновление токена не меняет пользователя, подписчикам оно не нужно
			if ev.Type == EventTokenRefreshed {
				continue
			}
			s.mu.RLock()
			fns := make([]func(SessionEvent), 0, len(s.listeners))
			for _, fn := range s.listeners {
				fns = append(fns, fn)
			}
			s.mu.RUnlock()
			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}

func (s *Service) emit(ev SessionEvent) {
	if !s.started.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		logger.Warnf("Auth event %s dropped: listener is busy", ev.Type)
	}
}

// OnSessionChange регистрирует обработчик, возвращает функцию отписки
func (s *Service) OnSessionChange(fn func(SessionEvent)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) issue(ctx context.Context, profile *models.Profile) (*Session, error) {
	expiresAt := time.Now().Add(s.ttl).UTC()
	sid, err := s.provider.StoreSession(ctx, profile.ID, expiresAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to store session")
	}
	claims := sessionClaims{
		SessionID: sid,
		Username:  profile.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profile.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign token")
	}
	return &Session{Token: token, ExpiresAt: expiresAt, User: *profile}, nil
}

func (s *Service) parse(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	profile, err := s.provider.CreateAccount(ctx, req)
	if err != nil {
		return nil, err
	}
	session, err := s.issue(ctx, profile)
	if err != nil {
		return nil, err
	}
	s.emit(SessionEvent{Type: EventSignedIn, Session: session})
	return session, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	profile, err := s.provider.VerifyPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	session, err := s.issue(ctx, profile)
	if err != nil {
		return nil, err
	}
	s.emit(SessionEvent{Type: EventSignedIn, Session: session})
	return session, nil
}

// Session проверяет токен и возвращает текущую сессию
func (s *Service) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	profile, err := s.provider.ValidateSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: *profile}, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	// пользователя берем до отзыва, после него сессия уже невалидна
	ended := &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time}
	if profile, err := s.provider.ValidateSession(ctx, claims.SessionID); err == nil {
		ended.User = *profile
	}
	if err := s.provider.RevokeSession(ctx, claims.SessionID); err != nil {
		return errors.Wrap(err, "failed to revoke session")
	}
	s.emit(SessionEvent{Type: EventSignedOut, Session: ended})
	return nil
}

// Refresh выдает новый токен взамен действующего, старый отзывается
func (s *Service) Refresh(ctx context.Context, token string) (*Session, error) {
	current, err := s.Session(ctx, token)
	if err != nil {
		return nil, err
	}
	claims, _ := s.parse(token)
	next, err := s.issue(ctx, &current.User)
	if err != nil {
		return nil, err
	}
	if err := s.provider.RevokeSession(ctx, claims.SessionID); err != nil {
		logger.Warnf("Failed to revoke refreshed session %s: %v", claims.SessionID, err)
	}
	s.emit(SessionEvent{Type: EventTokenRefreshed, Session: next})
	return next, nil
}

// NotifyUserUpdated рассылает USER_UPDATED после редактирования профиля
func (s *Service) NotifyUserUpdated(profile models.Profile) {
	s.emit(SessionEvent{Type: EventUserUpdated, Session: &Session{User: profile}})
}
