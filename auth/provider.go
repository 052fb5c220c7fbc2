package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"feedsync/models"
	"feedsync/repository"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidSignUp      = errors.New("invalid sign up request")
)

var usernameRe = regexp.MustCompile(`^[a-z0-9._]{3,30}$`)

type SignUpRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Username string `json:"username" binding:"required"`
	FullName string `json:"full_name"`
}

func (r *SignUpRequest) normalize() error {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Username = strings.ToLower(strings.TrimSpace(r.Username))
	r.FullName = strings.TrimSpace(r.FullName)
	switch {
	case !strings.Contains(r.Email, "@"):
		return errors.Wrap(ErrInvalidSignUp, "email is invalid")
	case len(r.Password) < 6:
		return errors.Wrap(ErrInvalidSignUp, "password must be at least 6 characters")
	case !usernameRe.MatchString(r.Username):
		return errors.Wrap(ErrInvalidSignUp, "username may contain a-z, 0-9, '.' and '_' (3-30 chars)")
	}
	return nil
}

// Provider - внешний провайдер учетных записей и сессий
type Provider interface {
	CreateAccount(ctx context.Context, req SignUpRequest) (*models.Profile, error)
	VerifyPassword(ctx context.Context, email, password string) (*models.Profile, error)
	StoreSession(ctx context.Context, userID string, expiresAt time.Time) (string, error)
	ValidateSession(ctx context.Context, sessionID string) (*models.Profile, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

type accountStore interface {
	repository.ProfileRepository
	repository.TokenRepository
}

// StoreProvider хранит профили и сессии в repository.Store, пароли - argon2id
type StoreProvider struct {
	store accountStore
}

func NewStoreProvider(store accountStore) *StoreProvider {
	return &StoreProvider{store: store}
}

func (p *StoreProvider) CreateAccount(ctx context.Context, req SignUpRequest) (*models.Profile, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if _, err := p.store.GetProfileByEmail(ctx, req.Email); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if _, err := p.store.GetProfileByUsername(ctx, req.Username); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	profile := &models.Profile{
		Username: req.Username,
		FullName: req.FullName,
		Email:    req.Email,
		Password: hash,
	}
	if err := p.store.CreateProfile(ctx, profile); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return profile, nil
}

func (p *StoreProvider) VerifyPassword(ctx context.Context, email, password string) (*models.Profile, error) {
	profile, err := p.store.GetProfileByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := CheckPassword(profile.Password, password)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	return profile, nil
}

func (p *StoreProvider) StoreSession(ctx context.Context, userID string, expiresAt time.Time) (string, error) {
	token := &models.UserToken{ID: uuid.NewString(), UserID: userID, ExpiresAt: expiresAt}
	if err := p.store.CreateToken(ctx, token); err != nil {
		return "", err
	}
	return token.ID, nil
}

func (p *StoreProvider) ValidateSession(ctx context.Context, sessionID string) (*models.Profile, error) {
	token, err := p.store.GetToken(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	profile, err := p.store.GetProfile(ctx, token.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	return profile, err
}

func (p *StoreProvider) RevokeSession(ctx context.Context, sessionID string) error {
	return p.store.DeleteToken(ctx, sessionID)
}
