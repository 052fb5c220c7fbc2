package services

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/models"
	"feedsync/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	FEED_CACHE_TTL  = 24 * time.Hour // TTL для индекса ленты
	MAX_FEED_SIZE   = 1000           // Максимальное количество постов в индексе
	FEED_KEY        = "feed:global"  // sorted set id постов, score = created_at в миллисекундах
	EXPLORE_WINDOW  = 100            // Сколько свежих постов рассматривает explore
	DEFAULT_PAGE    = 20
	MAX_SEARCH_SIZE = 50
)

var (
	ErrForbidden    = errors.New("action is not allowed for this user")
	ErrEmptyPost    = errors.New("post needs an image")
	ErrUnauthorized = errors.New("authentication required")
)

// NewPostInput - данные для публикации. Если Media задан, картинка
// загружается через Uploader, иначе используется ImageURL
type NewPostInput struct {
	ImageURL  string
	Media     io.Reader
	MediaName string
	Caption   string
	Location  string
}

type profileNotifier interface {
	NotifyUserUpdated(profile models.Profile)
}

type PostService struct {
	store    repository.Store
	uploader Uploader
	redis    *redis.Client
	notifier profileNotifier
}

// NewPostService - uploader, redisClient и notifier могут быть nil
func NewPostService(store repository.Store, uploader Uploader, redisClient *redis.Client, notifier profileNotifier) *PostService {
	return &PostService{store: store, uploader: uploader, redis: redisClient, notifier: notifier}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// CreatePost публикует пост и добавляет его в индекс ленты
func (ps *PostService) CreatePost(ctx context.Context, viewer auth.Viewer, in NewPostInput) (*models.Post, error) {
	if viewer.Anonymous() {
		return nil, ErrUnauthorized
	}

	imageURL := strings.TrimSpace(in.ImageURL)
	if in.Media != nil {
		if ps.uploader == nil {
			return nil, errors.New("media upload is not configured")
		}
		objectPath := path.Join(viewer.UserID, uuid.NewString()+path.Ext(in.MediaName))
		if err := ps.uploader.Upload(ctx, objectPath, in.Media); err != nil {
			return nil, errors.Wrap(err, "failed to upload media")
		}
		imageURL = ps.uploader.PublicURL(objectPath)
	}
	if imageURL == "" {
		return nil, ErrEmptyPost
	}

	post := &models.Post{
		UserID:   viewer.UserID,
		ImageURL: imageURL,
		Caption:  optional(in.Caption),
		Location: optional(in.Location),
	}
	if err := ps.store.CreatePost(ctx, post); err != nil {
		return nil, errors.Wrap(err, "failed to create post")
	}
	logger.Debugf("Post %s created by %s", post.ID, viewer.UserID)

	ps.addPostToFeed(ctx, *post)
	return post, nil
}

// DeletePost удаляет пост, только владелец
func (ps *PostService) DeletePost(ctx context.Context, viewer auth.Viewer, postID string) error {
	if viewer.Anonymous() {
		return ErrUnauthorized
	}
	post, err := ps.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.UserID != viewer.UserID {
		return ErrForbidden
	}
	if _, err := ps.store.DeletePost(ctx, postID, viewer.UserID); err != nil {
		return errors.Wrap(err, "failed to delete post")
	}
	ps.removePostFromFeed(ctx, postID)
	return nil
}

func (ps *PostService) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	return ps.store.GetPost(ctx, postID)
}

// Feed - лента, новые первыми. before - курсор из предыдущего ответа
func (ps *PostService) Feed(ctx context.Context, before *time.Time, limit int) (*models.FeedResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = DEFAULT_PAGE
	}

	posts, err := ps.getFeedFromCache(ctx, before, limit)
	if err != nil {
		posts, err = ps.store.ListPosts(ctx, before, limit)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load feed")
		}
	}
	return feedResponse(posts, limit), nil
}

func feedResponse(posts []models.Post, limit int) *models.FeedResponse {
	if posts == nil {
		posts = []models.Post{}
	}
	resp := &models.FeedResponse{Posts: posts, HasMore: len(posts) == limit}
	if len(posts) > 0 {
		last := posts[len(posts)-1].CreatedAt
		resp.Before = &last
	}
	return resp
}

// Explore - самые популярные из последних постов, кроме постов зрителя
func (ps *PostService) Explore(ctx context.Context, viewer auth.Viewer, limit int) ([]models.Post, error) {
	if limit <= 0 || limit > EXPLORE_WINDOW {
		limit = DEFAULT_PAGE
	}
	recent, err := ps.store.ListPosts(ctx, nil, EXPLORE_WINDOW)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load explore posts")
	}
	out := make([]models.Post, 0, len(recent))
	for _, p := range recent {
		if p.UserID != viewer.UserID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LikesCount > out[j].LikesCount
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ProfilePage - профиль с его постами
type ProfilePage struct {
	Profile models.Profile `json:"profile"`
	Posts   []models.Post  `json:"posts"`
	IsOwn   bool           `json:"is_own"`
}

func (ps *PostService) ProfileByUsername(ctx context.Context, viewer auth.Viewer, username string) (*ProfilePage, error) {
	var (
		profile *models.Profile
		err     error
	)
	if username == "" {
		if viewer.Anonymous() {
			return nil, ErrUnauthorized
		}
		profile, err = ps.store.GetProfile(ctx, viewer.UserID)
	} else {
		profile, err = ps.store.GetProfileByUsername(ctx, strings.ToLower(username))
	}
	if err != nil {
		return nil, err
	}

	posts, err := ps.store.ListPostsByUser(ctx, profile.ID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load profile posts")
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return &ProfilePage{Profile: *profile, Posts: posts, IsOwn: profile.ID == viewer.UserID}, nil
}

func (ps *PostService) SearchProfiles(ctx context.Context, query string, limit int) ([]models.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Profile{}, nil
	}
	if limit <= 0 || limit > MAX_SEARCH_SIZE {
		limit = DEFAULT_PAGE
	}
	return ps.store.SearchProfiles(ctx, query, limit)
}

// UpdateProfile меняет профиль зрителя и рассылает USER_UPDATED
func (ps *PostService) UpdateProfile(ctx context.Context, viewer auth.Viewer, upd models.ProfileUpdate) (*models.Profile, error) {
	if viewer.Anonymous() {
		return nil, ErrUnauthorized
	}
	profile, err := ps.store.UpdateProfile(ctx, viewer.UserID, upd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update profile")
	}
	if ps.notifier != nil {
		ps.notifier.NotifyUserUpdated(*profile)
	}
	return profile, nil
}

func feedScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// getFeedFromCache берет id постов из Redis, сами посты читаются из хранилища.
// Неполная страница считается промахом: индекс мог быть обрезан
func (ps *PostService) getFeedFromCache(ctx context.Context, before *time.Time, limit int) ([]models.Post, error) {
	if ps.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	maxScore := "+inf"
	if before != nil {
		maxScore = "(" + strconv.FormatInt(before.UnixMilli(), 10)
	}
	postIDs, err := ps.redis.ZRevRangeByScore(ctx, FEED_KEY, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(postIDs) < limit {
		return nil, fmt.Errorf("feed index miss")
	}

	posts, err := ps.store.GetPostsByIDs(ctx, postIDs)
	if err != nil {
		return nil, err
	}
	if len(posts) != len(postIDs) {
		return nil, fmt.Errorf("feed index is stale")
	}
	return orderPosts(postIDs, posts), nil
}

// RebuildFeedCache перестраивает индекс ленты из хранилища
func (ps *PostService) RebuildFeedCache(ctx context.Context) error {
	if ps.redis == nil {
		return fmt.Errorf("redis not available")
	}

	var (
		all    []models.Post
		before *time.Time
	)
	for len(all) < MAX_FEED_SIZE {
		page, err := ps.store.ListPosts(ctx, before, 100)
		if err != nil {
			return errors.Wrap(err, "failed to read posts for feed index")
		}
		all = append(all, page...)
		if len(page) < 100 {
			break
		}
		last := page[len(page)-1].CreatedAt
		before = &last
	}

	pipe := ps.redis.TxPipeline()
	pipe.Del(ctx, FEED_KEY)
	for _, post := range all {
		pipe.ZAdd(ctx, FEED_KEY, &redis.Z{Score: feedScore(post.CreatedAt), Member: post.ID})
	}
	pipe.ZRemRangeByRank(ctx, FEED_KEY, 0, -MAX_FEED_SIZE-1)
	pipe.Expire(ctx, FEED_KEY, FEED_CACHE_TTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (ps *PostService) addPostToFeed(ctx context.Context, post models.Post) {
	if ps.redis == nil {
		return
	}

	pipe := ps.redis.Pipeline()
	pipe.ZAdd(ctx, FEED_KEY, &redis.Z{Score: feedScore(post.CreatedAt), Member: post.ID})
	pipe.ZRemRangeByRank(ctx, FEED_KEY, 0, -MAX_FEED_SIZE-1)
	pipe.Expire(ctx, FEED_KEY, FEED_CACHE_TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("Failed to add post %s to feed index: %v", post.ID, err)
	}
}

func (ps *PostService) removePostFromFeed(ctx context.Context, postID string) {
	if ps.redis == nil {
		return
	}
	if err := ps.redis.ZRem(ctx, FEED_KEY, postID).Err(); err != nil {
		logger.Warnf("Failed to remove post %s from feed index: %v", postID, err)
	}
}

func orderPosts(ids []string, posts []models.Post) []models.Post {
	byID := make(map[string]models.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	out := make([]models.Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
