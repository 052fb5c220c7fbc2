package repository

import (
	"context"
	"encoding/json"
	"time"

	"feedsync/logger"
	"feedsync/models"

	"github.com/go-redis/redis/v8"
)

const (
	PROFILE_CACHE_TTL  = 10 * time.Minute
	PROFILE_KEY_PREFIX = "profile:"
)

// cachedProfilesStore держит профили в Redis: join-проекции постов, комментариев
// и список диалогов читают одни и те же профили много раз.
// При любой ошибке Redis запрос уходит в хранилище
type cachedProfilesStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
}

func WithProfileCache(store Store, client *redis.Client, ttl time.Duration) Store {
	if client == nil {
		return store
	}
	if ttl <= 0 {
		ttl = PROFILE_CACHE_TTL
	}
	return &cachedProfilesStore{Store: store, client: client, ttl: ttl}
}

func profileKey(id string) string {
	return PROFILE_KEY_PREFIX + id
}

func (s *cachedProfilesStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	val, err := s.client.Get(ctx, profileKey(id)).Result()
	if err == nil {
		var p models.Profile
		if err := json.Unmarshal([]byte(val), &p); err == nil {
			return &p, nil
		}
	} else if err != redis.Nil {
		logger.Debugf("Profile cache get failed for %s: %v", id, err)
	}

	p, err := s.Store.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, []models.Profile{*p})
	return p, nil
}

func (s *cachedProfilesStore) GetProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, profileKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		logger.Debugf("Profile cache pipeline failed: %v", err)
		return s.loadAndPut(ctx, ids)
	}

	profiles := make([]models.Profile, 0, len(ids))
	var missing []string
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err != nil {
			missing = append(missing, ids[i])
			continue
		}
		var p models.Profile
		if err := json.Unmarshal([]byte(val), &p); err != nil {
			missing = append(missing, ids[i])
			continue
		}
		profiles = append(profiles, p)
	}

	if len(missing) > 0 {
		loaded, err := s.loadAndPut(ctx, missing)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, loaded...)
	}
	return profiles, nil
}

func (s *cachedProfilesStore) loadAndPut(ctx context.Context, ids []string) ([]models.Profile, error) {
	profiles, err := s.Store.GetProfilesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	s.put(ctx, profiles)
	return profiles, nil
}

func (s *cachedProfilesStore) put(ctx context.Context, profiles []models.Profile) {
	if len(profiles) == 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, p := range profiles {
		data, err := json.Marshal(p)
		if err != nil {
			continue
		}
		pipe.Set(ctx, profileKey(p.ID), data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Debugf("Profile cache set failed: %v", err)
	}
}

func (s *cachedProfilesStore) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.Profile, error) {
	p, err := s.Store.UpdateProfile(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if err := s.client.Del(ctx, profileKey(id)).Err(); err != nil {
		logger.Warnf("Failed to invalidate cached profile %s: %v", id, err)
	}
	return p, nil
}
