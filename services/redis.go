package services

import (
	"context"
	"fmt"
	"time"

	"feedsync/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient подключается к Redis из конфига. Выключенный Redis - это nil без ошибки
func NewRedisClient(ctx context.Context, redisConfig config.RedisConfig) (*redis.Client, error) {
	if !redisConfig.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})

	// Тест соединения
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
