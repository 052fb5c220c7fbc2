// Package app собирает процесс: хранилище по data_source, realtime-транспорт,
// сессии, синхронизаторы и HTTP-роутер.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"feedsync/api/handlers"
	"feedsync/api/middleware"
	"feedsync/api/routes"
	"feedsync/auth"
	"feedsync/config"
	"feedsync/db"
	"feedsync/logger"
	"feedsync/realtime"
	"feedsync/repository"
	"feedsync/seed"
	"feedsync/services"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName       = "feedsync"
	profileCacheTTL   = 10 * time.Minute
	shutdownTimeout   = 10 * time.Second
	feedRebuildPeriod = time.Hour
)

type App struct {
	Config   *config.ConfigSchema
	Hub      *realtime.Hub
	Store    repository.Store
	Auth     *auth.Service
	Posts    *services.PostService
	Activity *services.ActivityNotifier
	Router   *gin.Engine

	redis   *redis.Client
	cancel  context.CancelFunc
	closers []func() error
}

// openStore выбирает реализацию хранилища один раз при старте
func openStore(ctx context.Context, conf *config.ConfigSchema) (repository.Store, error) {
	if conf.Sync.DataSource == config.DataSourceSeed {
		store := repository.NewMemoryStore()
		if _, err := seed.Run(ctx, store, seed.Options{}); err != nil {
			return nil, err
		}
		return store, nil
	}

	if err := db.ConnectDB(); err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return repository.NewGormStore(db.ORM), nil
}

// publisher - куда хранилище отдает изменения: RabbitMQ, Redis или сразу в хаб
func (a *App) publisher(ctx context.Context) realtime.Publisher {
	conf := a.Config
	if conf.RabbitMQ.Enabled {
		feed := services.NewChangeFeed(conf.RabbitMQ.URL, conf.RabbitMQ.Exchange,
			services.NodeQueueName(conf.RabbitMQ.Queue, conf.Sync.NodeID), a.Hub)
		if err := feed.Connect(); err != nil {
			logger.Warnf("RabbitMQ is not available, changes stay on this node: %v", err)
		} else if err := feed.StartConsumer(ctx); err != nil {
			logger.Warnf("RabbitMQ consumer failed to start: %v", err)
		}
		a.closers = append(a.closers, feed.Close)
		return feed
	}

	if a.redis != nil {
		relay := realtime.NewRedisRelay(a.redis, a.Hub, conf.Sync.NodeID)
		if err := relay.Start(ctx); err != nil {
			logger.Warnf("Redis relay failed to start, changes stay on this node: %v", err)
			return a.Hub
		}
		return relay
	}
	return a.Hub
}

// New поднимает зависимости по конфигурации. Close освобождает их
func New(ctx context.Context, conf *config.ConfigSchema) (*App, error) {
	config.AppConfig = conf
	ctx, cancel := context.WithCancel(ctx)
	a := &App{Config: conf, Hub: realtime.NewHub(), cancel: cancel}

	base, err := openStore(ctx, conf)
	if err != nil {
		cancel()
		return nil, err
	}
	if conf.Sync.DataSource != config.DataSourceSeed {
		a.closers = append(a.closers, db.Close)
	}

	a.redis, err = services.NewRedisClient(ctx, conf.Redis)
	if err != nil {
		logger.Warnf("Redis is not available, running without cache: %v", err)
		a.redis = nil
	}
	if a.redis != nil {
		a.closers = append(a.closers, a.redis.Close)
		base = repository.WithProfileCache(base, a.redis, profileCacheTTL)
	}
	a.Store = repository.WithChangeFeed(base, a.publisher(ctx))
	if a.redis != nil {
		presence := realtime.NewRedisPresence(a.redis, a.Hub, conf.Sync.NodeID, conf.Sync.PresenceTTL)
		if err := presence.Start(ctx); err != nil {
			logger.Warnf("Redis presence failed to start, presence stays on this node: %v", err)
		}
	}

	a.Auth = auth.NewService(auth.NewStoreProvider(a.Store), conf.Auth.JWTSecret, conf.Auth.TokenTTL)
	a.Auth.Start(ctx)
	a.Auth.OnSessionChange(forwardSessionEvent)

	uploader, err := services.NewLocalUploader(conf.Uploads.Dir, conf.Uploads.PublicBaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Posts = services.NewPostService(a.Store, uploader, a.redis, a.Auth)
	if a.redis != nil {
		if err := a.Posts.RebuildFeedCache(ctx); err != nil {
			logger.Warnf("Failed to build feed index: %v", err)
		}
	}

	a.Activity = services.NewActivityNotifier(a.Store, services.GlobalWSConnManager, services.DefaultActivityLimit)
	if err := a.Activity.Start(a.Hub); err != nil {
		a.Close()
		return nil, err
	}

	handlers.Init(&handlers.Deps{
		Store:  a.Store,
		Broker: a.Hub,
		Auth:   a.Auth,
		Posts:  a.Posts,
		Saved:  services.NewSavedPostsService(a.Store),
		Conversations: services.NewConversationService(a.Store, services.ConversationOptions{
			PreviewLimit:       conf.Sync.ConversationPreviewLimit,
			PreviewConcurrency: conf.Sync.PreviewConcurrency,
		}),
		Activity:          a.Activity,
		WS:                services.GlobalWSConnManager,
		Presence:          services.PresenceOptions{TypingIdleTimeout: conf.Sync.TypingIdleTimeout},
		ReconcileInterval: conf.Sync.ReconcileInterval,
	})
	a.Router = NewRouter(a.Auth, conf.Uploads.Dir, conf.Uploads.PublicBaseURL)
	return a, nil
}

// NewRouter - gin с middleware, API, метриками и раздачей загруженных картинок.
// handlers.Init должен быть вызван до обработки запросов
func NewRouter(authService *auth.Service, uploadsDir, publicBaseURL string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.PrometheusMiddleware(serviceName))

	routes.PublicApi(router, authService)
	routes.PrivateApi(router, authService)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if uploadsDir != "" {
		router.Static(publicBaseURL, uploadsDir)
	}
	return router
}

// forwardSessionEvent сообщает открытым сокетам пользователя о смене сессии
func forwardSessionEvent(ev auth.SessionEvent) {
	if ev.Session == nil || ev.Session.User.ID == "" {
		return
	}
	userID := ev.Session.User.ID
	switch ev.Type {
	case auth.EventSignedOut:
		_ = services.SendWsNotify(userID, "session", "signed out")
	case auth.EventUserUpdated:
		_ = services.SendWsNotify(userID, "profile", "profile updated")
	}
}

// Run обслуживает HTTP до отмены ctx, индекс ленты перестраивается раз в час
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.Config.Backend.Host, a.Config.Backend.Port)
	server := &http.Server{Addr: addr, Handler: a.Router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if a.redis != nil {
		g.Go(func() error {
			ticker := time.NewTicker(feedRebuildPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := a.Posts.RebuildFeedCache(ctx); err != nil {
						logger.Warnf("Failed to rebuild feed index: %v", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (a *App) Close() {
	if a.Activity != nil {
		a.Activity.Stop()
	}
	a.cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warnf("Failed to close resource: %v", err)
		}
	}
	a.closers = nil
}
