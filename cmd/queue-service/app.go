package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"clustr/captionq/internal/api"
	"clustr/captionq/internal/captioner"
	"clustr/captionq/internal/config"
	"clustr/captionq/internal/dispatch"
	"clustr/captionq/internal/events"
	"clustr/captionq/internal/orchestrator"
	"clustr/captionq/internal/staging"
	"clustr/captionq/internal/store"
	"clustr/captionq/internal/thumbnail"
)

type appState struct {
	cfg    *config.Config
	logger *slog.Logger

	redis    *redis.Client
	redisOpt asynq.RedisClientOpt
	store    store.Store
	images   store.ImageStore
	stager   *staging.Stager
	orch     *orchestrator.Orchestrator
	thumbs   *thumbnail.Cache
	pool     *dispatch.Pool
	asynq    *dispatch.AsynqDispatcher

	closers []func() error
}

func newAppState(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *appState, err error) {
	st := &appState{
		cfg:      cfg,
		logger:   logger,
		redisOpt: asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
	}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	if cfg.TaskStore.Backend == "redis" || cfg.Queue.Backend == "asynq" {
		st.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st.onClose(st.redis.Close)
		if err := st.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	if err := st.openStores(); err != nil {
		return nil, err
	}

	blobs, err := st.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	st.stager = staging.NewStager(blobs, st.images,
		staging.WithMaxBytes(cfg.Storage.MaxUploadBytes),
		staging.WithLogger(logger),
	)

	publisher, err := st.openEvents()
	if err != nil {
		return nil, err
	}

	var dispatcher dispatch.Dispatcher
	switch cfg.Queue.Backend {
	case "asynq":
		st.asynq = dispatch.NewAsynqDispatcher(asynq.NewClient(st.redisOpt), cfg.Queue.Name, cfg.Queue.JobTimeout, logger)
		st.onClose(st.asynq.Close)
		dispatcher = st.asynq
	default:
		st.pool = dispatch.NewPool(cfg.Queue.Concurrency, logger)
		st.onClose(func() error { st.pool.Close(); return nil })
		dispatcher = st.pool
	}

	client := captioner.New(captioner.Config{
		BaseURL:     cfg.Captioner.URL,
		Timeout:     cfg.Captioner.Timeout,
		MaxAttempts: cfg.Captioner.MaxAttempts,
		BaseBackoff: cfg.Captioner.BaseBackoff,
		MaxBackoff:  cfg.Captioner.MaxBackoff,
	}, logger)
	st.orch = orchestrator.New(st.store, st.stager, client, dispatcher,
		orchestrator.WithEvents(publisher),
		orchestrator.WithLogger(logger),
	)

	var policy thumbnail.EvictionPolicy = thumbnail.NoEviction{}
	if cfg.Thumbnail.CacheBytes > 0 {
		policy = thumbnail.NewLRU(cfg.Thumbnail.CacheBytes)
	}
	st.thumbs = thumbnail.New(st.stager,
		thumbnail.WithQuality(cfg.Thumbnail.Quality),
		thumbnail.WithMaxDimension(cfg.Thumbnail.MaxDimension),
		thumbnail.WithEviction(policy),
		thumbnail.WithLogger(logger),
	)
	return st, nil
}

func (st *appState) onClose(fn func() error) {
	st.closers = append(st.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (st *appState) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			st.logger.Warn("close failed", "error", err)
		}
	}
	st.closers = nil
}

// openStores picks the image and task backends. When both name the same
// local backend they share one instance.
func (st *appState) openStores() error {
	cfg := st.cfg
	var (
		images store.ImageStore
		shared store.Store
	)
	switch cfg.ImageStore.Backend {
	case "memory":
		m := store.NewMemory()
		images, shared = m, m
	case "sqlite":
		s, err := store.OpenSQLite(cfg.ImageStore.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.ImageStore.SQLitePath, err)
		}
		st.onClose(s.Close)
		images, shared = s, s
	case "postgres":
		p, err := store.OpenPostgres(cfg.ImageStore.PostgresDSN, cfg.ImageStore.AutoCreate)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		st.onClose(p.Close)
		images = p
	}
	st.images = images

	if cfg.TaskStore.Backend == cfg.ImageStore.Backend && shared != nil {
		st.store = shared
		return nil
	}

	var tasks store.TaskStore
	switch cfg.TaskStore.Backend {
	case "memory":
		tasks = store.NewMemory()
	case "sqlite":
		s, err := store.OpenSQLite(cfg.ImageStore.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.ImageStore.SQLitePath, err)
		}
		st.onClose(s.Close)
		tasks = s
	case "redis":
		tasks = store.NewRedisTasks(st.redis, cfg.TaskStore.TTL)
	}
	st.store = store.Split{ImageStore: images, TaskStore: tasks}
	return nil
}

func (st *appState) openBlobs(ctx context.Context) (staging.BlobStore, error) {
	if st.cfg.Storage.Backend == "minio" {
		m := st.cfg.Storage.Minio
		return staging.NewMinioBlobStore(ctx, staging.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Secure:    m.Secure,
		})
	}
	if err := os.MkdirAll(st.cfg.Storage.MediaRoot, 0o755); err != nil {
		return nil, err
	}
	return staging.NewDiskBlobStore(st.cfg.Storage.MediaRoot)
}

func (st *appState) openEvents() (events.Publisher, error) {
	if st.cfg.Events.Backend != "amqp" {
		return events.Nop{}, nil
	}
	p, err := events.DialAMQP(st.cfg.Events.AMQPURL, st.cfg.Events.Queue)
	if err != nil {
		return nil, err
	}
	st.onClose(p.Close)
	return p, nil
}

func (st *appState) runAPI() {
	var opts []api.Option
	if st.pool != nil {
		opts = append(opts, api.WithHealthInfo(func() any { return st.pool.Stats() }))
	}
	server := api.NewServer(st.orch, st.stager, st.images, st.thumbs, api.Config{
		DefaultThumbSize: st.cfg.Thumbnail.DefaultSize,
	}, st.logger, opts...)

	st.logger.Info("caption api listening",
		"addr", st.cfg.API.Addr,
		"queue_backend", st.cfg.Queue.Backend,
		"image_store", st.cfg.ImageStore.Backend,
		"task_store", st.cfg.TaskStore.Backend,
	)
	if err := http.ListenAndServe(st.cfg.API.Addr, server.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		st.logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func (st *appState) runWorker() {
	srv, mux := st.asynq.NewServer(st.redisOpt, st.cfg.Queue.Concurrency)
	st.logger.Info("caption worker started",
		"queue", st.cfg.Queue.Name,
		"concurrency", st.cfg.Queue.Concurrency,
	)
	if err := srv.Run(mux); err != nil {
		st.logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
