package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/calllog"
	"crm-voice/internal/config"
	"crm-voice/internal/credentials"
	"crm-voice/internal/feed"
	"crm-voice/internal/invites"
	"crm-voice/internal/pushcreds"
	"crm-voice/internal/pushqueue"
	"crm-voice/internal/registry"
	"crm-voice/internal/signaling"
	"crm-voice/internal/telephony"
	"crm-voice/internal/voiceapi"
	"crm-voice/pkg/logger"
	"crm-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env).With("device_id", cfg.Device.ID)
	slog.SetDefault(log)
	rootCtx = logger.With(rootCtx, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	st, err := openStorage(rootCtx, cfg)
	if err != nil {
		log.Error("storage init failed", "err", err, "store", string(cfg.Store.Credentials))
		os.Exit(1)
	}
	defer st.Close()

	api, err := voiceapi.NewClient(cfg.Voice.APIURL, st.creds)
	if err != nil {
		log.Error("voice api init failed", "err", err)
		os.Exit(1)
	}

	reg := registry.New()
	hub := feed.NewHub(log.With("component", "feed"), cfg.Device.Region)
	unsubscribe := reg.OnChange(hub.Publish)
	defer unsubscribe()

	engine, err := signaling.NewRemoteEngine(cfg.Voice.APIURL, cfg.Device.ID, api)
	if err != nil {
		log.Error("signaling init failed", "err", err)
		os.Exit(1)
	}

	history := calllog.NewService(st.history)
	adapter, err := telephony.NewAdapter(reg, hub, engine, telephony.Options{
		DeviceID:   cfg.Device.ID,
		CallerID:   cfg.Device.CallerID,
		Region:     cfg.Device.Region,
		InviteTTL:  cfg.Voice.InviteTTL,
		Tokens:     api,
		Leads:      api,
		Conference: api,
		Ringback:   hub,
		Recorder:   history,
	})
	if err != nil {
		log.Error("telephony init failed", "err", err)
		os.Exit(1)
	}

	stream, err := signaling.NewStream(cfg.Voice.EventsURL, cfg.Device.ID, api, adapter.HandleSignalingEvent)
	if err != nil {
		log.Error("signaling stream init failed", "err", err)
		os.Exit(1)
	}

	push, err := pushcreds.NewManager(st.creds, api, api, pushcreds.Options{
		TTL:         cfg.Voice.RegistrationTTL,
		MaxAttempts: cfg.Voice.RegisterMaxAttempts,
		Backoff:     cfg.Voice.RegisterBackoff,
	})
	if err != nil {
		log.Error("push credentials init failed", "err", err)
		os.Exit(1)
	}

	watcher := invites.NewWatcher(adapter)

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(logger.With(rootCtx, log.With("component", name)))
		}()
	}
	background("signaling", stream.Run)
	background("invite-expiry", adapter.RunInviteExpiry)
	background("push-renewal", func(ctx context.Context) {
		if _, err := push.Renew(ctx, cfg.Device.ID); err != nil {
			logger.From(ctx).Warn("startup renewal failed", "err", err)
		}
	})
	if cfg.Push.AMQPURL != "" {
		consumer, err := pushqueue.NewConsumer(cfg.Push.AMQPURL, cfg.Push.Queue, func(ctx context.Context, body []byte) error {
			_, err := watcher.HandlePush(ctx, body)
			return err
		})
		if err != nil {
			log.Error("push queue init failed", "err", err)
			os.Exit(1)
		}
		background("pushqueue", consumer.Run)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:     cfg,
		auth:    authManager,
		health:  st.health,
		creds:   st.creds,
		tokens:  api,
		adapter: adapter,
		push:    push,
		watcher: watcher,
		state:   reg,
		history: history,
		feed:    hub,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("voiced listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	hub.Close()
	wg.Wait()
	log.Info("shutdown complete")
}

// storage bundles the selected credential store with the call history repository.
type storage struct {
	creds   credentials.Store
	history calllog.Repository
	health  func(ctx context.Context) error
	closers []func() error
}

func (s storage) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

func openStorage(ctx context.Context, cfg config.Config) (storage, error) {
	switch cfg.Store.Credentials {
	case config.StorePostgres:
		db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresOptions{})
		if err != nil {
			return storage{}, err
		}
		creds, err := credentials.NewPostgresStore(db, cfg.Device.ID)
		if err != nil {
			_ = db.Close()
			return storage{}, err
		}
		history, err := calllog.NewPostgresRepo(db)
		if err != nil {
			_ = db.Close()
			return storage{}, err
		}
		return storage{
			creds:   creds,
			history: history,
			health:  func(ctx context.Context) error { return utils.PingPostgres(ctx, db, 2*time.Second) },
			closers: []func() error{db.Close},
		}, nil

	case config.StoreRedis:
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return storage{}, err
		}
		creds, err := credentials.NewRedisStore(rdb, cfg.Device.ID)
		if err != nil {
			_ = rdb.Close()
			return storage{}, err
		}
		return storage{
			creds:   creds,
			history: calllog.NewMemoryRepo(),
			health:  redisHealth(rdb),
			closers: []func() error{rdb.Close},
		}, nil

	default:
		return storage{
			creds:   credentials.NewMemoryStore(),
			history: calllog.NewMemoryRepo(),
			health:  func(context.Context) error { return nil },
		}, nil
	}
}

func redisHealth(rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}
}
