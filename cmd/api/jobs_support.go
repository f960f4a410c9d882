package main

import (
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/mindsy-notes/internal/auth"
	"github.com/yourusername/mindsy-notes/internal/config"
	"github.com/yourusername/mindsy-notes/internal/gotenberg"
	"github.com/yourusername/mindsy-notes/internal/jobs"
	"github.com/yourusername/mindsy-notes/internal/logger"
	"github.com/yourusername/mindsy-notes/internal/notes"
	"github.com/yourusername/mindsy-notes/internal/openai"
	"github.com/yourusername/mindsy-notes/internal/store"
	"github.com/yourusername/mindsy-notes/internal/usage"
)

// app はリクエスト処理に必要なサービス一式です。
type app struct {
	store   *store.Client
	service *notes.Service
	gate    *usage.Gate
	manager *jobs.Manager
	auth    *auth.Manager
	log     *logger.Logger
}

func setupApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	st, err := store.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.StorageBucket)
	if err != nil {
		return nil, err
	}

	ai, err := openai.NewClient(openai.Config{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.OpenAIBaseURL,
		Model:             cfg.OpenAIModel,
		WhisperModel:      cfg.OpenAIWhisperModel,
		MaxTokens:         cfg.OpenAIMaxTokens,
		TranscribeTimeout: cfg.TranscribeTimeout,
		CompletionTimeout: cfg.CompletionTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	converter, err := gotenberg.NewClient(cfg.GotenbergURL, cfg.RenderTimeout, log)
	if err != nil {
		return nil, err
	}

	service, err := notes.NewService(st, ai, converter, log)
	if err != nil {
		return nil, err
	}

	gate := usage.NewGate(st, st, log)

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)
	ttlMinutes := cfg.JobCacheMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	cache := jobs.NewRecordCache(redisClient, time.Duration(ttlMinutes)*time.Minute)

	manager, err := jobs.NewManager(cfg, st, service, gate, cache, log)
	if err != nil {
		return nil, err
	}

	return &app{
		store:   st,
		service: service,
		gate:    gate,
		manager: manager,
		auth:    auth.NewManager(cfg, st),
		log:     log,
	}, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, a *app) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.POST("/logout",
				a.auth.RequireLogin(),
				a.auth.VerifyCSRF(),
				a.auth.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(a.auth.RequireLogin(), a.auth.VerifyCSRF())
		{
			protected.POST("/notes/jobs", notes.SubmitHandler(a.store, notes.SubmitOptions{
				Gate:           a.gate,
				Scheduler:      a.manager,
				MaxAudioSizeMB: cfg.MaxAudioSizeMB,
				MaxPdfSizeMB:   cfg.MaxPdfSizeMB,
			}, a.log))
			protected.GET("/notes/jobs/:id", notes.StatusHandler(a.manager))
			protected.GET("/notes/jobs/:id/download", notes.DownloadHandler(a.store, a.log))
			protected.GET("/usage", notes.UsageHandler(a.gate))
		}
	}
}
