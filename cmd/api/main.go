// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/paperkit/internal/auth"
	"github.com/yourusername/paperkit/internal/config"
	"github.com/yourusername/paperkit/internal/dispatch"
	"github.com/yourusername/paperkit/internal/jobs"
	"github.com/yourusername/paperkit/internal/pdf"
	"github.com/yourusername/paperkit/internal/raster"
	"github.com/yourusername/paperkit/internal/storage"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := setupLogger(cfg)
	gin.SetMode(cfg.GinMode)

	// 作業ディレクトリ（前回プロセスの残骸は起動時に削除）
	ttl := time.Duration(max(cfg.JobExpireMinutes, 1)) * time.Minute
	store, err := storage.NewLocal(cfg.WorkDir, ttl, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare work dir")
	}
	defer store.Close()
	if n, err := store.Sweep(time.Now()); err != nil {
		logger.Warn().Err(err).Msg("failed to sweep work dir")
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("stale workspaces removed")
	}

	dispatcherLogger := logger.With().Str("component", "dispatch").Logger()
	dispatcher := dispatch.New(raster.Handlers(), dispatch.Options{
		Family:      raster.Family,
		Concurrency: cfg.RasterWorkers,
		Logger:      &dispatcherLogger,
	})
	defer dispatcher.Close()

	svc := pdf.NewService(cfg,
		pdf.WithDispatcher(dispatcher),
		pdf.WithStorage(store),
		pdf.WithLogger(logger),
	)

	// Redis に接続できない場合は非同期ジョブなしで起動する
	manager, err := setupJobs(cfg, svc, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("job queue disabled; all requests run synchronously")
	} else {
		manager.StartWorkers()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	authManager := auth.NewManager(cfg, logger)
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore(cfg, authManager, logger)))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, cfg, svc, manager, authManager)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Bool("auth", authManager.Enabled()).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown warning")
	}
	if manager != nil {
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("job queue shutdown warning")
		}
	}
	logger.Info().Msg("server exited cleanly")
}

// sessionStore は署名鍵を使ってセッションストアを作成します。
// 鍵が未設定のとき（開発時のみ許される）は起動ごとの乱数鍵を使います。
func sessionStore(cfg *config.Config, m *auth.Manager, logger zerolog.Logger) sessions.Store {
	if cfg.SessionSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logger.Fatal().Err(err).Msg("failed to generate session secret")
		}
		cfg.SessionSecret = string(buf)
	}
	return m.SessionStore()
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-CSRF-Token"}
	// フロントエンドがレスポンスヘッダーを読めるように公開
	c.ExposeHeaders = []string{"X-CSRF-Token", "X-Job-Id", "Content-Disposition"}
	return c
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "paperkit-api",
		"version": "0.2.0",
	})
}

// pdfOperations は POST /api/pdf/{path} に対応する操作です。
var pdfOperations = map[string]pdf.OperationType{
	"merge":         pdf.OperationMerge,
	"extract":       pdf.OperationExtract,
	"split":         pdf.OperationSplit,
	"delete":        pdf.OperationDelete,
	"rotate":        pdf.OperationRotate,
	"crop":          pdf.OperationCrop,
	"reorder":       pdf.OperationReorder,
	"watermark":     pdf.OperationWatermark,
	"header-footer": pdf.OperationHeaderFooter,
	"page-numbers":  pdf.OperationPageNumbers,
	"sign":          pdf.OperationSign,
	"compress":      pdf.OperationCompress,
	"grayscale":     pdf.OperationGrayscale,
	"metadata":      pdf.OperationMetadata,
	"flatten":       pdf.OperationFlatten,
}

var imageOperations = map[string]pdf.OperationType{
	"compress":  pdf.OperationImageCompress,
	"grayscale": pdf.OperationImageGrayscale,
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *pdf.Service, manager *jobs.Manager, authManager *auth.Manager) {
	router.GET("/health", handleHealth)

	opts := pdf.HandlerOptions{
		AsyncThresholdBytes: cfg.AsyncThresholdBytes,
		AsyncThresholdPages: cfg.AsyncThresholdPages,
		MaxFileSize:         cfg.MaxFileSize,
	}
	if manager != nil {
		opts.Scheduler = manager
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.GET("/session", authManager.Session)
			authRoutes.POST("/logout", append(authManager.Guard(), authManager.Logout)...)
		}

		protected := api.Group("", authManager.Guard()...)
		{
			for path, op := range pdfOperations {
				protected.POST("/pdf/"+path, pdf.OperationHandler(svc, op, opts))
			}
			protected.POST("/pdf/inspect", pdf.ReadHandler(svc.Inspect, opts))
			protected.POST("/pdf/metadata/read", pdf.ReadHandler(svc.ReadMetadata, opts))
			for path, op := range imageOperations {
				protected.POST("/image/"+path, pdf.OperationHandler(svc, op, opts))
			}

			protected.GET("/jobs/:id", jobStatusHandler(manager))
			protected.GET("/jobs/:id/download", jobDownloadHandler(svc))
		}
	}
}
