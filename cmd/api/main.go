// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/scene-forge/internal/auth"
	"github.com/yourusername/scene-forge/internal/blob"
	"github.com/yourusername/scene-forge/internal/config"
	"github.com/yourusername/scene-forge/internal/convert"
	"github.com/yourusername/scene-forge/internal/jobs"
	"github.com/yourusername/scene-forge/internal/layers"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Job-Secret", // ジョブ照会用シークレット
	}
	router.Use(cors.New(corsConfig))

	blobs, err := blob.NewStore(blob.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to connect object storage: %v", err)
	}

	service, err := convert.NewService(cfg, blobs, convert.NewCLIToolchain(cfg), log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize conversion service: %v", err)
	}

	var layerStore *layers.Store
	if cfg.DatabaseURL != "" {
		layerStore, err = layers.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect database: %v", err)
		}
	}

	manager, err := setupJobs(cfg, service, blobs, layerStore)
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	defer manager.Close()

	setupRoutes(router, cfg, service, manager, blobs, layerStore)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "scene-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, service *convert.Service, manager *jobs.Manager, blobs *blob.Store, layerStore *layers.Store) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	opts := convert.HandlerOptions{
		Queue:              manager,
		SyncThresholdBytes: cfg.SyncThresholdBytes,
		StagingTTL:         time.Duration(cfg.StagingBlobTTLHours) * time.Hour,
		CurrentUserID:      auth.CurrentUser,
	}
	if layerStore != nil {
		opts.Layers = layerStore
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout", authManager.RequireLogin(), authManager.Logout)
		}

		convertRoutes := api.Group("/convert")
		{
			// ジョブの照会・成果物取得はsecretで認可するため、セッションは不要
			convertRoutes.GET("/jobs/:id", jobStatusHandler(manager))
			convertRoutes.GET("/jobs/:id/download", jobDownloadHandler(manager, blobs))

			// プロジェクトモデル変換はセッション不要（レイヤーを作らない）
			convertRoutes.POST("/project-model",
				limitUpload(cfg.MaxUploadSize),
				convert.ProjectModelHandler(service, opts),
			)

			// 地形・3Dタイルはオーナー付きレイヤーを作るためログイン必須
			layered := convertRoutes.Group("")
			layered.Use(authManager.RequireLogin(), limitUpload(cfg.MaxUploadSize))
			{
				layered.POST("/terrain", convert.TerrainHandler(service, opts))
				layered.POST("/tiles3d", convert.Tiles3DHandler(service, opts))
			}
		}

		if layerStore != nil {
			layersRoutes := api.Group("/layers", authManager.RequireLogin())
			{
				layersRoutes.GET("", listLayersHandler(layerStore))
				layersRoutes.GET("/:id", getLayerHandler(layerStore))
				layersRoutes.DELETE("/:id", deleteLayerHandler(layerStore))
			}
		}
	}
}

// limitUpload はリクエストボディのサイズ上限を適用するミドルウェアです。
func limitUpload(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
