// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxUploadSize      int64 // 単一アップロードの最大サイズ（バイト）
	SyncThresholdBytes int64 // この閾値以下のモデルは同期変換する

	// ジョブ/キュー設定
	QueueRedisURL       string   // Asynq用Redis接続URL
	WorkerQueues        []string // ワーカーが購読するキュー名（空なら全キュー）
	WorkerConcurrency   int      // ワーカーの同時実行数
	JobCompletedTTLMin  int      // 完了ジョブレコードの保持時間（分）
	JobFailedTTLMin     int      // 失敗ジョブレコードの保持時間（分）
	ProgressThrottleMS  int      // 進捗報告の最小間隔（ミリ秒）
	StagingBlobTTLHours int      // ステージングBlobの遅延削除までの時間

	// オブジェクトストレージ設定
	MinioEndpoint  string // MinIO/S3互換エンドポイント
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool

	// 変換処理設定
	SceneProcessorFolder string // ワーカーのスクラッチ領域のルートパス
	IfcConvertPath       string // IfcConvert実行ファイルのパス
	AssimpPath           string // assimp実行ファイルのパス
	SceneOptimizerPath   string // シーン最適化ツールのパス
	TerrainTilerPath     string // 地形タイル生成ツールのパス
	Tiles3DTilerPath     string // 3Dタイル生成ツールのパス

	// 永続化設定
	DatabaseURL string // BaseLayer同期用PostgreSQL DSN（空ならレイヤー同期を無効化）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxUploadSize:      getEnvAsInt64("MAX_UPLOAD_SIZE", 8*1024*1024*1024), // 8GB
		SyncThresholdBytes: getEnvAsInt64("SYNC_THRESHOLD_BYTES", 16*1024*1024),

		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerQueues:        splitList(getEnv("WORKER_QUEUES", "")),
		WorkerConcurrency:   getEnvAsInt("WORKER_CONCURRENCY", 2),
		JobCompletedTTLMin:  getEnvAsInt("JOB_COMPLETED_TTL_MIN", 10),
		JobFailedTTLMin:     getEnvAsInt("JOB_FAILED_TTL_MIN", 1440),
		ProgressThrottleMS:  getEnvAsInt("PROGRESS_THROTTLE_MS", 2000),
		StagingBlobTTLHours: getEnvAsInt("STAGING_BLOB_TTL_HOURS", 24),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",

		SceneProcessorFolder: getEnv("SCENE_PROCESSOR_FOLDER", filepath.Join(os.TempDir(), "scene-forge")),
		IfcConvertPath:       getEnv("IFC_CONVERT_PATH", "IfcConvert"),
		AssimpPath:           getEnv("ASSIMP_PATH", "assimp"),
		SceneOptimizerPath:   getEnv("SCENE_OPTIMIZER_PATH", "gltfpack"),
		TerrainTilerPath:     getEnv("TERRAIN_TILER_PATH", "mesh-dem-to-terrain"),
		Tiles3DTilerPath:     getEnv("TILES3D_TILER_PATH", "mesh-to-3dtiles"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.MinioEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required in release mode")
		}
	}
	if c.SceneProcessorFolder == "" {
		return fmt.Errorf("SCENE_PROCESSOR_FOLDER must not be empty")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
