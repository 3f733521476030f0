// Package main は変換ワーカーのエントリーポイントです。キューからジョブを
// 取り出してパイプラインを実行します。APIサーバーとは独立にスケールします。
package main

import (
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/scene-forge/internal/blob"
	"github.com/yourusername/scene-forge/internal/config"
	"github.com/yourusername/scene-forge/internal/convert"
	"github.com/yourusername/scene-forge/internal/jobs"
	"github.com/yourusername/scene-forge/internal/layers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		log.Fatalf("Failed to parse redis url: %v", err)
	}
	store := jobs.NewStore(redis.NewClient(opt),
		time.Duration(cfg.JobCompletedTTLMin)*time.Minute,
		time.Duration(cfg.JobFailedTTLMin)*time.Minute,
	)

	var layerSync jobs.LayerSync
	if cfg.DatabaseURL != "" {
		layerStore, err := layers.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect database: %v", err)
		}
		layerSync = layerStore
	}

	manager, err := jobs.NewManager(cfg, service, store, blobs, layerSync, log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	defer manager.Close()

	queues := cfg.WorkerQueues
	if len(queues) == 0 {
		queues = jobs.AllQueues()
	}
	log.Printf("Starting worker (queues: %v, concurrency: %d)", queues, cfg.WorkerConcurrency)
	if err := manager.RunWorker(queues, cfg.WorkerConcurrency); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}
