package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/scene-forge/internal/blob"
	"github.com/yourusername/scene-forge/internal/config"
	"github.com/yourusername/scene-forge/internal/convert"
	"github.com/yourusername/scene-forge/internal/jobs"
	"github.com/yourusername/scene-forge/internal/layers"
)

// jobRecords はsecret照合付きでジョブレコードを引くための面です。
// 実装は jobs.Manager です。
type jobRecords interface {
	GetAuthorized(ctx context.Context, jobID, secret string) (*jobs.Record, error)
}

func setupJobs(cfg *config.Config, service *convert.Service, blobs *blob.Store, layerStore *layers.Store) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	store := jobs.NewStore(redisClient,
		time.Duration(cfg.JobCompletedTTLMin)*time.Minute,
		time.Duration(cfg.JobFailedTTLMin)*time.Minute,
	)

	var layerSync jobs.LayerSync
	if layerStore != nil {
		layerSync = layerStore
	}
	return jobs.NewManager(cfg, service, store, blobs, layerSync, log.Default())
}

// jobSecret はリクエストから照会用シークレットを取り出します。
// クエリとヘッダーのどちらでも受け付けます。
func jobSecret(c *gin.Context) string {
	if secret := strings.TrimSpace(c.Query("secret")); secret != "" {
		return secret
	}
	return strings.TrimSpace(c.GetHeader("X-Job-Secret"))
}

func jobStatusHandler(records jobRecords) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := records.GetAuthorized(c.Request.Context(), jobID, jobSecret(c))
		if err != nil {
			respondJobLookupError(c, err)
			return
		}

		// 失敗したジョブの照会はエラーとして返す。記録されたエラー情報を
		// そのまま呼び出し元へ伝える。
		if record.Status == jobs.StatusFailed {
			info := record.Error
			if info == nil {
				info = &jobs.ErrorInfo{Code: "CONVERSION_FAILED", Message: "変換ジョブは失敗しました。"}
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"jobId":   record.JobID,
				"status":  record.Status,
				"code":    info.Code,
				"message": info.Message,
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"type":      record.Type,
			"status":    record.Status,
			"progress":  record.Progress,
			"updatedAt": record.UpdatedAt,
		}
		if record.Status == jobs.StatusCompleted && len(record.Result) > 0 {
			payload["result"] = json.RawMessage(record.Result)
		}

		c.JSON(http.StatusOK, payload)
	}
}

func jobDownloadHandler(records jobRecords, blobs *blob.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := records.GetAuthorized(c.Request.Context(), jobID, jobSecret(c))
		if err != nil {
			respondJobLookupError(c, err)
			return
		}
		if record.Status != jobs.StatusCompleted {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_READY",
				"message": "ジョブはまだ完了していません。",
			})
			return
		}

		containerName, blobName, contentType, fileName, err := resultLocation(record)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ結果の解釈に失敗しました。",
			})
			return
		}

		stream, size, err := blobs.OpenStream(c.Request.Context(), containerName, blobName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_RESULT_NOT_FOUND",
				"message": "ジョブの成果物が見つかりませんでした。",
			})
			return
		}
		defer stream.Close()

		encodedName := url.PathEscape(fileName)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", fileName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", record.JobID)
		c.DataFromReader(http.StatusOK, size, contentType, stream, nil)
	}
}

// resultLocation は型付きジョブ結果からダウンロード対象のBlobを特定します。
// project-modelは変換済みGLB、タイルセットはマニフェストを返します。
func resultLocation(record *jobs.Record) (containerName, blobName, contentType, fileName string, err error) {
	switch convert.OperationType(record.Type) {
	case convert.OperationProjectModel:
		var result convert.ProjectModelResult
		if err = json.Unmarshal(record.Result, &result); err != nil {
			return
		}
		return result.ContainerName, result.BlobName, "model/gltf-binary", record.JobID + ".glb", nil
	case convert.OperationTerrain, convert.OperationTiles3D:
		var result convert.TilesetResult
		if err = json.Unmarshal(record.Result, &result); err != nil {
			return
		}
		return result.ContainerName, result.ManifestName, "application/json", result.ManifestName, nil
	}
	err = fmt.Errorf("unknown job type: %s", record.Type)
	return
}

func respondJobLookupError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "ジョブ情報の取得に失敗しました。",
	})
}
