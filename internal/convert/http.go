package convert

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ConversionService は変換ジョブの準備と同期変換を提供します。
// 実装は Service です。
type ConversionService interface {
	PrepareProjectModelJob(ctx context.Context, r io.Reader, fileName, epsgCode string) (*JobPayload, error)
	ConvertProjectModel(ctx context.Context, r io.Reader, fileName string) (*ModelConversion, error)
	PrepareTerrainJob(ctx context.Context, r io.Reader, epsgCode, layerID string) (*JobPayload, error)
	PrepareTiles3DJob(ctx context.Context, r io.Reader, epsgCode, layerID string) (*JobPayload, error)
	DiscardStagedInput(ctx context.Context, payload *JobPayload)
}

// Queue は準備済みジョブを非同期キューへ投入するためのインターフェースです。
type Queue interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	ScheduleBlobDelete(ctx context.Context, containerName, blobName string, delay time.Duration) error
}

// HandlerOptions はハンドラー群の共有設定です。
type HandlerOptions struct {
	Queue Queue
	// SyncThresholdBytes 以下のプロジェクトモデルは同期変換します。
	SyncThresholdBytes int64
	// StagingTTL はステージングBlobの遅延削除までの猶予です。
	// 正常系ではワーカーが即時削除するため、これはクラッシュ時の安全網です。
	StagingTTL time.Duration
	// Layers が設定されていると、terrain/tiles3dリクエストでBaseLayer
	// レコードを作成します。
	Layers LayerCreator
	// CurrentUserID はセッションからリクエスト主体のIDを取り出します。
	CurrentUserID func(c *gin.Context) string
}

// LayerCreator はオーナー向けBaseLayerレコードを作成するコラボレーターです。
type LayerCreator interface {
	CreateLayer(ctx context.Context, name, layerType, ownerID string, sizeGB float64) (string, error)
}

// ProjectModelHandler は POST /api/convert/project-model のハンドラーを返します。
// 閾値以下の入力は同期変換して結果を直接返し、それ以外はジョブとして
// 受け付けて参照（jobIdとsecret）を返します。
func ProjectModelHandler(svc ConversionService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でモデルファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		header, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		// epsgCodeは任意だが、指定された場合は既知のコードであること
		epsgCode := strings.TrimSpace(c.PostForm("epsgCode"))
		if epsgCode != "" {
			if _, err := ResolveSRS(epsgCode); err != nil {
				respondWithError(c, err)
				return
			}
		}

		if opts.SyncThresholdBytes > 0 && header.Size <= opts.SyncThresholdBytes {
			file, err := header.Open()
			if err != nil {
				respondWithError(c, err)
				return
			}
			defer file.Close()

			conversion, err := svc.ConvertProjectModel(c.Request.Context(), file, header.Filename)
			if err != nil {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, conversion)
			return
		}

		file, err := header.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		payload, err := svc.PrepareProjectModelJob(c.Request.Context(), file, header.Filename, epsgCode)
		if err != nil {
			respondWithError(c, err)
			return
		}
		enqueuePrepared(c, svc, opts, payload)
	}
}

// TerrainHandler は POST /api/convert/terrain のハンドラーを返します。
func TerrainHandler(svc ConversionService, opts HandlerOptions) gin.HandlerFunc {
	return tilesetHandler(svc, opts, OperationTerrain)
}

// Tiles3DHandler は POST /api/convert/tiles3d のハンドラーを返します。
func Tiles3DHandler(svc ConversionService, opts HandlerOptions) gin.HandlerFunc {
	return tilesetHandler(svc, opts, OperationTiles3D)
}

func tilesetHandler(svc ConversionService, opts HandlerOptions, op OperationType) gin.HandlerFunc {
	layerType := "TERRAIN"
	if op == OperationTiles3D {
		layerType = "3D-TILES"
	}
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でソースアーカイブを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		header, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		epsgCode := strings.TrimSpace(c.PostForm("epsgCode"))

		layerID := ""
		if layerName := strings.TrimSpace(c.PostForm("layerName")); layerName != "" && opts.Layers != nil {
			ownerID := ""
			if opts.CurrentUserID != nil {
				ownerID = opts.CurrentUserID(c)
			}
			sizeGB := float64(header.Size) / (1 << 30)
			layerID, err = opts.Layers.CreateLayer(c.Request.Context(), layerName, layerType, ownerID, sizeGB)
			if err != nil {
				respondWithError(c, err)
				return
			}
		}

		file, err := header.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		var payload *JobPayload
		if op == OperationTerrain {
			payload, err = svc.PrepareTerrainJob(c.Request.Context(), file, epsgCode, layerID)
		} else {
			payload, err = svc.PrepareTiles3DJob(c.Request.Context(), file, epsgCode, layerID)
		}
		if err != nil {
			respondWithError(c, err)
			return
		}
		enqueuePrepared(c, svc, opts, payload)
	}
}

// enqueuePrepared はステージング済みペイロードをキューへ投入し、呼び出し元へ
// ジョブ参照を返します。投入に失敗した場合はステージングBlobを破棄します。
func enqueuePrepared(c *gin.Context, svc ConversionService, opts HandlerOptions, payload *JobPayload) {
	if opts.Queue == nil {
		svc.DiscardStagedInput(c.Request.Context(), payload)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "非同期変換は現在利用できません。",
		})
		return
	}

	jobID, err := opts.Queue.Enqueue(c.Request.Context(), payload)
	if err != nil {
		svc.DiscardStagedInput(c.Request.Context(), payload)
		respondWithError(c, err)
		return
	}

	// クラッシュ時の安全網。予約に失敗してもジョブの受付は妨げない
	// （正常系ではワーカーの後始末がステージングBlobを削除する）。
	if opts.StagingTTL > 0 {
		_ = opts.Queue.ScheduleBlobDelete(c.Request.Context(), payload.ContainerName, payload.BlobName, opts.StagingTTL)
	}

	c.JSON(http.StatusAccepted, EnqueuedJob{JobID: jobID, Secret: payload.Secret})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case CodeInvalidInput, CodeUnsupportedFiletype, CodeEPSGNotFound:
			status = http.StatusBadRequest
		case CodeStorageError:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("ファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	if files := form.File["files"]; len(files) > 0 {
		return files[0], nil
	}
	if alt := form.File["files[]"]; len(alt) > 0 {
		return alt[0], nil
	}
	return nil, errors.New("ファイルを選択してください。")
}
