package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/scene-forge/internal/blob"
	"github.com/yourusername/scene-forge/internal/config"
	"github.com/yourusername/scene-forge/internal/convert"
)

const (
	// 遅延Blob削除タスク。ステージングBlobの生存期間を抑えるための
	// 安全網で、ワーカーがクラッシュしてもストレージをリークさせません。
	taskTypeBlobDelete = "blob:delete"

	maintenanceQueue = "maintenance"
)

// queueFor は操作種別に対応するキュー名を返します。ワーカーはキュー単位で
// 購読するため、パイプライン種別ごとに独立してスケールできます。
func queueFor(op convert.OperationType) string {
	return "convert:" + string(op)
}

// AllQueues は既知の全キュー名を返します。
func AllQueues() []string {
	return []string{
		queueFor(convert.OperationProjectModel),
		queueFor(convert.OperationTerrain),
		queueFor(convert.OperationTiles3D),
		maintenanceQueue,
	}
}

// LayerSync はジョブ完了/失敗時にオーナー向けレコードへ状態を反映する
// コラボレーターです。同期の失敗はログに残すだけで、ジョブの結果には
// 影響しません。
type LayerSync interface {
	SyncStatus(ctx context.Context, layerID string, progress int, status string) error
}

// Manager はジョブの投入・状態管理・ワーカー実行を担います。
type Manager struct {
	cfg     *config.Config
	client  *asynq.Client
	connOpt asynq.RedisConnOpt
	store   *Store
	blobs   *blob.Store
	service *convert.Service
	layers  LayerSync
	logger  *log.Logger
}

type blobDeletePayload struct {
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
}

// NewManager は Manager を初期化します。layerSyncはnil可（レイヤー同期無効）。
func NewManager(cfg *config.Config, service *convert.Service, store *Store, blobs *blob.Store, layers LayerSync, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if service == nil {
		return nil, errors.New("service is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	connOpt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		client:  asynq.NewClient(connOpt),
		connOpt: connOpt,
		store:   store,
		blobs:   blobs,
		service: service,
		layers:  layers,
		logger:  logger,
	}, nil
}

// Enqueue はジョブレコードを作成し、対応するキューへタスクを投入します。
// ジョブIDを返します。ハーネスは自動リトライしないため MaxRetry は 0 です
// （クラッシュ時の再配送はAsynqのリース失効に委ねます）。
func (m *Manager) Enqueue(ctx context.Context, payload *convert.JobPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if !payload.Operation.Valid() {
		return "", fmt.Errorf("unknown operation: %s", payload.Operation)
	}
	if payload.Secret == "" {
		return "", fmt.Errorf("payload.Secret is required")
	}

	jobID := uuid.NewString()
	payload.JobID = jobID

	if err := m.store.Create(ctx, &Record{
		JobID:  jobID,
		Type:   string(payload.Operation),
		Secret: payload.Secret,
	}); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(queueFor(payload.Operation), body)
	if _, err := m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueFor(payload.Operation)),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
	); err != nil {
		return "", err
	}
	return jobID, nil
}

// ScheduleBlobDelete は遅延Blob削除を予約します。ベストエフォートで、
// 削除対象が既に消えていても失敗にはなりません。
func (m *Manager) ScheduleBlobDelete(ctx context.Context, containerName, blobName string, delay time.Duration) error {
	body, err := json.Marshal(&blobDeletePayload{
		ContainerName: containerName,
		BlobName:      blobName,
	})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeBlobDelete, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(maintenanceQueue),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)
	return err
}

// GetAuthorized はsecret照合付きでジョブレコードを取得します。
func (m *Manager) GetAuthorized(ctx context.Context, jobID, secret string) (*Record, error) {
	return m.store.GetAuthorized(ctx, jobID, secret)
}

// Close はキュークライアントを閉じます。
func (m *Manager) Close() error {
	return m.client.Close()
}

// RunWorker はAsynqサーバーを起動し、指定キューのジョブを処理します。
// queuesが空の場合は全キューを購読します。シグナル受信までブロックします。
func (m *Manager) RunWorker(queues []string, concurrency int) error {
	if len(queues) == 0 {
		queues = AllQueues()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	queueMap := make(map[string]int, len(queues))
	for _, q := range queues {
		queueMap[q] = 1
	}

	server := asynq.NewServer(m.connOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queueMap,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queueFor(convert.OperationProjectModel), m.handleConvertTask)
	mux.HandleFunc(queueFor(convert.OperationTerrain), m.handleConvertTask)
	mux.HandleFunc(queueFor(convert.OperationTiles3D), m.handleConvertTask)
	mux.HandleFunc(taskTypeBlobDelete, m.handleBlobDelete)

	return server.Run(mux)
}

// handleConvertTask はワーカー側のジョブ実行プロトコルです:
// 占有(active) → パイプライン実行（間引き済み進捗付き） → 終端状態の記録。
// パイプラインの失敗はジョブの失敗であってワーカーの失敗ではないため、
// Asynqへはエラーを返しません。
func (m *Manager) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload convert.JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	if err := m.store.MarkActive(ctx, payload.JobID); err != nil {
		if errors.Is(err, ErrTerminalConflict) {
			// 再配送されたが既に決着済みのジョブ。何もしない。
			m.logf("job %s re-delivered after completion, skipping", payload.JobID)
			return nil
		}
		return err
	}

	interval := time.Duration(m.cfg.ProgressThrottleMS) * time.Millisecond
	reporter := convert.NewThrottledReporter(interval, func(percent int) {
		if err := m.store.UpdateProgress(ctx, payload.JobID, percent); err != nil {
			m.logf("failed to update progress job=%s: %v", payload.JobID, err)
		}
	})

	result, runErr := m.service.Run(ctx, &payload, reporter)
	if runErr != nil {
		m.logf("job %s failed: %v", payload.JobID, runErr)
		if err := m.store.MarkFailed(ctx, payload.JobID, errorInfoFrom(runErr)); err != nil {
			m.logf("failed to record failure job=%s: %v", payload.JobID, err)
		}
		m.syncLayer(ctx, &payload, 0, "FAILED")
		return nil
	}

	if err := m.store.MarkCompleted(ctx, payload.JobID, result); err != nil {
		m.logf("failed to record result job=%s: %v", payload.JobID, err)
		return err
	}
	m.syncLayer(ctx, &payload, 100, "COMPLETED")
	return nil
}

func (m *Manager) handleBlobDelete(ctx context.Context, task *asynq.Task) error {
	var payload blobDeletePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if err := m.blobs.Delete(ctx, payload.ContainerName, payload.BlobName); err != nil {
		if blob.IsRetryable(err) {
			return err
		}
		m.logf("deferred blob delete gave up %s/%s: %v", payload.ContainerName, payload.BlobName, err)
	}
	return nil
}

// syncLayer はオーナー向けBaseLayerレコードへ状態を反映します。
// fire-and-forget: 失敗してもジョブの結果には影響しません。
func (m *Manager) syncLayer(ctx context.Context, payload *convert.JobPayload, progress int, status string) {
	if m.layers == nil || payload.LayerID == "" {
		return
	}
	if err := m.layers.SyncStatus(ctx, payload.LayerID, progress, status); err != nil {
		m.logf("failed to sync layer %s: %v", payload.LayerID, err)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func errorInfoFrom(err error) *ErrorInfo {
	var convErr *convert.Error
	if errors.As(err, &convErr) {
		return &ErrorInfo{Code: convErr.Code, Message: convErr.Message}
	}
	return &ErrorInfo{Code: "INTERNAL_ERROR", Message: err.Error()}
}
