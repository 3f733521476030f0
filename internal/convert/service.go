package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/scene-forge/internal/blob"
	"github.com/yourusername/scene-forge/internal/config"
)

// BlobStore は変換サービスが必要とするBlobストア操作です。
// 実装は blob.Store が提供します。
type BlobStore interface {
	UploadStream(ctx context.Context, r io.Reader, containerName, blobName string) (blob.Handle, error)
	UploadData(ctx context.Context, data []byte, containerName, blobName string) error
	UploadFile(ctx context.Context, localPath, containerName, blobName string) error
	DownloadToFile(ctx context.Context, containerName, blobName, localPath string) error
	DownloadToBuffer(ctx context.Context, containerName, blobName string) ([]byte, error)
	Delete(ctx context.Context, containerName, blobName string) error
}

// Service は3アセットの変換パイプラインと、その入力のステージングを担います。
// キューへの投入は行いません。呼び出し側（HTTPレイヤー）が PrepareXXXJob で
// 得たペイロードをジョブマネージャへ渡します。
type Service struct {
	cfg    *config.Config
	blobs  BlobStore
	tools  Toolchain
	logger *log.Logger
}

// NewService は Service を初期化します。
func NewService(cfg *config.Config, blobs BlobStore, tools Toolchain, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is nil")
	}
	if tools == nil {
		return nil, fmt.Errorf("toolchain is nil")
	}
	return &Service{cfg: cfg, blobs: blobs, tools: tools, logger: logger}, nil
}

// PrepareProjectModelJob は入力を検証してからステージングコンテナへ保存し、
// 実行可能なジョブペイロードを返します。検証が先なので、不正な入力で
// ストレージが汚れることはありません。epsgCodeは任意で、指定された場合は
// 解決済みの座標系定義がペイロードに載ります。
func (s *Service) PrepareProjectModelJob(ctx context.Context, r io.Reader, fileName, epsgCode string) (*JobPayload, error) {
	if _, err := adapterForFile(fileName); err != nil {
		return nil, err
	}
	srcSRS := ""
	if strings.TrimSpace(epsgCode) != "" {
		srs, err := ResolveSRS(epsgCode)
		if err != nil {
			return nil, err
		}
		srcSRS = srs
	}
	handle, err := s.blobs.UploadStream(ctx, r, ProjectModelUploadContainer, "")
	if err != nil {
		return nil, newError(CodeStorageError, "入力ファイルの保存に失敗しました。", err)
	}
	return &JobPayload{
		Operation:     OperationProjectModel,
		ContainerName: handle.ContainerName,
		BlobName:      handle.BlobName,
		FileName:      safeBaseName(fileName),
		SrcSRS:        srcSRS,
		Secret:        uuid.NewString(),
	}, nil
}

// PrepareTerrainJob はソースアーカイブを検証・ステージングし、地形ジョブの
// ペイロードを返します。layerIDは任意で、指定するとジョブの決着時に
// BaseLayerレコードへ状態が反映されます。
func (s *Service) PrepareTerrainJob(ctx context.Context, r io.Reader, epsgCode, layerID string) (*JobPayload, error) {
	return s.prepareTilesetJob(ctx, r, epsgCode, layerID, OperationTerrain, TerrainUploadContainer)
}

// PrepareTiles3DJob はソースアーカイブを検証・ステージングし、3Dタイルジョブの
// ペイロードを返します。
func (s *Service) PrepareTiles3DJob(ctx context.Context, r io.Reader, epsgCode, layerID string) (*JobPayload, error) {
	return s.prepareTilesetJob(ctx, r, epsgCode, layerID, OperationTiles3D, Tiles3DUploadContainer)
}

func (s *Service) prepareTilesetJob(ctx context.Context, r io.Reader, epsgCode, layerID string, op OperationType, container string) (*JobPayload, error) {
	srs, err := ResolveSRS(epsgCode)
	if err != nil {
		return nil, err
	}

	// 先頭だけ読んでアーカイブ形式を判定し、残りと連結してアップロードする。
	head := make([]byte, 3072)
	n, readErr := io.ReadFull(r, head)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return nil, newError(CodeInvalidInput, "入力の読み込みに失敗しました。", readErr)
	}
	head = head[:n]
	if !mimetype.Detect(head).Is("application/zip") {
		return nil, newError(CodeInvalidInput, "ソースデータはZIPアーカイブで指定してください。", nil)
	}

	// レイヤーIDがあればそれをBlob名に使う（オーナー向けに追跡しやすくする）
	handle, err := s.blobs.UploadStream(ctx, io.MultiReader(bytes.NewReader(head), r), container, layerID)
	if err != nil {
		return nil, newError(CodeStorageError, "入力ファイルの保存に失敗しました。", err)
	}
	return &JobPayload{
		Operation:     op,
		ContainerName: handle.ContainerName,
		BlobName:      handle.BlobName,
		SrcSRS:        srs,
		Secret:        uuid.NewString(),
		LayerID:       layerID,
	}, nil
}

// DiscardStagedInput はステージング済みの入力Blobを破棄します。
// キュー投入に失敗したときの後始末用で、失敗はログに残すだけです。
func (s *Service) DiscardStagedInput(ctx context.Context, payload *JobPayload) {
	if payload == nil || payload.ContainerName == "" || payload.BlobName == "" {
		return
	}
	if err := s.blobs.Delete(ctx, payload.ContainerName, payload.BlobName); err != nil {
		s.logf("failed to discard staged input %s/%s: %v", payload.ContainerName, payload.BlobName, err)
	}
}

// Run はペイロードの種別に応じたパイプラインを実行します。ワーカーから
// 呼ばれるエントリポイントで、結果はジョブレコードへそのまま記録できる
// 値を返します。
func (s *Service) Run(ctx context.Context, payload *JobPayload, rep Reporter) (any, error) {
	switch payload.Operation {
	case OperationProjectModel:
		result, err := s.runProjectModel(ctx, payload, rep)
		if err != nil {
			return nil, err
		}
		return result, nil
	case OperationTerrain:
		result, err := s.runTileset(ctx, payload, rep, tilesetPipeline{
			containerPrefix: "terrain-",
			manifestName:    "layer.json",
			preprocess:      s.tools.PreprocessTerrain,
			generate:        s.tools.GenerateTerrain,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	case OperationTiles3D:
		result, err := s.runTileset(ctx, payload, rep, tilesetPipeline{
			containerPrefix: "tiles3d-",
			manifestName:    "tileset.json",
			preprocess:      s.tools.PreprocessTiles3D,
			generate:        s.tools.GenerateTiles3D,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, newError(CodeInvalidInput, fmt.Sprintf("不明な操作種別です: %s", payload.Operation), nil)
}

// releaseJobInputs はジョブが成功しても失敗してもワークスペースと
// ステージングBlobを解放します。ジョブのctxが既にキャンセルされていても
// 解放は実行するため、独立したタイムアウト付きctxを使います。
func (s *Service) releaseJobInputs(ws workspace, payload *JobPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if payload.ContainerName != "" && payload.BlobName != "" {
		if err := s.blobs.Delete(ctx, payload.ContainerName, payload.BlobName); err != nil {
			s.logf("cleanup: failed to delete staging blob %s/%s: %v", payload.ContainerName, payload.BlobName, err)
		}
	}
	if err := removeDir(ws.dir); err != nil {
		s.logf("cleanup: failed to remove workspace %s: %v", ws.dir, err)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
