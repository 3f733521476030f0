package convert

import (
	"context"
	"os"
	"path/filepath"
)

// tilesetPipeline は地形タイルと3Dタイルのパイプライン差分です。
// 両者は構造的に同一で、使うツールと出力コンテナの接頭辞だけが異なります。
type tilesetPipeline struct {
	containerPrefix string
	manifestName    string
	preprocess      func(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error
	generate        func(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error
}

// runTileset はタイルセット生成パイプラインを実行します:
// アーカイブの取得 → 前処理 → タイル生成（逐次アップロード）。
// 進捗配分は前処理 0-50%、生成 50-100% です。生成されたタイルは
// ジョブIDで命名された専用コンテナへ、生成され次第ストリーミングで
// アップロードされます。中間生成物をまとめて転送するフェーズはありません。
func (s *Service) runTileset(ctx context.Context, payload *JobPayload, rep Reporter, pipe tilesetPipeline) (*TilesetResult, error) {
	if payload.SrcSRS == "" {
		return nil, newError(CodeInvalidInput, "入力座標系が指定されていません。", nil)
	}

	ws, err := s.createWorkspace(payload.JobID)
	if err != nil {
		return nil, err
	}
	defer s.releaseJobInputs(ws, payload)

	archivePath := filepath.Join(ws.dir, "source.zip")
	if err := s.blobs.DownloadToFile(ctx, payload.ContainerName, payload.BlobName, archivePath); err != nil {
		return nil, newError(CodeStorageError, "ソースアーカイブの取得に失敗しました。", err)
	}

	preprocessedDir := filepath.Join(ws.dir, "preprocessed")
	if err := os.MkdirAll(preprocessedDir, 0o750); err != nil {
		return nil, newError(CodeConversionFailed, "前処理ディレクトリの作成に失敗しました。", err)
	}
	if err := pipe.preprocess(ctx, archivePath, preprocessedDir, payload.SrcSRS, StageReporter(rep, 0, 50)); err != nil {
		return nil, err
	}

	generatedDir := filepath.Join(ws.dir, "generated")
	if err := os.MkdirAll(generatedDir, 0o750); err != nil {
		return nil, newError(CodeConversionFailed, "生成ディレクトリの作成に失敗しました。", err)
	}

	outputContainer := pipe.containerPrefix + payload.JobID
	tileCount := 0
	manifestName := pipe.manifestName
	emit := func(name string, data []byte, manifest bool) error {
		if err := s.blobs.UploadData(ctx, data, outputContainer, name); err != nil {
			return newError(CodeStorageError, "タイルのアップロードに失敗しました。", err)
		}
		if manifest {
			manifestName = name
			return nil
		}
		tileCount++
		return nil
	}
	if err := pipe.generate(ctx, preprocessedDir, generatedDir, emit, StageReporter(rep, 50, 100)); err != nil {
		return nil, err
	}

	report(rep, 1)
	return &TilesetResult{
		ContainerName: outputContainer,
		ManifestName:  manifestName,
		TileCount:     tileCount,
	}, nil
}
