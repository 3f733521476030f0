package convert

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// importAdapter は入力フォーマットをGLBへ持ち込む手段です。
type importAdapter int

const (
	adapterNative importAdapter = iota // 既にGLB
	adapterIFC                         // IfcConvert経由
	adapterGeneric                     // 汎用シーンコンバーター経由
)

// 汎用コンバーターで取り込めるフォーマットの拡張子。
var genericExtensions = map[string]bool{
	"fbx": true, "obj": true, "dae": true, "xml": true, "blend": true,
	"stl": true, "dxf": true, "3ds": true, "gltf": true, "ter": true,
}

// adapterForFile はファイル名の拡張子から取り込み手段を決定します。
// 対応外の拡張子は分類済みエラーになります。判定はI/Oより前に行うため、
// 不正な入力でストレージやワークスペースを消費しません。
func adapterForFile(fileName string) (importAdapter, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	switch {
	case ext == "glb":
		return adapterNative, nil
	case ext == "ifc":
		return adapterIFC, nil
	case genericExtensions[ext]:
		return adapterGeneric, nil
	}
	return 0, newError(CodeUnsupportedFiletype, fmt.Sprintf("ファイル形式 %q には対応していません。", ext), nil)
}

// runProjectModel はproject-modelパイプラインを実行します:
// 入力の取得 → GLB化 → 最適化 → 原点正規化 → 成果物の保存。
// 成果物は入力と同じコンテナに新しい名前で格納されます。
func (s *Service) runProjectModel(ctx context.Context, payload *JobPayload, rep Reporter) (*ProjectModelResult, error) {
	adapter, err := adapterForFile(payload.FileName)
	if err != nil {
		return nil, err
	}

	ws, err := s.createWorkspace(payload.JobID)
	if err != nil {
		return nil, err
	}
	defer s.releaseJobInputs(ws, payload)

	report(rep, 0.02)
	inputPath := filepath.Join(ws.dir, safeBaseName(payload.FileName))
	if err := s.blobs.DownloadToFile(ctx, payload.ContainerName, payload.BlobName, inputPath); err != nil {
		return nil, newError(CodeStorageError, "入力ファイルの取得に失敗しました。", err)
	}
	report(rep, 0.10)

	glb, matrix, err := s.transformModel(ctx, ws, inputPath, adapter, StageReporter(rep, 10, 90))
	if err != nil {
		return nil, err
	}

	outputName := uuid.NewString() + ".glb"
	if err := s.blobs.UploadData(ctx, glb, payload.ContainerName, outputName); err != nil {
		return nil, newError(CodeStorageError, "成果物の保存に失敗しました。", err)
	}
	report(rep, 1)

	return &ProjectModelResult{
		ModelMatrix:   matrix,
		ContainerName: payload.ContainerName,
		BlobName:      outputName,
		OutputSize:    int64(len(glb)),
	}, nil
}

// ConvertProjectModel は小さな入力向けの同期変換です。パイプラインは
// 非同期ジョブと同一で、成果物をBlobストアに置く代わりにbase64で返します。
func (s *Service) ConvertProjectModel(ctx context.Context, r io.Reader, fileName string) (*ModelConversion, error) {
	adapter, err := adapterForFile(fileName)
	if err != nil {
		return nil, err
	}

	ws, err := s.createWorkspace(uuid.NewString())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := removeDir(ws.dir); err != nil {
			s.logf("cleanup: failed to remove workspace %s: %v", ws.dir, err)
		}
	}()

	inputPath := filepath.Join(ws.dir, safeBaseName(fileName))
	if err := writeToFile(inputPath, r); err != nil {
		return nil, newError(CodeInvalidInput, "入力の読み込みに失敗しました。", err)
	}

	glb, matrix, err := s.transformModel(ctx, ws, inputPath, adapter, nil)
	if err != nil {
		return nil, err
	}
	return &ModelConversion{
		Buffer64:    base64.StdEncoding.EncodeToString(glb),
		ModelMatrix: matrix,
	}, nil
}

// transformModel は取り込み済みのローカルファイルをGLB化・最適化し、
// シーン原点を正規化した成果物と復元用のモデル行列を返します。
// ステージ配分: 取り込み 0-40%、最適化 40-80%、正規化と再エンコード 80-100%。
func (s *Service) transformModel(ctx context.Context, ws workspace, inputPath string, adapter importAdapter, rep Reporter) ([]byte, [16]float64, error) {
	var zero [16]float64

	glbPath := inputPath
	switch adapter {
	case adapterNative:
		// そのまま最適化へ。
	case adapterIFC:
		glbPath = filepath.Join(ws.dir, "imported.glb")
		if err := s.tools.ConvertIFC(ctx, inputPath, glbPath); err != nil {
			return nil, zero, err
		}
	case adapterGeneric:
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(inputPath), "."))
		glbPath = filepath.Join(ws.dir, "imported.glb")
		if err := s.tools.ConvertScene(ctx, ext, inputPath, glbPath); err != nil {
			return nil, zero, err
		}
	default:
		return nil, zero, newError(CodeUnsupportedFiletype, "未知の取り込み手段です。", nil)
	}
	report(rep, 0.4)

	optimizedPath := filepath.Join(ws.dir, "optimized.glb")
	if err := s.tools.OptimizeScene(ctx, glbPath, optimizedPath); err != nil {
		return nil, zero, err
	}
	report(rep, 0.8)

	doc, err := readScene(optimizedPath)
	if err != nil {
		return nil, zero, err
	}
	matrix := normalizeSceneOrigin(doc)
	glb, err := encodeSceneBinary(doc)
	if err != nil {
		return nil, zero, err
	}
	report(rep, 1)
	return glb, matrix, nil
}

func writeToFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
