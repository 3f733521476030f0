package convert

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yourusername/scene-forge/internal/config"
)

// TileWriter はタイル生成中に成果物を1件ずつ受け取るコールバックです。
// nameは出力ディレクトリからの相対パス、manifestはレイヤーマニフェスト
// （layer.json / tileset.json）かどうかを示します。
type TileWriter func(name string, data []byte, manifest bool) error

// Toolchain はネイティブ変換ツール群の呼び出し面です。各ツールの内部処理は
// このパッケージの関心外で、呼び出し順序と進捗の受け渡しだけを規定します。
type Toolchain interface {
	// ConvertIFC はIFCファイルをGLBへ変換します。
	ConvertIFC(ctx context.Context, inputPath, outputPath string) error
	// ConvertScene は汎用フォーマット（fbx, obj, dae等）をGLBへ変換します。
	ConvertScene(ctx context.Context, ext, inputPath, outputPath string) error
	// OptimizeScene は固定の変換列（dedup, flatten, prune, weld, join,
	// simplify, ジオメトリ圧縮, テクスチャ圧縮）を適用します。
	OptimizeScene(ctx context.Context, inputPath, outputPath string) error
	// PreprocessTerrain はソースアーカイブを中間タイル表現へ前処理します。
	PreprocessTerrain(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error
	// GenerateTerrain は地形タイルを生成し、1タイルずつemitへ渡します。
	GenerateTerrain(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error
	// PreprocessTiles3D は3Dタイル生成用の前処理を行います。
	PreprocessTiles3D(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error
	// GenerateTiles3D は3Dタイルを生成し、1タイルずつemitへ渡します。
	GenerateTiles3D(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error
}

// cliToolchain は外部実行ファイルによるToolchain実装です。
//
// タイル生成ツールとは行単位のプロトコルで連携します:
//
//	progress <0..1>   — ステージ内の進捗
//	tile <relpath>    — 出力ディレクトリへ書き出されたタイル
//	manifest <name>   — レイヤーマニフェスト
//
// それ以外の行は無視します。標準エラー出力は失敗時の診断用に保持します。
type cliToolchain struct {
	cfg *config.Config
}

// NewCLIToolchain は設定されたパスの外部ツールを使うToolchainを返します。
func NewCLIToolchain(cfg *config.Config) Toolchain {
	return &cliToolchain{cfg: cfg}
}

func (t *cliToolchain) ConvertIFC(ctx context.Context, inputPath, outputPath string) error {
	return t.runTool(ctx, t.cfg.IfcConvertPath, []string{inputPath, outputPath}, nil)
}

func (t *cliToolchain) ConvertScene(ctx context.Context, ext, inputPath, outputPath string) error {
	args := []string{"export", inputPath, outputPath, "-f", "glb2"}
	_ = ext // フォーマットは入力の拡張子から自動判別される
	return t.runTool(ctx, t.cfg.AssimpPath, args, nil)
}

func (t *cliToolchain) OptimizeScene(ctx context.Context, inputPath, outputPath string) error {
	return t.runTool(ctx, t.cfg.SceneOptimizerPath, optimizerArgs(inputPath, outputPath), nil)
}

// optimizerArgs は最適化ツールへ固定の変換列を指示する引数を組み立てます。
// 重複排除・フラット化・プルーニングはツールの既定動作に含まれます。
func optimizerArgs(inputPath, outputPath string) []string {
	return []string{
		"-i", inputPath,
		"-o", outputPath,
		"-cc",        // ジオメトリ圧縮
		"-si", "0.0", // 誤差許容値までの簡略化
		"-se", "0.001",
		"-tc", // テクスチャ圧縮
		"-kn", // ノードの平行移動は後段の正規化で扱うため保持する
	}
}

func (t *cliToolchain) PreprocessTerrain(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error {
	args := []string{"preprocess", "--input", archivePath, "--output", outDir, "--src-srs", srcSRS}
	return t.runTool(ctx, t.cfg.TerrainTilerPath, args, func(line string) error {
		return handleProgressLine(line, progress)
	})
}

func (t *cliToolchain) GenerateTerrain(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
	args := []string{"generate", "--input", inDir, "--output", outDir}
	return t.runTool(ctx, t.cfg.TerrainTilerPath, args, tileLineHandler(outDir, emit, progress))
}

func (t *cliToolchain) PreprocessTiles3D(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error {
	args := []string{"preprocess", "--input", archivePath, "--output", outDir, "--src-srs", srcSRS}
	return t.runTool(ctx, t.cfg.Tiles3DTilerPath, args, func(line string) error {
		return handleProgressLine(line, progress)
	})
}

func (t *cliToolchain) GenerateTiles3D(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
	args := []string{"generate", "--input", inDir, "--output", outDir}
	return t.runTool(ctx, t.cfg.Tiles3DTilerPath, args, tileLineHandler(outDir, emit, progress))
}

// runTool は外部ツールを実行し、標準出力を1行ずつhandleへ渡します。
// 失敗時は標準エラー出力を含む分類済みエラーを返します。
func (t *cliToolchain) runTool(ctx context.Context, path string, args []string, handle func(line string) error) error {
	cmd := exec.CommandContext(ctx, path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if handle == nil {
		cmd.Stdout = &stderr
		if err := cmd.Run(); err != nil {
			return toolError(path, &stderr, err)
		}
		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of %s: %w", path, err)
	}
	if err := cmd.Start(); err != nil {
		return toolError(path, &stderr, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var handleErr error
	for scanner.Scan() {
		if handleErr != nil {
			continue // プロセスを飢餓させずに読み切る
		}
		handleErr = handle(scanner.Text())
	}

	waitErr := cmd.Wait()
	if handleErr != nil {
		return handleErr
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read output of %s: %w", path, err)
	}
	if waitErr != nil {
		return toolError(path, &stderr, waitErr)
	}
	return nil
}

func toolError(path string, stderr *bytes.Buffer, cause error) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = cause.Error()
	}
	return newError(CodeConversionFailed, fmt.Sprintf("%s の実行に失敗しました: %s", filepath.Base(path), msg), cause)
}

func handleProgressLine(line string, progress Reporter) error {
	fields := strings.Fields(line)
	if len(fields) == 2 && fields[0] == "progress" {
		if f, err := strconv.ParseFloat(fields[1], 64); err == nil {
			report(progress, f)
		}
	}
	return nil
}

// tileLineHandler は生成ツールの出力行を解釈し、書き出されたタイルを
// 読み取ってemitへ流します。
func tileLineHandler(outDir string, emit TileWriter, progress Reporter) func(string) error {
	return func(line string) error {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil
		}
		switch fields[0] {
		case "progress":
			if f, err := strconv.ParseFloat(fields[1], 64); err == nil {
				report(progress, f)
			}
			return nil
		case "tile", "manifest":
			rel := filepath.Clean(fields[1])
			if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
				return newError(CodeConversionFailed, fmt.Sprintf("生成ツールが不正なタイルパスを出力しました: %s", fields[1]), nil)
			}
			data, err := os.ReadFile(filepath.Join(outDir, rel))
			if err != nil {
				return newError(CodeConversionFailed, fmt.Sprintf("生成されたタイル %s の読み込みに失敗しました。", rel), err)
			}
			return emit(filepath.ToSlash(rel), data, fields[0] == "manifest")
		}
		return nil
	}
}
