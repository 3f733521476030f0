package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/yourusername/scene-forge/internal/blob"
	"github.com/yourusername/scene-forge/internal/config"
)

// fakeBlobStore はインメモリのBlobStore実装です。
type fakeBlobStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	seq       int
	uploadErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func (f *fakeBlobStore) put(containerName, blobName string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[blobKey(containerName, blobName)] = data
}

func (f *fakeBlobStore) has(containerName, blobName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[blobKey(containerName, blobName)]
	return ok
}

func (f *fakeBlobStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

func (f *fakeBlobStore) UploadStream(ctx context.Context, r io.Reader, containerName, blobName string) (blob.Handle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return blob.Handle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if blobName == "" {
		f.seq++
		blobName = fmt.Sprintf("staged-%d", f.seq)
	}
	f.blobs[blobKey(containerName, blobName)] = data
	return blob.Handle{ContainerName: containerName, BlobName: blobName}, nil
}

func (f *fakeBlobStore) UploadData(ctx context.Context, data []byte, containerName, blobName string) error {
	f.mu.Lock()
	err := f.uploadErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.put(containerName, blobName, append([]byte(nil), data...))
	return nil
}

func (f *fakeBlobStore) UploadFile(ctx context.Context, localPath, containerName, blobName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.put(containerName, blobName, data)
	return nil
}

func (f *fakeBlobStore) DownloadToFile(ctx context.Context, containerName, blobName, localPath string) error {
	data, err := f.DownloadToBuffer(ctx, containerName, blobName)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o640)
}

func (f *fakeBlobStore) DownloadToBuffer(ctx context.Context, containerName, blobName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[blobKey(containerName, blobName)]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s/%s", containerName, blobName)
	}
	return data, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, containerName, blobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, blobKey(containerName, blobName))
	return nil
}

// fakeToolchain は関数フィールドで挙動を差し替えられるToolchainです。
// 未設定の段は成功扱いで、最適化は正規化可能な最小GLBを出力します。
type fakeToolchain struct {
	convertIFC   func(ctx context.Context, inputPath, outputPath string) error
	convertScene func(ctx context.Context, ext, inputPath, outputPath string) error
	optimize     func(ctx context.Context, inputPath, outputPath string) error
	preprocess   func(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error
	generate     func(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error
}

func (f *fakeToolchain) ConvertIFC(ctx context.Context, inputPath, outputPath string) error {
	if f.convertIFC != nil {
		return f.convertIFC(ctx, inputPath, outputPath)
	}
	return writeTestGLB(outputPath, [3]float64{0, 0, 0})
}

func (f *fakeToolchain) ConvertScene(ctx context.Context, ext, inputPath, outputPath string) error {
	if f.convertScene != nil {
		return f.convertScene(ctx, ext, inputPath, outputPath)
	}
	return writeTestGLB(outputPath, [3]float64{0, 0, 0})
}

func (f *fakeToolchain) OptimizeScene(ctx context.Context, inputPath, outputPath string) error {
	if f.optimize != nil {
		return f.optimize(ctx, inputPath, outputPath)
	}
	return writeTestGLB(outputPath, [3]float64{10, 5, 0})
}

func (f *fakeToolchain) PreprocessTerrain(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error {
	if f.preprocess != nil {
		return f.preprocess(ctx, archivePath, outDir, srcSRS, progress)
	}
	return nil
}

func (f *fakeToolchain) GenerateTerrain(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
	if f.generate != nil {
		return f.generate(ctx, inDir, outDir, emit, progress)
	}
	return nil
}

func (f *fakeToolchain) PreprocessTiles3D(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error {
	return f.PreprocessTerrain(ctx, archivePath, outDir, srcSRS, progress)
}

func (f *fakeToolchain) GenerateTiles3D(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
	return f.GenerateTerrain(ctx, inDir, outDir, emit, progress)
}

func writeTestGLB(path string, translation [3]float64) error {
	data, err := encodeSceneBinary(testSceneDoc(translation))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func newTestService(t *testing.T, blobs BlobStore, tools Toolchain) (*Service, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		SceneProcessorFolder: t.TempDir(),
	}
	svc, err := NewService(cfg, blobs, tools, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, cfg
}

func TestRunProjectModelSuccess(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put(ProjectModelUploadContainer, "staged-input", []byte("raw glb"))
	svc, cfg := newTestService(t, blobs, &fakeToolchain{})

	var fractions []float64
	payload := &JobPayload{
		JobID:         "job-model",
		Operation:     OperationProjectModel,
		ContainerName: ProjectModelUploadContainer,
		BlobName:      "staged-input",
		FileName:      "model.glb",
		Secret:        "s",
	}
	result, err := svc.Run(context.Background(), payload, func(fr float64) {
		fractions = append(fractions, fr)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	model, ok := result.(*ProjectModelResult)
	if !ok {
		t.Fatalf("unexpected result type: %T", result)
	}
	if model.ModelMatrix[12] != 10 || model.ModelMatrix[13] != 5 || model.ModelMatrix[14] != 0 {
		t.Fatalf("unexpected model matrix translation: %v", model.ModelMatrix)
	}
	if model.OutputSize <= 0 {
		t.Fatalf("unexpected output size: %d", model.OutputSize)
	}
	if !blobs.has(model.ContainerName, model.BlobName) {
		t.Fatal("output blob was not uploaded")
	}
	// 成果物の取得は冪等
	first, err := blobs.DownloadToBuffer(context.Background(), model.ContainerName, model.BlobName)
	if err != nil {
		t.Fatalf("first download failed: %v", err)
	}
	second, err := blobs.DownloadToBuffer(context.Background(), model.ContainerName, model.BlobName)
	if err != nil {
		t.Fatalf("second download failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("repeated downloads returned different bytes")
	}
	if blobs.has(ProjectModelUploadContainer, "staged-input") {
		t.Fatal("staging blob was not cleaned up")
	}
	if _, err := os.Stat(filepath.Join(cfg.SceneProcessorFolder, "job-model")); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed: %v", err)
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("progress did not end at 1: %v", fractions)
	}
}

func TestRunProjectModelUnsupportedFiletype(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put(ProjectModelUploadContainer, "staged-input", []byte("data"))
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	payload := &JobPayload{
		JobID:         "job-bad",
		Operation:     OperationProjectModel,
		ContainerName: ProjectModelUploadContainer,
		BlobName:      "staged-input",
		FileName:      "model.xyz",
		Secret:        "s",
	}
	_, err := svc.Run(context.Background(), payload, nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUnsupportedFiletype {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunTerrainSuccess(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put(TerrainUploadContainer, "staged-zip", []byte("zip bytes"))

	tools := &fakeToolchain{
		preprocess: func(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error {
			if srcSRS == "" {
				t.Error("preprocess received empty srcSRS")
			}
			report(progress, 1)
			return nil
		},
		generate: func(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
			if err := emit("0/0/0.terrain", []byte("tile"), false); err != nil {
				return err
			}
			if err := emit("0/1/0.terrain", []byte("tile"), false); err != nil {
				return err
			}
			if err := emit("layer.json", []byte("{}"), true); err != nil {
				return err
			}
			report(progress, 1)
			return nil
		},
	}
	svc, cfg := newTestService(t, blobs, tools)

	payload := &JobPayload{
		JobID:         "job-terrain",
		Operation:     OperationTerrain,
		ContainerName: TerrainUploadContainer,
		BlobName:      "staged-zip",
		SrcSRS:        "+proj=longlat +datum=WGS84 +no_defs +type=crs",
		Secret:        "s",
	}
	result, err := svc.Run(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tiles, ok := result.(*TilesetResult)
	if !ok {
		t.Fatalf("unexpected result type: %T", result)
	}
	if tiles.ContainerName != "terrain-job-terrain" {
		t.Fatalf("unexpected output container: %s", tiles.ContainerName)
	}
	if tiles.ManifestName != "layer.json" || tiles.TileCount != 2 {
		t.Fatalf("unexpected tileset result: %+v", tiles)
	}
	for _, name := range []string{"0/0/0.terrain", "0/1/0.terrain", "layer.json"} {
		if !blobs.has(tiles.ContainerName, name) {
			t.Fatalf("missing output blob: %s", name)
		}
	}
	if blobs.has(TerrainUploadContainer, "staged-zip") {
		t.Fatal("staging blob was not cleaned up")
	}
	if _, err := os.Stat(filepath.Join(cfg.SceneProcessorFolder, "job-terrain")); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed: %v", err)
	}
}

// 各段で失敗してもワークスペースとステージングBlobが解放されることを、
// 失敗位置ごとに確認します。
func TestRunProjectModelFailureAtEachStageCleansUp(t *testing.T) {
	failConvert := func(ctx context.Context, inputPath, outputPath string) error {
		return newError(CodeConversionFailed, "GLBへの変換に失敗しました。", nil)
	}
	cases := []struct {
		name      string
		fileName  string
		staged    bool
		tools     *fakeToolchain
		uploadErr error
		wantCode  string
	}{
		{
			name:     "download",
			fileName: "model.glb",
			staged:   false,
			tools:    &fakeToolchain{},
			wantCode: CodeStorageError,
		},
		{
			name:     "ifc convert",
			fileName: "building.ifc",
			staged:   true,
			tools:    &fakeToolchain{convertIFC: failConvert},
			wantCode: CodeConversionFailed,
		},
		{
			name:     "generic convert",
			fileName: "scene.fbx",
			staged:   true,
			tools: &fakeToolchain{convertScene: func(ctx context.Context, ext, inputPath, outputPath string) error {
				return newError(CodeConversionFailed, "GLBへの変換に失敗しました。", nil)
			}},
			wantCode: CodeConversionFailed,
		},
		{
			name:     "optimize",
			fileName: "model.glb",
			staged:   true,
			tools:    &fakeToolchain{optimize: failConvert},
			wantCode: CodeConversionFailed,
		},
		{
			name:      "output upload",
			fileName:  "model.glb",
			staged:    true,
			tools:     &fakeToolchain{},
			uploadErr: errors.New("put rejected"),
			wantCode:  CodeStorageError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blobs := newFakeBlobStore()
			if tc.staged {
				blobs.put(ProjectModelUploadContainer, "staged-input", []byte("raw model"))
			}
			blobs.uploadErr = tc.uploadErr
			svc, cfg := newTestService(t, blobs, tc.tools)

			payload := &JobPayload{
				JobID:         "job-model-fail",
				Operation:     OperationProjectModel,
				ContainerName: ProjectModelUploadContainer,
				BlobName:      "staged-input",
				FileName:      tc.fileName,
				Secret:        "s",
			}
			_, err := svc.Run(context.Background(), payload, nil)
			var apiErr *Error
			if !errors.As(err, &apiErr) || apiErr.Code != tc.wantCode {
				t.Fatalf("unexpected error: %v", err)
			}

			if blobs.has(ProjectModelUploadContainer, "staged-input") {
				t.Fatal("staging blob was not cleaned up after failure")
			}
			if _, err := os.Stat(filepath.Join(cfg.SceneProcessorFolder, payload.JobID)); !os.IsNotExist(err) {
				t.Fatalf("workspace was not removed: %v", err)
			}
		})
	}
}

func TestRunTerrainFailureAtEachStageCleansUp(t *testing.T) {
	cases := []struct {
		name      string
		staged    bool
		tools     *fakeToolchain
		uploadErr error
		wantCode  string
	}{
		{
			name:     "download",
			staged:   false,
			tools:    &fakeToolchain{},
			wantCode: CodeStorageError,
		},
		{
			name:   "preprocess",
			staged: true,
			tools: &fakeToolchain{preprocess: func(ctx context.Context, archivePath, outDir, srcSRS string, progress Reporter) error {
				return newError(CodeConversionFailed, "前処理に失敗しました。", nil)
			}},
			wantCode: CodeConversionFailed,
		},
		{
			name:   "tile upload",
			staged: true,
			tools: &fakeToolchain{generate: func(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
				return emit("0/0/0.terrain", []byte("tile"), false)
			}},
			uploadErr: errors.New("put rejected"),
			wantCode:  CodeStorageError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blobs := newFakeBlobStore()
			if tc.staged {
				blobs.put(TerrainUploadContainer, "staged-zip", []byte("zip bytes"))
			}
			blobs.uploadErr = tc.uploadErr
			svc, cfg := newTestService(t, blobs, tc.tools)

			payload := &JobPayload{
				JobID:         "job-terrain-fail",
				Operation:     OperationTerrain,
				ContainerName: TerrainUploadContainer,
				BlobName:      "staged-zip",
				SrcSRS:        "+proj=longlat +datum=WGS84 +no_defs +type=crs",
				Secret:        "s",
			}
			_, err := svc.Run(context.Background(), payload, nil)
			var apiErr *Error
			if !errors.As(err, &apiErr) || apiErr.Code != tc.wantCode {
				t.Fatalf("unexpected error: %v", err)
			}

			if blobs.has(TerrainUploadContainer, "staged-zip") {
				t.Fatal("staging blob was not cleaned up after failure")
			}
			if _, err := os.Stat(filepath.Join(cfg.SceneProcessorFolder, payload.JobID)); !os.IsNotExist(err) {
				t.Fatalf("workspace was not removed: %v", err)
			}
		})
	}
}

func TestRunTerrainFailureStillCleansUp(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put(TerrainUploadContainer, "staged-zip", []byte("zip bytes"))

	tools := &fakeToolchain{
		generate: func(ctx context.Context, inDir, outDir string, emit TileWriter, progress Reporter) error {
			return newError(CodeConversionFailed, "タイル生成に失敗しました。", nil)
		},
	}
	svc, cfg := newTestService(t, blobs, tools)

	payload := &JobPayload{
		JobID:         "job-fail",
		Operation:     OperationTerrain,
		ContainerName: TerrainUploadContainer,
		BlobName:      "staged-zip",
		SrcSRS:        "+proj=longlat +datum=WGS84 +no_defs +type=crs",
		Secret:        "s",
	}
	_, err := svc.Run(context.Background(), payload, nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeConversionFailed {
		t.Fatalf("unexpected error: %v", err)
	}

	// 失敗してもステージングBlobとワークスペースは解放される
	if blobs.has(TerrainUploadContainer, "staged-zip") {
		t.Fatal("staging blob was not cleaned up after failure")
	}
	if _, err := os.Stat(filepath.Join(cfg.SceneProcessorFolder, "job-fail")); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed: %v", err)
	}
}

func TestPrepareProjectModelJobRejectsBeforeStaging(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	_, err := svc.PrepareProjectModelJob(context.Background(), strings.NewReader("data"), "model.xyz", "")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUnsupportedFiletype {
		t.Fatalf("unexpected error: %v", err)
	}
	if blobs.count() != 0 {
		t.Fatal("rejected input must not be staged")
	}
}

func TestPrepareProjectModelJobStages(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	payload, err := svc.PrepareProjectModelJob(context.Background(), strings.NewReader("data"), "dir/model.glb", "")
	if err != nil {
		t.Fatalf("PrepareProjectModelJob failed: %v", err)
	}
	if payload.Operation != OperationProjectModel {
		t.Fatalf("unexpected operation: %s", payload.Operation)
	}
	if payload.FileName != "model.glb" {
		t.Fatalf("path components not stripped: %s", payload.FileName)
	}
	if payload.Secret == "" {
		t.Fatal("secret was not generated")
	}
	if !blobs.has(payload.ContainerName, payload.BlobName) {
		t.Fatal("input was not staged")
	}
}

func TestPrepareProjectModelJobCarriesSRS(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	payload, err := svc.PrepareProjectModelJob(context.Background(), strings.NewReader("data"), "model.glb", "EPSG:25832")
	if err != nil {
		t.Fatalf("PrepareProjectModelJob failed: %v", err)
	}
	if payload.SrcSRS == "" {
		t.Fatal("resolved SRS was not carried into the payload")
	}

	// 未知のEPSGコードはステージング前に拒否される
	_, err = svc.PrepareProjectModelJob(context.Background(), strings.NewReader("data"), "model.glb", "99999")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeEPSGNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
	if blobs.count() != 1 {
		t.Fatalf("rejected input must not be staged, blob count = %d", blobs.count())
	}
}

func TestPrepareTerrainJobRejectsNonZip(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	_, err := svc.PrepareTerrainJob(context.Background(), strings.NewReader("plain text"), "4326", "")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeInvalidInput {
		t.Fatalf("unexpected error: %v", err)
	}
	if blobs.count() != 0 {
		t.Fatal("rejected input must not be staged")
	}
}

func TestPrepareTerrainJobStagesZip(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	archive := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 64)...)
	payload, err := svc.PrepareTerrainJob(context.Background(), bytes.NewReader(archive), "EPSG:4326", "layer-1")
	if err != nil {
		t.Fatalf("PrepareTerrainJob failed: %v", err)
	}
	if payload.Operation != OperationTerrain || payload.LayerID != "layer-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.SrcSRS == "" {
		t.Fatal("srcSRS was not resolved")
	}
	staged, err := blobs.DownloadToBuffer(context.Background(), payload.ContainerName, payload.BlobName)
	if err != nil {
		t.Fatalf("staged blob missing: %v", err)
	}
	if !bytes.Equal(staged, archive) {
		t.Fatal("staged archive differs from input")
	}
}

func TestPrepareTerrainJobUnknownEPSG(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _ := newTestService(t, blobs, &fakeToolchain{})

	_, err := svc.PrepareTerrainJob(context.Background(), strings.NewReader("PK\x03\x04"), "99999", "")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeEPSGNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
	if blobs.count() != 0 {
		t.Fatal("rejected input must not be staged")
	}
}

func TestConvertProjectModelSync(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, cfg := newTestService(t, blobs, &fakeToolchain{})

	conversion, err := svc.ConvertProjectModel(context.Background(), strings.NewReader("raw"), "model.glb")
	if err != nil {
		t.Fatalf("ConvertProjectModel failed: %v", err)
	}
	if conversion.Buffer64 == "" {
		t.Fatal("empty conversion buffer")
	}
	if conversion.ModelMatrix[12] != 10 {
		t.Fatalf("unexpected matrix: %v", conversion.ModelMatrix)
	}
	// 同期変換はBlobストアを使わない
	if blobs.count() != 0 {
		t.Fatal("sync conversion must not touch blob storage")
	}

	entries, err := os.ReadDir(cfg.SceneProcessorFolder)
	if err != nil {
		t.Fatalf("failed to read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace left behind: %v", entries)
	}
}
