package convert

// OperationType は変換パイプラインの種別を表します。
type OperationType string

const (
	OperationProjectModel OperationType = "project-model"
	OperationTerrain      OperationType = "terrain"
	OperationTiles3D      OperationType = "tiles3d"
)

// Valid は既知のパイプライン種別かどうかを返します。
func (o OperationType) Valid() bool {
	switch o {
	case OperationProjectModel, OperationTerrain, OperationTiles3D:
		return true
	}
	return false
}

// ステージングBlob用のコンテナ名。パイプラインの用途ごとに分離します。
const (
	ProjectModelUploadContainer = "converter-project-model-upload"
	TerrainUploadContainer      = "converter-terrain-upload"
	Tiles3DUploadContainer      = "converter-tiles3d-upload"
)

// JobPayload は変換ジョブの入力情報です。キューにとっては不透明なデータで、
// ワーカーが実行時に解釈します。
type JobPayload struct {
	JobID         string        `json:"jobId"`
	Operation     OperationType `json:"operation"`
	ContainerName string        `json:"containerName"`
	BlobName      string        `json:"blobName"`
	FileName      string        `json:"fileName,omitempty"` // project-modelのみ（拡張子判定に使用）
	SrcSRS        string        `json:"srcSRS,omitempty"`
	Secret        string        `json:"secret"`
	LayerID       string        `json:"layerId,omitempty"` // terrain/tiles3dのBaseLayerレコードID
}

// EnqueuedJob は非同期ジョブ投入時に呼び出し元へ返す参照です。
// secretはこのジョブの状態・成果物へアクセスする唯一の認可手段です。
type EnqueuedJob struct {
	JobID  string `json:"jobId"`
	Secret string `json:"secret"`
}

// ProjectModelResult はproject-modelパイプラインの成果です。
type ProjectModelResult struct {
	ModelMatrix   [16]float64 `json:"modelMatrix"` // 列優先の4×4行列
	ContainerName string      `json:"containerName"`
	BlobName      string      `json:"blobName"`
	OutputSize    int64       `json:"outputSize"`
}

// TilesetResult はterrain/tiles3dパイプラインの成果です。出力はジョブIDで
// 命名された専用コンテナに格納されます。
type TilesetResult struct {
	ContainerName string `json:"containerName"`
	ManifestName  string `json:"manifestName"`
	TileCount     int    `json:"tileCount"`
}

// ModelConversion は同期変換の結果です。
type ModelConversion struct {
	Buffer64    string      `json:"buffer64"` // base64エンコードされたGLB
	ModelMatrix [16]float64 `json:"modelMatrix"`
}
