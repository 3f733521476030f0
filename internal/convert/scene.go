package convert

import (
	"bytes"
	"fmt"

	"github.com/qmuntal/gltf"
)

// readScene はGLBファイルをシーンドキュメントとして読み込みます。
func readScene(path string) (*gltf.Document, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, newError(CodeConversionFailed, "シーンファイルの読み込みに失敗しました。", err)
	}
	return doc, nil
}

// normalizeSceneOrigin はシーンをモデル空間中心へ正規化します。
// 最初のノードの平行移動を全ノードから差し引き、差し引いた量を
// 列優先の4×4モデル行列として返します。呼び出し元はこの行列で
// 元のワールド配置を復元できます。
func normalizeSceneOrigin(doc *gltf.Document) [16]float64 {
	matrix := identityMatrix()

	var offset [3]float64
	found := false
	for _, node := range doc.Nodes {
		if node == nil {
			continue
		}
		if !found {
			offset = node.Translation
			found = true
		}
		node.Translation[0] -= offset[0]
		node.Translation[1] -= offset[1]
		node.Translation[2] -= offset[2]
	}

	if found {
		matrix[12] = offset[0]
		matrix[13] = offset[1]
		matrix[14] = offset[2]
	}
	return matrix
}

// encodeSceneBinary はドキュメントをGLBへシリアライズします。
func encodeSceneBinary(doc *gltf.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return nil, newError(CodeConversionFailed, "シーンのシリアライズに失敗しました。", err)
	}
	return buf.Bytes(), nil
}

// decodeSceneBinary はGLBバイト列をドキュメントへ復元します。
func decodeSceneBinary(data []byte) (*gltf.Document, error) {
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode scene: %w", err)
	}
	return doc, nil
}

func identityMatrix() [16]float64 {
	return [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}
