package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workspace はジョブごとのローカルスクラッチ領域です。ホスト上の
// 処理フォルダをジョブIDで分割するため、ジョブ間で衝突しません。
type workspace struct {
	jobID string
	dir   string
}

func (s *Service) createWorkspace(jobID string) (workspace, error) {
	if jobID == "" {
		return workspace{}, fmt.Errorf("jobID is required")
	}
	dir := filepath.Join(s.cfg.SceneProcessorFolder, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	return workspace{jobID: jobID, dir: dir}, nil
}

// removeDir はワークスペースを再帰的に削除します。
func removeDir(dir string) error {
	if dir == "" || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	return os.RemoveAll(dir)
}

// safeBaseName はアップロードされたファイル名からパス要素を取り除きます。
func safeBaseName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "input"
	}
	return name
}
