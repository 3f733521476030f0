// Package jobs は変換ジョブのキュー投入・状態管理・ワーカーへのディスパッチを
// 提供します。ジョブレコードはRedisに保存し、配送はAsynqが担います。
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal は終端状態かどうかを返します。終端状態は以後変化しません。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。作成はFacade、変更は実行中のワーカー
// のみが行い、他からは読み取り専用です。
type Record struct {
	JobID     string          `json:"jobId"`
	Type      string          `json:"type"`
	Secret    string          `json:"secret"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

var (
	// ErrJobNotFound はジョブが存在しない、またはsecretが一致しない場合に
	// 返します。存在の有無を呼び出し元へ漏らさないため両者を区別しません。
	ErrJobNotFound = errors.New("job not found")

	// ErrTerminalConflict は終端状態のジョブへ異なる結果を書き込もうとした
	// 場合に返します。
	ErrTerminalConflict = errors.New("job already finished with a different outcome")
)
