package jobs

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "convertjob:"

// errNoChange はmutateが書き込み不要と判断したことを示す内部シグナルです。
var errNoChange = errors.New("no change")

// Store はジョブレコードをRedisに保存します。
//
// 保持期間は結果で異なります: 完了ジョブは呼び出し元が直後に結果を取得する
// 前提で短く、失敗ジョブは運用調査のために長く保持します。実行中のレコードは
// 失敗側のTTLを持ち、処理中に消えることはありません。
type Store struct {
	rdb          *redis.Client
	completedTTL time.Duration
	failedTTL    time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, completedTTL, failedTTL time.Duration) *Store {
	return &Store{
		rdb:          rdb,
		completedTTL: completedTTL,
		failedTTL:    failedTTL,
	}
}

// Create は pending 状態の新規レコードを保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := time.Now().UTC()
	record.Status = StatusPending
	record.Progress = 0
	record.CreatedAt = now
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.failedTTL).Err()
}

// Get はジョブレコードを取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetAuthorized はsecret照合付きでレコードを取得します。ジョブが存在しない
// 場合もsecretが一致しない場合も同一の ErrJobNotFound を返します。
func (s *Store) GetAuthorized(ctx context.Context, jobID, secret string) (*Record, error) {
	record, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrJobNotFound
	}
	if subtle.ConstantTimeCompare([]byte(record.Secret), []byte(secret)) != 1 {
		return nil, ErrJobNotFound
	}
	return record, nil
}

// MarkActive はワーカーがジョブを占有したことを記録します。
func (s *Store) MarkActive(ctx context.Context, jobID string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) (time.Duration, error) {
		if record.Status.Terminal() {
			return 0, ErrTerminalConflict
		}
		record.Status = StatusActive
		return redis.KeepTTL, nil
	})
}

// UpdateProgress は進捗(0..100)を保存します。値の単調性はパイプライン側の
// 規約であり、ここでは範囲の正規化のみ行います。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.updatePartial(ctx, jobID, func(record *Record) (time.Duration, error) {
		if record.Status.Terminal() {
			return 0, errNoChange
		}
		record.Progress = progress
		return redis.KeepTTL, nil
	})
}

// MarkCompleted はジョブを完了状態へ遷移させ、型付き結果を保存します。
// 同一結果での再実行は冪等、異なる終端状態が既にある場合は
// ErrTerminalConflict を返します。
func (s *Store) MarkCompleted(ctx context.Context, jobID string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	return s.updatePartial(ctx, jobID, func(record *Record) (time.Duration, error) {
		switch record.Status {
		case StatusCompleted:
			return 0, errNoChange
		case StatusFailed:
			return 0, ErrTerminalConflict
		}
		record.Status = StatusCompleted
		record.Progress = 100
		record.Result = payload
		record.Error = nil
		return s.completedTTL, nil
	})
}

// MarkFailed はジョブを失敗状態へ遷移させます。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) (time.Duration, error) {
		switch record.Status {
		case StatusFailed:
			return 0, errNoChange
		case StatusCompleted:
			return 0, ErrTerminalConflict
		}
		record.Status = StatusFailed
		if errInfo != nil {
			record.Error = errInfo
		}
		return s.failedTTL, nil
	})
}

// updatePartial は read-modify-write をWATCHによる楽観ロックで行います。
// mutateは書き込み時に適用するTTLを返します（redis.KeepTTLで維持）。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record) (time.Duration, error)) error {
	key := jobKey(jobID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrJobNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		ttl, err := mutate(&record)
		if err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	return fmt.Errorf("job record update contention: %s", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
