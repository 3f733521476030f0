// Package blob はMinIO/S3互換オブジェクトストレージへのアクセスを提供します。
//
// Store はプロセス内で一度だけ構築し、参照で共有します。コンテナ（バケット）は
// 初回書き込み時に遅延作成されます。削除は冪等で、存在しないBlobの削除は
// エラーになりません。リトライはStoreの責務ではなく呼び出し側の方針です。
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Handle は保存済みBlobを (コンテナ名, Blob名) の組で識別します。
type Handle struct {
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
}

// Store はオブジェクトストレージクライアントのラッパーです。
type Store struct {
	client *minio.Client

	mu    sync.Mutex
	known map[string]bool // 存在確認済みのバケット
}

// Options はStore構築時の接続設定です。
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewStore はオブジェクトストレージクライアントを初期化します。
func NewStore(opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client: %w", err)
	}
	return &Store{
		client: client,
		known:  make(map[string]bool),
	}, nil
}

// ensureContainer はコンテナが存在しない場合に作成します。
func (s *Store) ensureContainer(ctx context.Context, containerName string) error {
	s.mu.Lock()
	if s.known[containerName] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	exists, err := s.client.BucketExists(ctx, containerName)
	if err != nil {
		return fmt.Errorf("failed to check container %s: %w", containerName, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, containerName, minio.MakeBucketOptions{}); err != nil {
			// 並行作成との競合は存在扱いにする
			if minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
				return fmt.Errorf("failed to create container %s: %w", containerName, err)
			}
		}
	}

	s.mu.Lock()
	s.known[containerName] = true
	s.mu.Unlock()
	return nil
}

// UploadStream はストリームをアップロードします。blobNameが空の場合は生成します。
// 全体をメモリに載せずにストリーミングします。
func (s *Store) UploadStream(ctx context.Context, r io.Reader, containerName, blobName string) (Handle, error) {
	if blobName == "" {
		blobName = uuid.NewString()
	}
	if err := s.ensureContainer(ctx, containerName); err != nil {
		return Handle{}, err
	}
	// サイズ未知(-1)でマルチパートアップロードに委ねる
	if _, err := s.client.PutObject(ctx, containerName, blobName, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return Handle{}, fmt.Errorf("failed to upload %s/%s: %w", containerName, blobName, err)
	}
	return Handle{ContainerName: containerName, BlobName: blobName}, nil
}

// UploadData はバイト列をアップロードします。タイルのような小さな成果物向けです。
func (s *Store) UploadData(ctx context.Context, data []byte, containerName, blobName string) error {
	if err := s.ensureContainer(ctx, containerName); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, containerName, blobName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", containerName, blobName, err)
	}
	return nil
}

// UploadFile はローカルファイルをアップロードします。
func (s *Store) UploadFile(ctx context.Context, localPath, containerName, blobName string) error {
	if err := s.ensureContainer(ctx, containerName); err != nil {
		return err
	}
	if _, err := s.client.FPutObject(ctx, containerName, blobName, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("failed to upload file %s to %s/%s: %w", localPath, containerName, blobName, err)
	}
	return nil
}

// DownloadToFile はBlobをローカルファイルへダウンロードします。
func (s *Store) DownloadToFile(ctx context.Context, containerName, blobName, localPath string) error {
	if err := s.client.FGetObject(ctx, containerName, blobName, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download %s/%s: %w", containerName, blobName, err)
	}
	return nil
}

// DownloadToBuffer はBlobをメモリに読み込みます。
func (s *Store) DownloadToBuffer(ctx context.Context, containerName, blobName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, containerName, blobName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s/%s: %w", containerName, blobName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", containerName, blobName, err)
	}
	return data, nil
}

// OpenStream はBlobをストリームとして開き、リーダーとサイズを返します。
// 呼び出し側がCloseする責務を負います。
func (s *Store) OpenStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error) {
	stat, err := s.client.StatObject(ctx, containerName, blobName, minio.StatObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat %s/%s: %w", containerName, blobName, err)
	}
	obj, err := s.client.GetObject(ctx, containerName, blobName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s/%s: %w", containerName, blobName, err)
	}
	return obj, stat.Size, nil
}

// Delete はBlobを削除します。冪等で、存在しないBlob・コンテナはエラーになりません。
func (s *Store) Delete(ctx context.Context, containerName, blobName string) error {
	err := s.client.RemoveObject(ctx, containerName, blobName, minio.RemoveObjectOptions{})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil
		}
		return fmt.Errorf("failed to delete %s/%s: %w", containerName, blobName, err)
	}
	return nil
}

// IsRetryable は一時的エラー（ネットワーク/5xx）と恒久的エラー（404/403等）を
// 区別します。リトライ方針は呼び出し側が決めます。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode >= 500
	}
	// HTTPレスポンスに至らなかった接続エラーはリトライ可能とみなす
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
