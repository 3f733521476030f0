package layers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BaseLayer はオーナー向けに公開されるレイヤーレコードです。変換ジョブの
// 進行に合わせてStatusとProgressが更新されます。
type BaseLayer struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Type      string    `gorm:"not null" json:"type"` // TERRAIN | 3D-TILES
	Status    string    `gorm:"not null;default:PENDING" json:"status"`
	Progress  int       `gorm:"not null;default:0" json:"progress"`
	SizeGB    float64   `gorm:"column:size_gb" json:"sizeGB"`
	OwnerID   string    `gorm:"index" json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store はBaseLayerレコードの永続化を担います。
type Store struct {
	db *gorm.DB
}

// Open はPostgreSQLへ接続し、スキーマを最新化したStoreを返します。
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.AutoMigrate(&BaseLayer{}); err != nil {
		return nil, fmt.Errorf("failed to migrate base layers: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore は既存の接続からStoreを作ります。テスト用。
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateLayer は新しいレイヤーレコードを作成し、そのIDを返します。
func (s *Store) CreateLayer(ctx context.Context, name, layerType, ownerID string, sizeGB float64) (string, error) {
	layer := &BaseLayer{
		ID:      uuid.NewString(),
		Name:    name,
		Type:    layerType,
		Status:  "PENDING",
		SizeGB:  sizeGB,
		OwnerID: ownerID,
	}
	if err := s.db.WithContext(ctx).Create(layer).Error; err != nil {
		return "", fmt.Errorf("failed to create layer: %w", err)
	}
	return layer.ID, nil
}

// SyncStatus はジョブの決着をレイヤーレコードへ反映します。
// 存在しないIDは黙って無視します（レコードが先に削除されていても
// ジョブの決着を妨げない）。
func (s *Store) SyncStatus(ctx context.Context, layerID string, progress int, status string) error {
	result := s.db.WithContext(ctx).Model(&BaseLayer{}).
		Where("id = ?", layerID).
		Updates(map[string]any{
			"status":   status,
			"progress": progress,
		})
	return result.Error
}

// ListByOwner はオーナーのレイヤーを新しい順に返します。
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]BaseLayer, error) {
	var out []BaseLayer
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	return out, nil
}

// Get は単一レイヤーを返します。見つからない場合は (nil, nil)。
func (s *Store) Get(ctx context.Context, layerID string) (*BaseLayer, error) {
	var layer BaseLayer
	err := s.db.WithContext(ctx).First(&layer, "id = ?", layerID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load layer: %w", err)
	}
	return &layer, nil
}

// Delete はレイヤーレコードを削除します。
func (s *Store) Delete(ctx context.Context, layerID string) error {
	return s.db.WithContext(ctx).Delete(&BaseLayer{}, "id = ?", layerID).Error
}
