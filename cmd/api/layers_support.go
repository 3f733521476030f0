package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/scene-forge/internal/auth"
	"github.com/yourusername/scene-forge/internal/layers"
)

// layerRecords はオーナー向けレイヤーレコードの操作面です。
// 実装は layers.Store です。
type layerRecords interface {
	Get(ctx context.Context, layerID string) (*layers.BaseLayer, error)
	Delete(ctx context.Context, layerID string) error
	ListByOwner(ctx context.Context, ownerID string) ([]layers.BaseLayer, error)
}

func listLayersHandler(records layerRecords) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := auth.CurrentUser(c)
		list, err := records.ListByOwner(c.Request.Context(), owner)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "レイヤー一覧の取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"layers": list})
	}
}

func getLayerHandler(records layerRecords) gin.HandlerFunc {
	return func(c *gin.Context) {
		layer, ok := loadOwnedLayer(c, records)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, layer)
	}
}

func deleteLayerHandler(records layerRecords) gin.HandlerFunc {
	return func(c *gin.Context) {
		layer, ok := loadOwnedLayer(c, records)
		if !ok {
			return
		}
		if err := records.Delete(c.Request.Context(), layer.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "レイヤーの削除に失敗しました。",
			})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// loadOwnedLayer はパスのレイヤーIDを解決し、リクエスト主体が所有していること
// を確認します。他人のレイヤーと存在しないレイヤーは区別せずに404を返します。
func loadOwnedLayer(c *gin.Context, records layerRecords) (*layers.BaseLayer, bool) {
	layerID := strings.TrimSpace(c.Param("id"))
	if layerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "レイヤーIDを指定してください。",
		})
		return nil, false
	}

	layer, err := records.Get(c.Request.Context(), layerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "レイヤーの取得に失敗しました。",
		})
		return nil, false
	}
	if layer == nil || layer.OwnerID != auth.CurrentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "LAYER_NOT_FOUND",
			"message": "指定されたレイヤーは存在しません。",
		})
		return nil, false
	}
	return layer, true
}
