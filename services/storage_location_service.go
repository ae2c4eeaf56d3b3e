package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// StorageLocationService 管理本地存储位置
type StorageLocationService struct {
	db    *gorm.DB
	mover *StorageMover
}

// NewStorageLocationService 创建存储位置服务
func NewStorageLocationService(db *gorm.DB, mover *StorageMover) *StorageLocationService {
	return &StorageLocationService{db: db, mover: mover}
}

// StorageLocationInput 创建或更新存储位置的参数
type StorageLocationInput struct {
	Name     string `json:"name"`
	BasePath string `json:"base_path"`
}

// List 列出所有存储位置
func (s *StorageLocationService) List(ctx context.Context) ([]models.StorageLocation, error) {
	var locations []models.StorageLocation
	err := s.db.WithContext(ctx).Order("name ASC").Find(&locations).Error
	return locations, err
}

// Get 获取存储位置
func (s *StorageLocationService) Get(ctx context.Context, id uint) (*models.StorageLocation, error) {
	var location models.StorageLocation
	if err := s.db.WithContext(ctx).First(&location, id).Error; err != nil {
		return nil, err
	}
	return &location, nil
}

// Create 创建存储位置，base_path 不能与已有位置重叠
func (s *StorageLocationService) Create(ctx context.Context, in StorageLocationInput) (*models.StorageLocation, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalidf("name 不能为空")
	}
	base, err := normalizeBasePath(in.BasePath)
	if err != nil {
		return nil, err
	}
	if base, err = s.mover.ValidateTarget(ctx, &models.StorageLocation{BasePath: base}, base); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	location := &models.StorageLocation{Name: name, BasePath: base}
	if err := s.db.WithContext(ctx).Create(location).Error; err != nil {
		return nil, err
	}
	log.Info().Msgf("📁 已创建存储位置 %s -> %s", name, base)
	return location, nil
}

// Update 更新名称；base_path 变化时迁移已有文件
func (s *StorageLocationService) Update(ctx context.Context, id uint, in StorageLocationInput) (*models.StorageLocation, *models.MoveResult, error) {
	location, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var moved *models.MoveResult
	if in.BasePath != "" && filepath.Clean(in.BasePath) != filepath.Clean(location.BasePath) {
		base, err := normalizeBasePath(in.BasePath)
		if err != nil {
			return nil, nil, err
		}
		if moved, err = s.mover.Move(ctx, id, base); err != nil {
			return nil, nil, err
		}
	}

	if name := strings.TrimSpace(in.Name); name != "" && name != location.Name {
		if err := s.db.WithContext(ctx).Model(&models.StorageLocation{}).Where("id = ?", id).Update("name", name).Error; err != nil {
			return nil, moved, err
		}
	}

	location, err = s.Get(ctx, id)
	return location, moved, err
}
