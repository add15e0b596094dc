// Package repository 提供了数据访问层的实现。
package repository

import (
	"time"

	"cvforge-go/internal/model"

	"gorm.io/gorm"
)

// ProfileRepository 接口定义了用户画像的持久化操作。
type ProfileRepository interface {
	FindByUserID(userID string) (*model.Profile, error)
	Save(profile *model.Profile) error
	// TouchEmbeddingsUpdated 记录画像最近一次被索引的时间。
	TouchEmbeddingsUpdated(userID string, at time.Time) error
}

// profileRepository 是 ProfileRepository 接口的 GORM 实现。
type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository 创建一个新的 ProfileRepository 实例。
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// FindByUserID 根据用户标识查找画像。
func (r *profileRepository) FindByUserID(userID string) (*model.Profile, error) {
	var profile model.Profile
	err := r.db.Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// Save 创建或更新画像记录。
func (r *profileRepository) Save(profile *model.Profile) error {
	return r.db.Save(profile).Error
}

// TouchEmbeddingsUpdated 更新画像的最近索引时间。
func (r *profileRepository) TouchEmbeddingsUpdated(userID string, at time.Time) error {
	return r.db.Model(&model.Profile{}).
		Where("user_id = ?", userID).
		Update("embeddings_last_updated", at).Error
}
