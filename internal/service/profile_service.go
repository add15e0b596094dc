package service

import (
	"context"
	"errors"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/model"
	"cvforge-go/internal/repository"
	"cvforge-go/pkg/kafka"
	"cvforge-go/pkg/log"
	"cvforge-go/pkg/tasks"

	"gorm.io/gorm"
)

// ProfileService 定义了用户画像的读写与索引触发接口。
type ProfileService interface {
	// Get 返回用户画像，不存在时返回 NotFoundError。
	Get(ctx context.Context, userID string) (*model.Profile, error)
	// Save 保存画像并异步触发向量索引重建。
	Save(ctx context.Context, profile *model.Profile) error
	// Reindex 同步重建画像索引，返回分块数。
	Reindex(ctx context.Context, userID string) (int, error)
	// ReindexAsync 把索引重建任务投递到消息队列。
	ReindexAsync(ctx context.Context, userID, reason string) error
}

type profileService struct {
	profileRepo      repository.ProfileRepository
	retrievalService RetrievalService
}

// NewProfileService 创建一个新的 ProfileService。
func NewProfileService(profileRepo repository.ProfileRepository, retrievalService RetrievalService) ProfileService {
	return &profileService{
		profileRepo:      profileRepo,
		retrievalService: retrievalService,
	}
}

func (s *profileService) Get(ctx context.Context, userID string) (*model.Profile, error) {
	profile, err := s.profileRepo.FindByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewNotFound("profile", userID)
		}
		return nil, err
	}
	return profile, nil
}

// Save 保存画像后把索引标记为过期（清空索引时间戳），并投递异步重建任务。
func (s *profileService) Save(ctx context.Context, profile *model.Profile) error {
	profile.EmbeddingsLastUpdated = nil
	if err := s.profileRepo.Save(profile); err != nil {
		return err
	}
	if err := s.ReindexAsync(ctx, profile.UserID, "profile updated"); err != nil {
		// 投递失败只告警：下一次检索会按需补建索引
		log.Warnf("[ProfileService] 索引任务投递失败, user: %s, err: %v", profile.UserID, err)
	}
	return nil
}

func (s *profileService) Reindex(ctx context.Context, userID string) (int, error) {
	return s.retrievalService.IndexProfile(ctx, userID)
}

func (s *profileService) ReindexAsync(ctx context.Context, userID, reason string) error {
	return kafka.ProduceIndexTask(tasks.ProfileIndexTask{UserID: userID, Reason: reason})
}
