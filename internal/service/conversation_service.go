// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"time"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/model"
	"cvforge-go/internal/repository"
	"cvforge-go/pkg/log"

	"github.com/google/uuid"
)

// ConversationService 定义了会话生命周期的业务逻辑接口。
type ConversationService interface {
	// GetOrCreate 解析会话：指定 ID 命中则续用；未指定则续用用户最近
	// 的会话；都没有则新建。
	GetOrCreate(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	// Get 按 ID 加载会话。
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	// Save 持久化会话（乐观锁版本校验）。
	Save(ctx context.Context, conv *model.Conversation) error
	// ListByUser 按更新时间倒序返回用户的全部会话。
	ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error)
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

func (s *conversationService) GetOrCreate(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	if conversationID != "" {
		conv, err := s.repo.Get(ctx, conversationID)
		if err == nil {
			return conv, nil
		}
		if !apperr.IsNotFound(err) {
			return nil, err
		}
		log.Warnf("[ConversationService] 指定的会话不存在, 新建会话, id: %s", conversationID)
	} else {
		// 未指定会话 ID 时隐式续接最近一次会话
		conv, err := s.repo.LatestByUser(ctx, userID)
		if err == nil {
			return conv, nil
		}
		if !apperr.IsNotFound(err) {
			return nil, err
		}
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Messages:  []model.ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   0,
	}
	log.Infof("[ConversationService] 创建新会话, user: %s, id: %s", userID, conv.ID)
	return conv, nil
}

func (s *conversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.repo.Get(ctx, conversationID)
}

func (s *conversationService) Save(ctx context.Context, conv *model.Conversation) error {
	conv.UpdatedAt = time.Now()
	return s.repo.Put(ctx, conv)
}

func (s *conversationService) ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	return s.repo.ListByUser(ctx, userID)
}
