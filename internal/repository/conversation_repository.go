package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/model"
	"cvforge-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// ErrVersionConflict 表示写入时版本号与存储中的不一致（并发写冲突）。
var ErrVersionConflict = errors.New("conversation version conflict")

// ConversationRepository 定义了会话记录在 Redis 上的持久化操作。
type ConversationRepository interface {
	// Get 按 ID 加载会话，不存在时返回 NotFoundError。
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	// Put 写入会话。要求传入的 Version 与存储中的一致，成功后版本号自增，
	// 否则返回 ErrVersionConflict。
	Put(ctx context.Context, conv *model.Conversation) error
	// ListByUser 按更新时间倒序返回用户的全部会话。
	ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error)
	// LatestByUser 返回用户最近更新的会话，没有则返回 NotFoundError。
	LatestByUser(ctx context.Context, userID string) (*model.Conversation, error)
}

type redisConversationRepository struct {
	rdb *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(rdb *redis.Client) ConversationRepository {
	return &redisConversationRepository{rdb: rdb}
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

func userConversationsKey(userID string) string {
	return fmt.Sprintf("user:%s:conversations", userID)
}

func (r *redisConversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	data, err := r.rdb.Get(ctx, conversationKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, apperr.NewNotFound("conversation", conversationID)
	}
	if err != nil {
		return nil, apperr.NewProviderError("redis", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// Put 使用 WATCH 实现乐观锁：事务内校验存储版本后整体写入。
func (r *redisConversationRepository) Put(ctx context.Context, conv *model.Conversation) error {
	key := conversationKey(conv.ID)

	txf := func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err != redis.Nil {
			var current model.Conversation
			if uerr := json.Unmarshal(stored, &current); uerr == nil {
				if current.Version != conv.Version {
					return ErrVersionConflict
				}
			}
			// 损坏的记录直接覆盖
		} else if conv.Version != 0 {
			return ErrVersionConflict
		}

		next := *conv
		next.Version = conv.Version + 1
		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, userConversationsKey(conv.UserID), &redis.Z{
				Score:  float64(next.UpdatedAt.Unix()),
				Member: conv.ID,
			})
			return nil
		})
		if err != nil {
			return err
		}
		conv.Version = next.Version
		return nil
	}

	err := r.rdb.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return ErrVersionConflict
	}
	if errors.Is(err, ErrVersionConflict) {
		return ErrVersionConflict
	}
	if err != nil {
		return apperr.NewProviderError("redis", err)
	}
	return nil
}

func (r *redisConversationRepository) ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	ids, err := r.rdb.ZRevRange(ctx, userConversationsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, apperr.NewProviderError("redis", err)
	}

	conversations := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.Get(ctx, id)
		if err != nil {
			// 单条损坏或缺失不影响列表整体
			log.Warnf("[ConversationRepository] 跳过无法加载的会话, id: %s, err: %v", id, err)
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func (r *redisConversationRepository) LatestByUser(ctx context.Context, userID string) (*model.Conversation, error) {
	ids, err := r.rdb.ZRevRange(ctx, userConversationsKey(userID), 0, 4).Result()
	if err != nil {
		return nil, apperr.NewProviderError("redis", err)
	}
	for _, id := range ids {
		conv, err := r.Get(ctx, id)
		if err != nil {
			log.Warnf("[ConversationRepository] 跳过无法加载的会话, id: %s, err: %v", id, err)
			continue
		}
		return conv, nil
	}
	return nil, apperr.NewNotFound("conversation", "latest:"+userID)
}
