// Package pipeline 定义了画像异步索引的处理流程。
package pipeline

import (
	"context"

	"cvforge-go/internal/service"
	"cvforge-go/pkg/log"
	"cvforge-go/pkg/tasks"
)

// Processor 消费画像索引任务并触发索引重建。
type Processor struct {
	retrievalService service.RetrievalService
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(retrievalService service.RetrievalService) *Processor {
	return &Processor{retrievalService: retrievalService}
}

// Process 处理一条画像索引任务。
func (p *Processor) Process(ctx context.Context, task tasks.ProfileIndexTask) error {
	log.Infof("[Processor] 开始重建画像索引, UserID: %s, Reason: %s", task.UserID, task.Reason)

	count, err := p.retrievalService.IndexProfile(ctx, task.UserID)
	if err != nil {
		log.Errorf("[Processor] 画像索引重建失败, UserID: %s, Error: %v", task.UserID, err)
		return err
	}

	log.Infof("[Processor] 画像索引重建完成, UserID: %s, 分块数: %d", task.UserID, count)
	return nil
}
