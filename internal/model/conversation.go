// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"time"
)

// ChatMessage 代表对话历史中的单条消息。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation 代表一次多轮简历对话的完整状态。
// 消息历史只增不减；CurrentResume 始终指向该对话最近一次
// 成功生成或编辑的简历文档。
type Conversation struct {
	ID             string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	JobDescription string          `json:"jobDescription,omitempty"`
	CurrentResume  json.RawMessage `json:"currentResume,omitempty"`
	LastScore      *ScoreResult    `json:"lastScore,omitempty"`
	Messages       []ChatMessage   `json:"messages"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	// Version 是乐观并发控制的版本戳，提交时不匹配则拒绝写入。
	Version int64 `json:"version"`
}

// HasResume 报告该对话是否已持有简历文档。
func (c *Conversation) HasResume() bool {
	return len(c.CurrentResume) > 0
}

// AppendMessage 向消息历史追加一条消息并更新时间戳。
func (c *Conversation) AppendMessage(role, content string) {
	now := time.Now()
	c.Messages = append(c.Messages, ChatMessage{Role: role, Content: content, Timestamp: now})
	c.UpdatedAt = now
}

// ChatRequest 是对外暴露的对话操作入参。
type ChatRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	Message        string `json:"message" binding:"required"`
	JobDescription string `json:"job_description"`
	ConversationID string `json:"conversation_id"`
}

// ChatResponse 是对话操作的出参。
type ChatResponse struct {
	Response       string          `json:"response"`
	ConversationID string          `json:"conversation_id"`
	ResumeJSON     json.RawMessage `json:"resume_json,omitempty"`
	Score          *ScoreResult    `json:"ats_score,omitempty"`
	Suggestions    []string        `json:"suggestions,omitempty"`
}
