// Package tasks 定义了发送到 Kafka 的任务结构。
package tasks

// ProfileIndexTask 代表一次异步的画像向量化索引任务。
type ProfileIndexTask struct {
	UserID string `json:"user_id"`
	// Reason 记录触发来源（例如 "api"、"profile_updated"），仅用于日志排查。
	Reason string `json:"reason"`
}
