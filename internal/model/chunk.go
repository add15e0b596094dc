package model

import "time"

// NamespaceProfile 是画像分块所在的默认命名空间。
const NamespaceProfile = "profile"

// EssentialSourceTypes 列出身份关键字段的来源类型。
// 这些分块在检索时无条件返回，不受语义排序影响。
var EssentialSourceTypes = []string{"fullName", "email", "phone"}

// EsChunk 代表存储在 Elasticsearch 中的画像分块文档。
type EsChunk struct {
	ChunkID      string    `json:"chunk_id"`
	UserID       string    `json:"user_id"`
	Namespace    string    `json:"namespace"`
	SourceType   string    `json:"source_type"`
	SourceID     string    `json:"source_id"`
	Text         string    `json:"text"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScoredChunk 是检索返回的分块及其相似度得分。
// 必含分块（姓名/邮箱/电话）的得分固定为 1.0。
type ScoredChunk struct {
	ChunkID    string  `json:"chunkId"`
	SourceType string  `json:"sourceType"`
	SourceID   string  `json:"sourceId"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}
