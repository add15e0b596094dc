package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/config"
	"cvforge-go/internal/model"
	"cvforge-go/internal/repository"
	"cvforge-go/pkg/embedding"
	"cvforge-go/pkg/log"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// retrievalCandidateMultiplier 控制 kNN 候选池大小相对 topK 的倍数。
	retrievalCandidateMultiplier = 10
	// maxEssentialChunks 必含分块的条数上限。
	maxEssentialChunks = 5
	// maxRetrievedChunks 单次检索返回的分块总数硬上限。
	maxRetrievedChunks = 15
)

// RetrievalService 定义了用户画像的分块索引与混合检索接口。
type RetrievalService interface {
	// IndexProfile 重建用户画像的向量索引，返回写入的分块数。
	IndexProfile(ctx context.Context, userID string) (int, error)
	// Retrieve 用语义检索与必含字段兜底的混合策略取回画像分块。
	Retrieve(ctx context.Context, userID, query string, topK int) ([]model.ScoredChunk, error)
	// SemanticSimilarity 计算两段文本的余弦相似度并归一化到 [0, 1]。
	SemanticSimilarity(ctx context.Context, textA, textB string) (float64, error)
}

type retrievalService struct {
	profileRepo     repository.ProfileRepository
	chunkRepo       repository.ChunkRepository
	embeddingClient embedding.Client
	maxChunkWords   int
}

// NewRetrievalService 创建一个新的 RetrievalService。
func NewRetrievalService(profileRepo repository.ProfileRepository, chunkRepo repository.ChunkRepository, embeddingClient embedding.Client) RetrievalService {
	maxWords := config.Conf.Agent.ChunkMaxWords
	if maxWords <= 0 {
		maxWords = 150
	}
	return &retrievalService{
		profileRepo:     profileRepo,
		chunkRepo:       chunkRepo,
		embeddingClient: embeddingClient,
		maxChunkWords:   maxWords,
	}
}

// sourceText 是画像中一段待分块的文本及其来源。
type sourceText struct {
	sourceType string
	sourceID   string
	text       string
}

// ChunkText 将文本按句子边界切分为不超过 maxWords 个词的分块。
// 单个超长句子独占一个分块而不被截断。
func ChunkText(text string, maxWords int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sentences := splitSentences(text)
	var chunks []string
	var current []string
	currentWords := 0

	for _, sentence := range sentences {
		words := len(strings.Fields(sentence))
		if currentWords+words > maxWords && currentWords > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = nil
			currentWords = 0
		}
		current = append(current, sentence)
		currentWords += words
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// splitSentences 按句末标点粗粒度切句，保留标点。
func splitSentences(text string) []string {
	var sentences []string
	var builder strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		builder.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？' {
			// 小数点不是句末
			if r == '.' && i+1 < len(runes) && runes[i+1] != ' ' && runes[i+1] != '\n' {
				continue
			}
			if s := strings.TrimSpace(builder.String()); s != "" {
				sentences = append(sentences, s)
			}
			builder.Reset()
		}
	}
	if s := strings.TrimSpace(builder.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// collectSourceTexts 将画像的各个字段展开为带来源标注的文本列表。
func collectSourceTexts(profile *model.Profile) []sourceText {
	var texts []sourceText
	add := func(sourceType, sourceID, text string) {
		if strings.TrimSpace(text) != "" {
			texts = append(texts, sourceText{sourceType: sourceType, sourceID: sourceID, text: text})
		}
	}

	add("fullName", "fullName", profile.FullName)
	add("summary", "summary", profile.Summary)
	add("headline", "headline", profile.Headline)
	add("email", "email", profile.Email)
	add("phone", "phone", profile.Phone)
	add("skills", "skills", strings.Join(profile.Skills, ", "))

	for i, exp := range profile.Experience {
		var parts []string
		if exp.Position != "" {
			parts = append(parts, fmt.Sprintf("Position: %s.", exp.Position))
		}
		if exp.Company != "" {
			parts = append(parts, fmt.Sprintf("Company: %s.", exp.Company))
		}
		if exp.Duration != "" {
			parts = append(parts, fmt.Sprintf("Duration: %s.", exp.Duration))
		}
		if exp.Location != "" {
			parts = append(parts, fmt.Sprintf("Location: %s.", exp.Location))
		}
		if exp.Description != "" {
			parts = append(parts, exp.Description)
		}
		add("experience", fmt.Sprintf("experience:%d", i), strings.Join(parts, " "))
	}

	for i, edu := range profile.Education {
		var parts []string
		if edu.Degree != "" {
			parts = append(parts, fmt.Sprintf("Degree: %s.", edu.Degree))
		}
		if edu.Institution != "" {
			parts = append(parts, fmt.Sprintf("Institution: %s.", edu.Institution))
		}
		if edu.Duration != "" {
			parts = append(parts, fmt.Sprintf("Duration: %s.", edu.Duration))
		}
		if edu.Location != "" {
			parts = append(parts, fmt.Sprintf("Location: %s.", edu.Location))
		}
		add("education", fmt.Sprintf("education:%d", i), strings.Join(parts, " "))
	}

	for i, cert := range profile.Certifications {
		add("certifications", fmt.Sprintf("certifications:%d", i), cert)
	}

	return texts
}

// IndexProfile 以整体替换的方式重建索引：先删除旧分块再写入新分块，
// 重复调用结果幂等。
func (s *retrievalService) IndexProfile(ctx context.Context, userID string) (int, error) {
	profile, err := s.profileRepo.FindByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperr.NewNotFound("profile", userID)
		}
		return 0, err
	}

	now := time.Now()
	var chunks []model.EsChunk
	var texts []string
	for _, src := range collectSourceTexts(profile) {
		for _, piece := range ChunkText(src.text, s.maxChunkWords) {
			chunks = append(chunks, model.EsChunk{
				ChunkID:    uuid.NewString(),
				UserID:     userID,
				Namespace:  model.NamespaceProfile,
				SourceType: src.sourceType,
				SourceID:   src.sourceID,
				Text:       piece,
				CreatedAt:  now,
			})
			texts = append(texts, piece)
		}
	}

	if len(chunks) > 0 {
		vectors, err := s.embeddingClient.CreateEmbeddings(ctx, texts)
		if err != nil {
			return 0, err
		}
		for i := range chunks {
			chunks[i].Vector = vectors[i]
			chunks[i].ModelVersion = config.Conf.Embedding.Model
		}
	}

	if err := s.chunkRepo.DeleteByUserNamespace(ctx, userID, model.NamespaceProfile); err != nil {
		return 0, err
	}
	if len(chunks) > 0 {
		if err := s.chunkRepo.BulkUpsert(ctx, chunks); err != nil {
			return 0, err
		}
	}
	if err := s.profileRepo.TouchEmbeddingsUpdated(userID, now); err != nil {
		return 0, err
	}

	log.Infof("[RetrievalService] 画像索引重建完成, user: %s, chunks: %d", userID, len(chunks))
	return len(chunks), nil
}

// Retrieve 先做 kNN 语义检索，再补齐姓名/邮箱/电话等必含分块。
// 必含分块排在最前且得分固定为 1.0，结果按 chunk_id 去重。
func (s *retrievalService) Retrieve(ctx context.Context, userID, query string, topK int) ([]model.ScoredChunk, error) {
	profile, err := s.profileRepo.FindByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewNotFound("profile", userID)
		}
		return nil, err
	}
	if profile.EmbeddingsLastUpdated == nil {
		// 画像从未被索引过，先补建
		if _, err := s.IndexProfile(ctx, userID); err != nil {
			return nil, err
		}
	}

	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	semantic, err := s.chunkRepo.Search(ctx, userID, model.NamespaceProfile,
		queryVector, topK*retrievalCandidateMultiplier, topK)
	if err != nil {
		return nil, err
	}

	essentials, err := s.chunkRepo.FindBySourceTypes(ctx, userID, model.NamespaceProfile,
		model.EssentialSourceTypes, maxEssentialChunks)
	if err != nil {
		// 必含字段检索失败时退化为纯语义结果
		log.Warnf("[RetrievalService] 必含分块检索失败, user: %s, err: %v", userID, err)
		essentials = nil
	}

	limit := topK + len(essentials)
	if limit > maxRetrievedChunks {
		limit = maxRetrievedChunks
	}

	seen := make(map[string]bool)
	results := make([]model.ScoredChunk, 0, limit)
	for _, chunk := range essentials {
		if seen[chunk.ChunkID] || len(results) >= limit {
			continue
		}
		seen[chunk.ChunkID] = true
		results = append(results, chunk)
	}
	for _, chunk := range semantic {
		if seen[chunk.ChunkID] || len(results) >= limit {
			continue
		}
		seen[chunk.ChunkID] = true
		results = append(results, chunk)
	}
	return results, nil
}

// SemanticSimilarity 计算 (cosine + 1) / 2，结果落在 [0, 1]。
func (s *retrievalService) SemanticSimilarity(ctx context.Context, textA, textB string) (float64, error) {
	vectors, err := s.embeddingClient.CreateEmbeddings(ctx, []string{textA, textB})
	if err != nil {
		return 0, err
	}
	cos := cosineSimilarity(vectors[0], vectors[1])
	return (cos + 1) / 2, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
