package service

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"cvforge-go/internal/model"
	"cvforge-go/pkg/log"
)

func init() {
	log.Quiet()
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		maxWords   int
		wantChunks int
	}{
		{name: "empty", text: "", maxWords: 10, wantChunks: 0},
		{name: "whitespace only", text: "   \n\t ", maxWords: 10, wantChunks: 0},
		{name: "single short sentence", text: "I build backend systems.", maxWords: 10, wantChunks: 1},
		{name: "two sentences fit one chunk", text: "First one. Second one.", maxWords: 10, wantChunks: 1},
		{name: "two sentences split", text: "One two three four five. Six seven eight nine ten.", maxWords: 5, wantChunks: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkText(tt.text, tt.maxWords)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("ChunkText(%q, %d) = %d chunks, want %d", tt.text, tt.maxWords, len(chunks), tt.wantChunks)
			}
		})
	}
}

func TestChunkTextRespectsWordBudget(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma delta. ", 40)
	chunks := ChunkText(text, 20)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, chunk := range chunks {
		if words := len(strings.Fields(chunk)); words > 20 {
			t.Fatalf("chunk %d has %d words, budget is 20", i, words)
		}
	}
}

func TestChunkTextOversizeSentence(t *testing.T) {
	// 单个超长句子不能被截断，独占一个分块
	text := strings.Repeat("word ", 50) + "."
	chunks := ChunkText(text, 10)
	if len(chunks) != 1 {
		t.Fatalf("oversize sentence should stay in one chunk, got %d", len(chunks))
	}
	if words := len(strings.Fields(chunks[0])); words < 50 {
		t.Fatalf("oversize sentence was truncated, got %d words", words)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{0.5, 0.2, -0.3}
	b := []float32{-0.1, 0.8, 0.4}

	if got := cosineSimilarity(a, a); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("self similarity = %v, want 1.0", got)
	}
	if ab, ba := cosineSimilarity(a, b), cosineSimilarity(b, a); math.Abs(ab-ba) > 1e-12 {
		t.Fatalf("similarity is not symmetric: %v vs %v", ab, ba)
	}
	if got := cosineSimilarity(a, []float32{1, 2}); got != 0 {
		t.Fatalf("mismatched lengths should score 0, got %v", got)
	}
}

func TestCollectSourceTexts(t *testing.T) {
	profile := &model.Profile{
		UserID:   "42",
		FullName: "Jane Dev",
		Email:    "jane@example.com",
		Phone:    "+1 555 0100",
		Headline: "Senior Backend Engineer",
		Summary:  "Ten years of distributed systems work.",
		Skills:   model.StringList{"Go", "Kafka"},
		Experience: model.ExperienceList{
			{Position: "Engineer", Company: "Acme", Duration: "2018-2024", Description: "Built pipelines."},
		},
		Education: model.EducationList{
			{Degree: "BSc", Institution: "State University"},
		},
		Certifications: model.StringList{"CKA"},
	}

	texts := collectSourceTexts(profile)
	byType := make(map[string]string)
	for _, src := range texts {
		byType[src.sourceType] = src.text
	}

	for _, want := range []string{"fullName", "email", "phone", "headline", "summary", "skills", "experience", "education", "certifications"} {
		if _, ok := byType[want]; !ok {
			t.Fatalf("missing source type %q in %v", want, byType)
		}
	}
	if !strings.Contains(byType["experience"], "Position: Engineer.") {
		t.Fatalf("experience text missing position label: %q", byType["experience"])
	}
	if !strings.Contains(byType["skills"], "Go, Kafka") {
		t.Fatalf("skills should be comma joined: %q", byType["skills"])
	}
}

// stubChunkRepo 返回固定的语义与必含分块。
type stubChunkRepo struct {
	semantic   []model.ScoredChunk
	essentials []model.ScoredChunk
	upserted   []model.EsChunk
	deleted    int
}

func (s *stubChunkRepo) DeleteByUserNamespace(ctx context.Context, userID, namespace string) error {
	s.deleted++
	return nil
}

func (s *stubChunkRepo) BulkUpsert(ctx context.Context, chunks []model.EsChunk) error {
	s.upserted = append(s.upserted, chunks...)
	return nil
}

func (s *stubChunkRepo) Search(ctx context.Context, userID, namespace string, vector []float32, candidatePool, limit int) ([]model.ScoredChunk, error) {
	return s.semantic, nil
}

func (s *stubChunkRepo) FindBySourceTypes(ctx context.Context, userID, namespace string, sourceTypes []string, limit int) ([]model.ScoredChunk, error) {
	return s.essentials, nil
}

// stubProfileRepo 持有一份固定画像。
type stubProfileRepo struct {
	profile *model.Profile
}

func (s *stubProfileRepo) FindByUserID(userID string) (*model.Profile, error) {
	return s.profile, nil
}

func (s *stubProfileRepo) Save(profile *model.Profile) error { return nil }

func (s *stubProfileRepo) TouchEmbeddingsUpdated(userID string, at time.Time) error {
	s.profile.EmbeddingsLastUpdated = &at
	return nil
}

// stubEmbeddingClient 返回固定向量。
type stubEmbeddingClient struct{}

func (s *stubEmbeddingClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (s *stubEmbeddingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestRetrieveMergePolicy(t *testing.T) {
	now := time.Now()
	chunkRepo := &stubChunkRepo{
		semantic: []model.ScoredChunk{
			{ChunkID: "c1", SourceType: "summary", Score: 0.8},
			{ChunkID: "e1", SourceType: "email", Score: 0.7}, // 与必含分块重复
			{ChunkID: "c2", SourceType: "skills", Score: 0.6},
		},
		essentials: []model.ScoredChunk{
			{ChunkID: "e1", SourceType: "email", Score: 1.0},
			{ChunkID: "e2", SourceType: "phone", Score: 1.0},
		},
	}
	svc := NewRetrievalService(
		&stubProfileRepo{profile: &model.Profile{UserID: "42", EmbeddingsLastUpdated: &now}},
		chunkRepo,
		&stubEmbeddingClient{},
	)

	results, err := svc.Retrieve(context.Background(), "42", "backend role", 3)
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}

	// 必含分块排最前，得分 1.0
	if results[0].ChunkID != "e1" || results[1].ChunkID != "e2" {
		t.Fatalf("essential chunks must come first, got %v", results)
	}
	if results[0].Score != 1.0 {
		t.Fatalf("essential chunk score = %v, want 1.0", results[0].Score)
	}

	// 去重：e1 不能出现两次
	seen := make(map[string]int)
	for _, r := range results {
		seen[r.ChunkID]++
	}
	if seen["e1"] != 1 {
		t.Fatalf("chunk e1 appeared %d times, want 1", seen["e1"])
	}
}

func TestRetrieveIndexesOnDemand(t *testing.T) {
	chunkRepo := &stubChunkRepo{}
	profileRepo := &stubProfileRepo{profile: &model.Profile{
		UserID:   "7",
		FullName: "Sam Tester",
		Summary:  "Writes tests.",
	}}
	svc := NewRetrievalService(profileRepo, chunkRepo, &stubEmbeddingClient{})

	if _, err := svc.Retrieve(context.Background(), "7", "anything", 3); err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if chunkRepo.deleted == 0 || len(chunkRepo.upserted) == 0 {
		t.Fatal("expected on-demand indexing for a never-indexed profile")
	}
	if profileRepo.profile.EmbeddingsLastUpdated == nil {
		t.Fatal("EmbeddingsLastUpdated should be stamped after indexing")
	}
}

func TestIndexProfileIdempotent(t *testing.T) {
	chunkRepo := &stubChunkRepo{}
	profileRepo := &stubProfileRepo{profile: &model.Profile{
		UserID:   "7",
		FullName: "Sam Tester",
		Summary:  "Writes tests.",
	}}
	svc := NewRetrievalService(profileRepo, chunkRepo, &stubEmbeddingClient{})

	first, err := svc.IndexProfile(context.Background(), "7")
	if err != nil {
		t.Fatalf("first IndexProfile: %v", err)
	}
	second, err := svc.IndexProfile(context.Background(), "7")
	if err != nil {
		t.Fatalf("second IndexProfile: %v", err)
	}
	if first != second {
		t.Fatalf("reindex chunk count changed: %d vs %d", first, second)
	}
	// 每次重建前都先清空旧分块
	if chunkRepo.deleted != 2 {
		t.Fatalf("expected 2 delete passes, got %d", chunkRepo.deleted)
	}
}

func TestSemanticSimilarityRange(t *testing.T) {
	svc := NewRetrievalService(&stubProfileRepo{}, &stubChunkRepo{}, &stubEmbeddingClient{})
	got, err := svc.SemanticSimilarity(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("SemanticSimilarity: %v", err)
	}
	// 相同向量的余弦相似度归一化后应为 1.0
	if math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("normalized similarity = %v, want 1.0", got)
	}
}
