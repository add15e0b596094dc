package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"cvforge-go/internal/model"
	"cvforge-go/pkg/llm"
	"cvforge-go/pkg/log"
)

const (
	semanticWeight = 0.4
	keywordWeight  = 0.6
)

// keywordExtractionPrompt 要求模型从职位描述中抽取硬技能关键词。
const keywordExtractionPrompt = `You are an ATS (Applicant Tracking System) keyword analyzer.
Extract the 10-15 most important hard skills, technologies and qualifications from the job description below.
Focus on concrete, matchable terms (e.g. "Python", "Kubernetes", "CPA"), not soft skills.

Job description:
%s

Respond with a JSON object of the form {"keywords": ["keyword1", "keyword2", ...]} and nothing else.`

// suggestionPrompt 要求模型基于画像上下文和缺失关键词给出改进建议。
const suggestionPrompt = `You are a professional resume coach.
Given the candidate's profile context, the resume, the target job description and the list of keywords missing from the resume,
produce 5-8 concrete, actionable suggestions to improve the resume for this job.
Only suggest adding a keyword if the profile context shows the candidate genuinely has that experience.

Candidate profile context:
%s

Resume:
%s

Job description:
%s

Missing keywords: %s

Respond with a JSON object of the form {"suggestions": ["...", "..."]} and nothing else.`

// fallbackSuggestions 是建议生成失败时返回的固定回复。
var fallbackSuggestions = []string{
	"I apologize, I could not generate specific suggestions at this time.",
	"Please review the missing keywords above and consider incorporating them into your resume where they genuinely apply.",
	"Make sure your most relevant experience is described with concrete, quantified achievements.",
	"Tailor your summary section to mirror the language of the job description.",
	"Double-check that your skills section lists the technologies the role explicitly asks for.",
}

// ScoreService 定义了简历与职位描述的匹配度评估接口。
type ScoreService interface {
	// Score 计算复合匹配分：0.4 语义 + 0.6 关键词覆盖率。
	Score(ctx context.Context, resumeText, jobDescription string) (*model.ScoreResult, error)
	// Suggest 基于用户画像上下文和缺失关键词生成 5-8 条改进建议。
	Suggest(ctx context.Context, userID, resumeText, jobDescription string, missingKeywords []string) []string
}

type scoreService struct {
	retrievalService RetrievalService
	llmClient        llm.Client
}

// NewScoreService 创建一个新的 ScoreService。
func NewScoreService(retrievalService RetrievalService, llmClient llm.Client) ScoreService {
	return &scoreService{retrievalService: retrievalService, llmClient: llmClient}
}

func (s *scoreService) Score(ctx context.Context, resumeText, jobDescription string) (*model.ScoreResult, error) {
	semanticScore, err := s.retrievalService.SemanticSimilarity(ctx, resumeText, jobDescription)
	if err != nil {
		return nil, err
	}

	keywords := s.extractKeywords(ctx, jobDescription)
	keywordScore, missing := keywordCoverage(resumeText, keywords)

	result := &model.ScoreResult{
		FinalScore:      round3(semanticWeight*semanticScore + keywordWeight*keywordScore),
		SemanticScore:   round3(semanticScore),
		KeywordScore:    round3(keywordScore),
		MissingKeywords: missing,
	}
	log.Infof("[ScoreService] 评分完成, final: %.3f, semantic: %.3f, keyword: %.3f, missing: %d",
		result.FinalScore, result.SemanticScore, result.KeywordScore, len(result.MissingKeywords))
	return result, nil
}

// extractKeywords 从职位描述中抽取关键词。抽取失败时返回空列表，
// 上层按满分兜底（fail-open），不让评分整体失败。
func (s *scoreService) extractKeywords(ctx context.Context, jobDescription string) []string {
	raw, err := s.llmClient.Complete(ctx, fmt.Sprintf(keywordExtractionPrompt, jobDescription), true)
	if err != nil {
		log.Warnf("[ScoreService] 关键词抽取调用失败: %v", err)
		return nil
	}

	var parsed struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		log.Warnf("[ScoreService] 关键词抽取结果不是合法 JSON: %v", err)
		return nil
	}

	keywords := make([]string, 0, len(parsed.Keywords))
	for _, kw := range parsed.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

// keywordCoverage 用不区分大小写的子串匹配统计关键词覆盖率。
// 关键词列表为空时覆盖率记为 1.0。
func keywordCoverage(resumeText string, keywords []string) (float64, []string) {
	if len(keywords) == 0 {
		return 1.0, []string{}
	}
	lowerResume := strings.ToLower(resumeText)
	missing := []string{}
	for _, kw := range keywords {
		if !strings.Contains(lowerResume, strings.ToLower(kw)) {
			missing = append(missing, kw)
		}
	}
	found := len(keywords) - len(missing)
	return float64(found) / float64(len(keywords)), missing
}

func (s *scoreService) Suggest(ctx context.Context, userID, resumeText, jobDescription string, missingKeywords []string) []string {
	profileContext := s.profileContext(ctx, userID, missingKeywords)
	prompt := fmt.Sprintf(suggestionPrompt, profileContext, resumeText, jobDescription, strings.Join(missingKeywords, ", "))
	raw, err := s.llmClient.Complete(ctx, prompt, true)
	if err != nil {
		log.Warnf("[ScoreService] 建议生成调用失败: %v", err)
		return fallbackSuggestions
	}

	var parsed struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || len(parsed.Suggestions) == 0 {
		log.Warnf("[ScoreService] 建议生成结果不可解析")
		return fallbackSuggestions
	}
	return parsed.Suggestions
}

// profileContext 按缺失关键词检索少量画像分块，为建议提供事实依据。
// 检索失败时降级为空上下文，不影响建议生成。
func (s *scoreService) profileContext(ctx context.Context, userID string, missingKeywords []string) string {
	if strings.TrimSpace(userID) == "" {
		return "(none)"
	}
	query := strings.Join(missingKeywords, " ")
	if strings.TrimSpace(query) == "" {
		query = "professional background overview"
	}
	chunks, err := s.retrievalService.Retrieve(ctx, userID, query, 3)
	if err != nil {
		log.Warnf("[ScoreService] 建议上下文检索失败: %v", err)
		return "(none)"
	}
	if len(chunks) == 0 {
		return "(none)"
	}
	var builder strings.Builder
	for _, chunk := range chunks {
		builder.WriteString(fmt.Sprintf("- [%s] %s\n", chunk.SourceType, chunk.Text))
	}
	return strings.TrimSpace(builder.String())
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
