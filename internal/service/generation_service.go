package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/config"
	"cvforge-go/pkg/llm"
	"cvforge-go/pkg/log"
)

// fullResumePrompt 用检索到的画像片段生成一份完整的定制简历。
const fullResumePrompt = `You are a professional resume writer.
Using ONLY the candidate information provided below, write a complete resume tailored to the target job description.
Do not invent facts that are not present in the candidate information.

Candidate information:
%s

Target job description:
%s

Respond with a single JSON object and nothing else, using this structure:
{
  "full_name": "...",
  "contact": {"email": "...", "phone": "..."},
  "headline": "...",
  "summary": "...",
  "skills": ["..."],
  "experience": [{"position": "...", "company": "...", "duration": "...", "highlights": ["..."]}],
  "education": [{"degree": "...", "institution": "...", "duration": "..."}],
  "certifications": ["..."]
}`

// editResumePrompt 对既有简历执行一次修改指令，要求返回完整 JSON。
const editResumePrompt = `You are a professional resume editor.
Apply the user's instruction to the resume below and return the COMPLETE modified resume.

CRITICAL RULES:
1. Preserve the resume's JSON structure exactly. Do not add, rename or reorder fields beyond what the instruction requires.
2. If asked to remove a summary, profile or objective section, DELETE that field from the JSON entirely. Do not set it to null or an empty string.
3. Modify only the content the instruction targets. Leave every other field unchanged.

Current resume (JSON):
%s

Instruction:
%s

Respond with the full modified resume as a single JSON object. Output JSON only.`

// GenerationService 定义了简历生成与编辑的接口。
type GenerationService interface {
	// GenerateResume 基于画像检索结果生成一份面向职位描述的简历。
	GenerateResume(ctx context.Context, userID, jobDescription string) (json.RawMessage, error)
	// EditResume 按指令修改简历。模型输出不可解析时返回错误，原简历保持不变。
	EditResume(ctx context.Context, currentResume json.RawMessage, instruction string) (json.RawMessage, error)
}

type generationService struct {
	retrievalService RetrievalService
	llmClient        llm.Client
}

// NewGenerationService 创建一个新的 GenerationService。
func NewGenerationService(retrievalService RetrievalService, llmClient llm.Client) GenerationService {
	return &generationService{retrievalService: retrievalService, llmClient: llmClient}
}

func (s *generationService) GenerateResume(ctx context.Context, userID, jobDescription string) (json.RawMessage, error) {
	topK := config.Conf.Agent.TopK
	if topK <= 0 {
		topK = 7
	}
	query := jobDescription
	if strings.TrimSpace(query) == "" {
		query = "complete professional background"
	}

	chunks, err := s.retrievalService.Retrieve(ctx, userID, query, topK)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, apperr.NewPrecondition("no profile data available to build a resume from")
	}

	var contextBuilder strings.Builder
	for _, chunk := range chunks {
		contextBuilder.WriteString(fmt.Sprintf("Source: %s (Relevance: %.2f)\n%s\n\n",
			chunk.SourceType, chunk.Score, chunk.Text))
	}

	prompt := fmt.Sprintf(fullResumePrompt, contextBuilder.String(), jobDescription)
	raw, err := s.llmClient.Complete(ctx, prompt, true)
	if err != nil {
		return nil, err
	}

	resume, err := parseResumeJSON(raw)
	if err != nil {
		return nil, err
	}
	log.Infof("[GenerationService] 简历生成完成, user: %s, chunks: %d", userID, len(chunks))
	return resume, nil
}

func (s *generationService) EditResume(ctx context.Context, currentResume json.RawMessage, instruction string) (json.RawMessage, error) {
	prompt := fmt.Sprintf(editResumePrompt, string(currentResume), instruction)
	raw, err := s.llmClient.Complete(ctx, prompt, true)
	if err != nil {
		return nil, err
	}
	return parseResumeJSON(raw)
}

// parseResumeJSON 剥掉可能的代码围栏后校验简历是合法 JSON 对象。
func parseResumeJSON(raw string) (json.RawMessage, error) {
	cleaned := stripCodeFences(raw)

	var probe map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, apperr.NewPrecondition("model did not return a valid resume JSON object")
	}
	return json.RawMessage(cleaned), nil
}

// stripCodeFences 去除 ```json ... ``` 样式的包裹。
func stripCodeFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned
}
