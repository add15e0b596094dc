package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/model"
)

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no fences", in: `{"a":1}`, want: `{"a":1}`},
		{name: "json fence", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "surrounding whitespace", in: "  {\"a\":1}  ", want: `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFences(tt.in); got != tt.want {
				t.Fatalf("stripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseResumeJSONRejectsGarbage(t *testing.T) {
	if _, err := parseResumeJSON("sure, here is your resume!"); !apperr.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if _, err := parseResumeJSON(`["not", "an", "object"]`); !apperr.IsPrecondition(err) {
		t.Fatalf("arrays are not resumes, got %v", err)
	}
}

func TestGenerateResumeBuildsContext(t *testing.T) {
	retrieval := &stubRetrieval{chunks: []model.ScoredChunk{
		{ChunkID: "c1", SourceType: "fullName", Text: "Jane Dev", Score: 1.0},
		{ChunkID: "c2", SourceType: "summary", Text: "Distributed systems.", Score: 0.82},
	}}
	llmStub := &stubLLM{responses: []string{`{"full_name":"Jane Dev"}`}}
	svc := NewGenerationService(retrieval, llmStub)

	resume, err := svc.GenerateResume(context.Background(), "42", "Go engineer role")
	if err != nil {
		t.Fatalf("GenerateResume: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(resume, &parsed); err != nil {
		t.Fatalf("returned resume is not valid JSON: %v", err)
	}
	// 上下文必须带来源与相关度标注
	prompt := llmStub.prompts[0]
	if !strings.Contains(prompt, "Source: fullName (Relevance: 1.00)") {
		t.Fatalf("prompt missing source annotation:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Source: summary (Relevance: 0.82)") {
		t.Fatalf("prompt missing relevance score:\n%s", prompt)
	}
}

func TestGenerateResumeWithoutChunks(t *testing.T) {
	svc := NewGenerationService(&stubRetrieval{}, &stubLLM{responses: []string{"{}"}})
	if _, err := svc.GenerateResume(context.Background(), "42", "role"); !apperr.IsPrecondition(err) {
		t.Fatalf("expected precondition error for empty profile, got %v", err)
	}
}

func TestEditResumeRejectsUnparseableOutput(t *testing.T) {
	llmStub := &stubLLM{responses: []string{"I made the change you asked for!"}}
	svc := NewGenerationService(&stubRetrieval{}, llmStub)

	original := json.RawMessage(`{"full_name":"Jane"}`)
	if _, err := svc.EditResume(context.Background(), original, "shorten the summary"); !apperr.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestEditResumePromptCarriesStructureRules(t *testing.T) {
	llmStub := &stubLLM{responses: []string{`{"full_name":"Jane"}`}}
	svc := NewGenerationService(&stubRetrieval{}, llmStub)

	if _, err := svc.EditResume(context.Background(), json.RawMessage(`{"full_name":"Jane","summary":"old"}`), "remove the summary"); err != nil {
		t.Fatalf("EditResume: %v", err)
	}

	// 编辑提示词必须写明结构保持与字段删除约定
	prompt := llmStub.prompts[0]
	for _, rule := range []string{
		"Preserve the resume's JSON structure exactly",
		"DELETE that field from the JSON entirely",
		"Do not set it to null",
		"Modify only the content the instruction targets",
	} {
		if !strings.Contains(prompt, rule) {
			t.Fatalf("edit prompt missing rule %q:\n%s", rule, prompt)
		}
	}
}

func TestEditResumeAcceptsFencedOutput(t *testing.T) {
	llmStub := &stubLLM{responses: []string{"```json\n{\"full_name\":\"Jane\",\"summary\":\"Short.\"}\n```"}}
	svc := NewGenerationService(&stubRetrieval{}, llmStub)

	edited, err := svc.EditResume(context.Background(), json.RawMessage(`{"full_name":"Jane"}`), "shorten")
	if err != nil {
		t.Fatalf("EditResume: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(edited, &parsed); err != nil {
		t.Fatalf("edited resume is not valid JSON: %v", err)
	}
	if parsed["summary"] != "Short." {
		t.Fatalf("edit not applied: %v", parsed)
	}
}
