package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/model"
	"cvforge-go/internal/repository"
)

// stubConversationService 持有会话并记录保存调用。conflicts 大于零时
// Save 先返回版本冲突，fresh 是冲突后 Get 读到的最新版本。
type stubConversationService struct {
	conv      *model.Conversation
	convs     []*model.Conversation
	fresh     *model.Conversation
	conflicts int
	saved     int
}

func (s *stubConversationService) GetOrCreate(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	return s.conv, nil
}

func (s *stubConversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if s.fresh != nil {
		return s.fresh, nil
	}
	return s.conv, nil
}

func (s *stubConversationService) Save(ctx context.Context, conv *model.Conversation) error {
	if s.conflicts > 0 {
		s.conflicts--
		return repository.ErrVersionConflict
	}
	s.saved++
	return nil
}

func (s *stubConversationService) ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	if s.convs != nil {
		return s.convs, nil
	}
	return []*model.Conversation{s.conv}, nil
}

// stubGenerationService 返回预置的简历或错误。
type stubGenerationService struct {
	resume        json.RawMessage
	generateErr   error
	editErr       error
	edited        json.RawMessage
	generateCalls int
	editCalls     int
}

func (s *stubGenerationService) GenerateResume(ctx context.Context, userID, jobDescription string) (json.RawMessage, error) {
	s.generateCalls++
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return s.resume, nil
}

func (s *stubGenerationService) EditResume(ctx context.Context, currentResume json.RawMessage, instruction string) (json.RawMessage, error) {
	s.editCalls++
	if s.editErr != nil {
		return nil, s.editErr
	}
	return s.edited, nil
}

// stubScoreService 返回预置评分并记录调用。
type stubScoreService struct {
	result          *model.ScoreResult
	scoreCalls      int
	suggestCalled   bool
	suggestKeywords []string
}

func (s *stubScoreService) Score(ctx context.Context, resumeText, jobDescription string) (*model.ScoreResult, error) {
	s.scoreCalls++
	return s.result, nil
}

func (s *stubScoreService) Suggest(ctx context.Context, userID, resumeText, jobDescription string, missingKeywords []string) []string {
	s.suggestCalled = true
	s.suggestKeywords = missingKeywords
	return []string{"suggestion"}
}

func newConv() *model.Conversation {
	now := time.Now()
	return &model.Conversation{
		ID:        "conv-1",
		UserID:    "42",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func plannerJSON(reply string, tools ...string) []string {
	calls := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		calls = append(calls, map[string]interface{}{"tool": tool})
	}
	b, _ := json.Marshal(map[string]interface{}{"reply": reply, "tool_calls": calls})
	return []string{string(b)}
}

func TestChatGeneratesResumeAndScores(t *testing.T) {
	conv := newConv()
	conv.JobDescription = "Senior Go engineer"
	convSvc := &stubConversationService{conv: conv}
	genSvc := &stubGenerationService{resume: json.RawMessage(`{"full_name":"Jane"}`)}
	scoreSvc := &stubScoreService{result: &model.ScoreResult{FinalScore: 0.75, MissingKeywords: []string{"Rust"}}}
	llmStub := &stubLLM{responses: plannerJSON("", "generate_resume")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, genSvc, scoreSvc, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "build my resume"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if resp.ResumeJSON == nil {
		t.Fatal("response should carry the generated resume")
	}
	if resp.Score == nil || resp.Score.FinalScore != 0.75 {
		t.Fatalf("response score = %+v, want 0.75", resp.Score)
	}
	if convSvc.saved != 1 {
		t.Fatalf("conversation saved %d times, want 1", convSvc.saved)
	}
	// 一轮对话留下 user + assistant 两条消息
	if len(conv.Messages) != 2 {
		t.Fatalf("conversation has %d messages, want 2", len(conv.Messages))
	}
	if resp.Response == "" {
		t.Fatal("reply must never be empty")
	}
}

func TestJobDescriptionChangeClearsScore(t *testing.T) {
	conv := newConv()
	conv.JobDescription = "old role"
	conv.LastScore = &model.ScoreResult{FinalScore: 0.9}
	convSvc := &stubConversationService{conv: conv}
	llmStub := &stubLLM{responses: plannerJSON("Got the new job description.")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, &stubScoreService{}, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{
		UserID:         "42",
		Message:        "here is another role",
		JobDescription: "completely different role",
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if conv.LastScore != nil || resp.Score != nil {
		t.Fatal("stale score must be cleared when the job description changes")
	}
	if conv.JobDescription != "completely different role" {
		t.Fatalf("job description not updated: %q", conv.JobDescription)
	}
}

func TestEditFailureKeepsResume(t *testing.T) {
	conv := newConv()
	original := json.RawMessage(`{"full_name":"Jane"}`)
	conv.CurrentResume = original
	convSvc := &stubConversationService{conv: conv}
	genSvc := &stubGenerationService{editErr: apperr.NewPrecondition("model did not return a valid resume JSON object")}
	llmStub := &stubLLM{responses: plannerJSON("", "edit_resume")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, genSvc, &stubScoreService{}, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "reword the summary"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if genSvc.editCalls != 1 {
		t.Fatalf("edit called %d times, want 1", genSvc.editCalls)
	}
	if string(conv.CurrentResume) != string(original) {
		t.Fatal("failed edit must leave the resume unchanged")
	}
	if string(resp.ResumeJSON) != string(original) {
		t.Fatal("response must still carry the original resume")
	}
}

func TestSuggestionsSkipModelWhenNothingMissing(t *testing.T) {
	conv := newConv()
	conv.CurrentResume = json.RawMessage(`{"full_name":"Jane"}`)
	conv.JobDescription = "role"
	conv.LastScore = &model.ScoreResult{FinalScore: 0.95, MissingKeywords: []string{}}
	convSvc := &stubConversationService{conv: conv}
	scoreSvc := &stubScoreService{}
	llmStub := &stubLLM{responses: plannerJSON("", "get_suggestions")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, scoreSvc, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "how can I improve?"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if scoreSvc.suggestCalled {
		t.Fatal("Suggest must not be called when no keywords are missing")
	}
	if resp.Response == "" {
		t.Fatal("reply must never be empty")
	}
}

func TestPlannerGarbageFallsBackToPlainReply(t *testing.T) {
	conv := newConv()
	convSvc := &stubConversationService{conv: conv}
	genSvc := &stubGenerationService{}
	llmStub := &stubLLM{responses: []string{"I can definitely help with resumes!"}}

	svc := NewAgentService(convSvc, &stubRetrieval{}, genSvc, &stubScoreService{}, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	// 三轮纠偏全部失败：把原始文本当回复，不执行任何工具
	if llmStub.calls != 3 {
		t.Fatalf("planner called %d times, want 3 corrective attempts", llmStub.calls)
	}
	if genSvc.editCalls != 0 {
		t.Fatal("no tools may run when the planner output never parses")
	}
	if resp.Response != "I can definitely help with resumes!" {
		t.Fatalf("unexpected fallback reply: %q", resp.Response)
	}
}

func TestGenerateWithoutJobDescriptionAsksForIt(t *testing.T) {
	conv := newConv()
	convSvc := &stubConversationService{conv: conv}
	llmStub := &stubLLM{responses: plannerJSON("", "generate_resume")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, &stubScoreService{}, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "make me a resume"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.ResumeJSON != nil {
		t.Fatal("no resume may be generated without a job description")
	}
	if resp.Response == "" {
		t.Fatal("reply must explain the missing job description")
	}
}

func TestGenerateResumeReturnsExistingResume(t *testing.T) {
	conv := newConv()
	conv.JobDescription = "Senior Go engineer"
	convSvc := &stubConversationService{conv: conv}
	genSvc := &stubGenerationService{resume: json.RawMessage(`{"full_name":"Jane"}`)}
	scoreSvc := &stubScoreService{result: &model.ScoreResult{FinalScore: 0.8}}
	llmStub := &stubLLM{responses: plannerJSON("", "generate_resume")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, genSvc, scoreSvc, llmStub, nil)
	if _, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "build my resume"}); err != nil {
		t.Fatalf("first Chat returned error: %v", err)
	}
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "generate it again"})
	if err != nil {
		t.Fatalf("second Chat returned error: %v", err)
	}

	// 会话里已经有简历时第二次请求原样返回，不再触发生成
	if genSvc.generateCalls != 1 {
		t.Fatalf("generate called %d times, want 1", genSvc.generateCalls)
	}
	if string(resp.ResumeJSON) != `{"full_name":"Jane"}` {
		t.Fatalf("existing resume must be returned unchanged, got %s", resp.ResumeJSON)
	}
}

func TestCheckUserDataRecoversPriorConversation(t *testing.T) {
	active := newConv()
	prior := newConv()
	prior.ID = "conv-0"
	prior.JobDescription = "Staff engineer"
	prior.CurrentResume = json.RawMessage(`{"full_name":"Jane"}`)
	prior.LastScore = &model.ScoreResult{FinalScore: 0.5}
	convSvc := &stubConversationService{conv: active, convs: []*model.Conversation{active, prior}}
	scoreSvc := &stubScoreService{result: &model.ScoreResult{FinalScore: 0.71, MissingKeywords: []string{"Go"}}}
	llmStub := &stubLLM{responses: plannerJSON("", "check_user_data")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, scoreSvc, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "do you still have my data?"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	// 历史会话中的简历和职位描述被拷入当前会话
	if string(active.CurrentResume) != string(prior.CurrentResume) {
		t.Fatal("resume must be copied from the previous conversation")
	}
	if active.JobDescription != "Staff engineer" {
		t.Fatalf("job description not copied: %q", active.JobDescription)
	}
	// 拷贝后立即重算评分，响应携带新分而不是旧分
	if scoreSvc.scoreCalls != 1 {
		t.Fatalf("score recomputed %d times, want 1", scoreSvc.scoreCalls)
	}
	if resp.Score == nil || resp.Score.FinalScore != 0.71 {
		t.Fatalf("response score = %+v, want the freshly computed 0.71", resp.Score)
	}
}

func TestSuggestionsWithoutAnyScoreShortCircuit(t *testing.T) {
	conv := newConv()
	conv.CurrentResume = json.RawMessage(`{"full_name":"Jane"}`)
	conv.JobDescription = "role"
	convSvc := &stubConversationService{conv: conv}
	scoreSvc := &stubScoreService{}
	llmStub := &stubLLM{responses: plannerJSON("", "get_suggestions")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, scoreSvc, llmStub, nil)
	resp, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "any suggestions?"})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	// 任何会话里都没有评分记录：直接提示先评分，不触发任何模型调用
	if scoreSvc.scoreCalls != 0 {
		t.Fatalf("score called %d times, want 0", scoreSvc.scoreCalls)
	}
	if scoreSvc.suggestCalled {
		t.Fatal("Suggest must not run before any score exists")
	}
	if !strings.Contains(resp.Response, "calculate") {
		t.Fatalf("reply must ask the user to calculate a score first: %q", resp.Response)
	}
}

func TestSuggestionsUseScoreFromPriorConversation(t *testing.T) {
	active := newConv()
	prior := newConv()
	prior.ID = "conv-0"
	prior.JobDescription = "role"
	prior.CurrentResume = json.RawMessage(`{"full_name":"Jane"}`)
	prior.LastScore = &model.ScoreResult{FinalScore: 0.6, MissingKeywords: []string{"Rust"}}
	convSvc := &stubConversationService{conv: active, convs: []*model.Conversation{active, prior}}
	scoreSvc := &stubScoreService{}
	llmStub := &stubLLM{responses: plannerJSON("", "get_suggestions")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, scoreSvc, llmStub, nil)
	if _, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "how do I improve?"}); err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if !scoreSvc.suggestCalled {
		t.Fatal("Suggest must use the most recent score across conversations")
	}
	if len(scoreSvc.suggestKeywords) != 1 || scoreSvc.suggestKeywords[0] != "Rust" {
		t.Fatalf("suggest keywords = %v, want [Rust]", scoreSvc.suggestKeywords)
	}
	if scoreSvc.scoreCalls != 0 {
		t.Fatalf("score called %d times, want 0", scoreSvc.scoreCalls)
	}
}

func TestSuggestionsHonorKeywordsArgument(t *testing.T) {
	conv := newConv()
	conv.CurrentResume = json.RawMessage(`{"full_name":"Jane"}`)
	conv.JobDescription = "role"
	convSvc := &stubConversationService{conv: conv}
	scoreSvc := &stubScoreService{}
	llmStub := &stubLLM{responses: []string{`{"reply":"","tool_calls":[{"tool":"get_suggestions","args":{"keywords":"Go, Terraform"}}]}`}}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, scoreSvc, llmStub, nil)
	if _, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "suggestions for Go and Terraform"}); err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	// 规划器显式给了关键词：跳过评分查找直接出建议
	if len(scoreSvc.suggestKeywords) != 2 || scoreSvc.suggestKeywords[0] != "Go" || scoreSvc.suggestKeywords[1] != "Terraform" {
		t.Fatalf("suggest keywords = %v, want [Go Terraform]", scoreSvc.suggestKeywords)
	}
	if scoreSvc.scoreCalls != 0 {
		t.Fatalf("score called %d times, want 0", scoreSvc.scoreCalls)
	}
}

func TestVersionConflictMergesMessages(t *testing.T) {
	conv := newConv()
	fresh := newConv()
	fresh.Version = 5
	fresh.Messages = []model.ChatMessage{{Role: "user", Content: "from another device", Timestamp: time.Now()}}
	convSvc := &stubConversationService{conv: conv, fresh: fresh, conflicts: 1}
	llmStub := &stubLLM{responses: plannerJSON("Done.")}

	svc := NewAgentService(convSvc, &stubRetrieval{}, &stubGenerationService{}, &stubScoreService{}, llmStub, nil)
	if _, err := svc.Chat(context.Background(), &model.ChatRequest{UserID: "42", Message: "hello"}); err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	// 冲突重试要保住并发写入者的消息，本轮消息追加在其后
	if convSvc.saved != 1 {
		t.Fatalf("conversation saved %d times after one conflict, want 1", convSvc.saved)
	}
	if conv.Version != 5 {
		t.Fatalf("version = %d, want the fresh version 5", conv.Version)
	}
	if len(conv.Messages) != 3 {
		t.Fatalf("merged history has %d messages, want 3", len(conv.Messages))
	}
	if conv.Messages[0].Content != "from another device" {
		t.Fatalf("concurrent message lost, history head: %q", conv.Messages[0].Content)
	}
	if conv.Messages[1].Role != "user" || conv.Messages[2].Role != "assistant" {
		t.Fatal("this turn's messages must follow the concurrent writer's")
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("简", 10)
	got := truncate(s, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("简", 3)+"…" {
		t.Fatalf("truncate = %q, want cut on the rune boundary", got)
	}
	if truncate("short", 10) != "short" {
		t.Fatal("strings within budget must pass through unchanged")
	}
}

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text passes", in: "All done.", want: "All done."},
		{name: "empty falls back", in: "", want: fallbackReply},
		{name: "raw json falls back", in: `{"tool":"x"}`, want: fallbackReply},
		{name: "fenced json falls back", in: "```json\n{\"a\":1}\n```", want: fallbackReply},
		{name: "control chars stripped", in: "ok\x00\x01 done", want: "ok done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeReply(tt.in); got != tt.want {
				t.Fatalf("sanitizeReply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLooksLikeScoreIntent(t *testing.T) {
	positives := []string{"What's my ATS score?", "how well do I match", "give me a rating"}
	for _, msg := range positives {
		if !looksLikeScoreIntent(msg) {
			t.Fatalf("%q should read as score intent", msg)
		}
	}
	if looksLikeScoreIntent("edit my summary please") {
		t.Fatal("plain edit request must not read as score intent")
	}
}
