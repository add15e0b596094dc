package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/config"
	"cvforge-go/internal/model"
	"cvforge-go/internal/repository"
	"cvforge-go/pkg/llm"
	"cvforge-go/pkg/log"
)

// ToolName 是规划器可以请求的工具的封闭集合。
type ToolName string

const (
	ToolCheckUserData  ToolName = "check_user_data"
	ToolGenerateResume ToolName = "generate_resume"
	ToolCalculateScore ToolName = "calculate_score"
	ToolEditResume     ToolName = "edit_resume"
	ToolGetSuggestions ToolName = "get_suggestions"
)

// ToolSignal 是规划器输出中的一次工具调用请求。
type ToolSignal struct {
	Tool ToolName          `json:"tool"`
	Args map[string]string `json:"args,omitempty"`
}

// plannerOutput 是规划器约定的结构化输出。
type plannerOutput struct {
	Reply     string       `json:"reply"`
	ToolCalls []ToolSignal `json:"tool_calls"`
}

// ResumeArchiver 把生成的简历快照归档到对象存储。归档失败不影响主流程。
type ResumeArchiver interface {
	Archive(ctx context.Context, userID, conversationID string, resumeJSON []byte) error
}

// AgentService 定义了多轮简历对话代理的接口。
type AgentService interface {
	// Chat 处理一轮用户消息：解析会话、规划、执行工具、合成回复并持久化。
	Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error)
}

type agentService struct {
	conversationService ConversationService
	retrievalService    RetrievalService
	generationService   GenerationService
	scoreService        ScoreService
	llmClient           llm.Client
	archiver            ResumeArchiver

	// convLocks 保证同一会话内的消息串行处理
	convLocks sync.Map
}

// NewAgentService 创建一个新的 AgentService。archiver 可以为 nil。
func NewAgentService(
	conversationService ConversationService,
	retrievalService RetrievalService,
	generationService GenerationService,
	scoreService ScoreService,
	llmClient llm.Client,
	archiver ResumeArchiver,
) AgentService {
	return &agentService{
		conversationService: conversationService,
		retrievalService:    retrievalService,
		generationService:   generationService,
		scoreService:        scoreService,
		llmClient:           llmClient,
		archiver:            archiver,
	}
}

// plannerSystemPrompt 约定规划器的输出格式与可用工具。
const plannerSystemPrompt = `You are the planner of a resume-building assistant.
You can respond directly and/or request tools. Available tools:
- "check_user_data": recover the resume, job description and score from the user's previous conversations. Args: none.
- "generate_resume": build a complete resume tailored to the stored job description. Args: none.
- "calculate_score": compute the ATS match score between the current resume and the job description. Args: none.
- "edit_resume": apply a modification to the current resume. Args: {"instruction": "<what to change>"}.
- "get_suggestions": produce improvement suggestions based on the latest score. Args: {"keywords": "<optional comma-separated keywords to address>"}.

Conversation state:
%s

Recent messages:
%s

User message:
%s
%s
Respond with a single JSON object and nothing else:
{"reply": "<text to show the user, may be empty if tools will produce the answer>", "tool_calls": [{"tool": "<name>", "args": {}}]}`

// correctivePrompt 在规划器输出不可解析时要求其重试。
const correctivePrompt = `Your previous output was not valid JSON. Respond again with ONLY a JSON object of the form {"reply": "...", "tool_calls": [...]}. Previous output:
%s`

func (s *agentService) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	// RECEIVE：解析会话并合入本轮输入
	conv, err := s.conversationService.GetOrCreate(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	if jd := strings.TrimSpace(req.JobDescription); jd != "" && jd != conv.JobDescription {
		conv.JobDescription = jd
		// 职位描述变了，旧评分不再可信
		conv.LastScore = nil
	}
	// turnStart 记录本轮追加消息的起点，供版本冲突合并使用
	turnStart := len(conv.Messages)
	conv.AppendMessage("user", req.Message)

	turn := &turnResult{}
	reply, err := s.plan(ctx, conv, req.Message, turn)
	if err != nil {
		// 失败也要留下痕迹：持久化用户消息和一条致歉回复
		log.Errorf("[AgentService] 处理失败, conversation: %s, err: %v", conv.ID, err)
		reply = "I ran into a problem handling that request. Please try again."
		conv.AppendMessage("assistant", reply)
		if perr := s.persist(ctx, conv, turnStart); perr != nil {
			log.Errorf("[AgentService] 错误路径持久化失败, conversation: %s, err: %v", conv.ID, perr)
		}
		return nil, err
	}

	// SYNTHESIZE + PERSIST
	reply = sanitizeReply(reply)
	conv.AppendMessage("assistant", reply)
	if err := s.persist(ctx, conv, turnStart); err != nil {
		return nil, err
	}

	resp := &model.ChatResponse{
		Response:       reply,
		ConversationID: conv.ID,
		Score:          conv.LastScore,
		Suggestions:    turn.suggestions,
	}
	if conv.HasResume() {
		resp.ResumeJSON = conv.CurrentResume
	}
	return resp, nil
}

// turnResult 收集一轮对话中工具执行的结构化产出。
type turnResult struct {
	suggestions []string
}

// plan 运行 规划→执行 循环，最多 MaxPlanIterations 轮。
func (s *agentService) plan(ctx context.Context, conv *model.Conversation, userMessage string, turn *turnResult) (string, error) {
	maxIterations := config.Conf.Agent.MaxPlanIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}

	prompt := s.buildPlannerPrompt(conv, userMessage)
	var lastRaw string
	var toolNotes []string

	for i := 0; i < maxIterations; i++ {
		raw, err := s.llmClient.Complete(ctx, prompt, true)
		if err != nil {
			return "", err
		}
		lastRaw = raw

		output, ok := parsePlannerOutput(raw)
		if !ok {
			// 结构化输出解析失败：带着原始输出要求重试
			log.Warnf("[AgentService] 规划器输出不可解析, 第 %d 轮重试, conversation: %s", i+1, conv.ID)
			prompt = fmt.Sprintf(correctivePrompt, truncate(raw, 500))
			continue
		}

		if len(output.ToolCalls) == 0 {
			return joinReply(toolNotes, output.Reply), nil
		}

		for _, signal := range output.ToolCalls {
			note := s.execute(ctx, conv, signal, userMessage, turn)
			if note != "" {
				toolNotes = append(toolNotes, note)
			}
		}
		return joinReply(toolNotes, output.Reply), nil
	}

	// 多轮纠偏仍失败：把原始文本当作回复，不执行任何工具
	log.Warnf("[AgentService] 规划器连续输出不可解析, 降级为纯文本回复, conversation: %s", conv.ID)
	return lastRaw, nil
}

// execute 执行一个工具请求并返回给用户看的结果描述。
// switch 覆盖全部封闭变体，未知工具只记录告警。
func (s *agentService) execute(ctx context.Context, conv *model.Conversation, signal ToolSignal, userMessage string, turn *turnResult) string {
	switch signal.Tool {
	case ToolCheckUserData:
		return s.runCheckUserData(ctx, conv)

	case ToolGenerateResume:
		return s.runGenerateResume(ctx, conv)

	case ToolCalculateScore:
		return s.runCalculateScore(ctx, conv)

	case ToolEditResume:
		instruction := signal.Args["instruction"]
		if strings.TrimSpace(instruction) == "" {
			instruction = userMessage
		}
		return s.runEditResume(ctx, conv, instruction)

	case ToolGetSuggestions:
		return s.runGetSuggestions(ctx, conv, signal.Args, turn)

	default:
		log.Warnf("[AgentService] 规划器请求了未知工具: %q, conversation: %s", signal.Tool, conv.ID)
		return ""
	}
}

// runCheckUserData 扫描用户的历史会话，找回最近一份简历和职位描述。
// 命中时把简历、职位描述和评分拷入当前会话并立即重算评分。
func (s *agentService) runCheckUserData(ctx context.Context, conv *model.Conversation) string {
	if conv.HasResume() && strings.TrimSpace(conv.JobDescription) != "" {
		return "This conversation already has your resume and the target job description on file."
	}

	convs, err := s.conversationService.ListByUser(ctx, conv.UserID)
	if err != nil {
		log.Errorf("[AgentService] check_user_data 会话扫描失败: %v", err)
	}
	// 列表按更新时间倒序，命中的第一个就是最近的
	for _, prior := range convs {
		if prior.ID == conv.ID || !prior.HasResume() || strings.TrimSpace(prior.JobDescription) == "" {
			continue
		}
		conv.CurrentResume = prior.CurrentResume
		conv.JobDescription = prior.JobDescription
		conv.LastScore = prior.LastScore
		note := "I found the resume and job description from one of your previous sessions and loaded them into this conversation."
		// 拷贝过来的评分可能已经过期，立即重算
		if scoreNote := s.runCalculateScore(ctx, conv); scoreNote != "" {
			note += " " + scoreNote
		}
		return note
	}

	// 没有可恢复的历史会话：退回画像数据盘点
	chunks, err := s.retrievalService.Retrieve(ctx, conv.UserID, "professional background overview", 5)
	if err != nil {
		if apperr.IsNotFound(err) {
			return "I don't have any profile data for you yet. Please add your profile before generating a resume."
		}
		log.Errorf("[AgentService] check_user_data 失败: %v", err)
		return "I couldn't look up your profile data right now."
	}

	types := make(map[string]bool)
	for _, chunk := range chunks {
		types[chunk.SourceType] = true
	}
	var available []string
	for t := range types {
		available = append(available, t)
	}
	if len(available) == 0 {
		return "Your profile appears to be empty. Please add your details before generating a resume."
	}
	return fmt.Sprintf("I have your profile on file (including: %s). Ready to build a resume whenever you are.",
		strings.Join(available, ", "))
}

func (s *agentService) runGenerateResume(ctx context.Context, conv *model.Conversation) string {
	// 会话里已经有简历时不重复生成，原样返回
	if conv.HasResume() {
		return "You already have a resume in this conversation, so I'm returning it as is. Ask me to edit it if you'd like changes."
	}
	if strings.TrimSpace(conv.JobDescription) == "" {
		return "Please share the job description first so I can tailor the resume to it."
	}

	resume, err := s.generationService.GenerateResume(ctx, conv.UserID, conv.JobDescription)
	if err != nil {
		if apperr.IsPrecondition(err) || apperr.IsNotFound(err) {
			return "I couldn't build a resume yet: " + err.Error()
		}
		log.Errorf("[AgentService] generate_resume 失败: %v", err)
		return "Resume generation failed, please try again."
	}

	conv.CurrentResume = resume
	// 新简历生成后重新评分
	if note := s.runCalculateScore(ctx, conv); note != "" {
		s.archiveSnapshot(ctx, conv)
		return "I've generated your tailored resume. " + note
	}
	s.archiveSnapshot(ctx, conv)
	return "I've generated your tailored resume."
}

func (s *agentService) runCalculateScore(ctx context.Context, conv *model.Conversation) string {
	if !conv.HasResume() {
		return "There's no resume to score yet. Ask me to generate one first."
	}
	if strings.TrimSpace(conv.JobDescription) == "" {
		return "I need the job description to calculate a match score."
	}

	result, err := s.scoreService.Score(ctx, string(conv.CurrentResume), conv.JobDescription)
	if err != nil {
		log.Errorf("[AgentService] calculate_score 失败: %v", err)
		return "I couldn't calculate the match score right now."
	}
	conv.LastScore = result

	note := fmt.Sprintf("ATS match score: %.1f%% (semantic %.1f%%, keyword coverage %.1f%%).",
		result.FinalScore*100, result.SemanticScore*100, result.KeywordScore*100)
	if len(result.MissingKeywords) > 0 {
		note += fmt.Sprintf(" Missing keywords: %s.", strings.Join(result.MissingKeywords, ", "))
	}
	return note
}

func (s *agentService) runEditResume(ctx context.Context, conv *model.Conversation, instruction string) string {
	if !conv.HasResume() {
		return "There's no resume to edit yet. Ask me to generate one first."
	}

	edited, err := s.generationService.EditResume(ctx, conv.CurrentResume, instruction)
	if err != nil {
		// 编辑失败时原简历保持不变
		if apperr.IsPrecondition(err) {
			return "I couldn't apply that edit cleanly, so your resume is unchanged. Could you rephrase the change?"
		}
		log.Errorf("[AgentService] edit_resume 失败: %v", err)
		return "The edit failed, your resume is unchanged."
	}

	conv.CurrentResume = edited
	note := "I've updated your resume."
	if strings.TrimSpace(conv.JobDescription) != "" {
		if scoreNote := s.runCalculateScore(ctx, conv); scoreNote != "" {
			note += " " + scoreNote
		}
	}
	s.archiveSnapshot(ctx, conv)
	return note
}

// runGetSuggestions 基于最近一次评分生成改进建议。规划器可以通过
// keywords 参数直接指定要补齐的关键词；否则在用户的全部会话中找最近
// 的评分记录，一条都没有时直接提示先评分，不调用模型。
func (s *agentService) runGetSuggestions(ctx context.Context, conv *model.Conversation, args map[string]string, turn *turnResult) string {
	if raw := strings.TrimSpace(args["keywords"]); raw != "" {
		suggestions := s.scoreService.Suggest(ctx, conv.UserID, string(conv.CurrentResume), conv.JobDescription, splitKeywords(raw))
		turn.suggestions = suggestions
		return formatSuggestions(suggestions)
	}

	source := conv
	if source.LastScore == nil {
		convs, err := s.conversationService.ListByUser(ctx, conv.UserID)
		if err != nil {
			log.Errorf("[AgentService] get_suggestions 会话扫描失败: %v", err)
		}
		for _, prior := range convs {
			if prior.ID != conv.ID && prior.LastScore != nil {
				source = prior
				break
			}
		}
	}
	if source.LastScore == nil {
		return "Please ask me to calculate your ATS score first, then I can give you targeted suggestions based on it."
	}
	if len(source.LastScore.MissingKeywords) == 0 {
		// 没有缺失关键词时无需调用模型
		return "Your resume already covers all the keywords I extracted from the job description. It looks like a strong match."
	}

	suggestions := s.scoreService.Suggest(ctx, conv.UserID, string(source.CurrentResume), source.JobDescription, source.LastScore.MissingKeywords)
	turn.suggestions = suggestions
	return formatSuggestions(suggestions)
}

func splitKeywords(raw string) []string {
	parts := strings.Split(raw, ",")
	keywords := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			keywords = append(keywords, part)
		}
	}
	return keywords
}

func formatSuggestions(suggestions []string) string {
	var builder strings.Builder
	builder.WriteString("Here's how to improve your resume for this role:\n")
	for i, suggestion := range suggestions {
		builder.WriteString(fmt.Sprintf("%d. %s\n", i+1, suggestion))
	}
	return strings.TrimSpace(builder.String())
}

// archiveSnapshot 尽力而为地归档当前简历快照。
func (s *agentService) archiveSnapshot(ctx context.Context, conv *model.Conversation) {
	if s.archiver == nil || !conv.HasResume() {
		return
	}
	if err := s.archiver.Archive(ctx, conv.UserID, conv.ID, conv.CurrentResume); err != nil {
		log.Warnf("[AgentService] 简历快照归档失败, conversation: %s, err: %v", conv.ID, err)
	}
}

// persist 保存会话。版本冲突说明有并发写入者先提交了：重读最新版本，
// 把本轮新增的消息追加到对方的消息历史之后再重试一次，双方的消息都不丢。
// turnStart 是本轮消息在 conv.Messages 中的起始下标。
func (s *agentService) persist(ctx context.Context, conv *model.Conversation, turnStart int) error {
	err := s.conversationService.Save(ctx, conv)
	if err == nil {
		return nil
	}
	if err != repository.ErrVersionConflict {
		return err
	}

	log.Warnf("[AgentService] 会话版本冲突, 合并消息后重试, conversation: %s", conv.ID)
	fresh, gerr := s.conversationService.Get(ctx, conv.ID)
	if gerr != nil {
		return err
	}
	turnMessages := conv.Messages[turnStart:]
	conv.Messages = append(fresh.Messages, turnMessages...)
	conv.Version = fresh.Version
	return s.conversationService.Save(ctx, conv)
}

func (s *agentService) lockFor(conversationID string) *sync.Mutex {
	actual, _ := s.convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// buildPlannerPrompt 汇总会话状态、近期消息与意图提示。
func (s *agentService) buildPlannerPrompt(conv *model.Conversation, userMessage string) string {
	var state strings.Builder
	if conv.HasResume() {
		state.WriteString("- A resume has been generated in this conversation.\n")
	} else {
		state.WriteString("- No resume has been generated yet.\n")
	}
	if strings.TrimSpace(conv.JobDescription) != "" {
		state.WriteString("- A target job description is on file.\n")
	} else {
		state.WriteString("- No job description has been provided yet.\n")
	}
	if conv.LastScore != nil {
		state.WriteString(fmt.Sprintf("- Latest ATS score: %.3f.\n", conv.LastScore.FinalScore))
	}

	hint := ""
	if looksLikeScoreIntent(userMessage) {
		hint = "\nThe user seems to be asking about their ATS score or match rating. Prefer \"calculate_score\" (and \"get_suggestions\" if they want advice).\n"
	}

	return fmt.Sprintf(plannerSystemPrompt,
		strings.TrimSpace(state.String()),
		formatRecentMessages(conv.Messages, 10),
		userMessage,
		hint,
	)
}

// looksLikeScoreIntent 粗略判断消息是否在询问匹配度评分。
func looksLikeScoreIntent(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range []string{"ats", "score", "rating", "match", "compatibility"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func formatRecentMessages(messages []model.ChatMessage, limit int) string {
	if len(messages) == 0 {
		return "(none)"
	}
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	var builder strings.Builder
	for _, msg := range messages[start:] {
		builder.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, truncate(msg.Content, 300)))
	}
	return strings.TrimSpace(builder.String())
}

// parsePlannerOutput 解析规划器的结构化输出，容忍代码围栏包裹。
func parsePlannerOutput(raw string) (*plannerOutput, bool) {
	cleaned := stripCodeFences(raw)
	var output plannerOutput
	if err := json.Unmarshal([]byte(cleaned), &output); err != nil {
		return nil, false
	}
	return &output, true
}

// joinReply 把工具结果与规划器回复合并为一段回复文本。
func joinReply(toolNotes []string, plannerReply string) string {
	parts := make([]string, 0, len(toolNotes)+1)
	parts = append(parts, toolNotes...)
	if reply := strings.TrimSpace(plannerReply); reply != "" {
		parts = append(parts, reply)
	}
	return strings.Join(parts, "\n\n")
}

// truncate 按字节预算截断，回退到 rune 边界避免切出非法 UTF-8。
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

