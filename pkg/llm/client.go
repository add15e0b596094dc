// Package llm 提供了与大语言模型服务交互的客户端。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/config"
	"cvforge-go/pkg/log"
)

// Client 定义了 LLM 客户端的接口。
// jsonMode 为 true 时要求模型以严格 JSON 输出。
type Client interface {
	Complete(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient 创建一个新的 LLM 客户端。
func NewClient(cfg config.LLMConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if cfg.TimeoutSeconds <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete 调用 chat completions 接口并返回完整的文本结果。
// 传输失败、非 200 状态码或响应结构异常都会转换为 ProviderError。
func (c *openAICompatibleClient) Complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: []Message{{Role: "user", Content: prompt}},
	}
	if jsonMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	// 从全局配置注入生成参数（若非零值）
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	log.Infof("[LLMClient] 调用 Chat API, model: %s, jsonMode: %v, prompt_len: %d", c.cfg.Model, jsonMode, len(prompt))
	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[LLMClient] 调用 Chat API 失败: %v", err)
		return "", apperr.NewProviderError("llm", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Errorf("[LLMClient] Chat API 返回非 200 状态码: %s, body: %s", resp.Status, string(bodyBytes))
		return "", apperr.NewProviderError("llm",
			fmt.Errorf("chat api returned status %s: %s", resp.Status, string(bodyBytes)))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		log.Errorf("[LLMClient] 解析 Chat API 响应失败: %v", err)
		return "", apperr.NewProviderError("llm", fmt.Errorf("failed to decode chat response: %w", err))
	}

	if len(chatResp.Choices) == 0 {
		log.Warnf("[LLMClient] Chat API 返回了空的 choices")
		return "", apperr.NewProviderError("llm", fmt.Errorf("received empty choices from api"))
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	log.Infof("[LLMClient] Chat API 调用成功, 返回内容长度: %d", len(content))
	return content, nil
}
