/**
 * 服务层:大模型客户端
 * @author: sun977
 * @date: 2025.12.19
 * @description: OpenAI兼容的Chat Completions客户端，支持多模态消息，错误按可重试性分类
 * @func: Client接口、NewClient、ChatCompletion
 */
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"notemaster/internal/config"
	pipelineModel "notemaster/internal/model/pipeline"
	"notemaster/internal/pkg/metrics"
)

// 响应体读取上限，防止异常响应占用内存
const maxResponseBytes = 4 << 20

// 错误信息中保留的响应片段长度
const errBodySnippet = 200

// ContentPart 多模态消息内容片段
type ContentPart struct {
	Type     string        `json:"type"` // text 或 image_url
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart 图片引用
type ImageURLPart struct {
	URL string `json:"url"`
}

// Message 会话消息
// Content 为纯文本字符串或 []ContentPart 多模态片段列表
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// NewTextMessage 创建纯文本消息
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// NewImageMessage 创建带图片的多模态消息
func NewImageMessage(role, text string, imageURLs ...string) Message {
	parts := make([]ContentPart, 0, len(imageURLs)+1)
	if text != "" {
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}
	for _, u := range imageURLs {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURLPart{URL: u}})
	}
	return Message{Role: role, Content: parts}
}

// chatRequest Chat Completions请求体
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// chatResponse Chat Completions响应体
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Client 大模型客户端接口
type Client interface {
	// ChatCompletion 单次对话调用，返回首个choice的文本内容
	// 单次调用不做重试，重试由流水线执行器按阶段策略负责
	ChatCompletion(ctx context.Context, messages []Message) (string, error)
}

// httpClient 基于HTTP的客户端实现
type httpClient struct {
	cfg    *config.LLMConfig
	client *http.Client
}

// NewClient 创建大模型客户端
func NewClient(cfg *config.LLMConfig) (Client, error) {
	if cfg == nil {
		return nil, errors.New("llm config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("llm base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("llm api_key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ChatCompletion 调用Chat Completions接口
// 错误分类：5xx/429/连接失败/空内容 -> 可重试；其他4xx/响应格式异常 -> 不可恢复
// 上下文取消和超时原样上抛，由执行器区分超时与取消
func (c *httpClient) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", pipelineModel.NewPermanentError("消息列表为空", nil)
	}

	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", pipelineModel.NewPermanentError("序列化大模型请求失败", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", pipelineModel.NewPermanentError("构建大模型请求失败", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// 上下文取消或超时原样上抛
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "transport_error"}, 1)
		return "", pipelineModel.NewTransientError("请求大模型服务失败", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "read_error"}, 1)
		return "", pipelineModel.NewTransientError("读取大模型响应失败", err)
	}

	switch {
	case resp.StatusCode >= 500:
		// 服务端错误，可重试
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "server_error"}, 1)
		return "", pipelineModel.NewTransientError(
			fmt.Sprintf("大模型服务错误(%d)", resp.StatusCode), errors.New(snippet(respBody)))
	case resp.StatusCode == http.StatusTooManyRequests:
		// 限流，可重试
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "rate_limited"}, 1)
		return "", pipelineModel.NewTransientError("大模型请求被限流", errors.New(snippet(respBody)))
	case resp.StatusCode >= 400:
		// 客户端错误，不重试
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "client_error"}, 1)
		return "", pipelineModel.NewPermanentError(
			fmt.Sprintf("大模型请求被拒绝(%d)", resp.StatusCode), errors.New(snippet(respBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "malformed"}, 1)
		return "", pipelineModel.NewPermanentError("解析大模型响应失败", err)
	}
	if len(parsed.Choices) == 0 {
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "malformed"}, 1)
		return "", pipelineModel.NewPermanentError("大模型响应缺少choices字段", nil)
	}

	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		// 空内容通常意味着限流或偶发异常，按可重试处理
		metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "empty"}, 1)
		return "", pipelineModel.NewTransientError("大模型返回空内容", nil)
	}

	metrics.Default.IncCounter("llm_requests_total", map[string]string{"result": "success"}, 1)
	return content, nil
}

// snippet 截取响应体片段用于错误信息
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errBodySnippet {
		return s[:errBodySnippet]
	}
	return s
}
