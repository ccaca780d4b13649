package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"X402-Agent/internal/llm"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/pkg/logger"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModelName   = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

var _ llm.Oracle = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Type     string       `json:"type"`
	Function llm.Function `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []tool        `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string       `json:"id"`
				Type     string       `json:"type"`
				Function functionCall `json:"function"`
			} `json:"tool_calls"`
			FunctionCall *functionCall `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

// Decide 发送完整历史与函数签名，返回文本回复或一次函数调用。
func (c *Client) Decide(ctx context.Context, req llm.DecideRequest) (*llm.Decision, error) {
	started := time.Now()
	decision, err := c.decide(ctx, req)
	metrics.ObserveOracle("decide", time.Since(started), err)
	return decision, err
}

func (c *Client) decide(ctx context.Context, req llm.DecideRequest) (*llm.Decision, error) {
	system := req.System
	if strings.TrimSpace(system) == "" {
		system = llm.DefaultSystemPrompt
	}
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	messages = append(messages, chatMessage{Role: string(llm.RoleSystem), Content: system})
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(req.Functions) > 0 {
		body.ToolChoice = "auto"
		for _, fn := range req.Functions {
			body.Tools = append(body.Tools, tool{Type: "function", Function: fn})
		}
	}

	decoded, err := c.complete(ctx, body)
	if err != nil {
		return nil, err
	}
	msg := decoded.Choices[0].Message

	var call *functionCall
	switch {
	case len(msg.ToolCalls) > 0:
		if len(msg.ToolCalls) > 1 {
			logger.Named("llm").Warn("模型返回了多个函数调用，仅处理第一个", "count", len(msg.ToolCalls))
		}
		call = &msg.ToolCalls[0].Function
	case msg.FunctionCall != nil:
		call = msg.FunctionCall
	}

	decision := &llm.Decision{Text: strings.TrimSpace(msg.Content), Usage: decoded.Usage}
	if call != nil && strings.TrimSpace(call.Name) != "" {
		args := strings.TrimSpace(call.Arguments)
		if args == "" {
			args = "{}"
		}
		decision.Call = &llm.FunctionCall{Name: call.Name, Arguments: json.RawMessage(args)}
		return decision, nil
	}
	if decision.Text == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	return decision, nil
}

// Summarize 独立地总结一次工具结果，不附带任何函数。
func (c *Client) Summarize(ctx context.Context, req llm.SummaryRequest) (string, error) {
	started := time.Now()
	decoded, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: string(llm.RoleSystem), Content: llm.SummarySystemPrompt},
			{Role: string(llm.RoleUser), Content: llm.SummaryPrompt(req)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err == nil && strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		err = errors.New("OpenAI 总结内容为空")
	}
	metrics.ObserveOracle("summarize", time.Since(started), err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func (c *Client) complete(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}
	return &decoded, nil
}
