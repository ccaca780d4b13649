package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	xerrors "X402-Agent/internal/errors"
)

// CodeOracleFailure 表示大模型调用失败。
const CodeOracleFailure xerrors.Code = "ORACLE_FAILURE"

func init() {
	xerrors.Register(CodeOracleFailure, xerrors.Attributes{
		Message:   "model call failed",
		Severity:  xerrors.SeverityWarning,
		Status:    http.StatusBadGateway,
		Retryable: true,
	})
}

// Role 标识对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给大模型的一条纯文本消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Function 描述一个可供大模型调用的函数。
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FunctionCall 是大模型请求执行的函数及其原始 JSON 参数。
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage 记录一次调用消耗的 token。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DecideRequest 描述一次决策调用：完整历史加上可用函数。
type DecideRequest struct {
	System    string
	Messages  []Message
	Functions []Function
}

// Decision 是决策调用的结果，Text 与 Call 至多一个为主。
type Decision struct {
	Text  string
	Call  *FunctionCall
	Usage *Usage
}

// SummaryRequest 描述一次总结调用，只包含原始请求与工具结果。
type SummaryRequest struct {
	UserRequest string
	ToolName    string
	ToolResult  string
}

// Oracle 定义了调用大模型的统一接口。
type Oracle interface {
	Decide(ctx context.Context, req DecideRequest) (*Decision, error)
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// DefaultSystemPrompt 是决策调用使用的系统提示词。
const DefaultSystemPrompt = `You are an AI agent with autonomous access to paid x402 endpoints. You have a wallet with USDC on Base network.

When users ask for services, use the available functions to call the paid APIs automatically.

IMPORTANT: When you receive tool results:
- ALWAYS provide a clear, concise summary of the actual data - never just say "check the raw results"
- For metadata extraction: summarize the title, description, key tags, and any important information found
- For market data: highlight the key odds, prices, trends, or insights
- For structured data: extract and present the most relevant information in a readable format
- DO NOT repeat the raw JSON data verbatim
- Keep summaries concise (2-4 sentences) but informative
- Present information conversationally and helpfully

Always explain what you found and present the key information directly to the user.`

// SummarySystemPrompt 是总结调用使用的系统提示词。
const SummarySystemPrompt = "You are a helpful AI assistant. Provide a clear, concise summary of API response data."

// maxToolResultChars 限制写入总结提示词的工具结果长度。
const maxToolResultChars = 12000

// SummaryPrompt 构建总结调用的用户消息。
func SummaryPrompt(req SummaryRequest) string {
	result := strings.TrimSpace(req.ToolResult)
	if runes := []rune(result); len(runes) > maxToolResultChars {
		result = string(runes[:maxToolResultChars]) + "\n...(truncated)"
	}
	return fmt.Sprintf("The user asked: %q\n\nHere's the response from %s:\n\n%s\n\nPlease provide a clear summary of what was found (2-4 sentences).",
		strings.TrimSpace(req.UserRequest), req.ToolName, result)
}
