package conversation

import (
	"net/http"
	"sync"
	"time"

	"X402-Agent/internal/dispatch"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm"

	"github.com/google/uuid"
)

const (
	// CodeTurnInProgress 表示会话已有进行中的回合。
	CodeTurnInProgress xerrors.Code = "TURN_IN_PROGRESS"
	// CodeInvalidState 表示操作与会话当前状态不符。
	CodeInvalidState xerrors.Code = "INVALID_STATE"
)

func init() {
	xerrors.Register(CodeTurnInProgress, xerrors.Attributes{
		Message:   "a turn is already in progress",
		Severity:  xerrors.SeverityInfo,
		Status:    http.StatusConflict,
		Retryable: true,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "operation not allowed in the current conversation state",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
}

// State 是单个回合的状态机位置。
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingModel     State = "awaiting_model"
	StateAwaitingExecution State = "awaiting_execution"
	StateAwaitingSummary   State = "awaiting_summary"
)

// Kind 区分消息的展示方式。
type Kind string

const (
	KindText       Kind = "text"
	KindPayment    Kind = "payment"
	KindToolResult Kind = "tool-result"
	KindImage      Kind = "image"
)

// Metadata 携带非文本消息的附加信息。
type Metadata struct {
	Amount      string `json:"amount,omitempty"`
	Token       string `json:"token,omitempty"`
	Network     string `json:"network,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
	Caption     string `json:"caption,omitempty"`
	ImageType   string `json:"imageType,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Message 是会话日志中的一条消息，只追加不修改。
type Message struct {
	ID        string    `json:"id"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Conversation 保存一个用户会话的消息日志与回合状态。
type Conversation struct {
	id      string
	subject string

	mu          sync.Mutex
	state       State
	messages    []Message
	pending     *dispatch.PendingAction
	pendingText string
}

// NewConversation 创建空会话。subject 标识会话所属用户，可为空。
func NewConversation(subject string) *Conversation {
	return &Conversation{id: uuid.NewString(), subject: subject, state: StateIdle}
}

// ID 返回会话标识。
func (c *Conversation) ID() string { return c.id }

// Subject 返回会话所属用户。
func (c *Conversation) Subject() string { return c.subject }

// State 返回当前状态。
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages 返回消息日志的副本。
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Pending 返回等待执行的动作，只含端点标识与参数，不含端点定义。
func (c *Conversation) Pending() *dispatch.PendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Conversation) appendLocked(role llm.Role, kind Kind, content string, meta *Metadata) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now(),
		Metadata:  meta,
	}
	c.messages = append(c.messages, msg)
	return msg
}

// textHistoryLocked 只返回 text 类型消息，供决策调用使用。
func (c *Conversation) textHistoryLocked() []llm.Message {
	history := make([]llm.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Kind != KindText {
			continue
		}
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history
}
