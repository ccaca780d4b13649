package conversation

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"X402-Agent/internal/classify"
	"X402-Agent/internal/dispatch"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/ledger"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/observability/alerting"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/internal/registry"
	"X402-Agent/internal/x402"
	"X402-Agent/pkg/logger"
)

// WelcomeText 是新会话的第一条助手消息。
const WelcomeText = "Hi! I'm an x402 Agent. I can access paid tools using your connected wallet. You pay only for what you use! Ask me to use any x402 endpoint :)"

const (
	genericErrorText   = "Sorry, I encountered an error. Please try again."
	signerNotReadyText = "Sorry, payment system is not ready yet. Please wait a moment and try again, or refresh the page if the issue persists."
	declinedText       = "No problem, I won't make that call."
)

// Catalog 是编排器需要的注册表只读视图。
type Catalog interface {
	Get(id string) (registry.Endpoint, bool)
	FunctionSignatures() []registry.FunctionSignature
}

// Dispatcher 把函数调用转换为待执行动作，并在执行前按当前注册表重新绑定。
type Dispatcher interface {
	Dispatch(functionName string, rawArguments json.RawMessage) (*dispatch.PendingAction, error)
	Rebind(action *dispatch.PendingAction) (*dispatch.PendingAction, registry.Endpoint, error)
}

// Executor 执行带支付握手的请求，x402.Client 满足该接口。
type Executor interface {
	Execute(ctx context.Context, req x402.Request, opts ...x402.ExecuteOption) (*x402.Result, error)
}

// Recorder 持久化结算记录，ledger.Recorder 满足该接口。
type Recorder interface {
	Record(ctx context.Context, entry ledger.Entry) (ledger.Record, error)
}

// Outcome 是一次决策的结果，只可能是 *PlainReply 或 *ActionProposed。
type Outcome interface {
	outcome()
}

// PlainReply 是不需要调用任何接口的文本回复。
type PlainReply struct {
	Text  string
	Usage *llm.Usage
	// Err 在模型请求了无法派发的函数时非空。
	Err error
}

// ActionProposed 表示模型请求调用一个付费接口，等待用户确认。
// Endpoint 是提案时的定义快照，仅用于展示；会话只保存 Action，
// 执行时按 EndpointID 重新解析。
type ActionProposed struct {
	Action   *dispatch.PendingAction
	Endpoint registry.Endpoint
	Text     string
	Usage    *llm.Usage
}

func (*PlainReply) outcome()     {}
func (*ActionProposed) outcome() {}

// Orchestrator 协调模型、派发器与支付客户端，是系统的业务核心。
type Orchestrator struct {
	catalog        Catalog
	dispatcher     Dispatcher
	oracle         llm.Oracle
	recorder       Recorder
	alerts         alerting.Dispatcher
	systemPrompt   string
	welcome        string
	decideTimeout  time.Duration
	summaryTimeout time.Duration
	log            *slog.Logger
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithRecorder 设置结算记录器。
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithAlerts 设置资金风险告警的分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithSystemPrompt 覆盖决策调用的系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(prompt) != "" {
			o.systemPrompt = prompt
		}
	}
}

// WithWelcome 覆盖欢迎语。
func WithWelcome(text string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(text) != "" {
			o.welcome = text
		}
	}
}

// WithTimeouts 设置决策与总结调用的超时时间，非正数表示不限。
func WithTimeouts(decide, summary time.Duration) Option {
	return func(o *Orchestrator) {
		o.decideTimeout = decide
		o.summaryTimeout = summary
	}
}

// New 创建编排器。
func New(catalog Catalog, dispatcher Dispatcher, oracle llm.Oracle, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:      catalog,
		dispatcher:   dispatcher,
		oracle:       oracle,
		systemPrompt: llm.DefaultSystemPrompt,
		welcome:      WelcomeText,
		log:          logger.Named("conversation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Start 创建会话并写入欢迎语。
func (o *Orchestrator) Start(subject string) *Conversation {
	conv := NewConversation(subject)
	conv.mu.Lock()
	conv.appendLocked(llm.RoleAssistant, KindText, o.welcome, nil)
	conv.mu.Unlock()
	return conv
}

// Functions 返回当前注册表投影出的函数列表。
func (o *Orchestrator) Functions() []llm.Function {
	signatures := o.catalog.FunctionSignatures()
	functions := make([]llm.Function, 0, len(signatures))
	for _, sig := range signatures {
		functions = append(functions, llm.Function{
			Name:        sig.Name,
			Description: sig.Description,
			Parameters:  sig.Parameters,
		})
	}
	return functions
}

// Decide 把纯文本历史交给模型，并把函数调用转换为提案。它不修改任何会话，
// HTTP 入口直接使用它。
func (o *Orchestrator) Decide(ctx context.Context, history []llm.Message) (Outcome, error) {
	if o.oracle == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if len(history) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话历史不能为空")
	}

	decideCtx := ctx
	if o.decideTimeout > 0 {
		var cancel context.CancelFunc
		decideCtx, cancel = context.WithTimeout(ctx, o.decideTimeout)
		defer cancel()
	}
	decision, err := o.oracle.Decide(decideCtx, llm.DecideRequest{
		System:    o.systemPrompt,
		Messages:  history,
		Functions: o.Functions(),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "调用大模型超时")
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(llm.CodeOracleFailure, err, "调用大模型失败")
	}

	if decision.Call == nil {
		return &PlainReply{Text: decision.Text, Usage: decision.Usage}, nil
	}

	action, err := o.dispatcher.Dispatch(decision.Call.Name, decision.Call.Arguments)
	if err != nil {
		o.log.Warn("模型请求的函数无法派发", "function", decision.Call.Name, "error", err)
		return &PlainReply{
			Text:  fmt.Sprintf("I couldn't call %s: %s", decision.Call.Name, messageOf(err)),
			Usage: decision.Usage,
			Err:   err,
		}, nil
	}
	endpoint, ok := o.catalog.Get(action.EndpointID)
	if !ok {
		// 派发与查询之间注册表被重新加载。
		err := xerrors.New(dispatch.CodeUnknownFunction,
			fmt.Sprintf("function %q is no longer available", action.EndpointID),
			xerrors.WithMetadata("function", action.EndpointID))
		return &PlainReply{
			Text:  fmt.Sprintf("I couldn't call %s: %s", decision.Call.Name, messageOf(err)),
			Usage: decision.Usage,
			Err:   err,
		}, nil
	}
	return &ActionProposed{
		Action:   action,
		Endpoint: endpoint,
		Text:     dispatch.Describe(endpoint),
		Usage:    decision.Usage,
	}, nil
}

// Step 追加用户消息并执行一次决策。会话不处于空闲状态时返回 TURN_IN_PROGRESS。
func (o *Orchestrator) Step(ctx context.Context, conv *Conversation, userText string) (Outcome, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}

	conv.mu.Lock()
	if conv.state != StateIdle {
		state := conv.state
		conv.mu.Unlock()
		return nil, xerrors.New(CodeTurnInProgress, "上一个回合尚未结束",
			xerrors.WithMetadata("state", string(state)))
	}
	conv.appendLocked(llm.RoleUser, KindText, userText, nil)
	conv.state = StateAwaitingModel
	history := conv.textHistoryLocked()
	conv.mu.Unlock()

	// 模型调用期间不持有锁。
	outcome, err := o.Decide(ctx, history)

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if err != nil {
		conv.appendLocked(llm.RoleAssistant, KindText, genericErrorText,
			&Metadata{ErrorCode: string(xerrors.CodeOf(err)), Recoverable: true})
		conv.state = StateIdle
		metrics.ObserveTurn("oracle_error")
		return nil, err
	}

	switch out := outcome.(type) {
	case *ActionProposed:
		conv.appendLocked(llm.RoleAssistant, KindText, out.Text, nil)
		conv.pending = out.Action
		conv.pendingText = userText
		conv.state = StateAwaitingExecution
		metrics.ObserveTurn("proposed")
	case *PlainReply:
		meta := (*Metadata)(nil)
		if out.Err != nil {
			meta = &Metadata{ErrorCode: string(xerrors.CodeOf(out.Err))}
		}
		text := out.Text
		if strings.TrimSpace(text) == "" {
			text = genericErrorText
		}
		conv.appendLocked(llm.RoleAssistant, KindText, text, meta)
		conv.state = StateIdle
		metrics.ObserveTurn("reply")
	}
	return outcome, nil
}

// Decline 放弃待执行的提案，不产生任何网络请求。
func (o *Orchestrator) Decline(conv *Conversation, actionID string) error {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if err := conv.checkPendingLocked(actionID); err != nil {
		return err
	}
	conv.pending = nil
	conv.pendingText = ""
	conv.appendLocked(llm.RoleAssistant, KindText, declinedText, nil)
	conv.state = StateIdle
	metrics.ObserveTurn("declined")
	return nil
}

// Execute 执行已确认的提案：支付、分类结果、记账并生成总结。
// 失败时会话回到空闲状态，并追加一条说明失败原因的消息。
func (o *Orchestrator) Execute(ctx context.Context, conv *Conversation, executor Executor, actionID string) error {
	conv.mu.Lock()
	if err := conv.checkPendingLocked(actionID); err != nil {
		conv.mu.Unlock()
		return err
	}
	pending := conv.pending
	userText := conv.pendingText
	conv.pending = nil
	conv.pendingText = ""
	conv.mu.Unlock()

	// 提案之后注册表可能已重新加载，按当前定义重新校验并构建请求。
	action, endpoint, err := o.dispatcher.Rebind(pending)
	if err != nil {
		name := pending.EndpointID
		o.log.Warn("待执行操作已失效", "conversation_id", conv.ID(), "endpoint", name, "error", err)
		o.finishFailed(conv, fmt.Sprintf("I couldn't call %s: %s. No payment was made.", name, messageOf(err)), err, true)
		return err
	}
	if executor == nil {
		err := xerrors.New(x402.CodeSignerFailure, "payment system not ready")
		o.finishFailed(conv, signerNotReadyText, err, true)
		return err
	}

	result, err := executor.Execute(ctx, action.Request)
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		o.handleFailure(ctx, conv, endpoint, err)
		return err
	}

	classified := classify.Classify(endpoint.ResultKind, endpoint.Name, result.Body)

	var record *ledger.Record
	if result.Settlement != nil && o.recorder != nil {
		rec, recErr := o.recorder.Record(ctx, o.entryFor(conv, endpoint, result.Settlement, false, ""))
		if recErr != nil {
			o.log.Error("保存结算记录失败", "conversation_id", conv.ID(), "tx_hash", result.Settlement.TxHash, "error", recErr)
		} else {
			record = &rec
		}
	}

	conv.mu.Lock()
	if s := result.Settlement; s != nil {
		meta := &Metadata{
			Amount:  s.Amount,
			Token:   s.Currency,
			Network: s.Network,
			TxHash:  s.TxHash,
		}
		if record != nil {
			meta.ExplorerURL = record.ExplorerURL
		}
		conv.appendLocked(llm.RoleAssistant, KindPayment, paymentText(s), meta)
	}
	for _, img := range classified.Images {
		conv.appendLocked(llm.RoleAssistant, KindImage, img.Source(),
			&Metadata{ToolName: endpoint.Name, ImageType: img.Subtype, Caption: classified.Headline})
	}
	toolContent := classified.Pretty
	if classified.Kind == classify.KindText {
		toolContent = classified.Text
	}
	conv.appendLocked(llm.RoleAssistant, KindToolResult, toolContent,
		&Metadata{ToolName: endpoint.Name, Caption: classified.Headline})
	conv.state = StateAwaitingSummary
	conv.mu.Unlock()

	summary := o.summarize(ctx, userText, endpoint.Name, classified)

	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.appendLocked(llm.RoleAssistant, KindText, summary, nil)
	conv.state = StateIdle
	metrics.ObserveTurn("executed")
	return nil
}

func (o *Orchestrator) summarize(ctx context.Context, userText, toolName string, classified classify.Result) string {
	if o.oracle == nil {
		return classified.Headline
	}
	toolResult := classified.Text
	if toolResult == "" {
		toolResult = classified.Pretty
	}
	if classified.Kind == classify.KindImage {
		toolResult = classified.Headline
	}

	summaryCtx := ctx
	if o.summaryTimeout > 0 {
		var cancel context.CancelFunc
		summaryCtx, cancel = context.WithTimeout(ctx, o.summaryTimeout)
		defer cancel()
	}
	text, err := o.oracle.Summarize(summaryCtx, llm.SummaryRequest{
		UserRequest: userText,
		ToolName:    toolName,
		ToolResult:  toolResult,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		o.log.Warn("生成结果总结失败", "tool", toolName, "error", err)
		if classified.Headline != "" {
			return classified.Headline
		}
		return genericErrorText
	}
	return text
}

func (o *Orchestrator) handleFailure(ctx context.Context, conv *Conversation, endpoint registry.Endpoint, err error) {
	code := xerrors.CodeOf(err)
	recoverable := ctx.Err() != nil || xerrors.RetryableError(err)

	if x402.FundsAtRisk(err) {
		meta := xerrors.MetadataOf(err)
		if o.recorder != nil {
			entry := o.entryFor(conv, endpoint, &x402.Settlement{
				TxHash:   meta["tx_hash"],
				Amount:   meta["amount"],
				Currency: meta["currency"],
				Network:  meta["network"],
				Payer:    meta["payer"],
			}, true, err.Error())
			if _, recErr := o.recorder.Record(ctx, entry); recErr != nil {
				o.log.Error("保存风险支付记录失败", "conversation_id", conv.ID(), "error", recErr)
			}
		}
		// 资金可能已转出，不建议用户直接重试。
		recoverable = false
	}
	if xerrors.ShouldAlert(err) && o.alerts != nil {
		event := alerting.EventFromError(err, conv.ID(), endpoint.ID)
		if alertErr := o.alerts.Notify(context.WithoutCancel(ctx), event); alertErr != nil {
			o.log.Error("发送支付告警失败", "code", string(code), "error", alertErr)
		}
	}

	o.log.Warn("付费调用失败",
		"conversation_id", conv.ID(),
		"endpoint", endpoint.ID,
		"code", string(code),
		"error", err,
	)
	o.finishFailed(conv, failureText(endpoint, err), err, recoverable)
}

func (o *Orchestrator) finishFailed(conv *Conversation, text string, err error, recoverable bool) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.appendLocked(llm.RoleAssistant, KindText, text, &Metadata{
		ErrorCode:   string(xerrors.CodeOf(err)),
		Recoverable: recoverable,
	})
	conv.state = StateIdle
	metrics.ObserveTurn("failed")
}

func (o *Orchestrator) entryFor(conv *Conversation, endpoint registry.Endpoint, s *x402.Settlement, atRisk bool, detail string) ledger.Entry {
	return ledger.Entry{
		ConversationID: conv.ID(),
		EndpointID:     endpoint.ID,
		EndpointName:   endpoint.Name,
		TxHash:         s.TxHash,
		Amount:         s.Amount,
		Currency:       s.Currency,
		Network:        s.Network,
		Payer:          s.Payer,
		Detail:         detail,
		AtRisk:         atRisk,
	}
}

func (c *Conversation) checkPendingLocked(actionID string) error {
	if c.state != StateAwaitingExecution || c.pending == nil {
		return xerrors.New(CodeInvalidState, "没有等待确认的操作",
			xerrors.WithMetadata("state", string(c.state)))
	}
	if actionID != "" && c.pending.ID != actionID {
		return xerrors.New(CodeInvalidState, "操作标识与待确认的提案不一致",
			xerrors.WithMetadata("action_id", actionID))
	}
	return nil
}

func paymentText(s *x402.Settlement) string {
	amount := strings.TrimSpace(s.Amount + " " + s.Currency)
	if amount == "" {
		return "Payment sent"
	}
	return "Payment sent: " + amount
}

func failureText(endpoint registry.Endpoint, err error) string {
	name := endpoint.Name
	if name == "" {
		name = endpoint.ID
	}
	switch xerrors.CodeOf(err) {
	case x402.CodePaymentCapExceeded:
		return fmt.Sprintf("I didn't call %s: the %s.", name, messageOf(err))
	case x402.CodeBudgetExceeded:
		return fmt.Sprintf("I didn't call %s because the spending budget is used up.", name)
	case x402.CodeUnsupportedScheme:
		return fmt.Sprintf("I couldn't pay %s: it asks for a payment method this wallet can't use.", name)
	case x402.CodeSettlementTimeout, x402.CodeSettlementUnknown:
		return fmt.Sprintf("The payment to %s was sent but the service didn't answer. The funds may have been spent; the payment was logged for review.", name)
	case x402.CodeSettledDownstreamFailed:
		return fmt.Sprintf("The payment to %s settled (transaction %s) but the service returned an error. The payment was logged for review.",
			name, xerrors.MetadataOf(err)["tx_hash"])
	case x402.CodeResponseTooLarge:
		return fmt.Sprintf("%s returned a response that was too large to use. No payment was made.", name)
	case x402.CodeUpstreamTimeout:
		return fmt.Sprintf("%s didn't respond in time. No payment was made.", name)
	case x402.CodeCancelled:
		return fmt.Sprintf("The call to %s was cancelled before any payment was made.", name)
	case x402.CodeSignerFailure:
		if strings.Contains(messageOf(err), "not ready") {
			return signerNotReadyText
		}
	}
	return "Sorry, the payment or API call failed: " + messageOf(err)
}

func messageOf(err error) string {
	if xe, ok := xerrors.From(err); ok {
		if msg := xe.Message(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
