package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// Code 是跨包共享的错误码，各业务包在 init 中注册自己的码。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 描述错误码的默认行为。
//
// Status 为 0 时按 500 处理。FundsAtRisk 表示付款可能已结算但结果未知，
// 调用方不得自动重试。
type Attributes struct {
	Message     string
	Severity    Severity
	Status      int
	Retryable   bool
	Alert       bool
	FundsAtRisk bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeConfig                Code = "CONFIG_ERROR"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, Status: http.StatusBadRequest},
		CodeConfig:                {Message: "invalid configuration", Severity: SeverityCritical},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Status: http.StatusServiceUnavailable, Retryable: true, Alert: true},
		CodeUpstreamFailure:       {Message: "upstream call failed", Severity: SeverityWarning, Status: http.StatusBadGateway, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Status: http.StatusGatewayTimeout, Retryable: true},
	}
)

// Register 在包初始化阶段登记错误码，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码的属性，未登记的码回落到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Codes 返回已登记的全部错误码，按字母排序。
func Codes() []Code {
	registryMu.RLock()
	codes := make([]Code, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	registryMu.RUnlock()
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Error 携带错误码、消息、原因与元数据。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity Severity
}

// Option 调整新建的错误。
type Option func(*Error)

// WithMetadata 附加一条键值，例如 endpoint、tx_hash。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = sev
	}
}

// New 创建错误，message 为空时使用登记的默认消息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，供 errors.Is 使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if e == nil || !ok || t == nil {
		return false
	}
	return e.code == t.code
}

// LogValue 让 slog 以分组字段输出错误，而不是拼接后的字符串。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, e.metadata[k]))
	}
	return slog.GroupValue(attrs...)
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != "" {
		return e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 沿错误链查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码，非统一错误返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// IsCode 判断错误链中是否存在指定错误码。
func IsCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// attributesOf 只对统一错误返回登记属性，普通 error 不携带任何属性。
func attributesOf(err error) (Attributes, bool) {
	e, ok := From(err)
	if !ok {
		return Attributes{}, false
	}
	return AttributesOf(e.Code()), true
}

func RetryableError(err error) bool {
	attr, _ := attributesOf(err)
	return attr.Retryable
}

func ShouldAlert(err error) bool {
	attr, _ := attributesOf(err)
	return attr.Alert
}

// FundsAtRisk 报告错误是否发生在付款可能已结算之后。
func FundsAtRisk(err error) bool {
	attr, _ := attributesOf(err)
	return attr.FundsAtRisk
}

// StatusOf 将错误映射为 HTTP 状态码，nil 返回 200。
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if attr, ok := attributesOf(err); ok && attr.Status != 0 {
		return attr.Status
	}
	return http.StatusInternalServerError
}

func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// MetadataOf 返回元数据，非统一错误返回 nil。
func MetadataOf(err error) map[string]string {
	if e, ok := From(err); ok {
		return e.Metadata()
	}
	return nil
}
