package x402

import (
	"net/http"
	"strings"

	xerrors "X402-Agent/internal/errors"
)

const (
	CodeUnsupportedScheme   xerrors.Code = "UNSUPPORTED_SCHEME"
	CodeInvalidChallenge    xerrors.Code = "INVALID_CHALLENGE"
	CodePaymentCapExceeded  xerrors.Code = "PAYMENT_CAP_EXCEEDED"
	CodeBudgetExceeded      xerrors.Code = "BUDGET_EXCEEDED"
	CodeSignerFailure       xerrors.Code = "SIGNER_FAILURE"
	CodePaymentRejected     xerrors.Code = "PAYMENT_REJECTED"
	CodeDownstreamError     xerrors.Code = "DOWNSTREAM_ERROR"
	CodeUpstreamTimeout     xerrors.Code = "UPSTREAM_TIMEOUT"
	CodeCancelled           xerrors.Code = "CANCELLED"
	CodeSettlementTimeout   xerrors.Code = "SETTLEMENT_TIMEOUT"
	CodeSettlementUnknown   xerrors.Code = "SETTLEMENT_UNKNOWN"
	CodeAuthorizationReused xerrors.Code = "AUTHORIZATION_REUSED"
	CodeResponseTooLarge    xerrors.Code = "RESPONSE_TOO_LARGE"

	// CodeSettledDownstreamFailed 表示结算已完成但接口返回失败，metadata 带 tx_hash。
	CodeSettledDownstreamFailed xerrors.Code = "SETTLED_DOWNSTREAM_FAILED"
)

func init() {
	xerrors.Register(CodeUnsupportedScheme, xerrors.Attributes{
		Message:  "unsupported payment scheme",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidChallenge, xerrors.Attributes{
		Message:  "invalid payment challenge",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePaymentCapExceeded, xerrors.Attributes{
		Message:  "payment exceeds the per-call ceiling",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:  "spend budget exhausted",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSignerFailure, xerrors.Attributes{
		Message:  "payment signer failure",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodePaymentRejected, xerrors.Attributes{
		Message:  "payment rejected by endpoint",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDownstreamError, xerrors.Attributes{
		Message:   "endpoint call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeUpstreamTimeout, xerrors.Attributes{
		Message:   "endpoint timed out before payment",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeCancelled, xerrors.Attributes{
		Message:   "request cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeSettlementTimeout, xerrors.Attributes{
		Message:     "paid request timed out",
		Severity:    xerrors.SeverityCritical,
		Status:      http.StatusGatewayTimeout,
		Alert:       true,
		FundsAtRisk: true,
	})
	xerrors.Register(CodeSettlementUnknown, xerrors.Attributes{
		Message:     "paid request outcome unknown",
		Severity:    xerrors.SeverityCritical,
		Status:      http.StatusBadGateway,
		Alert:       true,
		FundsAtRisk: true,
	})
	xerrors.Register(CodeSettledDownstreamFailed, xerrors.Attributes{
		Message:     "endpoint failed after the payment settled",
		Severity:    xerrors.SeverityCritical,
		Status:      http.StatusBadGateway,
		Alert:       true,
		FundsAtRisk: true,
	})
	xerrors.Register(CodeResponseTooLarge, xerrors.Attributes{
		Message:  "endpoint response too large",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusBadGateway,
	})
	xerrors.Register(CodeAuthorizationReused, xerrors.Attributes{
		Message:  "payment authorization already used",
		Severity: xerrors.SeverityWarning,
	})
}

// FundsAtRisk reports whether err means a signed payment may have settled
// without the caller receiving a result.
func FundsAtRisk(err error) bool {
	return xerrors.FundsAtRisk(err)
}

func outcomeLabel(code xerrors.Code) string {
	return strings.ToLower(string(code))
}
