package x402

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/pkg/logger"
)

const (
	defaultInitialTimeout = 30 * time.Second
	defaultRetryTimeout   = 60 * time.Second
	defaultMaxBodyBytes   = 4 << 20
	defaultCurrency       = "USDC"
)

// ErrResponseTooLarge means a response body exceeded MaxBodyBytes. The body
// is never handed back truncated as a successful result.
var ErrResponseTooLarge = stdErrors.New("response body exceeds the configured limit")

// Request is anything that can be materialised into an HTTP request more
// than once. dispatch.Request satisfies it.
type Request interface {
	NewHTTPRequest(ctx context.Context) (*http.Request, error)
}

// Signer produces an X-PAYMENT header value paying requirement. It is the
// only component with access to wallet key material.
type Signer interface {
	Sign(ctx context.Context, requirement Requirement) (string, error)
}

// NetworkSigner is implemented by signers restricted to certain networks.
type NetworkSigner interface {
	Signer
	Supports(network string) bool
}

// Budget tracks cumulative spend across calls. Reserve is consulted after the
// per-call ceiling and before signing; Refund returns a reservation when the
// server provably did not take the payment.
type Budget interface {
	Reserve(ctx context.Context, amount *big.Int) error
	Refund(ctx context.Context, amount *big.Int) error
}

// Config describes the spend policy and timeouts of a Client.
type Config struct {
	// MaxPayment is the per-call ceiling in currency units, e.g. "0.30".
	MaxPayment     string
	Decimals       int
	Currency       string
	Networks       []string
	InitialTimeout time.Duration
	RetryTimeout   time.Duration
	MaxBodyBytes   int64
}

// Client performs the 402 challenge/response handshake. A Client belongs to
// one conversation; concurrent conversations use separate instances.
type Client struct {
	httpClient     *http.Client
	signer         Signer
	budget         Budget
	ceiling        *big.Int
	decimals       int
	currency       string
	networks       map[string]struct{}
	initialTimeout time.Duration
	retryTimeout   time.Duration
	maxBodyBytes   int64
	audit          *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBudget enables cumulative spend tracking.
func WithBudget(b Budget) Option {
	return func(c *Client) {
		c.budget = b
	}
}

// WithAuditLogger overrides where payment lifecycle events are written.
func WithAuditLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.audit = l
		}
	}
}

// NewClient validates cfg and returns a Client. signer may be nil, in which
// case any 402 response fails with SIGNER_FAILURE.
func NewClient(cfg Config, signer Signer, opts ...Option) (*Client, error) {
	decimals := cfg.Decimals
	if decimals <= 0 {
		decimals = DefaultDecimals
	}
	ceiling, err := ParseAmount(cfg.MaxPayment, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "invalid payment ceiling")
	}
	currency := strings.TrimSpace(cfg.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	c := &Client{
		httpClient:     &http.Client{},
		signer:         signer,
		ceiling:        ceiling,
		decimals:       decimals,
		currency:       currency,
		initialTimeout: cfg.InitialTimeout,
		retryTimeout:   cfg.RetryTimeout,
		maxBodyBytes:   cfg.MaxBodyBytes,
		audit:          logger.Audit(),
	}
	if c.initialTimeout <= 0 {
		c.initialTimeout = defaultInitialTimeout
	}
	if c.retryTimeout <= 0 {
		c.retryTimeout = defaultRetryTimeout
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = defaultMaxBodyBytes
	}
	if len(cfg.Networks) > 0 {
		c.networks = make(map[string]struct{}, len(cfg.Networks))
		for _, n := range cfg.Networks {
			c.networks[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Ceiling returns the per-call ceiling in atomic units.
func (c *Client) Ceiling() *big.Int {
	return new(big.Int).Set(c.ceiling)
}

// Result is the outcome of Execute.
type Result struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	Settlement  *Settlement
	Requirement *Requirement
	Paid        bool
	Attempts    int
}

// OK reports whether the final response was a 2xx.
func (r *Result) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err converts a non-2xx final response into a DOWNSTREAM_ERROR.
func (r *Result) Err() error {
	if r == nil || r.OK() {
		return nil
	}
	return xerrors.New(CodeDownstreamError,
		fmt.Sprintf("endpoint returned status %d: %s", r.StatusCode, excerpt(r.Body)),
		xerrors.WithMetadata("status", strconv.Itoa(r.StatusCode)))
}

type executeOptions struct {
	authorization *Authorization
}

// ExecuteOption customises a single Execute call.
type ExecuteOption func(*executeOptions)

// WithAuthorization attaches a previously obtained authorization to the
// first request. It is consumed even if the server rejects it.
func WithAuthorization(auth *Authorization) ExecuteOption {
	return func(o *executeOptions) {
		o.authorization = auth
	}
}

// Execute sends req, paying once if the server answers 402. At most two
// HTTP requests are made.
func (c *Client) Execute(ctx context.Context, req Request, opts ...ExecuteOption) (*Result, error) {
	var eo executeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&eo)
		}
	}

	var paymentHeader string
	if eo.authorization != nil {
		header, ok := eo.authorization.consume()
		if !ok {
			return nil, xerrors.New(CodeAuthorizationReused, "payment authorization was already used")
		}
		paymentHeader = header
	}

	initialCtx, cancel := context.WithTimeout(ctx, c.initialTimeout)
	first, err := c.send(initialCtx, req, paymentHeader)
	cancel()
	metrics.ObserveUpstream("initial", statusOf(first))
	if err != nil {
		if stdErrors.Is(err, ErrResponseTooLarge) {
			return nil, xerrors.Wrap(CodeResponseTooLarge, err,
				fmt.Sprintf("endpoint response exceeded %d bytes", c.maxBodyBytes),
				xerrors.WithMetadata("status", strconv.Itoa(first.StatusCode)))
		}
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(CodeCancelled, err, "request cancelled before any payment was made")
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(CodeUpstreamTimeout, err, "endpoint did not respond in time")
		}
		return nil, xerrors.Wrap(CodeDownstreamError, err, "endpoint request failed")
	}
	first.Attempts = 1
	if first.StatusCode != http.StatusPaymentRequired {
		if settlement, ok := ParseSettlement(first.Header.Get(HeaderPaymentResponse)); ok {
			first.Settlement = settlement
			first.Paid = paymentHeader != ""
		}
		return first, nil
	}

	requirement, amount, err := c.selectRequirement(first.Body)
	if err != nil {
		metrics.ObservePayment(outcomeLabel(xerrors.CodeOf(err)), "")
		return nil, err
	}
	network := requirement.Network

	if amount.Cmp(c.ceiling) > 0 {
		err := xerrors.New(CodePaymentCapExceeded,
			fmt.Sprintf("payment of %s %s exceeds the per-call limit of %s %s",
				FormatAmount(amount, c.decimals), c.currency, FormatAmount(c.ceiling, c.decimals), c.currency),
			xerrors.WithMetadata("required", amount.String()),
			xerrors.WithMetadata("ceiling", c.ceiling.String()))
		c.audit.Warn("payment_refused", "reason", "cap_exceeded", "network", network,
			"required", amount.String(), "ceiling", c.ceiling.String(), "resource", requirement.Resource)
		metrics.ObservePayment(outcomeLabel(CodePaymentCapExceeded), network)
		return nil, err
	}

	if c.budget != nil {
		if err := c.budget.Reserve(ctx, amount); err != nil {
			metrics.ObservePayment(outcomeLabel(CodeBudgetExceeded), network)
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(CodeBudgetExceeded, err, "spend budget refused the payment")
		}
	}

	if c.signer == nil {
		c.refund(ctx, amount)
		metrics.ObservePayment(outcomeLabel(CodeSignerFailure), network)
		return nil, xerrors.New(CodeSignerFailure, "payment system not ready: no wallet signer configured")
	}
	header, err := c.signer.Sign(ctx, *requirement)
	if err != nil || strings.TrimSpace(header) == "" {
		c.refund(ctx, amount)
		metrics.ObservePayment(outcomeLabel(CodeSignerFailure), network)
		if err == nil {
			err = stdErrors.New("signer returned an empty authorization")
		}
		return nil, xerrors.Wrap(CodeSignerFailure, err, "could not sign payment authorization")
	}
	auth := NewAuthorization(header, *requirement)
	signed, _ := auth.consume()

	c.audit.Info("payment_initiated",
		"network", network,
		"amount", FormatAmount(amount, c.decimals),
		"currency", c.currency,
		"pay_to", requirement.PayTo,
		"resource", requirement.Resource,
		"payment_fp", logger.Fingerprint(signed),
	)

	// Money may move from here on, so the retry no longer follows the caller.
	retryCtx, cancelRetry := context.WithTimeout(context.WithoutCancel(ctx), c.retryTimeout)
	defer cancelRetry()
	second, err := c.send(retryCtx, req, signed)
	metrics.ObserveUpstream("retry", statusOf(second))
	tooLarge := stdErrors.Is(err, ErrResponseTooLarge)
	if err != nil && !tooLarge {
		code := CodeSettlementUnknown
		msg := "paid request failed after the payment was sent"
		if stdErrors.Is(err, context.DeadlineExceeded) {
			code = CodeSettlementTimeout
			msg = "paid request timed out after the payment was sent"
		}
		c.audit.Error("payment_failed", "network", network, "code", string(code),
			"payment_fp", logger.Fingerprint(signed), "error", err.Error())
		metrics.ObservePayment(outcomeLabel(code), network)
		return nil, xerrors.Wrap(code, err, msg,
			xerrors.WithMetadata("amount", FormatAmount(amount, c.decimals)),
			xerrors.WithMetadata("network", network))
	}
	second.Attempts = 2
	second.Requirement = requirement

	// 结算凭证在失败响应里同样有效，必须保留。
	if settlement, ok := ParseSettlement(second.Header.Get(HeaderPaymentResponse)); ok && (tooLarge || !second.OK()) {
		return nil, c.settledFailure(second, settlement, amount, network, signed, err)
	}
	if tooLarge {
		c.audit.Error("payment_failed", "network", network, "code", string(CodeSettlementUnknown),
			"payment_fp", logger.Fingerprint(signed), "error", err.Error())
		metrics.ObservePayment(outcomeLabel(CodeSettlementUnknown), network)
		return nil, xerrors.Wrap(CodeSettlementUnknown, err,
			fmt.Sprintf("paid response exceeded %d bytes", c.maxBodyBytes),
			xerrors.WithMetadata("amount", FormatAmount(amount, c.decimals)),
			xerrors.WithMetadata("network", network),
			xerrors.WithMetadata("status", strconv.Itoa(second.StatusCode)))
	}

	if !second.OK() {
		if second.StatusCode == http.StatusPaymentRequired {
			c.refund(ctx, amount)
		}
		c.audit.Warn("payment_failed", "network", network, "code", string(CodePaymentRejected),
			"status", second.StatusCode, "payment_fp", logger.Fingerprint(signed))
		metrics.ObservePayment(outcomeLabel(CodePaymentRejected), network)
		return nil, xerrors.New(CodePaymentRejected,
			fmt.Sprintf("endpoint refused the payment (status %d): %s", second.StatusCode, excerpt(second.Body)),
			xerrors.WithMetadata("status", strconv.Itoa(second.StatusCode)))
	}

	second.Paid = true
	settlement, ok := ParseSettlement(second.Header.Get(HeaderPaymentResponse))
	if ok {
		settlement.Amount = FormatAmount(amount, c.decimals)
		settlement.Currency = c.currency
		if settlement.Network == "" {
			settlement.Network = network
		}
		second.Settlement = settlement
	}
	c.audit.Info("payment_settled",
		"network", network,
		"amount", FormatAmount(amount, c.decimals),
		"currency", c.currency,
		"tx_hash", txHashOf(settlement),
		"status", second.StatusCode,
	)
	metrics.ObservePayment("settled", network)
	if f, err := strconv.ParseFloat(FormatAmount(amount, c.decimals), 64); err == nil {
		metrics.AddSpend(network, c.currency, f)
	}
	return second, nil
}

// settledFailure builds the error for a paid retry whose settlement header
// was present while the response itself is unusable.
func (c *Client) settledFailure(res *Result, settlement *Settlement, amount *big.Int, network, signed string, cause error) error {
	if settlement.Network == "" {
		settlement.Network = network
	}
	formatted := FormatAmount(amount, c.decimals)
	reason := fmt.Sprintf("status %d: %s", res.StatusCode, excerpt(res.Body))
	if cause != nil {
		reason = cause.Error()
	}
	c.audit.Error("payment_failed",
		"network", settlement.Network,
		"code", string(CodeSettledDownstreamFailed),
		"amount", formatted,
		"currency", c.currency,
		"tx_hash", settlement.TxHash,
		"status", res.StatusCode,
		"payment_fp", logger.Fingerprint(signed),
	)
	metrics.ObservePayment(outcomeLabel(CodeSettledDownstreamFailed), settlement.Network)
	return xerrors.New(CodeSettledDownstreamFailed,
		"endpoint failed after the payment settled ("+reason+")",
		xerrors.WithMetadata("tx_hash", settlement.TxHash),
		xerrors.WithMetadata("amount", formatted),
		xerrors.WithMetadata("currency", c.currency),
		xerrors.WithMetadata("network", settlement.Network),
		xerrors.WithMetadata("payer", settlement.Payer),
		xerrors.WithMetadata("status", strconv.Itoa(res.StatusCode)))
}

func (c *Client) selectRequirement(body []byte) (*Requirement, *big.Int, error) {
	challenge, err := ParseChallenge(body)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeInvalidChallenge, err, "malformed payment challenge")
	}
	var offered []string
	for i := range challenge.Accepts {
		candidate := challenge.Accepts[i]
		offered = append(offered, candidate.Scheme+"/"+candidate.Network)
		if !strings.EqualFold(candidate.Scheme, SchemeExact) {
			continue
		}
		if !c.supportsNetwork(candidate.Network) {
			continue
		}
		amount, err := candidate.Amount()
		if err != nil {
			return nil, nil, xerrors.Wrap(CodeInvalidChallenge, err, "malformed payment amount")
		}
		return &candidate, amount, nil
	}
	return nil, nil, xerrors.New(CodeUnsupportedScheme,
		fmt.Sprintf("no supported payment scheme offered (%s)", strings.Join(offered, ", ")))
}

func (c *Client) supportsNetwork(network string) bool {
	key := strings.ToLower(strings.TrimSpace(network))
	if c.networks != nil {
		if _, ok := c.networks[key]; !ok {
			return false
		}
	}
	if ns, ok := c.signer.(NetworkSigner); ok {
		return ns.Supports(network)
	}
	return true
}

func (c *Client) refund(ctx context.Context, amount *big.Int) {
	if c.budget == nil {
		return
	}
	if err := c.budget.Refund(context.WithoutCancel(ctx), amount); err != nil {
		logger.L().Warn("budget refund failed", "amount", amount.String(), "error", err)
	}
}

func (c *Client) send(ctx context.Context, req Request, paymentHeader string) (*Result, error) {
	httpReq, err := req.NewHTTPRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if paymentHeader != "" {
		httpReq.Header.Set(HeaderPayment, paymentHeader)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res := &Result{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if int64(len(body)) > c.maxBodyBytes {
		// 头部仍然返回，调用方需要从中取结算凭证。
		res.Body = body[:c.maxBodyBytes]
		return res, ErrResponseTooLarge
	}
	return res, nil
}

func statusOf(r *Result) int {
	if r == nil {
		return 0
	}
	return r.StatusCode
}

func txHashOf(s *Settlement) string {
	if s == nil {
		return ""
	}
	return s.TxHash
}

func excerpt(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		return text[:256] + "..."
	}
	return text
}
