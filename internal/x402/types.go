package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync/atomic"
)

// Wire constants for x402 version 1.
const (
	Version               = 1
	SchemeExact           = "exact"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Challenge is the body of a 402 Payment Required response.
type Challenge struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error,omitempty"`
	Accepts     []Requirement `json:"accepts"`
}

// Requirement is one way the server is willing to be paid.
type Requirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Amount parses MaxAmountRequired as an integer count of atomic units.
func (r Requirement) Amount() (*big.Int, error) {
	raw := strings.TrimSpace(r.MaxAmountRequired)
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxAmountRequired %q", r.MaxAmountRequired)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative maxAmountRequired %q", r.MaxAmountRequired)
	}
	return amount, nil
}

// ExtraString returns a string value from the scheme-specific extra map.
func (r Requirement) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	if v, ok := r.Extra[key].(string); ok {
		return v
	}
	return ""
}

// ParseChallenge decodes a 402 response body.
func ParseChallenge(body []byte) (*Challenge, error) {
	var challenge Challenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("decode payment challenge: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, fmt.Errorf("payment challenge lists no accepted payment requirements")
	}
	return &challenge, nil
}

// PaymentPayload is the JSON document carried base64-encoded in X-PAYMENT.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload is the payload of the "exact" EVM scheme: an EIP-3009
// transferWithAuthorization signed by the payer.
type ExactPayload struct {
	Signature     string                `json:"signature"`
	Authorization TransferAuthorization `json:"authorization"`
}

// TransferAuthorization mirrors the EIP-3009 message fields.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EncodePaymentHeader renders payload as an X-PAYMENT header value.
func EncodePaymentHeader(payload PaymentPayload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// DecodePaymentHeader is the inverse of EncodePaymentHeader.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode payment payload: %w", err)
	}
	return &payload, nil
}

// Authorization is a signed X-PAYMENT value bound to one requirement. It can
// be attached to exactly one request.
type Authorization struct {
	header      string
	requirement Requirement
	used        atomic.Bool
}

// NewAuthorization wraps a signer-produced header value.
func NewAuthorization(header string, requirement Requirement) *Authorization {
	return &Authorization{header: header, requirement: requirement}
}

// Requirement returns the challenge requirement the authorization pays.
func (a *Authorization) Requirement() Requirement {
	return a.requirement
}

// Used reports whether the authorization was already attached to a request.
func (a *Authorization) Used() bool {
	return a.used.Load()
}

// consume hands out the header value once.
func (a *Authorization) consume() (string, bool) {
	if a == nil || !a.used.CompareAndSwap(false, true) {
		return "", false
	}
	return a.header, true
}

// Settlement is the proof of payment returned by a paid endpoint.
type Settlement struct {
	TxHash   string `json:"txHash"`
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
	Network  string `json:"network,omitempty"`
	Payer    string `json:"payer,omitempty"`
}

type settlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	TxHash      string `json:"txHash"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	ErrorReason string `json:"errorReason,omitempty"`
}

var (
	txHashPattern  = regexp.MustCompile(`tx_hash:([0-9a-fA-Fx]+)`)
	bareHashPrefix = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
)

// ParseSettlement extracts settlement proof from an X-PAYMENT-RESPONSE value.
// It accepts the "tx_hash:<hex>" form, a bare hex hash, and the base64 JSON
// settlement response. An empty or unrecognised header yields false.
func ParseSettlement(header string) (*Settlement, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, false
	}
	if m := txHashPattern.FindStringSubmatch(header); m != nil {
		return &Settlement{TxHash: m[1]}, true
	}
	if bareHashPrefix.MatchString(header) {
		return &Settlement{TxHash: header}, true
	}

	raw, err := decodeBase64(header)
	if err != nil {
		raw = []byte(header)
	}
	var resp settlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	hash := resp.Transaction
	if hash == "" {
		hash = resp.TxHash
	}
	if hash == "" {
		return nil, false
	}
	return &Settlement{TxHash: hash, Network: resp.Network, Payer: resp.Payer}, true
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}
