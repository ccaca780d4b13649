// Package x402agent is a Go client for the x402 agent HTTP API. It covers
// the stateless chat endpoint, the per-endpoint proxy routes (with an
// optional Payer that answers 402 challenges) and the server-wallet
// conversation routes.
package x402agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Paid calls wait for on-chain settlement, so it is longer than a typical
// API timeout.
const DefaultHTTPTimeout = 90 * time.Second

const (
	headerPayment         = "X-PAYMENT"
	headerPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Client wraps the HTTP interactions with the agent.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports model token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EndpointRef identifies the paid endpoint an action targets.
type EndpointRef struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EstimatedCost string `json:"estimatedCost"`
}

// Action is a proposed paid call the client completes through ProxyRoute.
type Action struct {
	Type       string         `json:"type"`
	ProxyRoute string         `json:"proxyRoute"`
	Params     map[string]any `json:"params"`
	Endpoint   EndpointRef    `json:"endpoint"`
}

// ChatResponse is the reply of the chat endpoint.
type ChatResponse struct {
	Message string  `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
	Action  *Action `json:"action,omitempty"`
}

// Endpoint describes a catalog entry.
type Endpoint struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    map[string]any `json:"parameters"`
	EstimatedCost string         `json:"estimatedCost"`
	ProxyRoute    string         `json:"proxyRoute"`
	Method        string         `json:"method"`
	ResultKind    string         `json:"resultKind,omitempty"`
}

// Payer answers a 402 challenge body with an X-PAYMENT header value.
type Payer func(ctx context.Context, challenge []byte) (string, error)

// ProxyResult is the outcome of a proxy call. Settlement holds the raw
// X-PAYMENT-RESPONSE header when the endpoint settled a payment.
type ProxyResult struct {
	StatusCode int
	Body       []byte
	Settlement string
	Paid       bool
}

// ConversationMessage is a rendered message of a server-side conversation.
type ConversationMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PendingAction is the paid call awaiting confirmation.
type PendingAction struct {
	ID       string         `json:"id"`
	Endpoint EndpointRef    `json:"endpoint"`
	Params   map[string]any `json:"params"`
}

// Conversation is the server view of a conversation.
type Conversation struct {
	ID       string                `json:"id"`
	State    string                `json:"state"`
	Messages []ConversationMessage `json:"messages"`
	Pending  *PendingAction        `json:"pendingAction,omitempty"`
}

// APIError represents a non-2xx response from the agent.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Details    string `json:"details"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Details != "" {
		return fmt.Sprintf("x402 agent api error (%d): %s - %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("x402 agent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the bearer token sent with every request.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token. An empty token disables the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Chat submits the full history and returns the assistant reply, which may
// carry a proposed paid action.
func (c *Client) Chat(ctx context.Context, messages []Message) (ChatResponse, error) {
	var resp ChatResponse
	err := c.post(ctx, "/api/chat", map[string]any{"messages": messages}, &resp)
	return resp, err
}

// Endpoints lists the paid endpoints.
func (c *Client) Endpoints(ctx context.Context) ([]Endpoint, error) {
	var out struct {
		Endpoints []Endpoint `json:"endpoints"`
	}
	err := c.get(ctx, "/api/endpoints", &out)
	return out.Endpoints, err
}

// CallAction posts the action parameters to its proxy route. When the
// endpoint answers 402 and payer is not nil, the challenge is paid once and
// the call retried with the X-PAYMENT header. Non-2xx upstream responses are
// returned in the result, not as errors.
func (c *Client) CallAction(ctx context.Context, action Action, payer Payer) (ProxyResult, error) {
	body, err := json.Marshal(action.Params)
	if err != nil {
		return ProxyResult{}, fmt.Errorf("encode params: %w", err)
	}
	result, err := c.proxy(ctx, action.ProxyRoute, body, "")
	if err != nil || result.StatusCode != http.StatusPaymentRequired || payer == nil {
		return result, err
	}
	header, err := payer(ctx, result.Body)
	if err != nil {
		return result, fmt.Errorf("pay challenge: %w", err)
	}
	result, err = c.proxy(ctx, action.ProxyRoute, body, header)
	result.Paid = err == nil
	return result, err
}

// StartConversation creates a server-side conversation paid from the
// server wallet.
func (c *Client) StartConversation(ctx context.Context) (Conversation, error) {
	var conv Conversation
	err := c.post(ctx, "/api/conversations", nil, &conv)
	return conv, err
}

// Send appends a user message and runs one model turn.
func (c *Client) Send(ctx context.Context, conversationID, content string) (Conversation, error) {
	var conv Conversation
	err := c.post(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]string{"content": content}, &conv)
	return conv, err
}

// Confirm executes the pending action.
func (c *Client) Confirm(ctx context.Context, conversationID, actionID string) (Conversation, error) {
	var conv Conversation
	err := c.post(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/actions/"+url.PathEscape(actionID)+"/confirm", nil, &conv)
	return conv, err
}

// Decline discards the pending action.
func (c *Client) Decline(ctx context.Context, conversationID, actionID string) (Conversation, error) {
	var conv Conversation
	err := c.post(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/actions/"+url.PathEscape(actionID)+"/decline", nil, &conv)
	return conv, err
}

func (c *Client) proxy(ctx context.Context, route string, body []byte, payment string) (ProxyResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, route, bytes.NewReader(body))
	if err != nil {
		return ProxyResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set(headerPayment, payment)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProxyResult{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProxyResult{}, fmt.Errorf("read response: %w", err)
	}
	return ProxyResult{
		StatusCode: resp.StatusCode,
		Body:       data,
		Settlement: resp.Header.Get(headerPaymentResponse),
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if endpoint == "" {
		return nil, errors.New("x402agent: empty route")
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
