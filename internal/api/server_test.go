package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"X402-Agent/internal/budget"
	"X402-Agent/internal/conversation"
	"X402-Agent/internal/dispatch"
	"X402-Agent/internal/ledger"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/registry"
	"X402-Agent/internal/web3"
	"X402-Agent/internal/x402"
)

type stubOracle struct {
	decision *llm.Decision
	err      error
	summary  string
}

func (s *stubOracle) Decide(context.Context, llm.DecideRequest) (*llm.Decision, error) {
	return s.decision, s.err
}

func (s *stubOracle) Summarize(context.Context, llm.SummaryRequest) (string, error) {
	return s.summary, nil
}

type stubExecutor struct {
	result *x402.Result
	calls  int
}

func (s *stubExecutor) Execute(context.Context, x402.Request, ...x402.ExecuteOption) (*x402.Result, error) {
	s.calls++
	return s.result, nil
}

type stubPayments struct{ records []ledger.Record }

func (s *stubPayments) Recent(_ context.Context, limit int) ([]ledger.Record, error) {
	if limit < len(s.records) {
		return s.records[:limit], nil
	}
	return s.records, nil
}

type stubBalances struct{}

func (stubBalances) AssetBalance(_ context.Context, network, owner string) (*big.Int, web3.NetworkDefinition, error) {
	if network != "base" {
		return nil, web3.NetworkDefinition{}, errors.New("unknown network")
	}
	return big.NewInt(1_500_000), web3.NetworkDefinition{Asset: "0xusdc", AssetName: "USD Coin", AssetDecimals: 6}, nil
}

// upstream mimics a paid endpoint: 402 without X-PAYMENT, 200 with it.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get(x402.HeaderPayment) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"x402Version":1,"accepts":[]}`))
			return
		}
		w.Header().Set("X-Payment-Response", "tx_hash:0xabc")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method": r.Method,
			"query":  r.URL.RawQuery,
		})
	}))
}

func newTestServer(t *testing.T, upstreamURL string, oracle *stubOracle, opts Options) *Server {
	t.Helper()
	catalog := fmt.Sprintf(`
endpoints:
  - id: qr_generator
    name: Generate QR Code
    url: %[1]s/qr
    method: GET
    estimated_cost: "$0.01 USDC"
    result_kind: qr-code
    parameters:
      type: object
      properties:
        data: {type: string}
        size: {type: integer}
      required: [data]
  - id: summarize
    name: Summarize Text
    url: %[1]s/summarize
    method: POST
    estimated_cost: "$0.02 USDC"
`, upstreamURL)
	reg := registry.New()
	if _, err := reg.Load(strings.NewReader(catalog)); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	orch := conversation.New(reg, dispatch.New(reg), oracle)
	opts.Catalog = reg
	opts.Orchestrator = orch
	return NewServer(opts)
}

func do(t *testing.T, h http.Handler, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestChatMethodAndValidation(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:1", &stubOracle{}, Options{})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/api/chat", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/chat", `{"foo":1}`, nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "Messages array is required" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/chat", `{"messages":[{"role":"system","content":"x"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("client-supplied system messages should be rejected, got %d", rec.Code)
	}
}

func TestChatPlainReply(t *testing.T) {
	oracle := &stubOracle{decision: &llm.Decision{Text: "hello", Usage: &llm.Usage{TotalTokens: 12}}}
	srv := newTestServer(t, "http://127.0.0.1:1", oracle, Options{})
	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat",
		map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["message"] != "hello" {
		t.Fatalf("unexpected body %v", body)
	}
	if usage, ok := body["usage"].(map[string]any); !ok || usage["total_tokens"] != float64(12) {
		t.Fatalf("usage should pass through: %v", body["usage"])
	}
	if _, ok := body["action"]; ok {
		t.Fatalf("plain reply must not carry an action")
	}
}

func TestChatProposesProxyCall(t *testing.T) {
	oracle := &stubOracle{decision: &llm.Decision{Call: &llm.FunctionCall{
		Name: "qr_generator", Arguments: json.RawMessage(`{"data":"https://x402.org"}`),
	}}}
	srv := newTestServer(t, "http://127.0.0.1:1", oracle, Options{})
	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat",
		map[string]any{"messages": []map[string]string{{"role": "user", "content": "qr please"}}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["message"] != "I'll generate qr code for you. This costs approximately $0.01 USDC." {
		t.Fatalf("unexpected message %v", body["message"])
	}
	action := body["action"].(map[string]any)
	if action["type"] != "proxy-call" || action["proxyRoute"] != "/api/x402/qr_generator" {
		t.Fatalf("unexpected action %v", action)
	}
	if params := action["params"].(map[string]any); params["data"] != "https://x402.org" {
		t.Fatalf("unexpected params %v", params)
	}
	endpoint := action["endpoint"].(map[string]any)
	if endpoint["id"] != "qr_generator" || endpoint["estimatedCost"] != "$0.01 USDC" {
		t.Fatalf("unexpected endpoint %v", endpoint)
	}
}

func TestChatErrors(t *testing.T) {
	msgs := map[string]any{"messages": []map[string]string{{"role": "user", "content": "x"}}}

	unknown := &stubOracle{decision: &llm.Decision{Call: &llm.FunctionCall{Name: "missing", Arguments: json.RawMessage(`{}`)}}}
	rec := do(t, newTestServer(t, "http://127.0.0.1:1", unknown, Options{}).Handler(), http.MethodPost, "/api/chat", msgs, nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "Unknown function" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	invalid := &stubOracle{decision: &llm.Decision{Call: &llm.FunctionCall{Name: "qr_generator", Arguments: json.RawMessage(`{}`)}}}
	rec = do(t, newTestServer(t, "http://127.0.0.1:1", invalid, Options{}).Handler(), http.MethodPost, "/api/chat", msgs, nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "Invalid arguments" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	failing := &stubOracle{err: errors.New("upstream 500")}
	rec = do(t, newTestServer(t, "http://127.0.0.1:1", failing, Options{}).Handler(), http.MethodPost, "/api/chat", msgs, nil)
	body := decode(t, rec)
	if rec.Code != http.StatusInternalServerError || body["error"] != "Failed to get AI response" || body["details"] == "" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
}

func TestProxyForwardsPayment(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	srv := newTestServer(t, upstream.URL, &stubOracle{}, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/x402/qr_generator?data=hello&size=3", nil, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected the 402 to pass through, got %d", rec.Code)
	}
	if rec.Header().Get(x402.HeaderPaymentResponse) != "" {
		t.Fatalf("no settlement header expected on 402")
	}

	rec = do(t, h, http.MethodGet, "/api/x402/qr_generator?data=hello&size=3", nil,
		http.Header{x402.HeaderPayment: {"signed-payload"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(x402.HeaderPaymentResponse) != "tx_hash:0xabc" {
		t.Fatalf("settlement header not forwarded: %v", rec.Header())
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != x402.HeaderPaymentResponse {
		t.Fatalf("settlement header not exposed: %v", rec.Header())
	}
	body := decode(t, rec)
	if body["method"] != http.MethodGet || body["query"] != "data=hello&size=3" {
		t.Fatalf("unexpected upstream request %v", body)
	}
}

func TestProxyRejectsOversizedUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Payment-Response", "tx_hash:0xabc")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"qr_code":"` + strings.Repeat("A", 256) + `"}`))
	}))
	defer upstream.Close()
	srv := newTestServer(t, upstream.URL, &stubOracle{}, Options{MaxUpstreamBodyBytes: 64})

	rec := do(t, srv.Handler(), http.MethodGet, "/api/x402/qr_generator?data=hello", nil,
		http.Header{x402.HeaderPayment: {"signed-payload"}})
	if rec.Code != http.StatusBadGateway || decode(t, rec)["error"] != "Upstream response too large" {
		t.Fatalf("expected 502 for oversized body, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(x402.HeaderPaymentResponse) != "tx_hash:0xabc" {
		t.Fatalf("settlement header must survive the rejection: %v", rec.Header())
	}
}

func TestProxyPostParamsForGetEndpoint(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	srv := newTestServer(t, upstream.URL, &stubOracle{}, Options{})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/x402/qr_generator", `{"data":"hi"}`,
		http.Header{x402.HeaderPayment: {"p"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["method"] != http.MethodGet || body["query"] != "data=hi" {
		t.Fatalf("params must be placed per the endpoint declaration: %v", body)
	}
}

func TestProxyErrors(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:1", &stubOracle{}, Options{})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/api/x402/missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodDelete, "/api/x402/qr_generator", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed || decode(t, rec)["error"] != "Method not allowed" {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/x402/qr_generator", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing required params should be rejected, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/x402/summarize", `{"text":"x"}`, nil)
	if rec.Code != http.StatusInternalServerError || decode(t, rec)["error"] != "Proxy request failed" {
		t.Fatalf("expected 500 for unreachable upstream, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestConversationFlow(t *testing.T) {
	oracle := &stubOracle{
		decision: &llm.Decision{Call: &llm.FunctionCall{Name: "summarize", Arguments: json.RawMessage(`{"text":"long article"}`)}},
		summary:  "The article is about payments.",
	}
	exec := &stubExecutor{result: &x402.Result{
		StatusCode: 200,
		Body:       []byte(`{"summary":"payments","words":2}`),
		Paid:       true,
		Settlement: &x402.Settlement{TxHash: "0x1", Amount: "0.01", Currency: "USDC", Network: "base"},
	}}
	srv := newTestServer(t, "http://127.0.0.1:1", oracle, Options{
		Executors: func(*conversation.Conversation) conversation.Executor { return exec },
	})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/conversations", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	id := decode(t, rec)["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/conversations/"+id+"/messages", map[string]string{"content": "summarize this"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("message: %d %s", rec.Code, rec.Body.String())
	}
	view := decode(t, rec)
	if view["state"] != string(conversation.StateAwaitingExecution) {
		t.Fatalf("unexpected state %v", view["state"])
	}
	actionID := view["pendingAction"].(map[string]any)["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/conversations/"+id+"/messages", map[string]string{"content": "again"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while awaiting confirmation, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/conversations/"+id+"/actions/"+actionID+"/confirm", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}
	view = decode(t, rec)
	msgs := view["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)
	if last["content"] != "The article is about payments." || view["state"] != string(conversation.StateIdle) {
		t.Fatalf("unexpected final view %v", view)
	}
	if exec.calls != 1 {
		t.Fatalf("expected one execution, got %d", exec.calls)
	}

	rec = do(t, h, http.MethodPost, "/api/conversations/"+id+"/actions/"+actionID+"/confirm", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replayed confirmation should conflict, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/conversations/unknown", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:1", &stubOracle{}, Options{RateLimit: 0.001, RateBurst: 2})
	h := srv.Handler()
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/api/endpoints", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/api/endpoints", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health checks are not rate limited, got %d", rec.Code)
	}
}

func TestEndpointsPaymentsWallet(t *testing.T) {
	limit := big.NewInt(5_000_000)
	b := budget.NewMemoryBudget(limit, 0)
	if err := b.Reserve(context.Background(), big.NewInt(250_000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	srv := newTestServer(t, "http://127.0.0.1:1", &stubOracle{}, Options{
		Payments:       &stubPayments{records: []ledger.Record{{ID: "1", TxHash: "0x1"}, {ID: "2", TxHash: "0x2"}}},
		Balances:       stubBalances{},
		Budget:         b,
		WalletAddress:  "0xwallet",
		DefaultNetwork: "base",
	})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/endpoints", nil, nil)
	endpoints := decode(t, rec)["endpoints"].([]any)
	if len(endpoints) != 2 {
		t.Fatalf("unexpected endpoints %v", endpoints)
	}
	first := endpoints[0].(map[string]any)
	if first["proxyRoute"] == "" || first["name"] == "" {
		t.Fatalf("unexpected endpoint view %v", first)
	}

	rec = do(t, h, http.MethodGet, "/api/payments?limit=1", nil, nil)
	if payments := decode(t, rec)["payments"].([]any); len(payments) != 1 {
		t.Fatalf("expected one payment, got %v", payments)
	}

	rec = do(t, h, http.MethodGet, "/api/wallet", nil, nil)
	wallet := decode(t, rec)
	if wallet["balance"] != "1.5" || wallet["currency"] != "USD Coin" {
		t.Fatalf("unexpected wallet view %v", wallet)
	}
	budgetView := wallet["budget"].(map[string]any)
	if budgetView["spent"] != "0.25" || budgetView["remaining"] != "4.75" {
		t.Fatalf("unexpected budget %v", budgetView)
	}
}
