package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"X402-Agent/internal/dispatch"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/internal/registry"
	"X402-Agent/internal/x402"
	"X402-Agent/pkg/logger"
)

const (
	proxyPrefix          = dispatch.DefaultProxyPrefix
	maxProxyBodyBytes    = 1 << 20
	maxUpstreamBodyBytes = 8 << 20
)

// handleProxy 转发到注册表中的付费接口。客户端自己完成支付，服务端只透传
// X-PAYMENT 与 X-PAYMENT-RESPONSE，从不接触签名内容。
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	endpoint, ok := s.opts.Catalog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown endpoint", id)
		return
	}
	if r.Method != endpoint.Method && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	args, err := proxyArguments(r, endpoint)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	violations, err := endpoint.ValidateArguments(args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid arguments", err.Error())
		return
	}
	if len(violations) > 0 {
		writeError(w, http.StatusBadRequest, "Invalid arguments", strings.Join(violations, "; "))
		return
	}

	upstream, err := dispatch.BuildRequest(endpoint, args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid arguments", err.Error())
		return
	}
	req, err := upstream.NewHTTPRequest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Proxy request failed", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	payment := r.Header.Get(x402.HeaderPayment)
	if payment != "" {
		req.Header.Set(x402.HeaderPayment, payment)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("proxy", 0)
		s.log.Warn("代理请求失败", "endpoint", endpoint.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Proxy request failed", err.Error())
		return
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("proxy", resp.StatusCode)

	limit := s.opts.MaxUpstreamBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Proxy request failed", err.Error())
		return
	}
	tooLarge := int64(len(body)) > limit

	if settlement := resp.Header.Get(x402.HeaderPaymentResponse); settlement != "" {
		w.Header().Set(x402.HeaderPaymentResponse, settlement)
		w.Header().Set("Access-Control-Expose-Headers", x402.HeaderPaymentResponse)
		txHash := ""
		if parsed, ok := x402.ParseSettlement(settlement); ok {
			txHash = parsed.TxHash
		}
		logger.Audit().Info("proxy_payment_settled",
			"endpoint", endpoint.ID,
			"status", resp.StatusCode,
			"tx_hash", txHash,
			"payment_fp", logger.Fingerprint(payment),
		)
	} else if payment != "" {
		logger.Audit().Info("proxy_payment_forwarded",
			"endpoint", endpoint.ID,
			"status", resp.StatusCode,
			"payment_fp", logger.Fingerprint(payment),
		)
	}

	if tooLarge {
		// 结算头已经透传，客户端仍能拿到交易哈希。
		s.log.Warn("上游响应体超出限制", "endpoint", endpoint.ID, "status", resp.StatusCode, "limit", limit)
		writeError(w, http.StatusBadGateway, "Upstream response too large",
			fmt.Sprintf("upstream response exceeded %d bytes", limit))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if json.Valid(body) {
		contentType = "application/json"
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// proxyArguments 从查询串（GET）或 JSON 请求体中读取参数。
func proxyArguments(r *http.Request, endpoint registry.Endpoint) (map[string]any, error) {
	if r.Method == http.MethodGet {
		return queryArguments(r.URL.Query(), endpoint.Parameters), nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodyBytes))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// queryArguments 按参数 schema 声明的类型转换查询串取值。
func queryArguments(values url.Values, schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	args := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		var declared string
		if prop, ok := props[key].(map[string]any); ok {
			declared, _ = prop["type"].(string)
		}
		if declared == "array" {
			items := make([]any, 0, len(vals))
			for _, v := range vals {
				items = append(items, v)
			}
			args[key] = items
			continue
		}
		args[key] = coerce(vals[0], declared)
	}
	return args
}

func coerce(value, declared string) any {
	switch declared {
	case "integer":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}
