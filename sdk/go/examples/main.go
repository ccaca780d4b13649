package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"X402-Agent/sdk/go/x402agent"
)

// main runs the client against an in-process fake agent.
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(x402agent.ChatResponse{
			Message: "I'll generate qr code for you. This costs approximately $0.01 USDC.",
			Action: &x402agent.Action{
				Type:       "proxy-call",
				ProxyRoute: "/api/x402/qr_generator",
				Params:     map[string]any{"data": "https://x402.org"},
				Endpoint:   x402agent.EndpointRef{ID: "qr_generator", Name: "Generate QR Code", EstimatedCost: "$0.01 USDC"},
			},
		})
	})
	mux.HandleFunc("/api/x402/qr_generator", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"x402Version":1,"accepts":[]}`))
			return
		}
		w.Header().Set("X-PAYMENT-RESPONSE", "demo-settlement")
		_, _ = w.Write([]byte(`{"qr_code":"data:image/png;base64,iVBORw0KGgo="}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := x402agent.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Chat(ctx, []x402agent.Message{{Role: "user", Content: "make a QR code for x402.org"}})
	if err != nil {
		panic(err)
	}
	fmt.Println(resp.Message)
	if resp.Action == nil {
		return
	}

	// A real payer signs the challenge with a wallet.
	payer := func(context.Context, []byte) (string, error) { return "demo-payment", nil }
	result, err := client.CallAction(ctx, *resp.Action, payer)
	if err != nil {
		panic(err)
	}
	fmt.Printf("status=%d paid=%v settlement=%s body=%s\n", result.StatusCode, result.Paid, result.Settlement, result.Body)
}
