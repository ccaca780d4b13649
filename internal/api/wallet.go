package api

import (
	"net/http"
	"strconv"

	"X402-Agent/internal/x402"
)

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	if s.opts.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "Payment ledger not configured", "")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	records, err := s.opts.Payments.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("读取结算记录失败", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load payments", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": records})
}

type walletView struct {
	Address  string      `json:"address"`
	Network  string      `json:"network,omitempty"`
	Asset    string      `json:"asset,omitempty"`
	Balance  string      `json:"balance,omitempty"`
	Currency string      `json:"currency,omitempty"`
	Budget   *budgetView `json:"budget,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
}

type budgetView struct {
	Limit     string `json:"limit"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
}

// handleWallet 报告服务端钱包地址、链上余额与预算使用情况。
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if s.opts.WalletAddress == "" {
		writeError(w, http.StatusServiceUnavailable, "Wallet not configured", "")
		return
	}
	view := walletView{Address: s.opts.WalletAddress, Network: s.opts.DefaultNetwork}
	network := r.URL.Query().Get("network")
	if network == "" {
		network = s.opts.DefaultNetwork
	}
	if s.opts.Balances != nil && network != "" {
		balance, def, err := s.opts.Balances.AssetBalance(r.Context(), network, s.opts.WalletAddress)
		if err != nil {
			view.Errors = append(view.Errors, err.Error())
		} else {
			decimals := def.AssetDecimals
			if decimals <= 0 {
				decimals = s.opts.Decimals
			}
			view.Network = network
			view.Asset = def.Asset
			view.Balance = x402.FormatAmount(balance, decimals)
			view.Currency = def.AssetName
		}
	}
	if s.opts.Budget != nil {
		snap, err := s.opts.Budget.Snapshot(r.Context())
		if err != nil {
			view.Errors = append(view.Errors, err.Error())
		} else {
			view.Budget = &budgetView{
				Limit:     x402.FormatAmount(snap.Limit, s.opts.Decimals),
				Spent:     x402.FormatAmount(snap.Spent, s.opts.Decimals),
				Remaining: x402.FormatAmount(snap.Remaining(), s.opts.Decimals),
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}
