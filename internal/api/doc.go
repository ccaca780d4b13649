// Package api exposes the HTTP surface: the stateless chat decision endpoint,
// one proxy route per paid endpoint that forwards client-made payments, the
// server-wallet conversation routes, and read-only catalog, ledger and wallet
// views.
package api
