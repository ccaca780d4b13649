// Package web3 describes the EVM networks x402 payments settle on and the
// read-only chain access used to confirm settlements and report wallet
// balances. Concrete RPC clients live in the ethereum sub-package; the
// provider sub-package maps network names to dialled clients.
package web3
