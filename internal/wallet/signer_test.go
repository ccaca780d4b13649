package wallet

import (
	"context"
	"strconv"
	"testing"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/web3"
	"X402-Agent/internal/x402"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func testRequirement() x402.Requirement {
	return x402.Requirement{
		Scheme:            x402.SchemeExact,
		Network:           "base",
		MaxAmountRequired: "10000",
		Resource:          "https://api.example.com/qr",
		PayTo:             "0x209693bc6afc0c5328ba36faf03c514ef312287c",
		MaxTimeoutSeconds: 120,
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Extra:             map[string]any{"name": "USD Coin", "version": "2"},
	}
}

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewLocalSigner(hexutil.Encode(crypto.FromECDSA(key)), web3.DefaultNetworks())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signer.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return signer
}

func TestSignProducesRecoverableAuthorization(t *testing.T) {
	signer := newTestSigner(t)
	req := testRequirement()

	header, err := signer.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Scheme != x402.SchemeExact || payload.Network != "base" || payload.X402Version != x402.Version {
		t.Fatalf("unexpected envelope %+v", payload)
	}
	auth := payload.Payload.Authorization
	if auth.Value != "10000" || auth.From != signer.Address() {
		t.Fatalf("unexpected authorization %+v", auth)
	}
	after, _ := strconv.ParseInt(auth.ValidAfter, 10, 64)
	before, _ := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if after != 1_700_000_000-600 || before != 1_700_000_000+120 {
		t.Fatalf("unexpected validity window %d..%d", after, before)
	}
	if len(auth.Nonce) != 66 {
		t.Fatalf("nonce should be 32 bytes hex, got %q", auth.Nonce)
	}

	network, _ := web3.DefaultNetworks().Lookup("base")
	hash, err := AuthorizationHash(req, network, auth)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := hexutil.Decode(payload.Payload.Signature)
	if err != nil || len(sig) != 65 {
		t.Fatalf("bad signature %q: %v", payload.Payload.Signature, err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("recovery id should be 27 or 28, got %d", sig[64])
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub).Hex() != signer.Address() {
		t.Fatal("signature does not recover to the wallet address")
	}
}

func TestSignUsesFreshNonces(t *testing.T) {
	signer := newTestSigner(t)
	first, _ := signer.Sign(context.Background(), testRequirement())
	second, _ := signer.Sign(context.Background(), testRequirement())
	a, _ := x402.DecodePaymentHeader(first)
	b, _ := x402.DecodePaymentHeader(second)
	if a.Payload.Authorization.Nonce == b.Payload.Authorization.Nonce {
		t.Fatal("each authorization needs its own nonce")
	}
}

func TestSignRejectsUnsupportedInput(t *testing.T) {
	signer := newTestSigner(t)

	req := testRequirement()
	req.Network = "solana"
	if signer.Supports("solana") {
		t.Fatal("solana should not be supported")
	}
	if _, err := signer.Sign(context.Background(), req); err == nil {
		t.Fatal("expected unsupported network error")
	}

	req = testRequirement()
	req.PayTo = "not-an-address"
	if _, err := signer.Sign(context.Background(), req); err == nil {
		t.Fatal("expected invalid payTo error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.Sign(ctx, testRequirement()); err == nil {
		t.Fatal("cancelled context should not sign")
	}
}

func TestNewLocalSignerValidatesKey(t *testing.T) {
	for _, key := range []string{"", "0x", "zz", "0x1234"} {
		if _, err := NewLocalSigner(key, web3.DefaultNetworks()); xerrors.CodeOf(err) != xerrors.CodeConfig {
			t.Fatalf("key %q: expected CONFIG_ERROR, got %v", key, err)
		}
	}
}
